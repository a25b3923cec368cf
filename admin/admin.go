// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package admin implements the line-oriented administrative command
// surface of the switching layer. Commands are synchronous; each
// produces exactly one status line, "ok[ detail]" or
// "err taxonomy[ detail]".
package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"vswitch.dev/types/logger"
	"vswitch.dev/vswitch"
)

// Server executes admin commands against a registry.
type Server struct {
	reg  *vswitch.Registry
	logf logger.Logf
}

// New returns a Server driving reg.
func New(reg *vswitch.Registry, logf logger.Logf) *Server {
	if logf == nil {
		logf = logger.Discard
	}
	return &Server{reg: reg, logf: logf}
}

// Handle executes one command line and returns its status line.
func (s *Server) Handle(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errLine(fmt.Errorf("empty command: %w", vswitch.ErrBadParam))
	}
	verb, args := fields[0], fields[1:]
	out, err := s.dispatch(verb, args)
	if err != nil {
		return errLine(err)
	}
	if out == "" {
		return "ok"
	}
	return "ok " + out
}

func (s *Server) dispatch(verb string, args []string) (string, error) {
	switch verb {
	case "create":
		if len(args) != 3 {
			return "", usageErr("create <name> <ports> <type>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("bad port count %q: %w", args[1], vswitch.ErrBadParam)
		}
		typ, err := vswitch.ParseType(args[2])
		if err != nil {
			return "", err
		}
		return "", s.reg.Create(args[0], n, typ)

	case "destroy":
		if len(args) != 1 {
			return "", usageErr("destroy <name>")
		}
		return "", s.reg.Destroy(args[0])

	case "link":
		if len(args) != 2 {
			return "", usageErr("link <portset> <uplink>")
		}
		id, err := s.reg.LinkUplink(args[0], args[1])
		if err != nil {
			return "", err
		}
		return id.String(), nil

	case "unlink":
		if len(args) != 2 {
			return "", usageErr("unlink <portset> <uplink>")
		}
		return "", s.reg.UnlinkUplink(args[0], args[1])

	case "connect":
		if len(args) != 1 {
			return "", usageErr("connect <name>")
		}
		id, err := s.reg.Connect(args[0], vswitch.InvalidWorldID)
		if err != nil {
			return "", err
		}
		if err := s.reg.EnablePort(id); err != nil {
			s.reg.Disconnect(id, vswitch.InvalidWorldID)
			return "", err
		}
		return id.String(), nil

	case "disconnect":
		id, err := parsePortID(args, "disconnect <id>")
		if err != nil {
			return "", err
		}
		return "", s.reg.Disconnect(id, vswitch.InvalidWorldID)

	case "enable":
		id, err := parsePortID(args, "enable <id>")
		if err != nil {
			return "", err
		}
		return "", s.reg.EnablePort(id)

	case "disable":
		id, err := parsePortID(args, "disable <id>")
		if err != nil {
			return "", err
		}
		return "", s.reg.DisablePort(id, false)

	case "policy":
		// policy <id> <mac>|promisc
		if len(args) != 2 {
			return "", usageErr("policy <id> <mac>|promisc")
		}
		id, err := parsePortID(args[:1], "policy <id> <mac>|promisc")
		if err != nil {
			return "", err
		}
		fp := &vswitch.FramePolicy{Broadcast: true}
		if args[1] == "promisc" {
			fp.Promiscuous = true
		} else {
			mac, err := vswitch.ParseMACAddr(args[1])
			if err != nil {
				return "", err
			}
			fp.MAC = mac
		}
		return "", s.reg.SetFramePolicy(id, fp)

	case "list":
		if len(args) != 0 {
			return "", usageErr("list")
		}
		var b strings.Builder
		s.reg.ForEachPortset(func(ps *vswitch.Portset) {
			fmt.Fprintf(&b, "\n%s %s %d/%d %s", ps.Name(), ps.Type(),
				ps.NumPortsInUse(), ps.NumPorts(), orDash(ps.UplinkName()))
		})
		return strings.TrimPrefix(b.String(), "\n"), nil

	case "stats":
		if len(args) != 1 {
			return "", usageErr("stats <name>")
		}
		return s.stats(args[0])
	}
	return "", fmt.Errorf("unknown command %q: %w", verb, vswitch.ErrBadParam)
}

func (s *Server) stats(name string) (string, error) {
	var b strings.Builder
	found := false
	s.reg.ForEachPortset(func(ps *vswitch.Portset) {
		if ps.Name() != name {
			return
		}
		found = true
		for _, ls := range ps.PortStats() {
			fmt.Fprintf(&b, "\n%v in=%d/%d out=%d/%d drops=%d",
				ls.ID, ls.PktsIn, ls.BytesIn, ls.PktsOut, ls.BytesOut, ls.Drops)
		}
	})
	if !found {
		return "", fmt.Errorf("portset %q: %w", name, vswitch.ErrNotFound)
	}
	return strings.TrimPrefix(b.String(), "\n"), nil
}

// Serve accepts connections on ln and runs one command loop per
// connection until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return ctx.Err()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				defer conn.Close()
				s.serveConn(conn)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	s.ServeLines(conn, conn)
}

// ServeLines runs the command loop over an arbitrary line stream, for
// stdin-driven operation.
func (s *Server) ServeLines(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		resp := s.Handle(line)
		s.logf("%q -> %q", line, resp)
		fmt.Fprintln(w, resp)
	}
	return sc.Err()
}

func parsePortID(args []string, usage string) (vswitch.PortID, error) {
	if len(args) != 1 {
		return vswitch.InvalidPortID, usageErr(usage)
	}
	v, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return vswitch.InvalidPortID, fmt.Errorf("bad port id %q: %w", args[0], vswitch.ErrBadParam)
	}
	return vswitch.PortID(v), nil
}

func usageErr(usage string) error {
	return fmt.Errorf("usage: %s: %w", usage, vswitch.ErrBadParam)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// errLine renders err as a status line naming its taxonomy class.
func errLine(err error) string {
	name := "failure"
	for _, t := range []struct {
		err  error
		name string
	}{
		{vswitch.ErrNotFound, "not-found"},
		{vswitch.ErrBadParam, "bad-parameter"},
		{vswitch.ErrBusy, "busy"},
		{vswitch.ErrNoResources, "no-resources"},
		{vswitch.ErrNoMemory, "no-memory"},
		{vswitch.ErrInvalidHandle, "invalid-handle"},
		{vswitch.ErrInvalidAddress, "invalid-address"},
		{vswitch.ErrNotImplemented, "not-implemented"},
		{vswitch.ErrNotSupported, "not-supported"},
		{vswitch.ErrExists, "exists"},
	} {
		if errors.Is(err, t.err) {
			name = t.name
			break
		}
	}
	return fmt.Sprintf("err %s %v", name, err)
}
