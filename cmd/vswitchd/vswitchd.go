// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The vswitchd daemon hosts a virtual switch registry and serves the
// administrative line protocol over TCP.
package main

import (
	"context"
	"expvar"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"vswitch.dev/admin"
	"vswitch.dev/types/logger"
	"vswitch.dev/vmem"
	"vswitch.dev/vswitch"
)

func main() {
	fs := flag.NewFlagSet("vswitchd", flag.ExitOnError)
	var (
		listen      = fs.String("listen", "localhost:6642", "admin protocol listen address")
		debugListen = fs.String("debug-listen", "", "optional expvar debug listen address")
		maxPortsets = fs.Int("max-portsets", vswitch.DefaultMaxPortsets, "portset registry capacity")
		pktMemLimit = fs.Int64("pkt-mem-limit", 64<<20, "packet buffer memory limit in bytes, 0 for unlimited")
		stdin       = fs.Bool("stdin", false, "serve admin commands from stdin instead of TCP")
		verbose     = fs.Bool("verbose", false, "verbose logging")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("VSWITCHD")); err != nil {
		log.Fatalf("vswitchd: %v", err)
	}

	logf := logger.Logf(log.Printf)
	if !*verbose {
		logf = logger.RateLimitedFn(logf, time.Second, 50, 100)
	}

	space := vmem.NewSpace(logger.WithPrefix(logf, "vmem: "), *pktMemLimit)
	reg := vswitch.NewRegistry(vswitch.Config{
		Logf:        logf,
		Space:       space,
		MaxPortsets: *maxPortsets,
	})
	srv := admin.New(reg, logger.WithPrefix(logf, "admin: "))

	expvar.Publish("vswitch_pkt_mem_bytes", expvar.Func(func() any {
		return space.Used()
	}))
	expvar.Publish("vswitch_portsets", expvar.Func(func() any {
		stats := map[string]any{}
		reg.ForEachPortset(func(ps *vswitch.Portset) {
			stats[ps.Name()] = map[string]any{
				"type":         ps.Type().String(),
				"ports_in_use": ps.NumPortsInUse(),
				"ports":        ps.NumPorts(),
				"uplink":       ps.UplinkName(),
				"port_stats":   ps.PortStats(),
			}
		})
		return stats
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if *stdin {
		logf("admin protocol on stdin")
		g.Go(func() error { return srv.ServeLines(os.Stdin, os.Stdout) })
	} else {
		ln, err := net.Listen("tcp", *listen)
		if err != nil {
			log.Fatalf("vswitchd: listen %s: %v", *listen, err)
		}
		logf("admin protocol on %s", ln.Addr())
		g.Go(func() error { return srv.Serve(ctx, ln) })
	}

	if *debugListen != "" {
		dln, err := net.Listen("tcp", *debugListen)
		if err != nil {
			log.Fatalf("vswitchd: listen %s: %v", *debugListen, err)
		}
		logf("debug vars on http://%s/debug/vars", dln.Addr())
		hs := &http.Server{
			Handler:  http.DefaultServeMux,
			ErrorLog: logger.StdLogger(logger.WithPrefix(logf, "debug: ")),
		}
		g.Go(func() error {
			<-ctx.Done()
			return hs.Close()
		})
		g.Go(func() error {
			if err := hs.Serve(dln); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("vswitchd: %v", err)
	}
}
