// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package admin

import (
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"vswitch.dev/vswitch"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := vswitch.NewRegistry(vswitch.Config{Logf: t.Logf})
	return New(reg, t.Logf)
}

func TestHandleLifecycle(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(t)

	c.Assert(s.Handle("create sw0 8 hub"), qt.Equals, "ok")
	c.Assert(s.Handle("create sw0 8 hub"), qt.Matches, `err exists .*`)
	c.Assert(s.Handle("create sw1 16 switch"), qt.Equals, "ok")

	list := s.Handle("list")
	c.Assert(list, qt.Matches, `ok sw0 hub 0/8 -\nsw1 switch 0/16 -`)

	// Connect returns the new port's ID; it is immediately usable.
	resp := s.Handle("connect sw0")
	c.Assert(resp, qt.Matches, `ok 0x[0-9a-f]{8}`)
	id := strings.TrimPrefix(resp, "ok ")

	c.Assert(s.Handle("disable "+id), qt.Equals, "ok")
	c.Assert(s.Handle("enable "+id), qt.Equals, "ok")
	c.Assert(s.Handle("policy "+id+" 02:00:00:00:00:0a"), qt.Equals, "ok")
	c.Assert(s.Handle("policy "+id+" promisc"), qt.Equals, "ok")

	stats := s.Handle("stats sw0")
	c.Assert(stats, qt.Matches, `ok `+id+` in=0/0 out=0/0 drops=0`)

	c.Assert(s.Handle("disconnect "+id), qt.Equals, "ok")
	c.Assert(s.Handle("disconnect "+id), qt.Matches, `err not-found .*`)

	c.Assert(s.Handle("destroy sw0"), qt.Equals, "ok")
	c.Assert(s.Handle("destroy sw0"), qt.Matches, `err not-found .*`)
}

func TestHandleErrors(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(t)
	c.Assert(s.Handle("create sw0 8 hub"), qt.Equals, "ok")

	tests := []struct {
		line string
		want string
	}{
		{"", `err bad-parameter .*`},
		{"frobnicate", `err bad-parameter unknown command .*`},
		{"create", `err bad-parameter usage: .*`},
		{"create sw1 eight hub", `err bad-parameter bad port count .*`},
		{"create sw1 8 mystery", `err bad-parameter unknown portset type .*`},
		{"create sw1 0 hub", `err bad-parameter .*`},
		{"connect nosuch", `err not-found .*`},
		{"disconnect notanid", `err bad-parameter bad port id .*`},
		{"enable 0x12345678", `err not-found .*`},
		{"policy 0x12345678 ff", `err bad-parameter bad MAC .*`},
		{"link sw0", `err bad-parameter usage: .*`},
		{"unlink sw0 vmnic0", `err not-found .*`},
		{"stats nosuch", `err not-found .*`},
	}
	for _, tt := range tests {
		c.Assert(s.Handle(tt.line), qt.Matches, tt.want, qt.Commentf("line %q", tt.line))
	}
}

func TestHandleLinkRequiresDevice(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(t)

	c.Assert(s.Handle("create sw0 8 hub"), qt.Equals, "ok")
	c.Assert(s.Handle("create lo0 4 loopback"), qt.Equals, "ok")

	// Linking ahead of device arrival is allowed and reports the
	// uplink port.
	resp := s.Handle("link sw0 vmnic0")
	c.Assert(resp, qt.Matches, `ok 0x[0-9a-f]{8}`)
	c.Assert(s.Handle("link lo0 vmnic1"), qt.Matches, `err not-supported .*`)

	list := s.Handle("list")
	c.Assert(list, qt.Matches, `ok sw0 hub 1/8 vmnic0\nlo0 loopback 0/4 -`)

	c.Assert(s.Handle("unlink sw0 vmnic0"), qt.Equals, "ok")
	c.Assert(s.Handle("unlink sw0 vmnic0"), qt.Matches, `err not-found .*`)
}

func TestConnectIDsDistinct(t *testing.T) {
	c := qt.New(t)
	s := newTestServer(t)
	c.Assert(s.Handle("create sw0 8 hub"), qt.Equals, "ok")
	a := s.Handle("connect sw0")
	b := s.Handle("connect sw0")
	c.Assert(a, qt.Matches, `ok 0x[0-9a-f]{8}`)
	c.Assert(b, qt.Matches, `ok 0x[0-9a-f]{8}`)
	c.Assert(a == b, qt.IsFalse)
}
