// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"errors"
	"testing"

	"vswitch.dev/util/set"
)

func TestParseMACAddr(t *testing.T) {
	m, err := ParseMACAddr("02:00:00:00:00:0a")
	if err != nil {
		t.Fatalf("ParseMACAddr: %v", err)
	}
	if m != macA {
		t.Errorf("parsed %v; want %v", m, macA)
	}
	if got := m.String(); got != "02:00:00:00:00:0a" {
		t.Errorf("String = %q", got)
	}

	for _, bad := range []string{"", "nope", "02:00:00:00:00", "02:00:00:00:00:00:00:00"} {
		if _, err := ParseMACAddr(bad); !errors.Is(err, ErrBadParam) {
			t.Errorf("ParseMACAddr(%q) = %v; want ErrBadParam", bad, err)
		}
	}
}

func TestMACAddrClasses(t *testing.T) {
	if !macBroadcast.IsBroadcast() || !macBroadcast.IsMulticast() {
		t.Error("broadcast address misclassified")
	}
	mcast := MACAddr{0x01, 0x00, 0x5e, 0, 0, 1}
	if mcast.IsBroadcast() || !mcast.IsMulticast() {
		t.Error("multicast address misclassified")
	}
	if macA.IsBroadcast() || macA.IsMulticast() {
		t.Error("unicast address misclassified")
	}
}

func TestFramePolicyAccepts(t *testing.T) {
	mcast := MACAddr{0x01, 0x00, 0x5e, 0, 0, 1}
	tests := []struct {
		name string
		fp   FramePolicy
		dst  MACAddr
		want bool
	}{
		{"own mac", FramePolicy{MAC: macA}, macA, true},
		{"other mac", FramePolicy{MAC: macA}, macB, false},
		{"promiscuous", FramePolicy{Promiscuous: true}, macB, true},
		{"broadcast allowed", FramePolicy{MAC: macA, Broadcast: true}, macBroadcast, true},
		{"broadcast denied", FramePolicy{MAC: macA}, macBroadcast, false},
		{"subscribed multicast", FramePolicy{MAC: macA, Multicast: set.Set[MACAddr]{mcast: struct{}{}}}, mcast, true},
		{"unsubscribed multicast", FramePolicy{MAC: macA}, mcast, false},
	}
	for _, tt := range tests {
		if got := tt.fp.accepts(tt.dst); got != tt.want {
			t.Errorf("%s: accepts(%v) = %v; want %v", tt.name, tt.dst, got, tt.want)
		}
	}
}

func TestFramePolicyFiltersOutput(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("hub0", 4, TypeHub); err != nil {
		t.Fatal(err)
	}
	a := connectEnabled(t, reg, "hub0")
	b := connectEnabled(t, reg, "hub0")
	sinkB := attachSink(t, reg, b)

	if err := reg.SetFramePolicy(b, &FramePolicy{MAC: macB, Broadcast: true}); err != nil {
		t.Fatalf("SetFramePolicy: %v", err)
	}

	if err := inject(t, reg, a,
		ethFrame(macB, macA, 60),         // for b
		ethFrame(macC, macA, 60),         // not for b
		ethFrame(macBroadcast, macA, 60), // broadcast, allowed
	); err != nil {
		t.Fatal(err)
	}
	if got := len(sinkB.frames); got != 2 {
		t.Fatalf("policy passed %d frames; want 2", got)
	}

	var drops uint64
	if err := reg.LookupPort(b, func(p *Port) error {
		drops = p.drops.Load()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if drops != 1 {
		t.Errorf("drops = %d; want 1", drops)
	}

	// Clearing the policy opens the port back up.
	if err := reg.SetFramePolicy(b, nil); err != nil {
		t.Fatal(err)
	}
	if err := inject(t, reg, a, ethFrame(macC, macA, 60)); err != nil {
		t.Fatal(err)
	}
	if got := len(sinkB.frames); got != 3 {
		t.Errorf("after clearing policy, %d frames; want 3", got)
	}
	if got := reg.space.Used(); got != 0 {
		t.Errorf("space.Used = %d; want 0", got)
	}
}
