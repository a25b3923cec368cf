// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"vswitch.dev/iochain"
	"vswitch.dev/packet"
	"vswitch.dev/vmem"
)

func newTestRegistry(t testing.TB) *Registry {
	t.Helper()
	return NewRegistry(Config{
		Logf:  t.Logf,
		Space: vmem.NewSpace(t.Logf, 0),
	})
}

// ethFrame builds a minimal IPv4-typed Ethernet frame of the given
// total size.
func ethFrame(dst, src MACAddr, size int) []byte {
	if size < ethHeaderLen {
		size = ethHeaderLen
	}
	b := make([]byte, size)
	copy(b, dst[:])
	copy(b[6:], src[:])
	binary.BigEndian.PutUint16(b[12:14], etherTypeIPv4)
	return b
}

// inject allocates packets for the given frames and feeds them into
// the switch through the port identified by id.
func inject(t *testing.T, reg *Registry, id PortID, frames ...[]byte) error {
	t.Helper()
	l := &packet.List{}
	for _, f := range frames {
		h, err := packet.Alloc(reg.space, 0, len(f))
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		copy(h.Frame(), f)
		l.AddToTail(h)
	}
	err := reg.Input(id, l)
	if !l.IsEmpty() {
		l.ReleaseAll(reg.space)
	}
	return err
}

// captureSink is a test port client: a terminal output stage that
// consumes every frame and records its bytes.
type captureSink struct {
	space  *vmem.Space
	frames [][]byte
}

func captureTerminal(p *Port, data iochain.Data, pkts *packet.List) error {
	sink := data.(*captureSink)
	for h := pkts.Head(); h != nil; h = pkts.Head() {
		pkts.Remove(h)
		if b, err := h.CopyBytesOut(sink.space, 0, h.FrameLen()); err == nil {
			sink.frames = append(sink.frames, b)
		}
		h.ReleaseOrComplete(sink.space)
	}
	return nil
}

// attachSink wires a captureSink as the client of the port identified
// by id.
func attachSink(t *testing.T, reg *Registry, id PortID) *captureSink {
	t.Helper()
	sink := &captureSink{space: reg.space}
	ps, err := reg.findByPortID(id)
	if err != nil {
		t.Fatalf("attachSink: %v", err)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, err := ps.lockedPort(id)
	if err != nil {
		t.Fatalf("attachSink: %v", err)
	}
	if _, err := p.outputChain.InsertCall(p, iochain.RankTerminal, captureTerminal, nil, nil, sink, true); err != nil {
		t.Fatalf("attachSink: %v", err)
	}
	return sink
}

// connectEnabled connects a port on the named set and enables it.
func connectEnabled(t *testing.T, reg *Registry, name string) PortID {
	t.Helper()
	id, err := reg.Connect(name, InvalidWorldID)
	if err != nil {
		t.Fatalf("Connect(%s): %v", name, err)
	}
	if err := reg.EnablePort(id); err != nil {
		t.Fatalf("EnablePort(%v): %v", id, err)
	}
	return id
}

// fakeDriver is an uplink device driver that records every entry
// point and consumes transmitted frames.
type fakeDriver struct {
	space *vmem.Space

	mu       sync.Mutex
	opens    int
	closes   int
	txCalls  int
	txFrames [][]byte
	openErr  error
}

func (d *fakeDriver) Open(dev *UplinkDevice) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	d.opens++
	return nil
}

func (d *fakeDriver) Close(dev *UplinkDevice) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDriver) StartTx(dev *UplinkDevice, pkts *packet.List) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txCalls++
	for h := pkts.Head(); h != nil; h = pkts.Head() {
		pkts.Remove(h)
		if b, err := h.CopyBytesOut(d.space, 0, h.FrameLen()); err == nil {
			d.txFrames = append(d.txFrames, b)
		}
		h.ReleaseOrComplete(d.space)
	}
	return nil
}

func (d *fakeDriver) stats() (opens, closes, txCalls int, txFrames [][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes, d.txCalls, d.txFrames
}

func TestCreateValidation(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		name     string
		setName  string
		numPorts int
		typ      Type
		wantErr  error
	}{
		{"ok", "sw0", 8, TypeHub, nil},
		{"duplicate name", "sw0", 8, TypeHub, ErrExists},
		{"empty name", "", 8, TypeHub, ErrBadParam},
		{"name too long", "a-name-well-beyond-the-31-byte-limit", 8, TypeHub, ErrBadParam},
		{"zero ports", "sw1", 0, TypeHub, ErrBadParam},
		{"too many ports", "sw1", MaxPortsPerSet + 1, TypeHub, ErrBadParam},
		{"bad type", "sw1", 8, TypeInvalid, ErrBadParam},
	}
	for _, tt := range tests {
		err := reg.Create(tt.setName, tt.numPorts, tt.typ)
		if tt.wantErr == nil {
			if err != nil {
				t.Errorf("%s: Create = %v; want nil", tt.name, err)
			}
			continue
		}
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: Create = %v; want %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestRegistryFull(t *testing.T) {
	reg := NewRegistry(Config{Logf: t.Logf, MaxPortsets: 2})
	if err := reg.Create("a", 4, TypeNull); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create("b", 4, TypeNull); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create("c", 4, TypeNull); !errors.Is(err, ErrNoResources) {
		t.Errorf("third Create = %v; want ErrNoResources", err)
	}
	if err := reg.Destroy("a"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create("c", 4, TypeNull); err != nil {
		t.Errorf("Create after Destroy = %v; want nil", err)
	}
}

func TestPortCapacityPadded(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("sw0", 10, TypeNull); err != nil {
		t.Fatal(err)
	}
	var got int
	reg.ForEachPortset(func(ps *Portset) { got = ps.NumPorts() })
	if got != 16 {
		t.Errorf("NumPorts = %d; want 16 (10 padded to a power of two)", got)
	}
}

func TestConnectDisconnect(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("sw0", 4, TypeNull); err != nil {
		t.Fatal(err)
	}

	id, err := reg.Connect("sw0", InvalidWorldID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if id == InvalidPortID {
		t.Fatal("Connect returned the invalid PortID")
	}
	if err := reg.Disconnect(id, InvalidWorldID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := reg.Disconnect(id, InvalidWorldID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Disconnect = %v; want ErrNotFound", err)
	}
}

func TestConnectExhaustsPorts(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("sw0", 4, TypeNull); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if _, err := reg.Connect("sw0", InvalidWorldID); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	if _, err := reg.Connect("sw0", InvalidWorldID); !errors.Is(err, ErrNoResources) {
		t.Errorf("Connect on full set = %v; want ErrNoResources", err)
	}
}

func TestStalePortIDRejected(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("sw0", 4, TypeNull); err != nil {
		t.Fatal(err)
	}

	old, err := reg.Connect("sw0", InvalidWorldID)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Disconnect(old, InvalidWorldID); err != nil {
		t.Fatal(err)
	}

	// The slot is reused immediately, but under a fresh generation.
	fresh, err := reg.Connect("sw0", InvalidWorldID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Fatal("reused slot produced an identical PortID")
	}

	if err := reg.EnablePort(old); !errors.Is(err, ErrNotFound) {
		t.Errorf("EnablePort(stale) = %v; want ErrNotFound", err)
	}
	if err := reg.LookupPort(old, func(*Port) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupPort(stale) = %v; want ErrNotFound", err)
	}
	if err := inject(t, reg, old, ethFrame(MACAddr{1}, MACAddr{2}, 60)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Input(stale) = %v; want ErrNotFound", err)
	}
	if got := reg.space.Used(); got != 0 {
		t.Errorf("space.Used after rejected input = %d; want 0 (frames completed)", got)
	}
}

func TestWorldAssociation(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("sw0", 4, TypeNull); err != nil {
		t.Fatal(err)
	}

	id, err := reg.Connect("sw0", 7)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Disconnect(id, 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("Disconnect by wrong world = %v; want ErrNotFound", err)
	}
	if err := reg.Disconnect(id, 7); err != nil {
		t.Errorf("Disconnect by owning world = %v; want nil", err)
	}

	// A port with no associations belongs to everyone.
	id, err = reg.Connect("sw0", InvalidWorldID)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Disconnect(id, 9); err != nil {
		t.Errorf("Disconnect of unassociated port = %v; want nil", err)
	}
}

func TestDisconnectWorldPorts(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("sw0", 4, TypeNull); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create("sw1", 4, TypeNull); err != nil {
		t.Fatal(err)
	}

	a, _ := reg.Connect("sw0", 7)
	b, _ := reg.Connect("sw1", 7)
	c, _ := reg.Connect("sw1", 8)

	reg.DisconnectWorldPorts(7)

	for _, id := range []PortID{a, b} {
		if err := reg.LookupPort(id, func(*Port) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Errorf("port %v survived its world's teardown: %v", id, err)
		}
	}
	if err := reg.LookupPort(c, func(*Port) error { return nil }); err != nil {
		t.Errorf("port %v of another world was swept: %v", c, err)
	}
}

func TestEnableDisable(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("sw0", 4, TypeNull); err != nil {
		t.Fatal(err)
	}
	id, err := reg.Connect("sw0", InvalidWorldID)
	if err != nil {
		t.Fatal(err)
	}

	if err := inject(t, reg, id, ethFrame(MACAddr{1}, MACAddr{2}, 60)); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Input on disabled port = %v; want ErrInvalidHandle", err)
	}

	if err := reg.EnablePort(id); err != nil {
		t.Fatal(err)
	}
	// Enabling an enabled port is a no-op.
	if err := reg.EnablePort(id); err != nil {
		t.Errorf("double EnablePort = %v; want nil", err)
	}
	if err := inject(t, reg, id, ethFrame(MACAddr{1}, MACAddr{2}, 60)); err != nil {
		t.Errorf("Input on enabled port = %v; want nil", err)
	}

	if err := reg.DisablePort(id, false); err != nil {
		t.Fatal(err)
	}
	if err := reg.DisablePort(id, false); err != nil {
		t.Errorf("double DisablePort = %v; want nil", err)
	}
}

func TestDestroyDisconnectsPorts(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("sw0", 4, TypeHub); err != nil {
		t.Fatal(err)
	}
	id := connectEnabled(t, reg, "sw0")

	if err := reg.Destroy("sw0"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := reg.Destroy("sw0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Destroy = %v; want ErrNotFound", err)
	}
	if err := reg.LookupPort(id, func(*Port) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupPort after Destroy = %v; want ErrNotFound", err)
	}
	if _, err := reg.Connect("sw0", InvalidWorldID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Connect after Destroy = %v; want ErrNotFound", err)
	}
}

func TestPortStatsCounters(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("sw0", 4, TypeNull); err != nil {
		t.Fatal(err)
	}
	id := connectEnabled(t, reg, "sw0")

	if err := inject(t, reg, id,
		ethFrame(MACAddr{1}, MACAddr{2}, 60),
		ethFrame(MACAddr{1}, MACAddr{2}, 100)); err != nil {
		t.Fatal(err)
	}

	var stats []PortStat
	reg.ForEachPortset(func(ps *Portset) { stats = ps.PortStats() })
	if len(stats) != 1 {
		t.Fatalf("PortStats returned %d entries; want 1", len(stats))
	}
	st := stats[0]
	if st.ID != id || st.PktsIn != 2 || st.BytesIn != 160 {
		t.Errorf("stats = %+v; want ID %v, 2 pkts, 160 bytes in", st, id)
	}
}

func TestPortIDLayout(t *testing.T) {
	reg := NewRegistry(Config{Logf: t.Logf, MaxPortsets: 8})
	if err := reg.Create("a", 4, TypeNull); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create("b", 4, TypeNull); err != nil {
		t.Fatal(err)
	}

	ida, _ := reg.Connect("a", InvalidWorldID)
	idb, _ := reg.Connect("b", InvalidWorldID)
	if ida.setIdx() == idb.setIdx() {
		t.Error("ports on different sets share a set index")
	}
	if ida.setIdx() != 0 || idb.setIdx() != 1 {
		t.Errorf("set indexes = %d, %d; want 0, 1", ida.setIdx(), idb.setIdx())
	}

	// Two live ports on one set occupy distinct slots.
	ida2, _ := reg.Connect("a", InvalidWorldID)
	if ida.portIdx(3) == ida2.portIdx(3) {
		t.Error("two live ports share a slot index")
	}
}

// holdSink is a terminal stage that takes ownership of delivered
// packets without releasing them.
type holdSink struct {
	held packet.List
}

func holdTerminal(p *Port, data iochain.Data, pkts *packet.List) error {
	sink := data.(*holdSink)
	for h := pkts.Head(); h != nil; h = pkts.Head() {
		pkts.Remove(h)
		sink.held.AddToTail(h)
	}
	return nil
}

func TestClonesSurviveSlotReuse(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Create("hub0", 4, TypeHub); err != nil {
		t.Fatal(err)
	}
	src := connectEnabled(t, reg, "hub0")
	dst := connectEnabled(t, reg, "hub0")

	sink := &holdSink{}
	ps, err := reg.findByPortID(dst)
	if err != nil {
		t.Fatal(err)
	}
	ps.mu.Lock()
	p, err := ps.lockedPort(dst)
	if err == nil {
		_, err = p.outputChain.InsertCall(p, iochain.RankTerminal, holdTerminal, nil, nil, sink, true)
	}
	ps.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	frame := ethFrame(MACAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, MACAddr{2}, 100)
	if err := inject(t, reg, src, frame); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if got := sink.held.Count(); got != 1 {
		t.Fatalf("held %d packets; want 1", got)
	}

	// Retire the source port and let a new connection take its slot.
	// Packets already in flight from it stay valid.
	if err := reg.Disconnect(src, InvalidWorldID); err != nil {
		t.Fatal(err)
	}
	connectEnabled(t, reg, "hub0")

	h := sink.held.Head()
	got, err := h.CopyBytesOut(reg.space, 0, h.FrameLen())
	if err != nil {
		t.Fatalf("CopyBytesOut: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("held frame bytes changed after slot reuse")
	}

	sink.held.ReleaseAll(reg.space)
	if got := reg.space.Used(); got != 0 {
		t.Errorf("space.Used = %d; want 0", got)
	}
}
