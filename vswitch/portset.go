// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package vswitch implements virtual network switches ("portsets"),
// their ports and generation-stamped port identifiers, and the uplink
// device tree binding switches to external devices.
//
// Locking hierarchy, strict: the registry lock serializes portset
// creation/destruction and uplink-tree structural edits; each portset
// has its own RWMutex for everything else (read for dispatch and
// lookup, write for connect/disconnect/enable/disable). No lock is
// held while invoking a device driver entry point or notification
// callback, and uplink registration entry points must not be entered
// with a portset lock held.
package vswitch

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"vswitch.dev/packet"
	"vswitch.dev/types/logger"
	"vswitch.dev/vmem"
)

const (
	// MaxNameLen bounds portset and device names.
	MaxNameLen = 31
	// MaxPortsPerSet bounds the port array of one set.
	MaxPortsPerSet = 1024
	// DefaultMaxPortsets is the default registry capacity.
	DefaultMaxPortsets = 32
)

// Type selects a portset's dispatch behavior.
type Type int

const (
	TypeInvalid Type = iota
	TypeNull
	TypeLoopback
	TypeHub
	TypeSwitch
	TypeBond
)

var typeNames = map[Type]string{
	TypeNull:     "null",
	TypeLoopback: "loopback",
	TypeHub:      "hub",
	TypeSwitch:   "switch",
	TypeBond:     "bond",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "invalid"
}

// ParseType maps an administrative type name to a Type.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if s == name {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown portset type %q: %w", s, ErrBadParam)
}

// Impl is a portset's pluggable dispatch implementation. All methods
// are invoked with the portset lock held (exclusively, except
// Dispatch which runs under the read lock).
type Impl interface {
	// Dispatch forwards pkts entering from src. Packets the
	// implementation consumes (including by forwarding) are removed
	// from pkts; the caller completes whatever remains.
	Dispatch(ps *Portset, pkts *packet.List, src *Port) error
	PortConnect(ps *Portset, p *Port) error
	PortDisconnect(ps *Portset, p *Port) error
	PortEnable(ps *Portset, p *Port) error
	PortDisable(ps *Portset, p *Port) error
}

// Deactivater is implemented by impls with teardown work.
type Deactivater interface {
	Deactivate(ps *Portset)
}

// UplinkConnector is implemented by impls that can bind uplink
// devices.
type UplinkConnector interface {
	// UplinkConnect claims devName for ps and returns the uplink
	// port. Called with the portset lock held exclusively.
	UplinkConnect(ps *Portset, devName string) (PortID, error)
	UplinkDisconnect(ps *Portset, devName string) error
}

// implActivator wires a Type to its constructor.
type implActivator func(ps *Portset) (Impl, error)

var implActivators = map[Type]implActivator{
	TypeNull:     activateNulldev,
	TypeLoopback: activateLoopback,
	TypeHub:      activateHub,
	TypeSwitch:   activateEtherSwitch,
	TypeBond:     activateBond,
}

// Portset is a virtual switch: a fixed-capacity array of ports plus a
// pluggable dispatch implementation.
type Portset struct {
	reg  *Registry
	logf logger.Logf

	mu     sync.RWMutex
	active bool
	name   string
	idx    int
	typ    Type
	impl   Impl

	ports       []Port
	portIdxMask uint32
	portIdxBits uint
	portgen     uint32
	inUse       int

	uplinkDevName string
	uplinkPortID  PortID
}

// Name returns the portset's name.
func (ps *Portset) Name() string { return ps.name }

// Type returns the portset's dispatch type.
func (ps *Portset) Type() Type { return ps.typ }

// NumPorts returns the (padded) port capacity.
func (ps *Portset) NumPorts() int { return len(ps.ports) }

// NumPortsInUse returns the number of connected ports.
func (ps *Portset) NumPortsInUse() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.inUse
}

// IsActive reports whether the set is live.
func (ps *Portset) IsActive() bool { return ps.active }

// UplinkName returns the bound uplink device name, if any.
func (ps *Portset) UplinkName() string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.uplinkDevName
}

// PortStat is a snapshot of one connected port's counters.
type PortStat struct {
	ID       PortID
	PktsIn   uint64
	BytesIn  uint64
	PktsOut  uint64
	BytesOut uint64
	Drops    uint64
}

// PortStats snapshots the counters of every connected port.
func (ps *Portset) PortStats() []PortStat {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var out []PortStat
	for i := range ps.ports {
		p := &ps.ports[i]
		if !p.IsInUse() {
			continue
		}
		out = append(out, PortStat{
			ID:       p.id,
			PktsIn:   p.pktsIn.Load(),
			BytesIn:  p.bytesIn.Load(),
			PktsOut:  p.pktsOut.Load(),
			BytesOut: p.bytesOut.Load(),
			Drops:    p.drops.Load(),
		})
	}
	return out
}

// PortIdx returns p's index in the set's array.
func (ps *Portset) PortIdx(p *Port) int {
	return int(p.id.portIdx(ps.portIdxMask))
}

// generatePortID assembles the next ID for the slot at portIdx,
// bumping the generation counter until the full value is valid.
func (ps *Portset) generatePortID(portIdx uint32) PortID {
	for {
		ps.portgen++
		gen := ps.portgen << ps.portIdxBits
		gen &= (1<<setIdxShift - 1) &^ ps.portIdxMask
		id := PortID(uint32(ps.idx)<<setIdxShift | gen | portIdx)
		if id != InvalidPortID {
			return id
		}
	}
}

// connectPort finds the lowest free slot, stamps a fresh PortID, and
// runs the impl's connect hook. Lock held exclusively.
func (ps *Portset) connectPort() (*Port, error) {
	if ps.inUse >= len(ps.ports) {
		return nil, fmt.Errorf("%s: all %d ports connected: %w", ps.name, len(ps.ports), ErrNoResources)
	}
	for i := range ps.ports {
		p := &ps.ports[i]
		if p.IsInUse() {
			continue
		}
		id := ps.generatePortID(uint32(i))
		p.connect(ps, id)
		if err := ps.impl.PortConnect(ps, p); err != nil {
			p.disconnect()
			return nil, err
		}
		ps.inUse++
		return p, nil
	}
	return nil, fmt.Errorf("%s: no free port slot: %w", ps.name, ErrNoResources)
}

// disconnectPort validates id (full comparison, generation included)
// and clears the slot. Never blocks on outstanding packet references:
// packets cloned from this port stay valid independently. Lock held
// exclusively.
func (ps *Portset) disconnectPort(id PortID) error {
	p, err := ps.lockedPort(id)
	if err != nil {
		return err
	}
	p.disable(true)
	ps.impl.PortDisconnect(ps, p)
	p.disconnect()
	ps.inUse--
	return nil
}

// lockedPort resolves id to its port. Caller holds the set lock in
// either mode.
func (ps *Portset) lockedPort(id PortID) (*Port, error) {
	if !ps.active {
		return nil, fmt.Errorf("%s: inactive: %w", ps.name, ErrInvalidHandle)
	}
	idx := id.portIdx(ps.portIdxMask)
	p := &ps.ports[idx]
	if !p.IsInUse() || p.id != id {
		return nil, fmt.Errorf("no port %v: %w", id, ErrNotFound)
	}
	return p, nil
}

// input hands pkts to the dispatch implementation. Read lock held.
func (ps *Portset) input(pkts *packet.List, src *Port) error {
	if !ps.active {
		return ErrInvalidHandle
	}
	return ps.impl.Dispatch(ps, pkts, src)
}

// forEachEnabledPort visits every enabled port. Lock held in either
// mode.
func (ps *Portset) forEachEnabledPort(fn func(p *Port) error) error {
	for i := range ps.ports {
		p := &ps.ports[i]
		if p.IsInUse() && p.IsEnabled() {
			if err := fn(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// Registry holds every live portset and the uplink device tree. It is
// process-wide shared state with an explicit lifecycle; pass it by
// reference rather than making it ambient.
type Registry struct {
	logf  logger.Logf
	space *vmem.Space

	mu      sync.Mutex // the global registry/topology lock
	sets    []*Portset
	uplinks uplinkLayer
}

// Config configures a Registry.
type Config struct {
	Logf        logger.Logf
	Space       *vmem.Space
	MaxPortsets int // 0 means DefaultMaxPortsets
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) *Registry {
	logf := cfg.Logf
	if logf == nil {
		logf = logger.Discard
	}
	n := cfg.MaxPortsets
	if n == 0 {
		n = DefaultMaxPortsets
	}
	if n > MaxPortsets {
		n = MaxPortsets
	}
	space := cfg.Space
	if space == nil {
		space = vmem.NewSpace(logf, 0)
	}
	r := &Registry{
		logf:  logf,
		space: space,
		sets:  make([]*Portset, n),
	}
	// Hotplug event storms repeat the same status line; collapse the
	// duplicates.
	uplinkLogf := logger.LogOnChange(logger.WithPrefix(logf, "uplink: "), 5*time.Minute, time.Now)
	r.uplinks.init(r, uplinkLogf)
	return r
}

// Space returns the registry's packet address space.
func (r *Registry) Space() *vmem.Space { return r.space }

// activate allocates a free registry slot and sizes the port array
// (padded to a power of two for the index mask). The set is returned
// with its lock held exclusively so the caller can finish wiring.
// Registry lock held.
func (r *Registry) activate(numPorts int, name string) (*Portset, error) {
	if name == "" || len(name) > MaxNameLen {
		return nil, fmt.Errorf("bad portset name %q: %w", name, ErrBadParam)
	}
	if numPorts <= 0 || numPorts > MaxPortsPerSet {
		return nil, fmt.Errorf("bad port count %d: %w", numPorts, ErrBadParam)
	}
	if _, err := r.findByName(name); err == nil {
		return nil, fmt.Errorf("portset %q: %w", name, ErrExists)
	}
	slot := -1
	for i, ps := range r.sets {
		if ps == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, fmt.Errorf("registry full (%d portsets): %w", len(r.sets), ErrNoResources)
	}

	padded := 1 << bits.Len(uint(numPorts-1))
	ps := &Portset{
		reg:         r,
		logf:        logger.WithPrefix(r.logf, name+": "),
		name:        name,
		idx:         slot,
		ports:       make([]Port, padded),
		portIdxMask: uint32(padded - 1),
		portIdxBits: uint(bits.Len(uint(padded - 1))),
	}
	ps.mu.Lock()
	ps.active = true
	r.sets[slot] = ps
	return ps, nil
}

// deactivate releases claimed uplink devices, disconnects remaining
// ports, runs impl teardown, and clears the slot. Registry lock and
// set lock held.
func (r *Registry) deactivate(ps *Portset) {
	r.uplinks.releasePortsetLocked(ps)
	for i := range ps.ports {
		p := &ps.ports[i]
		if p.IsInUse() {
			ps.disconnectPort(p.id)
		}
	}
	if ps.impl != nil {
		if d, ok := ps.impl.(Deactivater); ok {
			d.Deactivate(ps)
		}
		ps.impl = nil
	}
	ps.active = false
	r.sets[ps.idx] = nil
}

// findByName resolves a portset by name. Registry lock held.
func (r *Registry) findByName(name string) (*Portset, error) {
	for _, ps := range r.sets {
		if ps != nil && ps.name == name {
			return ps, nil
		}
	}
	return nil, fmt.Errorf("portset %q: %w", name, ErrNotFound)
}

// findByPortID resolves the portset owning id. The registry lock
// guards the slot table, so it is taken briefly for the read.
func (r *Registry) findByPortID(id PortID) (*Portset, error) {
	idx := id.setIdx()
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= len(r.sets) || r.sets[idx] == nil {
		return nil, fmt.Errorf("no portset for %v: %w", id, ErrNotFound)
	}
	return r.sets[idx], nil
}

// Create makes a portset of the given type with the given number of
// ports. A failed create rolls the set fully back.
func (r *Registry) Create(name string, numPorts int, typ Type) (err error) {
	r.logf("%s: request create", name)
	activate, ok := implActivators[typ]
	if !ok {
		return fmt.Errorf("type %v: %w", typ, ErrBadParam)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ps, err := r.activate(numPorts, name)
	if err != nil {
		r.logf("%s: can't create portset: %v", name, err)
		return err
	}
	defer ps.mu.Unlock()

	impl, err := activate(ps)
	if err != nil {
		r.logf("%s: can't create %v device: %v", name, typ, err)
		r.deactivate(ps)
		return err
	}
	ps.impl = impl
	ps.typ = typ
	r.logf("%s: created (%v, %d ports)", name, typ, ps.NumPorts())
	return nil
}

// Destroy tears a portset down by name.
func (r *Registry) Destroy(name string) error {
	r.logf("%s: request destroy", name)
	err := func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		ps, err := r.findByName(name)
		if err != nil {
			return err
		}
		ps.mu.Lock()
		defer ps.mu.Unlock()
		r.deactivate(ps)
		return nil
	}()
	if err != nil {
		return err
	}
	r.uplinks.flushNotify()
	r.logf("%s: destroyed", name)
	return nil
}

// Connect attaches a new port on the named portset, optionally
// associated with a world, and returns its ID.
func (r *Registry) Connect(name string, world WorldID) (PortID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, err := r.findByName(name)
	if err != nil {
		return InvalidPortID, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, err := ps.connectPort()
	if err != nil {
		return InvalidPortID, err
	}
	if world != InvalidWorldID {
		if err := p.AssociateWorld(world); err != nil {
			ps.disconnectPort(p.id)
			return InvalidPortID, err
		}
	}
	r.logf("connected to %s, port %v", name, p.id)
	return p.id, nil
}

// Disconnect detaches the port identified by id. If world is not
// InvalidWorldID the port must belong to that world.
func (r *Registry) Disconnect(id PortID, world WorldID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnectLocked(id, world)
}

func (r *Registry) disconnectLocked(id PortID, world WorldID) error {
	idx := id.setIdx()
	if idx >= len(r.sets) || r.sets[idx] == nil {
		return fmt.Errorf("no portset for %v: %w", id, ErrNotFound)
	}
	ps := r.sets[idx]
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if world != InvalidWorldID {
		p, err := ps.lockedPort(id)
		if err != nil {
			return err
		}
		if err := p.CheckWorldAssociation(world); err != nil {
			return fmt.Errorf("port %v not owned by world %d: %w", id, world, err)
		}
	}
	if err := ps.disconnectPort(id); err != nil {
		return err
	}
	r.logf("disconnected from %s, port %v", ps.name, id)
	return nil
}

// DisconnectWorldPorts sweeps every portset for ports associated with
// world and disconnects them. Best-effort: failures are logged and
// the sweep continues.
func (r *Registry) DisconnectWorldPorts(world WorldID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ps := range r.sets {
		if ps == nil {
			continue
		}
		ps.mu.Lock()
		for i := range ps.ports {
			p := &ps.ports[i]
			if p.IsInUse() && p.worlds.Contains(world) {
				p.DisassociateWorld(world)
				if p.worlds.Len() == 0 {
					if err := ps.disconnectPort(p.id); err != nil {
						ps.logf("world %d sweep: %v", world, err)
					}
				}
			}
		}
		ps.mu.Unlock()
	}
}

// EnablePort makes the port participate in dispatch.
func (r *Registry) EnablePort(id PortID) error {
	ps, err := r.findByPortID(id)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, err := ps.lockedPort(id)
	if err != nil {
		return err
	}
	return p.enable()
}

// DisablePort removes the port from dispatch. force allows disabling
// a port mid-dispatch.
func (r *Registry) DisablePort(id PortID, force bool) error {
	ps, err := r.findByPortID(id)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, err := ps.lockedPort(id)
	if err != nil {
		return err
	}
	return p.disable(force)
}

// LookupPort resolves id, verifying the full stored PortID including
// the generation, and calls fn with the port under the set's read
// lock. The port must not be retained past fn.
func (r *Registry) LookupPort(id PortID, fn func(p *Port) error) error {
	ps, err := r.findByPortID(id)
	if err != nil {
		return err
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, err := ps.lockedPort(id)
	if err != nil {
		return err
	}
	return fn(p)
}

// Input injects pkts into the switch through the port identified by
// id, as the port's client would. Consumed packets are removed from
// pkts; the remainder has been completed by the time Input returns.
//
// Packets bound for an uplink device are staged on the device while
// the portset lock is held and transmitted afterwards, so no lock is
// ever held across a driver entry point.
func (r *Registry) Input(id PortID, pkts *packet.List) error {
	err := r.LookupPort(id, func(p *Port) error {
		if !p.IsEnabled() {
			return fmt.Errorf("port %v disabled: %w", id, ErrInvalidHandle)
		}
		return p.inputResume(pkts)
	})
	r.uplinks.flushTx()
	return err
}

// LinkUplink binds the named uplink device to the named portset via
// the set's dispatch implementation.
func (r *Registry) LinkUplink(portsetName, devName string) (PortID, error) {
	if devName == "" || len(devName) > MaxNameLen {
		return InvalidPortID, fmt.Errorf("bad device name %q: %w", devName, ErrBadParam)
	}
	id, err := func() (PortID, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		ps, err := r.findByName(portsetName)
		if err != nil {
			return InvalidPortID, err
		}
		ps.mu.Lock()
		defer ps.mu.Unlock()

		uc, ok := ps.impl.(UplinkConnector)
		if !ok {
			return InvalidPortID, fmt.Errorf("%s (%v) cannot bind uplinks: %w", portsetName, ps.typ, ErrNotSupported)
		}
		id, err := uc.UplinkConnect(ps, devName)
		if err != nil {
			return InvalidPortID, err
		}
		ps.uplinkDevName = devName
		ps.uplinkPortID = id
		return id, nil
	}()
	r.uplinks.flushNotify()
	return id, err
}

// UnlinkUplink reverses LinkUplink.
func (r *Registry) UnlinkUplink(portsetName, devName string) error {
	err := func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		ps, err := r.findByName(portsetName)
		if err != nil {
			return err
		}
		ps.mu.Lock()
		defer ps.mu.Unlock()

		uc, ok := ps.impl.(UplinkConnector)
		if !ok {
			return fmt.Errorf("%s (%v) cannot bind uplinks: %w", portsetName, ps.typ, ErrNotSupported)
		}
		if err := uc.UplinkDisconnect(ps, devName); err != nil {
			return err
		}
		ps.uplinkDevName = ""
		ps.uplinkPortID = InvalidPortID
		return nil
	}()
	r.uplinks.flushNotify()
	return err
}

// ForEachPortset visits every live portset under the registry lock.
func (r *Registry) ForEachPortset(fn func(ps *Portset)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ps := range r.sets {
		if ps != nil {
			fn(ps)
		}
	}
}
