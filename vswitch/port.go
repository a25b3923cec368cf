// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"fmt"
	"sync/atomic"

	"vswitch.dev/iochain"
	"vswitch.dev/packet"
	"vswitch.dev/util/set"
)

// WorldID identifies a world (VM or host thread group) attached to a
// port. Disassociation is triggered externally when a world exits.
type WorldID uint32

// InvalidWorldID is the zero world.
const InvalidWorldID WorldID = 0

type portFlags uint32

const (
	portFlagInUse portFlags = 1 << iota
	portFlagEnabled
	portFlagDisablePending
	portFlagUplink
)

// Port is a single attachment point inside a Portset. Its lifecycle
// is Disconnected -> Connected -> Enabled <-> Disabled ->
// Disconnected; the slot may be reused immediately after disconnect
// with a bumped generation.
//
// All mutable Port state is protected by the owning Portset's lock,
// except the traffic counters: dispatch runs under the shared lock,
// so concurrent inputs flooding to one destination update them
// concurrently and they must be atomic.
type Port struct {
	ps    *Portset
	id    PortID
	flags portFlags

	// ImplData is private to the portset's dispatch implementation.
	ImplData any

	worlds    set.Set[WorldID]
	uplinkDev *UplinkDevice // non-nil while bound to an uplink device

	inputChain  iochain.Chain[*Port]
	outputChain iochain.Chain[*Port]
	notifyChain iochain.Chain[*Port]

	frp *FramePolicy

	pktsIn, bytesIn   atomic.Uint64
	pktsOut, bytesOut atomic.Uint64
	drops             atomic.Uint64
}

// ID returns the port's identifier, or InvalidPortID when
// disconnected.
func (p *Port) ID() PortID { return p.id }

// Portset returns the owning portset.
func (p *Port) Portset() *Portset { return p.ps }

// IsInUse reports whether the slot is connected.
func (p *Port) IsInUse() bool { return p.flags&portFlagInUse != 0 }

// IsEnabled reports whether the port participates in dispatch.
func (p *Port) IsEnabled() bool { return p.flags&portFlagEnabled != 0 }

// IsUplink reports whether the port is bound to an uplink device.
func (p *Port) IsUplink() bool { return p.flags&portFlagUplink != 0 }

// InputChain returns the chain run on packets entering the switch
// through this port.
func (p *Port) InputChain() *iochain.Chain[*Port] { return &p.inputChain }

// OutputChain returns the chain run on packets leaving the switch
// toward this port's client (VM or uplink device).
func (p *Port) OutputChain() *iochain.Chain[*Port] { return &p.outputChain }

// NotifyChain returns the chain run on completed masters.
func (p *Port) NotifyChain() *iochain.Chain[*Port] { return &p.notifyChain }

// connect initializes the slot for use under id. Portset lock held
// exclusively.
func (p *Port) connect(ps *Portset, id PortID) {
	p.ps = ps
	p.id = id
	p.flags = portFlagInUse
	p.worlds = make(set.Set[WorldID])
	p.ImplData = nil
	p.frp = nil
	p.pktsIn.Store(0)
	p.bytesIn.Store(0)
	p.pktsOut.Store(0)
	p.bytesOut.Store(0)
	p.drops.Store(0)
}

// disconnect tears the slot down. Portset lock held exclusively.
func (p *Port) disconnect() {
	p.inputChain.ReleaseChain(p)
	p.outputChain.ReleaseChain(p)
	p.notifyChain.ReleaseChain(p)
	p.worlds = nil
	p.ImplData = nil
	p.frp = nil
	p.uplinkDev = nil
	p.id = InvalidPortID
	p.flags = 0
}

// enable makes the port participate in dispatch. Portset lock held
// exclusively.
func (p *Port) enable() error {
	if !p.IsInUse() {
		return ErrInvalidHandle
	}
	if p.IsEnabled() {
		return nil
	}
	if err := p.ps.impl.PortEnable(p.ps, p); err != nil {
		return err
	}
	p.flags |= portFlagEnabled
	p.flags &^= portFlagDisablePending
	p.updateEthPolicy()
	return nil
}

// disable removes the port from dispatch. Without force, a port with
// IO still pending is only marked disable-pending; force is used
// during world teardown and always completes. Portset lock held
// exclusively.
func (p *Port) disable(force bool) error {
	if !p.IsInUse() {
		return ErrInvalidHandle
	}
	if !p.IsEnabled() {
		return nil
	}
	if err := p.ps.impl.PortDisable(p.ps, p); err != nil && !force {
		p.flags |= portFlagDisablePending
		return fmt.Errorf("disable pending: %w", ErrBusy)
	}
	p.flags &^= portFlagEnabled | portFlagDisablePending
	return nil
}

// AssociateWorld attaches a world reference to the port.
func (p *Port) AssociateWorld(id WorldID) error {
	if id == InvalidWorldID {
		return ErrBadParam
	}
	p.worlds.Add(id)
	return nil
}

// DisassociateWorld drops a world reference.
func (p *Port) DisassociateWorld(id WorldID) {
	p.worlds.Delete(id)
}

// CheckWorldAssociation reports whether the port belongs to the given
// world. Ports with no associations belong to everyone.
func (p *Port) CheckWorldAssociation(id WorldID) error {
	if p.worlds.Len() == 0 || p.worlds.Contains(id) {
		return nil
	}
	return ErrNotFound
}

// inputResume pushes pkts through the port's input chain and into the
// portset's dispatch. Whatever neither the chain nor the dispatch
// consumed is completed locally. Portset read lock held.
func (p *Port) inputResume(pkts *packet.List) error {
	for h := pkts.Head(); h != nil; h = pkts.Next(h) {
		p.pktsIn.Add(1)
		p.bytesIn.Add(uint64(h.FrameLen()))
	}
	err := p.inputChain.Start(p, pkts)
	if err == nil && !pkts.IsEmpty() {
		err = p.ps.input(pkts, p)
	}
	if !pkts.IsEmpty() {
		p.ioComplete(pkts)
	}
	return err
}

// output runs pkts down the port's output chain toward its client. A
// terminal stage (VM client, uplink transmit) consumes what it
// accepts; leftovers are counted as drops and completed.
func (p *Port) output(pkts *packet.List) error {
	n := pkts.Count()
	var total uint64
	for h := pkts.Head(); h != nil; h = pkts.Next(h) {
		total += uint64(h.FrameLen())
	}
	err := p.outputChain.Start(p, pkts)
	var leftover uint64
	for h := pkts.Head(); h != nil; h = pkts.Next(h) {
		leftover += uint64(h.FrameLen())
	}
	// Chain stages may grow the list (frame splitting), so both deltas
	// are clamped at zero.
	if d := n - pkts.Count(); d > 0 {
		p.pktsOut.Add(uint64(d))
	}
	if total > leftover {
		p.bytesOut.Add(total - leftover)
	}
	if !pkts.IsEmpty() {
		p.drops.Add(uint64(pkts.Count()))
		p.ioComplete(pkts)
	}
	return err
}

// ioComplete releases every packet on the list; masters resurrected
// for completion notification are run through the notify chain.
func (p *Port) ioComplete(pkts *packet.List) {
	var completed packet.List
	pkts.CompleteAll(p.ps.reg.space, func(m *packet.Handle) {
		completed.AddToTail(m)
	})
	if !completed.IsEmpty() {
		p.notifyChain.Start(p, &completed)
		// Anything no notify stage claimed is finished here.
		completed.CompleteAll(p.ps.reg.space, nil)
	}
}
