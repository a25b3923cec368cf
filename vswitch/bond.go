// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"sync"

	"vswitch.dev/packet"
)

// bondImpl aggregates several uplink devices under one portset.
// Frames from local ports go out exactly one slave, chosen
// round-robin among the enabled ones; frames arriving from a slave
// are delivered to the local ports only, never reflected out another
// slave.
type bondImpl struct {
	uplinkBinder

	mu   sync.Mutex // guards next; Dispatch runs under the read lock
	next int
}

func activateBond(ps *Portset) (Impl, error) {
	return &bondImpl{uplinkBinder: uplinkBinder{aggAs: DeviceTypePortsetBond}}, nil
}

func (b *bondImpl) Dispatch(ps *Portset, pkts *packet.List, src *Port) error {
	if src.IsUplink() {
		return floodPorts(ps, pkts, src, func(p *Port) bool { return p.IsUplink() })
	}
	slave := b.pickSlave(ps)
	if slave == nil {
		return nil // no live slave; caller completes the frames
	}
	return slave.output(pkts)
}

// pickSlave rotates through the enabled uplink ports.
func (b *bondImpl) pickSlave(ps *Portset) *Port {
	var slaves []*Port
	ps.forEachEnabledPort(func(p *Port) error {
		if p.IsUplink() {
			slaves = append(slaves, p)
		}
		return nil
	})
	if len(slaves) == 0 {
		return nil
	}
	b.mu.Lock()
	b.next = (b.next + 1) % len(slaves)
	i := b.next
	b.mu.Unlock()
	return slaves[i]
}
