// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"sync/atomic"

	"vswitch.dev/iochain"
	"vswitch.dev/packet"
)

// nulldevImpl counts every frame written to any port, then discards
// it. Useful as a sink and as the smallest example of a dispatch
// implementation.
type nulldevImpl struct {
	stats []nulldevStats // one per port slot
}

// nulldevStats counters are atomic: the counting stage runs under the
// portset read lock, concurrently with other inputs.
type nulldevStats struct {
	pkts  atomic.Uint64
	bytes atomic.Uint64
}

func activateNulldev(ps *Portset) (Impl, error) {
	return &nulldevImpl{stats: make([]nulldevStats, ps.NumPorts())}, nil
}

func (n *nulldevImpl) PortConnect(ps *Portset, p *Port) error {
	stats := &n.stats[ps.PortIdx(p)]
	stats.pkts.Store(0)
	stats.bytes.Store(0)
	_, err := p.InputChain().InsertCall(p, iochain.RankPreFilter,
		nulldevCountStats, nil, nil, stats, false)
	return err
}

func (n *nulldevImpl) PortDisconnect(ps *Portset, p *Port) error {
	stats := &n.stats[ps.PortIdx(p)]
	stats.pkts.Store(0)
	stats.bytes.Store(0)
	return nil
}

func (n *nulldevImpl) PortEnable(ps *Portset, p *Port) error  { return nil }
func (n *nulldevImpl) PortDisable(ps *Portset, p *Port) error { return nil }

// Dispatch consumes nothing; the leftover packets are completed by
// the caller, which is the whole point of a null device.
func (n *nulldevImpl) Dispatch(ps *Portset, pkts *packet.List, src *Port) error {
	return nil
}

func nulldevCountStats(p *Port, data iochain.Data, pkts *packet.List) error {
	stats := data.(*nulldevStats)
	for h := pkts.Head(); h != nil; h = pkts.Next(h) {
		stats.pkts.Add(1)
		stats.bytes.Add(uint64(h.FrameLen()))
	}
	return nil
}
