// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"vswitch.dev/packet"
)

// macTableTTL is how long a learned MAC stays valid without traffic.
const macTableTTL = 5 * time.Minute

// etherSwitchImpl is a learning Ethernet switch. The source address
// of every frame entering a port is learned into a MAC table with
// idle expiry; unicast frames to a learned address forward to that
// port alone, everything else floods like a hub.
type etherSwitchImpl struct {
	uplinkBinder
	table *ttlcache.Cache[MACAddr, PortID]
}

func activateEtherSwitch(ps *Portset) (Impl, error) {
	sw := &etherSwitchImpl{
		table: ttlcache.New[MACAddr, PortID](
			ttlcache.WithTTL[MACAddr, PortID](macTableTTL),
		),
	}
	go sw.table.Start()
	return sw, nil
}

func (sw *etherSwitchImpl) Deactivate(ps *Portset) {
	sw.table.Stop()
	sw.table.DeleteAll()
}

// PortDisconnect flushes table entries pointing at the dead port so a
// reused slot can't inherit its traffic.
func (sw *etherSwitchImpl) PortDisconnect(ps *Portset, p *Port) error {
	for mac, item := range sw.table.Items() {
		if item.Value() == p.ID() {
			sw.table.Delete(mac)
		}
	}
	return nil
}

func (sw *etherSwitchImpl) Dispatch(ps *Portset, pkts *packet.List, src *Port) error {
	perPort := make(map[*Port]*packet.List)
	var flood packet.List

	for h := pkts.Head(); h != nil; h = pkts.Head() {
		pkts.Remove(h)
		dst, srcMAC, err := src.ethHeader(h)
		if err != nil {
			ps.logf("switch: unparseable frame from %v: %v", src.ID(), err)
			flood.AddToTail(h)
			continue
		}
		if !srcMAC.IsMulticast() {
			sw.table.Set(srcMAC, src.ID(), ttlcache.DefaultTTL)
		}
		if dst.IsMulticast() || dst.IsBroadcast() {
			flood.AddToTail(h)
			continue
		}
		dest := sw.lookupPort(ps, dst)
		if dest == nil || dest == src || !dest.IsEnabled() {
			flood.AddToTail(h)
			continue
		}
		l := perPort[dest]
		if l == nil {
			l = &packet.List{}
			perPort[dest] = l
		}
		l.AddToTail(h)
	}

	for dest, l := range perPort {
		dest.output(l)
	}
	if !flood.IsEmpty() {
		err := floodPorts(ps, &flood, src, nil)
		if !flood.IsEmpty() {
			// No destination existed; finish the frames here since
			// they are already off the caller's list.
			src.ioComplete(&flood)
		}
		return err
	}
	return nil
}

// lookupPort resolves a learned MAC to its live port, dropping the
// entry if the port slot has been reused since it was learned.
func (sw *etherSwitchImpl) lookupPort(ps *Portset, mac MACAddr) *Port {
	item := sw.table.Get(mac)
	if item == nil {
		return nil
	}
	p, err := ps.lockedPort(item.Value())
	if err != nil {
		sw.table.Delete(mac)
		return nil
	}
	return p
}
