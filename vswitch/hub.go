// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"vswitch.dev/packet"
)

// hubImpl floods every frame to every enabled port except its source.
// The uplink port, if any, is delivered last so local ports see the
// frame even if the device transmit path stalls the list.
type hubImpl struct {
	uplinkBinder
}

func activateHub(ps *Portset) (Impl, error) {
	return &hubImpl{}, nil
}

func (h *hubImpl) Dispatch(ps *Portset, pkts *packet.List, src *Port) error {
	return floodPorts(ps, pkts, src, nil)
}

// floodPorts delivers pkts to every enabled port except src and
// except those rejected by skip. All but the last destination receive
// a zero-copy clone of the list; the last consumes the original.
func floodPorts(ps *Portset, pkts *packet.List, src *Port, skip func(*Port) bool) error {
	var dests []*Port
	var uplink *Port
	ps.forEachEnabledPort(func(p *Port) error {
		if p == src || (skip != nil && skip(p)) {
			return nil
		}
		if p.IsUplink() {
			uplink = p
		} else {
			dests = append(dests, p)
		}
		return nil
	})
	if uplink != nil {
		dests = append(dests, uplink)
	}
	if len(dests) == 0 {
		return nil
	}
	for _, d := range dests[:len(dests)-1] {
		cl, err := pkts.Clone(ps.reg.space)
		if err != nil {
			ps.logf("flood: clone failed: %v", err)
			continue
		}
		d.output(cl)
	}
	return dests[len(dests)-1].output(pkts)
}
