// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"vswitch.dev/packet"
)

// loopbackImpl reflects every frame back out the port it came in on.
type loopbackImpl struct{}

func activateLoopback(ps *Portset) (Impl, error) {
	return loopbackImpl{}, nil
}

func (loopbackImpl) PortConnect(ps *Portset, p *Port) error    { return nil }
func (loopbackImpl) PortDisconnect(ps *Portset, p *Port) error { return nil }
func (loopbackImpl) PortEnable(ps *Portset, p *Port) error     { return nil }
func (loopbackImpl) PortDisable(ps *Portset, p *Port) error    { return nil }

func (loopbackImpl) Dispatch(ps *Portset, pkts *packet.List, src *Port) error {
	// output consumes the whole list, completing what no client
	// stage accepted.
	return src.output(pkts)
}
