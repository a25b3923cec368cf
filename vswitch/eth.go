// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"vswitch.dev/iochain"
	"vswitch.dev/packet"
	"vswitch.dev/util/set"
)

// ethHeaderLen is the bytes of frame header the policy filter needs.
const ethHeaderLen = 14

// MACAddr is an Ethernet address in comparable form.
type MACAddr [6]byte

// ParseMACAddr parses a textual Ethernet address.
func ParseMACAddr(s string) (MACAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return MACAddr{}, fmt.Errorf("bad MAC %q: %w", s, ErrBadParam)
	}
	var m MACAddr
	copy(m[:], hw)
	return m, nil
}

func (m MACAddr) String() string { return net.HardwareAddr(m[:]).String() }

// IsBroadcast reports whether m is ff:ff:ff:ff:ff:ff.
func (m MACAddr) IsBroadcast() bool {
	return m == MACAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// IsMulticast reports whether the group bit is set.
func (m MACAddr) IsMulticast() bool { return m[0]&1 != 0 }

// FramePolicy decides which frames a port accepts from the switch.
// It is installed as a filter-rank call on the port's output chain;
// frames the policy rejects never reach the port's client.
type FramePolicy struct {
	MAC         MACAddr
	Promiscuous bool
	Broadcast   bool
	Multicast   set.Set[MACAddr]
}

// accepts applies the policy to a destination address.
func (fp *FramePolicy) accepts(dst MACAddr) bool {
	switch {
	case fp.Promiscuous:
		return true
	case dst == fp.MAC:
		return true
	case dst.IsBroadcast():
		return fp.Broadcast
	case dst.IsMulticast():
		return fp.Multicast.Contains(dst)
	}
	return false
}

// SetFramePolicy installs (or, with nil, removes) the frame routing
// policy of the port identified by id.
func (r *Registry) SetFramePolicy(id PortID, fp *FramePolicy) error {
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
	p.frp = fp
	p.updateEthPolicy()
	return nil
}

// updateEthPolicy syncs the policy filter chain call with p.frp.
// Portset lock held exclusively.
func (p *Port) updateEthPolicy() {
	p.outputChain.RemoveCall(p, ethPolicyFilter)
	if p.frp != nil {
		p.outputChain.InsertCall(p, iochain.RankFilter, ethPolicyFilter, nil, nil, p.frp, true)
	}
}

// ethPolicyFilter drops frames the port's policy does not accept.
func ethPolicyFilter(p *Port, data iochain.Data, pkts *packet.List) error {
	fp := data.(*FramePolicy)
	var rejected packet.List
	for h := pkts.Head(); h != nil; {
		next := pkts.Next(h)
		dst, _, err := p.ethHeader(h)
		if err != nil || !fp.accepts(dst) {
			pkts.Remove(h)
			rejected.AddToTail(h)
			p.drops.Add(1)
		}
		h = next
	}
	rejected.ReleaseAll(p.ps.reg.space)
	return nil
}

// ethHeader decodes the destination and source addresses of h's
// Ethernet header. Truncated or unmappable frames are an error.
func (p *Port) ethHeader(h *packet.Handle) (dst, src MACAddr, err error) {
	hdr := h.Frame()
	if len(hdr) < ethHeaderLen {
		hdr, err = h.CopyBytesOut(p.ps.reg.space, 0, min(ethHeaderLen, h.FrameLen()))
		if err != nil {
			return dst, src, err
		}
	}
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(hdr[:min(len(hdr), ethHeaderLen)], gopacket.NilDecodeFeedback); err != nil {
		return dst, src, fmt.Errorf("short ethernet frame: %w", ErrBadParam)
	}
	copy(dst[:], eth.DstMAC)
	copy(src[:], eth.SrcMAC)
	return dst, src, nil
}
