// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"encoding/binary"
	"fmt"
	"strings"

	"vswitch.dev/iochain"
	"vswitch.dev/packet"
	"vswitch.dev/vmem"
)

// Capability is a packet-processing feature a device either provides
// in hardware or gets emulated in software via an injected chain
// stage.
type Capability uint8

const (
	// CapCsumOffload fills the IPv4 header checksum on transmit.
	CapCsumOffload Capability = iota
	// CapLargeFrames lets a device accept frames above the standard
	// segment limit; the emulation splits them.
	CapLargeFrames
	// CapVLANStrip removes 802.1Q tags on transmit.
	CapVLANStrip

	// NumCapabilities is the size of the capability namespace.
	NumCapabilities Capability = 32
)

var capNames = map[Capability]string{
	CapCsumOffload: "csum",
	CapLargeFrames: "large-frames",
	CapVLANStrip:   "vlan-strip",
}

func (c Capability) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cap-%d", int(c))
}

// CapMask is a set of capabilities.
type CapMask uint32

// Has reports whether c is in the mask.
func (m CapMask) Has(c Capability) bool { return m&(1<<c) != 0 }

// With returns the mask with c added.
func (m CapMask) With(c Capability) CapMask { return m | 1<<c }

func (m CapMask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for c := Capability(0); c < NumCapabilities; c++ {
		if m.Has(c) {
			parts = append(parts, c.String())
		}
	}
	return strings.Join(parts, "+")
}

// capEntry wires a capability to its software emulation stage.
type capEntry struct {
	rank         iochain.Rank
	fn           iochain.Fn[*Port]
	insertHook   iochain.Hook[*Port]
	removeHook   iochain.Hook[*Port]
	modifiesList bool
}

// capTable is the fixed emulation table, indexed by Capability.
// Entries with a nil fn cannot be emulated.
var capTable = [NumCapabilities]capEntry{
	CapCsumOffload: {rank: iochain.RankQueue, fn: capCsumEmulate, modifiesList: true},
	CapLargeFrames: {rank: iochain.RankPostFilter, fn: capSplitLargeFrames, modifiesList: true},
	CapVLANStrip:   {rank: iochain.RankPostQueue, fn: capVLANStripEmulate, modifiesList: true},
}

// RequestCapability asks for c on the portset that owns id: every
// leaf device in its uplink subtree lacking c in hardware gets the
// software-emulation stage installed on its uplink port. Devices
// already covered (hardware or prior request) are left alone, so a
// request that is already satisfied everywhere is a no-op.
func (r *Registry) RequestCapability(id PortID, c Capability) error {
	if c >= NumCapabilities {
		return fmt.Errorf("capability %d out of range: %w", c, ErrBadParam)
	}
	if capTable[c].fn == nil {
		return fmt.Errorf("capability %v: %w", c, ErrNotSupported)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ps := r.sets[id.setIdx()]
	if ps == nil {
		return fmt.Errorf("no portset for %v: %w", id, ErrNotFound)
	}
	agg := r.uplinks.findNode(ps.name)
	if agg == nil {
		return nil // no devices bound, nothing to emulate
	}
	var firstErr error
	forEachLeaf(agg, func(n *uplinkNode) {
		dev := n.dev
		if dev.uplinkPort == InvalidPortID || dev.hwCap.Has(c) || dev.swCap.Has(c) {
			return
		}
		if err := r.insertCapCall(dev, c); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		dev.swCap |= 1 << c
	})
	return firstErr
}

// RemoveCapability removes the software emulation of c from every
// leaf device under the portset owning id. Removing a capability
// never requested is a no-op.
func (r *Registry) RemoveCapability(id PortID, c Capability) error {
	if c >= NumCapabilities {
		return fmt.Errorf("capability %d out of range: %w", c, ErrBadParam)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ps := r.sets[id.setIdx()]
	if ps == nil {
		return fmt.Errorf("no portset for %v: %w", id, ErrNotFound)
	}
	agg := r.uplinks.findNode(ps.name)
	if agg == nil {
		return nil
	}
	forEachLeaf(agg, func(n *uplinkNode) {
		dev := n.dev
		if dev.uplinkPort == InvalidPortID || !dev.swCap.Has(c) {
			return
		}
		r.removeCapCall(dev, c)
		dev.swCap &^= 1 << c
	})
	return nil
}

// insertCapCall installs c's emulation stage on dev's uplink port.
// Registry lock held; takes the port's set lock.
func (r *Registry) insertCapCall(dev *UplinkDevice, c Capability) error {
	ps := r.sets[dev.uplinkPort.setIdx()]
	if ps == nil {
		return fmt.Errorf("device %s: claiming portset gone: %w", dev.name, ErrNotFound)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, err := ps.lockedPort(dev.uplinkPort)
	if err != nil {
		return err
	}
	ent := &capTable[c]
	_, err = p.outputChain.InsertCall(p, ent.rank, ent.fn, ent.insertHook, ent.removeHook, dev, ent.modifiesList)
	if err == iochain.ErrDuplicate {
		return nil
	}
	return err
}

// removeCapCall is the inverse of insertCapCall.
func (r *Registry) removeCapCall(dev *UplinkDevice, c Capability) {
	ps := r.sets[dev.uplinkPort.setIdx()]
	if ps == nil {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, err := ps.lockedPort(dev.uplinkPort); err == nil {
		removeCapCallLocked(dev, p, c)
	}
}

// removeCapCallLocked removes c's stage from p's output chain. The
// port's set lock is held.
func removeCapCallLocked(dev *UplinkDevice, p *Port, c Capability) {
	if ent := &capTable[c]; ent.fn != nil {
		p.outputChain.RemoveCall(p, ent.fn)
	}
}

// removeAllCapCallsLocked strips every emulation stage from p.
func removeAllCapCallsLocked(dev *UplinkDevice, p *Port) {
	for c := Capability(0); c < NumCapabilities; c++ {
		if dev.swCap.Has(c) {
			removeCapCallLocked(dev, p, c)
		}
	}
}

const (
	etherTypeIPv4   = 0x0800
	etherTypeVLAN   = 0x8100
	stdSegmentLimit = 1514 // ethernet header + standard MTU
)

// capCsumEmulate fills the IPv4 header checksum of each frame in
// software. The header bytes are privatized before mutation; the
// original handle is swapped out of the list and released.
func capCsumEmulate(p *Port, data iochain.Data, pkts *packet.List) error {
	space := p.ps.reg.space
	var done packet.List
	for h := pkts.Head(); h != nil; {
		next := pkts.Next(h)
		hdrLen := min(h.FrameLen(), 14+60) // eth + max IPv4 header
		c, err := h.PartialCopy(space, 0, hdrLen)
		if err != nil {
			p.ps.logf("csum emulation: %v", err)
			h = next
			continue
		}
		if !fixIPv4Checksum(c.Frame()) {
			// Not IPv4; keep the original untouched.
			c.ReleaseOrComplete(space)
			h = next
			continue
		}
		pkts.Replace(h, c)
		done.AddToTail(h)
		h = next
	}
	if !done.IsEmpty() {
		p.ioComplete(&done)
	}
	return nil
}

// fixIPv4Checksum recomputes the IPv4 header checksum in place.
// Returns false if hdr does not start with an untagged IPv4 packet or
// is too short to patch.
func fixIPv4Checksum(hdr []byte) bool {
	if len(hdr) < 14+20 || binary.BigEndian.Uint16(hdr[12:14]) != etherTypeIPv4 {
		return false
	}
	ip := hdr[14:]
	ihl := int(ip[0]&0x0f) * 4
	if ihl < 20 || len(ip) < ihl {
		return false
	}
	ip[10], ip[11] = 0, 0
	var sum uint32
	for i := 0; i < ihl; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(ip[i : i+2]))
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	binary.BigEndian.PutUint16(ip[10:12], ^uint16(sum))
	return true
}

// capSplitLargeFrames splits frames above the standard segment limit
// into multiple freshly allocated frames, each carrying a copy of the
// original Ethernet header. Protocol-level fixups are the receiver's
// problem, exactly as with a hardware device that does the split.
func capSplitLargeFrames(p *Port, data iochain.Data, pkts *packet.List) error {
	space := p.ps.reg.space
	var done packet.List
	for h := pkts.Head(); h != nil; {
		next := pkts.Next(h)
		if h.FrameLen() <= stdSegmentLimit {
			h = next
			continue
		}
		segs, err := splitFrame(space, p, h)
		if err != nil {
			p.ps.logf("large frame split: %v", err)
			h = next
			continue
		}
		last := h
		for _, seg := range segs {
			pkts.InsertAfter(seg, last)
			last = seg
		}
		pkts.Remove(h)
		done.AddToTail(h)
		h = next
	}
	if !done.IsEmpty() {
		p.ioComplete(&done)
	}
	return nil
}

func splitFrame(space *vmem.Space, p *Port, h *packet.Handle) ([]*packet.Handle, error) {
	ethHdr, err := h.CopyBytesOut(space, 0, ethHeaderLen)
	if err != nil {
		return nil, err
	}
	payloadLen := h.FrameLen() - ethHeaderLen
	segPayload := stdSegmentLimit - ethHeaderLen
	var segs []*packet.Handle
	for off := 0; off < payloadLen; off += segPayload {
		n := min(segPayload, payloadLen-off)
		seg, err := packet.Alloc(space, 0, ethHeaderLen+n)
		if err != nil {
			releaseSegs(space, segs)
			return nil, err
		}
		copy(seg.Frame(), ethHdr)
		chunk, err := h.CopyBytesOut(space, ethHeaderLen+off, n)
		if err != nil {
			seg.ReleaseOrComplete(space)
			releaseSegs(space, segs)
			return nil, err
		}
		copy(seg.Frame()[ethHeaderLen:], chunk)
		segs = append(segs, seg)
	}
	return segs, nil
}

func releaseSegs(space *vmem.Space, segs []*packet.Handle) {
	for _, s := range segs {
		s.ReleaseOrComplete(space)
	}
}

// capVLANStripEmulate removes the 802.1Q tag from tagged frames,
// rebuilding the frame without the four tag bytes.
func capVLANStripEmulate(p *Port, data iochain.Data, pkts *packet.List) error {
	space := p.ps.reg.space
	var done packet.List
	for h := pkts.Head(); h != nil; {
		next := pkts.Next(h)
		if h.FrameLen() < 18 {
			h = next
			continue
		}
		tpid, err := h.CopyBytesOut(space, 12, 2)
		if err != nil || binary.BigEndian.Uint16(tpid) != etherTypeVLAN {
			h = next
			continue
		}
		stripped, err := stripVLANTag(space, h)
		if err != nil {
			p.ps.logf("vlan strip: %v", err)
			h = next
			continue
		}
		pkts.Replace(h, stripped)
		done.AddToTail(h)
		h = next
	}
	if !done.IsEmpty() {
		p.ioComplete(&done)
	}
	return nil
}

func stripVLANTag(space *vmem.Space, h *packet.Handle) (*packet.Handle, error) {
	out, err := packet.Alloc(space, 0, h.FrameLen()-4)
	if err != nil {
		return nil, err
	}
	addrs, err := h.CopyBytesOut(space, 0, 12)
	if err != nil {
		out.ReleaseOrComplete(space)
		return nil, err
	}
	rest, err := h.CopyBytesOut(space, 16, h.FrameLen()-16)
	if err != nil {
		out.ReleaseOrComplete(space)
		return nil, err
	}
	copy(out.Frame(), addrs)
	copy(out.Frame()[12:], rest)
	return out, nil
}
