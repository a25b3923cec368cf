// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package packet implements reference-counted, scatter-gather packet
// buffers with zero-copy cloning and selective header privatization.
//
// Every packet is rooted in a master Handle, which owns the frame
// storage and the reference count. Clones made with PartialCopy share
// the master's storage; a clone that needs to mutate header bytes gets
// a private copy of just those bytes, never of the shared tail.
// Mutation is only ever legal on a region the mutator privately owns.
package packet

import (
	"fmt"
	"sync/atomic"

	"vswitch.dev/vmem"
)

// Flags describe a single Handle.
type Flags uint16

const (
	// FlagMaster marks the handle owning the frame storage and the
	// authoritative reference count.
	FlagMaster Flags = 1 << iota
	// FlagFrameHdrMapped is set when Frame() returns a valid view of
	// the leading frame bytes.
	FlagFrameHdrMapped
	// FlagPrivateBufDesc is set on clones that own a privatized
	// descriptor (and its header block).
	FlagPrivateBufDesc
)

// DescFlags describe a shared buffer descriptor.
type DescFlags uint16

const (
	// DescFlagNotifyComplete asks for the master to be delivered to a
	// completion stage instead of freed when the last reference drops.
	DescFlagNotifyComplete DescFlags = 1 << 0
)

// BufDesc describes a packet's frame storage. The master's BufDesc is
// shared by all plain clones; a privatized clone carries its own.
type BufDesc struct {
	ref         atomic.Int32 // meaningful on the master's desc only
	flags       DescFlags    // set only before the packet is shared
	frameLen    uint32
	headroomLen uint32
	sg          SGArray
	block       vmem.MA // backing block owned by this desc, 0 if none
}

// FrameLen returns the total frame length in bytes.
func (d *BufDesc) FrameLen() int { return int(d.frameLen) }

// SG returns the scatter-gather description of the frame.
func (d *BufDesc) SG() *SGArray { return &d.sg }

// Handle is one reference to a packet. See the package comment for
// the master/clone model.
type Handle struct {
	desc           *BufDesc
	master         *Handle
	flags          Flags
	frame          []byte // mapped leading frame bytes, valid if FlagFrameHdrMapped
	frameMappedLen uint32
	headroomLen    uint32

	// CompletionData is opaque context for the completion stage that
	// receives the master when DescFlagNotifyComplete is set.
	CompletionData any

	// intrusive list links, owned by List
	next, prev *Handle
	onList     *List
}

// Alloc carves one contiguous block holding headroom and frame, and
// returns its master handle with reference count 1 and a single
// scatter-gather fragment covering the frame.
func Alloc(space *vmem.Space, headroomLen, frameLen int) (*Handle, error) {
	if frameLen <= 0 || headroomLen < 0 {
		return nil, fmt.Errorf("packet: bad alloc %d+%d", headroomLen, frameLen)
	}
	block, err := space.Alloc(headroomLen + frameLen)
	if err != nil {
		return nil, err
	}
	buf, err := space.Map(block, headroomLen+frameLen)
	if err != nil {
		space.Free(block)
		return nil, err
	}
	h := &Handle{
		desc: &BufDesc{
			frameLen:    uint32(frameLen),
			headroomLen: uint32(headroomLen),
			block:       block,
		},
		flags:          FlagMaster | FlagFrameHdrMapped,
		frame:          buf[headroomLen:],
		frameMappedLen: uint32(frameLen),
		headroomLen:    uint32(headroomLen),
	}
	h.master = h
	h.desc.ref.Store(1)
	h.desc.sg.append(block+vmem.MA(headroomLen), uint32(frameLen))
	return h, nil
}

// Desc returns the descriptor this handle views.
func (h *Handle) Desc() *BufDesc { return h.desc }

// Master returns the master handle for this packet.
func (h *Handle) Master() *Handle { return h.master }

// IsMaster reports whether h owns its frame storage.
func (h *Handle) IsMaster() bool { return h.flags&FlagMaster != 0 }

// FrameLen returns the total frame length described by h.
func (h *Handle) FrameLen() int { return int(h.desc.frameLen) }

// Frame returns the privately mapped leading frame bytes, or nil if
// the handle has no mapped header. Only this region may be mutated
// through h.
func (h *Handle) Frame() []byte {
	if h.flags&FlagFrameHdrMapped == 0 {
		return nil
	}
	return h.frame[:h.frameMappedLen]
}

// FrameMappedLen returns the number of leading frame bytes privately
// owned by h (0 for a plain clone).
func (h *Handle) FrameMappedLen() int {
	if h.flags&FlagFrameHdrMapped == 0 {
		return 0
	}
	return int(h.frameMappedLen)
}

// HeadroomLen returns the headroom in front of h's frame view.
func (h *Handle) HeadroomLen() int { return int(h.headroomLen) }

// RefCount returns the packet's current reference count.
func (h *Handle) RefCount() int { return int(h.master.desc.ref.Load()) }

// SetNotifyComplete arranges for the master to be handed to a
// completion stage, carrying data, when the last reference drops.
// Must be called before the packet is shared.
func (h *Handle) SetNotifyComplete(data any) {
	h.master.desc.flags |= DescFlagNotifyComplete
	h.master.CompletionData = data
}

// PartialCopy clones h, sharing the master's frame storage, and
// privatizes at least numBytes of header.
//
// The returned clone's private header length is >= numBytes and >=
// h's own private length (an already-private region may be mutated by
// its owner at any time and must never be shared), clamped to the
// frame length. Its headroom is >= h's. numBytes == 0 on a
// non-privatized source yields a pure zero-copy clone.
func (h *Handle) PartialCopy(space *vmem.Space, headroomLen, numBytes int) (*Handle, error) {
	master := h.master
	master.desc.ref.Add(1)
	dst := &Handle{
		desc:           h.desc,
		master:         master,
		flags:          h.flags &^ (FlagMaster | FlagFrameHdrMapped | FlagPrivateBufDesc),
		frame:          h.frame,
		frameMappedLen: h.frameMappedLen,
		headroomLen:    h.headroomLen,
	}
	if h.flags&FlagPrivateBufDesc != 0 {
		numBytes = max(numBytes, int(h.frameMappedLen))
	}
	numBytes = min(numBytes, int(h.desc.frameLen))
	headroomLen = max(headroomLen, int(h.desc.headroomLen))

	if numBytes > 0 {
		if err := dst.CreatePrivateFrameHdr(space, headroomLen, numBytes); err != nil {
			master.desc.ref.Add(-1)
			return nil, err
		}
	}
	return dst, nil
}

// CreatePrivateFrameHdr copies the first numBytes of h's frame into a
// freshly allocated private block and rebuilds h's descriptor as
// {private fragment, re-sliced suffix of the shared fragments}. h must
// be a clone without an existing private header.
func (h *Handle) CreatePrivateFrameHdr(space *vmem.Space, headroomLen, numBytes int) error {
	if h.flags&(FlagMaster|FlagFrameHdrMapped|FlagPrivateBufDesc) != 0 {
		panic("packet: CreatePrivateFrameHdr on master or already-private handle")
	}
	src := h.desc
	if numBytes <= 0 || numBytes > int(src.frameLen) {
		return fmt.Errorf("packet: bad private header length %d (frame %d)", numBytes, src.frameLen)
	}

	block, err := space.Alloc(headroomLen + numBytes)
	if err != nil {
		return err
	}
	buf, err := space.Map(block, headroomLen+numBytes)
	if err != nil {
		space.Free(block)
		return err
	}
	frame := buf[headroomLen:]

	if numBytes <= int(h.frameMappedLen) && h.frame != nil {
		// Common case: the source view (still pinned by the reference
		// we hold) already covers the bytes. No mapping walk needed.
		copy(frame, h.frame[:numBytes])
	} else {
		if err := CopyBytesFromSGMA(space, &src.sg, 0, frame); err != nil {
			space.Free(block)
			return err
		}
	}

	nd := &BufDesc{
		frameLen:    src.frameLen,
		headroomLen: uint32(headroomLen),
		block:       block,
	}
	nd.sg.append(block+vmem.MA(headroomLen), uint32(numBytes))

	// The suffix of the source fragments, with the first one advanced
	// past the bytes now covered by the private copy.
	elem, elemOff, ok := src.sg.IndexFromOffset(numBytes)
	if !ok {
		space.Free(block)
		return fmt.Errorf("packet: descriptor shorter than its frame length: %w", vmem.ErrInvalidAddress)
	}
	for i := elem; i < len(src.sg.Elems); i++ {
		e := src.sg.Elems[i]
		if int(e.Length) == elemOff {
			elemOff = 0
			continue
		}
		if err := nd.sg.append(e.Addr+vmem.MA(elemOff), e.Length-uint32(elemOff)); err != nil {
			space.Free(block)
			return err
		}
		elemOff = 0
	}

	h.desc = nd
	h.frame = frame
	h.frameMappedLen = uint32(numBytes)
	h.headroomLen = uint32(headroomLen)
	h.flags |= FlagFrameHdrMapped | FlagPrivateBufDesc
	return nil
}

// ReleaseOrComplete drops h's reference.
//
// If other references remain, h's private storage is freed and nil is
// returned; the shared descriptor is not inspected after the
// decrement, since any other thread may drop the last reference and
// free it at any moment.
//
// If h held the last reference and the descriptor asks for completion
// notification, the master is resurrected with reference count 1 and
// returned for delivery to a completion stage. Otherwise the master
// and its storage are freed and nil is returned.
func (h *Handle) ReleaseOrComplete(space *vmem.Space) *Handle {
	master := h.master
	desc := master.desc
	descFlags := desc.flags // capture before the decrement publishes our release

	if desc.ref.Add(-1) > 0 {
		if h != master {
			h.free(space)
		}
		return nil
	}

	if descFlags&DescFlagNotifyComplete != 0 {
		if h != master {
			h.free(space)
		}
		desc.ref.Store(1)
		return master
	}
	if h != master {
		h.free(space)
	}
	master.free(space)
	return nil
}

// Complete is the terminal entry point for a resurrected master:
// clears the completion request once no other references remain, then
// releases.
func (h *Handle) Complete(space *vmem.Space) {
	if h.flags&FlagMaster != 0 && h.desc.ref.Load() == 1 {
		h.desc.flags &^= DescFlagNotifyComplete
	}
	h.ReleaseOrComplete(space)
}

// CopyBytesOut reads count bytes at off from h's frame.
func (h *Handle) CopyBytesOut(space *vmem.Space, off, count int) ([]byte, error) {
	dst := make([]byte, count)
	if err := CopyBytesFromSGMA(space, &h.desc.sg, off, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

func (h *Handle) free(space *vmem.Space) {
	if h.onList != nil {
		panic("packet: freeing a handle still on a list")
	}
	if h.flags&(FlagMaster|FlagPrivateBufDesc) != 0 && h.desc.block != 0 {
		space.Free(h.desc.block)
	}
	h.desc = nil
	h.master = nil
	h.frame = nil
	h.flags = 0
}
