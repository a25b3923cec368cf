// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"fmt"

	"vswitch.dev/vmem"
)

// maxSGElems bounds the number of fragments a single packet may be
// described by.
const maxSGElems = 32

// SGElem is one contiguous machine-address range of frame data.
type SGElem struct {
	Addr   vmem.MA
	Length uint32
}

// SGArray describes a (possibly multi-fragment) frame by machine
// address.
type SGArray struct {
	Elems []SGElem
}

// TotalLength returns the sum of all fragment lengths.
func (sg *SGArray) TotalLength() int {
	n := 0
	for _, e := range sg.Elems {
		n += int(e.Length)
	}
	return n
}

// IndexFromOffset resolves a byte offset into the index of the
// fragment containing it and the remaining offset within that
// fragment. An offset equal to the total length resolves to
// (len(Elems), 0). ok is false if off lies beyond the array.
func (sg *SGArray) IndexFromOffset(off int) (elem, elemOff int, ok bool) {
	if off < 0 {
		return 0, 0, false
	}
	for i, e := range sg.Elems {
		if off < int(e.Length) {
			return i, off, true
		}
		off -= int(e.Length)
	}
	if off == 0 {
		return len(sg.Elems), 0, true
	}
	return 0, 0, false
}

// append adds a fragment, failing with ErrNoResources-like overflow
// if the array is full.
func (sg *SGArray) append(addr vmem.MA, length uint32) error {
	if len(sg.Elems) >= maxSGElems {
		return fmt.Errorf("packet: sg array full (%d elems)", maxSGElems)
	}
	sg.Elems = append(sg.Elems, SGElem{Addr: addr, Length: length})
	return nil
}

// CopyBytesToSGMA streams len(src) bytes from src into the frame
// described by sg, starting at byte offset off and spanning fragments
// as needed. Each fragment is mapped transiently for the duration of
// its copy. Returns vmem.ErrInvalidAddress if a fragment cannot be
// mapped; bytes copied before such a failure remain written. Success
// means the full count was moved.
func CopyBytesToSGMA(space *vmem.Space, sg *SGArray, off int, src []byte) error {
	return copySGMA(space, sg, off, len(src), func(frag []byte, done int) {
		copy(frag, src[done:])
	})
}

// CopyBytesFromSGMA streams len(dst) bytes out of the frame described
// by sg into dst, starting at byte offset off. Failure semantics
// match CopyBytesToSGMA.
func CopyBytesFromSGMA(space *vmem.Space, sg *SGArray, off int, dst []byte) error {
	return copySGMA(space, sg, off, len(dst), func(frag []byte, done int) {
		copy(dst[done:], frag)
	})
}

func copySGMA(space *vmem.Space, sg *SGArray, off, count int, move func(frag []byte, done int)) error {
	elem, elemOff, ok := sg.IndexFromOffset(off)
	if !ok {
		return fmt.Errorf("packet: offset %d outside frame: %w", off, vmem.ErrInvalidAddress)
	}
	done := 0
	for done < count {
		if elem >= len(sg.Elems) {
			return fmt.Errorf("packet: frame too short for %d bytes at offset %d: %w",
				count, off, vmem.ErrInvalidAddress)
		}
		e := sg.Elems[elem]
		n := min(count-done, int(e.Length)-elemOff)
		frag, err := space.Map(e.Addr+vmem.MA(elemOff), n)
		if err != nil {
			return fmt.Errorf("packet: fragment %d unmappable: %w", elem, err)
		}
		move(frag, done)
		done += n
		elem++
		elemOff = 0
	}
	return nil
}
