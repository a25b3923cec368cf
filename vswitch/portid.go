// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import "fmt"

// PortID is an opaque 32-bit port identifier:
//
//	| portset idx | generation | port idx |
//
// The top setIdxBits select the portset registry slot and the low
// bits (per-set, from the padded port count) select the port slot.
// The bits between carry a reuse generation, bumped every time a slot
// is assigned, so an ID captured before a disconnect can never alias
// the slot's next occupant. Lookup compares the full 32 bits.
//
// The generation wraps at its field width. A stale ID could in
// principle collide again after exactly 2^genBits reuses of one slot
// while the stale handle is still held; no cap is enforced.
type PortID uint32

// InvalidPortID is never assigned to a connected port.
const InvalidPortID PortID = 0

const (
	setIdxBits  = 8
	setIdxShift = 32 - setIdxBits

	// MaxPortsets is the registry capacity implied by the ID layout.
	MaxPortsets = 1 << setIdxBits
)

func (id PortID) String() string {
	return fmt.Sprintf("0x%08x", uint32(id))
}

// setIdx extracts the portset registry index.
func (id PortID) setIdx() int {
	return int(uint32(id) >> setIdxShift)
}

// portIdx extracts the port slot index under the given per-set mask.
func (id PortID) portIdx(mask uint32) uint32 {
	return uint32(id) & mask
}
