// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package vmem models the machine-address space that packet buffers
// live in. Frame fragments are described by machine address (MA) and
// mapped transiently per access, so a fragment whose backing block is
// gone surfaces as ErrInvalidAddress instead of a silent wild read.
package vmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"vswitch.dev/types/logger"
)

// MA is a machine address. The zero MA is never valid.
type MA uint64

var (
	// ErrNoMemory is returned when the space cannot satisfy an
	// allocation. Callers treat it as recoverable.
	ErrNoMemory = errors.New("no memory")
	// ErrInvalidAddress is returned by Map when the requested range is
	// not covered by a live block.
	ErrInvalidAddress = errors.New("invalid address")
)

// blockAlign keeps distinct blocks from ever being adjacent, so an
// out-of-range MA can't accidentally resolve into a neighbor.
const blockAlign = 64

type block struct {
	base MA
	buf  []byte
}

// Space is an address-space arena. Alloc carves blocks out of it,
// Map transiently resolves an MA range back to bytes.
//
// Space is safe for concurrent use.
type Space struct {
	logf logger.Logf

	mu       sync.Mutex
	next     MA
	used     int64
	maxBytes int64
	blocks   []block // sorted by base
}

// NewSpace returns a Space limited to maxBytes of live allocations.
// maxBytes <= 0 means no limit.
func NewSpace(logf logger.Logf, maxBytes int64) *Space {
	if logf == nil {
		logf = logger.Discard
	}
	return &Space{
		logf:     logf,
		next:     blockAlign,
		maxBytes: maxBytes,
	}
}

// Alloc carves a new n-byte block and returns its base address.
func (s *Space) Alloc(n int) (MA, error) {
	if n <= 0 {
		return 0, fmt.Errorf("vmem: bad alloc size %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxBytes > 0 && s.used+int64(n) > s.maxBytes {
		s.logf("vmem: alloc %d: over limit (%d/%d used)", n, s.used, s.maxBytes)
		return 0, ErrNoMemory
	}
	base := s.next
	s.next += MA(n+blockAlign-1) &^ MA(blockAlign-1)
	s.used += int64(n)
	s.blocks = append(s.blocks, block{base: base, buf: make([]byte, n)})
	return base, nil
}

// Free releases the block with the given base address. Freeing an
// address that is not a live block base is an invariant violation.
func (s *Space) Free(ma MA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(ma)
	if i < 0 || s.blocks[i].base != ma {
		panic(fmt.Sprintf("vmem: free of unknown address %#x", uint64(ma)))
	}
	s.used -= int64(len(s.blocks[i].buf))
	s.blocks = append(s.blocks[:i], s.blocks[i+1:]...)
}

// Map resolves [ma, ma+n) to the backing bytes. The returned slice is
// only valid until the block is freed; callers must treat it as a
// transient mapping and not retain it across a Free.
func (s *Space) Map(ma MA, n int) ([]byte, error) {
	if ma == 0 || n < 0 {
		return nil, ErrInvalidAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(ma)
	if i < 0 {
		return nil, ErrInvalidAddress
	}
	b := s.blocks[i]
	off := int(ma - b.base)
	if off+n > len(b.buf) {
		return nil, ErrInvalidAddress
	}
	return b.buf[off : off+n], nil
}

// Used reports the number of live allocated bytes.
func (s *Space) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// find returns the index of the block containing ma, or -1.
// s.mu must be held.
func (s *Space) find(ma MA) int {
	i := sort.Search(len(s.blocks), func(i int) bool {
		return s.blocks[i].base > ma
	}) - 1
	if i < 0 {
		return -1
	}
	b := s.blocks[i]
	if ma >= b.base+MA(len(b.buf)) {
		return -1
	}
	return i
}
