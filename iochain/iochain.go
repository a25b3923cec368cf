// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package iochain implements ranked, ordered callback chains attached
// to a port's packet path. Stages run in rank order; a stage may
// retain packets (removing them from the list) or, if registered with
// modifiesList, rewrite the list it receives.
//
// Chains are not internally locked: mutation and traversal are
// serialized by the owning portset's lock.
package iochain

import (
	"errors"
	"fmt"
	"reflect"

	"vswitch.dev/packet"
)

// Rank orders chain stages. Lower ranks run first.
type Rank int

const (
	RankPreFilter Rank = iota
	RankFilter
	RankPostFilter
	RankQueue
	RankPostQueue
	RankTerminal
	numRanks
)

func (r Rank) String() string {
	switch r {
	case RankPreFilter:
		return "pre-filter"
	case RankFilter:
		return "filter"
	case RankPostFilter:
		return "post-filter"
	case RankQueue:
		return "queue"
	case RankPostQueue:
		return "post-queue"
	case RankTerminal:
		return "terminal"
	}
	return fmt.Sprintf("rank-%d", int(r))
}

// ErrDuplicate is returned by InsertCall for a call already present
// at the given rank.
var ErrDuplicate = errors.New("iochain: duplicate call")

// Data is opaque per-call context handed back to the call and its
// hooks.
type Data any

// Fn is one chain stage. P is the port type the chain is attached to.
type Fn[P any] func(port P, data Data, pkts *packet.List) error

// Hook runs when a call is inserted into or removed from a chain.
type Hook[P any] func(port P, data Data) error

// Cookie identifies an inserted call for targeted removal.
type Cookie struct{ _ *byte }

type call[P any] struct {
	fn           Fn[P]
	insertHook   Hook[P]
	removeHook   Hook[P]
	data         Data
	modifiesList bool
	cookie       *Cookie
}

// Chain is an ordered set of calls over ranks.
type Chain[P any] struct {
	ranks [numRanks][]*call[P]
}

// NumCalls returns the number of calls currently on the chain.
func (c *Chain[P]) NumCalls() int {
	n := 0
	for _, r := range c.ranks {
		n += len(r)
	}
	return n
}

// InsertCall adds fn at the given rank, after any calls already
// there. insertHook, if non-nil, runs immediately; its failure
// unwinds the insert. The returned cookie removes exactly this call.
func (c *Chain[P]) InsertCall(port P, rank Rank, fn Fn[P], insertHook, removeHook Hook[P], data Data, modifiesList bool) (*Cookie, error) {
	if rank < 0 || rank >= numRanks {
		return nil, fmt.Errorf("iochain: bad rank %d", rank)
	}
	if fn == nil {
		return nil, errors.New("iochain: nil call")
	}
	for _, cl := range c.ranks[rank] {
		if sameFn(cl.fn, fn) {
			return nil, ErrDuplicate
		}
	}
	cl := &call[P]{
		fn:           fn,
		insertHook:   insertHook,
		removeHook:   removeHook,
		data:         data,
		modifiesList: modifiesList,
		cookie:       &Cookie{},
	}
	if insertHook != nil {
		if err := insertHook(port, data); err != nil {
			return nil, err
		}
	}
	c.ranks[rank] = append(c.ranks[rank], cl)
	return cl.cookie, nil
}

// RemoveCall removes every instance of fn from the chain, running
// remove hooks.
func (c *Chain[P]) RemoveCall(port P, fn Fn[P]) {
	for rank := range c.ranks {
		kept := c.ranks[rank][:0]
		for _, cl := range c.ranks[rank] {
			if sameFn(cl.fn, fn) {
				if cl.removeHook != nil {
					cl.removeHook(port, cl.data)
				}
				continue
			}
			kept = append(kept, cl)
		}
		c.ranks[rank] = kept
	}
}

// RemoveCallByCookie removes the single call identified by cookie.
func (c *Chain[P]) RemoveCallByCookie(port P, cookie *Cookie) {
	if cookie == nil {
		return
	}
	for rank := range c.ranks {
		for i, cl := range c.ranks[rank] {
			if cl.cookie == cookie {
				if cl.removeHook != nil {
					cl.removeHook(port, cl.data)
				}
				c.ranks[rank] = append(c.ranks[rank][:i], c.ranks[rank][i+1:]...)
				return
			}
		}
	}
}

// Start runs the whole chain against pkts. Traversal stops when a
// call fails or the list is drained; ownership of remaining entries
// stays with the caller.
func (c *Chain[P]) Start(port P, pkts *packet.List) error {
	return c.run(port, RankPreFilter, pkts)
}

// Resume continues a chain after the given rank, for stages (queues)
// that reinject packets asynchronously.
func (c *Chain[P]) Resume(port P, after Rank, pkts *packet.List) error {
	return c.run(port, after+1, pkts)
}

func (c *Chain[P]) run(port P, from Rank, pkts *packet.List) error {
	for rank := from; rank < numRanks; rank++ {
		for _, cl := range c.ranks[rank] {
			if pkts.IsEmpty() {
				return nil
			}
			if err := cl.fn(port, cl.data, pkts); err != nil {
				return fmt.Errorf("iochain: %v call failed: %w", rank, err)
			}
		}
	}
	return nil
}

// sameFn reports whether two chain funcs have the same identity.
// Chain calls are registered and removed by function, matching how
// device capability tables address their emulation stages.
func sameFn[P any](a, b Fn[P]) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// ReleaseChain removes every call, running remove hooks.
func (c *Chain[P]) ReleaseChain(port P) {
	for rank := range c.ranks {
		for _, cl := range c.ranks[rank] {
			if cl.removeHook != nil {
				cl.removeHook(port, cl.data)
			}
		}
		c.ranks[rank] = nil
	}
}
