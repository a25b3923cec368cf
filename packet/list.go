// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"vswitch.dev/vmem"
)

// List is an intrusive doubly-linked list of packet handles. A handle
// may be on at most one list at a time. Passing a List across a
// dispatch or transmit boundary transfers ownership of every entry
// the callee accepts; the callee removes what it keeps.
//
// List is not safe for concurrent use.
type List struct {
	head, tail *Handle
	count      int
}

// Head returns the first handle, or nil.
func (l *List) Head() *Handle { return l.head }

// Tail returns the last handle, or nil.
func (l *List) Tail() *Handle { return l.tail }

// Count returns the number of handles on the list.
func (l *List) Count() int { return l.count }

// IsEmpty reports whether the list has no entries.
func (l *List) IsEmpty() bool { return l.count == 0 }

// Next returns the handle after h on l, or nil.
func (l *List) Next(h *Handle) *Handle {
	if h.onList != l {
		panic("packet: Next on handle not on this list")
	}
	return h.next
}

// AddToHead pushes h onto the front of l.
func (l *List) AddToHead(h *Handle) {
	l.claim(h)
	h.next = l.head
	if l.head != nil {
		l.head.prev = h
	} else {
		l.tail = h
	}
	l.head = h
	l.count++
}

// AddToTail appends h to the back of l.
func (l *List) AddToTail(h *Handle) {
	l.claim(h)
	h.prev = l.tail
	if l.tail != nil {
		l.tail.next = h
	} else {
		l.head = h
	}
	l.tail = h
	l.count++
}

// InsertAfter inserts h after prev on l.
func (l *List) InsertAfter(h, prev *Handle) {
	if prev.onList != l {
		panic("packet: InsertAfter relative to handle not on this list")
	}
	l.claim(h)
	h.prev = prev
	h.next = prev.next
	prev.next = h
	if h.next != nil {
		h.next.prev = h
	} else {
		l.tail = h
	}
	l.count++
}

// InsertBefore inserts h before next on l.
func (l *List) InsertBefore(h, next *Handle) {
	if next.onList != l {
		panic("packet: InsertBefore relative to handle not on this list")
	}
	l.claim(h)
	h.next = next
	h.prev = next.prev
	next.prev = h
	if h.prev != nil {
		h.prev.next = h
	} else {
		l.head = h
	}
	l.count++
}

// Remove unlinks h from l.
func (l *List) Remove(h *Handle) {
	if h.onList != l {
		panic("packet: Remove of handle not on this list")
	}
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		l.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		l.tail = h.prev
	}
	h.next, h.prev, h.onList = nil, nil, nil
	l.count--
}

// Replace swaps old for h in place on l. old is unlinked but not
// released.
func (l *List) Replace(old, h *Handle) {
	if old.onList != l {
		panic("packet: Replace of handle not on this list")
	}
	l.claim(h)
	h.prev, h.next = old.prev, old.next
	if h.prev != nil {
		h.prev.next = h
	} else {
		l.head = h
	}
	if h.next != nil {
		h.next.prev = h
	} else {
		l.tail = h
	}
	old.next, old.prev, old.onList = nil, nil, nil
}

// AppendList moves every entry of src onto the tail of l, leaving src
// empty.
func (l *List) AppendList(src *List) {
	for src.head != nil {
		h := src.head
		src.Remove(h)
		l.AddToTail(h)
	}
}

// Split moves the first n entries of l onto a new list.
func (l *List) Split(n int) *List {
	out := &List{}
	for i := 0; i < n; i++ {
		h := l.head
		if h == nil {
			break
		}
		l.Remove(h)
		out.AddToTail(h)
	}
	return out
}

// Clone returns a new list holding a zero-copy clone of every entry.
// On failure the partially built list is released and nil returned.
func (l *List) Clone(space *vmem.Space) (*List, error) {
	out := &List{}
	for h := l.head; h != nil; h = h.next {
		c, err := h.PartialCopy(space, 0, 0)
		if err != nil {
			out.ReleaseAll(space)
			return nil, err
		}
		out.AddToTail(c)
	}
	return out, nil
}

// CloneN appends n zero-copy clones of h to l. On failure the clones
// already made are released and the list is left as it was.
func (l *List) CloneN(space *vmem.Space, h *Handle, n int) error {
	var added List
	for i := 0; i < n; i++ {
		c, err := h.PartialCopy(space, 0, 0)
		if err != nil {
			added.ReleaseAll(space)
			return err
		}
		added.AddToTail(c)
	}
	l.AppendList(&added)
	return nil
}

// ReleaseAll removes and releases every entry. Masters resurrected
// for completion notification are handed to complete, if non-nil,
// otherwise force-completed.
func (l *List) ReleaseAll(space *vmem.Space) {
	l.CompleteAll(space, nil)
}

// CompleteAll drains the list through ReleaseOrComplete, passing any
// resurrected master to complete.
func (l *List) CompleteAll(space *vmem.Space, complete func(*Handle)) {
	for l.head != nil {
		h := l.head
		l.Remove(h)
		if m := h.ReleaseOrComplete(space); m != nil {
			if complete != nil {
				complete(m)
			} else {
				m.Complete(space)
			}
		}
	}
}

func (l *List) claim(h *Handle) {
	if h.onList != nil {
		panic("packet: handle already on a list")
	}
	h.onList = l
}
