// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import "sync/atomic"

// orphanedBlocks is a per-size-class Treiber stack of slabs whose owning
// thread has exited (§4.2 "Orphaning", §3.2 "OrphanedBlocks"). Any
// thread's perThreadBin for the same size class can adopt from here
// before asking the backend for a brand new slab.
type orphanedBlocks struct {
	head atomic.Pointer[slabHeader]
}

// orphan pushes h onto the stack. The caller must have already marked h
// unusable (pushPublicFree's CAS loop spins against the sentinel until
// this push lands, so in-flight foreign frees are never lost) and
// cleared its owner.
func (o *orphanedBlocks) orphan(h *slabHeader) {
	h.owner.Store(nil)
	h.mailboxState = mailboxOrphanReady
	for {
		old := o.head.Load()
		h.next = old
		if o.head.CompareAndSwap(old, h) {
			return
		}
	}
}

// adopt pops one orphaned slab, or nil if none are waiting.
func (o *orphanedBlocks) adopt() *slabHeader {
	for {
		old := o.head.Load()
		if old == nil {
			return nil
		}
		next := old.next
		if o.head.CompareAndSwap(old, next) {
			old.next = nil
			old.mailboxState = mailboxNormal
			return old
		}
	}
}

// orphanBlock is called by retireActive (or thread teardown) on a block
// that is not empty but whose owning thread is going away: mark the
// public free list UNUSABLE so racing foreign frees know to spin, move
// any already-privatizable state out, then publish it to the shared
// orphan stack for this size class.
func orphanBlock(h *slabHeader, orphans *orphanedBlocks) {
	h.privatize()
	h.publicFree.Store(unusablePublicFreeList)
	orphans.orphan(h)
}
