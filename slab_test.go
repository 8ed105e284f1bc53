// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"testing"
	"time"
	"unsafe"
)

func TestSlabAllocLocalExhaustsThenFails(t *testing.T) {
	p := newTestPool(t)
	h, err := newSlab(p.be, p.bref, 64)
	if err != nil {
		t.Fatal(err)
	}
	var got []interface{}
	for {
		ptr := h.allocLocal()
		if ptr == nil {
			break
		}
		got = append(got, ptr)
	}
	if len(got) != h.objCount {
		t.Fatalf("allocLocal served %d objects, want %d", len(got), h.objCount)
	}
	if !h.isFull.Load() {
		t.Fatal("slab should report full once exhausted")
	}
}

func TestSlabFreeLocalReusesSlot(t *testing.T) {
	p := newTestPool(t)
	h, err := newSlab(p.be, p.bref, 64)
	if err != nil {
		t.Fatal(err)
	}
	first := h.allocLocal()
	h.freeLocal(first)
	second := h.allocLocal()
	if second != first {
		t.Fatalf("expected freeLocal's slot to be reused, got %p want %p", second, first)
	}
}

func TestSlabPublicFreePrivatize(t *testing.T) {
	p := newTestPool(t)
	h, err := newSlab(p.be, p.bref, 64)
	if err != nil {
		t.Fatal(err)
	}
	a := h.allocLocal()
	b := h.allocLocal()

	wasEmpty := h.pushPublicFree(a)
	if !wasEmpty {
		t.Fatal("first foreign free onto an empty public list should report wasEmpty")
	}
	if wasEmpty2 := h.pushPublicFree(b); wasEmpty2 {
		t.Fatal("second foreign free should not report wasEmpty")
	}

	before := h.allocatedCount.Load()
	h.privatize()
	after := h.allocatedCount.Load()
	if after != before-2 {
		t.Fatalf("privatize should have decremented allocatedCount by 2: before=%d after=%d", before, after)
	}
	if h.privateFree == nil {
		t.Fatal("privatize should have moved objects onto the private free list")
	}
}

func TestSlabUnusableSentinelBlocksForeignFree(t *testing.T) {
	h := &slabHeader{}
	h.publicFree.Store(unusablePublicFreeList)
	var obj slabNode
	done := make(chan bool, 1)
	go func() {
		// pushPublicFree spins while the list is UNUSABLE.
		done <- h.pushPublicFree(unsafe.Pointer(&obj))
	}()
	select {
	case <-done:
		t.Fatal("pushPublicFree returned while the public free list was UNUSABLE")
	case <-time.After(10 * time.Millisecond):
	}
	// The spinning push must leave the sentinel intact until it is cleared.
	if !h.publicFree.CompareAndSwap(unusablePublicFreeList, nil) {
		t.Fatal("expected the sentinel to still be in place for the CAS to clear")
	}
	if wasEmpty := <-done; !wasEmpty {
		t.Fatal("push onto the cleared list should report it was empty")
	}
	if h.publicFree.Load() != &obj {
		t.Fatal("expected the pushed object at the head of the public free list")
	}
}

func TestPerThreadBinMailboxDrain(t *testing.T) {
	p := newTestPool(t)
	pb := &perThreadBin{objSize: 64, orphans: &p.orphans[0]}
	h, err := newSlab(p.be, p.bref, 64)
	if err != nil {
		t.Fatal(err)
	}
	pb.enqueueMailbox(h)
	pb.enqueueMailbox(h) // duplicate enqueue must be a no-op (mailboxState guards it)

	drained := pb.drainMailbox()
	if len(drained) != 1 || drained[0] != h {
		t.Fatalf("expected exactly one mailbox entry, got %v", drained)
	}
	if h.mailboxState != mailboxNormal {
		t.Fatalf("mailboxState after drain = %v, want mailboxNormal", h.mailboxState)
	}
	if more := pb.drainMailbox(); len(more) != 0 {
		t.Fatal("mailbox should be empty after drain")
	}
}

func TestOrphanAdoptionRoundTrip(t *testing.T) {
	p := newTestPool(t)
	h, err := newSlab(p.be, p.bref, 64)
	if err != nil {
		t.Fatal(err)
	}
	h.allocLocal()
	orphans := &p.orphans[0]
	orphanBlock(h, orphans)

	if h.publicFree.Load() != unusablePublicFreeList {
		t.Fatal("orphaning should mark the public free list UNUSABLE")
	}
	adopted := orphans.adopt()
	if adopted != h {
		t.Fatalf("adopt() returned %v, want the orphaned block", adopted)
	}
	if more := orphans.adopt(); more != nil {
		t.Fatal("orphan stack should be empty after the only block was adopted")
	}
}
