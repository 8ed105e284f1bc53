// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// slabNode is the in-place free-list link for one dead slot inside a
// slab. It lives directly in the slab's own memory, the same way the
// teacher's `node` struct does for its free pages — a Go pointer whose
// target is itself backend-owned memory, never the only reference to a
// Go-heap object, so it carries no GC-safety surprises.
type slabNode struct {
	next *slabNode
}

// unusablePublicFreeList is the distinguished UNUSABLE sentinel (§3.2):
// compared by pointer identity, never dereferenced.
var unusablePublicFreeList = &slabNode{}

// mailboxState tags the three logical states of §3.2's
// next_privatisable field. This module keeps them as an explicit tagged
// enum plus a separate pointer field instead of multiplexing pointer
// *values* the way the C header does, since that is the idiomatic Go
// rendition of the same tagged-value idea spec.md's design notes call
// for (§9 "Guarded-size words" applies the same principle here).
type mailboxState int32

const (
	mailboxNormal      mailboxState = iota // owned by its bin, not queued
	mailboxQueued                          // linked into the bin's mailbox via mailboxNext
	mailboxOrphanReady                     // orphaned, awaiting adoption
)

// slabHeader is one 16 KiB slab's bookkeeping (§3.2). All objects in the
// slab share slabHeader.objectSize.
type slabHeader struct {
	block   *freeBlock // backend handle, needed to return the slab on empty
	raw     []byte     // the slab's usable body, sized slabSize-ish
	bref    *backRefTable
	backRef backRefIdx

	objectSize int
	objCount   int // how many objectSize-sized slots the body holds

	owner     atomic.Pointer[tlsData] // nil ⇒ orphaned
	ownerTID  uint64

	allocatedCount atomic.Int32
	isFull         atomic.Bool

	privateFree *slabNode // owner-only, no synchronization needed
	bumpRemain  int       // slots not yet carved from the bump area

	publicFree atomic.Pointer[slabNode]

	mailboxState mailboxState
	mailboxNext  *slabHeader

	prev, next *slabHeader // per-thread-bin linkage, owner-only
}

var slabHeaderSize = int(unsafe.Sizeof(slabHeader{}))

// newSlab carves a fresh 16 KiB block from the backend and lays out n
// equal-size objects in it (§4.2 "Slab invariants").
func newSlab(be *backend, bt *backRefTable, objSize int) (*slabHeader, error) {
	block, err := be.getSlabBlock(1)
	if err != nil {
		return nil, err
	}
	raw := regionSlice(block)
	h := &slabHeader{
		block:      block,
		raw:        raw,
		bref:       bt,
		objectSize: objSize,
		objCount:   len(raw) / objSize,
		bumpRemain: len(raw) / objSize,
	}
	h.backRef = bt.newBackRef(unsafe.Pointer(h), false)
	return h, nil
}

// regionSlice returns the live []byte backing a backend block, sliced
// out of its region's raw mapping.
func regionSlice(f *freeBlock) []byte {
	base := uintptr(unsafe.Pointer(&f.region.raw[0]))
	off := f.addr - base
	return f.region.raw[off : off+uintptr(f.sizeTmp)]
}

func (h *slabHeader) slotAt(i int) unsafe.Pointer {
	return unsafe.Pointer(&h.raw[i*h.objectSize])
}

func (h *slabHeader) slotIndex(p unsafe.Pointer) int {
	base := uintptr(unsafe.Pointer(&h.raw[0]))
	return int(uintptr(p)-base) / h.objectSize
}

// allocLocal serves one object from the owner thread: private free list
// first, then the bump area (§4.2: "active's free-list -> active's bump
// pointer").
func (h *slabHeader) allocLocal() unsafe.Pointer {
	if h.privateFree != nil {
		n := h.privateFree
		h.privateFree = n.next
		h.allocatedCount.Add(1)
		if h.privateFree == nil && h.bumpRemain == 0 {
			h.isFull.Store(true)
		}
		return unsafe.Pointer(n)
	}
	if h.bumpRemain > 0 {
		h.bumpRemain--
		idx := h.bumpRemain // grows down from the end, §4.2
		h.allocatedCount.Add(1)
		if h.bumpRemain == 0 && h.privateFree == nil {
			h.isFull.Store(true)
		}
		return h.slotAt(idx)
	}
	return nil
}

func (h *slabHeader) freeLocal(p unsafe.Pointer) {
	n := (*slabNode)(p)
	n.next = h.privateFree
	h.privateFree = n
	h.allocatedCount.Add(-1)
	h.isFull.Store(false)
}

// isEmpty reports §3.2's emptiness invariant: allocated count is 0 and
// the public free list holds no live pointer (it may hold the UNUSABLE
// sentinel, which still counts as "not live").
func (h *slabHeader) isEmpty() bool {
	pf := h.publicFree.Load()
	return h.allocatedCount.Load() == 0 && (pf == nil || pf == unusablePublicFreeList)
}

// pushPublicFree is the foreign-free path (§4.2 "Foreign free"): CAS the
// object onto the slab's public free list. Returns true if the list was
// empty before this push, meaning the owner's bin must be told to
// privatize this block on its next miss.
func (h *slabHeader) pushPublicFree(p unsafe.Pointer) (wasEmpty bool) {
	n := (*slabNode)(p)
	for {
		old := h.publicFree.Load()
		if old == unusablePublicFreeList {
			// Owner is tearing this block down for orphaning; the
			// object still needs a home, so it joins the free list of
			// whichever orphan pool eventually adopts the block. We
			// push it back once more after a short spin, mirroring
			// §4.2 "Orphaning"'s bounded yield against a racing free.
			continue
		}
		n.next = old
		if h.publicFree.CompareAndSwap(old, n) {
			return old == nil
		}
	}
}

// privatize moves every object on the public free list onto the private
// one, decrementing allocatedCount per item (§4.2 "Privatisation").
func (h *slabHeader) privatize() {
	old := h.publicFree.Swap(nil)
	if old == nil || old == unusablePublicFreeList {
		return
	}
	n := old
	count := 0
	for n != nil {
		next := n.next
		n.next = h.privateFree
		h.privateFree = n
		count++
		n = next
	}
	h.allocatedCount.Add(-int32(count))
	if count > 0 {
		h.isFull.Store(false)
	}
}

// perThreadBin is one size class's state for one TLSData (§4.2
// "Per-thread bin"). activeBlk serves new allocations; the rest sit on a
// doubly-linked list of non-empty, non-active blocks.
type perThreadBin struct {
	objSize  int
	activeBlk *slabHeader
	list     *slabHeader // head of the non-active block list

	mailboxMu   sync.Mutex
	mailboxHead *slabHeader

	orphans *orphanedBlocks // shared per-size-class, owned by the pool
}

func (pb *perThreadBin) insertNonActive(h *slabHeader) {
	h.prev = nil
	h.next = pb.list
	if pb.list != nil {
		pb.list.prev = h
	}
	pb.list = h
}

func (pb *perThreadBin) removeNonActive(h *slabHeader) {
	if h.prev != nil {
		h.prev.next = h.next
	} else if pb.list == h {
		pb.list = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	h.prev, h.next = nil, nil
}

// enqueueMailbox is called by a foreign thread's pushPublicFree when it
// was the first to land on an empty public free list: the block needs
// privatizing, so it's linked into the bin's small mailbox stack for the
// owner to pick up on its next miss.
func (pb *perThreadBin) enqueueMailbox(h *slabHeader) {
	pb.mailboxMu.Lock()
	if h.mailboxState == mailboxNormal {
		h.mailboxState = mailboxQueued
		h.mailboxNext = pb.mailboxHead
		pb.mailboxHead = h
	}
	pb.mailboxMu.Unlock()
}

func (pb *perThreadBin) drainMailbox() []*slabHeader {
	pb.mailboxMu.Lock()
	head := pb.mailboxHead
	pb.mailboxHead = nil
	pb.mailboxMu.Unlock()

	var out []*slabHeader
	for h := head; h != nil; {
		next := h.mailboxNext
		h.mailboxNext = nil
		h.mailboxState = mailboxNormal
		out = append(out, h)
		h = next
	}
	return out
}

// alloc implements the §4.2 miss chain: active free-list/bump -> other
// non-active blocks -> mailbox privatization -> orphan adoption -> fresh
// slab from backend.
func (pb *perThreadBin) alloc(be *backend, bt *backRefTable, owner *tlsData, pl *pool) (unsafe.Pointer, error) {
	if pb.activeBlk != nil {
		if p := pb.activeBlk.allocLocal(); p != nil {
			return p, nil
		}
		pb.retireActive(be, pl)
	}

	for h := pb.list; h != nil; h = h.next {
		if p := h.allocLocal(); p != nil {
			pb.removeNonActive(h)
			pb.activeBlk = h
			return p, nil
		}
	}

	for _, h := range pb.drainMailbox() {
		h.privatize()
		if p := h.allocLocal(); p != nil {
			pb.activeBlk = h
			return p, nil
		}
		pb.insertNonActive(h)
	}

	if h := pb.orphans.adopt(); h != nil {
		h.owner.Store(owner)
		h.privatize()
		p := h.allocLocal()
		pb.activeBlk = h
		return p, nil
	}

	pl.checkSoftHeapLimit()

	h, err := newSlab(be, bt, pb.objSize)
	if err != nil {
		return nil, err
	}
	h.owner.Store(owner)
	h.mailboxState = mailboxNormal
	pl.smallIndex.Store(slabBaseOf(h), h)
	pb.activeBlk = h
	return h.allocLocal(), nil
}

// slabBaseOf is the key every slab registers itself under in a pool's
// smallIndex: the aligned start of its backend block, which is also
// what any live object pointer inside it rounds down to.
func slabBaseOf(h *slabHeader) uintptr {
	return uintptr(unsafe.Pointer(&h.raw[0])) &^ uintptr(slabAlign-1)
}

// retireActive moves the current active block to the non-active list
// (or returns it to the backend if it has gone fully empty).
func (pb *perThreadBin) retireActive(be *backend, pl *pool) {
	h := pb.activeBlk
	pb.activeBlk = nil
	if h == nil {
		return
	}
	if h.isEmpty() {
		pl.smallIndex.Delete(slabBaseOf(h))
		returnEmptySlab(be, h)
		return
	}
	pb.insertNonActive(h)
}

func returnEmptySlab(be *backend, h *slabHeader) {
	if h.bref != nil {
		h.bref.removeBackRef(h.backRef)
	}
	be.putSlabBlock(h.block)
}
