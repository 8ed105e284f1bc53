// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"sync"
	"unsafe"
)

// backRefIdx is the composite index from §3.8: (main, offset, largeObj).
// largeObj distinguishes a slab-block back-pointer from a large-object
// one, so a range check alone can reject an obviously-foreign pointer
// before ever dereferencing it.
type backRefIdx struct {
	main     int32
	offset   int32
	largeObj bool
}

// invalidBackRefIdx is the sentinel written during the narrow bootstrap
// window described in spec.md's open question: readers must tolerate it
// and treat it as "not our pointer" rather than asserting.
var invalidBackRefIdx = backRefIdx{main: -1}

func (i backRefIdx) valid() bool { return i.main >= 0 }

// backRefLeafCap is how many back-pointers fit in one 16 KiB leaf, sized
// for (slot pointer + free-list int32) per entry with room left for the
// leaf's own mutex/bookkeeping (§4.4: "(16 KiB − header) / ptr_size").
const backRefLeafCap = (slabSize - 64) / (int(unsafe.Sizeof(uintptr(0))) + 4)

// backRefLeaf is one level-2 leaf: backRefLeafCap slots, a bump pointer
// for never-used slots and an intrusive free list (by slot index) for
// slots whose owner was removed, so indices get reused (§4.4).
type backRefLeaf struct {
	mu       sync.Mutex
	bump     int
	freeHead int32 // -1 terminated singly-linked free list over slots
	free     [backRefLeafCap]int32
	slots    [backRefLeafCap]unsafe.Pointer
}

func newBackRefLeaf() *backRefLeaf {
	l := &backRefLeaf{freeHead: -1}
	return l
}

// backRefTable is the two-level lookup from §4.4: level-1 slices of leaf
// pointers (one for slab entries, one for large objects) that grow by
// append, leaves allocated lazily. Each leaf has its own mutex, but
// newBackRef holds the table mutex while it scans the leaves for a free
// slot, so slot allocation is serialized across the whole table; get,
// set and remove take the table mutex briefly in leafAt and then lock
// only their leaf (see DESIGN.md).
type backRefTable struct {
	mu    sync.Mutex
	main  []*backRefLeaf
	large []*backRefLeaf
}

func newBackRefTable() *backRefTable {
	return &backRefTable{}
}

func (t *backRefTable) leavesFor(largeObj bool) *[]*backRefLeaf {
	if largeObj {
		return &t.large
	}
	return &t.main
}

// newBackRef allocates a fresh slot, growing leaves as needed, and
// returns its index with ptr already published.
func (t *backRefTable) newBackRef(ptr unsafe.Pointer, largeObj bool) backRefIdx {
	t.mu.Lock()
	leaves := t.leavesFor(largeObj)
	for li, leaf := range *leaves {
		if idx, ok := leaf.tryAlloc(ptr); ok {
			t.mu.Unlock()
			return backRefIdx{main: int32(li), offset: idx, largeObj: largeObj}
		}
	}
	leaf := newBackRefLeaf()
	*leaves = append(*leaves, leaf)
	li := len(*leaves) - 1
	t.mu.Unlock()

	idx, ok := leaf.tryAlloc(ptr)
	if !ok {
		// Unreachable: a brand new leaf always has room for one slot.
		panic("scalloc: new back-ref leaf has no room")
	}
	return backRefIdx{main: int32(li), offset: idx, largeObj: largeObj}
}

func (l *backRefLeaf) tryAlloc(ptr unsafe.Pointer) (int32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.freeHead >= 0 {
		idx := l.freeHead
		l.freeHead = l.free[idx]
		l.slots[idx] = ptr
		return idx, true
	}
	if l.bump >= backRefLeafCap {
		return 0, false
	}
	idx := int32(l.bump)
	l.bump++
	l.slots[idx] = ptr
	return idx, true
}

func (t *backRefTable) setBackRef(idx backRefIdx, ptr unsafe.Pointer) {
	leaf := t.leafAt(idx)
	if leaf == nil {
		return
	}
	leaf.mu.Lock()
	leaf.slots[idx.offset] = ptr
	leaf.mu.Unlock()
}

func (t *backRefTable) getBackRef(idx backRefIdx) unsafe.Pointer {
	leaf := t.leafAt(idx)
	if leaf == nil {
		return nil
	}
	leaf.mu.Lock()
	p := leaf.slots[idx.offset]
	leaf.mu.Unlock()
	return p
}

func (t *backRefTable) removeBackRef(idx backRefIdx) {
	leaf := t.leafAt(idx)
	if leaf == nil {
		return
	}
	leaf.mu.Lock()
	leaf.slots[idx.offset] = nil
	leaf.free[idx.offset] = leaf.freeHead
	leaf.freeHead = idx.offset
	leaf.mu.Unlock()
}

func (t *backRefTable) leafAt(idx backRefIdx) *backRefLeaf {
	if !idx.valid() {
		return nil
	}
	t.mu.Lock()
	leaves := *t.leavesFor(idx.largeObj)
	defer t.mu.Unlock()
	if int(idx.main) >= len(leaves) {
		return nil
	}
	return leaves[idx.main]
}
