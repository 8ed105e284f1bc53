// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"testing"
	"unsafe"
)

func TestBackRefTableRoundTrip(t *testing.T) {
	bt := newBackRefTable()
	vals := make([]int, 256)
	idxs := make([]backRefIdx, len(vals))
	for i := range vals {
		vals[i] = i
		idxs[i] = bt.newBackRef(unsafe.Pointer(&vals[i]), false)
	}
	for i, idx := range idxs {
		got := (*int)(bt.getBackRef(idx))
		if got != &vals[i] {
			t.Fatalf("backref %d resolved to wrong pointer", i)
		}
	}
}

func TestBackRefTableReusesFreedSlots(t *testing.T) {
	bt := newBackRefTable()
	var a, b int
	idx := bt.newBackRef(unsafe.Pointer(&a), false)
	bt.removeBackRef(idx)
	reused := bt.newBackRef(unsafe.Pointer(&b), false)
	if reused.main != idx.main || reused.offset != idx.offset {
		t.Fatalf("expected freed slot %+v to be reused, got %+v", idx, reused)
	}
	if got := bt.getBackRef(idx); got != unsafe.Pointer(&b) {
		t.Fatal("reused slot does not resolve to the new owner")
	}
}

func TestBackRefInvalidIdxTolerated(t *testing.T) {
	bt := newBackRefTable()
	if invalidBackRefIdx.valid() {
		t.Fatal("invalidBackRefIdx must report invalid")
	}
	if p := bt.getBackRef(invalidBackRefIdx); p != nil {
		t.Fatal("getBackRef on the invalid sentinel must return nil, not panic or dereference garbage")
	}
	bt.removeBackRef(invalidBackRefIdx) // must be a no-op, not a panic
}

func TestBackRefLeafGrowsAcrossCapacity(t *testing.T) {
	bt := newBackRefTable()
	n := backRefLeafCap + 10
	vals := make([]int, n)
	for i := range vals {
		bt.newBackRef(unsafe.Pointer(&vals[i]), false)
	}
	if len(bt.main) < 2 {
		t.Fatalf("expected table to grow past one leaf, got %d leaves", len(bt.main))
	}
}

func TestBackRefLargeAndSmallAreIndependent(t *testing.T) {
	bt := newBackRefTable()
	var small, large int
	si := bt.newBackRef(unsafe.Pointer(&small), false)
	li := bt.newBackRef(unsafe.Pointer(&large), true)
	if si.largeObj || !li.largeObj {
		t.Fatal("largeObj tag not preserved")
	}
	if bt.getBackRef(si) != unsafe.Pointer(&small) || bt.getBackRef(li) != unsafe.Pointer(&large) {
		t.Fatal("small/large leaves resolved incorrectly")
	}
}
