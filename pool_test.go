// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"testing"
	"unsafe"
)

func TestPoolValidatePolicy(t *testing.T) {
	cases := []struct {
		name   string
		policy MemPoolPolicy
		want   PoolResult
	}{
		{"nil RawAlloc", MemPoolPolicy{}, PoolInvalidPolicy},
		{"default", DefaultPolicy(), PoolOK},
		{"fixed with RawFree set", MemPoolPolicy{RawAlloc: defaultRawAlloc, RawFree: defaultRawFree, FixedPool: true}, PoolUnsupportedPolicy},
		{"non-fixed without RawFree", MemPoolPolicy{RawAlloc: defaultRawAlloc}, PoolInvalidPolicy},
	}
	for _, c := range cases {
		if got := c.policy.validate(); got != c.want {
			t.Errorf("%s: validate() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestPoolForThreadReusesSameToken(t *testing.T) {
	p := newTestPool(t)
	a := p.forThread(1)
	b := p.forThread(1)
	if a != b {
		t.Fatal("forThread should return the same tlsData for the same token")
	}
	c := p.forThread(2)
	if a == c {
		t.Fatal("forThread should return distinct tlsData for distinct tokens")
	}
}

func TestPoolSmallAllocResolvesBack(t *testing.T) {
	p := newTestPool(t)
	ptr, err := p.malloc(0, 32)
	if err != nil {
		t.Fatal(err)
	}
	isLarge, obj := p.resolve(ptr)
	if isLarge || obj == nil {
		t.Fatalf("resolve(%p) = (%v, %v), want a small-object hit", ptr, isLarge, obj)
	}
	if err := p.free(0, ptr); err != nil {
		t.Fatal(err)
	}
}

func TestPoolLargeAllocResolvesBack(t *testing.T) {
	p := newTestPool(t)
	ptr, err := p.malloc(0, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	isLarge, obj := p.resolve(ptr)
	if !isLarge || obj == nil {
		t.Fatalf("resolve(%p) = (%v, %v), want a large-object hit", ptr, isLarge, obj)
	}
	if err := p.free(0, ptr); err != nil {
		t.Fatal(err)
	}
}

func TestPoolReleaseThreadOrphansSlabs(t *testing.T) {
	p := newTestPool(t)
	ptr, err := p.malloc(7, 32)
	if err != nil {
		t.Fatal(err)
	}
	isLarge, obj := p.resolve(ptr)
	if isLarge || obj == nil {
		t.Fatal("expected a live small-object slab before release")
	}
	h := (*slabHeader)(obj)

	p.releaseThread(7)

	// The slab survives release (it still holds one live object) and is
	// now reachable only through the orphan stack for its size class,
	// available to whichever thread next misses on that class.
	idx := classIndexOf(32)
	adopted := p.orphans[idx].adopt()
	if adopted != h {
		t.Fatalf("expected the released slab to be orphaned and adoptable, got %v", adopted)
	}
}

func TestPoolFreeUnknownPointer(t *testing.T) {
	p := newTestPool(t)
	var x int
	if err := p.free(0, unsafe.Pointer(&x)); err == nil {
		t.Fatal("expected an error freeing a pointer this pool never allocated")
	}
}

func TestPoolMsizeUnknownPointer(t *testing.T) {
	p := newTestPool(t)
	var x int
	if got := p.msize(unsafe.Pointer(&x)); got != -1 {
		t.Fatalf("msize of an unknown pointer = %d, want -1", got)
	}
}
