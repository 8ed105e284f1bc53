// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import "testing"

func newTestPool(t *testing.T) *pool {
	t.Helper()
	p, r := newPool(DefaultPolicy())
	if r != PoolOK {
		t.Fatalf("newPool: %v", r)
	}
	t.Cleanup(p.destroy)
	return p
}

func TestLOCPutGetRoundTrip(t *testing.T) {
	p := newTestPool(t)
	size := int64(1 << 16)
	blk, err := p.be.getLargeBlock(size)
	if err != nil {
		t.Fatal(err)
	}
	m := &largeMemoryBlock{owner: p, block: blk, objectSize: size, unalignedSize: size}

	p.loc.put(m)
	got := p.loc.get(size)
	if got != m {
		t.Fatalf("LOC did not return the block it just cached: got %+v", got)
	}
}

func TestLOCMissReturnsNil(t *testing.T) {
	p := newTestPool(t)
	if got := p.loc.get(1 << 20); got != nil {
		t.Fatal("expected a miss on an empty cache")
	}
}

func TestLOCAlignToBinMonotonic(t *testing.T) {
	prev := int64(0)
	for _, sz := range []int64{1, 8 * 1024, 8*1024 + 1, 1 << 20, 1 << 24, 1 << 30} {
		got := alignToBin(sz)
		if got < sz {
			t.Fatalf("alignToBin(%d) = %d, smaller than requested", sz, got)
		}
		if got < prev {
			t.Fatalf("alignToBin not monotonic: %d then %d", prev, got)
		}
		prev = got
	}
}

func TestLOCCleanAllEvictsEverything(t *testing.T) {
	p := newTestPool(t)
	sizes := []int64{8 * 1024, 16 * 1024, 1 << 20}
	for _, sz := range sizes {
		blk, err := p.be.getLargeBlock(sz)
		if err != nil {
			t.Fatal(err)
		}
		m := &largeMemoryBlock{owner: p, block: blk, objectSize: sz, unalignedSize: sz}
		p.loc.put(m)
	}
	evicted := p.loc.cleanAll()
	if len(evicted) != len(sizes) {
		t.Fatalf("cleanAll evicted %d blocks, want %d", len(evicted), len(sizes))
	}
	for _, sz := range sizes {
		if got := p.loc.get(sz); got != nil {
			t.Fatalf("size %d still cached after cleanAll", sz)
		}
	}
}
