// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/semaphore"
)

// RawAllocFunc/RawFreeFunc are the user-supplied raw allocator from a
// pool's policy (§6 pool_create_v1: pAlloc/pFree). A pool built from
// DefaultPolicy hands the backend nil instead (see newPool), and the
// backend falls back to rawMap/rawUnmap.
type RawAllocFunc func(poolID uintptr, size int) ([]byte, error)
type RawFreeFunc func(poolID uintptr, raw []byte) error

// Size classification for the memory-extension strategy (§4.1 "Extending
// memory").
const (
	maxBinnedSize = binMaxSize
	mediumSizeCutoff = maxBinnedSize / 8
)

// backend is C1+C3+C4 composed: region acquisition, the bin arrays, and
// the non-blocking coalescing engine, all scoped to one pool.
type backend struct {
	regions regionMap
	bins    backendBins
	coalQ   coalesceQueue

	extendSema *semaphore.Weighted // §4.1 "MemExtendingSema", 3 concurrent OS requests

	rawAlloc RawAllocFunc
	rawFree  RawFreeFunc
	poolID   uintptr

	keepAllMemory      bool
	delayRegsReleasing atomic.Bool
	hugePagesRequested atomic.Bool
	fixedPool          bool

	totalMemSize     atomic.Int64
	maxRequestedSize atomic.Int64

	// mu serializes publishing a newly mapped region into the region list
	// and bins. extendMemory does not re-scan the bins before mapping, so
	// two callers that miss at the same time each map a region.
	mu sync.Mutex
}

func newBackend(rawAlloc RawAllocFunc, rawFree RawFreeFunc, poolID uintptr, keepAllMemory, fixedPool bool) *backend {
	return &backend{
		extendSema:    semaphore.NewWeighted(3),
		rawAlloc:      rawAlloc,
		rawFree:       rawFree,
		poolID:        poolID,
		keepAllMemory: keepAllMemory,
		fixedPool:     fixedPool,
	}
}

func (be *backend) mapRegion(size int, kind MemRegionType) (*region, error) {
	huge := be.hugePagesRequested.Load() && hugePagesSupported
	if kind == RegionSlabOnly {
		size += slabAlign // room to start the block area on a slab boundary
	}
	var r *region
	if be.rawAlloc != nil {
		raw, err := be.rawAlloc(be.poolID, size)
		if err != nil {
			return nil, err
		}
		r = &region{
			kind:     kind,
			raw:      raw,
			size:     len(raw),
			blockSz:  len(raw),
			memStart: uintptr(unsafe.Pointer(&raw[0])),
		}
	} else {
		var err error
		if r, err = newRegion(size, kind, huge); err != nil {
			return nil, err
		}
	}
	if kind == RegionSlabOnly {
		// Every slab carved from here must be slabAlign-aligned (§3.2).
		r.memStart = uintptr(roundUp(int(r.memStart), slabAlign))
		r.blockSz = roundDown(r.size-int(r.memStart-r.base()), slabSize)
	}
	return r, nil
}

func (be *backend) unmapRegion(r *region) error {
	if be.rawFree != nil {
		return be.rawFree(be.poolID, r.raw)
	}
	return r.unmap()
}

// getSlabBlock returns n consecutive 16 KiB-aligned slab blocks as one
// allocation; caller owns all n and keeps the returned *freeBlock as its
// handle for the eventual putSlabBlock (the block graph is a real Go
// pointer graph, so the handle IS the identity needed to locate
// neighbors again at free time — no separate address-to-header lookup
// is needed the way a C header-in-the-span layout would require).
func (be *backend) getSlabBlock(n int) (*freeBlock, error) {
	return be.acquireBlock(int64(n)*slabSize, true)
}

// putSlabBlock returns a block obtained from getSlabBlock. A grant from
// getSlabBlock(n) is a single freeBlock spanning all n slabs and is
// returned as a whole; its slabs cannot be returned one by one.
func (be *backend) putSlabBlock(f *freeBlock) {
	be.coalesceAndFree(f)
}

// getLargeBlock returns one arbitrarily sized span, used by the LOC on a
// cache miss.
func (be *backend) getLargeBlock(size int64) (*freeBlock, error) {
	return be.acquireBlock(size, false)
}

func (be *backend) returnLargeBlock(f *freeBlock) {
	be.coalesceAndFree(f)
}

// acquireBlock finds (splitting if necessary) or creates an exclusive
// FreeBlock of at least size bytes, honoring slabAligned (§4.1 "Block
// fetch").
func (be *backend) acquireBlock(size int64, slabAligned bool) (*freeBlock, error) {
	if slabAligned {
		size = int64(roundUp(int(size), slabSize))
	}
	be.maxRequestedSize.Store(max64(be.maxRequestedSize.Load(), size))

	droppedLockedBinQuota := false
	for attempt := 0; ; attempt++ {
		if f := be.scanBins(size, slabAligned, droppedLockedBinQuota); f != nil {
			return f, nil
		}

		switch attempt {
		case 0:
			droppedLockedBinQuota = true
			continue
		case 1:
			if drained := be.coalQ.drain(); len(drained) > 0 {
				for _, db := range drained {
					be.coalesceAndFree(db)
				}
				be.coalQ.done(len(drained))
				continue
			}
			fallthrough
		default:
			r, err := be.extendMemory(size, slabAligned)
			if err != nil {
				return nil, err
			}
			if r == nil {
				return nil, ErrOutOfMemory
			}
			continue
		}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// scanBins walks bins from the ideal size upward looking for an
// available span, per §4.1 step 1-2.
func (be *backend) scanBins(size int64, slabAligned bool, allowLocked bool) *freeBlock {
	bins, mask := be.bins.arraysFor(slabAligned)
	start := binIndexFor(size)
	if start == noBin {
		start = 0
	}
	for idx := mask.firstSetFrom(start); idx != -1; idx = mask.firstSetFrom(idx + 1) {
		b := &bins[idx]
		if !b.tryLock() {
			continue
		}
		for cand := b.head; cand != nil; cand = cand.next {
			if cand.size() < size {
				continue
			}
			if _, ok := tryLockMySize(cand); !ok {
				continue
			}
			b.removeLocked(cand)
			b.unlock()
			return be.splitAndReturn(cand, size, slabAligned)
		}
		if b.head == nil {
			mask.clearHint(idx)
		}
		b.unlock()
	}
	return nil
}

// splitAndReturn carves exactly size bytes (aligned per slabAligned) out
// of cand (already exclusively claimed), returning the leftover to bins
// if it clears the minimum block size, or absorbing it otherwise.
func (be *backend) splitAndReturn(cand *freeBlock, size int64, slabAligned bool) *freeBlock {
	total := cand.sizeTmp
	remainder := total - size
	if remainder < freeBlockHeaderSize {
		markAllocated(cand, total)
		return cand
	}

	ret := &freeBlock{
		addr:        cand.addr,
		region:      cand.region,
		slabAligned: slabAligned,
	}

	left := &freeBlock{
		addr:          cand.addr + uintptr(size),
		region:        cand.region,
		slabAligned:   cand.slabAligned,
		leftNeighbor:  ret,
		rightNeighbor: cand.rightNeighbor,
	}
	left.myL.Store(remainder)
	ret.rightNeighbor = left
	ret.leftNeighbor = cand.leftNeighbor
	if cand.leftNeighbor != nil {
		cand.leftNeighbor.rightNeighbor = ret
	}
	if cand.rightNeighbor != nil {
		cand.rightNeighbor.leftNeighbor = left
		cand.rightNeighbor.leftL.Store(remainder)
	}
	ret.leftL.Store(cand.leftL.Load())

	be.bins.addBlock(left)
	markAllocated(ret, size)
	return ret
}

// coalesceAndFree runs the non-blocking neighbor-merge protocol from
// §4.1 "Coalescing protocol" and publishes the (possibly merged) span as
// free, releasing the region if the merge produced a whole releasable
// region.
func (be *backend) coalesceAndFree(f *freeBlock) {
	size, ok := tryLockMySize(f)
	if !ok {
		// Already locked by someone else concurrently freeing the same
		// block is a caller bug; treat defensively as already-free.
		size = f.sizeTmp
	}

	spanStart, spanEnd := f.addr, f.addr+uintptr(size)
	leftBlock, rightBlock := f.leftNeighbor, f.rightNeighbor

	if n, outcome := tryClaimLeft(f); outcome == coalesceOwnedMerge {
		be.bins.removeBlock(n)
		spanStart = n.addr
		leftBlock = n.leftNeighbor
	} else if outcome == coalesceRacing {
		be.coalQ.push(f)
		return
	}

	regionEdge := false
	if n, outcome := tryClaimRight(f); outcome == coalesceOwnedMerge {
		be.bins.removeBlock(n)
		spanEnd = n.addr + uintptr(n.size())
		rightBlock = n.rightNeighbor
	} else if outcome == coalesceRacing {
		be.coalQ.push(f)
		return
	} else if outcome == coalesceRegionEdge {
		regionEdge = true
	}

	merged := &freeBlock{
		addr:          spanStart,
		region:        f.region,
		slabAligned:   f.slabAligned,
		leftNeighbor:  leftBlock,
		rightNeighbor: rightBlock,
	}
	if leftBlock != nil {
		leftBlock.rightNeighbor = merged
	}
	if rightBlock != nil {
		rightBlock.leftNeighbor = merged
	}
	mergedSize := int64(spanEnd - spanStart)

	if regionEdge && mergedSize == int64(f.region.blockSz) &&
		!be.keepAllMemory && !be.delayRegsReleasing.Load() {
		be.regions.remove(f.region)
		be.totalMemSize.Add(-int64(f.region.size))
		_ = be.unmapRegion(f.region)
		return
	}

	publishFree(merged, mergedSize)
	if !be.bins.tryAddBlock(merged) {
		be.coalQ.push(merged)
	}
}

// extendMemory acquires fresh memory from the OS (or the pool's raw
// allocator) using the size-classified strategy from §4.1.
func (be *backend) extendMemory(requested int64, slabAligned bool) (*region, error) {
	ctx := context.Background()
	if err := be.extendSema.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer be.extendSema.Release(1)

	var regionSize int
	var kind MemRegionType
	switch {
	case requested >= maxBinnedSize:
		regionSize = int(requested)
		kind = RegionOneBlock
	case requested >= int64(mediumSizeCutoff):
		regionSize = roundUp(int(4*requested), 1024*1024)
		kind = RegionLargeBlocks
	default:
		regionSize = int(requested)
		if slabAligned {
			kind = RegionSlabOnly
		} else {
			kind = RegionLargeBlocks
		}
	}

	// mapRegion (the actual syscall) runs outside be.mu so up to 3 can be
	// in flight at once (bounded by extendSema); only the bookkeeping
	// that follows needs the region-list/bin-array mutation serialized
	// against other extendMemory callers publishing at the same time.
	r, err := be.mapRegion(regionSize, kind)
	if err != nil {
		return nil, err
	}

	be.mu.Lock()
	be.regions.insert(r)
	be.totalMemSize.Add(int64(r.size))

	whole := &freeBlock{
		addr:        r.memStart,
		region:      r,
		slabAligned: slabAligned,
	}
	whole.myL.Store(int64(r.blockSz))
	be.bins.addBlock(whole)
	be.mu.Unlock()

	if kind == RegionSlabOnly && requested < int64(mediumSizeCutoff) {
		be.preallocateAdvanceRegions(regionSize, slabAligned)
	}

	return r, nil
}

// preallocateAdvanceRegions implements §4.1's "Small" strategy tail: up
// to three additional same-sized advance regions, blocks inserted
// directly into bins. Best-effort: failures are swallowed since the
// caller's own region already satisfied the immediate request.
func (be *backend) preallocateAdvanceRegions(regionSize int, slabAligned bool) {
	if be.fixedPool {
		return
	}
	const advance = 3
	for i := 0; i < advance; i++ {
		r, err := be.mapRegion(regionSize, RegionSlabOnly)
		if err != nil {
			return
		}
		be.regions.insert(r)
		be.totalMemSize.Add(int64(r.size))
		whole := &freeBlock{addr: r.memStart, region: r, slabAligned: slabAligned}
		whole.myL.Store(int64(r.blockSz))
		be.bins.addBlock(whole)
	}
}

// remap tries an in-place/moving mremap for a OneBlock region's sole
// large object (§4.1 "remap", Linux only; see mmap_linux.go/mmap_bsd.go
// for the per-platform rawRemap).
func (be *backend) remap(r *region, oldSize, newSize int) (uintptr, bool) {
	if r.kind != RegionOneBlock {
		return 0, false
	}
	newSize = roundUp(newSize, osPageSize)
	p, ok, err := rawRemap(unsafe.Pointer(&r.raw[0]), r.size, newSize)
	if err != nil || !ok {
		return 0, false
	}
	r.raw = unsafe.Slice((*byte)(p), newSize)
	r.size = newSize
	r.blockSz = newSize
	r.memStart = uintptr(p)
	be.totalMemSize.Add(int64(newSize - oldSize))
	return r.memStart, true
}

// clean drops cached-but-unused memory back to the OS: drains the
// delayed-coalesce queue so any stuck merges complete (and regions they
// free get unmapped).
func (be *backend) clean() {
	for {
		drained := be.coalQ.drain()
		if len(drained) == 0 {
			return
		}
		for _, f := range drained {
			be.coalesceAndFree(f)
		}
		be.coalQ.done(len(drained))
	}
}

// reset reinitializes the backend for pool_reset, assuming external
// exclusion per spec.md's open question: no other thread may run backend
// operations while reset is in progress.
func (be *backend) reset() {
	be.delayRegsReleasing.Store(true)
	defer be.delayRegsReleasing.Store(false)

	r := be.regions.head
	for r != nil {
		next := r.next
		be.regions.remove(r)
		be.totalMemSize.Add(-int64(r.size))
		_ = be.unmapRegion(r)
		r = next
	}
	be.bins = backendBins{}
	be.coalQ = coalesceQueue{}
}

// destroy tears the backend down entirely, unmapping every live region.
func (be *backend) destroy() {
	be.reset()
}
