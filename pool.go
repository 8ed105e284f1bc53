// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"
)

// MemPoolPolicy mirrors the pool_create_v1 policy struct (§6): how the
// pool gets its raw memory, and whether it is allowed to mix blocks from
// more than one granularity_size-sized chunk fixed at creation.
type MemPoolPolicy struct {
	RawAlloc   RawAllocFunc
	RawFree    RawFreeFunc
	GranularitySize int64
	FixedPool  bool
	KeepAllMemory bool
}

// validate applies §6's policy-validation rules, returning the precise
// PoolResult so callers can distinguish "bad policy" from "policy we
// don't understand yet".
func (p *MemPoolPolicy) validate() PoolResult {
	if p.RawAlloc == nil {
		return PoolInvalidPolicy
	}
	if p.FixedPool && p.RawFree != nil {
		// A fixed pool's backing memory is supplied once up front and
		// never individually freed; requiring RawFree be nil catches a
		// caller that misunderstood the contract.
		return PoolUnsupportedPolicy
	}
	if !p.FixedPool && p.RawFree == nil {
		return PoolInvalidPolicy
	}
	return PoolOK
}

// pool is C9: one independent allocation arena composing a backend, a
// large object cache, a back-reference table, and the registry of
// per-thread front-ends that share them (§3, "MemoryPool").
type pool struct {
	id   uintptr
	be   *backend
	loc  *largeObjectCache
	bref *backRefTable

	orphans []orphanedBlocks // one per size class, indexed by classIndexOf

	reg *tlsRegistry

	tlsMu sync.Mutex
	tlsOf map[int64]*tlsData // keyed by caller-supplied thread token

	// smallIndex/largeIndex resolve a live pointer back to its owning
	// header. The original backend recovers this by reading a
	// back-reference index stashed in-band right before the object; Go
	// already has a safe associative container for exactly this job, so
	// this rendition uses one instead of probing raw memory that might
	// not belong to the structure the caller thinks it does (see
	// DESIGN.md).
	smallIndex sync.Map // uintptr(slab base) -> *slabHeader
	largeIndex sync.Map // uintptr(block addr) -> *largeMemoryBlock

	destroyed atomic.Bool

	softHeapLimit  atomic.Int64
	largeFreeCount atomic.Int64
}

var poolIDCounter atomic.Int64

// newPool builds a pool from a validated policy.
func newPool(policy MemPoolPolicy) (*pool, PoolResult) {
	if r := policy.validate(); r != PoolOK {
		return nil, r
	}
	p := &pool{
		id:      uintptr(poolIDCounter.Add(1)),
		bref:    newBackRefTable(),
		reg:     newTLSRegistry(),
		tlsOf:   make(map[int64]*tlsData),
		orphans: make([]orphanedBlocks, len(sizeClasses)),
	}
	rawAlloc, rawFree := policy.RawAlloc, policy.RawFree
	if reflect.ValueOf(rawAlloc).Pointer() == reflect.ValueOf(defaultRawAlloc).Pointer() &&
		reflect.ValueOf(rawFree).Pointer() == reflect.ValueOf(defaultRawFree).Pointer() {
		// OS-backed pool: let the backend map regions itself, which
		// rounds to the page size and honours UseHugePages.
		rawAlloc, rawFree = nil, nil
	}
	p.be = newBackend(rawAlloc, rawFree, p.id, policy.KeepAllMemory, policy.FixedPool)
	p.loc = newLargeObjectCache(p)
	return p, PoolOK
}

// forThread returns (creating if necessary) the tlsData keyed by a
// caller-supplied integer token. Go has no implicit per-goroutine
// identity to hook a destructor onto the way pthread_key_t does; api.go
// passes the index of the Allocator slot the call runs under as the
// token. Nothing in api.go calls releaseThread, so a slot's tlsData
// lives as long as the pool (or until reset).
func (p *pool) forThread(token int64) *tlsData {
	p.tlsMu.Lock()
	t, ok := p.tlsOf[token]
	if !ok {
		t = newTLSData(p)
		p.tlsOf[token] = t
		p.reg.add(t)
	}
	p.tlsMu.Unlock()
	return t
}

// releaseThread runs §4.2's orphaning procedure for one logical worker
// that is going away: every slab it still owns is handed to the shared
// orphan stacks, and its private caches are drained.
func (p *pool) releaseThread(token int64) {
	p.tlsMu.Lock()
	t, ok := p.tlsOf[token]
	if ok {
		delete(p.tlsOf, token)
	}
	p.tlsMu.Unlock()
	if !ok {
		return
	}
	p.reg.remove(t)
	t.cleanup(p.be, p.loc)
}

// malloc implements pool_malloc (§6): small requests go through the
// slab front-end, everything else through the large object cache and,
// on a cache miss, the backend directly.
func (p *pool) malloc(token int64, size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, nil
	}
	t := p.forThread(token)
	if isSmall(size) {
		idx := classIndexOf(size)
		return t.bins[idx].alloc(p.be, p.bref, t, p)
	}
	return p.mallocLarge(t, int64(size))
}

func (p *pool) mallocLarge(t *tlsData, size int64) (unsafe.Pointer, error) {
	aligned := alignToBin(size)

	if m := t.loc.get(aligned); m != nil {
		m.objectSize = size
		return unsafe.Pointer(m.addr()), nil
	}
	if m := p.loc.get(aligned); m != nil {
		m.objectSize = size
		return unsafe.Pointer(m.addr()), nil
	}

	p.checkSoftHeapLimit()

	blk, err := p.be.getLargeBlock(aligned)
	if err != nil {
		return nil, err
	}
	m := &largeMemoryBlock{
		owner:         p,
		block:         blk,
		objectSize:    size,
		unalignedSize: aligned,
	}
	m.backRef = p.bref.newBackRef(unsafe.Pointer(m), true)
	p.largeIndex.Store(blk.addr, m)
	return unsafe.Pointer(m.addr()), nil
}

// free implements pool_free (§6): the pointer is resolved back to its
// owning header through smallIndex/largeIndex (see resolve), then routed
// to the slab or large-object teardown path.
func (p *pool) free(token int64, ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	isLarge, obj := p.resolve(ptr)
	if obj == nil {
		return ErrNotOurPointer
	}
	if isLarge {
		return p.freeLarge(token, (*largeMemoryBlock)(obj))
	}
	return p.freeSmall(token, (*slabHeader)(obj), ptr)
}

func (p *pool) freeSmall(token int64, h *slabHeader, ptr unsafe.Pointer) error {
	t := p.forThread(token)
	// An AlignedMalloc pointer may sit inside its slot; free the slot itself.
	ptr = h.slotAt(h.slotIndex(ptr))
	owner := h.owner.Load()
	if owner == t {
		pb := &t.bins[classIndexOf(h.objectSize)]
		wasActive := pb.activeBlk == h
		h.freeLocal(ptr)
		if !wasActive && h.isEmpty() {
			pb.removeNonActive(h)
			p.smallIndex.Delete(slabBaseOf(h))
			returnEmptySlab(p.be, h)
		}
		return nil
	}
	if h.pushPublicFree(ptr) {
		if owner != nil {
			ownerBin := &owner.bins[classIndexOf(h.objectSize)]
			ownerBin.enqueueMailbox(h)
		}
	}
	return nil
}

// locCleanupInterval mirrors §4.3's approach of tying cache cleanup to
// allocator activity rather than wall-clock time: every Nth large free
// that reaches the shared cache (frees absorbed by a slot's localLOC are
// not counted) triggers a regularCleanup pass.
const locCleanupInterval = 1 << 10

func (p *pool) freeLarge(token int64, m *largeMemoryBlock) error {
	t := p.forThread(token)
	if t.loc.put(m) {
		return nil
	}
	p.loc.put(m)
	if p.largeFreeCount.Add(1)%locCleanupInterval == 0 {
		p.reclaimLarge(p.loc.regularCleanup())
	}
	return nil
}

// checkSoftHeapLimit is the opportunistic trigger point recovered from
// the original backend's mallocProcessShutdownNotification/
// softCachesCleanup pairing (see DESIGN.md): once set via
// Allocator.SetSoftHeapLimit, every slow-path large allocation checks
// totalMemSize against the limit and, if crossed, drains every cache
// this pool holds before the new region-extension decision is made.
func (p *pool) checkSoftHeapLimit() {
	limit := p.softHeapLimit.Load()
	if limit <= 0 || p.be.totalMemSize.Load() <= limit {
		return
	}
	p.reg.forEach(func(t *tlsData) {
		t.fbp.drain(p.be)
		for _, m := range t.loc.drain() {
			p.loc.put(m)
		}
	})
	p.reclaimLarge(p.loc.cleanAll())
}

// reclaimLarge hands evicted cache entries back to the backend and
// retires their bookkeeping (§4.3 "eviction").
func (p *pool) reclaimLarge(evicted []*largeMemoryBlock) {
	for _, m := range evicted {
		p.largeIndex.Delete(m.addr())
		p.bref.removeBackRef(m.backRef)
		p.be.returnLargeBlock(m.block)
	}
}

// resolve walks a live pointer back to its owning slabHeader or
// largeMemoryBlock. Large-object pointers are exactly their block's base
// address, so largeIndex is keyed directly on ptr; small-object pointers
// are looked up by rounding down to the slab's base (every slab block is
// slabAlign-aligned, §3.2), which is what smallIndex is keyed on.
func (p *pool) resolve(ptr unsafe.Pointer) (isLarge bool, obj unsafe.Pointer) {
	if m, ok := p.largeIndex.Load(uintptr(ptr)); ok {
		return true, unsafe.Pointer(m.(*largeMemoryBlock))
	}
	base := uintptr(ptr) &^ uintptr(slabAlign-1)
	if h, ok := p.smallIndex.Load(base); ok {
		return false, unsafe.Pointer(h.(*slabHeader))
	}
	return false, nil
}

// msize returns the usable size of a live allocation, or -1 if ptr is
// not recognized (§6 "pool_msize").
func (p *pool) msize(ptr unsafe.Pointer) int64 {
	isLarge, obj := p.resolve(ptr)
	if obj == nil {
		return -1
	}
	if isLarge {
		return (*largeMemoryBlock)(obj).objectSize
	}
	h := (*slabHeader)(obj)
	off := uintptr(ptr) - uintptr(h.slotAt(h.slotIndex(ptr))) // AlignedMalloc displacement
	return int64(h.objectSize) - int64(off)
}

// reset releases every region back to the OS (or recycles them, for a
// fixed pool) without destroying the pool object itself (§6
// "pool_reset"). Per spec.md's open question, callers are required to
// have no concurrent allocate/free calls in flight against this pool
// while reset runs; scalloc does not attempt to detect a violation.
func (p *pool) reset() {
	p.tlsMu.Lock()
	p.tlsOf = make(map[int64]*tlsData)
	p.tlsMu.Unlock()
	p.reg = newTLSRegistry()
	p.be.reset()
	p.loc = newLargeObjectCache(p)
	p.bref = newBackRefTable()
	p.orphans = make([]orphanedBlocks, len(sizeClasses))
	p.smallIndex = sync.Map{}
	p.largeIndex = sync.Map{}
}

// destroy releases every region and marks the pool unusable (§6
// "pool_destroy").
func (p *pool) destroy() {
	if !p.destroyed.CompareAndSwap(false, true) {
		return
	}
	p.be.destroy()
	p.smallIndex = sync.Map{}
	p.largeIndex = sync.Map{}
}
