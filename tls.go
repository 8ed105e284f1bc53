// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"sync"
)

// Per-thread cache watermarks (§4.4 "TLSData::FreeBlockPool"): the
// HiMark values cap how many entries freeBlockPool.put and localLOC.put
// keep, handing anything past the cap back. The LoMark values are not
// read anywhere; the caches are neither refilled nor trimmed toward them.
const (
	freeBlockPoolHiMark = 32
	freeBlockPoolLoMark = 8

	localLOCHiMark = 32
	localLOCLoMark = 8
	localLOCCap    = 4 << 20 // 4 MiB, §4.4
)

// freeBlockPool is a small per-thread cache of whole backend blocks (one
// per slab size). newSlab and returnEmptySlab call the backend directly,
// so nothing calls get or put and the pool stays empty; drain is still
// called by the cleanup paths.
type freeBlockPool struct {
	mu     sync.Mutex
	blocks []*freeBlock
}

func (p *freeBlockPool) get(be *backend) (*freeBlock, error) {
	p.mu.Lock()
	if n := len(p.blocks); n > 0 {
		f := p.blocks[n-1]
		p.blocks = p.blocks[:n-1]
		p.mu.Unlock()
		return f, nil
	}
	p.mu.Unlock()
	return be.getSlabBlock(1)
}

func (p *freeBlockPool) put(be *backend, f *freeBlock) {
	p.mu.Lock()
	if len(p.blocks) < freeBlockPoolHiMark {
		p.blocks = append(p.blocks, f)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	be.putSlabBlock(f)
}

// drain empties the pool back to the backend, used on thread exit and
// on explicit buffer-cleaning requests (§6 "scalable_allocation_command").
func (p *freeBlockPool) drain(be *backend) {
	p.mu.Lock()
	blocks := p.blocks
	p.blocks = nil
	p.mu.Unlock()
	for _, f := range blocks {
		be.putSlabBlock(f)
	}
}

// localLOC is a small per-thread front for the large object cache
// (§4.4): a handful of recently freed large blocks are kept here,
// capped by count and by total bytes, before anything is pushed down
// into the shared largeObjectCache.
type localLOC struct {
	mu        sync.Mutex
	blocks    []*largeMemoryBlock
	totalSize int64
}

func (l *localLOC) get(size int64) *largeMemoryBlock {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, m := range l.blocks {
		if m.unalignedSize == size {
			l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
			l.totalSize -= m.unalignedSize
			return m
		}
	}
	return nil
}

// put returns true if m was absorbed locally; false means the caller
// must push it down into the shared cache.
func (l *localLOC) put(m *largeMemoryBlock) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) >= localLOCHiMark || l.totalSize+m.unalignedSize > localLOCCap {
		return false
	}
	l.blocks = append(l.blocks, m)
	l.totalSize += m.unalignedSize
	return true
}

func (l *localLOC) drain() []*largeMemoryBlock {
	l.mu.Lock()
	out := l.blocks
	l.blocks = nil
	l.totalSize = 0
	l.mu.Unlock()
	return out
}

// tlsData is one thread's private state within a pool (§3.7): a
// perThreadBin per size class, a freeBlockPool, and a localLOC.
type tlsData struct {
	p *pool

	bins []perThreadBin // one per size class, indexed by classIndexOf
	fbp  freeBlockPool
	loc  localLOC
}

func newTLSData(p *pool) *tlsData {
	t := &tlsData{p: p, bins: make([]perThreadBin, len(sizeClasses))}
	for i := range t.bins {
		t.bins[i].objSize = sizeClasses[i]
		t.bins[i].orphans = &p.orphans[i]
	}
	return t
}

// cleanup is run once when a thread exits (or on an explicit
// scalable_allocation_command cleanup): every non-empty, still-owned
// slab is orphaned for adoption by another thread, and the private
// block/large-object caches are drained back to their shared owners.
func (t *tlsData) cleanup(be *backend, loc *largeObjectCache) {
	for i := range t.bins {
		pb := &t.bins[i]
		if pb.activeBlk != nil {
			h := pb.activeBlk
			pb.activeBlk = nil
			if h.isEmpty() {
				t.p.smallIndex.Delete(slabBaseOf(h))
				returnEmptySlab(be, h)
			} else {
				orphanBlock(h, pb.orphans)
			}
		}
		for h := pb.list; h != nil; {
			next := h.next
			h.prev, h.next = nil, nil
			if h.isEmpty() {
				t.p.smallIndex.Delete(slabBaseOf(h))
				returnEmptySlab(be, h)
			} else {
				orphanBlock(h, pb.orphans)
			}
			h = next
		}
		pb.list = nil
	}
	t.fbp.drain(be)
	for _, m := range t.loc.drain() {
		loc.put(m)
	}
}

// tlsRegistry is the process-wide set of live tlsData instances for a
// pool, guarded by a plain mutex: membership changes only on thread
// start/exit, far rarer than the hot allocate/free path (§5).
//
// Go has no public API for a true thread-local-storage slot the way the
// pthread/FLS primitives the original backend is built on do; pool.go
// instead hands each caller back its own *tlsData handle (see
// pool.forThread) keyed off a goroutine-supplied token, matching the
// pattern the rest of the Go ecosystem uses in place of real TLS.
type tlsRegistry struct {
	mu  sync.Mutex
	all map[*tlsData]struct{}
}

func newTLSRegistry() *tlsRegistry {
	return &tlsRegistry{all: make(map[*tlsData]struct{})}
}

func (r *tlsRegistry) add(t *tlsData) {
	r.mu.Lock()
	r.all[t] = struct{}{}
	r.mu.Unlock()
}

func (r *tlsRegistry) remove(t *tlsData) {
	r.mu.Lock()
	delete(r.all, t)
	r.mu.Unlock()
}

func (r *tlsRegistry) forEach(fn func(*tlsData)) {
	r.mu.Lock()
	snapshot := make([]*tlsData, 0, len(r.all))
	for t := range r.all {
		snapshot = append(snapshot, t)
	}
	r.mu.Unlock()
	for _, t := range snapshot {
		fn(t)
	}
}

