// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"sync/atomic"
	"time"
)

// coalesceQueue is the delayed-coalesce queue (§4.1 "CoalRequestQ"): a
// Treiber stack of FreeBlocks that lost a coalescing race and must be
// retried later, plus an in-flight counter of queued blocks not yet
// processed. The block-fetch path (acquireBlock) does not read the
// counter; it only drains the queue.
type coalesceQueue struct {
	head     atomic.Pointer[freeBlock]
	inFlight atomic.Int64
}

func (q *coalesceQueue) push(f *freeBlock) {
	q.inFlight.Add(1)
	for {
		old := q.head.Load()
		f.nextToFree = old
		if q.head.CompareAndSwap(old, f) {
			return
		}
	}
}

// drain removes and returns every block currently queued, clearing the
// stack in one CAS. Callers retry coalescing each block returned.
func (q *coalesceQueue) drain() []*freeBlock {
	var out []*freeBlock
	for {
		old := q.head.Load()
		if old == nil {
			return out
		}
		if q.head.CompareAndSwap(old, nil) {
			for f := old; f != nil; {
				next := f.nextToFree
				f.nextToFree = nil
				out = append(out, f)
				f = next
			}
			return out
		}
	}
}

func (q *coalesceQueue) done(n int) { q.inFlight.Add(-int64(n)) }

// waitTillBlockReleased backs off briefly while other threads are mid
// coalesce, per §5 "BackendSync::waitTillBlockReleased". Bounded
// exponential backoff, never a true block: the allocator has no
// suspension primitives beyond short spins (§5).
func (q *coalesceQueue) waitTillBlockReleased(modsBefore uint64, mods *atomic.Uint64) {
	backoff := time.Microsecond
	for i := 0; i < 8; i++ {
		if mods.Load() != modsBefore || q.inFlight.Load() == 0 {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// tryLockMySize CASes f.myL to gsCoalBlock, stashing the real size in
// sizeTmp. It accepts either a published real size (f sitting free in a
// bin) or gsLocked (f is the caller's own allocated block transitioning
// to free, real size recovered from the sizeTmp the allocator stashed
// there — §3.3's "transient sizeTmp"). Any other state (already being
// coalesced, or the caller raced someone) fails.
func tryLockMySize(f *freeBlock) (int64, bool) {
	cur := f.myL.Load()
	var real int64
	switch {
	case cur == gsLocked:
		real = f.sizeTmp
	case cur >= 0:
		real = cur
	default:
		return 0, false
	}
	if !f.myL.CompareAndSwap(cur, gsCoalBlock) {
		return 0, false
	}
	f.sizeTmp = real
	return real, true
}

// markAllocated transitions a freshly carved-out block from "free, size
// N" to "allocated, in use" (gsLocked), stashing N in sizeTmp so a later
// free can recover it, and mirrors gsLocked into the right neighbor's
// leftL so a neighbor trying to coalesce sees "in use, skip".
func markAllocated(f *freeBlock, size int64) {
	f.sizeTmp = size
	f.myL.Store(gsLocked)
	if f.rightNeighbor != nil {
		f.rightNeighbor.leftL.Store(gsLocked)
	}
}

// coalesceOutcome tags what happened when trying to claim one neighbor
// during a merge attempt (§4.1 "Coalescing protocol", step 2).
type coalesceOutcome int

const (
	coalesceInUse      coalesceOutcome = iota // neighbor is locked (in use), skip
	coalesceRacing                            // neighbor already being coalesced by someone else
	coalesceOwnedMerge                        // we now own the merge with this neighbor
	coalesceRegionEdge                        // neighbor word is the region sentinel
)

// tryClaimLeft attempts to claim f's left neighbor for merging by CASing
// f's own leftL mirror (which records the left neighbor's last known
// size) to gsCoalBlock, then the neighbor's own myL to gsCoalBlock.
func tryClaimLeft(f *freeBlock) (neighbor *freeBlock, outcome coalesceOutcome) {
	left := f.leftNeighbor
	if left == nil {
		return nil, coalesceInUse
	}
	mirrored := f.leftL.Load()
	switch mirrored {
	case gsLocked:
		return nil, coalesceInUse
	case gsCoalBlock:
		return nil, coalesceRacing
	}
	if !f.leftL.CompareAndSwap(mirrored, gsCoalBlock) {
		return nil, coalesceRacing
	}
	if _, ok := tryLockMySize(left); !ok {
		// Roll back: left isn't free (or lost its own race); restore.
		f.leftL.Store(mirrored)
		return nil, coalesceInUse
	}
	return left, coalesceOwnedMerge
}

// tryClaimRight is the mirror image, claiming f's right neighbor via the
// neighbor's leftL word (which should mirror f's own size) and then the
// neighbor's myL. A nil rightNeighbor means f already sits at the
// region's right edge: this module represents the §3.1 "LastFreeBlock"
// sentinel as the absence of a right-neighbor pointer rather than a
// literal in-band value, since Go's block graph is a real pointer graph
// and doesn't need an in-band terminator.
func tryClaimRight(f *freeBlock) (neighbor *freeBlock, outcome coalesceOutcome) {
	right := f.rightNeighbor
	if right == nil {
		return nil, coalesceRegionEdge
	}
	rl := right.leftL.Load()
	switch rl {
	case gsLocked:
		return nil, coalesceInUse
	case gsCoalBlock:
		return nil, coalesceRacing
	}
	if !right.leftL.CompareAndSwap(rl, gsCoalBlock) {
		return nil, coalesceRacing
	}
	if _, ok := tryLockMySize(right); !ok {
		right.leftL.Store(rl)
		return nil, coalesceInUse
	}
	return right, coalesceOwnedMerge
}

// publishFree restores f.myL to its real size and mirrors it into the
// right neighbor's leftL, per §4.1 step 6. Called once a (possibly
// merged) span is ready to be visible as free again.
func publishFree(f *freeBlock, size int64) {
	f.myL.Store(size)
	if f.rightNeighbor != nil {
		f.rightNeighbor.leftL.Store(size)
	}
}
