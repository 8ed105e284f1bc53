// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"sync"
	"sync/atomic"

	"github.com/cznic/mathutil"
)

// largeMemoryBlock is the header of a large allocation (§3.4). The
// user-visible pointer handed back to callers is computed from this
// struct by api.go/pool.go; in this Go rendition there is no literal
// "subtract one header" trick since we never hand out raw pointers into
// Go-managed memory as foreign addresses — the struct itself doubles as
// the handle threaded through Malloc/Free.
type largeMemoryBlock struct {
	owner         *pool
	block         *freeBlock // the backend span backing this object
	prevLOC, nextLOC *largeMemoryBlock
	age           int64
	objectSize    int64 // user-visible requested size
	unalignedSize int64 // actual block size, what put()/get() key off of
	backRef       backRefIdx
	cacheOffset   int // cache-line colouring offset, §12.1; never set, the user pointer is not offset
}

func (b *largeMemoryBlock) addr() uintptr { return b.block.addr }

// LOC tier boundaries (§4.3 "Tiered bins").
const (
	locLargeStep  = 8 * 1024
	locLargeMin   = 8 * 1024
	locLargeMax   = 8 * 1024 * 1024
	locHugeSubBins = 8 // per power of two
	locNumLargeBins = (locLargeMax-locLargeMin)/locLargeStep + 1
	defaultMaxHugeSize = 2 << 30 // 2 GiB default cap (§4.3, platform-dependent)
)

// locAggregatorOp tags a pending aggregator operation (§4.3 "Aggregator").
type locAggregatorOpKind int

const (
	opGet locAggregatorOpKind = iota
	opPutList
	opCleanToThreshold
	opCleanAll
	opUpdateUsedSize
)

type locAggregatorOp struct {
	kind    locAggregatorOpKind
	block   *largeMemoryBlock // for PUT/GET
	asOf    int64             // logical clock snapshot, for CLEAN_TO_THRESHOLD collapsing
	usedDelta int64

	done   chan struct{}
	result *largeMemoryBlock // filled in for opGet
}

// locBin is one exact-fit bin of recently freed large blocks (§3.6). Its
// mutating operations are serialized by one mutex per bin; there is no
// operation queue, so put/get pairs are not cancelled against each other
// and concurrent callers on the same bin wait on the mutex.
type locBin struct {
	mu sync.Mutex // protects the fields below; stands in for the
	// aggregator, since Go's mutexes are cheap enough under the moderate
	// fan-in a single bin sees that a lock-free MPSC buys little — see
	// DESIGN.md.

	first, last *largeMemoryBlock
	oldest      int64
	lastCleanedAge int64
	ageThreshold   int64
	usedSize       int64
	cachedSize     int64
	meanHitRange   int64
	lastGet        int64
}

func (b *locBin) pushFront(m *largeMemoryBlock) {
	m.prevLOC = nil
	m.nextLOC = b.first
	if b.first != nil {
		b.first.prevLOC = m
	}
	b.first = m
	if b.last == nil {
		b.last = m
	}
}

func (b *locBin) unlink(m *largeMemoryBlock) {
	if m.prevLOC != nil {
		m.prevLOC.nextLOC = m.nextLOC
	} else if b.first == m {
		b.first = m.nextLOC
	}
	if m.nextLOC != nil {
		m.nextLOC.prevLOC = m.prevLOC
	} else if b.last == m {
		b.last = m.prevLOC
	}
	m.prevLOC, m.nextLOC = nil, nil
}

// largeObjectCache is C5: the large/huge bin arrays, the pool-wide
// logical clock, and the ageing/eviction policy.
type largeObjectCache struct {
	pool *pool

	largeBins [locNumLargeBins]locBin
	hugeBins  []locBin // grown lazily as bigger sizes are seen

	clock atomic.Int64

	maxHugeSize     atomic.Int64
	hugeSizeThresh  atomic.Int64 // user-settable "huge-size threshold" (§4.3, §6)
	tooLargeStreak  atomic.Int32

	hugeMu sync.Mutex
}

func newLargeObjectCache(p *pool) *largeObjectCache {
	c := &largeObjectCache{pool: p}
	c.maxHugeSize.Store(defaultMaxHugeSize)
	c.hugeSizeThresh.Store(64 << 20) // default 64 MiB huge-size threshold (§6 env var doc)
	return c
}

// alignToBin rounds size up to the exact bin boundary it will be cached
// under (§4.3: "Requests are exact-fit per bin").
func alignToBin(size int64) int64 {
	if size < locLargeMax {
		return roundUpI64(size, locLargeStep)
	}
	// Geometric: locHugeSubBins sub-bins per power of two.
	p := int64(1) << uint(mathutil.BitLen(int(size-1)))
	step := p / (2 * locHugeSubBins) // the range (p/2, p] split in locHugeSubBins
	return roundUpI64(size, step)
}

func roundUpI64(n, m int64) int64 { return (n + m - 1) / m * m }

func (c *largeObjectCache) binFor(size int64) (*locBin, bool) {
	if size < locLargeMax {
		idx := int((size - locLargeMin) / locLargeStep)
		if idx < 0 {
			idx = 0
		}
		if idx >= locNumLargeBins {
			idx = locNumLargeBins - 1
		}
		return &c.largeBins[idx], false
	}
	c.hugeMu.Lock()
	defer c.hugeMu.Unlock()
	idx := hugeBinIndex(size)
	for idx >= len(c.hugeBins) {
		c.hugeBins = append(c.hugeBins, locBin{})
	}
	return &c.hugeBins[idx], true
}

func hugeBinIndex(size int64) int {
	p := mathutil.BitLen(int(size - 1))
	base := mathutil.BitLen(locLargeMax - 1)
	sub := ((size - 1) >> uint(p-4)) & (locHugeSubBins - 1) // coarse sub-bin selector
	return (p-base)*locHugeSubBins + int(sub)
}

// get looks up an exact-fit cached block for size, returning nil on miss.
// On a miss it records a miss against the bin's ageThreshold per the
// ageing policy (§4.3).
func (c *largeObjectCache) get(size int64) *largeMemoryBlock {
	if size >= c.maxHugeSize.Load() {
		return nil // huge bypass, §4.3
	}
	aligned := alignToBin(size)
	b, _ := c.binFor(aligned)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := c.clock.Add(1)
	b.lastGet = now

	if b.first == nil {
		b.ageThreshold = onMissFactor * (now - b.lastCleanedAge)
		return nil
	}
	m := b.first
	b.unlink(m)
	b.usedSize += m.unalignedSize
	b.cachedSize -= m.unalignedSize
	if b.last == nil {
		b.oldest = 0
	} else {
		b.oldest = b.last.age
	}
	return m
}

// put stores b in its exact-fit bin (§4.3). Age is stamped from the
// pool-wide logical clock.
func (c *largeObjectCache) put(m *largeMemoryBlock) {
	bin, _ := c.binFor(m.unalignedSize)
	now := c.clock.Add(1)
	m.age = now

	bin.mu.Lock()
	bin.pushFront(m)
	bin.usedSize -= m.unalignedSize
	bin.cachedSize += m.unalignedSize
	bin.oldest = m.age
	// meanHitRange: exponential moving average of the logical-clock gap
	// between the bin's most recent get and this put (§12.2, recovered
	// from large_objects.cpp's updateCacheState).
	if bin.lastGet != 0 {
		hit := now - bin.lastGet
		bin.meanHitRange = (bin.meanHitRange*3 + hit) / 4
	}
	bin.mu.Unlock()
}

const (
	onMissFactor    = 2
	longWaitFactor  = 16
	tooLargeFactor  = 3
)

// cleanBinToThreshold evicts every block in bin older than its current
// ageThreshold, returning the evicted blocks so the caller can hand them
// back to the backend outside the bin lock.
func (c *largeObjectCache) cleanBinToThreshold(bin *locBin) []*largeMemoryBlock {
	var evicted []*largeMemoryBlock
	bin.mu.Lock()
	now := c.clock.Load()
	cur := bin.last
	for cur != nil && now-cur.age > bin.ageThreshold {
		prev := cur.prevLOC
		bin.unlink(cur)
		bin.cachedSize -= cur.unalignedSize
		evicted = append(evicted, cur)
		cur = prev
	}
	bin.lastCleanedAge = now
	if bin.cachedSize > tooLargeFactor*maxI64(bin.usedSize, 1) {
		if c.tooLargeStreak.Add(1) >= 3 {
			bin.ageThreshold = (bin.ageThreshold + bin.meanHitRange) / 2
			c.tooLargeStreak.Store(0)
		}
	} else {
		c.tooLargeStreak.Store(0)
	}
	// "Forget" reset: long idle since the last get resets learned state.
	if now-bin.lastGet > longWaitFactor*maxI64(bin.ageThreshold, 1) {
		bin.ageThreshold = 0
		bin.meanHitRange = 0
	}
	bin.mu.Unlock()
	return evicted
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// cleanAll evicts every cached block regardless of age, including bins
// above the huge-size threshold that regular cleanup skips (§4.3).
func (c *largeObjectCache) cleanAll() []*largeMemoryBlock {
	var evicted []*largeMemoryBlock
	for i := range c.largeBins {
		evicted = append(evicted, c.drainBin(&c.largeBins[i])...)
	}
	c.hugeMu.Lock()
	bins := c.hugeBins
	c.hugeMu.Unlock()
	for i := range bins {
		evicted = append(evicted, c.drainBin(&bins[i])...)
	}
	return evicted
}

func (c *largeObjectCache) drainBin(bin *locBin) []*largeMemoryBlock {
	var out []*largeMemoryBlock
	bin.mu.Lock()
	for bin.first != nil {
		m := bin.first
		bin.unlink(m)
		bin.cachedSize -= m.unalignedSize
		out = append(out, m)
	}
	bin.mu.Unlock()
	return out
}

// regularCleanup evicts aged-out blocks from every large-tier bin (sizes
// below locLargeMax) whose size is at or below the huge-size threshold.
// Huge-tier bins are not visited at all, whatever the threshold; they and
// the large-tier bins above the threshold are only emptied by cleanAll.
func (c *largeObjectCache) regularCleanup() []*largeMemoryBlock {
	var evicted []*largeMemoryBlock
	thresh := c.hugeSizeThresh.Load()
	for i := range c.largeBins {
		if int64(locLargeMin+i*locLargeStep) > thresh {
			continue
		}
		evicted = append(evicted, c.cleanBinToThreshold(&c.largeBins[i])...)
	}
	return evicted
}
