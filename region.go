// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"sync"
	"unsafe"
)

// MemRegionType tags what a Region was carved up for (§3.1, §9 "Dynamic
// dispatch" — modelled as a plain enum, no interface hierarchy needed).
type MemRegionType int

const (
	// RegionSlabOnly holds only slab blocks.
	RegionSlabOnly MemRegionType = iota
	// RegionLargeBlocks holds one or more large FreeBlocks/LargeMemoryBlocks.
	RegionLargeBlocks
	// RegionOneBlock holds exactly one large block and is never shared
	// or split further (§4.1 "Huge").
	RegionOneBlock
)

// region is a contiguous range obtained from one raw OS mapping (§3.1).
// There is no end-marker sentinel block: every freeBlock carries a
// pointer to its region, and the rightmost block in a region is the one
// whose rightNeighbor is nil.
type region struct {
	mu   sync.Mutex
	prev *region
	next *region

	kind     MemRegionType
	raw      []byte // the full OS mapping, header included
	size     int    // len(raw)
	blockSz  int    // usable bytes after the region header
	memStart uintptr

	allocatedCount int // not maintained; release is decided when coalescing yields one free block spanning blockSz
}

// regionHeaderSize is the fixed cost subtracted from a mapping to get the
// usable block area; kept distinct from slabHeaderSize/freeBlockHeaderSize
// since a region's own bookkeeping lives in the region struct, not inline
// in the mapping (unlike the teacher's page header, which is inline).
const regionHeaderSize = 0

// regionMap owns the doubly linked list of live regions for one backend
// (§3.1, §9 "Cyclic ownership in intrusive lists": explicit head + mutex,
// links are back-references that do not own).
type regionMap struct {
	mu    sync.Mutex
	head  *region
	count int

	lowAddr  uintptr
	highAddr uintptr
}

func (m *regionMap) insert(r *region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.next = m.head
	if m.head != nil {
		m.head.prev = r
	}
	m.head = r
	m.count++

	start := uintptr(unsafe.Pointer(&r.raw[0]))
	end := start + uintptr(len(r.raw))
	if m.lowAddr == 0 || start < m.lowAddr {
		m.lowAddr = start
	}
	if end > m.highAddr {
		m.highAddr = end
	}
}

func (m *regionMap) remove(r *region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.prev != nil {
		r.prev.next = r.next
	} else if m.head == r {
		m.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.prev, r.next = nil, nil
	m.count--
}

// contains reports whether addr falls within any region ever mapped by
// this backend. It is a cheap range check, not proof of ownership of a
// live object; BackRefs (backref.go) give the authoritative answer.
func (m *regionMap) contains(addr uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return addr >= m.lowAddr && addr < m.highAddr
}

// Count returns the number of live regions, for diagnostics (cmd/scallocstat).
func (m *regionMap) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// newRegion raw-maps size bytes (rounded to the OS page granularity) and
// wraps it as a region of the given kind. huge requests opportunistic
// huge-page backing per §4.1.
func newRegion(size int, kind MemRegionType, huge bool) (*region, error) {
	size = roundUp(size, osPageSize)
	raw, err := rawMap(size, huge)
	if err != nil {
		return nil, err
	}
	return &region{
		kind:     kind,
		raw:      raw,
		size:     len(raw),
		blockSz:  len(raw) - regionHeaderSize,
		memStart: uintptr(unsafe.Pointer(&raw[0])) + uintptr(regionHeaderSize),
	}, nil
}

func (r *region) unmap() error {
	return rawUnmap(unsafe.Pointer(&r.raw[0]), len(r.raw))
}

func (r *region) base() uintptr { return uintptr(unsafe.Pointer(&r.raw[0])) }
