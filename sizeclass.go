// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"github.com/cznic/mathutil"
)

// Slab front-end size classes (§4.2). Three tiers: an 8-byte-stride tier
// for tiny objects, a four-bins-per-power-of-two tier up to 1 KiB, and a
// handful of "fitting" sizes chosen so a slab body divides evenly.
const (
	slabSize    = 16 * 1024 // 16 KiB, slab blocks are this size and aligned to it
	slabAlign   = slabSize
	minAlign    = 16 // object alignment granularity, mirrors teacher's mallocAllign
	maxSmallObj = 1024
)

// slabHeaderSize is set by slab.go's init once the header type size is
// known; sizeclass.go only needs the final object sizes.
var fittingSizes = computeFittingSizes()

// computeFittingSizes returns, for 9, 6, 4, 3 and 2 objects, the largest
// minAlign-multiple size of which that many objects fit in
// (slabSize - header), matching "5 fitting sizes" from §4.2.
func computeFittingSizes() []int {
	targets := []int{9, 6, 4, 3, 2}
	out := make([]int, 0, len(targets))
	for _, n := range targets {
		sz := (slabSize - slabHeaderSize) / n
		sz = roundDown(sz, minAlign)
		out = append(out, sz)
	}
	return out
}

// sizeClasses is the ordered list of small/medium object sizes this
// allocator's slab front-end serves, smallest first.
var sizeClasses = buildSizeClasses()

func buildSizeClasses() []int {
	var classes []int
	// Tier 1: 8, 16, ..., 64 (8-byte stride).
	for sz := 8; sz <= 64; sz += 8 {
		classes = append(classes, sz)
	}
	// Tier 2: 80 .. 1024, 4 bins per power of two.
	for sz := 80; sz <= maxSmallObj; {
		classes = append(classes, sz)
		step := (1 << (bitLen(sz) - 1)) / 4 // a quarter of the power of two at or below sz
		sz += step
	}
	// Tier 3: fitting sizes, skipping any not larger than the last class.
	for _, sz := range fittingSizes {
		if sz > classes[len(classes)-1] {
			classes = append(classes, sz)
		}
	}
	return classes
}

// classIndexOf returns the index into sizeClasses of the smallest class
// that can hold size bytes, or -1 if size needs the large-object path.
func classIndexOf(size int) int {
	for i, sz := range sizeClasses {
		if size <= sz {
			return i
		}
	}
	return -1
}

// isSmall reports whether size should be served by the slab front-end
// rather than the large-object cache.
func isSmall(size int) bool {
	return size > 0 && size <= sizeClasses[len(sizeClasses)-1]
}

// roundUp rounds n up to the next multiple of m, m a power of two.
func roundUp(n, m int) int { return (n + m - 1) &^ (m - 1) }

// roundDown rounds n down to the previous multiple of m, m a power of two.
func roundDown(n, m int) int { return n &^ (m - 1) }

// bitLen is the teacher's mathutil.BitLen usage, generalized: the number
// of bits needed to represent n, i.e. floor(log2 n)+1 for n > 0.
func bitLen(n int) int { return mathutil.BitLen(n) }

// isPowerOfTwo reports whether a is a power of two (used by
// aligned_malloc/posix_memalign validation, §6/§8).
func isPowerOfTwo(a int) bool { return a > 0 && a&(a-1) == 0 }
