// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package scalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawMap asks the OS for size bytes of fresh, zeroed, read-write memory.
// When huge is true it first tries MAP_HUGETLB (a preallocated huge-page
// pool, §4.1 "Huge pages"), then falls back to a transparent-huge-page
// hinted regular mapping, matching the documented "mmap with MAP_HUGETLB,
// then transparent huge pages, then regular pages" fallback chain.
func rawMap(size int, huge bool) ([]byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANON

	if huge {
		b, err := unix.Mmap(-1, 0, size, prot, flags|unix.MAP_HUGETLB)
		if err == nil {
			checkPageAligned(b)
			return b, nil
		}
		tracef("MAP_HUGETLB failed for %d bytes: %v, falling back", size, err)
	}

	b, err := unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		return nil, err
	}
	if huge {
		_ = unix.Madvise(b, unix.MADV_HUGEPAGE)
	}
	checkPageAligned(b)
	return b, nil
}

// rawRemap attempts an in-place or moving remap of an existing mapping
// using mremap(MREMAP_MAYMOVE). Only ever called for a region that is the
// sole occupant of its mapping (§4.1 "remap"). ok is false when the
// kernel refused, signalling the caller to fall back to allocate-and-copy.
func rawRemap(addr unsafe.Pointer, oldSize, newSize int) (newAddr unsafe.Pointer, ok bool, err error) {
	old := unsafe.Slice((*byte)(addr), oldSize)
	b, err := unix.Mremap(old, newSize, unix.MREMAP_MAYMOVE)
	if err != nil {
		return nil, false, err
	}
	return unsafe.Pointer(&b[0]), true, nil
}

const hugePagesSupported = true
