// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || openbsd || solaris || netbsd

package scalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawMap has no huge-page fallback chain outside Linux; huge is ignored
// and callers always get a regular mapping (§4.1's huge pages are
// opportunistic, never required).
func rawMap(size int, huge bool) ([]byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	b, err := unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		return nil, err
	}
	checkPageAligned(b)
	return b, nil
}

// rawRemap: mremap is Linux-only, so sole-occupant large regions always
// fall back to allocate-and-copy on BSD/Darwin (§9 "other platforms must
// fall back to allocate-and-copy").
func rawRemap(addr unsafe.Pointer, oldSize, newSize int) (unsafe.Pointer, bool, error) {
	return nil, false, nil
}

const hugePagesSupported = false
