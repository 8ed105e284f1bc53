// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.
//
// Modifications (c) 2024 The Scalloc Authors.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

package scalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// osPageSize is the platform's native page size, used to sanity-check
// that every mmap'd region lands on a page boundary.
var osPageSize = unix.Getpagesize()

func rawUnmap(addr unsafe.Pointer, size int) error {
	b := unsafe.Slice((*byte)(addr), size)
	return unix.Munmap(b)
}

func checkPageAligned(b []byte) {
	if len(b) != 0 && uintptr(unsafe.Pointer(&b[0]))&uintptr(osPageSize-1) != 0 {
		panic("scalloc: internal error, mmap returned a misaligned region")
	}
}
