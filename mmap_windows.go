// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.
//
// Modifications (c) 2024 The Scalloc Authors.

//go:build windows

package scalloc

import (
	"errors"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var osPageSize = 64 * 1024 // Windows allocation granularity, §6 ("64 KiB for default pool").

const hugePagesSupported = false

// mmap on Windows is a two-step process: CreateFileMapping gets a handle,
// MapViewOfFile gets an actual pointer into memory. handleMap recovers the
// handle from the address at unmap time; it is guarded because, unlike the
// teacher's single-threaded test harness, this allocator maps and unmaps
// concurrently from many goroutines.
var (
	handleMapMu sync.Mutex
	handleMap   = map[uintptr]windows.Handle{}
)

func rawMap(size int, huge bool) ([]byte, error) {
	flProtect := uint32(windows.PAGE_READWRITE)
	dwDesiredAccess := uint32(windows.FILE_MAP_WRITE)
	if huge {
		// hugePagesSupported is false on Windows, so huge is never set
		// here. This branch only adds SEC_COMMIT; it does not request
		// large pages.
		flProtect |= windows.SEC_COMMIT
	}

	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if err != nil {
		return nil, err
	}

	addr, err := windows.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}

	if addr&uintptr(osPageSize-1) != 0 {
		panic("scalloc: internal error, mmap returned a misaligned region")
	}

	handleMapMu.Lock()
	handleMap[addr] = h
	handleMapMu.Unlock()

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func rawUnmap(addr unsafe.Pointer, size int) error {
	if err := windows.UnmapViewOfFile(uintptr(addr)); err != nil {
		return err
	}

	handleMapMu.Lock()
	handle, ok := handleMap[uintptr(addr)]
	if ok {
		delete(handleMap, uintptr(addr))
	}
	handleMapMu.Unlock()
	if !ok {
		return errors.New("scalloc: unknown mapping base address")
	}

	return windows.CloseHandle(handle)
}

// rawRemap: Windows has no mremap equivalent; callers fall back to
// allocate-and-copy (§9).
func rawRemap(addr unsafe.Pointer, oldSize, newSize int) (unsafe.Pointer, bool, error) {
	return nil, false, nil
}
