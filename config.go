// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"os"
	"strconv"
)

// SetSoftHeapLimit sets a soft ceiling, in bytes, on memory this
// Allocator will keep before returning blocks to the OS more eagerly
// (§6 "scalable_allocation_command(TBBMALLOC_SET_SOFT_HEAP_LIMIT, ...)").
// A limit of 0 disables the ceiling.
func (a *Allocator) SetSoftHeapLimit(bytes int64) ConfigResult {
	if bytes < 0 {
		return ConfigInvalidParam
	}
	a.p.softHeapLimit.Store(bytes)
	return ConfigOK
}

// UseHugePages turns opportunistic huge-page-backed region mapping on or
// off for this Allocator (§6 "TBBMALLOC_USE_HUGE_PAGES"). A platform
// that never compiled in huge-page support (mmap_bsd.go, mmap_windows.go)
// reports ConfigNoEffect rather than silently ignoring the request.
func (a *Allocator) UseHugePages(enabled bool) ConfigResult {
	if !hugePagesSupported {
		return ConfigNoEffect
	}
	a.p.be.hugePagesRequested.Store(enabled)
	return ConfigOK
}

// SetHugeSizeThreshold sets the size, in bytes, above which large object
// cache bins are skipped by the regular age-based cleanup pass (§4.3, §6
// "TBBMALLOC_SET_HUGE_SIZE_THRESHOLD"). Freed blocks of such sizes are
// still cached; they stay until CleanAllBuffers or the soft heap limit
// drains the whole cache. Bins of 8 MiB and up are never visited by the
// regular pass, whatever the threshold.
func (a *Allocator) SetHugeSizeThreshold(bytes int64) ConfigResult {
	if bytes < 0 {
		return ConfigInvalidParam
	}
	a.p.loc.hugeSizeThresh.Store(bytes)
	return ConfigOK
}

// CleanThreadBuffers drains the calling slot's private freeBlockPool and
// localLOC back to the shared backend/cache without tearing the slot's
// tlsData down (§6 "scalable_allocation_command(TBBMALLOC_CLEAN_THREAD_BUFFERS)").
func (a *Allocator) CleanThreadBuffers() ConfigResult {
	a.withSlot(func(token int64) {
		t := a.p.forThread(token)
		t.fbp.drain(a.p.be)
		for _, m := range t.loc.drain() {
			a.p.loc.put(m)
		}
	})
	return ConfigOK
}

// CleanAllBuffers walks every live tlsData in the pool and every ageing
// bin in the large object cache, returning everything reclaimable to the
// OS (§6 "scalable_allocation_command(TBBMALLOC_CLEAN_ALL_BUFFERS)").
func (a *Allocator) CleanAllBuffers() ConfigResult {
	a.p.reg.forEach(func(t *tlsData) {
		t.fbp.drain(a.p.be)
		for _, m := range t.loc.drain() {
			a.p.loc.put(m)
		}
	})
	a.p.reclaimLarge(a.p.loc.cleanAll())
	a.p.be.clean()
	return ConfigOK
}

// applyEnv reads the same environment variables the teacher's tracing
// flag convention suggests a library should honor (§6): opt-in knobs
// read once at default-Allocator construction time, never polled again.
func applyEnv(a *Allocator) {
	if v, ok := os.LookupEnv("SCALLOC_USE_HUGE_PAGES"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			a.UseHugePages(b)
		}
	}
	if v, ok := os.LookupEnv("SCALLOC_HUGE_SIZE_THRESHOLD"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			a.SetHugeSizeThreshold(n)
		}
	}
	if v, ok := os.LookupEnv("SCALLOC_SOFT_HEAP_LIMIT"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			a.SetSoftHeapLimit(n)
		}
	}
}
