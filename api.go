// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Allocator is the package's public handle onto one memory pool (§6
// "scalable_malloc family"). The backend's per-thread fast paths assume
// exclusive access from one logical worker at a time; Go has no public
// pthread_key_t equivalent to bind a *tlsData to an OS thread, so
// Allocator instead keeps a small fixed ring of slots, each guarded by
// its own mutex, and round-robins calls across them. Two calls that land
// on the same slot simply serialize through that slot's mutex rather
// than racing on its tlsData's unsynchronized fast-path fields — the
// same trade other caching allocators make when true thread-affinity
// isn't available, and it costs nothing when slots outnumber the
// concurrently active callers.
type Allocator struct {
	p     *pool
	slots []sync.Mutex
	next  atomic.Uint64
}

// defaultSlotCount sizes the ring generously relative to GOMAXPROCS so
// collisions under typical concurrency are rare without the ring itself
// becoming a large allocation.
func defaultSlotCount() int {
	n := 4 * runtime.GOMAXPROCS(0)
	if n < 8 {
		n = 8
	}
	return n
}

// defaultRawAlloc/defaultRawFree back a pool that did not supply its own
// raw allocator: every region comes straight from the OS via rawMap, and
// poolID is ignored since there is exactly one OS-level source.
func defaultRawAlloc(poolID uintptr, size int) ([]byte, error) { return rawMap(size, false) }
func defaultRawFree(poolID uintptr, raw []byte) error {
	return rawUnmap(unsafe.Pointer(&raw[0]), len(raw))
}

// NewAllocator creates an independent pool (§6 "pool_create_v1"). A zero
// MemPoolPolicy is rejected; use DefaultPolicy() for the common case of
// "get memory from the OS, give it back eagerly".
func NewAllocator(policy MemPoolPolicy) (*Allocator, PoolResult) {
	p, r := newPool(policy)
	if r != PoolOK {
		return nil, r
	}
	return &Allocator{p: p, slots: make([]sync.Mutex, defaultSlotCount())}, PoolOK
}

// DefaultPolicy returns the policy the package-level convenience
// functions (Malloc, Free, ...) use: OS-backed memory, returned eagerly,
// no fixed-size ceiling.
func DefaultPolicy() MemPoolPolicy {
	return MemPoolPolicy{RawAlloc: defaultRawAlloc, RawFree: defaultRawFree}
}

func (a *Allocator) withSlot(fn func(token int64)) {
	idx := int(a.next.Add(1)) % len(a.slots)
	a.slots[idx].Lock()
	fn(int64(idx))
	a.slots[idx].Unlock()
}

// Malloc returns size bytes of zero-initialized-on-first-touch memory
// (the backend never zeroes reused blocks, matching scalable_malloc;
// Calloc below does the zeroing explicitly), or nil if size is 0.
func (a *Allocator) Malloc(size int) (unsafe.Pointer, error) {
	var p unsafe.Pointer
	var err error
	a.withSlot(func(token int64) { p, err = a.p.malloc(token, size) })
	return p, err
}

// Free releases a pointer previously returned by this Allocator. Freeing
// a pointer whose slab or large block this Allocator does not know
// returns ErrNotOurPointer (§7 "unrecognized pointer"). A pointer that was
// already freed is not detected while its slab or cached block is still
// known: it is freed a second time.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	var err error
	a.withSlot(func(token int64) { err = a.p.free(token, ptr) })
	return err
}

// Calloc implements the overflow-checked n*size allocation contract
// (§6/§7 "calloc"), zeroing the returned memory.
func (a *Allocator) Calloc(n, size int) (unsafe.Pointer, error) {
	if n == 0 || size == 0 {
		return nil, nil
	}
	total := n * size
	if total/n != size {
		return nil, ErrSizeOverflow
	}
	ptr, err := a.Malloc(total)
	if err != nil || ptr == nil {
		return ptr, err
	}
	buf := unsafe.Slice((*byte)(ptr), total)
	for i := range buf {
		buf[i] = 0
	}
	return ptr, nil
}

// Realloc resizes an existing allocation, preserving the lesser of the
// old and new sizes of content (§6 "realloc"). A nil ptr behaves like
// Malloc; a zero newSize behaves like Free and returns nil.
func (a *Allocator) Realloc(ptr unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	if ptr == nil {
		return a.Malloc(newSize)
	}
	if newSize == 0 {
		return nil, a.Free(ptr)
	}
	oldSize := a.Msize(ptr)
	if oldSize < 0 {
		return nil, ErrNotOurPointer
	}
	if int64(newSize) <= oldSize {
		return ptr, nil
	}
	np, err := a.Malloc(newSize)
	if err != nil {
		return nil, err
	}
	src := unsafe.Slice((*byte)(ptr), oldSize)
	dst := unsafe.Slice((*byte)(np), newSize)
	copy(dst, src)
	if err := a.Free(ptr); err != nil {
		return np, err
	}
	return np, nil
}

// AlignedMalloc implements _aligned_malloc/memalign semantics: size
// bytes aligned to alignment, which must be a power of two (§6/§7).
// The returned pointer may sit inside the slab/large block Malloc
// actually carved out; Free/Msize on it resolve correctly as long as
// the interior offset keeps it within the same slab page backing a
// small allocation. Aligned requests large enough to route through the
// large-object path are a known gap noted in DESIGN.md: the
// address-keyed large index expects the exact block base.
func (a *Allocator) AlignedMalloc(size, alignment int) (unsafe.Pointer, error) {
	if !isPowerOfTwo(alignment) {
		return nil, ErrInvalidAlignment
	}
	need := size
	if alignment > minAlign {
		need = size + alignment // over-allocate, hand back an aligned interior pointer
	}
	raw, err := a.Malloc(need)
	if err != nil || raw == nil {
		return raw, err
	}
	aligned := roundUpPtr(uintptr(raw), alignment)
	return unsafe.Pointer(aligned), nil
}

func roundUpPtr(p uintptr, align int) uintptr {
	a := uintptr(align)
	return (p + a - 1) &^ (a - 1)
}

// AlignedRealloc resizes a block obtained from AlignedMalloc, preserving
// alignment (§6 "scalable_aligned_realloc"). It never resizes in place:
// it allocates a new aligned block, copies the lesser of ptr's usable
// size (Msize) and size, then frees ptr. A nil ptr behaves like
// AlignedMalloc; a zero size returns nil and leaves ptr allocated. An
// aligned pointer into a large block is not recognised (see
// AlignedMalloc), so nothing is copied and Free's error is returned
// together with the new block.
func (a *Allocator) AlignedRealloc(ptr unsafe.Pointer, size, alignment int) (unsafe.Pointer, error) {
	if ptr == nil {
		return a.AlignedMalloc(size, alignment)
	}
	if size == 0 {
		return nil, nil
	}
	np, err := a.AlignedMalloc(size, alignment)
	if err != nil {
		return nil, err
	}
	if old := a.Msize(ptr); old > 0 {
		n := int(old)
		if size < n {
			n = size
		}
		copy(unsafe.Slice((*byte)(np), n), unsafe.Slice((*byte)(ptr), n))
	}
	if err := a.Free(ptr); err != nil {
		return np, err
	}
	return np, nil
}

// PosixMemalign implements posix_memalign's stricter contract: alignment
// must be a power of two and a multiple of sizeof(void*) (§7).
func (a *Allocator) PosixMemalign(alignment, size int) (unsafe.Pointer, error) {
	if alignment%int(unsafe.Sizeof(uintptr(0))) != 0 || !isPowerOfTwo(alignment) {
		return nil, ErrInvalidAlignment
	}
	return a.AlignedMalloc(size, alignment)
}

// Msize returns the usable size of a live allocation, or -1 if ptr was
// not returned by this Allocator (§6 "scalable_msize").
func (a *Allocator) Msize(ptr unsafe.Pointer) int64 {
	return a.p.msize(ptr)
}

// Destroy releases every region this Allocator holds (§6 "pool_destroy").
func (a *Allocator) Destroy() { a.p.destroy() }

// Reset releases memory back to the OS without destroying the Allocator
// itself (§6 "pool_reset").
func (a *Allocator) Reset() { a.p.reset() }

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
)

func defaultInstance() *Allocator {
	defaultOnce.Do(func() {
		a, r := NewAllocator(DefaultPolicy())
		if r != PoolOK {
			panic("scalloc: failed to construct default allocator: " + r.String())
		}
		applyEnv(a)
		defaultAllocator = a
	})
	return defaultAllocator
}

// Malloc, Free, Calloc, Realloc, AlignedMalloc, AlignedRealloc,
// PosixMemalign and Msize mirror the Allocator methods of the same name
// against a shared process-wide default pool, the Go equivalent of the
// C library's global scalable_malloc/scalable_free family.
func Malloc(size int) (unsafe.Pointer, error) { return defaultInstance().Malloc(size) }
func Free(ptr unsafe.Pointer) error           { return defaultInstance().Free(ptr) }
func Calloc(n, size int) (unsafe.Pointer, error) { return defaultInstance().Calloc(n, size) }
func Realloc(ptr unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	return defaultInstance().Realloc(ptr, newSize)
}
func AlignedMalloc(size, alignment int) (unsafe.Pointer, error) {
	return defaultInstance().AlignedMalloc(size, alignment)
}
func AlignedRealloc(ptr unsafe.Pointer, size, alignment int) (unsafe.Pointer, error) {
	return defaultInstance().AlignedRealloc(ptr, size, alignment)
}
func PosixMemalign(alignment, size int) (unsafe.Pointer, error) {
	return defaultInstance().PosixMemalign(alignment, size)
}
func Msize(ptr unsafe.Pointer) int64 { return defaultInstance().Msize(ptr) }
