// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command scallocstat runs a small demonstration workload against the
// default allocator and prints its live counters. It is a thin dumper
// over the public API, not a wire-format stats/trace collaborator.
package main

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/scalloc/scalloc"
)

func main() {
	a, res := scalloc.NewAllocator(scalloc.DefaultPolicy())
	if res != scalloc.PoolOK {
		fmt.Fprintln(os.Stderr, "scallocstat: failed to create allocator:", res)
		os.Exit(1)
	}
	defer a.Destroy()

	runWorkload(a)

	s := a.Stats()
	fmt.Printf("regions:            %d\n", s.RegionCount)
	fmt.Printf("total memory:       %d bytes\n", s.TotalMemory)
	fmt.Printf("max requested size: %d bytes\n", s.MaxRequestedSize)
	fmt.Printf("live threads:       %d\n", s.LiveThreadCount)
	fmt.Printf("bin modifications:  %d\n", s.BinModifications)
}

// runWorkload exercises small, medium and large allocations across a few
// goroutines so the counters printed above reflect a populated pool
// rather than an empty one.
func runWorkload(a *scalloc.Allocator) {
	const goroutines = 4
	const perGoroutine = 256

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			sizes := []int{16, 128, 4096, 1 << 20}
			ptrs := make([]unsafe.Pointer, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				size := sizes[i%len(sizes)]
				p, err := a.Malloc(size)
				if err != nil || p == nil {
					continue
				}
				ptrs = append(ptrs, p)
			}
			for _, p := range ptrs {
				_ = a.Free(p)
			}
		}()
	}
	wg.Wait()
}
