// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

// Stats is a point-in-time snapshot of one Allocator's backend
// counters, the Go-native stand-in for the original's trace/statistics
// printer (explicitly out of scope per §1 as a wire-format collaborator;
// this is a plain counters dumper consumed by cmd/scallocstat).
type Stats struct {
	TotalMemory      int64
	MaxRequestedSize int64
	RegionCount      int
	LiveThreadCount  int
	BinModifications uint64
}

// Stats reports current backend counters. Every field is read via its
// own atomic load (or a short-lived mutex for RegionCount/LiveThreadCount),
// so the snapshot is not a single atomic point in time across fields, only
// per field — adequate for a diagnostics dumper, not for invariant checks.
func (a *Allocator) Stats() Stats {
	var liveThreads int
	a.p.reg.forEach(func(*tlsData) { liveThreads++ })
	return Stats{
		TotalMemory:      a.p.be.totalMemSize.Load(),
		MaxRequestedSize: a.p.be.maxRequestedSize.Load(),
		RegionCount:      a.p.be.regions.Count(),
		LiveThreadCount:  liveThreads,
		BinModifications: a.p.be.bins.modifications.Load(),
	}
}
