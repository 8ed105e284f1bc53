// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import (
	"fmt"
	"os"
)

// trace gates the allocator's debug logging. It is off by default and
// costs a single predictable branch per call site when disabled. Flip it
// with SCALLOC_TRACE=1 in the environment, the same style the teacher
// package used a package-level bool for.
var trace = os.Getenv("SCALLOC_TRACE") == "1"

func tracef(format string, args ...interface{}) {
	if !trace {
		return
	}
	fmt.Fprintf(os.Stderr, "scalloc: "+format+"\n", args...)
}
