// Copyright 2024 The Scalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scalloc

import "testing"

func TestSizeClassesAscending(t *testing.T) {
	for i := 1; i < len(sizeClasses); i++ {
		if sizeClasses[i] <= sizeClasses[i-1] {
			t.Fatalf("sizeClasses not strictly ascending at %d: %v <= %v", i, sizeClasses[i], sizeClasses[i-1])
		}
	}
}

func TestClassIndexOf(t *testing.T) {
	for _, sz := range sizeClasses {
		idx := classIndexOf(sz)
		if idx < 0 || sizeClasses[idx] != sz {
			t.Fatalf("classIndexOf(%d) = %d, want exact class", sz, idx)
		}
	}
	if classIndexOf(sizeClasses[len(sizeClasses)-1] + 1) != -1 {
		t.Fatal("expected -1 for a size past the largest small class")
	}
}

func TestIsSmall(t *testing.T) {
	if isSmall(0) {
		t.Fatal("0 is not a valid small request")
	}
	if !isSmall(sizeClasses[len(sizeClasses)-1]) {
		t.Fatal("largest class should be small")
	}
	if isSmall(sizeClasses[len(sizeClasses)-1] + 1) {
		t.Fatal("one past the largest class should not be small")
	}
}

func TestRoundUpDown(t *testing.T) {
	cases := []struct{ n, m, up, down int }{
		{0, 16, 0, 0},
		{1, 16, 16, 0},
		{16, 16, 16, 16},
		{17, 16, 32, 16},
	}
	for _, c := range cases {
		if g := roundUp(c.n, c.m); g != c.up {
			t.Errorf("roundUp(%d,%d)=%d want %d", c.n, c.m, g, c.up)
		}
		if g := roundDown(c.n, c.m); g != c.down {
			t.Errorf("roundDown(%d,%d)=%d want %d", c.n, c.m, g, c.down)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 4, 1024} {
		if !isPowerOfTwo(n) {
			t.Errorf("%d should be a power of two", n)
		}
	}
	for _, n := range []int{0, -2, 3, 6, 1023} {
		if isPowerOfTwo(n) {
			t.Errorf("%d should not be a power of two", n)
		}
	}
}
