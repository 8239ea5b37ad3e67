// Copyright 2019 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostarch contains host arch address operations for user memory.
package hostarch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// PageShift is the binary log of the system page size.
	// 4K pages: 2^12 = 4096
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the system huge page size.
	// For 4K pages: PageShift + (PageShift - 3) = 12 + 9 = 21
	// This gives 2MB huge pages.
	HugePageShift = 21

	// HugePageSize is the system huge page size.
	HugePageSize = 1 << HugePageShift
)

func init() {
	// Everything in this module assumes 4K pages.
	if size := unix.Getpagesize(); size != PageSize {
		panic(fmt.Sprintf("only 4K page size is supported, host page size is %d", size))
	}
}

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

// PageRoundUp returns x rounded up to the nearest page boundary. ok is true
// iff rounding up did not wrap around.
func PageRoundUp(x uint64) (rounded uint64, ok bool) {
	rounded = PageRoundDown(x + PageSize - 1)
	ok = rounded >= x
	return
}

// IsPageAligned returns true if x is a multiple of the page size.
func IsPageAligned(x uint64) bool {
	return x&(PageSize-1) == 0
}
