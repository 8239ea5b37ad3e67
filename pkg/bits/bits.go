// Copyright 2018 The gVisor Authors.
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

// Package bits includes all bit related types and operations.
package bits

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn[T constraints.Integer](mask, bits T) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn[T constraints.Integer](mask, bits T) bool {
	return mask&bits != 0
}

// MaskOf returns a T with only bit i set.
func MaskOf[T constraints.Unsigned](i int) T {
	return T(1) << T(i)
}

// IsPowerOfTwo returns true if v is a power of 2.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	if v == 0 {
		return false
	}
	return v&(v-1) == 0
}

// AlignUp rounds a length up to an alignment. align must be a power of 2.
func AlignUp[T constraints.Unsigned](length T, align T) T {
	return (length + align - 1) & ^(align - 1)
}

// AlignDown rounds a length down to an alignment. align must be a power of 2.
func AlignDown[T constraints.Unsigned](length T, align T) T {
	return length & ^(align - 1)
}

// MostSignificantOne64 returns the index of the most significant 1 bit in
// x. If x is 0, MostSignificantOne64 returns 64.
func MostSignificantOne64(x uint64) int {
	if x == 0 {
		return 64
	}
	return 63 - bits.LeadingZeros64(x)
}

// Log2Ceil64 returns the smallest n such that 1<<n >= x. x must be non-zero.
func Log2Ceil64(x uint64) int {
	n := MostSignificantOne64(x)
	if !IsPowerOfTwo(x) {
		n++
	}
	return n
}
