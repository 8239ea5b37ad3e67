// Copyright 2026 The gVisor Authors.
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

package emap

// Inactive is the generation of a CPU or LWP that has never used ephemeral
// mappings. It is never produced.
const Inactive uint32 = 0

// GenAtLeast returns true if generation a is at or after generation b.
//
// Generations wrap around. They are compared as the signed distance between
// them, so the ordering is correct as long as the two values are less than
// 2^31 generations apart. A CPU left idle for longer than that may skip one
// sync it needed; this is accepted.
func GenAtLeast(a, b uint32) bool {
	return int32(a-b) >= 0
}
