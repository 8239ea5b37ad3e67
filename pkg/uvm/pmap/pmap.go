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

// Package pmap defines the machine-dependent mapping layer used by the
// ephemeral mapping allocator, and provides two implementations of it.
package pmap

import (
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/cpu"
)

// Interface is the general purpose kernel mapping interface.
type Interface interface {
	// Reserve reserves size bytes of kernel virtual address space and
	// returns its base, which is never 0.
	Reserve(size uint64) (hostarch.Addr, error)

	// KEnter maps the frame at physical address pa at va with the given
	// access. Other CPUs may keep using stale translations until Update.
	KEnter(va hostarch.Addr, pa uint64, at hostarch.AccessType)

	// KRemove unmaps [va, va+length).
	KRemove(va hostarch.Addr, length uint64)

	// Update makes all previous KEnter and KRemove calls visible on every
	// CPU.
	Update()
}

// Emap is implemented by pmaps that support batched ephemeral mappings,
// whose visibility is managed per CPU by the caller.
type Emap interface {
	// EmapEnter maps the frame at pa at va read-only, without
	// synchronizing any CPU.
	EmapEnter(va hostarch.Addr, pa uint64)

	// EmapRemove unmaps [va, va+length) without synchronizing any CPU.
	EmapRemove(va hostarch.Addr, length uint64)

	// EmapSync synchronizes c's translations with the page table. canLoad
	// is true if the sync happens while switching to an LWP, when the
	// current address space may be reloaded as part of the flush.
	//
	// Preconditions: preemption is disabled on c.
	EmapSync(c *cpu.CPU, canLoad bool)
}

// FlushObserver is told about TLB flushes a pmap performs for its own
// reasons, so that the flush can also count as an ephemeral mapping sync.
type FlushObserver interface {
	// Current returns the generation that a flush starting now makes
	// visible.
	Current() uint32

	// Update records that c's TLB was flushed at generation gen.
	//
	// Preconditions: preemption is disabled on c.
	Update(c *cpu.CPU, gen uint32)
}

type withoutEmap struct {
	Interface
}

// WithoutEmap returns a view of p that does not implement Emap, forcing
// callers onto the fully synchronized mapping primitives.
func WithoutEmap(p Interface) Interface {
	return withoutEmap{p}
}

// HasEmap returns the Emap capability of p, if any.
func HasEmap(p Interface) (Emap, bool) {
	e, ok := p.(Emap)
	return e, ok
}
