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

// Package emap implements ephemeral mappings: short-lived, read-only kernel
// windows onto physical pages.
//
// Entering a mapping does not synchronize the TLBs of other CPUs. Instead, the
// writer calls Produce after entering its mappings and hands the returned
// generation to readers, and a reader calls Consume with that generation
// before reading through the window. Consume synchronizes the reader's CPU
// only if the CPU has not already synchronized to that generation, for
// example because of an unrelated flush reported through Update. Each LWP
// remembers the generation it has observed, and Switch brings a CPU up to
// date when an LWP migrates onto it.
//
// If the pmap does not implement pmap.Emap, Enter and Remove fall back to the
// general purpose kernel mapping primitives and synchronize every CPU
// immediately. Produce then returns Inactive and Consume does nothing.
package emap

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/atomicbitops"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/errors/linuxerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/metric"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/cpu"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/pmap"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/vmem"
)

var (
	produceCount = metric.MustCreateNewUint64Metric("/uvm/emap/produce", "Number of ephemeral mapping generations produced.")
	syncCount    = metric.MustCreateNewUint64Metric("/uvm/emap/syncs", "Number of CPU synchronizations done for ephemeral mappings.",
		metric.NewField("op", "consume", "switch"))
	consumeNoop = metric.MustCreateNewUint64Metric("/uvm/emap/consume_noop", "Number of Consume calls satisfied without synchronizing.")
)

// DefaultSize returns the default size of the window arena: 128 MiB with
// 64-bit addresses, 32 MiB otherwise.
func DefaultSize() uint64 {
	if bits.UintSize == 64 {
		return 128 << 20
	}
	return 32 << 20
}

// Strategy selects how mappings are made visible.
type Strategy int

const (
	// StrategyAuto uses StrategyFast if the pmap supports it.
	StrategyAuto Strategy = iota

	// StrategyFast batches synchronization behind generations.
	StrategyFast

	// StrategyFallback synchronizes all CPUs on every Enter and Remove.
	StrategyFallback
)

// String implements fmt.Stringer.String.
func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyFast:
		return "fast"
	case StrategyFallback:
		return "fallback"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses the String form of a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return StrategyAuto, nil
	case "fast":
		return StrategyFast, nil
	case "fallback":
		return StrategyFallback, nil
	default:
		return 0, fmt.Errorf("unknown emap strategy %q: %w", s, linuxerr.EINVAL)
	}
}

// Opts configures New.
type Opts struct {
	// Size is the size of the window arena in bytes. It is rounded up to
	// the page size. Zero means DefaultSize.
	Size uint64

	// Strategy selects the synchronization strategy.
	Strategy Strategy
}

// Emap is an ephemeral mapping allocator.
type Emap struct {
	// gen is the global generation. It is never Inactive.
	gen atomicbitops.Uint32

	cpus  *cpu.Set
	pmap  pmap.Interface
	arena *vmem.Arena

	// fast is the pmap's Emap capability, or nil when using the fallback
	// strategy. It is immutable.
	fast pmap.Emap
}

// New reserves the window arena from pm and returns an Emap for the given
// CPUs. Every CPU and the boot LWP start at the initial generation.
func New(cpus *cpu.Set, pm pmap.Interface, opts Opts) (*Emap, error) {
	size := opts.Size
	if size == 0 {
		size = DefaultSize()
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok {
		return nil, fmt.Errorf("emap size %#x overflows: %w", opts.Size, linuxerr.EINVAL)
	}

	e := &Emap{cpus: cpus, pmap: pm}
	fast, haveFast := pmap.HasEmap(pm)
	switch opts.Strategy {
	case StrategyAuto:
		if haveFast {
			e.fast = fast
		}
	case StrategyFast:
		if !haveFast {
			return nil, fmt.Errorf("pmap %T does not support ephemeral mappings: %w", pm, linuxerr.EINVAL)
		}
		e.fast = fast
	case StrategyFallback:
	default:
		return nil, fmt.Errorf("invalid emap strategy %v: %w", opts.Strategy, linuxerr.EINVAL)
	}

	base, err := pm.Reserve(size)
	if err != nil {
		return nil, fmt.Errorf("reserving %#x bytes for emap: %w", size, err)
	}
	arena, err := vmem.New("emap", uint64(base), size, hostarch.PageSize)
	if err != nil {
		return nil, err
	}
	e.arena = arena

	e.gen.Store(1)
	for _, c := range cpus.CPUs() {
		c.SetEmapGen(1)
	}
	cpus.LWP0().SetEmapGen(1)

	if e.fast != nil {
		cpus.RegisterSwitchHook(e.Switch)
		if o, ok := pm.(interface{ SetFlushObserver(pmap.FlushObserver) }); ok {
			o.SetFlushObserver(e)
		}
	}
	log.Debugf("Emap: %#x bytes at %v, %d CPUs, fast=%t", size, base, cpus.Len(), e.fast != nil)
	return e, nil
}

// Fast returns true if the generation strategy is in use.
func (e *Emap) Fast() bool {
	return e.fast != nil
}

// Arena returns the window arena.
func (e *Emap) Arena() *vmem.Arena {
	return e.arena
}

// Alloc allocates a window of size bytes. size must be positive and
// page-aligned. If wait is false and no window is available, Alloc returns 0
// and ENOMEM; otherwise it blocks until a window is freed.
func (e *Emap) Alloc(size uint64, wait bool) (hostarch.Addr, error) {
	if size == 0 || !hostarch.IsPageAligned(size) {
		panic(fmt.Sprintf("emap: bad window size %#x", size))
	}
	flags := vmem.InstantFit | vmem.NoSleep
	if wait {
		flags = vmem.InstantFit | vmem.Sleep
	}
	va, err := e.arena.Alloc(size, flags)
	if err != nil {
		return 0, err
	}
	return hostarch.Addr(va), nil
}

// Free returns a window to the arena. The window must have been removed.
func (e *Emap) Free(va hostarch.Addr, size uint64) {
	if !e.arena.Contains(uint64(va), size) {
		panic(fmt.Sprintf("emap: freeing [%v, +%#x) outside of the arena", va, size))
	}
	e.arena.Free(uint64(va), size)
}

// Enter maps pgs[i] read-only at va + i*PageSize. With the fast strategy the
// mappings are not yet visible to any CPU; the caller must Produce.
func (e *Emap) Enter(va hostarch.Addr, pgs []*uvm.Page) {
	if e.fast != nil {
		for i, pg := range pgs {
			e.fast.EmapEnter(va+hostarch.Addr(i*hostarch.PageSize), pg.PA())
		}
		return
	}
	for i, pg := range pgs {
		e.pmap.KEnter(va+hostarch.Addr(i*hostarch.PageSize), pg.PA(), hostarch.Read)
	}
	e.pmap.Update()
}

// Remove unmaps [va, va+length).
func (e *Emap) Remove(va hostarch.Addr, length uint64) {
	if e.fast != nil {
		e.fast.EmapRemove(va, length)
		return
	}
	e.pmap.KRemove(va, length)
	e.pmap.Update()
}

// Produce advances the global generation and returns it. Mappings entered
// before the call are visible on any CPU synchronized to the result. With the
// fallback strategy it returns Inactive.
func (e *Emap) Produce() uint32 {
	if e.fast == nil {
		return Inactive
	}
	gen := e.gen.Add(1)
	if gen == Inactive {
		gen = e.gen.Add(1)
	}
	produceCount.Increment()
	return gen
}

// Current returns the global generation.
func (e *Emap) Current() uint32 {
	gen := e.gen.Load()
	if gen == Inactive {
		gen = e.gen.Add(1)
	}
	return gen
}

// Consume makes mappings of generation gen visible to l. It synchronizes l's
// CPU only if the CPU is behind gen.
func (e *Emap) Consume(l *cpu.LWP, gen uint32) {
	if gen == Inactive || e.fast == nil {
		return
	}
	c := l.CPU()
	c.DisablePreemption()
	defer c.EnablePreemption()

	if cur := c.EmapGen(); GenAtLeast(cur, gen) {
		l.SetEmapGen(cur)
		consumeNoop.Increment()
		return
	}
	cur := e.Current()
	e.fast.EmapSync(c, false)
	syncCount.Increment("consume")
	c.SetEmapGen(cur)
	l.SetEmapGen(cur)
}

// Switch brings l's CPU up to the generation l has observed. It is called
// when l resumes, possibly on another CPU.
//
// Preconditions: preemption is disabled on l.CPU().
func (e *Emap) Switch(l *cpu.LWP) {
	if e.fast == nil {
		return
	}
	lgen := l.EmapGen()
	if lgen == Inactive {
		return
	}
	c := l.CPU()
	if GenAtLeast(c.EmapGen(), lgen) {
		return
	}
	cur := e.Current()
	e.fast.EmapSync(c, true)
	syncCount.Increment("switch")
	c.SetEmapGen(cur)
}

// Update records that c's TLB is being flushed for other reasons at
// generation gen. gen must have been obtained from Current before the flush.
//
// Preconditions: preemption is disabled on c.
func (e *Emap) Update(c *cpu.CPU, gen uint32) {
	c.SetEmapGen(gen)
}

// Destroy destroys the window arena.
func (e *Emap) Destroy() {
	e.arena.Destroy()
}
