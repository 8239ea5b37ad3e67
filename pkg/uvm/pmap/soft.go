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

package pmap

import (
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/atomicbitops"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/errors/linuxerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/sync"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/cpu"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/pgalloc"
)

// softReserveBase is where Soft hands out address space.
const softReserveBase = hostarch.Addr(0x40000000)

// pte is a page table entry.
type pte struct {
	pa uint64
	at hostarch.AccessType
}

// tlb is one CPU's translation cache.
type tlb struct {
	mu      sync.Mutex
	entries map[hostarch.Addr]pte
}

// Soft is a software MMU. Each CPU caches translations in its own TLB, filled
// on access and kept until that CPU is synchronized, so reads through a stale
// TLB observe exactly the hazard that ephemeral mapping generations guard
// against.
type Soft struct {
	cpus *cpu.Set
	mem  *pgalloc.MemoryFile

	mu sync.Mutex

	// pt is the page table. Protected by mu.
	pt map[hostarch.Addr]pte

	// next is the next address Reserve hands out. Protected by mu.
	next hostarch.Addr

	// observer is told about flushes done by Update. Protected by mu.
	observer FlushObserver

	// tlbs is indexed by CPU index. The slice is immutable.
	tlbs []tlb

	// syncs counts per-CPU flushes, indexed by CPU index.
	syncs []atomicbitops.Uint64

	// shootdowns counts all-CPU flushes done by Update.
	shootdowns atomicbitops.Uint64
}

// NewSoft returns a software MMU for the given CPUs translating to frames of
// mem.
func NewSoft(cpus *cpu.Set, mem *pgalloc.MemoryFile) *Soft {
	s := &Soft{
		cpus:  cpus,
		mem:   mem,
		pt:    make(map[hostarch.Addr]pte),
		next:  softReserveBase,
		tlbs:  make([]tlb, cpus.Len()),
		syncs: make([]atomicbitops.Uint64, cpus.Len()),
	}
	for i := range s.tlbs {
		s.tlbs[i].entries = make(map[hostarch.Addr]pte)
	}
	return s
}

// SetFlushObserver makes Update donate its flushes to o.
func (s *Soft) SetFlushObserver(o FlushObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Reserve implements Interface.Reserve.
func (s *Soft) Reserve(size uint64) (hostarch.Addr, error) {
	if size == 0 || !hostarch.IsPageAligned(size) {
		return 0, fmt.Errorf("reserve of %#x bytes: %w", size, linuxerr.EINVAL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.next
	end, ok := base.AddLength(size)
	if !ok {
		return 0, fmt.Errorf("reserve of %#x bytes at %v: %w", size, base, linuxerr.ENOMEM)
	}
	s.next = end
	return base, nil
}

func (s *Soft) enter(va hostarch.Addr, pa uint64, at hostarch.AccessType) {
	if !va.IsPageAligned() || !hostarch.IsPageAligned(pa) {
		panic(fmt.Sprintf("unaligned mapping %v -> %#x", va, pa))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pt[va] = pte{pa: pa, at: at}
}

func (s *Soft) remove(va hostarch.Addr, length uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for off := uint64(0); off < length; off += hostarch.PageSize {
		delete(s.pt, va+hostarch.Addr(off))
	}
}

// KEnter implements Interface.KEnter.
func (s *Soft) KEnter(va hostarch.Addr, pa uint64, at hostarch.AccessType) {
	s.enter(va, pa, at)
}

// KRemove implements Interface.KRemove.
func (s *Soft) KRemove(va hostarch.Addr, length uint64) {
	s.remove(va, length)
}

// EmapEnter implements Emap.EmapEnter.
func (s *Soft) EmapEnter(va hostarch.Addr, pa uint64) {
	s.enter(va, pa, hostarch.Read)
}

// EmapRemove implements Emap.EmapRemove.
func (s *Soft) EmapRemove(va hostarch.Addr, length uint64) {
	s.remove(va, length)
}

// flush empties c's TLB.
func (s *Soft) flush(c *cpu.CPU) {
	t := &s.tlbs[c.Index()]
	t.mu.Lock()
	clear(t.entries)
	t.mu.Unlock()
	s.syncs[c.Index()].Add(1)
}

// EmapSync implements Emap.EmapSync. The soft MMU has no address spaces to
// reload, so canLoad does not change what is flushed.
func (s *Soft) EmapSync(c *cpu.CPU, canLoad bool) {
	s.flush(c)
}

// Update implements Interface.Update. It flushes every CPU's TLB, and if a
// FlushObserver is set, records each flush with it.
func (s *Soft) Update() {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()

	var gen uint32
	if o != nil {
		// The generation must be fetched before any flush happens.
		gen = o.Current()
	}
	for _, c := range s.cpus.CPUs() {
		c.DisablePreemption()
		if o != nil {
			o.Update(c, gen)
		}
		s.flush(c)
		c.EnablePreemption()
	}
	s.shootdowns.Add(1)
}

// translate returns the translation of va on c, filling c's TLB on a miss.
func (s *Soft) translate(c *cpu.CPU, va hostarch.Addr) (pte, bool) {
	t := &s.tlbs[c.Index()]
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[va]; ok {
		return e, true
	}
	s.mu.Lock()
	e, ok := s.pt[va]
	s.mu.Unlock()
	if ok {
		t.entries[va] = e
	}
	return e, ok
}

// Read copies len(dst) bytes starting at va into dst, translating through c's
// TLB. It returns EFAULT if some page is neither cached nor mapped readable.
func (s *Soft) Read(c *cpu.CPU, va hostarch.Addr, dst []byte) error {
	for len(dst) > 0 {
		page := va.RoundDown()
		e, ok := s.translate(c, page)
		if !ok || !e.at.Read {
			return fmt.Errorf("read at %v on %v: %w", va, c, linuxerr.EFAULT)
		}
		n := copy(dst, s.mem.Slice(e.pa)[va.PageOffset():])
		dst = dst[n:]
		va += hostarch.Addr(n)
	}
	return nil
}

// Mapped returns the physical address va is mapped to in the page table.
func (s *Soft) Mapped(va hostarch.Addr) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pt[va.RoundDown()]
	return e.pa, ok
}

// Syncs returns the number of times c's TLB was flushed.
func (s *Soft) Syncs(c *cpu.CPU) uint64 {
	return s.syncs[c.Index()].Load()
}

// Shootdowns returns the number of all-CPU flushes.
func (s *Soft) Shootdowns() uint64 {
	return s.shootdowns.Load()
}
