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

// Package cpu models the processors and light-weight processes (LWPs) that
// the ephemeral mapping generation protocol reasons about.
//
// A CPU carries a preemption lock: code that would run with kernel preemption
// disabled on that CPU holds the lock instead, which serializes it against
// every other LWP running there. An LWP runs on exactly one CPU at a time and
// is owned by a single goroutine; it is not safe for concurrent use.
package cpu

import (
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/atomicbitops"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/sync"
)

// CPU is a simulated processor.
type CPU struct {
	index int

	// preempt is held while preemption is disabled on this CPU.
	preempt sync.Mutex

	// emapGen is the last ephemeral mapping generation this CPU has
	// synchronized its TLB to. It is written with preemption disabled and
	// may be read racily for reporting.
	emapGen atomicbitops.Uint32
}

// Index returns the position of c in its Set.
func (c *CPU) Index() int {
	return c.index
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.index)
}

// DisablePreemption enters a section that no other LWP on c can interleave
// with.
func (c *CPU) DisablePreemption() {
	c.preempt.Lock()
}

// EnablePreemption leaves a section entered by DisablePreemption.
func (c *CPU) EnablePreemption() {
	c.preempt.Unlock()
}

// EmapGen returns the CPU's ephemeral mapping generation.
func (c *CPU) EmapGen() uint32 {
	return c.emapGen.Load()
}

// SetEmapGen sets the CPU's ephemeral mapping generation.
//
// Preconditions: preemption is disabled on c, or c is not yet in use.
func (c *CPU) SetEmapGen(gen uint32) {
	c.emapGen.Store(gen)
}

// SwitchHook is called whenever an LWP resumes on a CPU, with preemption
// disabled on that CPU.
type SwitchHook func(l *LWP)

// Set is a fixed collection of CPUs and the LWPs scheduled on them.
type Set struct {
	cpus []*CPU

	// lwp0 is the boot LWP. It runs on the first CPU.
	lwp0 *LWP

	mu sync.Mutex

	// hooks are run by Migrate. Protected by mu.
	hooks []SwitchHook

	// nextID is the ID of the next LWP. Protected by mu.
	nextID int
}

// NewSet returns a Set of n CPUs.
func NewSet(n int) *Set {
	if n <= 0 {
		panic(fmt.Sprintf("invalid CPU count %d", n))
	}
	s := &Set{cpus: make([]*CPU, n)}
	for i := range s.cpus {
		s.cpus[i] = &CPU{index: i}
	}
	s.lwp0 = s.NewLWP(s.cpus[0])
	return s
}

// Len returns the number of CPUs.
func (s *Set) Len() int {
	return len(s.cpus)
}

// CPU returns the CPU with the given index.
func (s *Set) CPU(i int) *CPU {
	return s.cpus[i]
}

// CPUs returns all CPUs in index order.
func (s *Set) CPUs() []*CPU {
	return s.cpus
}

// LWP0 returns the boot LWP.
func (s *Set) LWP0() *LWP {
	return s.lwp0
}

// RegisterSwitchHook adds fn to the hooks run when an LWP migrates.
func (s *Set) RegisterSwitchHook(fn SwitchHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// NewLWP creates an LWP running on c. Its ephemeral mapping generation starts
// inactive.
func (s *Set) NewLWP(c *CPU) *LWP {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &LWP{id: s.nextID, set: s, cpu: c}
	s.nextID++
	return l
}

// LWP is a simulated light-weight process.
type LWP struct {
	id  int
	set *Set
	cpu *CPU

	// emapGen is the last ephemeral mapping generation this LWP has
	// observed as synchronized.
	emapGen atomicbitops.Uint32
}

// ID returns the LWP's identifier, unique within its Set.
func (l *LWP) ID() int {
	return l.id
}

// String implements fmt.Stringer.String.
func (l *LWP) String() string {
	return fmt.Sprintf("lwp%d@%v", l.id, l.cpu)
}

// CPU returns the CPU l is running on.
func (l *LWP) CPU() *CPU {
	return l.cpu
}

// EmapGen returns the LWP's ephemeral mapping generation.
func (l *LWP) EmapGen() uint32 {
	return l.emapGen.Load()
}

// SetEmapGen sets the LWP's ephemeral mapping generation.
func (l *LWP) SetEmapGen(gen uint32) {
	l.emapGen.Store(gen)
}

// Migrate moves l to the CPU to and resumes it there, running the Set's
// switch hooks with preemption disabled on to.
func (l *LWP) Migrate(to *CPU) {
	l.cpu = to
	l.set.mu.Lock()
	hooks := l.set.hooks
	l.set.mu.Unlock()

	to.DisablePreemption()
	defer to.EnablePreemption()
	for _, fn := range hooks {
		fn(l)
	}
}
