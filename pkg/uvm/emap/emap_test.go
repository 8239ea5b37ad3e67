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

import (
	"bytes"
	"math"
	"testing"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/errors/linuxerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/cpu"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/pgalloc"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/pmap"
)

type testEnv struct {
	cpus *cpu.Set
	soft *pmap.Soft
	obj  *uvm.Object
	e    *Emap
}

func newEnv(t *testing.T, ncpus int, opts Opts, wrap func(*pmap.Soft) pmap.Interface) *testEnv {
	t.Helper()
	mf, err := pgalloc.NewMemfd("emap-test", pgalloc.MemoryFileOpts{MaxPages: 8})
	if err != nil {
		t.Fatalf("NewMemfd failed: %v", err)
	}
	t.Cleanup(mf.Destroy)
	env := &testEnv{cpus: cpu.NewSet(ncpus), obj: &uvm.Object{}}
	env.obj.Init(mf)
	env.soft = pmap.NewSoft(env.cpus, mf)
	var pm pmap.Interface = env.soft
	if wrap != nil {
		pm = wrap(env.soft)
	}
	env.e, err = New(env.cpus, pm, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(env.e.Destroy)
	return env
}

// pages allocates n pages filled with the bytes of fill.
func (env *testEnv) pages(t *testing.T, fill string) []*uvm.Page {
	t.Helper()
	env.obj.Lock()
	defer env.obj.Unlock()
	var pgs []*uvm.Page
	for i := 0; i < len(fill); i++ {
		pg, err := env.obj.AllocPage(uint64(env.obj.NumPages()) * hostarch.PageSize)
		if err != nil {
			t.Fatalf("AllocPage failed: %v", err)
		}
		copy(pg.Bytes(), bytes.Repeat([]byte{fill[i]}, hostarch.PageSize))
		pgs = append(pgs, pg)
	}
	return pgs
}

func TestInitialGenerations(t *testing.T) {
	env := newEnv(t, 4, Opts{Size: 16 * hostarch.PageSize}, nil)
	if got := env.e.Current(); got != 1 {
		t.Errorf("Current = %d, want 1", got)
	}
	for _, c := range env.cpus.CPUs() {
		if got := c.EmapGen(); got != 1 {
			t.Errorf("%v generation = %d, want 1", c, got)
		}
	}
	if got := env.cpus.LWP0().EmapGen(); got != 1 {
		t.Errorf("LWP0 generation = %d, want 1", got)
	}
}

func TestProduceMonotonic(t *testing.T) {
	env := newEnv(t, 1, Opts{Size: 16 * hostarch.PageSize}, nil)
	prev := env.e.Current()
	for i := 0; i < 1000; i++ {
		gen := env.e.Produce()
		if gen == Inactive {
			t.Fatalf("Produce returned Inactive")
		}
		if GenAtLeast(prev, gen) {
			t.Fatalf("Produce returned %d after %d", gen, prev)
		}
		prev = gen
	}
}

func TestProduceSkipsInactive(t *testing.T) {
	env := newEnv(t, 1, Opts{Size: 16 * hostarch.PageSize}, nil)
	env.e.gen.Store(math.MaxUint32)
	if got := env.e.Produce(); got != 1 {
		t.Errorf("Produce after the last generation = %d, want 1", got)
	}
	if !GenAtLeast(1, math.MaxUint32) {
		t.Errorf("GenAtLeast(1, MaxUint32) = false across wraparound")
	}

	env.e.gen.Store(Inactive)
	if got := env.e.Current(); got != 1 {
		t.Errorf("Current with an inactive counter = %d, want 1", got)
	}
}

func TestGenAtLeast(t *testing.T) {
	for _, tc := range []struct {
		a, b uint32
		want bool
	}{
		{a: 5, b: 5, want: true},
		{a: 6, b: 5, want: true},
		{a: 5, b: 6, want: false},
		{a: 2, b: math.MaxUint32 - 1, want: true},
		{a: math.MaxUint32 - 1, b: 2, want: false},
	} {
		if got := GenAtLeast(tc.a, tc.b); got != tc.want {
			t.Errorf("GenAtLeast(%d, %d) = %t, want %t", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestAllocFree(t *testing.T) {
	env := newEnv(t, 1, Opts{Size: 4 * hostarch.PageSize}, nil)
	for _, size := range []uint64{hostarch.PageSize, 2 * hostarch.PageSize, 4 * hostarch.PageSize} {
		va, err := env.e.Alloc(size, true)
		if err != nil {
			t.Fatalf("Alloc(%#x) failed: %v", size, err)
		}
		env.e.Free(va, size)
		again, err := env.e.Alloc(size, true)
		if err != nil {
			t.Fatalf("second Alloc(%#x) failed: %v", size, err)
		}
		if again != va {
			t.Errorf("second Alloc(%#x) = %v, want %v", size, again, va)
		}
		env.e.Free(again, size)
		if got := env.e.Arena().InUse(); got != 0 {
			t.Errorf("arena has %#x bytes in use after Free", got)
		}
	}
}

func TestAllocNoWait(t *testing.T) {
	env := newEnv(t, 1, Opts{Size: 2 * hostarch.PageSize}, nil)
	va, err := env.e.Alloc(2*hostarch.PageSize, false)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	got, err := env.e.Alloc(hostarch.PageSize, false)
	if got != 0 || !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Alloc on a full arena = (%v, %v), want (0, ENOMEM)", got, err)
	}
	env.e.Free(va, 2*hostarch.PageSize)
}

// TestConsumeOnSecondCPU enters a two page window, produces a generation and
// consumes it on another CPU.
func TestConsumeOnSecondCPU(t *testing.T) {
	env := newEnv(t, 2, Opts{Size: 16 * hostarch.PageSize}, nil)
	reader := env.cpus.NewLWP(env.cpus.CPU(1))
	c1 := env.cpus.CPU(1)

	va, err := env.e.Alloc(2*hostarch.PageSize, true)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	env.e.Enter(va, env.pages(t, "pq"))
	gen := env.e.Produce()

	before := env.soft.Syncs(c1)
	env.e.Consume(reader, gen)
	if got := c1.EmapGen(); got != gen {
		t.Errorf("cpu1 generation = %d, want %d", got, gen)
	}
	if got := reader.EmapGen(); got != gen {
		t.Errorf("reader generation = %d, want %d", got, gen)
	}
	if got := env.soft.Syncs(c1) - before; got != 1 {
		t.Errorf("first Consume synced %d times, want 1", got)
	}

	buf := make([]byte, 2*hostarch.PageSize)
	if err := env.soft.Read(c1, va, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if buf[0] != 'p' || buf[hostarch.PageSize] != 'q' {
		t.Errorf("window contents = %q, %q; want 'p', 'q'", buf[0], buf[hostarch.PageSize])
	}

	env.e.Consume(reader, gen)
	if got := env.soft.Syncs(c1) - before; got != 1 {
		t.Errorf("second Consume synced, total %d syncs, want 1", got)
	}
	env.e.Remove(va, 2*hostarch.PageSize)
	env.e.Free(va, 2*hostarch.PageSize)
}

func TestConsumeMakesReplacedMappingVisible(t *testing.T) {
	env := newEnv(t, 2, Opts{Size: 16 * hostarch.PageSize}, nil)
	reader := env.cpus.NewLWP(env.cpus.CPU(1))
	c1 := env.cpus.CPU(1)
	pgs := env.pages(t, "ab")

	va, err := env.e.Alloc(hostarch.PageSize, true)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	env.e.Enter(va, pgs[:1])
	env.e.Consume(reader, env.e.Produce())
	buf := make([]byte, 1)
	if err := env.soft.Read(c1, va, buf); err != nil || buf[0] != 'a' {
		t.Fatalf("Read = (%q, %v), want ('a', nil)", buf, err)
	}

	// Reuse the window for another page. Until the reader consumes the new
	// generation, its CPU may still translate to the old page.
	env.e.Remove(va, hostarch.PageSize)
	env.e.Enter(va, pgs[1:])
	gen := env.e.Produce()
	if err := env.soft.Read(c1, va, buf); err != nil || buf[0] != 'a' {
		t.Fatalf("Read before Consume = (%q, %v), want the stale 'a'", buf, err)
	}
	env.e.Consume(reader, gen)
	if err := env.soft.Read(c1, va, buf); err != nil || buf[0] != 'b' {
		t.Errorf("Read after Consume = (%q, %v), want ('b', nil)", buf, err)
	}
}

func TestConsumeInactive(t *testing.T) {
	env := newEnv(t, 1, Opts{Size: 16 * hostarch.PageSize}, nil)
	l := env.cpus.NewLWP(env.cpus.CPU(0))
	env.e.Consume(l, Inactive)
	if got := l.EmapGen(); got != Inactive {
		t.Errorf("Consume(Inactive) changed the LWP generation to %d", got)
	}
	if got := env.soft.Syncs(env.cpus.CPU(0)); got != 0 {
		t.Errorf("Consume(Inactive) synced %d times", got)
	}
}

func TestSwitchSyncsBehindCPU(t *testing.T) {
	env := newEnv(t, 2, Opts{Size: 16 * hostarch.PageSize}, nil)
	c0, c1 := env.cpus.CPU(0), env.cpus.CPU(1)
	l := env.cpus.NewLWP(c0)

	// An LWP that never used emap does not cause a sync.
	l.Migrate(c1)
	if got := env.soft.Syncs(c1); got != 0 {
		t.Fatalf("Switch of an inactive LWP synced %d times", got)
	}
	l.Migrate(c0)

	gen := env.e.Produce()
	env.e.Consume(l, gen)
	if c1.EmapGen() == gen {
		t.Fatalf("cpu1 is already at generation %d", gen)
	}

	l.Migrate(c1)
	if got := env.soft.Syncs(c1); got != 1 {
		t.Errorf("Switch onto a behind CPU synced %d times, want 1", got)
	}
	if got := c1.EmapGen(); !GenAtLeast(got, gen) {
		t.Errorf("cpu1 generation after Switch = %d, want >= %d", got, gen)
	}

	// cpu1 is now up to date; migrating back and forth needs no syncs.
	l.Migrate(c0)
	l.Migrate(c1)
	if got := env.soft.Syncs(c1); got != 1 {
		t.Errorf("Switch onto an up to date CPU synced, total %d, want 1", got)
	}
}

func TestUpdateDonatesFlush(t *testing.T) {
	env := newEnv(t, 2, Opts{Size: 16 * hostarch.PageSize}, nil)
	reader := env.cpus.NewLWP(env.cpus.CPU(1))
	c1 := env.cpus.CPU(1)

	gen := env.e.Produce()
	// An unrelated full flush brings every CPU to the current generation.
	env.soft.Update()
	before := env.soft.Syncs(c1)
	env.e.Consume(reader, gen)
	if got := env.soft.Syncs(c1) - before; got != 0 {
		t.Errorf("Consume after a donated flush synced %d times, want 0", got)
	}
	if got := reader.EmapGen(); got != gen {
		t.Errorf("reader generation = %d, want %d", got, gen)
	}
}

func TestFallback(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts Opts
		wrap func(*pmap.Soft) pmap.Interface
	}{
		{name: "configured", opts: Opts{Size: 16 * hostarch.PageSize, Strategy: StrategyFallback}},
		{
			name: "no capability",
			opts: Opts{Size: 16 * hostarch.PageSize},
			wrap: func(s *pmap.Soft) pmap.Interface { return pmap.WithoutEmap(s) },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, 2, tc.opts, tc.wrap)
			if env.e.Fast() {
				t.Fatalf("Fast = true with the fallback strategy")
			}
			reader := env.cpus.NewLWP(env.cpus.CPU(1))
			va, err := env.e.Alloc(hostarch.PageSize, true)
			if err != nil {
				t.Fatalf("Alloc failed: %v", err)
			}
			env.e.Enter(va, env.pages(t, "f"))
			if got := env.soft.Shootdowns(); got != 1 {
				t.Errorf("Enter did %d shootdowns, want 1", got)
			}
			gen := env.e.Produce()
			if gen != Inactive {
				t.Errorf("Produce = %d, want Inactive", gen)
			}
			env.e.Consume(reader, gen)

			buf := make([]byte, 1)
			if err := env.soft.Read(env.cpus.CPU(1), va, buf); err != nil || buf[0] != 'f' {
				t.Errorf("Read = (%q, %v), want ('f', nil)", buf, err)
			}
			env.e.Remove(va, hostarch.PageSize)
			if got := env.soft.Shootdowns(); got != 2 {
				t.Errorf("Remove left %d shootdowns, want 2", got)
			}
			if _, ok := env.soft.Mapped(va); ok {
				t.Errorf("window still mapped after Remove")
			}
		})
	}
}

func TestFastRequiresCapability(t *testing.T) {
	mf, err := pgalloc.NewMemfd("emap-test", pgalloc.MemoryFileOpts{MaxPages: 1})
	if err != nil {
		t.Fatalf("NewMemfd failed: %v", err)
	}
	defer mf.Destroy()
	cpus := cpu.NewSet(1)
	pm := pmap.WithoutEmap(pmap.NewSoft(cpus, mf))
	if _, err := New(cpus, pm, Opts{Strategy: StrategyFast}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("New with StrategyFast and no capability got err %v, want EINVAL", err)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyAuto, StrategyFast, StrategyFallback} {
		got, err := ParseStrategy(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStrategy(%q) = (%v, %v), want %v", s.String(), got, err, s)
		}
	}
	if _, err := ParseStrategy("eager"); err == nil {
		t.Errorf("ParseStrategy(eager) succeeded")
	}
}
