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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/atomicbitops"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/cpu"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/vnode"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/uvmctl/config"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	lwps        int
	iterations  int
	windowPages int
	migrate     int
	seed        uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "read a file concurrently through ephemeral mappings and verify the contents"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] <file> - run concurrent readers over the file.

Each reader runs as its own LWP, maps random windows of the file, checks them
against the file contents and migrates between CPUs every few iterations.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.lwps, "lwps", 4, "number of concurrent readers.")
	f.IntVar(&s.iterations, "iterations", 1000, "number of windows each reader maps.")
	f.IntVar(&s.windowPages, "window-pages", 4, "maximum size of each window in pages.")
	f.IntVar(&s.migrate, "migrate-every", 8, "number of iterations between CPU migrations, 0 to never migrate.")
	f.Uint64Var(&s.seed, "seed", 0, "random seed, 0 to pick one from the clock.")
}

// stressStats are the counters shared by all readers.
type stressStats struct {
	windows    atomicbitops.Uint64
	bytes      atomicbitops.Uint64
	migrations atomicbitops.Uint64
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || s.lwps < 1 || s.iterations < 0 || s.windowPages < 1 || s.migrate < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	path := f.Arg(0)

	want, err := os.ReadFile(path)
	if err != nil {
		Fatalf("reading %q: %v", path, err)
	}
	if len(want) == 0 {
		Fatalf("%q is empty", path)
	}

	npages := uint64(len(want)+hostarch.PageSize-1) / hostarch.PageSize
	if need := npages + uint64(s.lwps*s.windowPages); need > conf.MemoryPages {
		Fatalf("%q needs %d page frames to stay resident, have %d (see --memory-pages)", path, need, conf.MemoryPages)
	}

	sys, err := newSystem(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer sys.Release()

	v, file, err := sys.openFile(ctx, path, true /* readOnly */)
	if err != nil {
		Fatalf("%v", err)
	}
	defer file.Close()
	defer v.Release(ctx)

	seed := s.seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	log.Infof("Stress: %d LWPs, %d iterations, seed %d", s.lwps, s.iterations, seed)

	var stats stressStats
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.lwps; i++ {
		l := sys.cpus.NewLWP(sys.cpus.CPU(i % sys.cpus.Len()))
		rng := rand.New(rand.NewPCG(seed, uint64(i)))
		g.Go(func() error {
			return s.run(gctx, sys, v, l, rng, want, &stats)
		})
	}
	if err := g.Wait(); err != nil {
		Fatalf("%v", err)
	}

	fmt.Printf("%d windows, %d bytes verified, %d migrations in %v\n",
		stats.windows.Load(), stats.bytes.Load(), stats.migrations.Load(), time.Since(start).Round(time.Millisecond))
	return subcommands.ExitSuccess
}

// run is the body of one reader.
func (s *Stress) run(ctx context.Context, sys *system, v *vnode.Vnode, l *cpu.LWP, rng *rand.Rand, want []byte, stats *stressStats) error {
	npages := (len(want) + hostarch.PageSize - 1) / hostarch.PageSize
	buf := make([]byte, s.windowPages*hostarch.PageSize)
	for it := 0; it < s.iterations; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.migrate > 0 && it > 0 && it%s.migrate == 0 && sys.cpus.Len() > 1 {
			l.Migrate(sys.cpus.CPU(rng.IntN(sys.cpus.Len())))
			stats.migrations.Add(1)
		}

		off := uint64(rng.IntN(npages)) * hostarch.PageSize
		size := (1 + rng.IntN(s.windowPages)) * hostarch.PageSize
		n, err := sys.copyOut(ctx, l, v, off, buf[:size])
		if err != nil {
			return fmt.Errorf("%v: reading %#x bytes at %#x: %w", l, size, off, err)
		}
		end := min(int(off)+size, len(want))
		if n != end-int(off) {
			return fmt.Errorf("%v: read %d bytes at %#x, want %d", l, n, off, end-int(off))
		}
		if !bytes.Equal(buf[:n], want[off:end]) {
			return fmt.Errorf("%v: contents at %#x differ from the file", l, off)
		}
		stats.windows.Add(1)
		stats.bytes.Add(uint64(n))
	}
	return nil
}
