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
	"context"
	"flag"
	"os"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/vnode"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/uvmctl/config"
	"github.com/google/subcommands"
)

// Cat implements subcommands.Command for the "cat" command.
type Cat struct {
	windowPages int
}

// Name implements subcommands.Command.Name.
func (*Cat) Name() string {
	return "cat"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Cat) Synopsis() string {
	return "print a file read through the page cache and ephemeral mappings"
}

// Usage implements subcommands.Command.Usage.
func (*Cat) Usage() string {
	return `cat [flags] <file> - print the file to stdout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Cat) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.windowPages, "window", 16, "size of each mapping window in pages.")
}

// Execute implements subcommands.Command.Execute.
func (c *Cat) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || c.windowPages < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	sys, err := newSystem(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer sys.Release()

	v, file, err := sys.openFile(ctx, f.Arg(0), true /* readOnly */)
	if err != nil {
		Fatalf("%v", err)
	}
	defer file.Close()
	defer v.Release(ctx)

	l := sys.cpus.LWP0()
	buf := make([]byte, c.windowPages*hostarch.PageSize)
	for off := uint64(0); ; off += uint64(len(buf)) {
		n, err := sys.copyOut(ctx, l, v, off, buf)
		if err != nil {
			Fatalf("reading %q at %#x: %v", f.Arg(0), off, err)
		}
		if n == 0 {
			break
		}
		if _, err := os.Stdout.Write(buf[:n]); err != nil {
			Fatalf("writing to stdout: %v", err)
		}

		// Drop the pages behind the window so files larger than memory can
		// be read.
		v.Lock()
		if err := v.Put(ctx, off, off+uint64(len(buf)), vnode.PutFree); err != nil {
			Fatalf("releasing pages of %q at %#x: %v", f.Arg(0), off, err)
		}
	}
	return subcommands.ExitSuccess
}
