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
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/readahead"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/vnode"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/uvmctl/config"
	"github.com/google/subcommands"
)

// Truncate implements subcommands.Command for the "truncate" command.
type Truncate struct {
	size    string
	preload bool
}

// Name implements subcommands.Command.Name.
func (*Truncate) Name() string {
	return "truncate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Truncate) Synopsis() string {
	return "change the size of a file through the page cache"
}

// Usage implements subcommands.Command.Usage.
func (*Truncate) Usage() string {
	return `truncate -size <size> [flags] <file> - shrink or extend the file.

The size may have a K, M or G suffix.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Truncate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.size, "size", "", "new size of the file.")
	f.BoolVar(&t.preload, "preload", true, "load every page of the file into the cache first.")
}

// Execute implements subcommands.Command.Execute.
func (t *Truncate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || t.size == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	newSize, err := parseSize(t.size)
	if err != nil {
		Fatalf("%v", err)
	}
	conf := args[0].(*config.Config)

	sys, err := newSystem(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer sys.Release()

	v, file, err := sys.openFile(ctx, f.Arg(0), false /* readOnly */)
	if err != nil {
		Fatalf("%v", err)
	}
	defer file.Close()

	v.Lock()
	oldSize := v.Size()
	v.Unlock()
	if pages := uint64(oldSize+hostarch.PageSize-1) / hostarch.PageSize; t.preload && pages > conf.MemoryPages/2 {
		log.Infof("Not preloading %q: %d pages do not fit in half of memory", f.Arg(0), pages)
	} else if t.preload {
		if err := preload(ctx, v, oldSize); err != nil {
			Fatalf("loading %q: %v", f.Arg(0), err)
		}
	}

	if newSize >= oldSize {
		v.SetWriteSize(newSize)
		if err := file.Truncate(newSize); err != nil {
			Fatalf("extending %q: %v", f.Arg(0), err)
		}
		if err := v.SetSize(ctx, newSize); err != nil {
			Fatalf("%v", err)
		}
	} else {
		if err := v.SetSize(ctx, newSize); err != nil {
			Fatalf("%v", err)
		}
		// Clear the tail of the last page so it does not come back if
		// the file grows again.
		if tail := uint64(newSize) % hostarch.PageSize; tail != 0 {
			if err := v.ZeroRange(ctx, uint64(newSize), hostarch.PageSize-tail); err != nil {
				Fatalf("zeroing the tail of %q: %v", f.Arg(0), err)
			}
		}
		if err := file.Truncate(newSize); err != nil {
			Fatalf("truncating %q: %v", f.Arg(0), err)
		}
	}

	v.Lock()
	resident := v.NumPages()
	v.Unlock()
	if err := v.Release(ctx); err != nil {
		Fatalf("%v", err)
	}
	fmt.Printf("%s: %d -> %d bytes, %d pages resident before release\n", f.Arg(0), oldSize, newSize, resident)
	return subcommands.ExitSuccess
}

// preload reads every page of v below size into the cache.
func preload(ctx context.Context, v *vnode.Vnode, size int64) error {
	const batch = 16
	for off := uint64(0); off < uint64(size); off += batch * hostarch.PageSize {
		pgs := make([]*uvm.Page, batch)
		v.Lock()
		if _, err := v.Get(ctx, off, pgs, batch, 0, hostarch.Read, readahead.AdviceSequential, vnode.GetAllPages); err != nil {
			return err
		}
		v.Lock()
		v.UnbusyPages(pgs)
		v.Unlock()
	}
	return nil
}
