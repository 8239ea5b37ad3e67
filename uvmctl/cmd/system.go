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
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/cleanup"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/cpu"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/emap"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/genfs"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/hostfile"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/pgalloc"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/pmap"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/vnode"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/uvmctl/config"
)

// system is the memory system a command runs against: a page cache, CPUs, a
// pmap and an ephemeral mapping allocator.
type system struct {
	conf *config.Config
	mem  *pgalloc.MemoryFile
	cpus *cpu.Set
	pmap pmap.Interface
	emap *emap.Emap

	// read copies mapped memory at va into dst as seen from c.
	read func(c *cpu.CPU, va hostarch.Addr, dst []byte) error

	release func()
}

// newSystem builds a system from conf.
func newSystem(conf *config.Config) (*system, error) {
	mem, err := pgalloc.NewMemfd("uvmctl", pgalloc.MemoryFileOpts{MaxPages: conf.MemoryPages})
	if err != nil {
		return nil, fmt.Errorf("creating memory file: %w", err)
	}
	cu := cleanup.Make(mem.Destroy)
	defer cu.Clean()

	s := &system{
		conf: conf,
		mem:  mem,
		cpus: cpu.NewSet(conf.NumCPUs),
	}
	switch conf.Pmap {
	case config.PmapSoft:
		soft := pmap.NewSoft(s.cpus, mem)
		s.pmap = soft
		s.read = soft.Read
	case config.PmapHost:
		host := pmap.NewHost(mem)
		cu.Add(host.Release)
		s.pmap = host
		s.read = func(_ *cpu.CPU, va hostarch.Addr, dst []byte) error {
			copy(dst, host.Bytes(va, uint64(len(dst))))
			return nil
		}
	default:
		return nil, fmt.Errorf("invalid pmap %v", conf.Pmap)
	}

	e, err := emap.New(s.cpus, s.pmap, emap.Opts{Size: conf.EmapSize, Strategy: conf.EmapStrategy})
	if err != nil {
		return nil, fmt.Errorf("creating emap: %w", err)
	}
	cu.Add(e.Destroy)
	s.emap = e

	log.Infof("System: %d CPUs, %d page frames, pmap %v, emap fast=%t", s.cpus.Len(), conf.MemoryPages, conf.Pmap, e.Fast())
	s.release = cu.Release()
	return s, nil
}

// Release tears the system down.
func (s *system) Release() {
	s.release()
}

// openFile opens the host file at path and a vnode caching it. The caller
// must release the vnode and then close the file.
func (s *system) openFile(ctx context.Context, path string, readOnly bool) (*vnode.Vnode, *hostfile.File, error) {
	f, err := hostfile.Open(path, hostfile.Opts{ReadOnly: readOnly, NoWait: true})
	if err != nil {
		return nil, nil, err
	}
	cu := cleanup.Make(func() { f.Close() })
	defer cu.Clean()

	size, err := f.Size()
	if err != nil {
		return nil, nil, fmt.Errorf("stat %q: %w", path, err)
	}
	v := vnode.New(path, vnode.Regular, s.mem, &genfs.Ops{File: f})
	if err := v.SetSize(ctx, size); err != nil {
		return nil, nil, err
	}
	cu.Release()
	return v, f, nil
}

// copyOut reads up to len(dst) bytes of v at off into dst through an
// ephemeral mapping window, as l. off must be page-aligned. It returns the
// number of bytes copied, which is short only at the end of the file.
func (s *system) copyOut(ctx context.Context, l *cpu.LWP, v *vnode.Vnode, off uint64, dst []byte) (int, error) {
	npages := int((uint64(len(dst)) + hostarch.PageSize - 1) / hostarch.PageSize)
	pgs := make([]*uvm.Page, npages)
	v.Lock()
	size := v.Size()
	if off >= uint64(size) {
		v.Unlock()
		return 0, nil
	}
	if _, err := v.Get(ctx, off, pgs, npages, 0, hostarch.Read, s.conf.Advice(), vnode.GetAllPages); err != nil {
		return 0, err
	}
	defer func() {
		v.Lock()
		v.UnbusyPages(pgs)
		v.Unlock()
	}()

	n := 0
	for n < len(pgs) && pgs[n] != nil {
		n++
	}
	wsize := uint64(n) * hostarch.PageSize
	va, err := s.emap.Alloc(wsize, true)
	if err != nil {
		return 0, err
	}
	defer s.emap.Free(va, wsize)
	s.emap.Enter(va, pgs[:n])
	defer s.emap.Remove(va, wsize)
	s.emap.Consume(l, s.emap.Produce())

	count := min(uint64(len(dst)), wsize, uint64(size)-off)
	if err := s.read(l.CPU(), va, dst[:count]); err != nil {
		return 0, err
	}
	return int(count), nil
}
