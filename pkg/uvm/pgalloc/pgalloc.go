// Copyright 2018 The gVisor Authors.
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

// Package pgalloc contains the page allocator backing pageable objects.
//
// A MemoryFile is a fixed-capacity file whose page-sized frames stand in for
// physical pages. Frames are identified by their offset into the file (their
// "physical address"), and the whole file is mapped into the process once so
// that frame contents can be accessed without further system calls.
package pgalloc

import (
	"fmt"
	"os"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/atomicbitops"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/errors/linuxerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/metric"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/sync"
	"golang.org/x/sys/unix"
)

var (
	allocatedPages = metric.MustCreateNewUint64Metric("/uvm/pgalloc/allocated", "Number of page frames handed out by memory files.")

	// usedPages is the number of frames currently in use across all
	// MemoryFiles.
	usedPages atomicbitops.Int64
)

func init() {
	metric.MustRegisterCustomUint64Metric("/uvm/pgalloc/used_pages", false /* cumulative */, "Number of page frames currently in use.", func() uint64 {
		return uint64(usedPages.Load())
	})
}

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// MaxPages is the capacity of the file in pages. It must be positive.
	MaxPages uint64
}

// MemoryFile is a memory-backed file used as a pool of page frames.
type MemoryFile struct {
	// file is the backing file. It is immutable.
	file *os.File

	// mapping is a shared read-write mapping of the whole file. It is
	// immutable until Destroy.
	mapping []byte

	// maxPages is the capacity of the file. It is immutable.
	maxPages uint64

	mu sync.Mutex

	// freeCond is signalled whenever a frame is freed or the file is
	// destroyed. Its lock is mu.
	freeCond *sync.Cond

	// free is a stack of released frames. Protected by mu.
	free []uint64

	// next is the offset of the first frame that has never been handed
	// out. Protected by mu.
	next uint64

	// used is the number of frames currently allocated. Protected by mu.
	used uint64

	// destroyed is set by Destroy. Protected by mu.
	destroyed bool
}

// NewMemoryFile creates a MemoryFile backed by the given file. The file is
// resized to opts.MaxPages pages. On success, ownership of file is transferred
// to the returned MemoryFile.
func NewMemoryFile(file *os.File, opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.MaxPages == 0 {
		return nil, fmt.Errorf("memory file must have at least one page: %w", linuxerr.EINVAL)
	}
	size := opts.MaxPages * hostarch.PageSize
	if err := file.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("truncating memory file to %d bytes: %w", size, err)
	}
	mapping, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping memory file: %w", err)
	}
	f := &MemoryFile{
		file:     file,
		mapping:  mapping,
		maxPages: opts.MaxPages,
	}
	f.freeCond = sync.NewCond(&f.mu)
	return f, nil
}

// File returns the backing file. Frames can be mapped from it at their
// physical address.
func (f *MemoryFile) File() *os.File {
	return f.file
}

// MaxPages returns the capacity of the file in pages.
func (f *MemoryFile) MaxPages() uint64 {
	return f.maxPages
}

// Allocate returns the physical address of a zeroed free frame. If no frame is
// available, it returns ENOMEM; callers that may block should call
// WaitForFree and retry.
func (f *MemoryFile) Allocate() (uint64, error) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return 0, linuxerr.ENOMEM
	}
	var (
		pa     uint64
		reused bool
	)
	switch {
	case len(f.free) > 0:
		pa = f.free[len(f.free)-1]
		f.free = f.free[:len(f.free)-1]
		reused = true
	case f.next < f.maxPages*hostarch.PageSize:
		pa = f.next
		f.next += hostarch.PageSize
	default:
		f.mu.Unlock()
		return 0, linuxerr.ENOMEM
	}
	f.used++
	f.mu.Unlock()

	if reused {
		// Frames that were never handed out are still zero from the
		// truncate in NewMemoryFile.
		clear(f.Slice(pa))
	}
	usedPages.Add(1)
	allocatedPages.Increment()
	return pa, nil
}

// Free returns the frame at pa to the pool.
//
// Preconditions: pa was returned by Allocate and has not been freed since.
func (f *MemoryFile) Free(pa uint64) {
	if pa%hostarch.PageSize != 0 || pa >= f.maxPages*hostarch.PageSize {
		panic(fmt.Sprintf("freeing invalid frame %#x", pa))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used == 0 {
		panic(fmt.Sprintf("freeing frame %#x with no frames in use", pa))
	}
	f.free = append(f.free, pa)
	f.used--
	usedPages.Add(-1)
	f.freeCond.Broadcast()
}

// WaitForFree blocks until at least one frame is free or the file is
// destroyed. The caller must not hold any lock that Free's callers need.
func (f *MemoryFile) WaitForFree() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.destroyed && f.used == f.maxPages {
		f.freeCond.Wait()
	}
}

// UsedPages returns the number of frames currently allocated.
func (f *MemoryFile) UsedPages() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}

// Slice returns the contents of the frame at pa.
func (f *MemoryFile) Slice(pa uint64) []byte {
	return f.mapping[pa : pa+hostarch.PageSize : pa+hostarch.PageSize]
}

// Destroy releases the mapping and closes the backing file. Waiters in
// WaitForFree are woken and subsequent allocations fail.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	usedPages.Add(-int64(f.used))
	f.freeCond.Broadcast()
	f.mu.Unlock()

	if err := unix.Munmap(f.mapping); err != nil {
		log.Warningf("Failed to unmap memory file: %v", err)
	}
	f.mapping = nil
	if err := f.file.Close(); err != nil {
		log.Warningf("Failed to close memory file: %v", err)
	}
}
