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

// Package uvm contains the pageable object abstraction shared by the vnode
// pager and the ephemeral mapping allocator.
//
// An Object owns a set of resident Pages keyed by offset. The object lock
// protects the page set and every page's flags. A page's PageBusy flag is an
// exclusive token on top of that: only its holder may fill, write back or free
// the page, and the holder may do so with the object lock dropped.
//
// Lock order:
//
//	Object.mu
//	  pgalloc.MemoryFile.mu
package uvm

import (
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/atomicbitops"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/metric"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/sync"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/pgalloc"
	"github.com/google/btree"
)

var pagesFreed = metric.MustCreateNewUint64Metric("/uvm/object/pages_freed", "Number of resident pages freed from pageable objects.")

// btreeDegree is the degree of the resident page index.
const btreeDegree = 16

func lessByOffset(a, b *Page) bool {
	return a.offset < b.offset
}

// Object is a pageable object. The zero value is not usable; use Init.
type Object struct {
	mu sync.Mutex

	// cond is broadcast when a wanted page is unbusied or freed. Its lock
	// is mu.
	cond *sync.Cond

	// owner identifies the current holding of mu, or is 0 if mu is not
	// held. It is preserved across waits that drop mu internally.
	owner atomicbitops.Uint64

	// nextOwner is the next holding identifier. Protected by mu.
	nextOwner uint64

	// mem provides page frames. It is immutable.
	mem *pgalloc.MemoryFile

	// pages is the set of resident pages, keyed by offset. Protected by
	// mu.
	pages *btree.BTreeG[*Page]
}

// Init initializes o to allocate pages from mem.
func (o *Object) Init(mem *pgalloc.MemoryFile) {
	o.cond = sync.NewCond(&o.mu)
	o.mem = mem
	o.pages = btree.NewG(btreeDegree, lessByOffset)
}

// MemoryFile returns the memory file pages are allocated from.
func (o *Object) MemoryFile() *pgalloc.MemoryFile {
	return o.mem
}

// Lock locks the object.
func (o *Object) Lock() {
	o.mu.Lock()
	o.nextOwner++
	o.owner.Store(o.nextOwner)
}

// Unlock unlocks the object.
func (o *Object) Unlock() {
	if o.owner.Load() == 0 {
		panic("unlock of unlocked object")
	}
	o.owner.Store(0)
	o.mu.Unlock()
}

// Owner returns an identifier of the current holding of the object lock, or
// 0 if the lock is not held. Callers compare identifiers taken before and
// after handing the lock to a callee to check the callee's locking contract;
// the identifier survives WaitBusy and WaitForMemory.
func (o *Object) Owner() uint64 {
	return o.owner.Load()
}

// AssertLocked panics if the object is not locked.
func (o *Object) AssertLocked() {
	if o.owner.Load() == 0 {
		panic("object is not locked")
	}
}

// wait blocks on o.cond.
//
// Preconditions: o is locked.
func (o *Object) wait() {
	tok := o.owner.Load()
	o.owner.Store(0)
	o.cond.Wait()
	o.owner.Store(tok)
}

// Lookup returns the resident page at off, or nil.
//
// Preconditions: o is locked.
func (o *Object) Lookup(off uint64) *Page {
	pg, _ := o.pages.Get(&Page{offset: off})
	return pg
}

// NextPage returns the resident page with the lowest offset >= off, or nil.
//
// Preconditions: o is locked.
func (o *Object) NextPage(off uint64) *Page {
	var next *Page
	o.pages.AscendGreaterOrEqual(&Page{offset: off}, func(pg *Page) bool {
		next = pg
		return false
	})
	return next
}

// ForEachPage calls fn on every resident page in offset order until fn
// returns false. fn must not add or free pages.
//
// Preconditions: o is locked.
func (o *Object) ForEachPage(fn func(pg *Page) bool) {
	o.pages.Ascend(func(pg *Page) bool {
		return fn(pg)
	})
}

// NumPages returns the number of resident pages.
//
// Preconditions: o is locked.
func (o *Object) NumPages() int {
	return o.pages.Len()
}

// AllocPage allocates a zeroed page at off and inserts it busy, clean and
// fake. It returns ENOMEM if no frame is available.
//
// Preconditions:
//   - o is locked.
//   - off is page-aligned.
//   - No page is resident at off.
func (o *Object) AllocPage(off uint64) (*Page, error) {
	if !hostarch.IsPageAligned(off) {
		panic(fmt.Sprintf("unaligned page offset %#x", off))
	}
	pa, err := o.mem.Allocate()
	if err != nil {
		return nil, err
	}
	pg := &Page{
		offset: off,
		pa:     pa,
		obj:    o,
		flags:  PageBusy | PageClean | PageFake,
		owner:  "alloc",
	}
	if _, dup := o.pages.ReplaceOrInsert(pg); dup {
		panic(fmt.Sprintf("page at offset %#x already resident", off))
	}
	return pg, nil
}

// FreePage removes pg from the object and returns its frame.
//
// Preconditions:
//   - o is locked.
//   - pg is busy and held by the caller.
func (o *Object) FreePage(pg *Page) {
	if !pg.Busy() {
		panic(fmt.Sprintf("freeing %v which is not busy", pg))
	}
	if _, ok := o.pages.Delete(pg); !ok {
		panic(fmt.Sprintf("freeing %v which is not resident", pg))
	}
	wanted := pg.flags&PageWanted != 0
	pg.flags = 0
	pg.owner = ""
	o.mem.Free(pg.pa)
	pagesFreed.Increment()
	if wanted {
		o.cond.Broadcast()
	}
}

// Unbusy releases the caller's hold on pg and wakes waiters.
//
// Preconditions:
//   - o is locked.
//   - pg is busy and held by the caller.
func (o *Object) Unbusy(pg *Page) {
	if !pg.Busy() {
		panic(fmt.Sprintf("unbusying %v which is not busy", pg))
	}
	wanted := pg.flags&PageWanted != 0
	pg.flags &^= PageBusy | PageWanted
	pg.owner = ""
	if wanted {
		o.cond.Broadcast()
	}
}

// UnbusyPages calls Unbusy on every non-nil page in pgs.
//
// Preconditions: As for Unbusy.
func (o *Object) UnbusyPages(pgs []*Page) {
	for _, pg := range pgs {
		if pg != nil {
			o.Unbusy(pg)
		}
	}
}

// WaitBusy waits until pg is no longer busy or has been freed, dropping the
// object lock while asleep. pg may be gone from the object on return.
//
// Preconditions: o is locked.
func (o *Object) WaitBusy(pg *Page) {
	for pg.Busy() {
		pg.flags |= PageWanted
		o.wait()
	}
}

// WaitForMemory drops the object lock until a page frame is free.
//
// Preconditions: o is locked.
func (o *Object) WaitForMemory() {
	tok := o.owner.Load()
	o.owner.Store(0)
	o.mu.Unlock()
	o.mem.WaitForFree()
	o.mu.Lock()
	o.owner.Store(tok)
}
