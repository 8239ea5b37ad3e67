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

package vnode

import (
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/metric"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm"
)

var (
	findAllocs  = metric.MustCreateNewUint64Metric("/uvm/findpage/allocs", "Number of pages allocated by page lookups.")
	findWaits   = metric.MustCreateNewUint64Metric("/uvm/findpage/waits", "Number of times page lookups slept on a busy page or on memory.")
	findRejects = metric.MustCreateNewUint64Metric("/uvm/findpage/rejects", "Number of page lookups that failed, by reason.",
		metric.NewField("reason", "noalloc", "nomem", "nocache", "busy", "readonly", "clean"))
)

// FindFlags control FindPage and FindPages.
type FindFlags uint32

const (
	// FindAll finds or allocates every page, waiting as needed.
	FindAll FindFlags = 0

	// FindNoWait fails instead of sleeping on a busy page or on memory.
	FindNoWait FindFlags = 1 << iota

	// FindNoAlloc fails instead of allocating an absent page.
	FindNoAlloc

	// FindNoCache fails on a resident page.
	FindNoCache

	// FindNoReadOnly fails on a read-only page.
	FindNoReadOnly

	// FindDirtyOnly fails on a clean page, after marking it clean. A
	// FindPages scan stops at the first such page.
	FindDirtyOnly

	// FindBackward makes FindPages scan toward lower offsets.
	FindBackward
)

const findOwner = "findpage"

// FindPage stores in *slot a busy page at off, allocating a zeroed page if
// none is resident. It returns false without changing *slot if flags reject
// the page. If *slot is already set, FindPage returns true and does nothing.
//
// Preconditions: v is locked. v is locked on return, but the lock may be
// dropped while sleeping.
func (v *Vnode) FindPage(off uint64, slot **uvm.Page, flags FindFlags) bool {
	v.AssertLocked()
	if *slot != nil {
		return true
	}
	for {
		pg := v.Lookup(off)
		if pg == nil {
			if flags&FindNoAlloc != 0 {
				findRejects.Increment("noalloc")
				return false
			}
			npg, err := v.AllocPage(off)
			if err != nil {
				if flags&FindNoWait != 0 {
					findRejects.Increment("nomem")
					return false
				}
				findWaits.Increment()
				v.WaitForMemory()
				continue
			}
			findAllocs.Increment()
			*slot = npg
			return true
		}

		if flags&FindNoCache != 0 {
			findRejects.Increment("nocache")
			return false
		}
		if pg.Busy() {
			if flags&FindNoWait != 0 {
				findRejects.Increment("busy")
				return false
			}
			findWaits.Increment()
			v.WaitBusy(pg)
			continue
		}
		if flags&FindNoReadOnly != 0 && pg.ReadOnly() {
			findRejects.Increment("readonly")
			return false
		}
		if flags&FindDirtyOnly != 0 {
			dirty := pg.ClearModify() || !pg.Clean()
			pg.SetFlags(uvm.PageClean)
			if !dirty {
				findRejects.Increment("clean")
				return false
			}
		}
		pg.SetBusy(findOwner)
		*slot = pg
		return true
	}
}

// FindPages calls FindPage on each slot of pgs. Slot i is at off +
// i*PageSize, or with FindBackward, off is the offset of the last slot and
// slots are visited from the last to the first.
//
// It returns the number of pages found and the number of slots processed,
// which is less than len(pgs) only if FindDirtyOnly stopped the scan.
//
// Preconditions: As for FindPage.
func (v *Vnode) FindPages(off uint64, pgs []*uvm.Page, flags FindFlags) (found, count int) {
	i, step := 0, 1
	if flags&FindBackward != 0 {
		i, step = len(pgs)-1, -1
	}
	for count < len(pgs) {
		if v.FindPage(off, &pgs[i], flags) {
			found++
		} else if flags&FindDirtyOnly != 0 {
			break
		}
		count++
		i += step
		if step > 0 {
			off += hostarch.PageSize
		} else {
			off -= hostarch.PageSize
		}
	}
	return found, count
}
