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

package uvm

import (
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/atomicbitops"
)

// PageFlags are the states of a resident page. They are protected by the
// owning object's lock.
type PageFlags uint32

const (
	// PageBusy means some party holds the page exclusively.
	PageBusy PageFlags = 1 << iota

	// PageWanted means a party is waiting for PageBusy to clear.
	PageWanted

	// PageClean means the page has not been dirtied through the object
	// since it was last written back. Writes through a mapping are
	// tracked separately by the modified bit.
	PageClean

	// PageFake means the page was allocated but its contents have not yet
	// been filled from backing store.
	PageFake

	// PageReadOnly means the page must not be written.
	PageReadOnly
)

// String implements fmt.Stringer.String.
func (f PageFlags) String() string {
	var b [5]byte
	for i, c := range []struct {
		bit PageFlags
		ch  byte
	}{
		{PageBusy, 'B'},
		{PageWanted, 'W'},
		{PageClean, 'C'},
		{PageFake, 'F'},
		{PageReadOnly, 'R'},
	} {
		b[i] = '-'
		if f&c.bit != 0 {
			b[i] = c.ch
		}
	}
	return string(b[:])
}

// Page is one resident page of an Object.
type Page struct {
	// offset is the page's offset within its object. It is immutable.
	offset uint64

	// pa is the physical address of the page's frame. It is immutable.
	pa uint64

	// obj is the owning object. It is immutable.
	obj *Object

	// flags is protected by obj's lock.
	flags PageFlags

	// owner names the holder of PageBusy, for debugging. Protected by
	// obj's lock.
	owner string

	// modified is the pmap-level modified bit. It is set by writers
	// through mappings and cleared by ClearModify, without the object lock.
	modified atomicbitops.Bool
}

// Offset returns the page's offset within its object.
func (p *Page) Offset() uint64 {
	return p.offset
}

// PA returns the physical address of the page's frame.
func (p *Page) PA() uint64 {
	return p.pa
}

// Object returns the object owning p.
func (p *Page) Object() *Object {
	return p.obj
}

// Flags returns the page's flags.
//
// Preconditions: The owning object is locked.
func (p *Page) Flags() PageFlags {
	return p.flags
}

// SetFlags sets the given flags.
//
// Preconditions: The owning object is locked.
func (p *Page) SetFlags(f PageFlags) {
	p.flags |= f
}

// ClearFlags clears the given flags. Use Object.Unbusy to clear PageBusy.
//
// Preconditions: The owning object is locked.
func (p *Page) ClearFlags(f PageFlags) {
	if f&PageBusy != 0 {
		panic("PageBusy must be cleared with Object.Unbusy")
	}
	p.flags &^= f
}

// SetBusy marks the page busy on behalf of owner.
//
// Preconditions:
//   - The owning object is locked.
//   - The page is not busy.
func (p *Page) SetBusy(owner string) {
	if p.flags&PageBusy != 0 {
		panic(fmt.Sprintf("%v is already busy (owner %q)", p, p.owner))
	}
	p.flags |= PageBusy
	p.owner = owner
}

// Owner returns the name recorded by the busy holder, or "" if the page is
// not busy.
//
// Preconditions: The owning object is locked.
func (p *Page) Owner() string {
	return p.owner
}

// Busy returns true if the page is held exclusively.
//
// Preconditions: The owning object is locked.
func (p *Page) Busy() bool {
	return p.flags&PageBusy != 0
}

// Clean returns true if PageClean is set.
//
// Preconditions: The owning object is locked.
func (p *Page) Clean() bool {
	return p.flags&PageClean != 0
}

// ReadOnly returns true if PageReadOnly is set.
//
// Preconditions: The owning object is locked.
func (p *Page) ReadOnly() bool {
	return p.flags&PageReadOnly != 0
}

// SetModified records a write to the page through a mapping.
func (p *Page) SetModified() {
	p.modified.Store(true)
}

// IsModified returns the modified bit.
func (p *Page) IsModified() bool {
	return p.modified.Load()
}

// ClearModify clears the modified bit and returns its previous value.
func (p *Page) ClearModify() bool {
	return p.modified.Swap(false)
}

// MarkDirty records that the page's contents differ from backing store.
//
// Preconditions: The owning object is locked.
func (p *Page) MarkDirty() {
	p.flags &^= PageClean
	p.modified.Store(true)
}

// Dirty returns true if the page was modified or is not clean.
//
// Preconditions: The owning object is locked.
func (p *Page) Dirty() bool {
	return p.IsModified() || !p.Clean()
}

// Bytes returns the contents of the page's frame. The caller must hold the
// page busy, or otherwise know that nobody frees it concurrently.
func (p *Page) Bytes() []byte {
	return p.obj.mem.Slice(p.pa)
}

// String implements fmt.Stringer.String.
func (p *Page) String() string {
	return fmt.Sprintf("page{off: %#x, pa: %#x}", p.offset, p.pa)
}
