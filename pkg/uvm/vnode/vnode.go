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

// Package vnode implements the pager for file-backed pageable objects.
//
// A Vnode caches the contents of a file in resident pages. The pager finds
// and busies pages, hands page-ins and page-outs to the filesystem through
// Operations, and keeps the cached contents consistent with the file size as
// it changes.
//
// Locking: all methods that take the object lock on entry document whether
// they return with it held. The size and write size are protected by the
// object lock.
package vnode

import (
	"context"
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/atomicbitops"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/metric"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/pgalloc"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/readahead"
)

var (
	getCount = metric.MustCreateNewUint64Metric("/uvm/vnode/get", "Number of page-in requests made to vnodes.")
	putCount = metric.MustCreateNewUint64Metric("/uvm/vnode/put", "Number of page-out requests made to vnodes.")
)

// SizeNotSet is the size and write size of a vnode whose size has never been
// set.
const SizeNotSet int64 = -1

// Type is the type of file a vnode represents.
type Type int

const (
	// Regular is a regular file. Only regular files are read ahead.
	Regular Type = iota

	// Other is any other kind of file.
	Other
)

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case Regular:
		return "regular"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// GetFlags control Get.
type GetFlags uint32

const (
	// GetLocked requests the locked protocol: the callee may neither sleep
	// nor drop the object lock, and returns with it held. Only resident
	// pages are returned.
	GetLocked GetFlags = 1 << iota

	// GetAllPages requests every page in the range, not just the center
	// page.
	GetAllPages
)

// PutFlags control Put.
type PutFlags uint32

const (
	// PutCleanIt writes dirty pages back to the file.
	PutCleanIt PutFlags = 1 << iota

	// PutSyncIO waits for I/O, and for busy pages, to complete.
	PutSyncIO

	// PutFree frees pages after they are cleaned. Without PutCleanIt,
	// dirty pages are discarded.
	PutFree

	// PutAllPages operates on the whole object regardless of the range.
	PutAllPages
)

// Operations are the filesystem's page-in and page-out operations.
type Operations interface {
	// GetPages brings npages pages starting at off into v. center is the
	// index of the page that must be returned; the others are read ahead
	// opportunistically.
	//
	// If pgs is nil, pages are read and left resident without being
	// returned. Otherwise pgs has at least npages slots, and the returned
	// pages are busy and owned by the caller. GetPages returns the number
	// of pages it filled in pgs.
	//
	// Preconditions: v is locked. If flags contains GetLocked, v is locked
	// on return and GetPages must not drop the lock. Otherwise v is
	// unlocked on return.
	GetPages(ctx context.Context, v *Vnode, off uint64, pgs []*uvm.Page, npages, center int, access hostarch.AccessType, advice readahead.Advice, flags GetFlags) (int, error)

	// PutPages cleans and/or frees the resident pages of v in [start,
	// end). end == 0 means the end of the object.
	//
	// Preconditions: v is locked. v is unlocked on return.
	PutPages(ctx context.Context, v *Vnode, start, end uint64, flags PutFlags) error
}

// Vnode is a file-backed pageable object.
type Vnode struct {
	uvm.Object

	// name is used in log messages. It is immutable.
	name string

	// typ is immutable.
	typ Type

	// ops is immutable.
	ops Operations

	// refs is the number of references held on the vnode.
	refs atomicbitops.Int64

	// size is the file size visible to readers. writeSize is the size
	// visible to writers. size <= writeSize. Protected by the object lock.
	size      int64
	writeSize int64

	// ra is allocated on the first readahead request. Protected by the
	// object lock.
	ra *readahead.Context

	// writeMapped is set once v is mapped writable. writeMappedDirty is set
	// when a write fault through such a mapping dirtied a page, and cleared
	// when a full clean leaves no dirty pages. Protected by the object lock.
	writeMapped      bool
	writeMappedDirty bool
}

// New returns a vnode with one reference whose pages are allocated from mem
// and filled by ops. Its size is SizeNotSet.
func New(name string, typ Type, mem *pgalloc.MemoryFile, ops Operations) *Vnode {
	v := &Vnode{
		name:      name,
		typ:       typ,
		ops:       ops,
		size:      SizeNotSet,
		writeSize: SizeNotSet,
	}
	v.Init(mem)
	v.refs.Store(1)
	return v
}

// Name returns the vnode's name.
func (v *Vnode) Name() string {
	return v.name
}

// Type returns the vnode's type.
func (v *Vnode) Type() Type {
	return v.typ
}

// String implements fmt.Stringer.String.
func (v *Vnode) String() string {
	return fmt.Sprintf("vnode %q", v.name)
}

// Size returns the size of the file as seen by readers.
//
// Preconditions: v is locked.
func (v *Vnode) Size() int64 {
	return v.size
}

// WriteSize returns the size of the file as seen by writers.
//
// Preconditions: v is locked.
func (v *Vnode) WriteSize() int64 {
	return v.writeSize
}

// Ref takes a reference on v.
func (v *Vnode) Ref() {
	if v.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("Ref of released %v", v))
	}
}

// Release drops a reference on v. Dropping the last reference writes back
// dirty pages and frees every resident page.
func (v *Vnode) Release(ctx context.Context) error {
	refs := v.refs.Add(-1)
	if refs > 0 {
		return nil
	}
	if refs < 0 {
		panic(fmt.Sprintf("Release of %v with no references", v))
	}
	v.Lock()
	if err := v.Put(ctx, 0, 0, PutCleanIt|PutFree|PutSyncIO|PutAllPages); err != nil {
		return fmt.Errorf("flushing %v on release: %w", v, err)
	}
	return nil
}

// Get returns busy, filled pages for [off, off+npages*PageSize), reading
// ahead first when the access looks sequential.
//
// Preconditions: v is locked. If flags contains GetLocked, v is locked on
// return. Otherwise v is unlocked on return.
func (v *Vnode) Get(ctx context.Context, off uint64, pgs []*uvm.Page, npages, center int, access hostarch.AccessType, advice readahead.Advice, flags GetFlags) (int, error) {
	v.AssertLocked()
	getCount.Increment()

	if v.typ == Regular && !access.Write && flags&GetLocked == 0 {
		if v.ra == nil {
			v.ra = readahead.New()
		}
		v.ra.Request(ctx, advice, readaheadObject{v}, off, uint64(npages)*hostarch.PageSize)
	}

	owner := v.Owner()
	n, err := v.ops.GetPages(ctx, v, off, pgs, npages, center, access, advice, flags)
	if flags&GetLocked != 0 {
		if v.Owner() != owner {
			panic(fmt.Sprintf("GetPages on %v dropped the object lock under GetLocked", v))
		}
	} else if v.Owner() == owner {
		panic(fmt.Sprintf("GetPages on %v returned with the object locked", v))
	}
	return n, err
}

// Put cleans and/or frees the resident pages in [start, end). end == 0 means
// the end of the object.
//
// Preconditions: v is locked. v is unlocked on return.
func (v *Vnode) Put(ctx context.Context, start, end uint64, flags PutFlags) error {
	v.AssertLocked()
	putCount.Increment()

	owner := v.Owner()
	err := v.ops.PutPages(ctx, v, start, end, flags)
	if v.Owner() == owner {
		panic(fmt.Sprintf("PutPages on %v returned with the object locked", v))
	}
	if err == nil && flags&PutCleanIt != 0 && (flags&PutAllPages != 0 || (start == 0 && end == 0)) {
		v.Lock()
		if !v.hasDirtyPagesLocked() {
			v.writeMappedDirty = false
		}
		v.Unlock()
	}
	return err
}

// SetWriteSize sets the size of the file as seen by writers, ahead of a
// SetSize that commits it.
func (v *Vnode) SetWriteSize(newSize int64) {
	v.Lock()
	if newSize < 0 || v.size == SizeNotSet || v.writeSize == SizeNotSet || v.size > v.writeSize || v.size > newSize {
		size, writeSize := v.size, v.writeSize
		v.Unlock()
		panic(fmt.Sprintf("SetWriteSize(%d) on %v with size %d, write size %d", newSize, v, size, writeSize))
	}
	v.writeSize = newSize
	v.Unlock()
}

// SetSize sets both sizes of the file to newSize. Pages past the new end are
// written back and freed before the new size is published.
//
// newSize must equal the write size, not exceed the current size, or the
// sizes must be equal.
//
// If writing back the freed pages fails, the pages are freed and the size
// changed regardless, and the error is returned.
func (v *Vnode) SetSize(ctx context.Context, newSize int64) error {
	v.Lock()
	if newSize < 0 || v.size > v.writeSize || !(v.size == v.writeSize || newSize == v.writeSize || newSize <= v.size) {
		size, writeSize := v.size, v.writeSize
		v.Unlock()
		panic(fmt.Sprintf("SetSize(%d) on %v with size %d, write size %d", newSize, v, size, writeSize))
	}

	var err error
	pgend, ok := hostarch.PageRoundUp(uint64(newSize))
	if !ok {
		v.Unlock()
		panic(fmt.Sprintf("SetSize(%d) on %v overflows", newSize, v))
	}
	if v.writeSize > int64(pgend) {
		if perr := v.Put(ctx, pgend, 0, PutFree|PutSyncIO); perr != nil {
			log.Warningf("Flushing pages of %v past %#x failed: %v", v, pgend, perr)
			err = fmt.Errorf("flushing pages of %v past %#x: %w", v, pgend, perr)
		}
		v.Lock()
	}
	v.size = newSize
	v.writeSize = newSize
	v.Unlock()
	return err
}

// ZeroRange zeroes [off, off+length) through the page cache.
//
// Preconditions: v is unlocked.
func (v *Vnode) ZeroRange(ctx context.Context, off, length uint64) error {
	for length > 0 {
		pgoff := hostarch.PageRoundDown(off)
		start := off - pgoff
		n := min(hostarch.PageSize-start, length)

		var pgs [1]*uvm.Page
		v.Lock()
		if _, err := v.Get(ctx, pgoff, pgs[:], 1, 0, hostarch.Write, readahead.AdviceNormal, GetAllPages); err != nil {
			return err
		}
		pg := pgs[0]
		clear(pg.Bytes()[start : start+n])
		v.Lock()
		pg.MarkDirty()
		v.Unbusy(pg)
		v.Unlock()

		off += n
		length -= n
	}
	return nil
}

// HasDirtyPages returns true if any resident page must be written back.
//
// Preconditions: v is unlocked.
func (v *Vnode) HasDirtyPages() bool {
	v.Lock()
	defer v.Unlock()
	return v.hasDirtyPagesLocked()
}

// Preconditions: v is locked.
func (v *Vnode) hasDirtyPagesLocked() bool {
	dirty := false
	v.ForEachPage(func(pg *uvm.Page) bool {
		dirty = pg.Dirty()
		return !dirty
	})
	return dirty
}

// AddWriteMapping records that v has been mapped writable.
//
// Preconditions: v is unlocked.
func (v *Vnode) AddWriteMapping() {
	v.Lock()
	v.writeMapped = true
	v.Unlock()
}

// WriteFaulted records that a write fault through a writable mapping of v
// dirtied a page. Until a full clean, such writes need not fault again.
//
// Preconditions: v is unlocked.
func (v *Vnode) WriteFaulted() {
	v.Lock()
	if v.writeMapped {
		v.writeMappedDirty = true
	}
	v.Unlock()
}

// NeedsWriteFault returns true if writes through mappings of v must fault
// first, so that the vnode learns it is becoming dirty: when no page is dirty,
// or when v is mapped writable and no write fault has been seen since the
// last full clean.
//
// Preconditions: v is unlocked.
func (v *Vnode) NeedsWriteFault() bool {
	v.Lock()
	defer v.Unlock()
	return !v.hasDirtyPagesLocked() || (v.writeMapped && !v.writeMappedDirty)
}

// readaheadObject adapts a Vnode to readahead.Object.
type readaheadObject struct {
	v *Vnode
}

// Lock implements readahead.Object.Lock.
func (o readaheadObject) Lock() {
	o.v.Lock()
}

// Unlock implements readahead.Object.Unlock.
func (o readaheadObject) Unlock() {
	o.v.Unlock()
}

// Resident implements readahead.Object.Resident.
func (o readaheadObject) Resident(off uint64) bool {
	return o.v.Lookup(off) != nil
}

// ReadAhead implements readahead.Object.ReadAhead.
func (o readaheadObject) ReadAhead(ctx context.Context, off uint64, npages int) error {
	_, err := o.v.ops.GetPages(ctx, o.v, off, nil, npages, 0, hostarch.Read, readahead.AdviceRandom, 0)
	return err
}
