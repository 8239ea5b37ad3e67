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

// Package genfs implements vnode.Operations for files whose contents live in
// a host file.
package genfs

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/errors/linuxerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/readahead"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/vnode"
)

// writeErrorLog reports failed write-backs.
var writeErrorLog = log.BasicRateLimitedLogger(10 * time.Second)

// putOwner marks pages held busy by PutPages.
const putOwner = "genfs_putpages"

// BackingFile is the store that pages are read from and written to.
type BackingFile interface {
	io.ReaderAt
	io.WriterAt

	// Sync flushes written data to stable storage.
	Sync() error
}

// Ops implements vnode.Operations over a BackingFile.
type Ops struct {
	File BackingFile
}

var _ vnode.Operations = (*Ops)(nil)

// GetPages implements vnode.Operations.GetPages.
//
// Under vnode.GetLocked only resident pages are returned; if the center page
// is not among them, the pages found are released and GetPages fails with
// EBUSY. With pgs == nil (read-ahead) busy pages are skipped, not waited for.
// Otherwise the request is clamped to the end of the file (the write size for
// write access) and fails with EINVAL if the center page lies beyond it.
func (o *Ops) GetPages(ctx context.Context, v *vnode.Vnode, off uint64, pgs []*uvm.Page, npages, center int, access hostarch.AccessType, advice readahead.Advice, flags vnode.GetFlags) (int, error) {
	if flags&vnode.GetLocked != 0 {
		ff := vnode.FindNoWait | vnode.FindNoAlloc
		if access.Write {
			ff |= vnode.FindNoReadOnly
		}
		given := slices.Clone(pgs[:npages])
		found, _ := v.FindPages(off, pgs[:npages], ff)
		if pgs[center] == nil {
			// Release only the pages busied here; slots the caller filled
			// in stay theirs.
			for i, pg := range pgs[:npages] {
				if pg != nil && given[i] == nil {
					v.Unbusy(pg)
					pgs[i] = nil
				}
			}
			return 0, linuxerr.EBUSY
		}
		return found, nil
	}

	size := v.Size()
	if access.Write {
		size = v.WriteSize()
	}
	end, _ := hostarch.PageRoundUp(uint64(max(size, 0)))
	if off+uint64(center)*hostarch.PageSize >= end {
		v.Unlock()
		return 0, linuxerr.EINVAL
	}
	if avail := int((end - off) / hostarch.PageSize); npages > avail {
		npages = avail
	}

	local := pgs
	if local == nil {
		local = make([]*uvm.Page, npages)
	}
	local = local[:npages]
	ff := vnode.FindAll
	if pgs == nil {
		// Asynchronous read-ahead takes what it can get without sleeping.
		ff = vnode.FindNoWait
	}
	found, _ := v.FindPages(off, local, ff)

	var fill []*uvm.Page
	for _, pg := range local {
		if pg != nil && pg.Flags()&uvm.PageFake != 0 {
			fill = append(fill, pg)
		}
	}
	v.Unlock()

	err := o.readPages(fill)

	v.Lock()
	if err != nil {
		for i, pg := range local {
			if pg == nil {
				continue
			}
			if pg.Flags()&uvm.PageFake != 0 {
				v.FreePage(pg)
			} else {
				v.Unbusy(pg)
			}
			local[i] = nil
		}
		v.Unlock()
		return 0, fmt.Errorf("reading pages of %v at %#x: %w", v, off, err)
	}
	for _, pg := range fill {
		pg.ClearFlags(uvm.PageFake)
	}
	if pgs == nil {
		v.UnbusyPages(local)
	}
	v.Unlock()
	return found, nil
}

// readPages fills pgs from the backing file. Bytes past the end of the file
// are left zero.
//
// Preconditions: The caller holds every page in pgs busy.
func (o *Ops) readPages(pgs []*uvm.Page) error {
	for _, pg := range pgs {
		n, err := o.File.ReadAt(pg.Bytes(), int64(pg.Offset()))
		if err != nil && err != io.EOF {
			return err
		}
		clear(pg.Bytes()[n:])
	}
	return nil
}

// PutPages implements vnode.Operations.PutPages.
//
// Busy pages are skipped unless vnode.PutSyncIO is set, in which case
// PutPages waits for them. With vnode.PutCleanIt dirty pages are written to
// the backing file, trimmed to the file size. With vnode.PutFree pages are
// freed afterward, even if writing them failed; without vnode.PutCleanIt
// their contents are discarded.
func (o *Ops) PutPages(ctx context.Context, v *vnode.Vnode, start, end uint64, flags vnode.PutFlags) error {
	if flags&vnode.PutAllPages != 0 {
		start, end = 0, 0
	}

	var held []*uvm.Page
	for {
		pg := v.NextPage(start)
		if pg == nil || (end != 0 && pg.Offset() >= end) {
			break
		}
		if pg.Busy() {
			if flags&vnode.PutSyncIO != 0 {
				v.WaitBusy(pg)
				continue
			}
			start = pg.Offset() + hostarch.PageSize
			continue
		}
		start = pg.Offset() + hostarch.PageSize
		pg.SetBusy(putOwner)
		held = append(held, pg)
	}

	var dirty []*uvm.Page
	if flags&vnode.PutCleanIt != 0 {
		for _, pg := range held {
			if pg.ClearModify() || !pg.Clean() {
				pg.SetFlags(uvm.PageClean)
				dirty = append(dirty, pg)
			}
		}
	}
	size := v.Size()
	v.Unlock()

	failed, err := o.writePages(dirty, size)
	if err == nil && len(dirty) > 0 && flags&vnode.PutSyncIO != 0 {
		err = o.File.Sync()
	}

	v.Lock()
	for _, pg := range failed {
		pg.MarkDirty()
	}
	for _, pg := range held {
		if flags&vnode.PutFree != 0 {
			v.FreePage(pg)
		} else {
			v.Unbusy(pg)
		}
	}
	v.Unlock()

	if err != nil {
		if flags&vnode.PutFree != 0 && len(failed) > 0 {
			writeErrorLog.Warningf("Discarded %d dirty pages of %v after a failed write: %v", len(failed), v, err)
		}
		return fmt.Errorf("writing pages of %v: %w", v, err)
	}
	return nil
}

// writePages writes pgs to the backing file, trimmed to size unless size is
// vnode.SizeNotSet. It returns the pages that could not be written.
//
// Preconditions: The caller holds every page in pgs busy.
func (o *Ops) writePages(pgs []*uvm.Page, size int64) ([]*uvm.Page, error) {
	var firstErr error
	var failed []*uvm.Page
	for _, pg := range pgs {
		b := pg.Bytes()
		if size != vnode.SizeNotSet {
			if pg.Offset() >= uint64(size) {
				continue
			}
			if rem := uint64(size) - pg.Offset(); rem < uint64(len(b)) {
				b = b[:rem]
			}
		}
		if _, err := o.File.WriteAt(b, int64(pg.Offset())); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed = append(failed, pg)
		}
	}
	return failed, firstErr
}
