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

package genfs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/errors/linuxerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/hostfile"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/pgalloc"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/readahead"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/vnode"
	"github.com/google/go-cmp/cmp"
)

const page = hostarch.PageSize

// failingFile fails every write and sync with EIO.
type failingFile struct {
	*hostfile.File
}

func (failingFile) WriteAt(p []byte, off int64) (int, error) {
	return 0, linuxerr.EIO
}

func (failingFile) Sync() error {
	return linuxerr.EIO
}

type fixture struct {
	path string
	file *hostfile.File
	ops  *Ops
	v    *vnode.Vnode
}

func newFixture(t *testing.T, contents []byte, pages uint64) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, contents, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	f, err := hostfile.Open(path, hostfile.Opts{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	mf, err := pgalloc.NewMemfd("genfs-test", pgalloc.MemoryFileOpts{MaxPages: pages})
	if err != nil {
		t.Fatalf("NewMemfd failed: %v", err)
	}
	t.Cleanup(mf.Destroy)

	ops := &Ops{File: f}
	v := vnode.New(path, vnode.Regular, mf, ops)
	if err := v.SetSize(context.Background(), int64(len(contents))); err != nil {
		t.Fatalf("SetSize failed: %v", err)
	}
	return &fixture{path: path, file: f, ops: ops, v: v}
}

func (fx *fixture) get(t *testing.T, off uint64, npages int, access hostarch.AccessType) ([]*uvm.Page, error) {
	t.Helper()
	pgs := make([]*uvm.Page, npages)
	fx.v.Lock()
	_, err := fx.v.Get(context.Background(), off, pgs, npages, 0, access, readahead.AdviceRandom, vnode.GetAllPages)
	return pgs, err
}

func (fx *fixture) release(pgs []*uvm.Page) {
	fx.v.Lock()
	fx.v.UnbusyPages(pgs)
	fx.v.Unlock()
}

func contents(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestGetPagesReadsFile(t *testing.T) {
	data := contents(2*int(page) + 100)
	fx := newFixture(t, data, 8)

	pgs, err := fx.get(t, 0, 3, hostarch.Read)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer fx.release(pgs)
	var got []byte
	for _, pg := range pgs {
		got = append(got, pg.Bytes()...)
	}
	want := append(append([]byte(nil), data...), make([]byte, page-100)...)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("page contents mismatch (-want +got):\n%s", diff)
	}
	fx.v.Lock()
	for _, pg := range pgs {
		if pg.Flags()&uvm.PageFake != 0 || !pg.Busy() {
			t.Errorf("%v has flags %v, want busy and filled", pg, pg.Flags())
		}
	}
	fx.v.Unlock()
}

func TestGetPagesClampsToSize(t *testing.T) {
	fx := newFixture(t, contents(int(page)+1), 8)

	pgs, err := fx.get(t, 0, 4, hostarch.Read)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer fx.release(pgs)
	if pgs[2] != nil || pgs[3] != nil {
		t.Errorf("Get returned pages past the end of the file: %v", pgs)
	}

	if _, err := fx.get(t, 2*page, 1, hostarch.Read); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Get past the end got err %v, want EINVAL", err)
	}
	if fx.v.Owner() != 0 {
		t.Errorf("failed Get returned with the object locked")
	}
}

func TestGetPagesWriteUsesWriteSize(t *testing.T) {
	fx := newFixture(t, contents(int(page)), 8)
	fx.v.SetWriteSize(3 * page)

	if _, err := fx.get(t, 2*page, 1, hostarch.Read); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("read Get past the size got err %v, want EINVAL", err)
	}
	pgs, err := fx.get(t, 2*page, 1, hostarch.Write)
	if err != nil {
		t.Fatalf("write Get below the write size failed: %v", err)
	}
	fx.release(pgs)
}

func TestGetPagesReadAhead(t *testing.T) {
	fx := newFixture(t, contents(4*int(page)), 8)

	fx.v.Lock()
	if _, err := fx.ops.GetPages(context.Background(), fx.v, 0, nil, 4, 0, hostarch.Read, readahead.AdviceRandom, 0); err != nil {
		t.Fatalf("GetPages failed: %v", err)
	}
	fx.v.Lock()
	defer fx.v.Unlock()
	if fx.v.NumPages() != 4 {
		t.Errorf("NumPages = %d, want 4", fx.v.NumPages())
	}
	fx.v.ForEachPage(func(pg *uvm.Page) bool {
		if pg.Busy() {
			t.Errorf("read-ahead left %v busy", pg)
		}
		return true
	})
}

func TestGetPagesLocked(t *testing.T) {
	fx := newFixture(t, contents(2*int(page)), 8)
	pgs, err := fx.get(t, 0, 1, hostarch.Read)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	fx.release(pgs)

	ctx := context.Background()
	fx.v.Lock()
	defer fx.v.Unlock()

	pgs = make([]*uvm.Page, 2)
	n, err := fx.v.Get(ctx, 0, pgs, 2, 0, hostarch.Read, readahead.AdviceNormal, vnode.GetLocked)
	if err != nil || n != 1 {
		t.Fatalf("locked Get = (%d, %v), want (1, nil)", n, err)
	}
	fx.v.UnbusyPages(pgs)

	pgs = make([]*uvm.Page, 2)
	if _, err := fx.v.Get(ctx, 0, pgs, 2, 1, hostarch.Read, readahead.AdviceNormal, vnode.GetLocked); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Fatalf("locked Get of an absent center got err %v, want EBUSY", err)
	}
	if pgs[0] != nil || fx.v.Lookup(0).Busy() {
		t.Errorf("failed locked Get kept page 0")
	}

	fx.v.Lookup(0).SetFlags(uvm.PageReadOnly)
	pgs = make([]*uvm.Page, 1)
	if _, err := fx.v.Get(ctx, 0, pgs, 1, 0, hostarch.Write, readahead.AdviceNormal, vnode.GetLocked); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("locked write Get of a read-only page got err %v, want EBUSY", err)
	}
}

func TestGetPagesLockedKeepsCallerPages(t *testing.T) {
	fx := newFixture(t, contents(2*int(page)), 8)
	held, err := fx.get(t, 0, 1, hostarch.Read)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer fx.release(held)

	fx.v.Lock()
	defer fx.v.Unlock()
	pgs := []*uvm.Page{held[0], nil}
	if _, err := fx.v.Get(context.Background(), 0, pgs, 2, 1, hostarch.Read, readahead.AdviceNormal, vnode.GetLocked); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Fatalf("locked Get of an absent center got err %v, want EBUSY", err)
	}
	if pgs[0] != held[0] {
		t.Errorf("failed locked Get cleared the caller's slot: got %v, want %v", pgs[0], held[0])
	}
	if !held[0].Busy() || held[0].Owner() != "findpage" {
		t.Errorf("caller's page %v lost its busy state (owner %q)", held[0], held[0].Owner())
	}
}

func TestGetPagesReadAheadSkipsBusyPages(t *testing.T) {
	fx := newFixture(t, contents(16*int(page)), 32)
	held, err := fx.get(t, 8*page, 1, hostarch.Read)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		for i := uint64(0); i < 4; i++ {
			pgs := make([]*uvm.Page, 1)
			fx.v.Lock()
			if _, err := fx.v.Get(context.Background(), i*page, pgs, 1, 0, hostarch.Read, readahead.AdviceSequential, vnode.GetAllPages); err != nil {
				done <- err
				return
			}
			fx.release(pgs)
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("sequential Get failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		fx.release(held)
		t.Fatalf("sequential Get slept in read-ahead on a page held busy elsewhere")
	}

	fx.v.Lock()
	if !held[0].Busy() || held[0].Owner() != "findpage" {
		t.Errorf("read-ahead took over the held page %v (owner %q)", held[0], held[0].Owner())
	}
	if fx.v.Lookup(9*page) == nil {
		t.Errorf("read-ahead stopped at the held page instead of skipping it")
	}
	fx.v.Unlock()
	fx.release(held)
}

func TestPutPagesWritesDirtyPages(t *testing.T) {
	data := contents(2*int(page) + 10)
	fx := newFixture(t, data, 8)
	ctx := context.Background()

	pgs, err := fx.get(t, 0, 3, hostarch.Write)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	fx.v.Lock()
	copy(pgs[0].Bytes(), "first")
	pgs[0].MarkDirty()
	copy(pgs[2].Bytes(), "third-page-tail-beyond-size")
	pgs[2].SetModified()
	fx.v.UnbusyPages(pgs)
	if err := fx.v.Put(ctx, 0, 0, vnode.PutCleanIt|vnode.PutSyncIO); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := os.ReadFile(fx.path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	want := append([]byte(nil), data...)
	copy(want, "first")
	copy(want[2*page:], "third-page")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("file contents mismatch (-want +got):\n%s", diff)
	}
	if fx.v.HasDirtyPages() {
		t.Errorf("pages still dirty after Put")
	}
	fx.v.Lock()
	if fx.v.NumPages() != 3 {
		t.Errorf("Put without PutFree freed pages")
	}
	fx.v.Unlock()
}

func TestPutPagesSkipsBusyPages(t *testing.T) {
	fx := newFixture(t, contents(2*int(page)), 8)
	pgs, err := fx.get(t, 0, 2, hostarch.Read)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	fx.v.Lock()
	fx.v.Unbusy(pgs[1])
	if err := fx.v.Put(context.Background(), 0, 0, vnode.PutFree); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	fx.v.Lock()
	defer fx.v.Unlock()
	if fx.v.Lookup(0) != pgs[0] || fx.v.Lookup(page) != nil {
		t.Errorf("Put without PutSyncIO should free only the idle page")
	}
	fx.v.Unbusy(pgs[0])
}

func TestPutPagesWriteError(t *testing.T) {
	fx := newFixture(t, contents(2*int(page)), 8)
	ctx := context.Background()
	pgs, err := fx.get(t, 0, 2, hostarch.Read)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	fx.v.Lock()
	pgs[1].MarkDirty()
	fx.v.UnbusyPages(pgs)
	fx.ops.File = failingFile{fx.file}

	if err := fx.v.Put(ctx, 0, 0, vnode.PutCleanIt|vnode.PutSyncIO); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("Put got err %v, want EIO", err)
	}
	if !fx.v.HasDirtyPages() {
		t.Errorf("page whose write failed is no longer dirty")
	}

	// Freeing discards the page regardless.
	fx.v.Lock()
	if err := fx.v.Put(ctx, 0, 0, vnode.PutCleanIt|vnode.PutFree); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("Put with PutFree got err %v, want EIO", err)
	}
	fx.v.Lock()
	if fx.v.NumPages() != 0 {
		t.Errorf("%d pages resident after Put with PutFree", fx.v.NumPages())
	}
	fx.v.Unlock()
}

// Truncation frees pages past the new end and keeps the rest.
func TestTruncate(t *testing.T) {
	data := contents(20000)
	fx := newFixture(t, data, 8)
	ctx := context.Background()

	pgs, err := fx.get(t, 0, 2, hostarch.Read)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	fx.release(pgs)

	if err := fx.v.SetSize(ctx, 500); err != nil {
		t.Fatalf("SetSize failed: %v", err)
	}
	fx.v.Lock()
	if fx.v.Lookup(page) != nil || fx.v.Lookup(0) == nil {
		t.Errorf("after truncating to 500: page 0 resident %t, page 1 resident %t", fx.v.Lookup(0) != nil, fx.v.Lookup(page) != nil)
	}
	fx.v.Unlock()

	if err := fx.v.ZeroRange(ctx, 500, page-500); err != nil {
		t.Fatalf("ZeroRange failed: %v", err)
	}
	fx.v.Lock()
	pg := fx.v.Lookup(0)
	if !bytes.Equal(pg.Bytes()[:500], data[:500]) || !bytes.Equal(pg.Bytes()[500:], make([]byte, page-500)) {
		t.Errorf("page 0 does not hold the truncated contents")
	}
	fx.v.Unlock()
}
