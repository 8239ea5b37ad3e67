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

package readahead

import (
	"context"
	"testing"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/errors/linuxerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/sync"
	"github.com/google/go-cmp/cmp"
)

type readCall struct {
	Off    uint64
	NPages int
}

// fakeObject records read-ahead and treats everything below end as
// readable.
type fakeObject struct {
	mu       sync.Mutex
	locked   bool
	end      uint64
	resident map[uint64]bool
	calls    []readCall
}

func newFakeObject(end uint64) *fakeObject {
	return &fakeObject{end: end, resident: map[uint64]bool{}}
}

func (o *fakeObject) Lock() {
	o.mu.Lock()
	o.locked = true
}

func (o *fakeObject) Unlock() {
	o.locked = false
	o.mu.Unlock()
}

func (o *fakeObject) Resident(off uint64) bool {
	return o.resident[off]
}

func (o *fakeObject) ReadAhead(ctx context.Context, off uint64, npages int) error {
	defer o.Unlock()
	if off >= o.end {
		return linuxerr.EINVAL
	}
	o.calls = append(o.calls, readCall{off, npages})
	for i := 0; i < npages; i++ {
		o.resident[off+uint64(i)*hostarch.PageSize] = true
	}
	return nil
}

func (o *fakeObject) request(ra *Context, advice Advice, off, size uint64) {
	o.Lock()
	ra.Request(context.Background(), advice, o, off, size)
	if !o.locked {
		panic("Request returned with the object unlocked")
	}
	o.Unlock()
}

const kb = 1 << 10

func TestRandomNeverReadsAhead(t *testing.T) {
	o := newFakeObject(1 << 30)
	ra := New()
	for off := uint64(0); off < 1<<20; off += 4 * kb {
		o.request(ra, AdviceRandom, off, 4*kb)
	}
	if len(o.calls) != 0 {
		t.Errorf("random access read ahead: %v", o.calls)
	}
}

func TestFirstRequestOnlyArms(t *testing.T) {
	o := newFakeObject(1 << 30)
	ra := New()
	o.request(ra, AdviceNormal, 0, 4*kb)
	if len(o.calls) != 0 {
		t.Errorf("first request read ahead: %v", o.calls)
	}
	if !ra.valid || ra.winStart != 4*kb || ra.winSize != winSizeInit {
		t.Errorf("context after first request = %+v", *ra)
	}
}

func TestSequentialGrowsWindow(t *testing.T) {
	o := newFakeObject(1 << 30)
	ra := New()
	o.request(ra, AdviceNormal, 0, 64*kb)
	// The window is now [64K, 128K). A hit doubles it to 128K, so the
	// read-ahead reaches 64K+64K+128K = 256K, starting at the request.
	o.request(ra, AdviceNormal, 64*kb, 64*kb)
	want := []readCall{
		{Off: 64 * kb, NPages: 16},
		{Off: 128 * kb, NPages: 16},
		{Off: 192 * kb, NPages: 16},
	}
	if diff := cmp.Diff(want, o.calls); diff != "" {
		t.Errorf("read-ahead calls mismatch (-want +got):\n%s", diff)
	}
	if ra.next != 256*kb {
		t.Errorf("next = %#x, want %#x", ra.next, 256*kb)
	}

	// Keep reading sequentially; the window is capped.
	for off := uint64(128 * kb); off < 4<<20; off += 64 * kb {
		o.request(ra, AdviceNormal, off, 64*kb)
		if ra.winSize > winSizeMax {
			t.Fatalf("window grew to %#x", ra.winSize)
		}
	}
	if ra.winSize != winSizeMax {
		t.Errorf("window = %#x after a long sequential read, want %#x", ra.winSize, winSizeMax)
	}
}

func TestMissResetsWindow(t *testing.T) {
	o := newFakeObject(1 << 30)
	ra := New()
	o.request(ra, AdviceNormal, 0, 64*kb)
	o.request(ra, AdviceNormal, 64*kb, 64*kb)
	n := len(o.calls)
	o.request(ra, AdviceNormal, 100<<20, 4*kb)
	if len(o.calls) != n {
		t.Errorf("random jump read ahead: %v", o.calls[n:])
	}
	if ra.winSize != winSizeInit || ra.winStart != 100<<20+4*kb {
		t.Errorf("context after a miss = %+v", *ra)
	}
}

func TestSequentialAdvice(t *testing.T) {
	o := newFakeObject(1 << 30)
	ra := New()
	o.request(ra, AdviceSequential, 0, 4*kb)
	var total int
	for _, c := range o.calls {
		total += c.NPages
	}
	// The full window past a 4K read: 4K + 512K.
	if want := int((4*kb + winSizeSequential) / hostarch.PageSize); total != want {
		t.Errorf("sequential advice read ahead %d pages, want %d", total, want)
	}
}

func TestStopsAtEnd(t *testing.T) {
	o := newFakeObject(128 * kb)
	ra := New()
	o.request(ra, AdviceSequential, 0, 4*kb)
	if ra.next != 128*kb {
		t.Errorf("next = %#x, want the end of the object %#x", ra.next, 128*kb)
	}
}

func TestSkipsResidentTail(t *testing.T) {
	o := newFakeObject(1 << 30)
	ra := New()
	last := hostarch.PageRoundDown(4*kb + winSizeSequential - 1)
	o.resident[last] = true
	o.request(ra, AdviceSequential, 0, 4*kb)
	if len(o.calls) != 0 {
		t.Errorf("read ahead although the last page was resident: %v", o.calls)
	}
}

func TestNilContext(t *testing.T) {
	o := newFakeObject(1 << 30)
	var ra *Context
	o.request(ra, AdviceNormal, 0, 4*kb)
}
