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

// Package readahead implements a sequential read-ahead heuristic for
// pageable objects.
//
// A Context tracks a window just past the most recent read. A read that lands
// in the window is treated as sequential: the window grows and pages up to its
// end are brought in ahead of time. A read anywhere else resets the window.
package readahead

import (
	"context"
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
)

// Advice describes the expected access pattern of a request.
type Advice int

const (
	// AdviceNormal means no particular pattern is expected.
	AdviceNormal Advice = iota

	// AdviceRandom disables read-ahead.
	AdviceRandom

	// AdviceSequential always reads ahead with the largest window.
	AdviceSequential
)

// String implements fmt.Stringer.String.
func (a Advice) String() string {
	switch a {
	case AdviceNormal:
		return "normal"
	case AdviceRandom:
		return "random"
	case AdviceSequential:
		return "sequential"
	default:
		return fmt.Sprintf("Advice(%d)", int(a))
	}
}

const (
	// maxIO is the size of a single read-ahead I/O.
	maxIO = 64 << 10

	winSizeInit       = maxIO
	winSizeMax        = 8 * maxIO
	winSizeSequential = winSizeMax

	// minSize is the smallest read-ahead worth issuing.
	minSize = 2 * maxIO
)

// Object is the pageable object a Context reads ahead for. Its lock protects
// the Context.
type Object interface {
	// Lock locks the object.
	Lock()

	// Unlock unlocks the object.
	Unlock()

	// Resident returns true if the page at off is resident.
	//
	// Preconditions: The object is locked.
	Resident(off uint64) bool

	// ReadAhead brings npages pages starting at off into the object
	// without returning them.
	//
	// Preconditions: The object is locked. It is unlocked on return.
	ReadAhead(ctx context.Context, off uint64, npages int) error
}

// Context is the read-ahead state of one object.
type Context struct {
	// All fields are protected by the object lock.

	// valid is false until the first request.
	valid bool

	// winStart and winSize describe the window in which the next request
	// is considered sequential.
	winStart uint64
	winSize  uint64

	// next is the offset just past the last page read ahead.
	next uint64
}

// New returns an empty Context.
func New() *Context {
	return &Context{}
}

// Request records a read of [reqOff, reqOff+reqSize) and reads ahead if the
// access looks sequential.
//
// Preconditions: obj is locked. It is dropped while reading ahead and locked
// again on return.
func (ra *Context) Request(ctx context.Context, advice Advice, obj Object, reqOff, reqSize uint64) {
	if ra == nil || advice == AdviceRandom {
		return
	}

	if advice == AdviceSequential {
		if !ra.valid {
			ra.winStart = 0
			ra.next = 0
			ra.valid = true
		}
		if reqOff < ra.winStart {
			ra.next = reqOff
		}
		ra.winSize = winSizeSequential
	} else {
		if !ra.valid || reqOff < ra.winStart || ra.winStart+ra.winSize < reqOff {
			// Miss. Start over with a small window just past
			// this request.
			ra.winStart = reqOff + reqSize
			ra.next = ra.winStart
			ra.winSize = winSizeInit
			ra.valid = true
			return
		}
		// Hit. Extend the window.
		ra.winSize = min(winSizeMax, ra.winSize+reqSize)
	}

	// Only issue read-ahead that can start a large I/O.
	raOff := max(reqOff, ra.next)
	if raEnd := reqOff + reqSize + ra.winSize; raEnd > raOff && raEnd-raOff >= minSize {
		obj.Unlock()
		next := startIO(ctx, obj, raOff, raEnd-raOff)
		obj.Lock()
		ra.next = next
	}
	ra.winStart = reqOff + reqSize
}

// startIO reads [off, off+size) ahead in chunks of at most maxIO, stopping at
// the first error. It returns the offset read ahead up to.
//
// Preconditions: obj is unlocked.
func startIO(ctx context.Context, obj Object, off, size uint64) uint64 {
	end := off + size

	// Don't bother if the last page is already resident.
	obj.Lock()
	resident := obj.Resident(hostarch.PageRoundDown(end - 1))
	obj.Unlock()
	if resident {
		return end
	}

	off = hostarch.PageRoundDown(off)
	for off < end {
		// Keep chunks aligned to maxIO so that consecutive requests
		// produce identical I/O.
		chunk := (off+maxIO)&^(maxIO-1) - off
		if chunk > end-off {
			chunk = end - off
		}
		npages := int((chunk + hostarch.PageSize - 1) >> hostarch.PageShift)
		obj.Lock()
		if err := obj.ReadAhead(ctx, off, npages); err != nil {
			// Probably past the end of the object, or out of
			// memory.
			log.Debugf("Read-ahead of %d pages at %#x stopped: %v", npages, off, err)
			break
		}
		off += chunk
	}
	return off
}
