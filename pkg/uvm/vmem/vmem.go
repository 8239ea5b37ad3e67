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

// Package vmem implements a general purpose address space allocator.
//
// An Arena manages the range [base, base+size) in units of a quantum. Free
// segments are kept in two ordered indexes: by address, for coalescing on
// free, and by power-of-two size class, for allocation.
package vmem

import (
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/bits"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/errors/linuxerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/sync"
	"github.com/google/btree"
)

// Flags control Alloc.
type Flags uint32

const (
	// Sleep allows Alloc to block until space is available.
	Sleep Flags = 1 << iota

	// NoSleep makes Alloc fail with ENOMEM instead of blocking.
	NoSleep

	// InstantFit takes the first segment of the smallest size class that is
	// guaranteed to fit, falling back to BestFit. It is the default.
	InstantFit

	// BestFit scans size classes upward from the request's own class for
	// the first segment that fits.
	BestFit
)

// btreeDegree is the degree of the free segment indexes.
const btreeDegree = 8

// segment is a free range [start, start+size).
type segment struct {
	start uint64
	size  uint64
	class int
}

func (s segment) end() uint64 {
	return s.start + s.size
}

func lessByAddr(a, b segment) bool {
	return a.start < b.start
}

func lessByClass(a, b segment) bool {
	if a.class != b.class {
		return a.class < b.class
	}
	return a.start < b.start
}

// Arena is an address space allocator. It is safe for concurrent use.
type Arena struct {
	name    string
	base    uint64
	size    uint64
	quantum uint64

	mu sync.Mutex

	// cond is broadcast whenever space is freed or the arena is
	// destroyed. Its lock is mu.
	cond *sync.Cond

	// byAddr and byClass index the free segments. Protected by mu.
	byAddr  *btree.BTreeG[segment]
	byClass *btree.BTreeG[segment]

	// allocated maps the start of each allocated segment to its size.
	// Protected by mu.
	allocated map[uint64]uint64

	// inUse is the number of allocated bytes. Protected by mu.
	inUse uint64

	// destroyed is set by Destroy. Protected by mu.
	destroyed bool
}

// New returns an Arena spanning [base, base+size). quantum must be a power of
// two and size and base multiples of it. base must be non-zero so that a zero
// address can serve callers as a failure sentinel.
func New(name string, base, size, quantum uint64) (*Arena, error) {
	switch {
	case !bits.IsPowerOfTwo(quantum):
		return nil, fmt.Errorf("arena %s: quantum %#x is not a power of two: %w", name, quantum, linuxerr.EINVAL)
	case base == 0 || size == 0:
		return nil, fmt.Errorf("arena %s: empty or zero-based span [%#x, +%#x): %w", name, base, size, linuxerr.EINVAL)
	case base%quantum != 0 || size%quantum != 0:
		return nil, fmt.Errorf("arena %s: span [%#x, +%#x) is not aligned to %#x: %w", name, base, size, quantum, linuxerr.EINVAL)
	case base+size < base:
		return nil, fmt.Errorf("arena %s: span [%#x, +%#x) overflows: %w", name, base, size, linuxerr.EINVAL)
	}
	a := &Arena{
		name:      name,
		base:      base,
		size:      size,
		quantum:   quantum,
		byAddr:    btree.NewG(btreeDegree, lessByAddr),
		byClass:   btree.NewG(btreeDegree, lessByClass),
		allocated: make(map[uint64]uint64),
	}
	a.cond = sync.NewCond(&a.mu)
	a.insertFree(base, size)
	return a, nil
}

// Name returns the arena's name.
func (a *Arena) Name() string {
	return a.name
}

// Base returns the first address of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() uint64 {
	return a.size
}

// Contains returns true if [addr, addr+size) lies inside the arena.
func (a *Arena) Contains(addr, size uint64) bool {
	return addr >= a.base && addr+size >= addr && addr+size <= a.base+a.size
}

// InUse returns the number of allocated bytes.
func (a *Arena) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// class returns the size class of a free segment: the index of the largest
// power-of-two number of quanta it can always satisfy.
func (a *Arena) class(size uint64) int {
	return bits.MostSignificantOne64(size / a.quantum)
}

// Preconditions: a.mu is locked.
func (a *Arena) insertFree(start, size uint64) {
	s := segment{start: start, size: size, class: a.class(size)}
	a.byAddr.ReplaceOrInsert(s)
	a.byClass.ReplaceOrInsert(s)
}

// Preconditions: a.mu is locked.
func (a *Arena) removeFree(s segment) {
	a.byAddr.Delete(s)
	a.byClass.Delete(s)
}

// Preconditions: a.mu is locked.
func (a *Arena) instantFit(size uint64) (segment, bool) {
	var (
		found segment
		ok    bool
	)
	pivot := segment{class: bits.Log2Ceil64(size / a.quantum)}
	a.byClass.AscendGreaterOrEqual(pivot, func(s segment) bool {
		found, ok = s, true
		return false
	})
	return found, ok
}

// Preconditions: a.mu is locked.
func (a *Arena) bestFit(size uint64) (segment, bool) {
	var (
		found segment
		ok    bool
	)
	pivot := segment{class: a.class(size)}
	a.byClass.AscendGreaterOrEqual(pivot, func(s segment) bool {
		if s.size >= size {
			found, ok = s, true
			return false
		}
		return true
	})
	return found, ok
}

// Alloc allocates size bytes and returns the start address. size must be a
// positive multiple of the quantum. Exactly one of Sleep and NoSleep must be
// given. With NoSleep, ENOMEM is returned if no segment fits; with Sleep,
// Alloc blocks until one does. Alloc fails with ENOMEM once the arena has been
// destroyed.
func (a *Arena) Alloc(size uint64, flags Flags) (uint64, error) {
	if size == 0 || size%a.quantum != 0 {
		panic(fmt.Sprintf("arena %s: bad allocation size %#x", a.name, size))
	}
	if (flags&Sleep == 0) == (flags&NoSleep == 0) {
		panic(fmt.Sprintf("arena %s: exactly one of Sleep and NoSleep required, got %#x", a.name, flags))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if a.destroyed {
			return 0, linuxerr.ENOMEM
		}
		var (
			s  segment
			ok bool
		)
		if flags&BestFit == 0 {
			s, ok = a.instantFit(size)
		}
		if !ok {
			s, ok = a.bestFit(size)
		}
		if ok {
			a.removeFree(s)
			if s.size > size {
				a.insertFree(s.start+size, s.size-size)
			}
			a.allocated[s.start] = size
			a.inUse += size
			return s.start, nil
		}
		if flags&NoSleep != 0 {
			return 0, linuxerr.ENOMEM
		}
		a.cond.Wait()
	}
}

// Free returns [addr, addr+size) to the arena, coalescing it with adjacent
// free segments.
//
// Preconditions: [addr, addr+size) was returned by Alloc with the same size.
func (a *Arena) Free(addr, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if got, ok := a.allocated[addr]; !ok || got != size {
		panic(fmt.Sprintf("arena %s: freeing [%#x, +%#x) which was not allocated with that size", a.name, addr, size))
	}
	delete(a.allocated, addr)
	a.inUse -= size

	start, end := addr, addr+size
	var prev, next segment
	havePrev, haveNext := false, false
	a.byAddr.DescendLessOrEqual(segment{start: addr}, func(s segment) bool {
		prev, havePrev = s, s.end() == start
		return false
	})
	a.byAddr.AscendGreaterOrEqual(segment{start: end}, func(s segment) bool {
		next, haveNext = s, s.start == end
		return false
	})
	if havePrev {
		a.removeFree(prev)
		start = prev.start
	}
	if haveNext {
		a.removeFree(next)
		end = next.end()
	}
	a.insertFree(start, end-start)
	a.cond.Broadcast()
}

// Destroy marks the arena unusable and wakes blocked allocators.
func (a *Arena) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	if a.inUse != 0 {
		log.Warningf("Arena %s destroyed with %d bytes in %d segments still allocated", a.name, a.inUse, len(a.allocated))
	}
	a.destroyed = true
	a.cond.Broadcast()
}
