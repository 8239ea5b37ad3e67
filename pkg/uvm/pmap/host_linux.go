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

//go:build linux

package pmap

import (
	"fmt"
	"unsafe"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/atomicbitops"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/sync"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/cpu"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/uvm/pgalloc"
	"golang.org/x/sys/unix"
)

// Host maps frames of a pgalloc.MemoryFile into real address space of this
// process. Reserved ranges are PROT_NONE until entered. The host kernel keeps
// TLBs coherent, so synchronization only needs to be counted.
type Host struct {
	mem *pgalloc.MemoryFile

	mu sync.Mutex

	// reservations are the ranges returned by Reserve. Protected by mu.
	reservations []hostarch.AddrRange

	syncs      atomicbitops.Uint64
	shootdowns atomicbitops.Uint64
}

// NewHost returns a Host mapping frames of mem.
func NewHost(mem *pgalloc.MemoryFile) *Host {
	return &Host{mem: mem}
}

// Reserve implements Interface.Reserve.
func (h *Host) Reserve(size uint64) (hostarch.Addr, error) {
	if size == 0 || !hostarch.IsPageAligned(size) {
		return 0, fmt.Errorf("reserve of %#x bytes: %w", size, unix.EINVAL)
	}
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		uintptr(size),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
		^uintptr(0),
		0)
	if errno != 0 {
		return 0, fmt.Errorf("reserve of %#x bytes: %w", size, errno)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reservations = append(h.reservations, hostarch.AddrRange{Start: hostarch.Addr(addr), End: hostarch.Addr(addr + uintptr(size))})
	return hostarch.Addr(addr), nil
}

// reserved returns true if [va, va+length) lies in one reservation.
func (h *Host) reserved(va hostarch.Addr, length uint64) bool {
	ar, ok := va.ToRange(length)
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.reservations {
		if r.IsSupersetOf(ar) {
			return true
		}
	}
	return false
}

func (h *Host) enter(va hostarch.Addr, pa uint64, at hostarch.AccessType) {
	if !h.reserved(va, hostarch.PageSize) {
		panic(fmt.Sprintf("mapping %v outside of reserved address space", va))
	}
	if _, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(va),
		hostarch.PageSize,
		uintptr(at.Prot()),
		unix.MAP_SHARED|unix.MAP_FIXED,
		h.mem.File().Fd(),
		uintptr(pa)); errno != 0 {
		// The range is reserved, so this can only fail on resource
		// exhaustion in the host.
		panic(fmt.Sprintf("failed to map frame %#x at %v: %v", pa, va, errno))
	}
}

func (h *Host) remove(va hostarch.Addr, length uint64) {
	if !h.reserved(va, length) {
		panic(fmt.Sprintf("unmapping [%v, +%#x) outside of reserved address space", va, length))
	}
	if _, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(va),
		uintptr(length),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED,
		^uintptr(0),
		0); errno != 0 {
		log.Warningf("Host pmap: failed to unmap [%v, +%#x): %v", va, length, errno)
	}
}

// KEnter implements Interface.KEnter.
func (h *Host) KEnter(va hostarch.Addr, pa uint64, at hostarch.AccessType) {
	h.enter(va, pa, at)
}

// KRemove implements Interface.KRemove.
func (h *Host) KRemove(va hostarch.Addr, length uint64) {
	h.remove(va, length)
}

// Update implements Interface.Update.
func (h *Host) Update() {
	h.shootdowns.Add(1)
}

// EmapEnter implements Emap.EmapEnter.
func (h *Host) EmapEnter(va hostarch.Addr, pa uint64) {
	h.enter(va, pa, hostarch.Read)
}

// EmapRemove implements Emap.EmapRemove.
func (h *Host) EmapRemove(va hostarch.Addr, length uint64) {
	h.remove(va, length)
}

// EmapSync implements Emap.EmapSync.
func (h *Host) EmapSync(c *cpu.CPU, canLoad bool) {
	h.syncs.Add(1)
}

// Syncs returns the number of EmapSync calls.
func (h *Host) Syncs() uint64 {
	return h.syncs.Load()
}

// Shootdowns returns the number of Update calls.
func (h *Host) Shootdowns() uint64 {
	return h.shootdowns.Load()
}

// Bytes returns the n bytes mapped at va.
//
// Preconditions: [va, va+n) is mapped readable and stays mapped while the
// slice is in use.
func (h *Host) Bytes(va hostarch.Addr, n uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), n)
}

// Release unmaps every reservation.
func (h *Host) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.reservations {
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(r.Start), uintptr(r.Length()), 0); errno != 0 {
			// This leaks address space and is unexpected, but is
			// otherwise harmless, so complain but don't panic.
			log.Warningf("Host pmap: failed to unmap reservation %v: %v", r, errno)
		}
	}
	h.reservations = nil
}
