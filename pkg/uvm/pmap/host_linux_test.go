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
	"testing"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/hostarch"
)

func TestHostEnterRemove(t *testing.T) {
	mf := newMem(t, 2)
	h := NewHost(mf)
	defer h.Release()

	va, err := h.Reserve(2 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	a, b := allocFilled(t, mf, 'x'), allocFilled(t, mf, 'y')
	h.EmapEnter(va, a)
	h.KEnter(va+hostarch.PageSize, b, hostarch.Read)

	got := h.Bytes(va, 2*hostarch.PageSize)
	if got[0] != 'x' || got[hostarch.PageSize] != 'y' {
		t.Errorf("mapped bytes = %q, %q; want 'x', 'y'", got[0], got[hostarch.PageSize])
	}

	// Writes to the frame are visible through the shared mapping.
	mf.Slice(a)[1] = 'z'
	if got[1] != 'z' {
		t.Errorf("mapping does not share the frame: got %q, want 'z'", got[1])
	}

	h.EmapRemove(va, 2*hostarch.PageSize)
	h.Update()
	if h.Shootdowns() != 1 {
		t.Errorf("Shootdowns = %d, want 1", h.Shootdowns())
	}
}

func TestHostEnterOutsideReservationPanics(t *testing.T) {
	h := NewHost(newMem(t, 1))
	defer h.Release()
	defer func() {
		if recover() == nil {
			t.Errorf("EmapEnter outside a reservation did not panic")
		}
	}()
	h.EmapEnter(hostarch.Addr(hostarch.PageSize), 0)
}
