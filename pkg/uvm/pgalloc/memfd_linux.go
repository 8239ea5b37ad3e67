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

package pgalloc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NewMemfd creates a MemoryFile backed by an anonymous memfd.
func NewMemfd(name string, opts MemoryFileOpts) (*MemoryFile, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create(%q): %w", name, err)
	}
	file := os.NewFile(uintptr(fd), name)
	mf, err := NewMemoryFile(file, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	return mf, nil
}
