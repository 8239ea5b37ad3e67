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

// Package hostfile provides host files used as the backing store of vnodes.
//
// A File holds an advisory lock on a companion lock file for as long as it is
// open, so that two processes never page the same file at once.
package hostfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/cleanup"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/errors/linuxerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/log"
	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// LockSuffix is appended to a file's path to name its lock file.
const LockSuffix = ".lock"

// DefaultRetries is the number of times interrupted I/O is retried.
const DefaultRetries = 5

// Opts configure Open.
type Opts struct {
	// ReadOnly opens the file for reading and takes a shared lock.
	ReadOnly bool

	// Create creates the file if it does not exist.
	Create bool

	// NoWait fails with EBUSY instead of waiting for the lock.
	NoWait bool

	// Retries is the number of times I/O failing with EINTR or EAGAIN is
	// retried. If 0, DefaultRetries is used.
	Retries uint64
}

// File is an open, locked host file.
type File struct {
	f       *os.File
	lock    *flock.Flock
	retries uint64
}

// Open opens the file at path and locks it.
func Open(path string, opts Opts) (*File, error) {
	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	if opts.Create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	cu := cleanup.Make(func() { f.Close() })
	defer cu.Clean()

	l := flock.New(path + LockSuffix)
	var locked bool
	switch {
	case opts.NoWait && opts.ReadOnly:
		locked, err = l.TryRLock()
	case opts.NoWait:
		locked, err = l.TryLock()
	case opts.ReadOnly:
		err = l.RLock()
		locked = err == nil
	default:
		err = l.Lock()
		locked = err == nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring lock on %q: %w", l.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%q is locked by another process: %w", path, linuxerr.EBUSY)
	}

	retries := opts.Retries
	if retries == 0 {
		retries = DefaultRetries
	}
	cu.Release()
	log.Debugf("Opened %q (read-only: %t)", path, opts.ReadOnly)
	return &File{f: f, lock: l, retries: retries}, nil
}

var (
	_ io.ReaderAt = (*File)(nil)
	_ io.WriterAt = (*File)(nil)
)

// Name returns the path the file was opened with.
func (f *File) Name() string {
	return f.f.Name()
}

// retry runs op until it succeeds, fails with an error other than EINTR or
// EAGAIN, or runs out of retries.
func (f *File) retry(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(b, f.retries))
}

// ReadAt implements io.ReaderAt.ReadAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	var n int
	err := f.retry(func() error {
		var err error
		n, err = f.f.ReadAt(p, off)
		return err
	})
	return n, err
}

// WriteAt implements io.WriterAt.WriteAt.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	var n int
	err := f.retry(func() error {
		var err error
		n, err = f.f.WriteAt(p, off)
		return err
	})
	return n, err
}

// Sync flushes the file to stable storage.
func (f *File) Sync() error {
	return f.retry(f.f.Sync)
}

// Size returns the size of the file.
func (f *File) Size() (int64, error) {
	st, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Truncate changes the size of the file.
func (f *File) Truncate(size int64) error {
	return f.retry(func() error {
		return f.f.Truncate(size)
	})
}

// Close unlocks and closes the file.
func (f *File) Close() error {
	err := f.lock.Unlock()
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	return err
}
