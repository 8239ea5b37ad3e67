// Copyright 2018 The gVisor Authors.
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

// Package linuxerr contains error codes exported as an error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub151/pkg/errors"
	"golang.org/x/sys/unix"
)

// The following errors are semantically identical to unix.Errno values of
// the same name. The Errno method returns the number such that the error can
// be compared to a unix.Errno (e.g. EBUSY.Errno() == unix.EBUSY is true).
var (
	EINTR  = errors.New(unix.EINTR, "interrupted system call")
	EIO    = errors.New(unix.EIO, "I/O error")
	EAGAIN = errors.New(unix.EAGAIN, "try again")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EBUSY  = errors.New(unix.EBUSY, "device or resource busy")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	EFBIG  = errors.New(unix.EFBIG, "file too large")
	ENOSPC = errors.New(unix.ENOSPC, "no space left on device")
)

var errorMap = map[unix.Errno]*errors.Error{
	unix.EINTR:  EINTR,
	unix.EIO:    EIO,
	unix.EAGAIN: EAGAIN,
	unix.ENOMEM: ENOMEM,
	unix.EFAULT: EFAULT,
	unix.EBUSY:  EBUSY,
	unix.EINVAL: EINVAL,
	unix.EFBIG:  EFBIG,
	unix.ENOSPC: ENOSPC,
}

// ErrorFromUnix returns the *errors.Error for the given errno. Errnos without
// a canonical error fall back to a freshly made one.
func ErrorFromUnix(err unix.Errno) *errors.Error {
	if err == 0 {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToError converts an error to a comparable *errors.Error if it wraps a
// unix.Errno, and otherwise returns it unchanged.
func ToError(err error) error {
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return ErrorFromUnix(errno)
	}
	return err
}

// ToUnix converts an error to a unix.Errno. ok is false if err carries no
// errno.
func ToUnix(err error) (unix.Errno, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// Equals compares a linuxerr to a given error, following wrapped errors and
// translating unix.Errno values along the way.
func Equals(e *errors.Error, err error) bool {
	if goerrors.Is(err, e) {
		return true
	}
	if errno, ok := ToUnix(err); ok {
		return e != nil && errno == e.Errno()
	}
	return e == nil && err == nil
}
