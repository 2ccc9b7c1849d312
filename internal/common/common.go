// Copyright 2016 Aleksandr Demakin. All rights reserved.

package common

import (
	"os"
	"syscall"
	"time"

	"github.com/nxgtw/ipclab"
	"github.com/pkg/errors"
)

// OpenOrCreate calls creator according to the open mode.
// creator is called with 'true', when it must create a new object exclusively.
// It returns true, if the object was created.
func OpenOrCreate(creator func(bool) error, mode int) (bool, error) {
	switch mode {
	case ipc.O_OPEN_ONLY:
		return false, creator(false)
	case ipc.O_CREATE_ONLY:
		err := creator(true)
		if err != nil {
			return false, err
		}
		return true, nil
	case ipc.O_OPEN_OR_CREATE:
		const attempts = 16
		var err error
		for attempt := 0; attempt < attempts; attempt++ {
			if err = creator(true); !os.IsExist(err) {
				return true, err
			}
			if err = creator(false); !os.IsNotExist(err) {
				return false, err
			}
		}
		return false, err
	default:
		return false, errors.Errorf("unknown open mode %d", mode)
	}
}

// SyscallErrHasCode returns true, if err is an *os.SyscallError or *os.PathError
// with the given errno.
func SyscallErrHasCode(err error, code syscall.Errno) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == code
	}
	return false
}

// UninterruptedSyscall calls f until it returns something other than EINTR.
func UninterruptedSyscall(f func() error) error {
	for {
		err := f()
		if !IsInterruptedSyscallErr(err) {
			return err
		}
	}
}

// UninterruptedSyscallTimeout calls f until it returns something other than EINTR.
// Each call receives the time left until the deadline.
// A negative timeout means 'wait forever' and is passed to f as is.
func UninterruptedSyscallTimeout(f func(time.Duration) error, timeout time.Duration) error {
	if timeout < 0 {
		return UninterruptedSyscall(func() error { return f(timeout) })
	}
	deadline := time.Now().Add(timeout)
	for {
		err := f(timeout)
		if !IsInterruptedSyscallErr(err) {
			return err
		}
		if timeout = time.Until(deadline); timeout < 0 {
			timeout = 0
		}
	}
}
