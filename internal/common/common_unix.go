// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build unix

package common

import (
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	IpcCreate = 00001000 /* create if key is nonexistent */
	IpcExcl   = 00002000 /* fail if key exists */
	IpcNoWait = 00004000 /* return error on wait */

	IpcRmid = 0 /* remove resource */
	IpcSet  = 1 /* set ipc_perm options */
	IpcStat = 2 /* get ipc_perm options */

	SemUndo = 0x1000 /* undo the operation on exit */
)

// Key is a sysV ipc key.
type Key uint64

// IpcPrivate makes the kernel generate a new key.
const IpcPrivate Key = 0

// Ftok converts a path and a project id into a sysV key the same way ftok(3) does.
func Ftok(name string, projID uint64) (Key, error) {
	var statfs unix.Stat_t
	if err := unix.Stat(name, &statfs); err != nil {
		return Key(0), errors.Wrapf(err, "failed to stat %q", name)
	}
	k := uint64(statfs.Ino)&0xFFFF | ((uint64(statfs.Dev) & 0xFF) << 16) | ((projID & 0xFF) << 24)
	return Key(k), nil
}

// TimeoutToTimeSpec converts a relative timeout into a timespec.
// It returns nil for negative values, which means 'no timeout' for the kernel.
func TimeoutToTimeSpec(timeout time.Duration) *unix.Timespec {
	if timeout >= 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		return &ts
	}
	return nil
}

func IsInterruptedSyscallErr(err error) bool {
	return SyscallErrHasCode(err, syscall.EINTR)
}

func IsTimeoutErr(err error) bool {
	return SyscallErrHasCode(err, syscall.EAGAIN)
}
