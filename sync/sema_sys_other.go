// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build unix && !(linux && (amd64 || arm64))

package sync

import (
	"os"

	"github.com/nxgtw/ipclab/internal/common"

	"golang.org/x/sys/unix"
)

func semget(k common.Key, nsems, semflg int) (int, error) {
	return 0, os.NewSyscallError("SEMGET", unix.ENOSYS)
}

func semctl(id, num, cmd, arg int) (int, error) {
	return 0, os.NewSyscallError("SEMCTL", unix.ENOSYS)
}

func semop(id int, ops []sembuf) error {
	return os.NewSyscallError("SEMOP", unix.ENOSYS)
}

func semtimedop(id int, ops []sembuf, timeout *unix.Timespec) error {
	return os.NewSyscallError("SEMTIMEDOP", unix.ENOSYS)
}
