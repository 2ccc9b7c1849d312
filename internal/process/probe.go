// Copyright 2016 Aleksandr Demakin. All rights reserved.

package process

import (
	"bytes"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const pollInterval = 5 * time.Millisecond

// Alive probes the process with a null signal.
// Zombies are reported as dead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && err != unix.EPERM {
		return false
	}
	return !isZombie(pid)
}

// TerminatePID sends SIGTERM to a process, which is not a child of this one,
// polls it for not longer than grace and sends SIGKILL if it is still alive.
// It returns true, if SIGKILL was sent.
func TerminatePID(pid int, grace time.Duration) (forced bool, err error) {
	if !Alive(pid) {
		return false, nil
	}
	if err = unix.Kill(pid, syscall.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return false, nil
		}
		return false, os.NewSyscallError("kill", err)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return false, nil
		}
		time.Sleep(pollInterval)
	}
	if !Alive(pid) {
		return false, nil
	}
	if err = unix.Kill(pid, syscall.SIGKILL); err != nil && err != unix.ESRCH {
		return true, os.NewSyscallError("kill", err)
	}
	return true, nil
}

// isZombie reads the process state from procfs.
// It returns false, if procfs is not available.
func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// the command name is in parens and may contain spaces.
	idx := bytes.LastIndexByte(data, ')')
	if idx < 0 || idx+2 >= len(data) {
		return false
	}
	return data[idx+2] == 'Z'
}
