// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build unix

package sync

import (
	"os"
	"time"

	"github.com/nxgtw/ipclab"
	"github.com/nxgtw/ipclab/internal/common"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	cGetVal  = 12
	cGetNCnt = 14
	cSetVal  = 16
)

type sembuf struct {
	semnum uint16
	semop  int16
	semflg int16
}

// SemaphoreSet is a sysV semaphore set.
// All operations are done with SEM_UNDO, so the kernel reverts
// the adjustments of a process, which exits abnormally.
type SemaphoreSet struct {
	key  common.Key
	id   int
	size int
}

// NewSemaphoreSet opens or creates a sysV semaphore set for the given key.
//	key - object key. each semaphore set is identified by a unique key.
//	size - number of semaphores in the set.
//	mode - object creation mode. must be one of the following:
//		O_OPEN_OR_CREATE
//		O_CREATE_ONLY
//		O_OPEN_ONLY
//	perm - object permissions
//	initial - if the set was created, every semaphore is set to this value.
func NewSemaphoreSet(key uint64, size int, mode int, perm os.FileMode, initial int) (*SemaphoreSet, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid semaphore set size %d", size)
	}
	var id int
	creator := func(create bool) error {
		var creatorErr error
		flags := int(perm)
		if create {
			flags |= common.IpcCreate | common.IpcExcl
		}
		id, creatorErr = semget(common.Key(key), size, flags)
		return creatorErr
	}
	created, err := common.OpenOrCreate(creator, mode)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open/create sysv semaphore set")
	}
	result := &SemaphoreSet{key: common.Key(key), id: id, size: size}
	if created {
		for num := 0; num < size; num++ {
			if err = result.SetValue(num, initial); err != nil {
				result.Destroy()
				return nil, errors.Wrap(err, "failed to set initial semaphore value")
			}
		}
	}
	return result, nil
}

// ID returns the kernel id of the set.
func (s *SemaphoreSet) ID() int {
	return s.id
}

// Size returns the number of semaphores in the set.
func (s *SemaphoreSet) Size() int {
	return s.size
}

// Add adds value to the semaphore number num.
// It blocks, if the operation cannot be done immediately.
func (s *SemaphoreSet) Add(num, value int) error {
	if err := s.checkNum(num); err != nil {
		return err
	}
	b := []sembuf{{semnum: uint16(num), semop: int16(value), semflg: common.SemUndo}}
	return common.UninterruptedSyscall(func() error { return semop(s.id, b) })
}

// Wait decrements the semaphore number num, blocking until it is possible.
func (s *SemaphoreSet) Wait(num int) error {
	return s.Add(num, -1)
}

// WaitTimeout decrements the semaphore number num, waiting for not longer, than timeout.
// Interrupted waits are restarted with the time left.
// If the time is out, an error of kind ipc.ErrSyncTimeout is returned.
// A negative timeout means 'wait forever'.
func (s *SemaphoreSet) WaitTimeout(num int, timeout time.Duration) error {
	if err := s.checkNum(num); err != nil {
		return err
	}
	b := []sembuf{{semnum: uint16(num), semop: -1, semflg: common.SemUndo}}
	err := common.UninterruptedSyscallTimeout(func(curTimeout time.Duration) error {
		return semtimedop(s.id, b, common.TimeoutToTimeSpec(curTimeout))
	}, timeout)
	if common.IsTimeoutErr(err) {
		return ipc.NewError(ipc.ErrSyncTimeout, "semaphore wait", err)
	}
	return err
}

// Signal increments the semaphore number num.
func (s *SemaphoreSet) Signal(num int) error {
	return s.Add(num, 1)
}

// SetValue sets the value of the semaphore number num.
// It resets all undo adjustments for it.
func (s *SemaphoreSet) SetValue(num, value int) error {
	if err := s.checkNum(num); err != nil {
		return err
	}
	_, err := semctl(s.id, num, cSetVal, value)
	return err
}

// Value returns the current value of the semaphore number num.
func (s *SemaphoreSet) Value(num int) (int, error) {
	if err := s.checkNum(num); err != nil {
		return 0, err
	}
	return semctl(s.id, num, cGetVal, 0)
}

// Waiters returns the number of processes waiting for the semaphore number num to increase.
func (s *SemaphoreSet) Waiters(num int) (int, error) {
	if err := s.checkNum(num); err != nil {
		return 0, err
	}
	return semctl(s.id, num, cGetNCnt, 0)
}

// Close is a no-op on unix.
func (s *SemaphoreSet) Close() error {
	return nil
}

// Destroy removes the semaphore set permanently.
// Processes waiting on it are woken with an error.
func (s *SemaphoreSet) Destroy() error {
	return removeSemaphoreSetByID(s.id)
}

func (s *SemaphoreSet) checkNum(num int) error {
	if num < 0 || num >= s.size {
		return errors.Errorf("semaphore number %d is out of range [0, %d)", num, s.size)
	}
	return nil
}

// DestroySemaphoreSet permanently removes the semaphore set with the given key.
// It is not an error, if the set does not exist.
func DestroySemaphoreSet(key uint64) error {
	id, err := semget(common.Key(key), 0, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to get semaphore set id")
	}
	return removeSemaphoreSetByID(id)
}

func removeSemaphoreSetByID(id int) error {
	_, err := semctl(id, 0, common.IpcRmid, 0)
	if err == nil || os.IsNotExist(err) || common.SyscallErrHasCode(err, unix.EINVAL) || common.SyscallErrHasCode(err, unix.EIDRM) {
		return nil
	}
	return errors.Wrap(err, "semctl failed")
}
