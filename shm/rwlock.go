// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package shm

import (
	"sync/atomic"
	"time"

	"github.com/nxgtw/ipclab"
	ipcsync "github.com/nxgtw/ipclab/sync"
	"github.com/pkg/errors"
)

// semaphore slots of a segment.
const (
	semGeneral = iota
	semReaderMutex
	semWriteLock

	semCount
)

// rwLock implements the reader-preference solution of the readers-writers problem
// on top of a sysV semaphore set and the reader count and the writer flag from the layout.
// While there are active readers, new readers enter immediately,
// so a continuous flow of readers starves writers.
type rwLock struct {
	sems    *ipcsync.SemaphoreSet
	layout  *segmentLayout
	timeout time.Duration
}

func (l *rwLock) lockForRead() error {
	if err := l.sems.WaitTimeout(semReaderMutex, l.timeout); err != nil {
		return errors.Wrap(err, "failed to lock reader mutex")
	}
	// only the holder of the reader mutex can see zero readers,
	// so the count is incremented after the write lock is held.
	if l.layout.readers() == 0 {
		if err := l.sems.WaitTimeout(semWriteLock, l.timeout); err != nil {
			l.sems.Signal(semReaderMutex)
			return errors.Wrap(err, "failed to lock for read")
		}
		// a writer, which crashed inside the critical section, leaves the flag set.
		atomic.StoreUint32(&l.layout.writerActive, 0)
	}
	atomic.AddInt32(&l.layout.readerCount, 1)
	return l.sems.Signal(semReaderMutex)
}

func (l *rwLock) lockForWrite() error {
	if err := l.sems.WaitTimeout(semWriteLock, l.timeout); err != nil {
		return errors.Wrap(err, "failed to lock for write")
	}
	atomic.StoreUint32(&l.layout.writerActive, 1)
	return nil
}

func (l *rwLock) unlock() error {
	if atomic.CompareAndSwapUint32(&l.layout.writerActive, 1, 0) {
		return l.sems.Signal(semWriteLock)
	}
	if err := l.sems.WaitTimeout(semReaderMutex, l.timeout); err != nil {
		return errors.Wrap(err, "failed to lock reader mutex")
	}
	if l.layout.readers() == 0 {
		l.sems.Signal(semReaderMutex)
		return ipc.NewError(ipc.ErrInvalidState, "unlock", errors.New("the segment is not locked"))
	}
	if atomic.AddInt32(&l.layout.readerCount, -1) == 0 {
		if err := l.sems.Signal(semWriteLock); err != nil {
			l.sems.Signal(semReaderMutex)
			return err
		}
	}
	return l.sems.Signal(semReaderMutex)
}

// locked returns true, if a writer or readers hold the segment.
func (l *rwLock) locked() bool {
	value, err := l.sems.Value(semWriteLock)
	return err == nil && value == 0
}

// waiters returns the number of processes waiting on any of the semaphores.
func (l *rwLock) waiters() int {
	var result int
	for num := 0; num < semCount; num++ {
		if n, err := l.sems.Waiters(num); err == nil {
			result += n
		}
	}
	return result
}
