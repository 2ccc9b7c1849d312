// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package shm

import (
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nxgtw/ipclab"
	ipc_testing "github.com/nxgtw/ipclab/internal/test"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	if name := ipc_testing.HelperName(); name != "" {
		os.Exit(runHelper(name, ipc_testing.HelperArgs()))
	}
	os.Exit(m.Run())
}

// runHelper is executed in a separate process.
// args[0] is the segment key.
func runHelper(name string, args []string) int {
	key, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 2
	}
	s := New(zap.NewNop(), DefaultOptions())
	if err := s.Attach(key); err != nil {
		os.Stderr.WriteString(err.Error())
		return 3
	}
	switch name {
	case "writer":
		if err := s.WriteMessage(args[1]); err != nil {
			return 4
		}
	case "crashed-writer":
		if err := s.LockForWrite(); err != nil {
			return 4
		}
		// exit without unlocking, the kernel must undo the semaphore operation.
		os.Exit(1)
	}
	if err := s.Detach(); err != nil {
		return 5
	}
	return 0
}

func newTestSegment(t *testing.T, opts Options) (*SharedSegment, uint64) {
	key, err := KeyFor(t.TempDir(), 1)
	require.NoError(t, err)
	require.NoError(t, DestroySegment(key))
	s := New(zaptest.NewLogger(t), opts)
	require.NoError(t, s.Create(key))
	t.Cleanup(func() {
		assert.NoError(t, s.Destroy())
		assert.NoError(t, DestroySegment(key))
	})
	return s, key
}

func TestSegmentWriteRead(t *testing.T) {
	a := assert.New(t)
	s, _ := newTestSegment(t, DefaultOptions())
	a.True(s.IsAttached())
	a.True(s.IsCreator())
	a.Equal("none", s.LastOperation().Operation)
	msg, err := s.ReadMessage()
	a.NoError(err)
	a.Equal(InitialMessage, msg)
	a.NoError(s.WriteMessage("hello"))
	last := s.LastOperation()
	a.Equal("write", last.Operation)
	a.Equal(ipc.OutcomeSuccess, last.Status)
	a.Equal("hello", last.Content)
	a.Equal(5, last.Size)
	a.Equal(os.Getpid(), last.LastWriter)
	msg, err = s.ReadMessage()
	a.NoError(err)
	a.Equal("hello", msg)
	detail := s.Detail()
	a.Equal("hello", detail.Content)
	a.Equal(SyncUnlocked, detail.SyncState)
	a.Equal(0, detail.WaitingProcesses)
	a.Equal(0, detail.ReaderCount)
	a.WithinDuration(time.Now(), detail.LastModified, time.Minute)
}

func TestSegmentTruncate(t *testing.T) {
	a := assert.New(t)
	s, _ := newTestSegment(t, DefaultOptions())
	a.NoError(s.WriteMessage(strings.Repeat("x", 2*BufferSize)))
	msg, err := s.ReadMessage()
	a.NoError(err)
	a.Len(msg, BufferSize-1)
	a.NoError(s.WriteMessage("short"))
	msg, err = s.ReadMessage()
	a.NoError(err)
	a.Equal("short", msg)
}

func TestSegmentCreateCollision(t *testing.T) {
	a := assert.New(t)
	_, key := newTestSegment(t, DefaultOptions())
	other := New(zaptest.NewLogger(t), DefaultOptions())
	err := other.Create(key)
	a.True(errors.Is(err, ipc.ErrCreation))
	a.False(other.IsAttached())
}

func TestSegmentNotAttached(t *testing.T) {
	a := assert.New(t)
	s := New(zaptest.NewLogger(t), DefaultOptions())
	a.True(errors.Is(s.WriteMessage("x"), ipc.ErrNotAttached))
	_, err := s.ReadMessage()
	a.True(errors.Is(err, ipc.ErrNotAttached))
	a.True(errors.Is(s.LockForRead(), ipc.ErrNotAttached))
	a.True(errors.Is(s.LockForWrite(), ipc.ErrNotAttached))
	a.True(errors.Is(s.Unlock(), ipc.ErrNotAttached))
	a.Equal(ipc.OutcomeError, s.LastOperation().Status)
	a.Equal(SyncUnlocked, s.Detail().SyncState)
	a.NoError(s.Detach())
	a.NoError(s.Destroy())
}

func TestSegmentAttachMissing(t *testing.T) {
	a := assert.New(t)
	key, err := KeyFor(t.TempDir(), 1)
	a.NoError(err)
	a.NoError(DestroySegment(key))
	s := New(zaptest.NewLogger(t), DefaultOptions())
	a.True(errors.Is(s.Attach(key), ipc.ErrNotAttached))
}

func TestSegmentDestroyByNonCreator(t *testing.T) {
	a := assert.New(t)
	s, key := newTestSegment(t, DefaultOptions())
	other := New(zaptest.NewLogger(t), DefaultOptions())
	if !a.NoError(other.Attach(key)) {
		return
	}
	a.False(other.IsCreator())
	a.Equal(key, other.Key())
	a.NoError(s.WriteMessage("shared"))
	msg, err := other.ReadMessage()
	a.NoError(err)
	a.Equal("shared", msg)
	a.True(errors.Is(other.Destroy(), ipc.ErrInvalidState))
	a.NoError(other.Detach())
	a.False(other.IsAttached())
	msg, err = s.ReadMessage()
	a.NoError(err)
	a.Equal("shared", msg)
}

func TestSegmentUnlockWithoutLock(t *testing.T) {
	s, _ := newTestSegment(t, DefaultOptions())
	assert.True(t, errors.Is(s.Unlock(), ipc.ErrInvalidState))
}

func TestSegmentWriteTimeout(t *testing.T) {
	a := assert.New(t)
	s, _ := newTestSegment(t, Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, s.LockForRead())
	err := s.WriteMessage("blocked")
	a.True(errors.Is(err, ipc.ErrSyncTimeout))
	a.Equal(ipc.OutcomeError, s.LastOperation().Status)
	a.Equal(SyncLocked, s.Detail().SyncState)
	a.NoError(s.Unlock())
	a.NoError(s.WriteMessage("unblocked"))
}

func TestSegmentReadersBlockWriter(t *testing.T) {
	a := assert.New(t)
	s, _ := newTestSegment(t, DefaultOptions())
	require.NoError(t, s.LockForRead())
	require.NoError(t, s.LockForRead())
	a.Equal(2, s.Detail().ReaderCount)
	locked := make(chan error, 1)
	go func() {
		locked <- s.LockForWrite()
	}()
	a.Eventually(func() bool {
		return s.Detail().WaitingProcesses == 1
	}, time.Second, 5*time.Millisecond)
	a.Equal(SyncLocked, s.Detail().SyncState)
	a.NoError(s.Unlock())
	select {
	case <-locked:
		t.Fatal("writer acquired the lock while a reader is active")
	case <-time.After(100 * time.Millisecond):
	}
	a.NoError(s.Unlock())
	select {
	case err := <-locked:
		a.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("writer was not admitted after readers released")
	}
	a.True(s.layout.writing())
	a.Equal(0, s.layout.readers())
	a.NoError(s.Unlock())
	a.False(s.layout.writing())
	a.Equal(SyncUnlocked, s.Detail().SyncState)
}

func TestSegmentMutualExclusion(t *testing.T) {
	s, _ := newTestSegment(t, DefaultOptions())
	const (
		workers    = 8
		iterations = 100
	)
	var violations atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for j := 0; j < iterations; j++ {
				if rnd.Intn(3) == 0 {
					if err := s.LockForWrite(); err != nil {
						violations.Add(1)
						return
					}
					if s.layout.readers() != 0 {
						violations.Add(1)
					}
					s.layout.writeMessage(strconv.Itoa(j), os.Getpid())
				} else {
					if err := s.LockForRead(); err != nil {
						violations.Add(1)
						return
					}
					if s.layout.writing() {
						violations.Add(1)
					}
				}
				if err := s.Unlock(); err != nil {
					violations.Add(1)
				}
			}
		}(int64(i))
	}
	assert.True(t, ipc_testing.WaitForFunc(wg.Wait, 30*time.Second))
	assert.Zero(t, violations.Load())
	assert.Equal(t, 0, s.layout.readers())
	assert.False(t, s.layout.writing())
}

func TestSegmentOtherProcessWrites(t *testing.T) {
	a := assert.New(t)
	s, key := newTestSegment(t, DefaultOptions())
	result := ipc_testing.RunTestApp("writer", []string{strconv.FormatUint(key, 10), "from another process"}, nil)
	if !a.NoError(result.Err, result.Output) {
		return
	}
	msg, err := s.ReadMessage()
	a.NoError(err)
	a.Equal("from another process", msg)
	detail := s.Detail()
	a.NotEqual(os.Getpid(), detail.LastWriter)
	a.NotZero(detail.LastWriter)
}

func TestSegmentCrashedWriterIsUndone(t *testing.T) {
	a := assert.New(t)
	s, key := newTestSegment(t, Options{Timeout: 2 * time.Second})
	result := ipc_testing.RunTestApp("crashed-writer", []string{strconv.FormatUint(key, 10)}, nil)
	a.Error(result.Err)
	msg, err := s.ReadMessage()
	a.NoError(err)
	a.Equal(InitialMessage, msg)
	a.False(s.layout.writing())
	a.NoError(s.WriteMessage("after crash"))
}

func TestSegmentDestroyWakesWaiters(t *testing.T) {
	a := assert.New(t)
	key, err := KeyFor(t.TempDir(), 1)
	require.NoError(t, err)
	require.NoError(t, DestroySegment(key))
	s := New(zaptest.NewLogger(t), DefaultOptions())
	require.NoError(t, s.Create(key))
	require.NoError(t, s.LockForRead())
	done := make(chan error, 1)
	go func() {
		done <- s.WriteMessage("never")
	}()
	a.Eventually(func() bool {
		return s.Detail().WaitingProcesses == 1
	}, time.Second, 5*time.Millisecond)
	a.NoError(s.Destroy())
	select {
	case err := <-done:
		a.Error(err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by destroy")
	}
	a.False(s.IsAttached())
	a.NoError(s.Destroy())
}
