// Copyright 2016 Aleksandr Demakin. All rights reserved.

package common

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/nxgtw/ipclab"
	"github.com/stretchr/testify/assert"
)

func TestOpenOrCreate(t *testing.T) {
	a := assert.New(t)
	exists := false
	creator := func(create bool) error {
		if create && exists {
			return &os.PathError{Op: "create", Err: syscall.EEXIST}
		}
		if !create && !exists {
			return &os.PathError{Op: "open", Err: syscall.ENOENT}
		}
		exists = true
		return nil
	}
	_, err := OpenOrCreate(creator, ipc.O_OPEN_ONLY)
	a.True(os.IsNotExist(err))
	created, err := OpenOrCreate(creator, ipc.O_CREATE_ONLY)
	a.NoError(err)
	a.True(created)
	_, err = OpenOrCreate(creator, ipc.O_CREATE_ONLY)
	a.True(os.IsExist(err))
	created, err = OpenOrCreate(creator, ipc.O_OPEN_OR_CREATE)
	a.NoError(err)
	a.False(created)
	_, err = OpenOrCreate(creator, 0)
	a.Error(err)
}

func TestUninterruptedSyscall(t *testing.T) {
	a := assert.New(t)
	calls := 0
	err := UninterruptedSyscall(func() error {
		calls++
		if calls < 3 {
			return os.NewSyscallError("SEMOP", syscall.EINTR)
		}
		return nil
	})
	a.NoError(err)
	a.Equal(3, calls)
}

func TestUninterruptedSyscallTimeout(t *testing.T) {
	a := assert.New(t)
	var timeouts []time.Duration
	err := UninterruptedSyscallTimeout(func(d time.Duration) error {
		timeouts = append(timeouts, d)
		if len(timeouts) == 1 {
			time.Sleep(10 * time.Millisecond)
			return os.NewSyscallError("SEMTIMEDOP", syscall.EINTR)
		}
		return os.NewSyscallError("SEMTIMEDOP", syscall.EAGAIN)
	}, time.Second)
	a.True(IsTimeoutErr(err))
	if a.Len(timeouts, 2) {
		a.Equal(time.Second, timeouts[0])
		a.True(timeouts[1] < time.Second)
		a.True(timeouts[1] >= 0)
	}
}

func TestFtok(t *testing.T) {
	a := assert.New(t)
	k1, err := Ftok(os.TempDir(), 1)
	if !a.NoError(err) {
		return
	}
	k2, err := Ftok(os.TempDir(), 2)
	a.NoError(err)
	a.NotEqual(k1, k2)
	a.Equal(Key(1), k1>>24)
	_, err = Ftok("/this/path/does/not/exist", 1)
	a.Error(err)
}

func TestTimeoutToTimeSpec(t *testing.T) {
	a := assert.New(t)
	a.Nil(TimeoutToTimeSpec(-1))
	ts := TimeoutToTimeSpec(1500 * time.Millisecond)
	if a.NotNil(ts) {
		a.Equal(int64(1), int64(ts.Sec))
		a.Equal(int64(500000000), int64(ts.Nsec))
	}
}
