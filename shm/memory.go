// Copyright 2015 Aleksandr Demakin. All rights reserved.

//go:build linux

package shm

import (
	"os"

	"github.com/nxgtw/ipclab/internal/common"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Memory is a sysV shared memory segment mapped into the address space of this process.
type Memory struct {
	key  common.Key
	id   int
	data []byte
}

// NewMemory opens or creates a sysV shared memory segment and attaches it.
//	key - segment key.
//	size - segment size. it is ignored when an existing segment is opened.
//	mode - object creation mode. must be one of the following:
//		O_OPEN_OR_CREATE
//		O_CREATE_ONLY
//		O_OPEN_ONLY
//	perm - object permissions
func NewMemory(key uint64, size int, mode int, perm os.FileMode) (*Memory, error) {
	var id int
	creator := func(create bool) error {
		var err error
		flags := int(perm)
		if create {
			flags |= common.IpcCreate | common.IpcExcl
		} else {
			size = 0
		}
		id, err = unix.SysvShmGet(int(key), size, flags)
		if err == unix.EEXIST || err == unix.ENOENT {
			return &os.PathError{Op: "SHMGET", Path: "", Err: err}
		} else if err != nil {
			return os.NewSyscallError("SHMGET", err)
		}
		return nil
	}
	created, err := common.OpenOrCreate(creator, mode)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open/create sysv shared memory")
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		if created {
			unix.SysvShmCtl(id, common.IpcRmid, nil)
		}
		return nil, errors.Wrap(os.NewSyscallError("SHMAT", err), "failed to attach shared memory")
	}
	return &Memory{key: common.Key(key), id: id, data: data}, nil
}

// Data returns the mapped memory. It must not be used after Detach.
func (m *Memory) Data() []byte {
	return m.data
}

func (m *Memory) ID() int {
	return m.id
}

func (m *Memory) Size() int {
	return len(m.data)
}

// Detach unmaps the segment. The segment itself is left intact.
func (m *Memory) Detach() error {
	if m.data == nil {
		return nil
	}
	if err := unix.SysvShmDetach(m.data); err != nil {
		return errors.Wrap(os.NewSyscallError("SHMDT", err), "failed to detach shared memory")
	}
	m.data = nil
	return nil
}

// Destroy marks the segment for removal and detaches it.
// The kernel frees the segment after the last process detaches.
func (m *Memory) Destroy() error {
	if _, err := unix.SysvShmCtl(m.id, common.IpcRmid, nil); err != nil && err != unix.EINVAL && err != unix.EIDRM {
		return errors.Wrap(os.NewSyscallError("SHMCTL", err), "failed to remove shared memory")
	}
	return m.Detach()
}

// DestroyMemory removes the segment with the given key.
// It is not an error, if the segment does not exist.
func DestroyMemory(key uint64) error {
	id, err := unix.SysvShmGet(int(key), 0, 0)
	if err == unix.ENOENT {
		return nil
	} else if err != nil {
		return errors.Wrap(os.NewSyscallError("SHMGET", err), "failed to get shared memory id")
	}
	if _, err = unix.SysvShmCtl(id, common.IpcRmid, nil); err != nil && err != unix.EINVAL && err != unix.EIDRM {
		return errors.Wrap(os.NewSyscallError("SHMCTL", err), "failed to remove shared memory")
	}
	return nil
}
