// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package shm

import (
	"bytes"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/nxgtw/ipclab/internal/allocator"
)

// BufferSize is the size of the message buffer in a segment, including the terminating zero.
const BufferSize = 1024

// segmentLayout is placed at the beginning of every segment.
// Both processes access it directly, so it must not contain references.
// Integer fields are accessed with atomics.
type segmentLayout struct {
	data         [BufferSize]byte
	lastWriter   int32
	readerCount  int32
	lastModified int64
	writerActive uint32
	_            uint32
}

const layoutSize = int(unsafe.Sizeof(segmentLayout{}))

func init() {
	if err := allocator.CheckObjectReferences(segmentLayout{}); err != nil {
		panic(err)
	}
}

func layoutAt(data []byte) *segmentLayout {
	if len(data) < layoutSize {
		return nil
	}
	return (*segmentLayout)(allocator.ByteSliceData(data))
}

func (l *segmentLayout) reset(msg string, pid int) {
	l.writeMessage(msg, pid)
	atomic.StoreInt32(&l.readerCount, 0)
	atomic.StoreUint32(&l.writerActive, 0)
}

// writeMessage copies msg into the buffer truncating it if needed.
func (l *segmentLayout) writeMessage(msg string, pid int) int {
	n := copy(l.data[:BufferSize-1], msg)
	l.data[n] = 0
	atomic.StoreInt32(&l.lastWriter, int32(pid))
	atomic.StoreInt64(&l.lastModified, time.Now().UnixNano())
	return n
}

func (l *segmentLayout) message() string {
	data := l.data[:]
	if idx := bytes.IndexByte(data, 0); idx >= 0 {
		data = data[:idx]
	}
	return string(data)
}

func (l *segmentLayout) readers() int {
	return int(atomic.LoadInt32(&l.readerCount))
}

func (l *segmentLayout) writing() bool {
	return atomic.LoadUint32(&l.writerActive) != 0
}

func (l *segmentLayout) modified() time.Time {
	return time.Unix(0, atomic.LoadInt64(&l.lastModified))
}

func (l *segmentLayout) writer() int {
	return int(atomic.LoadInt32(&l.lastWriter))
}
