// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package shm

import (
	"os"
	"sync"
	"time"

	"github.com/nxgtw/ipclab"
	"github.com/nxgtw/ipclab/internal/common"
	ipcsync "github.com/nxgtw/ipclab/sync"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// InitialMessage is written into a newly created segment.
	InitialMessage = "Shared memory initialized"

	SyncLocked   = "locked"
	SyncUnlocked = "unlocked"

	defaultPerm    = 0666
	defaultTimeout = 5 * time.Second
)

var (
	_ ipc.Destroyer = (*SharedSegment)(nil)
	_ ipc.Detacher  = (*SharedSegment)(nil)
	_ ipc.Destroyer = (*Memory)(nil)
	_ ipc.Detacher  = (*Memory)(nil)
)

// Options configure a SharedSegment.
type Options struct {
	// Timeout bounds every semaphore wait. Negative means 'wait forever'.
	Timeout time.Duration
	Perm    os.FileMode
}

// DefaultOptions returns the options used by New, if none are given.
func DefaultOptions() Options {
	return Options{Timeout: defaultTimeout, Perm: defaultPerm}
}

// Snapshot describes the last operation on a segment and its synchronization state.
type Snapshot struct {
	Operation        string      `json:"operation"`
	Content          string      `json:"content"`
	Size             int         `json:"size"`
	SyncState        string      `json:"sync_state"`
	LastModified     time.Time   `json:"last_modified"`
	WaitingProcesses int         `json:"waiting_processes"`
	ProcessID        int         `json:"process_id"`
	LastWriter       int         `json:"last_writer"`
	ReaderCount      int         `json:"reader_count"`
	Status           ipc.Outcome `json:"status"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	TimeMs           float64     `json:"time_ms"`
}

// SharedSegment is a fixed layout sysV shared memory segment guarded by a set of
// three semaphores, which implement the readers-writers protocol.
// Any number of readers may hold the segment at once, a writer holds it exclusively.
// Readers are preferred: writers may starve under continuous read load.
//
// The process, which created the segment, is the only one allowed to destroy it.
// All semaphore operations are undone by the kernel, if a process crashes.
type SharedSegment struct {
	logger *zap.Logger
	opts   Options
	pid    int

	// mu is held for reading during every operation and for writing by Detach/Destroy.
	mu      sync.RWMutex
	key     uint64
	mem     *Memory
	sems    *ipcsync.SemaphoreSet
	layout  *segmentLayout
	lock    *rwLock
	creator bool

	recMu sync.Mutex
	last  Snapshot
}

// New returns a detached segment manager. Call Create or Attach before using it.
func New(logger *zap.Logger, opts Options) *SharedSegment {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Perm == 0 {
		opts.Perm = defaultPerm
	}
	return &SharedSegment{
		logger: logger,
		opts:   opts,
		pid:    os.Getpid(),
		last:   Snapshot{Operation: "none", Status: ipc.OutcomeIdle, SyncState: SyncUnlocked},
	}
}

// KeyFor derives a segment key from an existing path and an id, like ftok(3).
func KeyFor(path string, id int) (uint64, error) {
	k, err := common.Ftok(path, uint64(id))
	if err != nil {
		return 0, ipc.NewError(ipc.ErrCreation, "key", err)
	}
	return uint64(k), nil
}

// Create allocates a new segment and a new semaphore set for the key.
// It fails with ipc.ErrCreation, if any of them already exists.
func (s *SharedSegment) Create(key uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem != nil {
		return ipc.NewError(ipc.ErrInvalidState, "create", errors.New("segment is already attached"))
	}
	sems, err := ipcsync.NewSemaphoreSet(key, semCount, ipc.O_CREATE_ONLY, s.opts.Perm, 1)
	if err != nil {
		return ipc.NewError(ipc.ErrCreation, "create", err)
	}
	mem, err := NewMemory(key, layoutSize, ipc.O_CREATE_ONLY, s.opts.Perm)
	if err != nil {
		sems.Destroy()
		return ipc.NewError(ipc.ErrCreation, "create", err)
	}
	layout := layoutAt(mem.Data())
	if layout == nil {
		mem.Destroy()
		sems.Destroy()
		return ipc.NewError(ipc.ErrCreation, "create", errors.Errorf("segment is too small: %d", mem.Size()))
	}
	layout.reset(InitialMessage, s.pid)
	s.attach(key, mem, sems, layout, true)
	s.logger.Info("segment created",
		zap.Uint64("key", key),
		zap.Int("shm_id", mem.ID()),
		zap.Int("sem_id", sems.ID()))
	return nil
}

// Attach locates an existing segment and semaphore set by key without creating anything.
func (s *SharedSegment) Attach(key uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem != nil {
		return ipc.NewError(ipc.ErrInvalidState, "attach", errors.New("segment is already attached"))
	}
	sems, err := ipcsync.NewSemaphoreSet(key, semCount, ipc.O_OPEN_ONLY, s.opts.Perm, 0)
	if err != nil {
		return ipc.NewError(ipc.ErrNotAttached, "attach", err)
	}
	mem, err := NewMemory(key, 0, ipc.O_OPEN_ONLY, s.opts.Perm)
	if err != nil {
		return ipc.NewError(ipc.ErrNotAttached, "attach", err)
	}
	layout := layoutAt(mem.Data())
	if layout == nil {
		mem.Detach()
		return ipc.NewError(ipc.ErrNotAttached, "attach", errors.Errorf("segment is too small: %d", mem.Size()))
	}
	s.attach(key, mem, sems, layout, false)
	s.logger.Info("segment attached", zap.Uint64("key", key), zap.Int("shm_id", mem.ID()))
	return nil
}

func (s *SharedSegment) attach(key uint64, mem *Memory, sems *ipcsync.SemaphoreSet, layout *segmentLayout, creator bool) {
	s.key = key
	s.mem = mem
	s.sems = sems
	s.layout = layout
	s.creator = creator
	s.lock = &rwLock{sems: sems, layout: layout, timeout: s.opts.Timeout}
}

// IsAttached returns true, if the segment is mapped into this process.
func (s *SharedSegment) IsAttached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem != nil
}

// IsCreator returns true, if this manager created the segment.
func (s *SharedSegment) IsCreator() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creator
}

// Key returns the key of the attached segment.
func (s *SharedSegment) Key() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// LockForRead acquires the segment for reading.
// It fails with ipc.ErrSyncTimeout, if the segment was not available in time.
func (s *SharedSegment) LockForRead() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mem == nil {
		return ipc.NewError(ipc.ErrNotAttached, "lock for read", nil)
	}
	return s.lock.lockForRead()
}

// LockForWrite acquires the segment exclusively.
// It fails with ipc.ErrSyncTimeout, if the segment was not available in time.
func (s *SharedSegment) LockForWrite() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mem == nil {
		return ipc.NewError(ipc.ErrNotAttached, "lock for write", nil)
	}
	return s.lock.lockForWrite()
}

// Unlock releases a read or a write lock.
func (s *SharedSegment) Unlock() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mem == nil {
		return ipc.NewError(ipc.ErrNotAttached, "unlock", nil)
	}
	return s.lock.unlock()
}

// WriteMessage writes msg into the segment under the write lock.
// Messages longer than BufferSize-1 bytes are truncated.
func (s *SharedSegment) WriteMessage(msg string) error {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Operation: "write", ProcessID: s.pid}
	err := s.doWrite(msg, &snap)
	s.finish(&snap, start, err)
	return err
}

func (s *SharedSegment) doWrite(msg string, snap *Snapshot) error {
	if s.mem == nil {
		return ipc.NewError(ipc.ErrNotAttached, "write", nil)
	}
	if err := s.lock.lockForWrite(); err != nil {
		return err
	}
	n := s.layout.writeMessage(msg, s.pid)
	snap.Content = msg[:n]
	snap.Size = n
	if n < len(msg) {
		s.logger.Warn("message truncated", zap.Int("size", len(msg)), zap.Int("written", n))
	}
	if err := s.lock.unlock(); err != nil {
		return err
	}
	s.logger.Debug("message written", zap.Int("bytes", n))
	return nil
}

// ReadMessage reads the current message under a read lock.
func (s *SharedSegment) ReadMessage() (string, error) {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Operation: "read", ProcessID: s.pid}
	msg, err := s.doRead(&snap)
	s.finish(&snap, start, err)
	return msg, err
}

func (s *SharedSegment) doRead(snap *Snapshot) (string, error) {
	if s.mem == nil {
		return "", ipc.NewError(ipc.ErrNotAttached, "read", nil)
	}
	if err := s.lock.lockForRead(); err != nil {
		return "", err
	}
	msg := s.layout.message()
	snap.Content = msg
	snap.Size = len(msg)
	if err := s.lock.unlock(); err != nil {
		return "", err
	}
	s.logger.Debug("message read", zap.Int("bytes", len(msg)))
	return msg, nil
}

// finish fills the live fields of a snapshot and stores it. s.mu must be held.
func (s *SharedSegment) finish(snap *Snapshot, start time.Time, err error) {
	snap.TimeMs = ipc.Elapsed(time.Since(start))
	snap.Status = ipc.OutcomeSuccess
	if err != nil {
		snap.Status = ipc.OutcomeError
		snap.ErrorMessage = err.Error()
		s.logger.Error("segment operation failed", zap.String("op", snap.Operation), zap.Error(err))
	}
	s.fillLive(snap)
	s.recMu.Lock()
	s.last = *snap
	s.recMu.Unlock()
}

func (s *SharedSegment) fillLive(snap *Snapshot) {
	if s.mem == nil {
		if snap.SyncState == "" {
			snap.SyncState = SyncUnlocked
		}
		return
	}
	snap.LastModified = s.layout.modified()
	snap.LastWriter = s.layout.writer()
	snap.ReaderCount = s.layout.readers()
	snap.WaitingProcesses = s.lock.waiters()
	if snap.SyncState == "" {
		snap.SyncState = SyncUnlocked
		if s.lock.locked() {
			snap.SyncState = SyncLocked
		}
	}
}

// LastOperation returns the record of the last read or write.
func (s *SharedSegment) LastOperation() Snapshot {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.last
}

// Detail returns the current state of the segment without locking it:
// content, synchronization state and waiting processes are read as they are now.
func (s *SharedSegment) Detail() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.LastOperation()
	if s.mem == nil {
		return snap
	}
	snap.SyncState = ""
	snap.Content = s.layout.message()
	snap.Size = len(snap.Content)
	s.fillLive(&snap)
	return snap
}

// Detach unmaps the segment leaving the kernel objects intact.
func (s *SharedSegment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detach()
}

func (s *SharedSegment) detach() error {
	if s.mem == nil {
		return nil
	}
	err := s.mem.Detach()
	s.mem, s.sems, s.layout, s.lock = nil, nil, nil, nil
	s.creator = false
	if err != nil {
		return err
	}
	s.logger.Info("segment detached", zap.Uint64("key", s.key))
	return nil
}

// Destroy removes the semaphore set and the segment and detaches it.
// Only the creator may destroy a segment.
// Operations blocked on the semaphores of this segment fail immediately.
func (s *SharedSegment) Destroy() error {
	s.mu.RLock()
	sems, creator, attached := s.sems, s.creator, s.mem != nil
	s.mu.RUnlock()
	if !attached {
		return nil
	}
	if !creator {
		return ipc.NewError(ipc.ErrInvalidState, "destroy", errors.New("only the creator may destroy the segment"))
	}
	// removing the set wakes every waiter, so the exclusive lock below can be taken.
	semErr := sems.Destroy()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return semErr
	}
	key := s.key
	if err := s.mem.Destroy(); err != nil {
		return err
	}
	s.mem, s.sems, s.layout, s.lock = nil, nil, nil, nil
	s.creator = false
	s.logger.Info("segment destroyed", zap.Uint64("key", key))
	return semErr
}

// DestroySegment removes a segment and a semaphore set with the given key.
// It is used to clean up objects left by a crashed process.
func DestroySegment(key uint64) error {
	if err := ipcsync.DestroySemaphoreSet(key); err != nil {
		return err
	}
	return DestroyMemory(key)
}
