// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package coordinator

import (
	"os"

	"github.com/nxgtw/ipclab"
	"github.com/nxgtw/ipclab/channel"
	"github.com/nxgtw/ipclab/internal/config"
	"github.com/nxgtw/ipclab/shm"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Driver is one started instance of a mechanism.
// The coordinator creates a new driver for every start and serializes
// calls to a driver.
type Driver interface {
	Start() error
	Send(message string) error
	Receive() (string, error)
	// Stop releases the kernel objects and stops the responder.
	// forced is true, if the responder had to be killed.
	Stop() (forced bool, err error)
	// PID returns the responder process id, or 0 if there is no responder.
	PID() int
	// Running reports whether the responder was started and not reaped yet.
	Running() bool
	// Detail returns the mechanism specific view of the last operation.
	Detail() any
}

// DriverHooks connect a driver to the coordinator.
type DriverHooks struct {
	// OnReceive is called, when the responder reports a received message.
	OnReceive func(ipc.OperationRecord)
}

// DriverFactory creates a new driver for a mechanism.
type DriverFactory func(m Mechanism, hooks DriverHooks) (Driver, error)

// KeyFunc returns the key of a new shared memory segment.
type KeyFunc func() (uint64, error)

// DefaultKey derives the segment key from the temp directory and the pid of this process.
func DefaultKey() (uint64, error) {
	return shm.KeyFor(os.TempDir(), os.Getpid())
}

// ChannelDetail is the detail payload of pipes and sockets.
type ChannelDetail struct {
	ipc.OperationRecord
	LastReceived ipc.OperationRecord `json:"last_received"`
}

func idleDetail(m Mechanism) any {
	if m == SharedMemory {
		return shm.New(nil, shm.DefaultOptions()).LastOperation()
	}
	return ChannelDetail{OperationRecord: ipc.IdleRecord(), LastReceived: ipc.IdleRecord()}
}

// NewDriverFactory returns the factory, which creates real pipes, sockets and segments.
func NewDriverFactory(cfg config.CoordinatorConfig, logger *zap.Logger, key KeyFunc) DriverFactory {
	if key == nil {
		key = DefaultKey
	}
	return func(m Mechanism, hooks DriverHooks) (Driver, error) {
		opts := channel.Options{GracePeriod: cfg.GracePeriod, OnReceive: hooks.OnReceive}
		switch m {
		case Pipes:
			return &channelDriver{ch: channel.NewPipeChannel(logger.Named("pipe"), opts)}, nil
		case Sockets:
			return &channelDriver{ch: channel.NewSocketChannel(logger.Named("socket"), opts)}, nil
		case SharedMemory:
			segOpts := shm.DefaultOptions()
			segOpts.Timeout = cfg.SemaphoreTimeout
			return &segmentDriver{seg: shm.New(logger.Named("shmem"), segOpts), key: key}, nil
		}
		return nil, ipc.NewError(ipc.ErrUnknownMechanism, "new driver", errors.Errorf("%q", m))
	}
}

type channelConn interface {
	Create() error
	Send(string) error
	Close() error
	ResponderPID() int
	ResponderDone() <-chan struct{}
	Killed() bool
	LastOperation() ipc.OperationRecord
	LastReceived() ipc.OperationRecord
}

type channelDriver struct {
	ch channelConn
	// done is set once by Start, so Running does not wait for a blocked Send.
	done <-chan struct{}
}

func (d *channelDriver) Start() error {
	if err := d.ch.Create(); err != nil {
		return err
	}
	d.done = d.ch.ResponderDone()
	return nil
}

func (d *channelDriver) Send(message string) error {
	return d.ch.Send(message)
}

// Receive returns the last message the responder reported.
func (d *channelDriver) Receive() (string, error) {
	rec := d.ch.LastReceived()
	if rec.Status == ipc.OutcomeIdle {
		return "", ipc.NewError(ipc.ErrInvalidState, "receive", errors.New("nothing was received yet"))
	}
	return rec.Message, nil
}

func (d *channelDriver) Stop() (bool, error) {
	err := d.ch.Close()
	return d.ch.Killed(), err
}

func (d *channelDriver) PID() int {
	return d.ch.ResponderPID()
}

func (d *channelDriver) Running() bool {
	if d.done == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *channelDriver) Detail() any {
	return ChannelDetail{OperationRecord: d.ch.LastOperation(), LastReceived: d.ch.LastReceived()}
}

type segmentDriver struct {
	seg *shm.SharedSegment
	key KeyFunc
}

func (d *segmentDriver) Start() error {
	key, err := d.key()
	if err != nil {
		return ipc.NewError(ipc.ErrCreation, "segment key", err)
	}
	return d.seg.Create(key)
}

func (d *segmentDriver) Send(message string) error {
	return d.seg.WriteMessage(message)
}

func (d *segmentDriver) Receive() (string, error) {
	return d.seg.ReadMessage()
}

func (d *segmentDriver) Stop() (bool, error) {
	return false, d.seg.Destroy()
}

func (d *segmentDriver) PID() int {
	return 0
}

func (d *segmentDriver) Running() bool {
	return false
}

func (d *segmentDriver) Detail() any {
	return d.seg.Detail()
}
