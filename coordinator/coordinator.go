// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

// Package coordinator owns the lifecycle of the ipc mechanisms: it starts and stops them,
// tracks their responder processes, counts messages and keeps activity logs.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nxgtw/ipclab"
	"github.com/nxgtw/ipclab/internal/config"
	"github.com/nxgtw/ipclab/internal/process"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configure a Coordinator.
type Options struct {
	Config config.CoordinatorConfig
	Logger *zap.Logger
	// Registerer receives the coordinator metrics. May be nil.
	Registerer prometheus.Registerer
	// Drivers creates mechanism drivers. If nil, real pipes, sockets and segments are used.
	Drivers DriverFactory
	// Key returns shared memory keys for the default drivers. If nil, DefaultKey is used.
	Key KeyFunc
}

type mechanismState struct {
	state         State
	driver        Driver
	pid           int
	startedAt     time.Time
	sent          int64
	received      int64
	lastError     string
	lastOperation string
	lastDetail    any
	responderLost bool
	generation    uint64
	logs          *logRing
}

// Coordinator manages all mechanisms. It is safe for concurrent use.
//
// Lifecycle and send operations on one mechanism are serialized by a per-mechanism
// mutex, so kernel work is never done under the state lock and status calls never block
// on a starting or stopping mechanism.
type Coordinator struct {
	cfg       config.CoordinatorConfig
	logger    *zap.Logger
	metrics   *metrics
	newDriver DriverFactory

	ops map[Mechanism]*sync.Mutex

	mu     sync.RWMutex
	states map[Mechanism]*mechanismState
	closed bool

	cancel      context.CancelFunc
	monitorDone chan struct{}
}

// New creates a coordinator and starts its responder monitor.
// Call Shutdown to stop all mechanisms and the monitor.
func New(opts Options) *Coordinator {
	cfg := opts.Config
	defaults := config.DefaultCoordinator()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaults.GracePeriod
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = defaults.LogCapacity
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaults.MonitorInterval
	}
	if cfg.SemaphoreTimeout == 0 {
		cfg.SemaphoreTimeout = defaults.SemaphoreTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	drivers := opts.Drivers
	if drivers == nil {
		drivers = NewDriverFactory(cfg, logger, opts.Key)
	}
	c := &Coordinator{
		cfg:         cfg,
		logger:      logger.Named("coordinator"),
		metrics:     newMetrics(opts.Registerer),
		newDriver:   drivers,
		ops:         make(map[Mechanism]*sync.Mutex, len(Mechanisms)),
		states:      make(map[Mechanism]*mechanismState, len(Mechanisms)),
		monitorDone: make(chan struct{}),
	}
	for _, m := range Mechanisms {
		c.ops[m] = &sync.Mutex{}
		c.states[m] = &mechanismState{logs: newLogRing(cfg.LogCapacity), lastDetail: idleDetail(m)}
		c.metrics.setActive(m, false)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.monitor(ctx)
	return c
}

func (c *Coordinator) opLock(m Mechanism) (*sync.Mutex, error) {
	op, ok := c.ops[m]
	if !ok {
		return nil, ipc.NewError(ipc.ErrUnknownMechanism, "lookup", errors.Errorf("%q", m))
	}
	op.Lock()
	return op, nil
}

// logActivity appends an entry to the mechanism log. c.mu must be held.
func (c *Coordinator) logActivity(st *mechanismState, activity string) {
	st.logs.add(time.Now(), activity)
}

// Start starts a mechanism. Starting an active mechanism is a no-op.
// On failure the mechanism stays inactive and the error identifies it.
func (c *Coordinator) Start(m Mechanism) error {
	op, err := c.opLock(m)
	if err != nil {
		return err
	}
	defer op.Unlock()
	return c.start(m)
}

func (c *Coordinator) start(m Mechanism) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ipc.NewError(ipc.ErrInvalidState, "start "+string(m), errors.New("coordinator is shut down"))
	}
	st := c.states[m]
	if st.state == Active {
		c.mu.Unlock()
		c.logger.Debug("already active", zap.String("mechanism", string(m)))
		return nil
	}
	st.state = Starting
	st.generation++
	gen := st.generation
	c.mu.Unlock()

	var driver Driver
	err := protect(func() error {
		var err error
		if driver, err = c.newDriver(m, c.hooksFor(m, gen)); err != nil {
			return err
		}
		return driver.Start()
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	st.lastOperation = "start"
	if err != nil {
		st.state = Inactive
		st.lastError = err.Error()
		c.logActivity(st, "start_failed: "+err.Error())
		c.logger.Error("failed to start", zap.String("mechanism", string(m)), zap.Error(err))
		return errors.Wrapf(err, "failed to start %s", m)
	}
	st.state = Active
	st.driver = driver
	st.pid = driver.PID()
	st.startedAt = time.Now()
	st.lastError = ""
	st.responderLost = false
	c.logActivity(st, "started")
	c.metrics.setActive(m, true)
	c.logger.Info("started", zap.String("mechanism", string(m)), zap.Int("pid", st.pid))
	return nil
}

func (c *Coordinator) hooksFor(m Mechanism, gen uint64) DriverHooks {
	return DriverHooks{
		OnReceive: func(rec ipc.OperationRecord) {
			c.mu.Lock()
			defer c.mu.Unlock()
			st := c.states[m]
			// reports of a stopped generation are late and ignored.
			if st.generation != gen || st.state != Active {
				return
			}
			st.received++
			c.logActivity(st, "message_received: "+rec.Message)
			c.metrics.received.WithLabelValues(string(m)).Inc()
		},
	}
}

// Stop stops a mechanism. It is idempotent and succeeds once the responder
// was asked to terminate, even if it had to be killed.
func (c *Coordinator) Stop(m Mechanism) error {
	op, err := c.opLock(m)
	if err != nil {
		return err
	}
	defer op.Unlock()
	c.stop(m)
	return nil
}

func (c *Coordinator) stop(m Mechanism) {
	c.mu.Lock()
	st := c.states[m]
	if st.state != Active {
		c.mu.Unlock()
		return
	}
	st.state = Stopping
	st.generation++
	driver, pid := st.driver, st.pid
	c.metrics.setActive(m, false)
	c.mu.Unlock()

	var forced bool
	err := protect(func() error {
		var err error
		forced, err = driver.Stop()
		return err
	})
	// the driver reaps its own responder. If it failed to, the pid
	// still belongs to our child and can be signaled safely.
	if pid > 0 && driver.Running() {
		killed, termErr := process.TerminatePID(pid, c.cfg.GracePeriod)
		forced = forced || killed
		if termErr != nil && err == nil {
			err = termErr
		}
	}
	detail := protectDetail(driver)

	c.mu.Lock()
	defer c.mu.Unlock()
	st.state = Inactive
	st.driver = nil
	st.pid = 0
	st.startedAt = time.Time{}
	st.lastOperation = "stop"
	st.lastDetail = detail
	if forced {
		c.metrics.forced.WithLabelValues(string(m)).Inc()
		c.logActivity(st, fmt.Sprintf("responder_killed: pid %d", pid))
		c.logger.Warn("responder killed", zap.String("mechanism", string(m)), zap.Int("pid", pid), zap.Error(ipc.ErrTeardown))
	}
	if err != nil {
		st.lastError = err.Error()
		c.logActivity(st, "stop_error: "+err.Error())
		c.logger.Error("error while stopping", zap.String("mechanism", string(m)), zap.Error(err))
	}
	c.logActivity(st, "stopped")
	c.logger.Info("stopped", zap.String("mechanism", string(m)))
}

// Restart stops a mechanism, waits for the settle delay and starts it again.
func (c *Coordinator) Restart(m Mechanism) error {
	op, err := c.opLock(m)
	if err != nil {
		return err
	}
	defer op.Unlock()
	c.stop(m)
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if !closed {
		time.Sleep(c.cfg.SettleDelay)
	}
	return c.start(m)
}

// Send sends a message through an active mechanism.
func (c *Coordinator) Send(m Mechanism, message string) error {
	if message == "" {
		return ipc.NewError(ipc.ErrMissingField, "send "+string(m), errors.New("message"))
	}
	op, err := c.opLock(m)
	if err != nil {
		return err
	}
	defer op.Unlock()
	driver, err := c.activeDriver(m, "send")
	if err != nil {
		return err
	}
	err = protect(func() error { return driver.Send(message) })

	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[m]
	st.lastOperation = "send"
	if err != nil {
		st.lastError = err.Error()
		c.logActivity(st, "send_failed: "+err.Error())
		return errors.Wrapf(err, "failed to send through %s", m)
	}
	st.sent++
	c.logActivity(st, "message_sent: "+message)
	c.metrics.sent.WithLabelValues(string(m)).Inc()
	return nil
}

// Receive returns the current message of a mechanism: the content of the shared
// segment or the last message a responder reported.
func (c *Coordinator) Receive(m Mechanism) (string, error) {
	op, err := c.opLock(m)
	if err != nil {
		return "", err
	}
	defer op.Unlock()
	driver, err := c.activeDriver(m, "receive")
	if err != nil {
		return "", err
	}
	var msg string
	err = protect(func() error {
		var err error
		msg, err = driver.Receive()
		return err
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[m]
	st.lastOperation = "receive"
	if err != nil {
		st.lastError = err.Error()
		return "", errors.Wrapf(err, "failed to receive from %s", m)
	}
	// responders report their messages themselves.
	if m == SharedMemory {
		st.received++
		c.logActivity(st, "message_received: "+msg)
		c.metrics.received.WithLabelValues(string(m)).Inc()
	}
	return msg, nil
}

func (c *Coordinator) activeDriver(m Mechanism, op string) (Driver, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.states[m]
	if c.closed || st.state != Active {
		return nil, ipc.NewError(ipc.ErrMechanismInactive, op+" "+string(m), nil)
	}
	return st.driver, nil
}

// Logs returns up to count most recent log entries of a mechanism, oldest first.
func (c *Coordinator) Logs(m Mechanism, count int) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[m]
	if !ok {
		return nil, ipc.NewError(ipc.ErrUnknownMechanism, "logs", errors.Errorf("%q", m))
	}
	return st.logs.last(count), nil
}

// Shutdown stops all mechanisms and the monitor. It is safe to call it several times.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.monitorDone

	var g errgroup.Group
	for _, m := range Mechanisms {
		m := m
		g.Go(func() error {
			op := c.ops[m]
			op.Lock()
			defer op.Unlock()
			c.stop(m)
			return nil
		})
	}
	g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for m, st := range c.states {
		if st.driver != nil && st.pid > 0 && st.driver.Running() {
			process.TerminatePID(st.pid, c.cfg.GracePeriod)
		}
		c.states[m] = &mechanismState{logs: st.logs, lastDetail: idleDetail(m), generation: st.generation}
		st.logs.reset()
	}
	c.logger.Info("shut down")
}

// monitor periodically checks, that responders of active mechanisms are alive.
func (c *Coordinator) monitor(ctx context.Context) {
	defer close(c.monitorDone)
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkResponders()
		}
	}
}

func (c *Coordinator) checkResponders() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range Mechanisms {
		st := c.states[m]
		if st.state != Active || st.pid <= 0 || st.responderLost || st.driver == nil {
			continue
		}
		if !st.driver.Running() {
			st.responderLost = true
			st.lastError = fmt.Sprintf("responder %d exited unexpectedly", st.pid)
			c.logActivity(st, fmt.Sprintf("responder_exited: pid %d", st.pid))
			c.logger.Warn("responder exited", zap.String("mechanism", string(m)), zap.Int("pid", st.pid))
		}
	}
}

// protect converts a panic in a driver into an error.
func protect(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("internal error: %v", r)
		}
	}()
	return f()
}

func protectDetail(d Driver) (detail any) {
	defer func() {
		if r := recover(); r != nil {
			detail = nil
		}
	}()
	return d.Detail()
}
