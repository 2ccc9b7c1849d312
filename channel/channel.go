// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

// Package channel implements one-way message channels between this process and a
// responder process: PipeChannel over an anonymous pipe and SocketChannel over
// a connected unix socket pair.
//
// The responder is this executable started again with the remote end of the channel
// as fd 3. Programs using the package must call RunResponderIfRequested at the very
// beginning of main (and of TestMain for tests, which create channels).
//
// Messages are newline-terminated strings. A message containing '\n' arrives
// at the responder as several messages.
package channel

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nxgtw/ipclab"
	"github.com/nxgtw/ipclab/internal/process"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Kind is a channel type.
type Kind string

const (
	KindPipe   Kind = "pipe"
	KindSocket Kind = "socket"
)

// Role is the side of a channel.
type Role int

const (
	// RoleInitiator creates the channel and sends messages.
	RoleInitiator Role = iota
	// RoleResponder receives messages in a separate process.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

const (
	// ResponderEnv is set in the environment of a responder process.
	// Its value is the kind of the channel.
	ResponderEnv = "IPCLAB_RESPONDER"

	defaultGracePeriod = 100 * time.Millisecond
	terminator         = "\n"
)

// Options configure a channel.
type Options struct {
	// GracePeriod is the time a responder has to exit after SIGTERM before it is killed.
	GracePeriod time.Duration
	// OnReceive is called from a background goroutine for every message
	// the responder reports as received.
	OnReceive func(ipc.OperationRecord)
}

// duplex is the part shared by pipe and socket channels.
type duplex struct {
	kind       Kind
	logger     *zap.Logger
	opts       Options
	maxMessage int

	mu     sync.Mutex
	role   Role
	active bool
	conn   *os.File
	reader *bufio.Reader
	proc   *process.Process
	last   ipc.OperationRecord

	reports     *os.File
	monitorDone chan struct{}

	recMu        sync.Mutex
	lastReceived ipc.OperationRecord
	received     atomic.Int64
	killed       atomic.Bool
}

func newDuplex(kind Kind, logger *zap.Logger, opts Options, maxMessage int) duplex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	return duplex{
		kind:         kind,
		logger:       logger,
		opts:         opts,
		maxMessage:   maxMessage,
		last:         ipc.IdleRecord(),
		lastReceived: ipc.IdleRecord(),
	}
}

// create starts a responder process with remote as its fd 3 and keeps local.
func (d *duplex) create(newPair func() (local, remote *os.File, err error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return ipc.NewError(ipc.ErrInvalidState, "create", errors.New("channel is already active"))
	}
	if d.proc != nil {
		return ipc.NewError(ipc.ErrInvalidState, "create", errors.New("channel was closed, create a new one"))
	}
	local, remote, err := newPair()
	if err != nil {
		return ipc.NewError(ipc.ErrCreation, "create", err)
	}
	reportR, reportW, err := os.Pipe()
	if err != nil {
		local.Close()
		remote.Close()
		return ipc.NewError(ipc.ErrCreation, "create", errors.Wrap(err, "failed to create report pipe"))
	}
	proc, err := startResponder(d.kind, remote, reportW)
	// the child has its own copies now.
	remote.Close()
	reportW.Close()
	if err != nil {
		local.Close()
		reportR.Close()
		return ipc.NewError(ipc.ErrCreation, "create", err)
	}
	d.conn = local
	d.proc = proc
	d.reports = reportR
	d.monitorDone = make(chan struct{})
	d.role = RoleInitiator
	d.active = true
	go d.monitor(reportR, d.monitorDone)
	d.logger.Info("channel created", zap.String("kind", string(d.kind)), zap.Int("responder_pid", proc.PID()))
	return nil
}

func startResponder(kind Kind, remote, reports *os.File) (*process.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "failed to locate executable")
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), ResponderEnv+"="+string(kind))
	cmd.ExtraFiles = []*os.File{remote}
	cmd.Stdout = reports
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	return process.Start(cmd)
}

// monitor reads operation reports written by the responder until it exits.
// Reports are not limited in size: a report echoes the message, and pipe messages are unbounded.
// The pipe is drained to the end, so the responder never blocks on a report.
func (d *duplex) monitor(reports io.Reader, done chan struct{}) {
	defer close(done)
	reader := bufio.NewReader(reports)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			d.handleReport(line)
		}
		if err != nil {
			if err != io.EOF {
				d.logger.Warn("failed to read responder reports", zap.String("kind", string(d.kind)), zap.Error(err))
			}
			return
		}
	}
}

func (d *duplex) handleReport(line []byte) {
	var rec ipc.OperationRecord
	if err := sonic.Unmarshal(line, &rec); err != nil {
		d.logger.Warn("invalid responder report", zap.Int("size", len(line)), zap.Error(err))
		return
	}
	d.received.Add(1)
	d.recMu.Lock()
	d.lastReceived = rec
	d.recMu.Unlock()
	d.logger.Debug("responder received message", zap.Int("bytes", rec.Bytes))
	if d.opts.OnReceive != nil {
		d.opts.OnReceive(rec)
	}
}

func (d *duplex) send(message string) error {
	start := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := ipc.OperationRecord{
		Operation: "send",
		Message:   message,
		SenderPID: os.Getpid(),
		Timestamp: start,
		Status:    ipc.OutcomeSuccess,
	}
	err := d.doSend(message, &rec)
	if err != nil {
		rec.Fail(err)
		d.logger.Error("send failed", zap.String("kind", string(d.kind)), zap.Error(err))
	}
	rec.TimeMs = ipc.Elapsed(time.Since(start))
	d.last = rec
	return err
}

func (d *duplex) doSend(message string, rec *ipc.OperationRecord) error {
	if d.role != RoleInitiator {
		return ipc.NewError(ipc.ErrInvalidState, "send", errors.New("responder cannot send"))
	}
	if !d.active {
		return ipc.NewError(ipc.ErrInvalidState, "send", errors.New("channel is not active"))
	}
	if d.maxMessage > 0 && len(message) > d.maxMessage {
		return ipc.NewError(ipc.ErrMessageTooLarge, "send", errors.Errorf("%d bytes, at most %d allowed", len(message), d.maxMessage))
	}
	rec.ReceiverPID = d.proc.PID()
	n, err := io.WriteString(d.conn, message+terminator)
	rec.Bytes = n
	if err != nil {
		return ipc.NewError(ipc.ErrWrite, "send", err)
	}
	d.logger.Debug("message sent", zap.String("kind", string(d.kind)), zap.Int("bytes", n))
	return nil
}

// receive reads one message. It is valid for the responder only.
// At the end of the stream it returns io.EOF.
func (d *duplex) receive() (string, error) {
	start := time.Now()
	d.mu.Lock()
	role, active, reader := d.role, d.active, d.reader
	d.mu.Unlock()
	rec := ipc.OperationRecord{
		Operation:   "receive",
		ReceiverPID: os.Getpid(),
		SenderPID:   os.Getppid(),
		Timestamp:   start,
		Status:      ipc.OutcomeSuccess,
	}
	var line string
	var err error
	if role != RoleResponder {
		err = ipc.NewError(ipc.ErrInvalidState, "receive", errors.New("initiator cannot receive"))
	} else if !active {
		err = ipc.NewError(ipc.ErrInvalidState, "receive", errors.New("channel is not active"))
	} else {
		line, err = reader.ReadString('\n')
		rec.Bytes = len(line)
		if err == io.EOF && len(line) > 0 {
			// the last message was not terminated.
			err = nil
		}
		line = strings.TrimSuffix(line, terminator)
		rec.Message = line
	}
	switch {
	case err == io.EOF:
		rec.Status = ipc.OutcomeEOF
	case err != nil:
		rec.Fail(err)
	}
	rec.TimeMs = ipc.Elapsed(time.Since(start))
	d.mu.Lock()
	d.last = rec
	d.mu.Unlock()
	return line, err
}

func (d *duplex) close() error {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return nil
	}
	d.active = false
	conn, proc, reports, done := d.conn, d.proc, d.reports, d.monitorDone
	d.mu.Unlock()

	var result error
	if err := conn.Close(); err != nil {
		result = errors.Wrap(err, "failed to close channel")
	}
	if proc == nil {
		return result
	}
	forced, err := proc.Stop(d.opts.GracePeriod)
	d.killed.Store(forced)
	if forced {
		d.logger.Warn("responder killed",
			zap.String("kind", string(d.kind)),
			zap.Int("pid", proc.PID()),
			zap.Error(ipc.ErrTeardown))
	}
	if err != nil && result == nil {
		result = err
	}
	<-done
	reports.Close()
	d.logger.Info("channel closed",
		zap.String("kind", string(d.kind)),
		zap.Int("responder_pid", proc.PID()),
		zap.Int64("received", d.received.Load()))
	return result
}

// ResponderPID returns the pid of the responder process, or 0.
func (d *duplex) ResponderPID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.role == RoleResponder {
		return os.Getpid()
	}
	if d.proc == nil {
		return 0
	}
	return d.proc.PID()
}

// ResponderDone returns a channel, which is closed when the responder exits.
// It returns nil, if there is no responder.
func (d *duplex) ResponderDone() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc == nil {
		return nil
	}
	return d.proc.Done()
}

func (d *duplex) Role() Role {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role
}

func (d *duplex) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// LastOperation returns the record of the last send or receive of this side.
func (d *duplex) LastOperation() ipc.OperationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// LastReceived returns the last receive reported by the responder.
func (d *duplex) LastReceived() ipc.OperationRecord {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	return d.lastReceived
}

// Killed returns true, if the responder ignored the termination request
// and had to be killed on Close.
func (d *duplex) Killed() bool {
	return d.killed.Load()
}

// Received returns the number of messages the responder reported as received.
func (d *duplex) Received() int64 {
	return d.received.Load()
}

// openResponder wraps the inherited end of a channel.
func (d *duplex) openResponder(conn *os.File) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.role = RoleResponder
	d.active = true
	d.conn = conn
	d.reader = bufio.NewReader(conn)
}
