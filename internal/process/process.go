// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package process supervises responder processes: it tracks their exit,
// probes liveness and implements graceful-then-forced termination.
package process

import (
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// reapTimeout bounds the wait for a process after SIGKILL.
const reapTimeout = 5 * time.Second

// State represents the state of a process.
type State int32

const (
	StateRunning State = iota
	StateExited
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotRunning is returned, when a signal is sent to a process, which has exited.
	ErrNotRunning = errors.New("process is not running")
)

// Process is a started child process.
// It is safe for concurrent use.
type Process struct {
	cmd      *exec.Cmd
	started  time.Time
	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32
	mu       sync.RWMutex
	exitErr  error
}

// Start starts cmd and begins tracking it.
// The process is reaped by a background goroutine, Done is closed after that.
func Start(cmd *exec.Cmd) (*Process, error) {
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start process")
	}
	p := &Process{
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	p.state.Store(int32(StateRunning))
	p.exitCode.Store(-1)
	go p.waitLoop()
	return p, nil
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Started returns the time the process was started.
func (p *Process) Started() time.Time {
	return p.started
}

// Done returns a channel that is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) State() State {
	return State(p.state.Load())
}

// ExitCode returns the exit code, or -1 if the process has not exited
// or was killed by a signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error returned by Wait.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Signal sends a signal to the process.
func (p *Process) Signal(sig os.Signal) error {
	if p.State() != StateRunning {
		return ErrNotRunning
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrNotRunning
		}
		return errors.Wrapf(err, "failed to send %v to %d", sig, p.PID())
	}
	return nil
}

// Terminate sends SIGTERM to the process.
func (p *Process) Terminate() error {
	return p.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Stop asks the process to terminate and waits for it for not longer than grace.
// If it is still running after that, it is killed.
// It returns true, if the process had to be killed.
func (p *Process) Stop(grace time.Duration) (forced bool, err error) {
	if err = p.Terminate(); err == ErrNotRunning {
		<-p.done
		return false, nil
	} else if err != nil {
		return false, err
	}
	select {
	case <-p.done:
		return false, nil
	case <-time.After(grace):
	}
	if err = p.Kill(); err == ErrNotRunning {
		<-p.done
		return false, nil
	} else if err != nil {
		return true, err
	}
	select {
	case <-p.done:
		return true, nil
	case <-time.After(reapTimeout):
		return true, errors.Errorf("process %d was not reaped after SIGKILL", p.PID())
	}
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	exitCode := 0
	state := StateExited
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				state = StateKilled
			}
		} else {
			exitCode = -1
		}
	}
	p.exitCode.Store(int32(exitCode))
	p.state.Store(int32(state))
	close(p.done)
}
