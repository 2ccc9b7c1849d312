// Copyright 2016 Aleksandr Demakin. All rights reserved.

package process

import (
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	ipc_testing "github.com/nxgtw/ipclab/internal/test"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	switch ipc_testing.HelperName() {
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Minute)
		os.Exit(0)
	case "exit":
		os.Exit(7)
	}
	os.Exit(m.Run())
}

func startHelper(t *testing.T, name string) *Process {
	p, err := Start(ipc_testing.HelperCommand(name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		p.Kill()
		<-p.Done()
	})
	return p
}

func TestProcessExitCode(t *testing.T) {
	a := assert.New(t)
	p := startHelper(t, "exit")
	a.True(ipc_testing.WaitForFunc(func() { <-p.Done() }, 10*time.Second))
	a.Equal(StateExited, p.State())
	a.Equal(7, p.ExitCode())
	a.Error(p.ExitError())
	a.Equal(ErrNotRunning, p.Terminate())
}

func TestProcessStopGraceful(t *testing.T) {
	a := assert.New(t)
	p := startHelper(t, "sleep")
	a.True(Alive(p.PID()))
	forced, err := p.Stop(5 * time.Second)
	a.NoError(err)
	a.False(forced)
	a.Equal(StateKilled, p.State())
	a.False(Alive(p.PID()))
	forced, err = p.Stop(time.Second)
	a.NoError(err)
	a.False(forced)
}

func TestProcessStopForced(t *testing.T) {
	a := assert.New(t)
	p := startHelper(t, "stubborn")
	// give the helper some time to install its signal handler.
	time.Sleep(500 * time.Millisecond)
	start := time.Now()
	forced, err := p.Stop(100 * time.Millisecond)
	a.NoError(err)
	a.True(forced)
	a.True(time.Since(start) >= 100*time.Millisecond)
	a.Equal(StateKilled, p.State())
}

func TestTerminatePID(t *testing.T) {
	a := assert.New(t)
	p := startHelper(t, "sleep")
	forced, err := TerminatePID(p.PID(), 5*time.Second)
	a.NoError(err)
	a.False(forced)
	a.True(ipc_testing.WaitForFunc(func() { <-p.Done() }, 5*time.Second))
	a.False(Alive(p.PID()))
	forced, err = TerminatePID(p.PID(), time.Second)
	a.NoError(err)
	a.False(forced)
}

func TestAlive(t *testing.T) {
	a := assert.New(t)
	a.True(Alive(os.Getpid()))
	a.False(Alive(0))
	a.False(Alive(-1))
}
