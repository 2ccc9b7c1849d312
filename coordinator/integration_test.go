// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package coordinator

import (
	"testing"
	"time"

	"github.com/nxgtw/ipclab/internal/process"
	"github.com/nxgtw/ipclab/shm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRealCoordinator(t *testing.T) *Coordinator {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.SemaphoreTimeout = time.Second
	c := New(Options{
		Config:     cfg,
		Logger:     zaptest.NewLogger(t),
		Registerer: prometheus.NewRegistry(),
		Key:        func() (uint64, error) { return shm.KeyFor(dir, 1) },
	})
	t.Cleanup(c.Shutdown)
	return c
}

func TestSharedMemoryRoundTrip(t *testing.T) {
	a := assert.New(t)
	c := newRealCoordinator(t)
	require.NoError(t, c.Start(SharedMemory))
	require.NoError(t, c.Send(SharedMemory, "hello"))
	st, err := c.MechanismStatus(SharedMemory)
	a.NoError(err)
	a.True(st.IsActive)
	a.False(st.IsRunning)
	a.Zero(st.ProcessPID)
	a.Equal(int64(1), st.MessagesSent)

	msg, err := c.Receive(SharedMemory)
	a.NoError(err)
	a.Equal("hello", msg)
	st, _ = c.MechanismStatus(SharedMemory)
	a.Equal(int64(1), st.MessagesReceived)

	detail, err := c.MechanismDetail(SharedMemory)
	a.NoError(err)
	if snap, ok := detail.(shm.Snapshot); a.True(ok) {
		a.Equal("hello", snap.Content)
		a.Equal(5, snap.Size)
		a.Equal(shm.SyncUnlocked, snap.SyncState)
		a.Zero(snap.WaitingProcesses)
	}
	a.NoError(c.Stop(SharedMemory))
	st, _ = c.MechanismStatus(SharedMemory)
	a.False(st.IsActive)
	a.Empty(st.LastError)
	a.Equal(int64(1), st.MessagesSent)
}

func TestSharedMemoryRestartRecreatesSegment(t *testing.T) {
	c := newRealCoordinator(t)
	require.NoError(t, c.Start(SharedMemory))
	require.NoError(t, c.Send(SharedMemory, "before"))
	require.NoError(t, c.Restart(SharedMemory))
	msg, err := c.Receive(SharedMemory)
	assert.NoError(t, err)
	assert.Equal(t, shm.InitialMessage, msg)
}

func testChannelLifecycle(t *testing.T, m Mechanism) {
	a := assert.New(t)
	c := newRealCoordinator(t)
	require.NoError(t, c.Start(m))
	st, _ := c.MechanismStatus(m)
	pid := st.ProcessPID
	a.Positive(pid)
	a.True(st.IsRunning)

	require.NoError(t, c.Start(m))
	st, _ = c.MechanismStatus(m)
	a.Equal(pid, st.ProcessPID)

	require.NoError(t, c.Send(m, "ping"))
	a.Eventually(func() bool {
		st, _ := c.MechanismStatus(m)
		return st.MessagesReceived == 1
	}, 5*time.Second, 10*time.Millisecond)
	msg, err := c.Receive(m)
	a.NoError(err)
	a.Equal("ping", msg)
	if detail, ok := mustDetail(t, c, m).(ChannelDetail); a.True(ok) {
		a.Equal("ping", detail.LastReceived.Message)
		a.Equal(pid, detail.LastReceived.ReceiverPID)
	}

	require.NoError(t, c.Restart(m))
	st, _ = c.MechanismStatus(m)
	a.True(st.IsActive)
	a.NotEqual(pid, st.ProcessPID)
	a.False(process.Alive(pid))

	require.NoError(t, c.Stop(m))
	a.False(process.Alive(st.ProcessPID))
	st, _ = c.MechanismStatus(m)
	a.False(st.IsActive)
	a.Equal(int64(1), st.MessagesSent)
	a.Equal(int64(1), st.MessagesReceived)
}

func TestPipesLifecycle(t *testing.T) {
	testChannelLifecycle(t, Pipes)
}

func TestSocketsLifecycle(t *testing.T) {
	testChannelLifecycle(t, Sockets)
}

func TestShutdownStopsResponders(t *testing.T) {
	a := assert.New(t)
	c := newRealCoordinator(t)
	require.NoError(t, c.Start(Pipes))
	require.NoError(t, c.Start(Sockets))
	require.NoError(t, c.Start(SharedMemory))
	status := c.Status()
	c.Shutdown()
	for _, m := range []Mechanism{Pipes, Sockets} {
		a.False(process.Alive(status[m].ProcessPID), m)
	}
	for _, st := range c.Status() {
		a.False(st.IsActive)
	}
}
