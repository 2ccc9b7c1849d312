// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package cli

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nxgtw/ipclab"
	"github.com/nxgtw/ipclab/channel"
	"github.com/nxgtw/ipclab/coordinator"
	"github.com/nxgtw/ipclab/internal/config"
	"github.com/nxgtw/ipclab/shm"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	channel.RunResponderIfRequested()
	os.Exit(m.Run())
}

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	dir := t.TempDir()
	cfg := config.DefaultCoordinator()
	cfg.SettleDelay = time.Millisecond
	cfg.MonitorInterval = time.Hour
	coord := coordinator.New(coordinator.Options{
		Config: cfg,
		Logger: zaptest.NewLogger(t),
		Key:    func() (uint64, error) { return shm.KeyFor(dir, 1) },
	})
	t.Cleanup(coord.Shutdown)
	return coord
}

func TestParseLine(t *testing.T) {
	a := assert.New(t)
	cmd, err := parseLine("send  shmem \thello   shared\tworld ")
	a.NoError(err)
	a.Equal(coordinator.ActionSend, cmd.Action)
	a.Equal(coordinator.SharedMemory, cmd.Mechanism)
	a.Equal("hello   shared\tworld ", cmd.Message)
	a.NotEmpty(cmd.ID)

	cmd, err = parseLine("send pipes a  b")
	a.NoError(err)
	a.Equal("a  b", cmd.Message)

	cmd, err = parseLine("LOGS pipe 5")
	a.NoError(err)
	a.Equal(coordinator.ActionLogs, cmd.Action)
	a.Equal(coordinator.Pipes, cmd.Mechanism)
	a.Equal(5, cmd.Count)

	cmd, err = parseLine("status")
	a.NoError(err)
	a.Empty(cmd.Mechanism)

	for _, line := range []string{
		"start",
		"start pipes sockets",
		"send pipes",
		"send pipes   ",
		"   ",
		"logs pipes zero",
		"status pipes sockets",
		"dance pipes",
	} {
		_, err := parseLine(line)
		a.Error(err, line)
	}
	_, err = parseLine("stop carrier_pigeon")
	a.True(errors.Is(err, ipc.ErrUnknownMechanism))
}

func TestShell(t *testing.T) {
	a := assert.New(t)
	coord := newTestCoordinator(t)
	var out bytes.Buffer
	sh := &shell{coord: coord, out: &out}
	input := strings.Join([]string{
		"",
		"start shmem",
		"send shmem hi  there",
		"receive shmem",
		"bogus",
		"help",
		"quit",
		"start pipes",
	}, "\n")
	require.NoError(t, sh.run(strings.NewReader(input)))
	text := out.String()
	a.Contains(text, `"message": "shared_memory started"`)
	a.Contains(text, `"message": "hi  there"`)
	a.Contains(text, `error: unknown command "bogus"`)
	a.Equal(2, strings.Count(text, "quit, exit"))

	st, err := coord.MechanismStatus(coordinator.SharedMemory)
	a.NoError(err)
	a.True(st.IsActive)
	st, _ = coord.MechanismStatus(coordinator.Pipes)
	a.False(st.IsActive)
}

func TestShellLongLine(t *testing.T) {
	a := assert.New(t)
	coord := newTestCoordinator(t)
	var out bytes.Buffer
	sh := &shell{coord: coord, out: &out}
	message := strings.Repeat("x", 100*1024)
	input := "start shmem\nsend shmem " + message + "\nstatus shmem\n"
	require.NoError(t, sh.run(strings.NewReader(input)))
	// every line was read, the last prompt waits for the end of input.
	a.Equal(4, strings.Count(out.String(), prompt))
	st, err := coord.MechanismStatus(coordinator.SharedMemory)
	a.NoError(err)
	a.True(st.IsActive)
}

func TestShellEOF(t *testing.T) {
	var out bytes.Buffer
	sh := &shell{coord: newTestCoordinator(t), out: &out}
	assert.NoError(t, sh.run(strings.NewReader("status")))
	assert.Contains(t, out.String(), `"status": "success"`)
}

func TestDemo(t *testing.T) {
	a := assert.New(t)
	coord := newTestCoordinator(t)
	var out bytes.Buffer
	require.NoError(t, runDemo(coord, &out, 5*time.Second))

	var report struct {
		Steps []struct {
			Command  coordinator.Command `json:"command"`
			Response struct {
				Status string `json:"status"`
				Data   any    `json:"data"`
			} `json:"response"`
		} `json:"steps"`
		Failed int `json:"failed"`
	}
	require.NoError(t, sonic.Unmarshal(out.Bytes(), &report))
	a.Zero(report.Failed)
	// start, send and receive per mechanism, one status and three stops.
	a.Len(report.Steps, 3*3+1+3)
	received := map[coordinator.Mechanism]any{}
	for _, step := range report.Steps {
		if step.Command.Action == coordinator.ActionReceive {
			received[step.Command.Mechanism] = step.Response.Data
		}
	}
	for _, m := range coordinator.Mechanisms {
		a.Equal(map[string]any{"message": "hello through " + string(m)}, received[m], m)
	}
	for _, st := range coord.Status() {
		a.False(st.IsActive)
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "ipclab v"+Version+"\n", out.String())
}

func TestSetupFlagsOverrideEnvironment(t *testing.T) {
	a := assert.New(t)
	chdir(t, t.TempDir())
	t.Setenv("IPCLAB_GRACE_PERIOD", "300ms")
	t.Setenv("IPCLAB_LOG_CAPACITY", "50")

	setup := &app{v: viper.New()}
	cmd := setup.shellCommand()
	addConfigFlags(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{"--log-capacity=20", "--log-level=debug"}))
	require.NoError(t, setup.setup(cmd, "stderr"))
	defer setup.teardown()
	a.Equal(300*time.Millisecond, setup.cfg.GracePeriod)
	a.Equal(20, setup.cfg.LogCapacity)
	a.Equal("debug", setup.cfg.Level)
	a.Equal(config.DefaultCoordinator().SettleDelay, setup.cfg.SettleDelay)
}

// chdir changes the working directory for the duration of the test,
// like testing.T.Chdir (Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
