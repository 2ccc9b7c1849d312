// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/nxgtw/ipclab/coordinator"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type demoStep struct {
	Command  coordinator.Command  `json:"command"`
	Response coordinator.Response `json:"response"`
}

type demoReport struct {
	Steps  []demoStep `json:"steps"`
	Failed int        `json:"failed"`
}

func (a *app) demoCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted round over all mechanisms and print it as json",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd, "stderr")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.teardown()
			coord := a.newCoordinator(prometheus.NewRegistry())
			defer coord.Shutdown()
			return runDemo(coord, cmd.OutOrStdout(), wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to wait for responders to report a message")
	return cmd
}

// runDemo starts every mechanism, sends a message through it, reads it back,
// stops everything and writes the commands with their responses to out.
func runDemo(coord *coordinator.Coordinator, out io.Writer, wait time.Duration) error {
	var report demoReport
	run := func(action coordinator.Action, m coordinator.Mechanism, message string) coordinator.Response {
		cmd := coordinator.Command{ID: uuid.NewString(), Action: action, Mechanism: m, Message: message}
		resp := coord.ExecuteCommand(cmd)
		if !resp.OK() {
			report.Failed++
		}
		report.Steps = append(report.Steps, demoStep{Command: cmd, Response: resp})
		return resp
	}
	for _, m := range coordinator.Mechanisms {
		if !run(coordinator.ActionStart, m, "").OK() {
			continue
		}
		run(coordinator.ActionSend, m, fmt.Sprintf("hello through %s", m))
		waitForReceive(coord, m, wait)
		run(coordinator.ActionReceive, m, "")
	}
	run(coordinator.ActionStatus, "", "")
	for _, m := range coordinator.Mechanisms {
		run(coordinator.ActionStop, m, "")
	}
	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode demo report")
	}
	fmt.Fprintln(out, string(data))
	if report.Failed > 0 {
		return errors.Errorf("%d demo commands failed", report.Failed)
	}
	return nil
}

// waitForReceive waits until a responder reported a message.
// Shared memory has no responder and returns immediately.
func waitForReceive(coord *coordinator.Coordinator, m coordinator.Mechanism, wait time.Duration) {
	if m == coordinator.SharedMemory {
		return
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if st, err := coord.MechanismStatus(m); err != nil || st.MessagesReceived > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
