// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package coordinator

import (
	"fmt"

	"github.com/nxgtw/ipclab"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ExecuteCommand dispatches a command and renders the result.
// It never panics: every failure becomes an error response.
func (c *Coordinator) ExecuteCommand(cmd Command) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = failure(cmd, errors.Errorf("internal error: %v", r))
		}
		c.metrics.commands.WithLabelValues(actionLabel(cmd.Action), resp.Status).Inc()
		if !resp.OK() {
			c.logger.Warn("command failed",
				zap.String("command_id", cmd.ID),
				zap.String("action", string(cmd.Action)),
				zap.String("mechanism", string(cmd.Mechanism)),
				zap.String("error", resp.Message))
		}
	}()
	if err := cmd.Validate(); err != nil {
		return failure(cmd, err)
	}
	m := cmd.Mechanism
	switch cmd.Action {
	case ActionStart:
		if err := c.Start(m); err != nil {
			return failure(cmd, err)
		}
		st, _ := c.MechanismStatus(m)
		return success(cmd, fmt.Sprintf("%s started", m), st)
	case ActionStop:
		if err := c.Stop(m); err != nil {
			return failure(cmd, err)
		}
		return success(cmd, fmt.Sprintf("%s stopped", m), nil)
	case ActionRestart:
		if err := c.Restart(m); err != nil {
			return failure(cmd, err)
		}
		st, _ := c.MechanismStatus(m)
		return success(cmd, fmt.Sprintf("%s restarted", m), st)
	case ActionSend:
		if err := c.Send(m, cmd.Message); err != nil {
			return failure(cmd, err)
		}
		return success(cmd, fmt.Sprintf("message sent through %s", m), nil)
	case ActionReceive:
		msg, err := c.Receive(m)
		if err != nil {
			return failure(cmd, err)
		}
		return success(cmd, fmt.Sprintf("message received from %s", m), map[string]string{"message": msg})
	case ActionStatus:
		if m == "" {
			return success(cmd, "status", c.Status())
		}
		st, err := c.MechanismStatus(m)
		if err != nil {
			return failure(cmd, err)
		}
		return success(cmd, "status", st)
	case ActionLogs:
		count := cmd.Count
		if count == 0 {
			count = defaultLogCount
		}
		logs, err := c.Logs(m, count)
		if err != nil {
			return failure(cmd, err)
		}
		return success(cmd, fmt.Sprintf("%d log entries", len(logs)), logs)
	}
	return failure(cmd, ipc.NewError(ipc.ErrUnknownAction, "execute", errors.Errorf("%q", cmd.Action)))
}

// actionLabel bounds the metric label values to the known actions.
func actionLabel(action Action) string {
	switch action {
	case ActionStart, ActionStop, ActionRestart, ActionSend, ActionReceive, ActionStatus, ActionLogs:
		return string(action)
	}
	return "unknown"
}
