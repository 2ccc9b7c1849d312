// Copyright 2016 Aleksandr Demakin. All rights reserved.

package coordinator

import (
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/nxgtw/ipclab"
	"github.com/pkg/errors"
)

// Action is a command action.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionSend    Action = "send"
	ActionReceive Action = "receive"
	ActionStatus  Action = "status"
	ActionLogs    Action = "logs"
)

const defaultLogCount = 100

// Command is a request to the coordinator.
type Command struct {
	ID        string    `json:"command_id"`
	Action    Action    `json:"action"`
	Mechanism Mechanism `json:"mechanism,omitempty"`
	Message   string    `json:"message,omitempty"`
	Count     int       `json:"count,omitempty"`
}

// NewCommand returns a validated command with a new id.
func NewCommand(action Action, m Mechanism, message string) (Command, error) {
	cmd := Command{
		ID:        uuid.NewString(),
		Action:    action,
		Mechanism: m,
		Message:   message,
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// ParseCommand decodes a json command and validates it.
// A command without an id gets a new one.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := sonic.Unmarshal(data, &cmd); err != nil {
		return Command{}, errors.Wrap(err, "failed to decode command")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Validate checks that the fields required by the action are present
// and normalizes the mechanism identifier.
// Unknown actions are not rejected here: the coordinator answers them with an error response.
func (c *Command) Validate() error {
	if c.Action == "" {
		return ipc.NewError(ipc.ErrMissingField, "validate", errors.New("action"))
	}
	if c.Mechanism != "" {
		m, err := ParseMechanism(string(c.Mechanism))
		if err != nil {
			return err
		}
		c.Mechanism = m
	}
	switch c.Action {
	case ActionStart, ActionStop, ActionRestart, ActionReceive, ActionLogs:
		if c.Mechanism == "" {
			return ipc.NewError(ipc.ErrMissingField, "validate "+string(c.Action), errors.New("mechanism"))
		}
	case ActionSend:
		if c.Mechanism == "" {
			return ipc.NewError(ipc.ErrMissingField, "validate send", errors.New("mechanism"))
		}
		if c.Message == "" {
			return ipc.NewError(ipc.ErrMissingField, "validate send", errors.New("message"))
		}
	}
	if c.Count < 0 {
		return errors.Errorf("invalid count %d", c.Count)
	}
	return nil
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the result of a command.
type Response struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	CommandID string `json:"command_id,omitempty"`
}

// OK returns true for a successful response.
func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

func success(cmd Command, message string, data any) Response {
	return Response{Status: StatusSuccess, Message: message, Data: data, CommandID: cmd.ID}
}

func failure(cmd Command, err error) Response {
	return Response{Status: StatusError, Message: err.Error(), CommandID: cmd.ID}
}
