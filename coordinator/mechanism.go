// Copyright 2016 Aleksandr Demakin. All rights reserved.

package coordinator

import (
	"strings"

	"github.com/nxgtw/ipclab"
	"github.com/pkg/errors"
)

// Mechanism identifies an ipc mechanism managed by the coordinator.
type Mechanism string

const (
	Pipes        Mechanism = "pipes"
	Sockets      Mechanism = "sockets"
	SharedMemory Mechanism = "shared_memory"
)

// Mechanisms lists all mechanisms in a stable order.
var Mechanisms = []Mechanism{Pipes, Sockets, SharedMemory}

// ParseMechanism converts an identifier into a Mechanism.
// "shmem" is accepted for shared memory.
func ParseMechanism(s string) (Mechanism, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pipes", "pipe":
		return Pipes, nil
	case "sockets", "socket":
		return Sockets, nil
	case "shared_memory", "shmem", "shm":
		return SharedMemory, nil
	case "":
		return "", ipc.NewError(ipc.ErrMissingField, "parse mechanism", nil)
	}
	return "", ipc.NewError(ipc.ErrUnknownMechanism, "parse mechanism", errors.Errorf("%q", s))
}

// State is a lifecycle state of a mechanism.
type State int

const (
	Inactive State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// MarshalText makes states readable in status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Inactive, Starting, Active, Stopping} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return errors.Errorf("unknown state %q", text)
}
