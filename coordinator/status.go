// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package coordinator

import (
	"time"

	"github.com/nxgtw/ipclab"
	"github.com/pkg/errors"
)

// MechanismStatus is the status payload of one mechanism.
type MechanismStatus struct {
	Name             Mechanism `json:"name"`
	State            State     `json:"state"`
	IsActive         bool      `json:"is_active"`
	IsRunning        bool      `json:"is_running"`
	ProcessPID       int       `json:"process_pid"`
	LastError        string    `json:"last_error"`
	LastOperation    string    `json:"last_operation"`
	UptimeMs         int64     `json:"uptime_ms"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
}

// Status maps every mechanism to its status.
type Status map[Mechanism]MechanismStatus

// Status returns the status of all mechanisms.
// It only reads in-memory state and the responder state of drivers.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(Status, len(c.states))
	now := time.Now()
	for m, st := range c.states {
		result[m] = c.statusOf(m, st, now)
	}
	return result
}

// MechanismStatus returns the status of one mechanism.
func (c *Coordinator) MechanismStatus(m Mechanism) (MechanismStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[m]
	if !ok {
		return MechanismStatus{}, ipc.NewError(ipc.ErrUnknownMechanism, "status", errors.Errorf("%q", m))
	}
	return c.statusOf(m, st, time.Now()), nil
}

// statusOf builds a status. c.mu must be held.
func (c *Coordinator) statusOf(m Mechanism, st *mechanismState, now time.Time) MechanismStatus {
	result := MechanismStatus{
		Name:             m,
		State:            st.state,
		IsActive:         st.state == Active,
		ProcessPID:       st.pid,
		LastError:        st.lastError,
		LastOperation:    st.lastOperation,
		MessagesSent:     st.sent,
		MessagesReceived: st.received,
	}
	if result.IsActive {
		result.UptimeMs = now.Sub(st.startedAt).Milliseconds()
		result.IsRunning = st.pid > 0 && st.driver != nil && st.driver.Running()
	}
	return result
}

// MechanismDetail returns the mechanism specific detail payload:
// a shm.Snapshot for shared memory and a ChannelDetail for pipes and sockets.
// For an inactive mechanism the detail recorded at its last stop is returned.
func (c *Coordinator) MechanismDetail(m Mechanism) (any, error) {
	c.mu.RLock()
	st, ok := c.states[m]
	if !ok {
		c.mu.RUnlock()
		return nil, ipc.NewError(ipc.ErrUnknownMechanism, "detail", errors.Errorf("%q", m))
	}
	driver, detail := st.driver, st.lastDetail
	if st.state != Active {
		driver = nil
	}
	c.mu.RUnlock()
	if driver == nil {
		return detail, nil
	}
	return protectDetail(driver), nil
}
