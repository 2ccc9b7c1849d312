// Copyright 2016 Aleksandr Demakin. All rights reserved.

package ipc

import (
	"time"
)

// Outcome is the result tag of the last operation of a mechanism.
type Outcome string

const (
	OutcomeIdle    Outcome = "idle"
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeEOF     Outcome = "eof"
)

// OperationRecord describes the last send or receive of a channel.
// It is overwritten on every operation, callers always get a copy.
type OperationRecord struct {
	Operation    string    `json:"operation"`
	Message      string    `json:"message"`
	Bytes        int       `json:"bytes"`
	TimeMs       float64   `json:"time_ms"`
	Status       Outcome   `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SenderPID    int       `json:"sender_pid"`
	ReceiverPID  int       `json:"receiver_pid"`
	Timestamp    time.Time `json:"timestamp"`
}

// IdleRecord returns a record for a mechanism, which has not done anything yet.
func IdleRecord() OperationRecord {
	return OperationRecord{Operation: "none", Status: OutcomeIdle}
}

// Elapsed converts a duration into the milliseconds used by records.
func Elapsed(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// Fail fills the record with the error details.
func (r *OperationRecord) Fail(err error) {
	r.Status = OutcomeError
	if err != nil {
		r.ErrorMessage = err.Error()
	}
}
