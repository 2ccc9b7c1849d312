// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package channel

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PipeChannel is a one-way channel over an anonymous pipe.
// The initiator writes, the responder reads in a blocking loop.
// A PipeChannel cannot be reused after Close.
type PipeChannel struct {
	duplex
}

// NewPipeChannel returns an inactive pipe channel.
func NewPipeChannel(logger *zap.Logger, opts Options) *PipeChannel {
	return &PipeChannel{duplex: newDuplex(KindPipe, logger, opts, 0)}
}

// Create creates a pipe and starts the responder with the read end.
func (p *PipeChannel) Create() error {
	return p.create(newPipe)
}

// Send writes a newline-terminated message.
// It is valid for the initiator of an active channel only.
func (p *PipeChannel) Send(message string) error {
	return p.send(message)
}

// Receive reads one message. It is valid in the responder process only.
func (p *PipeChannel) Receive() (string, error) {
	return p.receive()
}

// Close closes the write end and stops the responder: it is asked to exit
// and killed, if it is still alive after the grace period.
func (p *PipeChannel) Close() error {
	return p.close()
}

func newPipe() (local, remote *os.File, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "pipe failed")
	}
	return w, r, nil
}
