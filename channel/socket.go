// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package channel

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// MaxSocketMessage is the maximum size of a socket channel message without the terminator.
const MaxSocketMessage = 8191

// SocketChannel is a channel over a connected unix stream socket pair.
// The socket pair is full-duplex, but it is used the same way as a pipe:
// the initiator sends, the responder receives.
type SocketChannel struct {
	duplex
}

// NewSocketChannel returns an inactive socket channel.
func NewSocketChannel(logger *zap.Logger, opts Options) *SocketChannel {
	return &SocketChannel{duplex: newDuplex(KindSocket, logger, opts, MaxSocketMessage)}
}

// Create creates a socket pair and starts the responder with one of its ends.
func (s *SocketChannel) Create() error {
	return s.create(newSocketPair)
}

// Send writes a newline-terminated message.
// Messages longer than MaxSocketMessage are rejected with ipc.ErrMessageTooLarge.
func (s *SocketChannel) Send(message string) error {
	return s.send(message)
}

// Receive reads one message. It is valid in the responder process only.
func (s *SocketChannel) Receive() (string, error) {
	return s.receive()
}

// Close closes the local socket and stops the responder.
func (s *SocketChannel) Close() error {
	return s.close()
}

func newSocketPair() (local, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(os.NewSyscallError("socketpair", err), "failed to create socket pair")
	}
	return os.NewFile(uintptr(fds[0]), "ipclab-socket-initiator"), os.NewFile(uintptr(fds[1]), "ipclab-socket-responder"), nil
}
