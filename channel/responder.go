// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package channel

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/nxgtw/ipclab"
	"github.com/nxgtw/ipclab/internal/config"
	"github.com/nxgtw/ipclab/internal/logging"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// responderFd is the descriptor of the inherited channel end in a responder.
const responderFd = 3

const (
	exitOK = iota
	exitReadError
	exitBadSetup
)

type receiver interface {
	Receive() (string, error)
	LastOperation() ipc.OperationRecord
	Close() error
}

// RunResponderIfRequested turns this process into a responder and never returns,
// if it was started as one. Otherwise it does nothing.
func RunResponderIfRequested() {
	kind := Kind(os.Getenv(ResponderEnv))
	if kind == "" {
		return
	}
	os.Exit(runResponder(kind))
}

func runResponder(kind Kind) int {
	cfg := config.LoadOrDefault()
	logger := logging.Must(logging.ResponderConfig(cfg.Level)).
		Named(string(kind) + "-responder").
		With(zap.Int("pid", os.Getpid()))
	defer logger.Sync()

	conn := os.NewFile(responderFd, "ipclab-channel")
	if conn == nil {
		logger.Error("channel descriptor is missing")
		return exitBadSetup
	}
	var ch receiver
	switch kind {
	case KindPipe:
		p := NewPipeChannel(logger, Options{})
		p.openResponder(conn)
		ch = p
	case KindSocket:
		s := NewSocketChannel(logger, Options{})
		s.openResponder(conn)
		ch = s
	default:
		logger.Error("unknown channel kind", zap.String("kind", string(kind)))
		return exitBadSetup
	}

	terms := make(chan os.Signal, 1)
	signal.Notify(terms, syscall.SIGTERM)
	go func() {
		sig := <-terms
		logger.Info("terminated", zap.Stringer("signal", sig))
		logger.Sync()
		os.Exit(exitOK)
	}()

	logger.Info("responder started", zap.Int("parent", os.Getppid()))
	if err := serve(ch, os.Stdout, logger); err != nil {
		logger.Error("responder failed", zap.Error(err))
		return exitReadError
	}
	return exitOK
}

// serve receives messages until the end of the stream and reports each of them to out.
func serve(ch receiver, out io.Writer, logger *zap.Logger) error {
	defer ch.Close()
	for {
		msg, err := ch.Receive()
		if err == io.EOF {
			logger.Info("end of stream")
			return nil
		}
		if err != nil {
			return err
		}
		if msg == "" {
			continue
		}
		logger.Info("message received", zap.String("message", msg))
		if err := report(out, ch.LastOperation()); err != nil {
			logger.Warn("failed to report a message", zap.Error(err))
		}
	}
}

func report(out io.Writer, rec ipc.OperationRecord) error {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	_, err = out.Write(append(data, '\n'))
	return err
}
