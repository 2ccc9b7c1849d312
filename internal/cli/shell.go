// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/nxgtw/ipclab/coordinator"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// maxLineSize bounds a shell line. Pipe messages may be larger than the default scanner token.
const maxLineSize = 16 << 20

const (
	prompt    = "ipclab> "
	shellHelp = `commands:
  start <mechanism>             start a mechanism
  stop <mechanism>              stop a mechanism
  restart <mechanism>           restart a mechanism
  send <mechanism> <message>    send a message
  receive <mechanism>           read the current message
  status [mechanism]            show the status
  logs <mechanism> [count]      show the activity log
  help                          show this help
  quit, exit                    stop all mechanisms and leave
mechanisms: pipes, sockets, shared_memory (shmem)
`
)

var errQuit = errors.New("quit")

func (a *app) shellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run an interactive coordinator shell",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd, "stderr")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.teardown()
			coord := a.newCoordinator(prometheus.NewRegistry())
			defer coord.Shutdown()
			sh := &shell{coord: coord, out: cmd.OutOrStdout()}
			return sh.run(cmd.InOrStdin())
		},
	}
}

type shell struct {
	coord *coordinator.Coordinator
	out   io.Writer
}

// run executes commands line by line until quit or the end of input.
func (s *shell) run(in io.Reader) error {
	fmt.Fprint(s.out, shellHelp)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(nil, maxLineSize)
	for {
		fmt.Fprint(s.out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return errors.Wrap(scanner.Err(), "failed to read input")
		}
		if err := s.exec(scanner.Text()); err == errQuit {
			return nil
		}
	}
}

// exec runs one line. It returns errQuit on quit and exit.
func (s *shell) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprint(s.out, shellHelp)
		return nil
	}
	cmd, err := parseLine(line)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return nil
	}
	s.print(s.coord.ExecuteCommand(cmd))
	return nil
}

func (s *shell) print(resp coordinator.Response) {
	data, err := sonic.ConfigStd.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, string(data))
}

// parseLine converts a shell line into a validated command.
// The message of send is the rest of the line after the mechanism, with its whitespace kept.
func parseLine(line string) (coordinator.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return coordinator.Command{}, errors.New("empty command")
	}
	cmd := coordinator.Command{
		ID:     uuid.NewString(),
		Action: coordinator.Action(strings.ToLower(fields[0])),
	}
	args := fields[1:]
	switch cmd.Action {
	case coordinator.ActionStart, coordinator.ActionStop, coordinator.ActionRestart, coordinator.ActionReceive:
		if len(args) != 1 {
			return cmd, errors.Errorf("usage: %s <mechanism>", cmd.Action)
		}
		cmd.Mechanism = coordinator.Mechanism(args[0])
	case coordinator.ActionSend:
		if len(args) < 2 {
			return cmd, errors.New("usage: send <mechanism> <message>")
		}
		_, rest := cutField(line)
		mechanism, rest := cutField(rest)
		cmd.Mechanism = coordinator.Mechanism(mechanism)
		cmd.Message = strings.TrimLeftFunc(rest, unicode.IsSpace)
	case coordinator.ActionStatus:
		if len(args) > 1 {
			return cmd, errors.New("usage: status [mechanism]")
		}
		if len(args) == 1 {
			cmd.Mechanism = coordinator.Mechanism(args[0])
		}
	case coordinator.ActionLogs:
		if len(args) < 1 || len(args) > 2 {
			return cmd, errors.New("usage: logs <mechanism> [count]")
		}
		cmd.Mechanism = coordinator.Mechanism(args[0])
		if len(args) == 2 {
			count, err := strconv.Atoi(args[1])
			if err != nil || count <= 0 {
				return cmd, errors.Errorf("invalid count %q", args[1])
			}
			cmd.Count = count
		}
	default:
		return cmd, errors.Errorf("unknown command %q, type help", fields[0])
	}
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// cutField splits off the first whitespace separated field of s.
func cutField(s string) (field, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}
