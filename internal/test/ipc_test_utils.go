// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package ipc_testing contains helpers for tests, which need a second process.
// Helper processes are the test binary itself, re-executed with
// HelperEnv set, so the package's TestMain can dispatch into the helper code.
package ipc_testing

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// HelperEnv is set in the environment of a re-executed test binary.
// Its value is the name of the helper to run.
const HelperEnv = "IPCLAB_TEST_HELPER"

// TestAppResult is a result of a helper process launch.
type TestAppResult struct {
	Output string
	Err    error
}

// HelperName returns the name of the helper requested for this process, if any.
func HelperName() string {
	return os.Getenv(HelperEnv)
}

// HelperArgs returns the arguments passed to the helper after the '--' separator.
func HelperArgs() []string {
	for i, arg := range os.Args {
		if arg == "--" {
			return os.Args[i+1:]
		}
	}
	return nil
}

// HelperCommand returns a command, which re-executes the test binary as the named helper.
func HelperCommand(name string, args ...string) *exec.Cmd {
	cmdArgs := append([]string{"-test.run=^$", "--"}, args...)
	cmd := exec.Command(os.Args[0], cmdArgs...)
	cmd.Env = append(os.Environ(), HelperEnv+"="+name)
	return cmd
}

// launch helpers

func startTestApp(cmd *exec.Cmd, killChan <-chan bool) (*bytes.Buffer, error) {
	buff := bytes.NewBuffer(nil)
	cmd.Stderr = buff
	cmd.Stdout = buff
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if killChan != nil {
		go func() {
			if kill, ok := <-killChan; kill && ok {
				cmd.Process.Kill()
			}
		}()
	}
	fmt.Printf("started new process [%d] %s\n", cmd.Process.Pid, strings.Join(cmd.Args[1:], " "))
	return buff, nil
}

func waitForCommand(cmd *exec.Cmd, buff *bytes.Buffer) (result TestAppResult) {
	if result.Err = cmd.Wait(); result.Err != nil {
		if exiterr, ok := result.Err.(*exec.ExitError); ok {
			if status, ok := exiterr.Sys().(syscall.WaitStatus); ok {
				result.Err = fmt.Errorf("%v, status code = %d", result.Err, status.ExitStatus())
			}
		}
	}
	result.Output = buff.String()
	return
}

// RunTestApp starts the named helper and waits for it to finish.
// To kill the process, send to killChan.
func RunTestApp(name string, args []string, killChan <-chan bool) (result TestAppResult) {
	cmd := HelperCommand(name, args...)
	if buff, err := startTestApp(cmd, killChan); err == nil {
		result = waitForCommand(cmd, buff)
	} else {
		result.Err = err
	}
	return
}

// RunTestAppAsync starts the named helper and returns immediately.
// To kill the process, send to killChan.
// To wait for the program to finish, receive on TestAppResult chan.
func RunTestAppAsync(name string, args []string, killChan <-chan bool) <-chan TestAppResult {
	ch := make(chan TestAppResult, 1)
	cmd := HelperCommand(name, args...)
	if buff, err := startTestApp(cmd, killChan); err != nil {
		ch <- TestAppResult{Err: err}
	} else {
		go func() {
			ch <- waitForCommand(cmd, buff)
		}()
	}
	return ch
}

// WaitForFunc calls f asynchronously leaving it some time to finish.
// It returns true, if f completed.
func WaitForFunc(f func(), d time.Duration) bool {
	ch := make(chan bool, 1)
	go func() {
		f()
		ch <- true
	}()
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

// WaitForAppResultChan waits for a value from ch with a timeout.
func WaitForAppResultChan(ch <-chan TestAppResult, d time.Duration) (TestAppResult, bool) {
	select {
	case value := <-ch:
		return value, true
	case <-time.After(d):
		return TestAppResult{}, false
	}
}
