// Copyright 2016 Aleksandr Demakin. All rights reserved.

package ipc_testing

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	switch HelperName() {
	case "echo":
		fmt.Println(strings.Join(HelperArgs(), " "))
		os.Exit(0)
	case "fail":
		os.Exit(3)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestRunTestApp(t *testing.T) {
	a := assert.New(t)
	result := RunTestApp("echo", []string{"hello", "world"}, nil)
	a.NoError(result.Err)
	a.Contains(result.Output, "hello world")
	result = RunTestApp("fail", nil, nil)
	if a.Error(result.Err) {
		a.Contains(result.Err.Error(), "status code = 3")
	}
}

func TestRunTestAppAsyncKill(t *testing.T) {
	a := assert.New(t)
	kill := make(chan bool, 1)
	ch := RunTestAppAsync("sleep", nil, kill)
	_, ok := WaitForAppResultChan(ch, 100*time.Millisecond)
	a.False(ok)
	kill <- true
	result, ok := WaitForAppResultChan(ch, 5*time.Second)
	a.True(ok)
	a.Error(result.Err)
}

func TestWaitForFunc(t *testing.T) {
	a := assert.New(t)
	a.True(WaitForFunc(func() {}, time.Second))
	a.False(WaitForFunc(func() { time.Sleep(200 * time.Millisecond) }, 10*time.Millisecond))
}
