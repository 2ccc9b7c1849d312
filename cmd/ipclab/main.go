// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

// Command ipclab starts, stops and exercises ipc mechanisms.
package main

import (
	"github.com/nxgtw/ipclab/channel"
	"github.com/nxgtw/ipclab/internal/cli"
)

func main() {
	// responders are this binary started with IPCLAB_RESPONDER set.
	channel.RunResponderIfRequested()
	cli.Execute()
}
