// Copyright 2015 Aleksandr Demakin. All rights reserved.

package ipc

// common flags for opening/creation of objects
const (
	O_OPEN_OR_CREATE = 0x00000001
	O_CREATE_ONLY    = 0x00000002
	O_OPEN_ONLY      = 0x00000004
)
