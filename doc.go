// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package ipc holds the vocabulary shared by the ipclab mechanisms.
// The mechanisms themselves live in subpackages:
//	channel - pipe and socket pair channels with a re-executed responder process
//	shm     - sysV shared memory segment guarded by a readers-writers semaphore set
//	sync    - sysV semaphore sets
//	coordinator - lifecycle, counters and logs for all of the above
// Everything here is linux-first. Other unix systems build, but the
// semaphore set reports an error on creation.
package ipc
