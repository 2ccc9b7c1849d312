// Copyright 2016 Aleksandr Demakin. All rights reserved.

package ipc

// Destroyer is an object which can be permanently removed.
type Destroyer interface {
	Destroy() error
}

// Detacher is an object, which can release its local mapping
// without removing the underlying kernel object.
type Detacher interface {
	Detach() error
}
