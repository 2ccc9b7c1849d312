// Copyright 2015 Aleksandr Demakin. All rights reserved.

package allocator

import (
	"reflect"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
)

// ByteSliceFromUnsafePointer returns a slice of bytes with given length.
// Memory pointed by the unsafe.Pointer is used for the slice.
func ByteSliceFromUnsafePointer(memory unsafe.Pointer, length int) []byte {
	return unsafe.Slice((*byte)(memory), length)
}

// ByteSliceData returns a pointer to the data of the given byte slice.
func ByteSliceData(slice []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(slice))
}

// CheckObjectReferences checks if an object of type can be safely placed into
// memory shared with another process.
// the object must not contain any reference types like
// maps, strings, and so on.
func CheckObjectReferences(object interface{}) error {
	return checkType(reflect.TypeOf(object), 0)
}

func checkType(t reflect.Type, depth int) error {
	if t == nil {
		return errors.New("nil object")
	}
	kind := t.Kind()
	if kind == reflect.Array {
		return checkType(t.Elem(), depth+1)
	}
	if kind == reflect.Ptr {
		if depth != 0 {
			return errors.New("unexpected pointer type")
		}
		return checkType(t.Elem(), depth+1)
	}
	if kind == reflect.Struct {
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if err := checkType(field.Type, depth+1); err != nil {
				return errors.Wrapf(err, "field %s", field.Name)
			}
		}
		return nil
	}
	if kind >= reflect.Bool && kind <= reflect.Complex128 {
		return nil
	}
	return errors.Errorf("unsupported type %q", kind.String())
}

// Use ensures that p is kept live until that point.
// It is used to keep buffers passed to raw syscalls alive.
func Use(p unsafe.Pointer) {
	runtime.KeepAlive(p)
}
