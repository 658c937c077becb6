package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by characteristic operations while the
	// session has no cached handles.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrNoDevice is returned by EnsureConnected when no device is selected.
	ErrNoDevice = errors.New("ble: no device selected")
)

// ConnectionError reports a failed connect or a missing service or
// characteristic during discovery. It aborts the action that triggered it.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IOError reports a single failed read, write or notification toggle on an
// established session.
type IOError struct {
	Op             string
	Characteristic string
	Err            error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("ble: %s %s: %v", e.Op, e.Characteristic, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
