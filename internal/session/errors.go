package session

import (
	"errors"
	"fmt"
)

var (
	ErrCmdDisabled  = errors.New("commands are disabled")
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("command timed out")
)

// BackendError wraps a transport failure while sending a command.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
