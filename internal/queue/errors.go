package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for items submitted after Close.
	ErrClosed = errors.New("queue closed")
	// ErrIndexOutOfRange is returned when EnqueueAt names a queue the pool does not have.
	ErrIndexOutOfRange = errors.New("queue index out of range")
	// ErrInvalidSize is returned when a pool is built with fewer than one queue.
	ErrInvalidSize = errors.New("queue pool size must be at least 1")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
