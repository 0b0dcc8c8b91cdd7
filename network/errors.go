package network

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionMismatch is returned when a frame header carries a protocol
	// version other than Version.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrConnectionClosed is returned when the peer closed the connection
	// cleanly between frames.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrFrameTooLarge is returned when a header declares a segment longer
	// than MaxSegmentLength. The stream cannot be resynchronized after it.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrUnsupportedOperation is what callers report when the peer answered
	// with OpUnsupported.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// IOError is a read or write failure on the underlying connection.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
