package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected means the session token was refused. It is terminal for
	// the connection until Connect is called with a fresh token.
	ErrAuthRejected = errors.New("session token rejected")

	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")

	// ErrRetriesExhausted is surfaced once automatic reconnection gives up.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// TransportError is a network-level failure. It is retried up to the
// configured cap.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("channel %s failed", e.Op)
	}
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// classify forces every dial failure into the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrTransport) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
