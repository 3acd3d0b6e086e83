package iso7816

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when the card did not answer within Client.Timeout.
	ErrTimeout = errors.New("card did not respond in time")
	// ErrDisconnected is returned when the link to the card is lost.
	// Transmitters should wrap their removal errors with it.
	ErrDisconnected = errors.New("card disconnected")
)

// TransportError reports a failed exchange on the physical link.
// The client that returned it cannot be used for further exchanges.
type TransportError struct {
	Op    string
	Err   error // ErrTimeout or ErrDisconnected
	Cause error // underlying transmitter error, if any
}

func (e *TransportError) Error() string {
	if e.Cause != nil && !errors.Is(e.Cause, e.Err) {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}
