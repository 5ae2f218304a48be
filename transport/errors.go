package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

var (
	// ErrClosed indicates the transport has been closed
	ErrClosed = errors.New("transport closed")

	// ErrTimeout indicates a receive did not complete in time
	ErrTimeout = errors.New("transport timeout")

	// ErrSecurityViolation indicates an unencrypted packet arrived while
	// encryption is mandatory, a possible downgrade attack
	ErrSecurityViolation = errors.New("security violation: unencrypted packet on encrypted session")

	// ErrNoCryptoContext indicates an encrypted packet arrived before any keys existed
	ErrNoCryptoContext = errors.New("encrypted packet without crypto context")

	// ErrUnexpectedMessage indicates a non-binary message on a message transport
	ErrUnexpectedMessage = errors.New("unexpected message type")
)

// Error represents a transport error with additional context.
type Error struct {
	Op   string // operation that caused the error
	Addr string // peer address if relevant
	Err  error  // underlying error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the error is a receive timeout.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

// newError wraps err, mapping deadline and close conditions onto ErrTimeout
// and ErrClosed so callers can match them with errors.Is.
func newError(op, addr string, err error) *Error {
	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return &Error{Op: op, Addr: addr, Err: err}
}
