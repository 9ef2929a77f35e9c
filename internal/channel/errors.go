package channel

import "errors"

// ErrClientDisconnected is returned by WriteSoon once the peer is gone; a
// worker mid-task should treat it as fatal for that response and unwind.
var ErrClientDisconnected = errors.New("channel: client disconnected")

// ErrApplicationPanic wraps a recovered panic from a Task.Service call, the
// Go analogue of an uncaught application exception.
var ErrApplicationPanic = errors.New("channel: application task panicked")

// InternalServerError is the payload attached to the synthetic request built
// when a task panics or errors before writing any response headers.
type InternalServerError struct {
	Body string
}

func (e *InternalServerError) Error() string { return "internal server error" }
