package sequentialfile

import "fmt"

// Error codes delivered through IOCallback.OnError.
const (
	CodeIOError    = 6
	CodeFileClosed = 7
	CodeQueueFull  = 8
)

// IOError is an I/O failure reported asynchronously through a callback.
type IOError struct {
	Code int
	Msg  string
}

func (e IOError) Error() string {
	return fmt.Sprintf("io error (code %d): %s", e.Code, e.Msg)
}

// AlignmentError reports a buffer or offset that does not honor the factory alignment.
type AlignmentError string

func (msg AlignmentError) Error() string {
	return "alignment violation: " + string(msg)
}
