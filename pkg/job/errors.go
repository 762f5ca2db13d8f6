package job

import "github.com/pkg/errors"

var (
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyTerminal   = errors.New("job already in terminal state")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalidRequest    = errors.New("invalid job request")
)

type ErrorKind string

const (
	KindNetwork           ErrorKind = "network"
	KindUnsupportedSource ErrorKind = "unsupported_source"
	KindEngine            ErrorKind = "engine_error"
	KindMergeFailed       ErrorKind = "merge_failed"
	KindIO                ErrorKind = "io_error"
)

// Error is the failure description stored on a failed record.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}
