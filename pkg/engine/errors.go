package engine

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/pkg/errors"
)

// Error carries the failure classification decided by an engine.
type Error struct {
	Kind job.ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind job.ErrorKind, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Err: err}
}

var networkSignatures = []string{
	"unable to download webpage",
	"connection reset",
	"connection refused",
	"timed out",
	"temporary failure in name resolution",
	"name or service not known",
	"no such host",
	"network is unreachable",
	"http error 5",
	"remote end closed connection",
	"giving up after",
}

var unsupportedSignatures = []string{
	"unsupported url",
	"is not a valid url",
	"no video formats found",
	"requested format is not available",
	"http error 404",
	"http error 403",
	"video unavailable",
}

// KindOf classifies an arbitrary engine failure.
func KindOf(err error) job.ErrorKind {
	var eErr *Error
	if errors.As(err, &eErr) {
		return eErr.Kind
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return job.KindNetwork
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage maps engine diagnostics to a failure kind.
func ClassifyMessage(msg string) job.ErrorKind {
	msg = strings.ToLower(msg)
	for _, s := range unsupportedSignatures {
		if strings.Contains(msg, s) {
			return job.KindUnsupportedSource
		}
	}
	for _, s := range networkSignatures {
		if strings.Contains(msg, s) {
			return job.KindNetwork
		}
	}

	return job.KindEngine
}
