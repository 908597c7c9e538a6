package retry

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FatalError aborts a run immediately. It is never retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal error"
	}
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal marks err as non-retriable. Wrapping nil returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Err: err}
}

// RetriableError is retried according to the step's Policy.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string {
	if e.Err == nil {
		return "retriable error"
	}
	return e.Err.Error()
}

func (e *RetriableError) Unwrap() error {
	return e.Err
}

func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

func IsRetriable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	var re *RetriableError
	if errors.As(err, &re) {
		return true
	}
	return IsTransient(err)
}

// IsTransient matches infrastructure failures that are expected to clear on their own:
// unavailable or timed out gRPC calls, context deadlines, and a locked sqlite database.
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	var re *RetriableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
