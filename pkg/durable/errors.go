package durable

import (
	"errors"
	"fmt"
	"time"

	"github.com/conductorone/tenantsync/pkg/store"
)

var (
	// ErrSuspended is matched by every Suspension. Handlers must return it unchanged.
	ErrSuspended = errors.New("durable: run suspended")
	// ErrCancelled is returned at a suspension point once cancellation was requested.
	ErrCancelled = errors.New("durable: run cancelled")
)

// Suspension parks a run until an event arrives or WakeAt passes.
type Suspension struct {
	Status store.RunStatus
	WakeAt time.Time
	Step   string
	Cause  error
}

func (s *Suspension) Error() string {
	msg := fmt.Sprintf("durable: run suspended at step %q (%s)", s.Step, s.Status)
	if !s.WakeAt.IsZero() {
		msg += " until " + s.WakeAt.Format(time.RFC3339)
	}
	if s.Cause != nil {
		msg += ": " + s.Cause.Error()
	}
	return msg
}

func (s *Suspension) Is(target error) bool {
	return target == ErrSuspended
}

func (s *Suspension) Unwrap() error {
	return s.Cause
}

func IsSuspended(err error) bool {
	return errors.Is(err, ErrSuspended)
}

func AsSuspension(err error) (*Suspension, bool) {
	var s *Suspension
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
