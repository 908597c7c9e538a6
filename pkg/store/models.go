package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type RunStatus string

const (
	StatusCreated               RunStatus = "created"
	StatusRunning               RunStatus = "running"
	StatusSuspendedWaitingEvent RunStatus = "suspended_waiting_event"
	StatusSuspendedRateLimited  RunStatus = "suspended_rate_limited"
	StatusSuspendedRetry        RunStatus = "suspended_retry"
	StatusOngoing               RunStatus = "ongoing"
	StatusCompleted             RunStatus = "completed"
	StatusFailed                RunStatus = "failed"
	StatusCancelled             RunStatus = "cancelled"
)

// Terminal statuses end a run instance. An ongoing run has handed its work to a
// continuation run.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusOngoing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s RunStatus) Suspended() bool {
	switch s {
	case StatusSuspendedWaitingEvent, StatusSuspendedRateLimited, StatusSuspendedRetry:
		return true
	}
	return false
}

// Timed reports whether the status is resumed by the clock rather than by an event.
func (s RunStatus) Timed() bool {
	return s == StatusSuspendedRateLimited || s == StatusSuspendedRetry
}

type Run struct {
	ID              string
	FunctionID      string
	EventID         string
	TenantID        string
	Phase           string
	ConcurrencyKey  string
	Priority        int
	Trigger         Event
	Status          RunStatus
	Attempt         int
	CancelRequested bool
	Error           string
	CreatedAt       time.Time
	StartedAt       time.Time
	EndedAt         time.Time
	WakeAt          time.Time
}

type Step struct {
	RunID     string
	Name      string
	Attempts  uint
	Output    json.RawMessage
	Error     string
	Done      bool
	UpdatedAt time.Time
}

type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// NewEvent marshals data into an event. The id and timestamp are assigned when the event
// is sent.
func NewEvent(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("store: marshal %s payload: %w", name, err)
	}
	return Event{Name: name, Data: raw}, nil
}

// Fields returns the top-level payload fields rendered as strings.
func (e *Event) Fields() map[string]string {
	out := map[string]string{}
	if len(e.Data) == 0 {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return out
	}
	for k, v := range m {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case nil:
		default:
			b, err := json.Marshal(tv)
			if err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}

func (e *Event) Field(key string) string {
	return e.Fields()[key]
}

func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Match is a correlation predicate: every key must equal the event's field of that name.
type Match map[string]string

func (m Match) Matches(e *Event) bool {
	if len(m) == 0 {
		return true
	}
	fields := e.Fields()
	for k, v := range m {
		if fields[k] != v {
			return false
		}
	}
	return true
}

type Wait struct {
	RunID     string
	StepName  string
	EventName string
	Match     Match
	Deadline  time.Time
}

type BarrierStatus string

const (
	BarrierPending   BarrierStatus = "pending"
	BarrierCompleted BarrierStatus = "completed"
	BarrierIgnored   BarrierStatus = "ignored"
	BarrierFailed    BarrierStatus = "failed"
	BarrierTimedOut  BarrierStatus = "timed_out"
)

type BarrierEntry struct {
	RunID      string
	BarrierID  string
	ChildKey   string
	TenantID   string
	Status     BarrierStatus
	Deadline   time.Time
	Detail     string
	ResolvedAt time.Time
}

type Subscription struct {
	RunID     string
	EventName string
	TenantID  string
}
