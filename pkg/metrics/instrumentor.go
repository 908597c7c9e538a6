package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/conductorone/tenantsync/pkg/ratelimit"
	"github.com/conductorone/tenantsync/pkg/retry"
)

const (
	runFinishedCounterName = "tenantsync.run_finished"
	runDurationHistoName   = "tenantsync.run_latency"
	suspendedCounterName   = "tenantsync.run_suspended"
	queueDepthGaugeName    = "tenantsync.queue_depth"
	runFinishedCounterDesc = "number of finished runs by function and status"
	runDurationHistoDesc   = "wall time from run creation to termination by function and status"
	suspendedCounterDesc   = "number of run suspensions by function and reason"
	queueDepthGaugeDesc    = "runs waiting for a concurrency slot"
)

// FailureReason contains extracted information about why a run failed.
type FailureReason struct {
	Fatal       bool
	IsRateLimit bool
}

func extractFailureReason(err error) FailureReason {
	if err == nil {
		return FailureReason{}
	}
	return FailureReason{
		Fatal:       retry.IsFatal(err),
		IsRateLimit: ratelimit.IsRateLimited(err),
	}
}

type M struct {
	underlying Handler
}

func (m *M) RecordRunFinished(ctx context.Context, functionID string, status string, dur time.Duration, err error) {
	reason := extractFailureReason(err)
	tags := Tags{
		"function_id":   functionID,
		"run_status":    status,
		"fatal":         strconv.FormatBool(reason.Fatal),
		"is_rate_limit": strconv.FormatBool(reason.IsRateLimit),
	}

	c := m.underlying.Int64Counter(runFinishedCounterName, runFinishedCounterDesc, Dimensionless)
	h := m.underlying.Int64Histogram(runDurationHistoName, runDurationHistoDesc, Milliseconds)
	c.Add(ctx, 1, tags)
	h.Record(ctx, dur.Milliseconds(), Tags{"function_id": functionID, "run_status": status})
}

func (m *M) RecordSuspended(ctx context.Context, functionID string, reason string) {
	c := m.underlying.Int64Counter(suspendedCounterName, suspendedCounterDesc, Dimensionless)
	c.Add(ctx, 1, Tags{"function_id": functionID, "reason": reason})
}

func (m *M) RecordQueueDepth(ctx context.Context, waiting int) {
	g := m.underlying.Int64Gauge(queueDepthGaugeName, queueDepthGaugeDesc, Dimensionless)
	g.Observe(ctx, int64(waiting), nil)
}

func New(handler Handler) *M {
	if handler == nil {
		handler = noop{}
	}
	return &M{underlying: handler}
}
