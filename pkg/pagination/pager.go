package pagination

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/tenantsync/pkg/durable"
	"github.com/conductorone/tenantsync/pkg/retry"
	"github.com/conductorone/tenantsync/pkg/store"
)

const (
	StepListPage = "list-page"
	StepContinue = "continue"
	StepFinalize = "finalize"
)

type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

type Outcome string

const (
	// OutcomeOngoing means a continuation event carries the rest of the listing.
	OutcomeOngoing Outcome = "ongoing"
	// OutcomeCompleted means the listing was exhausted and finalized.
	OutcomeCompleted Outcome = "completed"
)

// Pager walks a cursor-paginated listing one page per run. Each run lists a single page,
// processes it, and either hands the next cursor to a continuation run or finalizes.
type Pager[T any] struct {
	// List fetches the page at cursor. "" is the first page.
	List func(ctx context.Context, cursor string) (*Page[T], error)
	// Process handles the items of a page. It may run its own durable steps.
	Process func(ctx context.Context, rc *durable.RunContext, page *Page[T]) error
	// Continue builds the event that starts the run for the next page.
	Continue func(ctx context.Context, nextCursor string) (store.Event, error)
	// Finalize runs once, after the last page.
	Finalize func(ctx context.Context) error
}

func (p *Pager[T]) Run(ctx context.Context, rc *durable.RunContext, cursor string) (Outcome, error) {
	l := ctxzap.Extract(ctx)

	page, err := durable.Step(ctx, rc, StepListPage, func(ctx context.Context) (*Page[T], error) {
		return p.List(ctx, cursor)
	})
	if err != nil {
		return "", err
	}
	if page == nil {
		page = &Page[T]{}
	}

	if p.Process != nil && len(page.Items) > 0 {
		err = p.Process(ctx, rc, page)
		if err != nil {
			return "", err
		}
	}

	if page.HasMore {
		if page.NextCursor == "" || page.NextCursor == cursor {
			return "", retry.Fatal(fmt.Errorf("pagination: listing reported more pages without advancing the cursor"))
		}
		ev, err := p.Continue(ctx, page.NextCursor)
		if err != nil {
			return "", err
		}
		err = rc.Emit(ctx, StepContinue, ev)
		if err != nil {
			return "", err
		}
		l.Debug("page processed, continuing",
			zap.String("run_id", rc.Run().ID),
			zap.Int("items", len(page.Items)),
		)
		return OutcomeOngoing, nil
	}

	_, err = durable.Step(ctx, rc, StepFinalize, func(ctx context.Context) (bool, error) {
		if p.Finalize == nil {
			return true, nil
		}
		return true, p.Finalize(ctx)
	})
	if err != nil {
		return "", err
	}
	l.Debug("listing finalized", zap.String("run_id", rc.Run().ID), zap.Int("items", len(page.Items)))
	return OutcomeCompleted, nil
}
