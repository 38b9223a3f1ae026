// Package racecheck fires concurrent registrations at one event and checks
// that admission never oversells it or admits an email twice.
package racecheck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eventdesk/backend/internal/admission"
	"github.com/eventdesk/backend/internal/ledger"
	"github.com/eventdesk/backend/internal/models"
	"github.com/eventdesk/backend/pkg/apperror"
)

// Scenarios.
const (
	// ScenarioDistinct registers a different email per attempt.
	ScenarioDistinct = "distinct"
	// ScenarioDuplicate registers the same email on every attempt.
	ScenarioDuplicate = "duplicate"
)

// Options configures one run.
type Options struct {
	Attempts    int
	Concurrency int // 0 means all attempts at once
	Scenario    string
}

// Report tallies the outcomes of a run.
type Report struct {
	Attempts   int
	Admitted   int
	SoldOut    int
	Duplicates int
	Failed     int
	Approvals  int // successful organizer approvals (manual events only)
	Counts     models.StatusCounts
	Duration   time.Duration
	Errors     []string
}

// Runner drives the admission service against a ledger.
type Runner struct {
	svc   *admission.Service
	store ledger.Store
}

// NewRunner creates a runner.
func NewRunner(svc *admission.Service, store ledger.Store) *Runner {
	return &Runner{svc: svc, store: store}
}

// Run registers opts.Attempts attendees for event concurrently. For a manual
// event it then approves every pending registration concurrently as the
// organizer.
func (r *Runner) Run(ctx context.Context, event *models.Event, opts Options) (*Report, error) {
	if opts.Attempts <= 0 {
		return nil, fmt.Errorf("attempts must be positive")
	}
	if opts.Scenario == "" {
		opts.Scenario = ScenarioDistinct
	}
	if opts.Scenario != ScenarioDistinct && opts.Scenario != ScenarioDuplicate {
		return nil, fmt.Errorf("unknown scenario %q", opts.Scenario)
	}

	rep := &Report{Attempts: opts.Attempts}
	var mu sync.Mutex
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		switch apperror.KindOf(err) {
		case "":
			rep.Admitted++
		case apperror.KindCapacityExceeded:
			rep.SoldOut++
		case apperror.KindDuplicateRegistration:
			rep.Duplicates++
		default:
			rep.Failed++
			rep.Errors = append(rep.Errors, err.Error())
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i := 0; i < opts.Attempts; i++ {
		email := "racer@example.com"
		if opts.Scenario == ScenarioDistinct {
			email = fmt.Sprintf("racer-%04d@example.com", i)
		}
		g.Go(func() error {
			_, err := r.svc.Register(gctx, event.ID, admission.RegisterInput{Name: "Race Runner", Email: email})
			record(err)
			return nil
		})
	}
	_ = g.Wait()

	if event.ApprovalMode == models.ApprovalManual {
		if err := r.approveAll(ctx, event, opts.Concurrency, rep, &mu); err != nil {
			return nil, err
		}
	}
	rep.Duration = time.Since(start)

	counts, err := r.store.CountByStatus(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("count registrations: %w", err)
	}
	rep.Counts = counts
	return rep, nil
}

func (r *Runner) approveAll(ctx context.Context, event *models.Event, concurrency int, rep *Report, mu *sync.Mutex) error {
	regs, err := r.store.ListByEvent(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, reg := range regs {
		if reg.Status != models.StatusPending {
			continue
		}
		id := reg.ID
		g.Go(func() error {
			_, err := r.svc.Decide(gctx, id, event.OrganizerID, models.StatusApproved)
			mu.Lock()
			defer mu.Unlock()
			switch apperror.KindOf(err) {
			case "":
				rep.Approvals++
			case apperror.KindCapacityExceeded:
			default:
				rep.Failed++
				rep.Errors = append(rep.Errors, err.Error())
			}
			return nil
		})
	}
	return g.Wait()
}

// Verify checks the report against the event's capacity and the scenario.
func Verify(event *models.Event, opts Options, rep *Report) error {
	if rep.Counts.Approved > event.TicketLimit {
		return fmt.Errorf("oversold: %d approved for %d tickets", rep.Counts.Approved, event.TicketLimit)
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d attempts failed unexpectedly", rep.Failed)
	}
	want := opts.Attempts
	if opts.Scenario == ScenarioDuplicate {
		want = 1
	}
	if want > event.TicketLimit {
		want = event.TicketLimit
	}
	if event.ApprovalMode == models.ApprovalManual {
		if rep.Counts.Approved != want {
			return fmt.Errorf("expected %d approved after review, got %d", want, rep.Counts.Approved)
		}
		return nil
	}
	if rep.Admitted != want || rep.Counts.Approved != want {
		return fmt.Errorf("expected %d admitted, got %d (%d approved in ledger)", want, rep.Admitted, rep.Counts.Approved)
	}
	return nil
}

// NewEvent builds the event a run competes for.
func NewEvent(organizerID uuid.UUID, capacity int, mode models.ApprovalMode) *models.Event {
	return &models.Event{
		OrganizerID:  organizerID,
		Title:        fmt.Sprintf("Race check (%d tickets)", capacity),
		Description:  "Concurrent admission check",
		Venue:        "Nowhere",
		Date:         time.Now().Add(24 * time.Hour).UTC(),
		TicketLimit:  capacity,
		ApprovalMode: mode,
	}
}
