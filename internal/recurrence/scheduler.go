// Package recurrence materializes due recurring transactions. Each template is
// processed in its own atomic unit of work: the child occurrence and the
// template's advanced due date commit together or not at all.
package recurrence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/ledgerjobs/internal/calendar"
	"github.com/punchamoorthee/ledgerjobs/internal/domain"
	"github.com/punchamoorthee/ledgerjobs/internal/logging"
)

// AuditAction is recorded for every occurrence created by the scheduler.
const AuditAction = "RECURRING_MATERIALIZED"

var (
	// ErrNotDue means the template was advanced by someone else between
	// selection and locking.
	ErrNotDue            = errors.New("template no longer due")
	ErrMalformedTemplate = errors.New("malformed recurring template")
)

var itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_recurrence_items_total",
	Help: "Recurring templates handled, labeled by outcome",
}, []string{"outcome"})

// UnitOfWork is the set of writes available inside one atomic transaction.
type UnitOfWork interface {
	// LockTemplate re-reads the template and holds it until commit.
	LockTemplate(ctx context.Context, id string) (domain.Transaction, error)
	InsertTransaction(ctx context.Context, tx domain.Transaction) error
	AdvanceTemplate(ctx context.Context, id string, next time.Time) error
	InsertAudit(ctx context.Context, entry domain.AuditEntry) error
}

type Store interface {
	// DueTemplates returns recurring templates with a due date on or before today.
	DueTemplates(ctx context.Context, today time.Time) ([]domain.Transaction, error)
	// InTx runs fn in one atomic unit, rolling back if fn returns an error.
	InTx(ctx context.Context, fn func(UnitOfWork) error) error
}

type Options struct {
	// Workers bounds how many templates are processed concurrently.
	Workers int
	// MaxRetries is how often a unit is retried when Retryable accepts its error.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Retryable     func(error) bool

	AuditSystemActions bool
	NewID              func() string
}

// Failure records a template whose unit of work did not commit.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type Result struct {
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Failed    []Failure `json:"failed"`
}

type Scheduler struct {
	store  Store
	logger logging.Logger
	opts   Options
	retry  retrypolicy.RetryPolicy[any]
}

func NewScheduler(store Store, logger logging.Logger, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 20 * time.Millisecond
	}
	if opts.MaxRetryDelay <= opts.RetryDelay {
		opts.MaxRetryDelay = 40 * opts.RetryDelay
	}
	if opts.Retryable == nil {
		opts.Retryable = func(error) bool { return false }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}

	retryable := opts.Retryable
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return err != nil && retryable(err) }).
		WithMaxRetries(opts.MaxRetries).
		WithBackoff(opts.RetryDelay, opts.MaxRetryDelay).
		WithJitterFactor(0.1).
		Build()

	return &Scheduler{store: store, logger: logger, opts: opts, retry: policy}
}

// ProcessDue materializes one occurrence for every template due on or before
// today and advances each by exactly one period. A failing template is
// recorded and does not stop the batch. An error is returned only when the
// batch itself cannot run to completion.
func (s *Scheduler) ProcessDue(ctx context.Context, today time.Time) (Result, error) {
	today = calendar.Day(today)

	templates, err := s.store.DueTemplates(ctx, today)
	if err != nil {
		return Result{}, fmt.Errorf("select due templates: %w", err)
	}

	type outcome struct {
		index int
		err   error
	}

	var (
		mu        sync.Mutex
		attempted int
		outcomes  []outcome
		g         errgroup.Group
	)
	g.SetLimit(s.opts.Workers)

	for i, tpl := range templates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			mu.Lock()
			attempted++
			mu.Unlock()

			err := s.processOne(ctx, tpl, today)

			mu.Lock()
			outcomes = append(outcomes, outcome{index: i, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if attempted < len(templates) {
		return Result{}, fmt.Errorf("recurrence run stopped after %d of %d templates: %w", attempted, len(templates), context.Cause(ctx))
	}

	sort.Slice(outcomes, func(a, b int) bool { return outcomes[a].index < outcomes[b].index })

	res := Result{Failed: []Failure{}}
	for _, o := range outcomes {
		switch {
		case o.err == nil:
			res.Processed++
		case errors.Is(o.err, ErrNotDue):
			res.Skipped++
		default:
			res.Failed = append(res.Failed, Failure{ID: templates[o.index].ID, Error: o.err.Error()})
		}
	}
	return res, nil
}

func (s *Scheduler) processOne(ctx context.Context, tpl domain.Transaction, today time.Time) error {
	log := s.logger.WithField("template_id", tpl.ID)

	var child domain.Transaction
	var next time.Time
	_, err := failsafe.With(s.retry).WithContext(ctx).Get(func() (any, error) {
		var err error
		child, next, err = s.materialize(ctx, tpl.ID, today)
		return nil, err
	})

	switch {
	case err == nil:
		itemsTotal.WithLabelValues("processed").Inc()
		log.WithFields(logging.Fields{
			"occurrence_id":       child.ID,
			"next_recurring_date": next.Format(calendar.DateFormat),
		}).Info("Materialized recurring transaction")
	case errors.Is(err, ErrNotDue):
		itemsTotal.WithLabelValues("skipped").Inc()
		log.Warn("Template already advanced by a concurrent run")
	default:
		itemsTotal.WithLabelValues("failed").Inc()
		log.WithError(err).Error("Failed to materialize recurring transaction")
	}
	return err
}

// materialize runs the per-template unit of work.
func (s *Scheduler) materialize(ctx context.Context, id string, today time.Time) (domain.Transaction, time.Time, error) {
	var child domain.Transaction
	var next time.Time

	err := s.store.InTx(ctx, func(u UnitOfWork) error {
		// 1. Lock the template and confirm it is still due
		tpl, err := u.LockTemplate(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: deleted", ErrNotDue)
		}
		if err != nil {
			return fmt.Errorf("lock template: %w", err)
		}
		if !tpl.IsRecurring || tpl.NextRecurringDate == nil || tpl.NextRecurringDate.After(today) {
			return ErrNotDue
		}
		if !tpl.IsTemplate() {
			return fmt.Errorf("%w: frequency %q", ErrMalformedTemplate, tpl.Frequency)
		}

		// 2. Create the pending occurrence dated today
		child = tpl.Occurrence(s.opts.NewID(), today)
		if err := u.InsertTransaction(ctx, child); err != nil {
			return fmt.Errorf("insert occurrence: %w", err)
		}

		// 3. Advance the template by exactly one period
		next, err = calendar.Advance(*tpl.NextRecurringDate, tpl.Frequency)
		if err != nil {
			return err
		}
		if err := u.AdvanceTemplate(ctx, tpl.ID, next); err != nil {
			return fmt.Errorf("advance template: %w", err)
		}

		// 4. Audit as the system actor
		if s.opts.AuditSystemActions {
			entry, err := auditEntry(tpl, child, next)
			if err != nil {
				return err
			}
			if err := u.InsertAudit(ctx, entry); err != nil {
				return fmt.Errorf("insert audit: %w", err)
			}
		}
		return nil
	})
	return child, next, err
}

func auditEntry(tpl, child domain.Transaction, next time.Time) (domain.AuditEntry, error) {
	details, err := json.Marshal(map[string]string{
		"template_id":         tpl.ID,
		"occurrence_date":     child.Date.Format(calendar.DateFormat),
		"next_recurring_date": next.Format(calendar.DateFormat),
	})
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("encode audit details: %w", err)
	}
	childID := child.ID
	return domain.AuditEntry{
		WorkspaceID: tpl.WorkspaceID,
		Actor:       domain.System(),
		Action:      AuditAction,
		Entity:      "Transaction",
		EntityID:    &childID,
		Details:     details,
	}, nil
}
