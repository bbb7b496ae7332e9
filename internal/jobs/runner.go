// Package jobs is the boundary between triggers (HTTP, CLI, in-process
// schedule) and the recurrence and retention engines. It owns run ids, the
// wall-clock budget, the calendar "today" and run metrics.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/ledgerjobs/internal/calendar"
	"github.com/punchamoorthee/ledgerjobs/internal/logging"
	"github.com/punchamoorthee/ledgerjobs/internal/recurrence"
	"github.com/punchamoorthee/ledgerjobs/internal/retention"
)

const (
	JobRecurring = "recurring"
	JobRetention = "retention"
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_job_runs_total",
		Help: "Job runs, labeled by job and final status",
	}, []string{"job", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_job_duration_seconds",
		Help:    "Wall-clock duration of job runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"job"})
)

// Recurrer materializes due recurring transactions.
type Recurrer interface {
	ProcessDue(ctx context.Context, today time.Time) (recurrence.Result, error)
}

// Purger applies the retention policy.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (retention.Summary, error)
	Plan(ctx context.Context, now time.Time) (retention.Plan, error)
}

type RecurringReport struct {
	RunID       string               `json:"run_id"`
	Today       string               `json:"today"`
	Processed   int                  `json:"processed"`
	Skipped     int                  `json:"skipped"`
	FailedCount int                  `json:"failed_count"`
	Failed      []recurrence.Failure `json:"failed"`
}

type RetentionReport struct {
	RunID string `json:"run_id"`
	retention.Summary
}

type RetentionPlanReport struct {
	RunID  string `json:"run_id"`
	DryRun bool   `json:"dry_run"`
	retention.Plan
}

type Options struct {
	// Timeout bounds each run; zero means no budget beyond the caller's context.
	Timeout  time.Duration
	Location *time.Location
	Now      func() time.Time
}

type Runner struct {
	recurrer Recurrer
	purger   Purger
	logger   logging.Logger
	opts     Options
}

func NewRunner(recurrer Recurrer, purger Purger, logger logging.Logger, opts Options) *Runner {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{recurrer: recurrer, purger: purger, logger: logger, opts: opts}
}

func (r *Runner) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}

func observe(job string, start time.Time, status string) {
	jobRuns.WithLabelValues(job, status).Inc()
	jobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

// RunRecurring materializes every template due today in the configured zone.
func (r *Runner) RunRecurring(ctx context.Context) (RecurringReport, error) {
	runID := uuid.NewString()
	today := calendar.Today(r.opts.Now(), r.opts.Location)
	log := r.logger.WithFields(logging.Fields{
		"job":    JobRecurring,
		"run_id": runID,
		"today":  today.Format(calendar.DateFormat),
	})

	ctx, cancel := r.withBudget(ctx)
	defer cancel()

	start := time.Now()
	res, err := r.recurrer.ProcessDue(ctx, today)
	if err != nil {
		observe(JobRecurring, start, "error")
		log.WithError(err).Error("Recurring run failed")
		return RecurringReport{}, fmt.Errorf("recurring run %s: %w", runID, err)
	}

	status := "success"
	if len(res.Failed) > 0 {
		status = "partial"
	}
	observe(JobRecurring, start, status)

	failed := res.Failed
	if failed == nil {
		failed = []recurrence.Failure{}
	}
	report := RecurringReport{
		RunID:       runID,
		Today:       today.Format(calendar.DateFormat),
		Processed:   res.Processed,
		Skipped:     res.Skipped,
		FailedCount: len(failed),
		Failed:      failed,
	}
	log.WithFields(logging.Fields{
		"processed":    report.Processed,
		"skipped":      report.Skipped,
		"failed_count": report.FailedCount,
		"duration_ms":  time.Since(start).Milliseconds(),
	}).Info("Recurring run completed")
	return report, nil
}

// RunRetention purges everything the retention policy allows at the current instant.
func (r *Runner) RunRetention(ctx context.Context) (RetentionReport, error) {
	runID := uuid.NewString()
	log := r.logger.WithFields(logging.Fields{"job": JobRetention, "run_id": runID})

	ctx, cancel := r.withBudget(ctx)
	defer cancel()

	start := time.Now()
	sum, err := r.purger.Purge(ctx, r.opts.Now())
	if err != nil {
		observe(JobRetention, start, "error")
		log.WithError(err).Error("Retention run failed")
		return RetentionReport{}, fmt.Errorf("retention run %s: %w", runID, err)
	}

	status := "success"
	if len(sum.TenantsFailed) > 0 {
		status = "partial"
	}
	observe(JobRetention, start, status)

	if sum.TenantsFailed == nil {
		sum.TenantsFailed = []retention.TenantFailure{}
	}
	log.WithFields(logging.Fields{
		"audit_logs_deleted":    sum.AuditLogsDeleted,
		"notifications_deleted": sum.NotificationsDeleted,
		"workspaces_deleted":    sum.WorkspacesDeleted,
		"tenants_deleted":       sum.TenantsDeleted,
		"tenants_skipped":       sum.TenantsSkipped,
		"tenants_failed":        len(sum.TenantsFailed),
		"duration_ms":           time.Since(start).Milliseconds(),
	}).Info("Retention run completed")
	return RetentionReport{RunID: runID, Summary: sum}, nil
}

// PlanRetention reports what RunRetention would delete now, deleting nothing.
func (r *Runner) PlanRetention(ctx context.Context) (RetentionPlanReport, error) {
	runID := uuid.NewString()
	log := r.logger.WithFields(logging.Fields{"job": JobRetention, "run_id": runID, "dry_run": true})

	ctx, cancel := r.withBudget(ctx)
	defer cancel()

	plan, err := r.purger.Plan(ctx, r.opts.Now())
	if err != nil {
		log.WithError(err).Error("Retention dry run failed")
		return RetentionPlanReport{}, fmt.Errorf("retention dry run %s: %w", runID, err)
	}
	if plan.Tenants == nil {
		plan.Tenants = []string{}
	}
	log.WithFields(logging.Fields{
		"audit_logs":    plan.AuditLogs,
		"notifications": plan.Notifications,
		"workspaces":    plan.Workspaces,
		"tenants":       len(plan.Tenants),
	}).Info("Retention dry run completed")
	return RetentionPlanReport{RunID: runID, DryRun: true, Plan: plan}, nil
}
