package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/ledgerjobs/internal/config"
	"github.com/punchamoorthee/ledgerjobs/internal/jobs"
	"github.com/punchamoorthee/ledgerjobs/internal/logging"
	"github.com/punchamoorthee/ledgerjobs/internal/reconcile"
	"github.com/punchamoorthee/ledgerjobs/internal/recurrence"
	"github.com/punchamoorthee/ledgerjobs/internal/retention"
	"github.com/punchamoorthee/ledgerjobs/internal/store"
)

var output string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Ledger maintenance jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "output format: json|text")

	rootCmd.AddCommand(newRecurCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newDriftCmd())
	rootCmd.AddCommand(newMigrateCmd())
	return rootCmd
}

type env struct {
	cfg    *config.Config
	store  *store.Store
	logger logging.Logger
}

func (e *env) Close() { e.store.Close() }

func (e *env) runner() *jobs.Runner {
	scheduler := recurrence.NewScheduler(e.store, e.logger, recurrence.Options{
		Workers:            e.cfg.RecurrenceWorkers,
		MaxRetries:         e.cfg.RecurrenceMaxRetries,
		Retryable:          store.IsRetryable,
		AuditSystemActions: e.cfg.AuditSystemActions,
	})
	engine := retention.NewEngine(e.store, retention.DefaultPolicy(), e.logger)
	return jobs.NewRunner(scheduler, engine, e.logger, jobs.Options{
		Timeout:  e.cfg.JobTimeout,
		Location: e.cfg.Location,
	})
}

// open loads configuration and connects. Logs go to stderr so stdout carries only results.
func open(ctx context.Context) (*env, error) {
	cfg, err := config.LoadOperator()
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	logger.AddHook(logging.ServiceHook("ledgerctl"))

	s, err := store.New(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, store: s, logger: logger}, nil
}

func newRecurCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recur",
		Short: "Materialize every recurring transaction due today",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.runner().RunRecurring(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Run %s (%s): %d processed, %d skipped, %d failed\n",
					report.RunID, report.Today, report.Processed, report.Skipped, report.FailedCount)
				for _, f := range report.Failed {
					fmt.Fprintf(w, "  ✗ %s: %s\n", f.ID, f.Error)
				}
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Apply the data retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if dryRun {
				plan, err := e.runner().PlanRetention(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), plan, func(w io.Writer) {
					fmt.Fprintf(w, "Dry run %s would delete:\n", plan.RunID)
					fmt.Fprintf(w, "  %-15s %d\n", "audit logs", plan.AuditLogs)
					fmt.Fprintf(w, "  %-15s %d\n", "notifications", plan.Notifications)
					fmt.Fprintf(w, "  %-15s %d\n", "workspaces", plan.Workspaces)
					fmt.Fprintf(w, "  %-15s %d\n", "tenants", len(plan.Tenants))
					for _, id := range plan.Tenants {
						fmt.Fprintf(w, "    - %s\n", id)
					}
				})
			}

			report, err := e.runner().RunRetention(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Run %s deleted:\n", report.RunID)
				fmt.Fprintf(w, "  %-15s %d\n", "audit logs", report.AuditLogsDeleted)
				fmt.Fprintf(w, "  %-15s %d\n", "notifications", report.NotificationsDeleted)
				fmt.Fprintf(w, "  %-15s %d\n", "workspaces", report.WorkspacesDeleted)
				fmt.Fprintf(w, "  %-15s %d (%d skipped)\n", "tenants", report.TenantsDeleted, report.TenantsSkipped)
				for _, f := range report.TenantsFailed {
					fmt.Fprintf(w, "  ✗ tenant %s: %s\n", f.ID, f.Error)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	return cmd
}

func newDriftCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Report accounts whose stored balance disagrees with their paid transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			auditor := reconcile.NewAuditor(e.store)
			var reports []reconcile.Report
			if accountID != "" {
				r, err := auditor.Account(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				reports = append(reports, r)
			} else if reports, err = auditor.Drifting(cmd.Context()); err != nil {
				return err
			}
			if reports == nil {
				reports = []reconcile.Report{}
			}

			return render(cmd.OutOrStdout(), reports, func(w io.Writer) {
				if len(reports) == 0 {
					fmt.Fprintln(w, "No drift detected.")
					return
				}
				for _, r := range reports {
					mark := "✓"
					if r.HasDrift() {
						mark = "✗"
					}
					fmt.Fprintf(w, " %s %-38s stored %-14s computed %-14s drift %s\n",
						mark, r.AccountID, r.Stored.StringFixed(2), r.Computed.StringFixed(2), r.Drift.StringFixed(2))
				}
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "check a single account (default: every drifting account)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema applied.")
			return nil
		},
	}
}

func render(w io.Writer, v any, text func(io.Writer)) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "", "text":
		text(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}
