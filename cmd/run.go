package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bnema/interpreter-scheduler/internal/application"
	"github.com/bnema/interpreter-scheduler/internal/config"
	"github.com/bnema/interpreter-scheduler/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(app *app) *cobra.Command {
	var once bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted, or a single pass with --once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if once {
				result, err := app.scheduler.Trigger(cmd.Context(), "cli:"+defaultActor())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				writePass(cmd.OutOrStdout(), result)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return app.scheduler.Run(ctx) })
			if err := app.watchPolicyFile(ctx, group); err != nil {
				stop()
				return errors.Join(err, group.Wait())
			}

			return group.Wait()
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run one pass and exit")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the pass result as JSON (with --once)")

	return cmd
}

func newEmergencyCmd(app *app) *cobra.Command {
	var actor string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Force-process every waiting booking in the horizon now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result application.EmergencyResult
			run := func(ctx context.Context) error {
				var err error
				result, err = app.scheduler.Emergency(ctx, actor)
				return err
			}

			var err error
			if asJSON {
				err = run(cmd.Context())
			} else {
				err = runWithSpinner(cmd.Context(), cmd.ErrOrStderr(), "Running emergency assignment...", run)
			}
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Emergency run %s by %s\n", result.Audit.ID, result.Audit.Actor)
			writePass(out, result.PassResult)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Who is triggering the run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}

// watchPolicyFile requests an early pass whenever the policy file changes on disk.
func (a *app) watchPolicyFile(ctx context.Context, group *errgroup.Group) error {
	watcher, err := config.NewFileWatcher(a.policyFile, 0, func(context.Context) {
		a.scheduler.RequestPass("policy file changed")
	}, a.log)
	if err != nil {
		return fmt.Errorf("watch policy file: %w", err)
	}

	group.Go(func() error { return watcher.Run(ctx) })
	logger.Component(a.log, "cli").WithFields(logrus.Fields{"path": a.policyFile}).Info("watching policy file")
	return nil
}

func writePass(out io.Writer, result application.PassResult) {
	_, _ = fmt.Fprintf(out, "processed: %d  assigned: %d  escalated: %d  failed: %d  skipped: %d  deferred: %d  removed: %d\n",
		result.Processed, result.Assigned, result.Escalated, result.Failed, result.Skipped, result.Deferred, result.Removed)
	for _, detail := range result.Details {
		line := fmt.Sprintf("  %s %s", detail.BookingID, detail.Action)
		if detail.InterpreterID != "" {
			line += " -> " + string(detail.InterpreterID)
		}
		if detail.Reason != "" {
			line += " (" + detail.Reason + ")"
		}
		_, _ = fmt.Fprintln(out, line)
	}
}
