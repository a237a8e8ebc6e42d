package cmd

import (
	"fmt"

	"github.com/bnema/interpreter-scheduler/internal/adapters/render/dashboard"
	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/spf13/cobra"
)

func newPoolCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and repair bookings waiting for assignment",
	}

	cmd.AddCommand(
		newPoolStatusCmd(app),
		newPoolResetCmd(app),
	)

	return cmd
}

func newPoolStatusCmd(app *app) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pool dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			board, err := app.pool.Dashboard(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), board)
			}

			rendered, err := app.renderPool(board, dashboard.RenderOptions{Now: app.now(), MaxEntries: limit})
			if err != nil {
				return fmt.Errorf("render pool: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}

func newPoolResetCmd(app *app) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "reset <booking-id>",
		Short: "Return a failed or corrupted entry to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := app.pool.Reset(cmd.Context(), domain.BookingID(args[0]), actor)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reset %s (status: %s)\n", entry.BookingID, entry.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Who is resetting the entry")

	return cmd
}
