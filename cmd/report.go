package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/adapters/render/dashboard"
	"github.com/spf13/cobra"
)

func newHealthCmd(app *app) *cobra.Command {
	var days int
	var from, to string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Analyze assignment health over a time range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			end := app.now()
			if to != "" {
				parsed, err := time.Parse(time.RFC3339, to)
				if err != nil {
					return fmt.Errorf("parse --to: %w", err)
				}
				end = parsed
			}
			start := end.Add(-time.Duration(days) * 24 * time.Hour)
			if from != "" {
				parsed, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("parse --from: %w", err)
				}
				start = parsed
			}
			if !start.Before(end) {
				return errors.New("--from must be before --to")
			}

			report, err := app.monitor.AnalyzeSystemHealth(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}

			rendered, err := app.renderHealth(report, dashboard.RenderOptions{Now: app.now()})
			if err != nil {
				return fmt.Errorf("render health: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Days to look back when --from is not set")
	cmd.Flags().StringVar(&from, "from", "", "Range start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "Range end (RFC3339, default now)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}

func newStatusCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show real-time scheduler status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := app.monitor.RealTimeStatus(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}

			rendered, err := app.renderStatus(status, dashboard.RenderOptions{Now: app.now()})
			if err != nil {
				return fmt.Errorf("render status: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}
