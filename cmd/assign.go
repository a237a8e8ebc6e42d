package cmd

import (
	"fmt"

	"github.com/bnema/interpreter-scheduler/internal/application"
	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/spf13/cobra"
)

func newAssignCmd(app *app) *cobra.Command {
	var interpreterID, actor string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "assign <booking-id>",
		Short: "Assign a booking now, to the best candidate or to --interpreter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := app.executor.TryAssign(cmd.Context(), application.AssignRequest{
				BookingID:     domain.BookingID(args[0]),
				InterpreterID: domain.InterpreterID(interpreterID),
				Trigger:       domain.TriggerManual,
				Actor:         actor,
			})
			if asJSON && result.Outcome != "" {
				if encErr := writeJSON(cmd.OutOrStdout(), result.Log); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return err
			}
			if asJSON {
				return nil
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Assigned %s to %s\n", result.BookingID, result.InterpreterID)
			for _, score := range result.Selection.Ranked {
				if score.InterpreterID == result.InterpreterID {
					_, _ = fmt.Fprintf(out, "score: %.3f (fairness %.3f, urgency %.3f, lrs %.3f)\n", score.Total, score.Fairness, score.Urgency, score.LRS)
					break
				}
			}
			for _, attempt := range result.Attempts {
				if attempt.Err != nil {
					_, _ = fmt.Fprintf(out, "skipped %s: %s\n", attempt.InterpreterID, attempt.Reason)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&interpreterID, "interpreter", "", "Interpreter ID (best candidate when empty)")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Who is making the assignment")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the assignment log as JSON")

	return cmd
}
