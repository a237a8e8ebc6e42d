package cmd

import (
	"fmt"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/spf13/cobra"
)

func newBookingCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "booking",
		Short: "Inspect bookings",
	}

	cmd.AddCommand(newBookingListCmd(app))

	return cmd
}

func newBookingListCmd(app *app) *cobra.Command {
	var waiting, asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bookings ordered by start time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bookings, err := app.bookings.List(cmd.Context())
			if err != nil {
				return err
			}
			if waiting {
				kept := bookings[:0]
				for _, booking := range bookings {
					if booking.Assignable() {
						kept = append(kept, booking)
					}
				}
				bookings = kept
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), bookings)
			}

			out := cmd.OutOrStdout()
			if len(bookings) == 0 {
				_, _ = fmt.Fprintln(out, "No bookings.")
				return nil
			}
			for _, booking := range bookings {
				_, _ = fmt.Fprintf(out, "%s  %s  %-9s %-9s %s  %s\n",
					booking.ID,
					booking.Start.Format("2006-01-02 15:04"),
					booking.MeetingType,
					booking.Status,
					interpreterLabel(booking),
					booking.Title,
				)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&waiting, "waiting", false, "Only bookings waiting for an interpreter")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}

func interpreterLabel(booking domain.Booking) string {
	if booking.InterpreterID == "" {
		return "-"
	}
	return string(booking.InterpreterID)
}

