package cmd

import "github.com/spf13/cobra"

const skipWireAnnotation = "isched/skip-wire"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string
	app := &app{}

	rootCmd := &cobra.Command{
		Use:           "isched",
		Short:         "Interpreter scheduler (isched): assign interpreters to bookings",
		Long:          "isched assigns interpreters to meeting bookings using a fairness, urgency and rotation policy, runs the background scheduler, and reports on pool and assignment health.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipWireAnnotation] != "" {
				return nil
			}
			return app.wire(cmd.Context(), configPath)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return app.Close()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.isched/config.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newPolicyCmd(app),
		newPoolCmd(app),
		newAssignCmd(app),
		newRunCmd(app),
		newEmergencyCmd(app),
		newHealthCmd(app),
		newStatusCmd(app),
		newBookingCmd(app),
		newServeCmd(app),
	)

	return rootCmd
}
