package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/application"
	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newPolicyCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show and change the assignment policy",
	}

	cmd.AddCommand(
		newPolicyShowCmd(app),
		newPolicySetCmd(app),
		newPolicyValidateCmd(app),
		newPolicyClearCmd(app),
	)

	return cmd
}

func newPolicyShowCmd(app *app) *cobra.Command {
	var envID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective policy (global, or merged for an environment)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, err := app.policies.EffectivePolicy(cmd.Context(), domain.EnvironmentID(envID))
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), snapshot)
			}

			writePolicy(cmd.OutOrStdout(), snapshot)
			return nil
		},
	}

	cmd.Flags().StringVar(&envID, "env", "", "Environment ID")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}

func newPolicySetCmd(app *app) *cobra.Command {
	var envID, actor string
	flags := &policyFlags{}

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Write policy fields globally or for one environment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			override, err := flags.override(cmd.Flags())
			if err != nil {
				return err
			}
			if override.Empty() {
				return errors.New("no policy fields given")
			}

			patch := application.PolicyPatch{PolicyOverride: override, Actor: actor}
			var snapshot domain.PolicySnapshot
			if envID == "" {
				snapshot, err = app.policies.UpdateGlobal(cmd.Context(), patch)
			} else {
				snapshot, err = app.policies.UpdateEnvironment(cmd.Context(), domain.EnvironmentID(envID), patch)
			}
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Policy updated (version %d)\n", snapshot.Version)
			writePolicy(cmd.OutOrStdout(), snapshot)
			return nil
		},
	}

	cmd.Flags().StringVar(&envID, "env", "", "Environment ID (global when empty)")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Who is making the change")
	flags.register(cmd.Flags())

	return cmd
}

func newPolicyValidateCmd(app *app) *cobra.Command {
	var envID string
	flags := &policyFlags{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check policy fields without writing them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			override, err := flags.override(cmd.Flags())
			if err != nil {
				return err
			}

			merged, result, err := app.policies.Preview(cmd.Context(), domain.EnvironmentID(envID), application.PolicyPatch{PolicyOverride: override})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, warning := range result.Warnings {
				_, _ = fmt.Fprintf(out, "warning: %s\n", warning)
			}
			if !result.Valid {
				for _, locked := range result.Locked {
					_, _ = fmt.Fprintf(out, "locked: %s\n", locked.Error())
				}
				for _, item := range result.Errors {
					_, _ = fmt.Fprintf(out, "invalid: %s\n", item.Error())
				}
				return result.Err()
			}

			_, _ = fmt.Fprintln(out, "Policy is valid")
			writePolicy(out, domain.PolicySnapshot{EnvironmentID: domain.EnvironmentID(envID), Policy: merged})
			return nil
		},
	}

	cmd.Flags().StringVar(&envID, "env", "", "Environment ID")
	flags.register(cmd.Flags())

	return cmd
}

func newPolicyClearCmd(app *app) *cobra.Command {
	var envID, actor string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop an environment override so the global policy applies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, err := app.policies.ClearEnvironment(cmd.Context(), domain.EnvironmentID(envID), actor)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cleared override for %s (version %d)\n", envID, snapshot.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&envID, "env", "", "Environment ID")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Who is making the change")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

type policyFlags struct {
	mode                string
	fairnessWindowDays  int
	maxGapHours         float64
	weightFair          float64
	weightUrgency       float64
	weightLRS           float64
	drPenalty           float64
	forbidConsecutiveDR bool
	leadTimeHours       int
}

func (f *policyFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.mode, "mode", "", "Policy mode (BALANCE, NORMAL, URGENT, CUSTOM)")
	flags.IntVar(&f.fairnessWindowDays, "fairness-window", 0, "Fairness window in days")
	flags.Float64Var(&f.maxGapHours, "max-gap", 0, "Maximum workload gap in hours")
	flags.Float64Var(&f.weightFair, "w-fair", 0, "Fairness weight")
	flags.Float64Var(&f.weightUrgency, "w-urgency", 0, "Urgency weight")
	flags.Float64Var(&f.weightLRS, "w-lrs", 0, "Least-recently-served weight")
	flags.Float64Var(&f.drPenalty, "dr-penalty", 0, "Consecutive DR penalty")
	flags.BoolVar(&f.forbidConsecutiveDR, "forbid-consecutive-dr", false, "Exclude the previous DR interpreter")
	flags.IntVar(&f.leadTimeHours, "lead-time", 0, "Lead time in hours before a booking becomes ready")
}

// override keeps only the flags the caller actually set.
func (f *policyFlags) override(flags *pflag.FlagSet) (domain.PolicyOverride, error) {
	var out domain.PolicyOverride

	if flags.Changed("mode") {
		mode, err := domain.ParsePolicyMode(f.mode)
		if err != nil {
			return domain.PolicyOverride{}, err
		}
		out.Mode = &mode
	}
	if flags.Changed("fairness-window") {
		out.FairnessWindowDays = &f.fairnessWindowDays
	}
	if flags.Changed("max-gap") {
		out.MaxGapHours = &f.maxGapHours
	}
	if flags.Changed("w-fair") {
		out.WeightFair = &f.weightFair
	}
	if flags.Changed("w-urgency") {
		out.WeightUrgency = &f.weightUrgency
	}
	if flags.Changed("w-lrs") {
		out.WeightLRS = &f.weightLRS
	}
	if flags.Changed("dr-penalty") {
		out.DRConsecutivePenalty = &f.drPenalty
	}
	if flags.Changed("forbid-consecutive-dr") {
		out.ForbidConsecutiveDR = &f.forbidConsecutiveDR
	}
	if flags.Changed("lead-time") {
		out.LeadTimeHours = &f.leadTimeHours
	}

	return out, nil
}

func writePolicy(out io.Writer, snapshot domain.PolicySnapshot) {
	policy := snapshot.Policy
	scope := "global"
	if snapshot.EnvironmentID != "" {
		scope = string(snapshot.EnvironmentID)
	}

	_, _ = fmt.Fprintf(out, "scope: %s\n", scope)
	_, _ = fmt.Fprintf(out, "mode: %s\n", policy.Mode)
	_, _ = fmt.Fprintf(out, "fairness_window_days: %d\n", policy.FairnessWindowDays)
	_, _ = fmt.Fprintf(out, "max_gap_hours: %g\n", policy.MaxGapHours)
	_, _ = fmt.Fprintf(out, "weights: fair=%g urgency=%g lrs=%g\n", policy.Weights.Fair, policy.Weights.Urgency, policy.Weights.LRS)
	_, _ = fmt.Fprintf(out, "dr_consecutive_penalty: %g\n", policy.DRConsecutivePenalty)
	_, _ = fmt.Fprintf(out, "forbid_consecutive_dr: %t\n", policy.ForbidConsecutiveDR)
	_, _ = fmt.Fprintf(out, "lead_time_hours: %d\n", policy.LeadTimeHours)
	for _, rule := range policy.Thresholds {
		_, _ = fmt.Fprintf(out, "threshold: %s/%s urgent=%dd general=%dd\n", rule.MeetingType, rule.Mode, rule.UrgentDays, rule.GeneralDays)
	}
	if !policy.UpdatedAt.IsZero() {
		_, _ = fmt.Fprintf(out, "updated: %s by %s\n", policy.UpdatedAt.Format(time.RFC3339), policy.UpdatedBy)
	}
}

func writeJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func defaultActor() string {
	if user := strings.TrimSpace(envOrDefault("USER", "")); user != "" {
		return "cli:" + user
	}
	return "cli"
}
