package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"southwinds.dev/keyforge"
)

var rotationCmd = &cobra.Command{
	Use:   "rotation",
	Short: "Manage rotation schedules",
	Long:  `Register interval-based rotation schedules, run due rotations, and inspect advanced policy schedules.`,
}

var rotationScheduleCmd = &cobra.Command{
	Use:   "schedule <secret-name>",
	Short: "Schedule interval-based rotation for a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runRotationSchedule,
}

var rotationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rotation schedules",
	RunE:  runRotationList,
}

var rotationRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process all due automatic rotations now",
	RunE:  runRotationRun,
}

var rotationCancelCmd = &cobra.Command{
	Use:   "cancel <schedule-id>",
	Short: "Cancel a rotation schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRotationCancel,
}

var rotationPolicyCmd = &cobra.Command{
	Use:   "policy <key-pattern>",
	Short: "Add an advanced policy schedule matching keys by regex",
	Args:  cobra.ExactArgs(1),
	RunE:  runRotationPolicy,
}

var (
	rotationInterval   int
	rotationNotifyDays int
	rotationAuto       bool
	policyType         string
	policyGraceDays    int
	policyMaxUsage     int64
	policyRiskLimit    int
	policyCompliance   string
)

func init() {
	rootCmd.AddCommand(rotationCmd)

	rotationCmd.AddCommand(rotationScheduleCmd)
	rotationCmd.AddCommand(rotationListCmd)
	rotationCmd.AddCommand(rotationRunCmd)
	rotationCmd.AddCommand(rotationCancelCmd)
	rotationCmd.AddCommand(rotationPolicyCmd)

	rotationScheduleCmd.Flags().IntVar(&rotationInterval, "interval", 90, "rotation interval in days")
	rotationScheduleCmd.Flags().IntVar(&rotationNotifyDays, "notify", 7, "notification lead time in days")
	rotationScheduleCmd.Flags().BoolVar(&rotationAuto, "auto", false, "rotate automatically when due")

	rotationPolicyCmd.Flags().StringVar(&policyType, "type", "time_based", "policy type (time_based, usage_based, risk_based, compliance_based)")
	rotationPolicyCmd.Flags().IntVar(&rotationInterval, "interval", 90, "interval in days (time_based)")
	rotationPolicyCmd.Flags().Int64Var(&policyMaxUsage, "max-usage", 0, "usage limit (usage_based)")
	rotationPolicyCmd.Flags().IntVar(&policyRiskLimit, "risk-threshold", 0, "risk score threshold (risk_based)")
	rotationPolicyCmd.Flags().StringVar(&policyCompliance, "compliance", "", "compliance regime (pci-dss, sox)")
	rotationPolicyCmd.Flags().IntVar(&policyGraceDays, "grace", 7, "grace period in days for superseded keys")
	rotationPolicyCmd.Flags().BoolVar(&rotationAuto, "auto", true, "rotate automatically when due")
}

func runRotationSchedule(cmd *cobra.Command, args []string) error {
	policy := keyforge.RotationPolicy{
		Enabled:          true,
		IntervalDays:     rotationInterval,
		NotificationDays: []int{rotationNotifyDays},
		AutoRotate:       rotationAuto,
	}
	schedule, err := platform.Rotation.ScheduleRotation(args[0], policy, cliContext.UserID)
	if err != nil {
		return err
	}
	fmt.Printf("Scheduled %s: next rotation %s\n", schedule.ID, formatTime(schedule.NextRotation))
	return nil
}

func runRotationList(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tSTATUS\tNEXT ROTATION\tLAST ROTATION")
	for _, s := range platform.Rotation.ListSchedules() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.SecretName, s.Status, formatTime(s.NextRotation), formatTimePtr(s.LastRotation))
	}
	for _, s := range platform.Scheduler.ListSchedules() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t-\n",
			s.ID, s.KeyPattern, s.Status, formatTime(s.NextRotation))
	}
	return w.Flush()
}

func runRotationRun(cmd *cobra.Command, args []string) error {
	results := platform.Rotation.ProcessAutomaticRotations(cliContext.UserID)
	if len(results) == 0 {
		fmt.Println("No rotations due")
		return nil
	}
	for _, r := range results {
		if r.Success {
			fmt.Printf("rotated %s (%s)\n", r.SecretName, r.ScheduleID)
		} else {
			fmt.Printf("FAILED  %s (%s): %s\n", r.SecretName, r.ScheduleID, r.Error)
		}
	}
	return nil
}

func runRotationCancel(cmd *cobra.Command, args []string) error {
	if err := platform.Rotation.CancelSchedule(args[0], cliContext.UserID); err != nil {
		return err
	}
	fmt.Printf("Cancelled schedule %s\n", args[0])
	return nil
}

func runRotationPolicy(cmd *cobra.Command, args []string) error {
	policy := keyforge.SchedulePolicy{
		Type:                  keyforge.PolicyType(policyType),
		IntervalDays:          rotationInterval,
		MaxUsageCount:         policyMaxUsage,
		RiskThreshold:         policyRiskLimit,
		ComplianceRequirement: policyCompliance,
		GracePeriodDays:       policyGraceDays,
		AutoRotate:            rotationAuto,
	}
	schedule, err := platform.Scheduler.AddSchedule(args[0], policy)
	if err != nil {
		return err
	}
	fmt.Printf("Added policy schedule %s: next evaluation %s\n", schedule.ID, formatTime(schedule.NextRotation))
	return nil
}
