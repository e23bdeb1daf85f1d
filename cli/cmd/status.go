package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show platform health",
	Long:  "Display platform health including store reachability, memory protection level and container occupancy.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	report := platform.HealthCheck()

	fmt.Println("Platform Status")
	fmt.Println("===============")
	fmt.Printf("Overall:           %s\n", report.Status)
	fmt.Printf("Memory Protection: %s\n", platform.MemoryProtection())
	fmt.Printf("Environment:       %s\n", environment)
	fmt.Printf("Storage Path:      %s\n", storagePath)
	fmt.Println()

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		if check.Message != "" {
			fmt.Printf("%-10s %s (%s)\n", name+":", check.Status, check.Message)
		} else {
			fmt.Printf("%-10s %s\n", name+":", check.Status)
		}
	}
	return nil
}
