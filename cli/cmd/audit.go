package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/keyforge/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	RunE:  runAuditQuery,
}

var (
	auditAction   string
	auditKeyID    string
	auditSecretID string
	auditSince    string
	auditFailures bool
	auditLimit    int
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action")
	auditCmd.Flags().StringVar(&auditKeyID, "key-id", "", "filter by key id")
	auditCmd.Flags().StringVar(&auditSecretID, "secret-id", "", "filter by secret id")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "only events after this RFC3339 timestamp")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed operations")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to show")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		Environment: environment,
		Action:      auditAction,
		KeyID:       auditKeyID,
		SecretID:    auditSecretID,
		Limit:       auditLimit,
	}
	if auditSince != "" {
		since, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since timestamp: %w", err)
		}
		options.Since = &since
	}
	if auditFailures {
		success := false
		options.Success = &success
	}

	result, err := platform.Audit.Query(options)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tOK\tSEVERITY\tTARGET\tERROR")
	for _, event := range result.Events {
		target := event.SecretID
		if target == "" {
			target = event.KeyID
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			event.Timestamp.Format(time.RFC3339), event.Action, event.Success,
			event.Severity, target, event.Error)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d events shown\n", len(result.Events), result.TotalCount)
	return nil
}
