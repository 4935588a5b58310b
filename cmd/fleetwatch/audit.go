package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetwatch/dashboard/internal/audit"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Operator audit log tools",
	}
	cmd.AddCommand(newAuditVerifyCommand())
	return cmd
}

func newAuditVerifyCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of an audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := audit.Verify(path)
			if err != nil {
				return fmt.Errorf("audit log %s: %w", path, err)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "%s: empty, nothing to verify\n", path)
				return nil
			}
			last := entries[len(entries)-1]
			fmt.Fprintf(out, "%s: %d entries OK (last seq %d at %s, head %s)\n",
				path, len(entries), last.Seq, last.Timestamp.Format("2006-01-02 15:04:05"), last.EventHash[:12])
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "fleetwatch-audit.log", "audit log file")
	return cmd
}
