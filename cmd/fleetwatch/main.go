// Command fleetwatch is the fleet process-monitoring server and its operator
// tools.
//
//	fleetwatch serve --config /etc/fleetwatch/config.yaml
//	fleetwatch watch --server ws://localhost:8080 --token $TOKEN
//	fleetwatch audit verify --path /var/lib/fleetwatch/audit.log
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetwatch",
		Short: "Fleet process monitoring server",
		Long: `fleetwatch collects process snapshots from hospital agents, merges them
with live agent sessions, raises threshold and transition alerts, and serves
scoped dashboards over HTTP and WebSocket.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newWatchCommand())
	root.AddCommand(newAuditCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
