package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/fleetwatch/dashboard/internal/readstate"
	"github.com/fleetwatch/dashboard/internal/server/storage"
	"github.com/fleetwatch/dashboard/internal/server/websocket"
)

type watchOptions struct {
	Server    string
	Token     string
	StatePath string
	Once      bool
}

func newWatchCommand() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream the fleet dashboard to the terminal",
		Long: `watch connects to a fleetwatch server's dashboard stream and prints every
update. Alerts are shown once: after printing they are marked read in a local
state file and are not repeated for seven days.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Token == "" {
				opts.Token = os.Getenv("FLEETWATCH_TOKEN")
			}
			if opts.Token == "" {
				return fmt.Errorf("a session token is required (--token or FLEETWATCH_TOKEN)")
			}
			return watch(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	home, _ := os.UserHomeDir()
	cmd.Flags().StringVar(&opts.Server, "server", "ws://localhost:8080", "server base URL (ws:// or wss://)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "session JWT (defaults to $FLEETWATCH_TOKEN)")
	cmd.Flags().StringVar(&opts.StatePath, "state", filepath.Join(home, ".fleetwatch", "read-alerts.db"), "read-receipt database")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "print the first update and exit")
	return cmd
}

func watch(ctx context.Context, opts watchOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	port, err := readstate.OpenSQLitePort(opts.StatePath)
	if err != nil {
		return err
	}
	defer port.Close()
	tracker, err := readstate.Open(ctx, port)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}

	url := strings.TrimRight(opts.Server, "/") + "/ws"
	header := http.Header{"Authorization": {"Bearer " + opts.Token}}
	conn, resp, err := gws.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %s", url, resp.Status)
		}
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var upd websocket.Update
		if err := conn.ReadJSON(&upd); err != nil {
			if ctx.Err() != nil || gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read update: %w", err)
		}
		if upd.Type != "update" {
			continue
		}

		unread := tracker.Unread(upd.Data.Alerts)
		render(out, upd, unread)
		if err := tracker.MarkRead(ctx, unread...); err != nil {
			fmt.Fprintf(out, "warning: could not save read state: %v\n", err)
		}
		if opts.Once {
			return nil
		}
	}
}

// render prints one update: a summary line, the process table and any alerts
// not seen before.
func render(w io.Writer, upd websocket.Update, unread []storage.AlertEvent) {
	d := upd.Data
	t := d.Totals
	fmt.Fprintf(w, "\n== fleet @ %s  processes=%d running=%d stopped=%d offline=%d  cpu=%.1f%% mem=%.0fMB\n",
		d.GeneratedAt.Format(time.RFC3339), t.Total, t.Running, t.Stopped, t.Offline, t.TotalCPU, t.TotalMemoryMB)
	if d.StoreUnavailable {
		fmt.Fprintln(w, "!! fleet store unavailable: showing live data only")
	}
	if d.LiveUnavailable {
		fmt.Fprintln(w, "!! live sessions unavailable: showing stored data only")
	}
	if d.ScopeViolation {
		fmt.Fprintln(w, "!! session has no valid scope")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOSPITAL\tPROCESS\tHOST\tSTATUS\tCPU%\tMEM MB")
	for _, p := range d.Processes {
		status := string(p.Status)
		if p.Offline {
			status = "offline"
		}
		site := p.HospitalName
		if site == "" {
			site = p.HospitalCode
		}
		if site == "" {
			site = storage.UnassignedHospital
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f\t%.0f\n", site, p.ProcessName, p.Hostname, status, p.CPUPercent, p.MemoryMB)
	}
	tw.Flush()

	if len(unread) == 0 {
		return
	}
	fmt.Fprintf(w, "-- %d new alert(s)\n", len(unread))
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tHOSPITAL\tPROCESS\tTYPE\tMESSAGE")
	for _, a := range unread {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			a.Timestamp.Format(time.RFC3339), a.HospitalCode, a.ProcessName, a.Type, a.Message)
	}
	tw.Flush()
}
