package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/agentgate/internal/ntfy"
)

func execCmd() *cobra.Command {
	var sessionName string
	cmd := &cobra.Command{
		Use:   "exec <command...>",
		Short: "Run a shell command in a session's working directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			resp, err := client.Exec(cmd.Context(), sessionName, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Print(resp.Output)
			if resp.Output != "" && !strings.HasSuffix(resp.Output, "\n") {
				fmt.Println()
			}
			if resp.TimedOut {
				return fmt.Errorf("command timed out")
			}
			if resp.ExitCode != 0 {
				return fmt.Errorf("exit status %d", resp.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionName, "session", "s", "", "session whose directory to use (default: active session)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("uptime:        %s\n", st.Uptime)
			fmt.Printf("root:          %s\n", st.Root)
			fmt.Printf("active:        %s\n", st.Active)
			fmt.Printf("sessions:      %d (%d busy)\n", st.Sessions, st.Busy)
			fmt.Printf("snapshot:      %s (dirty: %v)\n", st.SnapshotPath, st.Dirty)
			fmt.Printf("rate limiting: %v\n", st.RateLimited)
			fmt.Printf("allowed users: %d\n", st.AllowedUsers)
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			entries, err := client.Audit(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEVENT\tUSER\tSESSION\tOK\tDETAIL")
			for _, e := range entries {
				detail := e.Command
				if detail == "" && len(e.Details) > 0 {
					b, _ := json.Marshal(e.Details)
					detail = string(b)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n",
					e.Time.Local().Format(time.DateTime), e.Event, e.UserID, e.Session, e.Success, detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Push notification tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Send a test notification to the configured ntfy topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Notify.Topic == "" {
				return fmt.Errorf("notify.topic is not configured")
			}
			if err := ntfy.New(cfg.Notify.Topic, cfg.Notify.Token, cfg.Notify.Events).SendTest(); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	})
	return cmd
}
