package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions"},
		Short:   "Manage named sessions",
	}

	var backend, dir string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			info, err := client.CreateSession(cmd.Context(), args[0], backend, dir)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s) in %s\n", info.Name, info.Backend, info.Dir)
			return nil
		},
	}
	create.Flags().StringVarP(&backend, "backend", "b", "", "claude, gemini or opencode (default from config)")
	create.Flags().StringVarP(&dir, "dir", "C", "", "working directory, relative to the gateway root")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			out, err := client.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(out.Sessions) == 0 {
				fmt.Printf("no sessions (active: %s)\n", out.Active)
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tNAME\tBACKEND\tSTATE\tMSGS\tTOKENS\tLAST USED\tDIR")
			for _, s := range out.Sessions {
				mark := ""
				if s.Active {
					mark = "*"
				}
				state := "idle"
				if s.Busy {
					state = "busy"
				}
				last := "-"
				if s.LastUsedAt > 0 {
					last = time.Since(time.UnixMilli(s.LastUsedAt)).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
					mark, s.Name, s.Backend, state, s.MessageCount, s.InputTokens, s.OutputTokens, last, s.Dir)
			}
			return tw.Flush()
		},
	}

	simple := func(use, short string, run func(cmd *cobra.Command, name string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <name>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, args[0])
			},
		}
	}

	use := simple("use", "Make a session active", func(cmd *cobra.Command, name string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.SwitchSession(cmd.Context(), name); err != nil {
			return err
		}
		fmt.Printf("active session: %s\n", name)
		return nil
	})
	del := simple("delete", "Delete a session, killing any running turn", func(cmd *cobra.Command, name string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.DeleteSession(cmd.Context(), name); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", name)
		return nil
	})
	kill := simple("kill", "Abort a session's running turn", func(cmd *cobra.Command, name string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		aborted, err := client.KillSession(cmd.Context(), name)
		if err != nil {
			return err
		}
		if aborted {
			fmt.Printf("aborted turn in %s\n", name)
		} else {
			fmt.Printf("%s was idle\n", name)
		}
		return nil
	})
	reset := simple("reset", "Forget a session's conversation", func(cmd *cobra.Command, name string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.ResetSession(cmd.Context(), name); err != nil {
			return err
		}
		fmt.Printf("reset %s\n", name)
		return nil
	})

	persist := &cobra.Command{
		Use:   "persist",
		Short: "Write the session snapshot now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			path, err := client.Persist(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("saved %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(create, list, use, del, kill, reset, persist)
	return cmd
}
