package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/agentgate/internal/agent"
	"github.com/ehrlich-b/agentgate/internal/transport"
)

func askCmd() *cobra.Command {
	var sessionName string
	var plain bool

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message to a session and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			ctx := cmd.Context()

			if plain {
				resp, err := client.Dispatch(ctx, sessionName, text)
				if err != nil {
					return err
				}
				for _, w := range resp.Warnings {
					fmt.Fprintf(os.Stderr, "warning: possible %s\n", w)
				}
				printReply(resp.Reply, resp.Partial)
				return nil
			}

			in := bufio.NewReader(os.Stdin)
			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			reply, err := client.Chat(ctx, sessionName, text, transport.ChatHandler{
				OnWarning: func(f transport.WarningFrame) {
					for _, w := range f.Warnings {
						fmt.Fprintf(os.Stderr, "warning: possible %s\n", w)
					}
				},
				OnRetry: func(f transport.RetryFrame) {
					fmt.Fprintf(os.Stderr, "retrying (attempt %d) in %dms: %s\n", f.Attempt, f.DelayMS, f.Error)
				},
				OnQuestion: func(f transport.QuestionFrame) []string {
					if !interactive {
						return agent.FirstOption(agent.Question{Options: f.Options})
					}
					return promptQuestion(os.Stderr, in, f)
				},
			})
			if err != nil {
				return err
			}
			printReply(reply.Text, reply.Partial)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionName, "session", "s", "", "session name (default: active session)")
	cmd.Flags().BoolVar(&plain, "plain", false, "use a single HTTP request instead of the streaming chat")
	return cmd
}

func printReply(text string, partial bool) {
	fmt.Println(text)
	if partial {
		fmt.Fprintln(os.Stderr, "(partial reply: the agent stopped early)")
	}
}

// promptQuestion shows f's options numbered and reads the choice. Empty or
// unparseable input picks the first option.
func promptQuestion(w io.Writer, in *bufio.Reader, f transport.QuestionFrame) []string {
	if f.Header != "" {
		fmt.Fprintf(w, "\n[%s]\n", f.Header)
	}
	fmt.Fprintln(w, f.Text)
	for i, o := range f.Options {
		if o.Description != "" {
			fmt.Fprintf(w, "  %d) %s - %s\n", i+1, o.Label, o.Description)
		} else {
			fmt.Fprintf(w, "  %d) %s\n", i+1, o.Label)
		}
	}
	if f.MultiSelect {
		fmt.Fprint(w, "choices (comma separated) [1]: ")
	} else {
		fmt.Fprint(w, "choice [1]: ")
	}
	line, _ := in.ReadString('\n')
	return parseChoice(line, f.Options, f.MultiSelect)
}

func parseChoice(line string, opts []agent.Option, multi bool) []string {
	fallback := agent.FirstOption(agent.Question{Options: opts})
	var labels []string
	for _, part := range strings.Split(line, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > len(opts) {
			continue
		}
		labels = append(labels, opts[n-1].Label)
		if !multi {
			break
		}
	}
	if len(labels) == 0 {
		return fallback
	}
	return labels
}
