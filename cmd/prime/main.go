package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/prime/internal/api"
	"github.com/throw-if-null/prime/internal/paths"
	"github.com/throw-if-null/prime/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func defaultServer() string {
	if v := os.Getenv("PRIME_SERVER"); v != "" {
		return v
	}
	return net.JoinHostPort(api.DefaultHost, strconv.Itoa(api.DefaultPort))
}

func newRootCmd() *cobra.Command {
	var server string
	root := &cobra.Command{
		Use:          "prime",
		Short:        "Talk to a running primed daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&server, "server", defaultServer(), "daemon address")
	cl := func() *client { return newClient(server) }

	root.AddCommand(
		submitCmd(cl),
		statusCmd(cl),
		cancelCmd(cl),
		listCmd(cl),
		historyCmd(cl),
		logsCmd(cl),
		watchCmd(cl),
		replCmd(cl),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "prime %s (%s)\n", version.Version, version.Commit)
			},
		},
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func taskArg(args []string) (int64, error) {
	return paths.ParseTaskID(args[0])
}

func submitCmd(cl func() *client) *cobra.Command {
	var taskID int64
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Submit a goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cl()
			resp, err := c.submit(cmd.Context(), api.CreateTaskRequest{TaskID: taskID, Goal: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d %s\n", resp.ID, resp.Status)
			if !wait {
				return nil
			}
			v, err := waitTerminal(cmd.Context(), c, resp.ID, time.Second)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d %s\n%s\n", v.ID, v.Status, v.Output)
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "task-id", 0, "request a specific task id")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the task finishes")
	return cmd
}

func statusCmd(cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show a task, or the daemon and model status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				st, err := cl().status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			}
			id, err := taskArg(args)
			if err != nil {
				return err
			}
			v, err := cl().task(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func cancelCmd(cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel an active task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := taskArg(args)
			if err != nil {
				return err
			}
			if err := cl().cancel(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d cancelled\n", id)
			return nil
		},
	}
}

func listCmd(cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks held by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := cl().tasks(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSTEP\tGOAL")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", t.ID, t.Status, t.Step, oneLine(t.Goal, 60))
			}
			return tw.Flush()
		},
	}
}

func historyCmd(cl func() *client) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hist, err := cl().history(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tSTATUS\tSECONDS\tGOAL")
			for _, h := range hist {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", h.TaskID, h.Status, h.DurationSeconds, oneLine(h.Goal, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "entries to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func logsCmd(cl func() *client) *cobra.Command {
	var tail int
	var file string
	cmd := &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Show a task's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := taskArg(args)
			if err != nil {
				return err
			}
			if file != "" {
				b, err := cl().logFile(cmd.Context(), id, file)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			entries, err := cl().logs(cmd.Context(), id, tail)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s %s\n%s\n\n", e.CreatedAt, e.Kind, e.Filename, e.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 0, "only the last n entries")
	cmd.Flags().StringVar(&file, "file", "", "print one audit file by name")
	return cmd
}

func watchCmd(cl func() *client) *cobra.Command {
	var only int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live task updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cl().watch(cmd.Context(), func(ev api.Event) bool {
				if only != 0 && ev.ID != only {
					return true
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s step=%d %s\n", ev.ID, ev.Status, ev.Step, oneLine(ev.Output, 80))
				return only == 0 || !ev.Status.Terminal()
			})
		},
	}
	cmd.Flags().Int64Var(&only, "task", 0, "follow one task and exit when it finishes")
	return cmd
}

// replCmd reads one goal per line and waits for each to finish before
// reading the next.
func replCmd(cl func() *client) *cobra.Command {
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Submit goals interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := cl()
			out := cmd.OutOrStdout()
			sc := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprint(out, "> ")
			for sc.Scan() {
				goal := strings.TrimSpace(sc.Text())
				switch goal {
				case "":
					fmt.Fprint(out, "> ")
					continue
				case "exit", "quit":
					return nil
				}
				resp, err := c.submit(cmd.Context(), api.CreateTaskRequest{Goal: goal})
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
					fmt.Fprint(out, "> ")
					continue
				}
				fmt.Fprintf(out, "task %d submitted\n", resp.ID)
				v, err := waitTerminal(cmd.Context(), c, resp.ID, poll)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "task %d %s\n%s\n> ", v.ID, v.Status, v.Output)
			}
			return sc.Err()
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "status poll interval")
	return cmd
}

func waitTerminal(ctx context.Context, c *client, id int64, every time.Duration) (api.TaskView, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		v, err := c.task(ctx, id)
		if err != nil {
			return v, err
		}
		if v.Status.Terminal() {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-t.C:
		}
	}
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
