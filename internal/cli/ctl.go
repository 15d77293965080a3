package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"autoreach/internal/model"
)

type ctlOptions struct {
	addr    string
	token   string
	timeout time.Duration
}

func (o *ctlOptions) client() *client {
	token := o.token
	if token == "" {
		token = os.Getenv("AUTOREACH_TOKEN")
	}
	return newClient(o.addr, token, o.timeout)
}

func buildCtlCommand() *cobra.Command {
	o := &ctlOptions{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running instance over its HTTP API",
	}
	cmd.PersistentFlags().StringVar(&o.addr, "addr", "127.0.0.1:8088", "control API address")
	cmd.PersistentFlags().StringVar(&o.token, "token", "", "bearer token (default $AUTOREACH_TOKEN)")
	cmd.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")

	simple := func(use, short, method, path string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				return call(c, o, method, path, nil)
			},
		}
	}
	cmd.AddCommand(
		simple("state", "Show the engine state", http.MethodGet, "/api/state"),
		simple("pause", "Pause the running task", http.MethodPost, "/api/pause"),
		simple("resume", "Resume a paused task", http.MethodPost, "/api/resume"),
		simple("stop", "Stop the running task", http.MethodPost, "/api/stop"),
		simple("groups", "List groups", http.MethodGet, "/api/groups"),
		simple("contacts", "List contacts", http.MethodGet, "/api/contacts"),
		simple("health", "Show health", http.MethodGet, "/api/health"),
		buildStartCommand(o),
		buildResultsCommand(o),
		buildSettingsCommand(o),
		buildLogsCommand(o),
		buildBudgetCommand(o),
		buildHistoryCommand(o),
		buildEventsCommand(o),
	)
	return cmd
}

// call performs one request and prints the indented JSON reply.
func call(c *cobra.Command, o *ctlOptions, method, path string, body []byte) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out, err := o.client().do(ctx, method, path, body)
	if err != nil {
		return err
	}
	return printJSON(c.OutOrStdout(), out)
}

func printJSON(w io.Writer, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		_, err := fmt.Fprintln(w, "ok")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// readBody reads a JSON document from a file, or stdin for "-".
func readBody(c *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(c.InOrStdin())
	}
	return os.ReadFile(file)
}

func buildStartCommand(o *ctlOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a task from a JSON request",
		Long: `Start a task. The request mirrors POST /api/tasks, for example:

  {"task":"addMembers","group_id":"-1001","targets":{"type":"numbers","numbers":["+15550001"]}}
  {"task":"bulkMessages","targets":{"type":"allGroups"},"template":"Hello {{group}}"}`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			body, err := readBody(c, file)
			if err != nil {
				return err
			}
			return call(c, o, http.MethodPost, "/api/tasks", body)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "request file (- for stdin)")
	return cmd
}

func buildResultsCommand(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "results <task>",
		Short:     "Show the last results of a task type",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(model.TaskAddMembers), string(model.TaskBulkMessages)},
		RunE: func(c *cobra.Command, args []string) error {
			return call(c, o, http.MethodGet, "/api/results/"+url.PathEscape(args[0]), nil)
		},
	}
}

func buildSettingsCommand(o *ctlOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show settings, or merge a JSON patch with -f",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if file == "" {
				return call(c, o, http.MethodGet, "/api/settings", nil)
			}
			body, err := readBody(c, file)
			if err != nil {
				return err
			}
			return call(c, o, http.MethodPut, "/api/settings", body)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "settings patch file (- for stdin)")
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Restore the default settings",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return call(c, o, http.MethodPost, "/api/settings/reset", nil)
		},
	})
	return cmd
}

func buildLogsCommand(o *ctlOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the activity log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return call(c, o, http.MethodGet, "/api/logs?limit="+strconv.Itoa(limit), nil)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "entries to show (0 for all)")
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Clear the activity log",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return call(c, o, http.MethodDelete, "/api/logs", nil)
		},
	})
	return cmd
}

func buildBudgetCommand(o *ctlOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show the hourly action budget",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return call(c, o, http.MethodGet, "/api/budget", nil)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Start a new budget window",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return call(c, o, http.MethodPost, "/api/budget/reset", nil)
		},
	})
	return cmd
}

func buildHistoryCommand(o *ctlOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Message history maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget which numbers were already messaged",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return call(c, o, http.MethodDelete, "/api/history", nil)
		},
	})
	return cmd
}

func buildEventsCommand(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow the live event stream until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			parent := c.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt)
			defer stop()
			return o.client().stream(ctx, "/api/events", c.OutOrStdout())
		},
	}
}
