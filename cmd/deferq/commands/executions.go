package commands

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"deferq/internal/config"
	"deferq/pkg/backend"
	"deferq/pkg/deferq"
	logx "deferq/pkg/logx"
)

var ExecutionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"ex"},
	Short:   "Inspect and manage executions on a remote backend",
	Long: `Talk to the hosted backend selected by DEFER_TOKEN / DEFER_ENDPOINT or the
backend section of --config. Every command prints JSON.

Examples:
  deferq executions get <id>
  deferq executions cancel <id> --force
  deferq executions reschedule <id> +10m
  deferq executions list --state failed --first 20`,
}

var exGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one execution",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *deferq.Client, args []string) error {
		exec, err := c.GetExecution(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, exec)
	}),
}

var exCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending execution, or abort a running one with --force",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *deferq.Client, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		exec, err := c.CancelExecution(ctx, args[0], force)
		if err != nil {
			return err
		}
		return printJSON(cmd, exec)
	}),
}

var exRescheduleCmd = &cobra.Command{
	Use:   "reschedule <id> <when>",
	Short: "Move a pending execution to a new time (RFC3339 or +duration)",
	Args:  cobra.ExactArgs(2),
	RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *deferq.Client, args []string) error {
		at, err := parseWhen(args[1], time.Now())
		if err != nil {
			return err
		}
		exec, err := c.RescheduleExecution(ctx, args[0], at)
		if err != nil {
			return err
		}
		return printJSON(cmd, exec)
	}),
}

var exRerunCmd = &cobra.Command{
	Use:   "rerun <id>",
	Short: "Enqueue a fresh execution with the same function and arguments",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *deferq.Client, args []string) error {
		exec, err := c.ReRunExecution(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, exec)
	}),
}

var exListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions, newest first",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *deferq.Client, _ []string) error {
		page, filters, err := pageFlags(cmd)
		if err != nil {
			return err
		}
		res, err := c.ListExecutions(ctx, page, filters)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}),
}

var exAttemptsCmd = &cobra.Command{
	Use:   "attempts <id>",
	Short: "List the reruns of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *deferq.Client, args []string) error {
		page, filters, err := pageFlags(cmd)
		if err != nil {
			return err
		}
		res, err := c.ListExecutionAttempts(ctx, args[0], page, filters)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}),
}

func init() {
	exCancelCmd.Flags().Bool("force", false, "abort the execution even if it already started")

	for _, c := range []*cobra.Command{exListCmd, exAttemptsCmd} {
		c.Flags().StringSlice("state", nil, "filter by state (repeatable)")
		c.Flags().StringSlice("function", nil, "filter by function id (repeatable)")
		c.Flags().StringSlice("error-code", nil, "filter by error code (repeatable)")
		c.Flags().Int("first", 0, "page size from the newest end")
		c.Flags().String("after", "", "cursor for the next page")
		c.Flags().Int("last", 0, "page size from the oldest end")
		c.Flags().String("before", "", "cursor for the previous page")
	}

	ExecutionsCmd.PersistentFlags().Duration("timeout", 30*time.Second, "overall deadline for the request")
	ExecutionsCmd.AddCommand(exGetCmd, exCancelCmd, exRescheduleCmd, exRerunCmd, exListCmd, exAttemptsCmd)
}

type clientRun func(ctx context.Context, cmd *cobra.Command, c *deferq.Client, args []string) error

func withClient(run clientRun) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := openRemote(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		defer func() { _ = c.Stop(context.Background()) }()
		return run(ctx, cmd, c, args)
	}
}

func openRemote(cmd *cobra.Command) (*deferq.Client, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	env := config.LoadEnv(nil)
	cfg, err := config.NewManager(cfgPath, env).Load()
	if err != nil {
		return nil, err
	}
	if cfg.ResolvedMode() != config.ModeRemote {
		return nil, errors.New("executions commands need a remote backend: set DEFER_TOKEN or backend.token")
	}
	timeout, err := config.Duration("backend.timeout", cfg.Backend.Timeout)
	if err != nil {
		return nil, err
	}
	level := "warn"
	if env.Debug {
		level = "debug"
	}
	return deferq.Open(deferq.Config{
		Token:      cfg.Backend.Token,
		Endpoint:   cfg.Backend.Endpoint,
		NoBanner:   true,
		RatePerSec: cfg.Backend.RatePerSec,
		Timeout:    timeout,
	}, deferq.WithLogger(logx.NewWriter(cmd.ErrOrStderr(), level)))
}

func pageFlags(cmd *cobra.Command) (*backend.PageRequest, *backend.ExecutionFilters, error) {
	f := cmd.Flags()
	first, _ := f.GetInt("first")
	last, _ := f.GetInt("last")
	after, _ := f.GetString("after")
	before, _ := f.GetString("before")
	states, _ := f.GetStringSlice("state")
	fns, _ := f.GetStringSlice("function")
	codes, _ := f.GetStringSlice("error-code")

	var page *backend.PageRequest
	if first != 0 || last != 0 || after != "" || before != "" {
		page = &backend.PageRequest{First: first, Last: last, After: after, Before: before}
	}

	var filters *backend.ExecutionFilters
	if len(states)+len(fns)+len(codes) > 0 {
		filters = &backend.ExecutionFilters{FunctionIDs: fns, ErrorCodes: codes}
		for _, s := range states {
			st := backend.State(strings.ToLower(strings.TrimSpace(s)))
			if !st.Valid() {
				return nil, nil, errors.Newf("unknown state %q", s)
			}
			filters.States = append(filters.States, st)
		}
	}
	return page, filters, nil
}

// parseWhen accepts an RFC3339 timestamp or a "+duration" offset from now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "parse offset %q", s)
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", s)
	}
	return t, nil
}
