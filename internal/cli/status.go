package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Status string
	Tenant string
	Limit  int
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show an execution, or list recent executions",
		Long: `With an execution ID, show that execution's status, artifacts and
error. Without one, list executions newest first.

Examples:
  intentd status 0192f0c4-...
  intentd status --status FAILED --tenant acme --limit 20`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runStatus(opts, args[0], cmd)
			}
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (SUBMITTED|RUNNING|COMPLETED|FAILED)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "filter by tenant")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum executions to list")

	return cmd
}

func runStatus(opts *StatusOptions, executionID string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	s, err := openStore(ctx, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer s.Close()

	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return formatter.Fail("status failed", err)
	}
	view := viewExecution(exec)
	return formatter.Emit(view, func(w io.Writer) { writeExecutionText(w, view) })
}

func runList(opts *StatusOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	status := model.ExecutionStatus(opts.Status)
	switch status {
	case "", model.StatusSubmitted, model.StatusRunning, model.StatusCompleted, model.StatusFailed:
	default:
		_ = formatter.Error(string(model.CodeValidation), fmt.Sprintf("unknown status %q", opts.Status), nil)
		return NewExitError(ExitCommandError, "invalid --status")
	}

	s, err := openStore(ctx, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer s.Close()

	execs, err := s.ListExecutions(ctx, store.ExecutionFilter{Status: status, TenantID: opts.Tenant, Limit: opts.Limit})
	if err != nil {
		return formatter.Fail("list failed", err)
	}
	views := make([]ExecutionView, 0, len(execs))
	for _, e := range execs {
		views = append(views, viewExecution(e))
	}

	return formatter.Emit(views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "No executions found.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "EXECUTION\tINTENT\tTENANT\tSTATUS\tARTIFACTS\tSUBMITTED")
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
				v.ExecutionID, v.IntentType, v.TenantID, statusLabel(v), len(v.Artifacts),
				v.SubmittedAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
		_ = tw.Flush()
	})
}

func statusLabel(v ExecutionView) string {
	if v.Error != nil {
		return fmt.Sprintf("%s (%s)", v.Status, v.Error.Code)
	}
	return string(v.Status)
}
