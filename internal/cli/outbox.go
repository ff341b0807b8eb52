package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/model"
)

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the transactional outbox",
		Long: `Lifecycle events are written to the outbox in the same transaction as
the state change that caused them, then published to the WAL. Entries
that exhaust their attempts are parked as FAILED until requeued.`,
	}

	cmd.AddCommand(newOutboxSummaryCommand(rootOpts))
	cmd.AddCommand(newOutboxListCommand(rootOpts))
	cmd.AddCommand(newOutboxRequeueCommand(rootOpts))

	return cmd
}

// OutboxSummaryResult counts outbox entries by status.
type OutboxSummaryResult struct {
	Pending   int `json:"pending"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

func newOutboxSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "summary",
		Short:         "Count outbox entries by status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			s, err := openStore(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer s.Close()

			counts, err := s.OutboxSummary(ctx)
			if err != nil {
				return formatter.Fail("outbox summary failed", err)
			}
			result := OutboxSummaryResult{
				Pending:   counts[model.OutboxPending],
				Published: counts[model.OutboxPublished],
				Failed:    counts[model.OutboxFailed],
			}
			return formatter.Emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "Pending:   %d\n", result.Pending)
				fmt.Fprintf(w, "Published: %d\n", result.Published)
				fmt.Fprintf(w, "Failed:    %d\n", result.Failed)
			})
		},
	}
}

func newOutboxListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List outbox entries, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			st := model.OutboxStatus(status)
			switch st {
			case "", model.OutboxPending, model.OutboxPublished, model.OutboxFailed:
			default:
				_ = formatter.Error(string(model.CodeValidation), fmt.Sprintf("unknown outbox status %q", status), nil)
				return NewExitError(ExitCommandError, "invalid --status")
			}

			s, err := openStore(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.ListOutbox(ctx, st, limit)
			if err != nil {
				return formatter.Fail("outbox list failed", err)
			}
			return formatter.Emit(entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No outbox entries.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tEVENT\tARTIFACT\tPARTITION\tATTEMPTS\tLAST ERROR")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
						e.ID, e.Status, e.EventType, e.ArtifactID, e.PartitionKey, e.AttemptCount, e.LastError)
				}
				_ = tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING|PUBLISHED|FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")

	return cmd
}

// RequeueResult reports how many parked entries were requeued.
type RequeueResult struct {
	Requeued int64 `json:"requeued"`
}

func newOutboxRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [entry-id]",
		Short: "Return FAILED entries to PENDING",
		Long: `Return one FAILED outbox entry, or every FAILED entry when no ID is
given, to PENDING with a fresh attempt budget.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			var id int64
			if len(args) == 1 {
				n, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || n <= 0 {
					_ = formatter.Error(string(model.CodeValidation), fmt.Sprintf("invalid outbox entry id %q", args[0]), nil)
					return NewExitError(ExitCommandError, "invalid entry id")
				}
				id = n
			}

			s, err := openStore(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.RequeueOutbox(ctx, id)
			if err != nil {
				return formatter.Fail("requeue failed", err)
			}
			result := RequeueResult{Requeued: n}
			return formatter.Emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "Requeued %d entr%s\n", n, plural(n, "y", "ies"))
			})
		},
	}
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
