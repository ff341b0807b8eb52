package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/wal"
)

// DefaultGroup is the consumer group used when --group is not given.
const DefaultGroup = "cli"

// NewWALCommand creates the wal command group.
func NewWALCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Read and administer the write-ahead event log",
		Long: `The WAL is partitioned by tenant and UTC day (tenant/YYYY-MM-DD).
Consumer groups read with at-least-once delivery and acknowledge
offsets; unacknowledged entries become visible again after the
visibility timeout.`,
	}

	cmd.AddCommand(newWALPartitionsCommand(rootOpts))
	cmd.AddCommand(newWALReadCommand(rootOpts))
	cmd.AddCommand(newWALAckCommand(rootOpts))
	cmd.AddCommand(newWALLagCommand(rootOpts))
	cmd.AddCommand(newWALTrimCommand(rootOpts))

	return cmd
}

// openLog opens the durable store and a WAL over it.
func openLog(ctx context.Context, opts *RootOptions) (*wal.Log, *store.Store, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, nil, err
	}
	s, err := openStore(ctx, opts, false)
	if err != nil {
		return nil, nil, err
	}
	return wal.NewLog(s, wal.Options{Timeout: cfg.WAL.Timeout, Visibility: cfg.WAL.Visibility}), s, nil
}

// PartitionsResult lists a tenant's partitions.
type PartitionsResult struct {
	TenantID   string   `json:"tenant_id"`
	Partitions []string `json:"partitions"`
}

func newWALPartitionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "partitions <tenant>",
		Short:         "List a tenant's partitions, oldest first",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			log, s, err := openLog(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			parts, err := log.Partitions(ctx, args[0])
			if err != nil {
				return formatter.Fail("list partitions failed", err)
			}
			if parts == nil {
				parts = []string{}
			}
			result := PartitionsResult{TenantID: args[0], Partitions: parts}
			return formatter.Emit(result, func(w io.Writer) {
				if len(parts) == 0 {
					fmt.Fprintf(w, "No partitions for tenant %s\n", args[0])
					return
				}
				for _, p := range parts {
					fmt.Fprintln(w, p)
				}
			})
		},
	}
}

// ReadResult is one consumer-group read.
type ReadResult struct {
	Group        string           `json:"group"`
	PartitionKey string           `json:"partition_key"`
	Entries      []model.WALEntry `json:"entries"`
	Acked        int64            `json:"acked,omitempty"`
}

func newWALReadCommand(rootOpts *RootOptions) *cobra.Command {
	var group string
	var limit int
	var ack bool

	cmd := &cobra.Command{
		Use:   "read <tenant> <date>",
		Short: "Read the next entries of a partition for a consumer group",
		Long: `Read up to --max visible entries of tenant/date for a consumer group.
Read entries stay hidden from the group until the visibility timeout
passes or they are acknowledged; --ack acknowledges them immediately.

Examples:
  intentd wal read acme 2026-01-27 --group audit
  intentd wal read acme 2026-01-27 --group audit --ack --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			pk, err := model.PartitionKeyFor(args[0], args[1])
			if err != nil {
				return formatter.Fail("invalid partition", err)
			}
			log, s, err := openLog(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := log.ReadGroup(ctx, group, pk, limit)
			if err != nil {
				return formatter.Fail("read failed", err)
			}
			if entries == nil {
				entries = []model.WALEntry{}
			}
			result := ReadResult{Group: group, PartitionKey: pk, Entries: entries}
			if ack {
				for _, e := range entries {
					if err := log.Ack(ctx, group, pk, e.Offset); err != nil {
						return formatter.Fail("ack failed", err)
					}
					result.Acked = e.Offset
				}
			}

			return formatter.Emit(result, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintf(w, "No visible entries in %s for group %s\n", pk, group)
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "OFFSET\tEVENT\tEVENT ID\tDELIVERY\tTIMESTAMP")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n",
						e.Offset, e.EventType, e.EventID, e.DeliveryCount, e.Timestamp.UTC().Format(time.RFC3339))
				}
				_ = tw.Flush()
				if result.Acked > 0 {
					fmt.Fprintf(w, "Acknowledged through offset %d\n", result.Acked)
				}
			})
		},
	}

	cmd.Flags().StringVar(&group, "group", DefaultGroup, "consumer group")
	cmd.Flags().IntVar(&limit, "max", 100, "maximum entries to read")
	cmd.Flags().BoolVar(&ack, "ack", false, "acknowledge the entries read")

	return cmd
}

// AckResult reports a group's cursor after an ack.
type AckResult struct {
	Cursor model.ConsumerGroupCursor `json:"cursor"`
}

func newWALAckCommand(rootOpts *RootOptions) *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:           "ack <tenant> <date> <offset>",
		Short:         "Acknowledge one offset for a consumer group",
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			pk, err := model.PartitionKeyFor(args[0], args[1])
			if err != nil {
				return formatter.Fail("invalid partition", err)
			}
			offset, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil || offset <= 0 {
				return formatter.Fail("invalid offset", model.NewValidationError("offset must be a positive integer, got %q", args[2]))
			}

			log, s, err := openLog(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := log.Ack(ctx, group, pk, offset); err != nil {
				return formatter.Fail("ack failed", err)
			}
			cur, err := log.Cursor(ctx, group, pk)
			if err != nil {
				return formatter.Fail("cursor failed", err)
			}
			return formatter.Emit(AckResult{Cursor: cur}, func(w io.Writer) {
				fmt.Fprintf(w, "Group %s in %s acknowledged through offset %d\n", group, pk, cur.LastAckedOffset)
			})
		},
	}

	cmd.Flags().StringVar(&group, "group", DefaultGroup, "consumer group")

	return cmd
}

// PartitionLag is a group's backlog in one partition.
type PartitionLag struct {
	PartitionKey    string `json:"partition_key"`
	LastAckedOffset int64  `json:"last_acked_offset"`
	Lag             int64  `json:"lag"`
}

func newWALLagCommand(rootOpts *RootOptions) *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:           "lag <tenant>",
		Short:         "Show a consumer group's backlog per partition",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			log, s, err := openLog(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			parts, err := log.Partitions(ctx, args[0])
			if err != nil {
				return formatter.Fail("list partitions failed", err)
			}
			lags := make([]PartitionLag, 0, len(parts))
			for _, pk := range parts {
				lag, err := log.Lag(ctx, group, pk)
				if err != nil {
					return formatter.Fail("lag failed", err)
				}
				cur, err := log.Cursor(ctx, group, pk)
				if err != nil {
					return formatter.Fail("cursor failed", err)
				}
				lags = append(lags, PartitionLag{PartitionKey: pk, LastAckedOffset: cur.LastAckedOffset, Lag: lag})
			}

			return formatter.Emit(lags, func(w io.Writer) {
				if len(lags) == 0 {
					fmt.Fprintf(w, "No partitions for tenant %s\n", args[0])
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PARTITION\tACKED\tLAG")
				for _, l := range lags {
					fmt.Fprintf(tw, "%s\t%d\t%d\n", l.PartitionKey, l.LastAckedOffset, l.Lag)
				}
				_ = tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&group, "group", DefaultGroup, "consumer group")

	return cmd
}

// TrimResult lists the partitions dropped by a trim.
type TrimResult struct {
	Before  string   `json:"before"`
	Trimmed []string `json:"trimmed"`
}

func newWALTrimCommand(rootOpts *RootOptions) *cobra.Command {
	var before string
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Drop partitions older than a cutoff",
		Long: `Drop every partition whose day is before the cutoff, together with
its consumer-group cursors. The cutoff is --before (YYYY-MM-DD) or now
minus --retention, which defaults to wal.retention.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			cfg, err := rootOpts.Config()
			if err != nil {
				return err
			}

			var cutoff time.Time
			switch {
			case before != "":
				cutoff, err = time.Parse(model.PartitionDateLayout, before)
				if err != nil {
					return formatter.Fail("invalid --before", model.NewValidationError("--before must be YYYY-MM-DD, got %q", before))
				}
			case retention > 0:
				cutoff = time.Now().Add(-retention)
			case cfg.WAL.Retention > 0:
				cutoff = time.Now().Add(-cfg.WAL.Retention)
			default:
				return formatter.Fail("no cutoff", model.NewValidationError("one of --before or --retention is required when wal.retention is unset"))
			}

			log, s, err := openLog(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			trimmed, err := log.Trim(ctx, cutoff)
			if err != nil {
				return formatter.Fail("trim failed", err)
			}
			if trimmed == nil {
				trimmed = []string{}
			}
			result := TrimResult{Before: cutoff.UTC().Format(model.PartitionDateLayout), Trimmed: trimmed}
			return formatter.Emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "Trimmed %d partition(s) before %s\n", len(trimmed), result.Before)
				for _, p := range trimmed {
					fmt.Fprintf(w, "  %s\n", p)
				}
			})
		},
	}

	cmd.Flags().StringVar(&before, "before", "", "drop partitions before this UTC day (YYYY-MM-DD)")
	cmd.Flags().DurationVar(&retention, "retention", 0, "drop partitions older than this duration")

	return cmd
}
