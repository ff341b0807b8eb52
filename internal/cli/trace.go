package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/model"
)

// TraceStep is one transition in an execution's history.
type TraceStep struct {
	Seq   int                   `json:"seq"`
	From  model.ExecutionStatus `json:"from,omitempty"`
	To    model.ExecutionStatus `json:"to"`
	At    time.Time             `json:"at"`
	Error *model.ErrorInfo      `json:"error,omitempty"`
}

// TraceArtifact is an artifact produced by the traced execution.
type TraceArtifact struct {
	ArtifactID   string               `json:"artifact_id"`
	ArtifactType string               `json:"artifact_type"`
	State        model.LifecycleState `json:"state"`
	Parents      []string             `json:"parents"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Execution ExecutionView   `json:"execution"`
	Timeline  []TraceStep     `json:"timeline"`
	Artifacts []TraceArtifact `json:"artifacts"`
	Stats     TraceStats      `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Transitions int    `json:"transitions"`
	Artifacts   int    `json:"artifacts"`
	IsTerminal  bool   `json:"is_terminal"`
	Duration    string `json:"duration,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <execution-id>",
		Short: "Show an execution's transition history and artifacts",
		Long: `Show the append-only transition history of one execution, with the
artifacts it produced and their parents.

Examples:
  intentd trace 0192f0c4-...
  intentd trace 0192f0c4-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runTrace(opts *RootOptions, executionID string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts, cmd)

	s, err := openStore(ctx, opts, false)
	if err != nil {
		return err
	}
	defer s.Close()

	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return formatter.Fail("trace failed", err)
	}
	transitions, err := s.ListTransitions(ctx, executionID)
	if err != nil {
		return formatter.Fail("trace failed", err)
	}

	result := TraceResult{
		Execution: viewExecution(exec),
		Timeline:  make([]TraceStep, 0, len(transitions)),
		Artifacts: make([]TraceArtifact, 0, len(exec.Artifacts)),
	}
	for _, t := range transitions {
		result.Timeline = append(result.Timeline, TraceStep{Seq: t.Seq, From: t.From, To: t.To, At: t.At, Error: t.Error})
	}
	for _, ref := range exec.Artifacts {
		a, err := s.GetArtifact(ctx, ref.ArtifactID)
		if err != nil {
			return formatter.Fail("trace failed", err)
		}
		parents := a.ParentArtifacts
		if parents == nil {
			parents = []string{}
		}
		result.Artifacts = append(result.Artifacts, TraceArtifact{
			ArtifactID:   a.ArtifactID,
			ArtifactType: a.ArtifactType,
			State:        a.LifecycleState,
			Parents:      parents,
		})
	}

	result.Stats = TraceStats{
		Transitions: len(result.Timeline),
		Artifacts:   len(result.Artifacts),
		IsTerminal:  exec.Terminal(),
	}
	if exec.Terminal() && len(transitions) > 0 {
		result.Stats.Duration = transitions[len(transitions)-1].At.Sub(exec.SubmittedAt).String()
	}

	return formatter.Emit(result, func(w io.Writer) { writeTraceText(w, result, opts.Verbose) })
}

func writeTraceText(w io.Writer, result TraceResult, verbose bool) {
	e := result.Execution
	fmt.Fprintf(w, "Trace for execution %s (%s)\n", e.ExecutionID, e.IntentType)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Timeline:")
	for _, step := range result.Timeline {
		from := string(step.From)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(w, "  [%d] %s -> %s", step.Seq, from, step.To)
		if verbose {
			fmt.Fprintf(w, " at %s", step.At.UTC().Format(time.RFC3339Nano))
		}
		if step.Error != nil {
			fmt.Fprintf(w, " [%s] %s", step.Error.Code, step.Error.Message)
		}
		fmt.Fprintln(w)
	}

	if len(result.Artifacts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Artifacts:")
		for _, a := range result.Artifacts {
			fmt.Fprintf(w, "  %s %s %s", a.ArtifactID, a.ArtifactType, a.State)
			if len(a.Parents) > 0 {
				fmt.Fprintf(w, " <- %v", a.Parents)
			}
			fmt.Fprintln(w)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Stats: %d transition(s), %d artifact(s), terminal=%t", result.Stats.Transitions, result.Stats.Artifacts, result.Stats.IsTerminal)
	if result.Stats.Duration != "" {
		fmt.Fprintf(w, ", duration=%s", result.Stats.Duration)
	}
	fmt.Fprintln(w)
}
