package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/app"
	"github.com/roach88/intentd/internal/model"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Tenant  string
	Session string
	Params  string // JSON object
}

// ExecutionView is the CLI form of an execution.
type ExecutionView struct {
	ExecutionID string                `json:"execution_id"`
	IntentType  string                `json:"intent_type"`
	TenantID    string                `json:"tenant_id"`
	SessionID   string                `json:"session_id,omitempty"`
	Status      model.ExecutionStatus `json:"status"`
	Artifacts   []model.ArtifactRef   `json:"artifacts"`
	Error       *model.ErrorInfo      `json:"error,omitempty"`
	SubmittedAt time.Time             `json:"submitted_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func viewExecution(e model.Execution) ExecutionView {
	refs := e.Artifacts
	if refs == nil {
		refs = []model.ArtifactRef{}
	}
	return ExecutionView{
		ExecutionID: e.ExecutionID,
		IntentType:  e.IntentType,
		TenantID:    e.TenantID,
		SessionID:   e.SessionID,
		Status:      e.Status,
		Artifacts:   refs,
		Error:       e.Error,
		SubmittedAt: e.SubmittedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func writeExecutionText(w io.Writer, e ExecutionView) {
	fmt.Fprintf(w, "Execution %s\n", e.ExecutionID)
	fmt.Fprintf(w, "  Intent:  %s\n", e.IntentType)
	fmt.Fprintf(w, "  Tenant:  %s\n", e.TenantID)
	if e.SessionID != "" {
		fmt.Fprintf(w, "  Session: %s\n", e.SessionID)
	}
	fmt.Fprintf(w, "  Status:  %s\n", e.Status)
	if e.Error != nil {
		fmt.Fprintf(w, "  Error:   [%s] %s\n", e.Error.Code, e.Error.Message)
	}
	for _, ref := range e.Artifacts {
		fmt.Fprintf(w, "  Artifact: %s (%s)\n", ref.ArtifactID, ref.ArtifactType)
	}
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <intent-type>",
		Short: "Submit an intent and wait for its execution",
		Long: `Submit one intent, run it to a terminal status in this process and
publish its lifecycle events to the WAL.

Resubmitting identical parameters for an idempotent intent type returns
the original execution without running the handler again.

Examples:
  intentd submit ingest_file --tenant acme --params '{"uri":"gs://bucket/sales.csv"}'
  intentd submit derive_insight --tenant acme --session s1 \
    --params '{"dataset":"<artifact-id>","question":"growth?"}' --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant ID (required)")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session ID")
	cmd.Flags().StringVar(&opts.Params, "params", "{}", "intent parameters as a JSON object")

	return cmd
}

func runSubmit(opts *SubmitOptions, intentType string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	params, err := parseParams(opts.Params)
	if err != nil {
		_ = formatter.Error(string(model.CodeValidation), err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid --params", err)
	}

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	exec, err := a.Manager.Submit(ctx, model.Intent{
		IntentType: intentType,
		Parameters: params,
		TenantID:   opts.Tenant,
		SessionID:  opts.Session,
	})
	if err != nil {
		return formatter.Fail("submit failed", err)
	}
	formatter.VerboseLog("Submitted %s as %s", intentType, exec.ExecutionID)

	ran := a.Manager.ProcessPending(ctx)
	formatter.VerboseLog("Ran %d execution(s)", ran)
	publishAll(cmd, a)

	exec, err = a.Manager.Status(ctx, exec.ExecutionID)
	if err != nil {
		return formatter.Fail("status failed", err)
	}
	view := viewExecution(exec)
	if err := formatter.Emit(view, func(w io.Writer) { writeExecutionText(w, view) }); err != nil {
		return err
	}
	if exec.Status == model.StatusFailed {
		return NewExitError(ExitFailure, fmt.Sprintf("execution %s failed", exec.ExecutionID))
	}
	return nil
}

// parseParams decodes a JSON object, keeping numbers exact.
func parseParams(raw string) (map[string]any, error) {
	params := map[string]any{}
	if raw == "" {
		return params, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("parameters must be a JSON object: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parameters must be a single JSON object")
	}
	return params, nil
}

// publishAll drains due outbox entries into the WAL. Failures stay in
// the outbox for the next serve or submit.
func publishAll(cmd *cobra.Command, a *app.App) {
	for {
		res, err := a.Publisher.PublishDue(cmd.Context())
		if err != nil {
			slog.Warn("outbox publish failed", "error", err)
			return
		}
		if res.Published == 0 {
			return
		}
	}
}
