package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/roach88/intentd/internal/engine"
	"github.com/roach88/intentd/internal/model"
)

// ScopeOptions carries the tenant and session an artifact read is
// authorized against.
type ScopeOptions struct {
	*RootOptions
	Tenant  string
	Session string
}

func (o *ScopeOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Tenant, "tenant", "", "tenant ID (required)")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.Flags().StringVar(&o.Session, "session", "", "session ID")
}

// NewArtifactCommand creates the artifact command.
func NewArtifactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScopeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "artifact <artifact-id>",
		Short: "Show an artifact",
		Long: `Show one artifact's state, provenance, parents and materializations.
Artifacts of another tenant read as not found.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			a, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			artifact, err := a.Manager.Artifact(ctx, args[0], opts.Tenant, opts.Session)
			if err != nil {
				return formatter.Fail("artifact failed", err)
			}
			return formatter.Emit(artifact, func(w io.Writer) { writeArtifactText(w, artifact) })
		},
	}
	opts.bind(cmd)

	return cmd
}

// LineageResult lists an artifact's ancestors or descendants.
type LineageResult struct {
	ArtifactID string   `json:"artifact_id"`
	Direction  string   `json:"direction"`
	Artifacts  []string `json:"artifacts"`
}

// NewLineageCommand creates the lineage command.
func NewLineageCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScopeOptions{RootOptions: rootOpts}
	var direction string

	cmd := &cobra.Command{
		Use:   "lineage <artifact-id>",
		Short: "List an artifact's ancestors or descendants",
		Long: `List the transitive ancestors or descendants of an artifact, nearest
first.

Examples:
  intentd lineage <insight-id> --tenant acme
  intentd lineage <dataset-id> --tenant acme --direction descendants`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			a, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.Manager.Lineage(ctx, args[0], engine.Direction(direction), opts.Tenant, opts.Session)
			if err != nil {
				return formatter.Fail("lineage failed", err)
			}
			if ids == nil {
				ids = []string{}
			}
			result := LineageResult{ArtifactID: args[0], Direction: direction, Artifacts: ids}
			return formatter.Emit(result, func(w io.Writer) {
				if len(ids) == 0 {
					fmt.Fprintf(w, "No %s of %s\n", direction, args[0])
					return
				}
				fmt.Fprintf(w, "%s of %s:\n", cases.Title(language.English).String(direction), args[0])
				for i, id := range ids {
					fmt.Fprintf(w, "  %d. %s\n", i+1, id)
				}
			})
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&direction, "direction", string(engine.Ancestors), "ancestors or descendants")

	return cmd
}

// NewTerminateCommand creates the terminate command.
func NewTerminateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScopeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "terminate <artifact-id>",
		Short: "Terminate an ACTIVE artifact",
		Long: `Move an ACTIVE artifact to TERMINATED and publish its
artifact.terminated event. Any other state is a validation error.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := newFormatter(rootOpts, cmd)

			a, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			artifact, err := a.Manager.Terminate(ctx, args[0], opts.Tenant, opts.Session)
			if err != nil {
				return formatter.Fail("terminate failed", err)
			}
			publishAll(cmd, a)
			return formatter.Emit(artifact, func(w io.Writer) {
				fmt.Fprintf(w, "Artifact %s is %s\n", artifact.ArtifactID, artifact.LifecycleState)
			})
		},
	}
	opts.bind(cmd)

	return cmd
}

func writeArtifactText(w io.Writer, a model.Artifact) {
	fmt.Fprintf(w, "Artifact %s\n", a.ArtifactID)
	fmt.Fprintf(w, "  Type:        %s\n", a.ArtifactType)
	fmt.Fprintf(w, "  State:       %s\n", a.LifecycleState)
	fmt.Fprintf(w, "  Produced by: %s (%s)\n", a.ProducedBy.ExecutionID, a.ProducedBy.IntentType)
	fmt.Fprintf(w, "  Scope:       tenant=%s", a.Scope.TenantID)
	if a.Scope.SessionID != "" {
		fmt.Fprintf(w, " session=%s", a.Scope.SessionID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Created:     %s\n", a.CreatedAt.UTC().Format(time.RFC3339))
	for _, p := range a.ParentArtifacts {
		fmt.Fprintf(w, "  Parent:      %s\n", p)
	}
	for _, m := range a.Materializations {
		fmt.Fprintf(w, "  Stored at:   %s\n", m.URI)
	}
	if len(a.SemanticDescriptor) > 0 {
		fmt.Fprintf(w, "  Descriptor:  %s\n", a.SemanticDescriptor)
	}
}
