package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/contract"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Contracts []ContractSummary `json:"contracts,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

// ContractSummary describes one compiled contract.
type ContractSummary struct {
	IntentType string   `json:"intent_type"`
	Idempotent bool     `json:"idempotent"`
	Timeout    string   `json:"timeout,omitempty"`
	AllowExtra bool     `json:"allow_extra,omitempty"`
	Fields     []string `json:"fields"`
}

// ValidationError locates a contract compile failure.
type ValidationError struct {
	Code    string `json:"code"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <contracts-dir>",
		Short: "Compile intent contracts without starting the engine",
		Long: `Compile the CUE intent contracts in a directory and report the
declared intent types, or the first compile error with its position.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("contracts directory not found: %s", dir), nil)
		return NewExitError(ExitCommandError, "contracts directory not found")
	}

	set, err := contract.LoadDir(dir)
	if err == nil && set.Len() == 0 {
		err = fmt.Errorf("no intent contracts in %s", dir)
	}
	if err != nil {
		verr := ValidationError{Code: ErrCodeBuildFailed, Message: err.Error()}
		var le *contract.LoadError
		if errors.As(err, &le) {
			verr.Path = le.Path
			verr.Message = le.Message
			if le.Pos.IsValid() {
				verr.File = le.Pos.Filename()
				verr.Line = le.Pos.Line()
				verr.Column = le.Pos.Column()
			}
		}
		result := ValidationResult{Valid: false, Errors: []ValidationError{verr}}
		_ = formatter.Emit(result, func(w io.Writer) { writeValidationText(w, result) })
		return NewExitError(ExitFailure, "contract validation failed")
	}

	result := ValidationResult{Valid: true}
	for _, name := range set.Types() {
		c, _ := set.Lookup(name)
		summary := ContractSummary{
			IntentType: c.IntentType,
			Idempotent: c.Idempotent,
			AllowExtra: c.AllowExtra,
			Fields:     c.Fields(),
		}
		if c.Timeout > 0 {
			summary.Timeout = c.Timeout.String()
		}
		result.Contracts = append(result.Contracts, summary)
	}
	formatter.VerboseLog("Compiled %d contract(s) from %s", len(result.Contracts), dir)

	return formatter.Emit(result, func(w io.Writer) { writeValidationText(w, result) })
}

func writeValidationText(w io.Writer, result ValidationResult) {
	if !result.Valid {
		for _, e := range result.Errors {
			loc := e.Path
			if e.Line > 0 {
				loc = fmt.Sprintf("%s:%d:%d %s", e.File, e.Line, e.Column, e.Path)
			}
			fmt.Fprintf(w, "✗ [%s] %s: %s\n", e.Code, loc, e.Message)
		}
		return
	}

	fmt.Fprintf(w, "✓ %d contract(s) valid\n", len(result.Contracts))
	for _, c := range result.Contracts {
		mode := "idempotent"
		if !c.Idempotent {
			mode = "non-idempotent"
		}
		fmt.Fprintf(w, "  %s (%s", c.IntentType, mode)
		if c.Timeout != "" {
			fmt.Fprintf(w, ", timeout %s", c.Timeout)
		}
		fmt.Fprintf(w, ") fields: %v\n", c.Fields)
	}
}
