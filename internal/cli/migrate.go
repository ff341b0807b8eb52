package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// MigrateResult reports the schema version after migrating.
type MigrateResult struct {
	Dialect string `json:"dialect"`
	From    int64  `json:"from"`
	To      int64  `json:"to"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Apply pending durable-tier migrations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx, rootOpts, true)
			if err != nil {
				return err
			}
			defer s.Close()

			// A fresh database has no version table yet.
			from, err := s.SchemaVersion(ctx)
			if err != nil {
				slog.Debug("no schema version recorded", "error", err)
				from = 0
			}
			to, err := s.Migrate(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}

			result := MigrateResult{Dialect: string(s.Dialect()), From: from, To: to}
			return newFormatter(rootOpts, cmd).Emit(result, func(w io.Writer) {
				if from == to {
					fmt.Fprintf(w, "Schema up to date (version %d)\n", to)
					return
				}
				fmt.Fprintf(w, "Migrated %s schema from version %d to %d\n", result.Dialect, from, to)
			})
		},
	}
}
