package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/intentd/internal/config"
	"github.com/roach88/intentd/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	// Viper holds flag bindings and overrides. Nil uses config.New().
	Viper *viper.Viper

	cfg       *config.Config
	logCloser io.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Config loads the configuration once and caches it.
func (o *RootOptions) Config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	if o.Viper == nil {
		o.Viper = config.New()
	}
	cfg, err := config.Load(o.Viper, o.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	o.cfg = cfg
	return cfg, nil
}

// NewRootCommand creates the root command for the intentd CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Viper: config.New()}

	cmd := &cobra.Command{
		Use:   "intentd",
		Short: "intentd - intent execution and artifact lifecycle engine",
		Long: `intentd turns typed intents into tracked executions and
lineage-linked artifacts, and publishes lifecycle events to a
partitioned write-ahead log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := opts.Config()
			if err != nil {
				return err
			}

			level := cfg.Logging.Level
			if opts.Verbose {
				level = "debug"
			}
			closer, err := logging.Setup(logging.Options{
				Level:  level,
				Format: cfg.Logging.Format,
				File:   cfg.Logging.File,
				Writer: cmd.ErrOrStderr(),
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to set up logging", err)
			}
			opts.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVarP(&opts.ConfigFile, "config", "c", "", "path to a YAML config file")
	flags.String("db", "", "durable tier DSN (SQLite path or PostgreSQL URL)")
	flags.String("dialect", "", "durable tier dialect (sqlite|postgres)")
	flags.String("redis", "", "Redis URL for the fast tier")
	flags.String("contracts", "", "directory of CUE intent contracts")
	bindFlag(opts.Viper, "durable.dsn", cmd, "db")
	bindFlag(opts.Viper, "durable.dialect", cmd, "dialect")
	bindFlag(opts.Viper, "fast_tier.redis_url", cmd, "redis")
	bindFlag(opts.Viper, "contracts.dir", cmd, "contracts")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewArtifactCommand(opts))
	cmd.AddCommand(NewLineageCommand(opts))
	cmd.AddCommand(NewTerminateCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewWALCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// bindFlag binds a persistent flag to a config key. Unset flags leave the
// file, environment and default values in charge.
func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, flag string) {
	_ = v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
