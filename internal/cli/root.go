package cli

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"agentworld.ai/internal/observability/tracing"
	"agentworld.ai/internal/sim/config"
)

const serviceName = "agentworld-kernel"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "text" | "json"

	shutdownTracing func(context.Context) error
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Deterministic simulation kernel",
		Long:  "Runs, resumes and verifies deterministic simulation worlds and manages the seed vault.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			var tc tracing.Config
			if err := env.Parse(&tc); err != nil {
				return WrapExitError(ExitCommandError, "parse env", err)
			}
			shutdown, err := tracing.Setup(cmd.Context(), serviceName, tc)
			if err != nil {
				return WrapExitError(ExitCommandError, "tracing setup", err)
			}
			opts.shutdownTracing = shutdown
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.shutdownTracing == nil {
				return nil
			}
			return opts.shutdownTracing(context.Background())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to kernel.yaml (defaults plus AGENTWORLD_* env when empty)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log kernel activity to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewVaultCommand(opts))
	cmd.AddCommand(NewSignatureCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) loadConfig() (config.Kernel, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

func (o *RootOptions) logger(cmd *cobra.Command) *log.Logger {
	if !o.Verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(cmd.ErrOrStderr(), "[kernel] ", log.LstdFlags|log.Lmicroseconds)
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
