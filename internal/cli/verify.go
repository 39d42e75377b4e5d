package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"agentworld.ai/internal/sim/scenario"
	"agentworld.ai/internal/sim/world"
)

type VerifyOptions struct {
	*RootOptions
	Ticks int
	Extra int
}

func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that snapshot and restore preserve the future",
		Long: `Run to --ticks, snapshot, restore into a new world and run --extra more
ticks; compare against a world that ran straight through.

Exit codes:
  0 - signatures match
  1 - signatures differ
  2 - command error`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Ticks < 0 || opts.Extra < 0 {
				return NewExitError(ExitCommandError, "--ticks and --extra must not be negative")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			res, err := scenario.Verify(cmd.Context(), cfg, opts.Ticks, opts.Extra, world.WithLogger(opts.logger(cmd)))
			if err != nil {
				return WrapExitError(ExitFailure, "verify", err)
			}
			if err := opts.output(cmd).Emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "snapshot at tick %d, compared at tick %d\n", res.SnapshotTick, res.FinalTick)
				fmt.Fprintf(w, "resumed:  %s\n", res.Resumed)
				fmt.Fprintf(w, "straight: %s\n", res.Straight)
			}); err != nil {
				return err
			}
			if !res.Match() {
				return NewExitError(ExitFailure, "signatures differ")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Ticks, "ticks", 100, "tick to snapshot at")
	cmd.Flags().IntVar(&opts.Extra, "extra", 10, "ticks to run after restoring")
	return cmd
}
