package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"agentworld.ai/internal/persistence/snapshot"
	"agentworld.ai/internal/sim/scenario"
	"agentworld.ai/internal/sim/world"
)

type SignatureResult struct {
	Header   snapshot.Header `json:"header"`
	Verified bool            `json:"verified"`
}

func NewSignatureCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		path       string
		headerOnly bool
	)
	cmd := &cobra.Command{
		Use:   "signature",
		Short: "Print and check the signature recorded in a snapshot",
		Long: `Print the header of a snapshot file. Unless --header-only is set, the
snapshot is also restored into a freshly built scenario, which fails when the
restored state does not reproduce the recorded signature.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res SignatureResult
			if headerOnly {
				h, err := snapshot.ReadHeader(path)
				if err != nil {
					return WrapExitError(ExitCommandError, "read header", err)
				}
				res.Header = h
			} else {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				snap, err := snapshot.ReadSnapshot(path)
				if err != nil {
					return WrapExitError(ExitCommandError, "read snapshot", err)
				}
				res.Header = snap.Header
				host, err := scenario.Build(cfg, world.WithLogger(rootOpts.logger(cmd)))
				if err != nil {
					return WrapExitError(ExitCommandError, "build scenario", err)
				}
				if err := host.World.ImportSnapshot(snap); err != nil {
					return WrapExitError(ExitFailure, "verify snapshot", err)
				}
				res.Verified = true
			}
			return rootOpts.output(cmd).Emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "scenario:  %s\n", res.Header.ScenarioID)
				fmt.Fprintf(w, "tick:      %d\n", res.Header.Tick)
				fmt.Fprintf(w, "seed:      %d\n", res.Header.Seed)
				fmt.Fprintf(w, "signature: %s\n", res.Header.Signature)
				if res.Verified {
					fmt.Fprintln(w, "verified:  yes")
				}
			})
		},
	}
	cmd.Flags().StringVar(&path, "snapshot", "", "snapshot file (required)")
	_ = cmd.MarkFlagRequired("snapshot")
	cmd.Flags().BoolVar(&headerOnly, "header-only", false, "only decode the header line")
	return cmd
}
