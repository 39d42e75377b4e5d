package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentworld.ai/internal/persistence/vault"
)

func NewVaultCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Inspect the seed vault",
	}
	cmd.AddCommand(newVaultListCommand(rootOpts))
	cmd.AddCommand(newVaultExportCommand(rootOpts))
	return cmd
}

func newVaultListCommand(rootOpts *RootOptions) *cobra.Command {
	var scenarioID string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List recorded seeds",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			v, err := vault.Open(vaultDir(cfg))
			if err != nil {
				return WrapExitError(ExitCommandError, "open vault", err)
			}
			defer v.Close()
			seeds, err := v.List(cmd.Context(), scenarioID)
			if err != nil {
				return WrapExitError(ExitCommandError, "list seeds", err)
			}
			return rootOpts.output(cmd).Emit(seeds, func(w io.Writer) {
				if len(seeds) == 0 {
					fmt.Fprintln(w, "No seeds recorded")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEED\tSCENARIO\tTICK\tRECORDED\tPATH")
				for _, s := range seeds {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.ScenarioID, s.Tick, s.RecordedAt.Format(time.RFC3339), s.SnapshotPath)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&scenarioID, "scenario", "", "only seeds of this scenario")
	return cmd
}

func newVaultExportCommand(rootOpts *RootOptions) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:           "export <seed-id>",
		Short:         "Copy a seed's snapshot and metadata out of the vault",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			v, err := vault.Open(vaultDir(cfg))
			if err != nil {
				return WrapExitError(ExitCommandError, "open vault", err)
			}
			defer v.Close()
			path, err := v.Export(cmd.Context(), args[0], dest)
			if err != nil {
				return WrapExitError(ExitCommandError, "export seed", err)
			}
			return rootOpts.output(cmd).Emit(map[string]string{"path": path}, func(w io.Writer) {
				fmt.Fprintln(w, path)
			})
		},
	}
	cmd.Flags().StringVar(&dest, "dest", ".", "destination directory")
	return cmd
}
