package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"agentworld.ai/internal/persistence/snapshot"
	"agentworld.ai/internal/persistence/vault"
	"agentworld.ai/internal/sim/config"
)

type ResumeOptions struct {
	RunOptions
	FromSeed     string
	FromSnapshot string
	Latest       bool
}

func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResumeOptions{RunOptions: RunOptions{RootOptions: rootOpts}}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a world from a vault seed or snapshot file",
		Long: `Restore a saved world into a freshly built scenario and keep running it.

Exactly one source is required: --seed, --snapshot or --latest.

Examples:
  kernel resume --seed harbor-5k --ticks 1000
  kernel resume --snapshot data/harbor/snapshots/4000.snap.zst --ticks 10
  kernel resume --latest --ticks 500 --save`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			snap, err := opts.source(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return runSession(cmd, &opts.RunOptions, cfg, &snap)
		},
	}
	addRunFlags(cmd, &opts.RunOptions)
	cmd.Flags().StringVar(&opts.FromSeed, "seed", "", "vault seed id to resume")
	cmd.Flags().StringVar(&opts.FromSnapshot, "snapshot", "", "snapshot file to resume")
	cmd.Flags().BoolVar(&opts.Latest, "latest", false, "resume the newest periodic snapshot of the scenario")
	return cmd
}

func (o *ResumeOptions) source(ctx context.Context, cfg config.Kernel) (snapshot.SnapshotV1, error) {
	n := 0
	for _, set := range []bool{o.FromSeed != "", o.FromSnapshot != "", o.Latest} {
		if set {
			n++
		}
	}
	if n != 1 {
		return snapshot.SnapshotV1{}, NewExitError(ExitCommandError, "exactly one of --seed, --snapshot or --latest is required")
	}

	switch {
	case o.FromSeed != "":
		v, err := vault.Open(vaultDir(cfg))
		if err != nil {
			return snapshot.SnapshotV1{}, WrapExitError(ExitCommandError, "open vault", err)
		}
		defer v.Close()
		snap, _, err := v.Load(ctx, o.FromSeed)
		if err != nil {
			return snap, WrapExitError(ExitCommandError, "load seed", err)
		}
		return snap, nil
	case o.Latest:
		dir := filepath.Join(cfg.Snapshot.Dir, cfg.ScenarioID, "snapshots")
		path := snapshot.Latest(dir)
		if path == "" {
			return snapshot.SnapshotV1{}, NewExitError(ExitCommandError, fmt.Sprintf("no snapshots in %s", dir))
		}
		o.FromSnapshot = path
	}
	snap, err := snapshot.ReadSnapshot(o.FromSnapshot)
	if err != nil {
		return snap, WrapExitError(ExitCommandError, "read snapshot", err)
	}
	return snap, nil
}
