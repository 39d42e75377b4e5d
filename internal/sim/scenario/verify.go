package scenario

import (
	"context"
	"fmt"

	"agentworld.ai/internal/sim/config"
	"agentworld.ai/internal/sim/world"
)

type VerifyResult struct {
	SnapshotTick uint64 `json:"snapshot_tick"`
	FinalTick    uint64 `json:"final_tick"`
	Resumed      string `json:"resumed_signature"`
	Straight     string `json:"straight_signature"`
}

func (r VerifyResult) Match() bool { return r.Resumed == r.Straight }

// Verify runs one host to at, snapshots it, restores the snapshot into a new
// host and advances it extra ticks. A third host runs at+extra ticks without
// interruption. Both final signatures are reported.
func Verify(ctx context.Context, cfg config.Kernel, at, extra int, opts ...world.Option) (VerifyResult, error) {
	var res VerifyResult
	src, err := Build(cfg, opts...)
	if err != nil {
		return res, err
	}
	if err := src.World.Run(ctx, at); err != nil {
		return res, err
	}
	snap, err := src.World.ExportSnapshot("")
	if err != nil {
		return res, fmt.Errorf("export: %w", err)
	}
	res.SnapshotTick = snap.Header.Tick

	resumed, err := Build(cfg, opts...)
	if err != nil {
		return res, err
	}
	if err := resumed.World.ImportSnapshot(snap); err != nil {
		return res, fmt.Errorf("import: %w", err)
	}
	if err := resumed.World.Run(ctx, extra); err != nil {
		return res, err
	}

	straight, err := Build(cfg, opts...)
	if err != nil {
		return res, err
	}
	if err := straight.World.Run(ctx, at+extra); err != nil {
		return res, err
	}

	res.FinalTick = resumed.World.CurrentTick()
	if res.Resumed, err = resumed.World.Signature(); err != nil {
		return res, err
	}
	if res.Straight, err = straight.World.Signature(); err != nil {
		return res, err
	}
	return res, nil
}
