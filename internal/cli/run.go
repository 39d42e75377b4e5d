package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	persistlog "agentworld.ai/internal/persistence/log"
	"agentworld.ai/internal/persistence/snapshot"
	"agentworld.ai/internal/persistence/vault"
	"agentworld.ai/internal/sim/config"
	"agentworld.ai/internal/sim/rng"
	"agentworld.ai/internal/sim/scenario"
	"agentworld.ai/internal/sim/telemetry"
	"agentworld.ai/internal/sim/world"
	telemetryws "agentworld.ai/internal/transport/telemetry"
)

// RunOptions holds flags shared by run and resume.
type RunOptions struct {
	*RootOptions
	Ticks           int
	Save            bool
	SeedID          string
	SnapshotEvery   uint64
	TelemetryListen string
}

// RunResult is what run and resume report.
type RunResult struct {
	ScenarioID    string            `json:"scenario_id"`
	StartTick     uint64            `json:"start_tick"`
	Tick          uint64            `json:"tick"`
	Signature     string            `json:"signature"`
	Events        int               `json:"events_retained"`
	Audit         []rng.StreamCount `json:"rng_audit,omitempty"`
	Seed          *vault.Seed       `json:"seed,omitempty"`
	Snapshots     []string          `json:"snapshots,omitempty"`
	Last          *telemetry.Frame  `json:"last_frame,omitempty"`
	StreamDropped *uint64           `json:"stream_dropped,omitempty"`
}

func addRunFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().IntVar(&opts.Ticks, "ticks", 0, "ticks to simulate (required)")
	_ = cmd.MarkFlagRequired("ticks")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "store the final state in the seed vault")
	cmd.Flags().StringVar(&opts.SeedID, "seed-id", "", "vault id for --save (random when empty)")
	cmd.Flags().Uint64Var(&opts.SnapshotEvery, "snapshot-every", 0, "write a snapshot every N ticks (overrides snapshot.every_ticks)")
	cmd.Flags().StringVar(&opts.TelemetryListen, "telemetry-listen", "", "serve telemetry on this loopback address (overrides telemetry.listen)")
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a fresh world for a number of ticks",
		Long: `Build the scenario from config, run it, and optionally store the result.

Examples:
  kernel run --ticks 1000
  kernel run -c kernel.yaml --ticks 5000 --save --seed-id harbor-5k
  kernel run --ticks 100000 --telemetry-listen 127.0.0.1:9100`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return runSession(cmd, opts, cfg, nil)
		},
	}
	addRunFlags(cmd, opts)
	return cmd
}

// session wires the optional telemetry sinks around a scenario host.
type session struct {
	log       *log.Logger
	collector *telemetry.Collector
	closers   []func() error
	server    *http.Server
	stream    *telemetryws.Server
}

func openSession(cfg config.Kernel, opts *RunOptions, logger *log.Logger) (*session, error) {
	s := &session{log: logger, collector: telemetry.NewCollector(logger)}
	if cfg.Telemetry.LogDir != "" {
		fl := persistlog.NewFrameLogger(cfg.Telemetry.LogDir)
		s.collector.AddSink(fl)
		s.closers = append(s.closers, fl.Close)
	}
	listen := cfg.Telemetry.Listen
	if opts.TelemetryListen != "" {
		listen = opts.TelemetryListen
	}
	if listen != "" {
		if err := requireLoopback(listen); err != nil {
			return nil, err
		}
		srv := telemetryws.NewServer(logger)
		s.collector.AddSink(srv)
		s.stream = srv
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return nil, err
		}
		s.server = &http.Server{Handler: srv.Mux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("telemetry server: %v", err)
			}
		}()
		logger.Printf("telemetry on ws://%s/telemetry", ln.Addr())
	}
	return s, nil
}

func (s *session) Close() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.server.Shutdown(ctx)
		cancel()
	}
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.log.Printf("close: %v", err)
		}
	}
}

func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "telemetry listen address", err)
	}
	ip := net.ParseIP(host)
	if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return NewExitError(ExitCommandError, fmt.Sprintf("telemetry listen address %q is not loopback", addr))
	}
	return nil
}

// runSession builds a host, applies snap when given, runs the requested ticks
// and reports. An interrupt stops between ticks and still reports and saves.
func runSession(cmd *cobra.Command, opts *RunOptions, cfg config.Kernel, snap *snapshot.SnapshotV1) error {
	if opts.Ticks < 0 {
		return NewExitError(ExitCommandError, "--ticks must not be negative")
	}
	logger := opts.logger(cmd)
	out := opts.output(cmd)

	sess, err := openSession(cfg, opts, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	host, err := scenario.Build(cfg, world.WithLogger(logger), world.WithObserver(sess.collector))
	if err != nil {
		return WrapExitError(ExitCommandError, "build scenario", err)
	}
	sess.collector.Bind(host.World.Bus(), host.World.Scheduler())
	if snap != nil {
		if err := host.World.ImportSnapshot(*snap); err != nil {
			return WrapExitError(ExitFailure, "import snapshot", err)
		}
	}

	res := RunResult{ScenarioID: cfg.ScenarioID, StartTick: host.World.CurrentTick()}
	every := cfg.Snapshot.EveryTicks
	if opts.SnapshotEvery > 0 {
		every = opts.SnapshotEvery
	}
	codec, err := snapshot.ParseCodec(cfg.Snapshot.Compression)
	if err != nil {
		return WrapExitError(ExitCommandError, "snapshot codec", err)
	}
	snapDir := filepath.Join(cfg.Snapshot.Dir, cfg.ScenarioID, "snapshots")

	runErr := advance(cmd.Context(), host.World, opts.Ticks, every, func(tick uint64) error {
		path := filepath.Join(snapDir, snapshot.FileName(tick, codec))
		if err := saveSnapshot(host.World, path); err != nil {
			return err
		}
		res.Snapshots = append(res.Snapshots, path)
		logger.Printf("snapshot %s", path)
		return nil
	})
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return WrapExitError(ExitFailure, "run", runErr)
	}
	if runErr != nil {
		logger.Printf("interrupted at tick %d", host.World.CurrentTick())
	}

	res.Tick = host.World.CurrentTick()
	if res.Signature, err = host.World.Signature(); err != nil {
		return WrapExitError(ExitFailure, "signature", err)
	}
	res.Events = host.World.Bus().Len()
	res.Audit = host.World.RNG().AuditSummary()
	if res.Tick > res.StartTick {
		last := sess.collector.Last()
		res.Last = &last
	}

	if sess.stream != nil {
		dropped := sess.stream.Dropped()
		res.StreamDropped = &dropped
		logger.Printf("telemetry stream: %d clients, %d frames dropped", sess.stream.Clients(), dropped)
	}

	if opts.Save {
		seed, err := storeSeed(cmd.Context(), cfg, host.World, opts.SeedID, codec)
		if err != nil {
			return err
		}
		res.Seed = &seed
	}

	return out.Emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "scenario:  %s\n", res.ScenarioID)
		fmt.Fprintf(w, "ticks:     %d -> %d\n", res.StartTick, res.Tick)
		fmt.Fprintf(w, "signature: %s\n", res.Signature)
		fmt.Fprintf(w, "events:    %d retained\n", res.Events)
		for _, a := range res.Audit {
			fmt.Fprintf(w, "rng:       %-12s %d\n", a.Stream, a.Draws)
		}
		for _, p := range res.Snapshots {
			fmt.Fprintf(w, "snapshot:  %s\n", p)
		}
		if res.StreamDropped != nil {
			fmt.Fprintf(w, "stream:    %d frames dropped\n", *res.StreamDropped)
		}
		if res.Seed != nil {
			fmt.Fprintf(w, "saved:     %s (%s)\n", res.Seed.ID, res.Seed.SnapshotPath)
		}
	})
}

// advance runs n ticks, calling save whenever the tick lands on a multiple of
// every. ctx is checked between ticks only.
func advance(ctx context.Context, w *world.World, n int, every uint64, save func(tick uint64) error) error {
	for n > 0 {
		step := n
		if every > 0 {
			toNext := int(every - w.CurrentTick()%every)
			if toNext < step {
				step = toNext
			}
		}
		if err := w.Run(ctx, step); err != nil {
			return err
		}
		n -= step
		if every > 0 && w.CurrentTick()%every == 0 {
			if err := save(w.CurrentTick()); err != nil {
				return err
			}
		}
	}
	return nil
}

func saveSnapshot(w *world.World, path string) error {
	snap, err := w.ExportSnapshot("")
	if err != nil {
		return err
	}
	return snapshot.WriteSnapshot(path, snap)
}

func vaultDir(cfg config.Kernel) string { return filepath.Join(cfg.Snapshot.Dir, "vault") }

func storeSeed(ctx context.Context, cfg config.Kernel, w *world.World, id string, codec snapshot.Codec) (vault.Seed, error) {
	v, err := vault.Open(vaultDir(cfg))
	if err != nil {
		return vault.Seed{}, WrapExitError(ExitCommandError, "open vault", err)
	}
	defer v.Close()
	snap, err := w.ExportSnapshot("")
	if err != nil {
		return vault.Seed{}, WrapExitError(ExitFailure, "export snapshot", err)
	}
	seed, err := v.Store(ctx, id, snap, codec)
	if err != nil {
		return vault.Seed{}, WrapExitError(ExitFailure, "store seed", err)
	}
	return seed, nil
}
