package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"agentworld.ai/internal/sim/config"
	"agentworld.ai/internal/sim/eventbus"
	"agentworld.ai/internal/sim/rng"
	"agentworld.ai/internal/sim/scheduler"
)

var (
	ErrDuplicateCollaborator = errors.New("collaborator already registered")
	ErrCollaboratorMismatch  = errors.New("collaborator set mismatch")
	ErrSeedMismatch          = errors.New("snapshot seed mismatch")
)

// Collaborator is host-owned state that travels with kernel snapshots.
// MarshalState must be deterministic for identical state.
type Collaborator interface {
	Name() string
	MarshalState() (json.RawMessage, error)
	UnmarshalState(json.RawMessage) error
}

type options struct {
	log      *log.Logger
	observer scheduler.Observer
	tracer   trace.Tracer
	registry *eventbus.Registry
}

type Option func(*options)

func WithLogger(l *log.Logger) Option               { return func(o *options) { o.log = l } }
func WithObserver(obs scheduler.Observer) Option    { return func(o *options) { o.observer = obs } }
func WithTracer(t trace.Tracer) Option              { return func(o *options) { o.tracer = t } }
func WithEventRegistry(r *eventbus.Registry) Option { return func(o *options) { o.registry = r } }

// World wires the scheduler, event bus and RNG service for one scenario.
// Like its parts it is single-threaded: call it from one goroutine.
type World struct {
	cfg config.Kernel
	log *log.Logger

	sched *scheduler.Scheduler
	bus   *eventbus.Bus
	rng   *rng.Service

	collabs map[string]Collaborator
}

func New(cfg config.Kernel, opts ...Option) (*World, error) {
	if err := cfg.ValidateKernel(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = log.New(io.Discard, "", 0)
	}

	schedOpts := []scheduler.Option{scheduler.WithLogger(o.log)}
	if o.observer != nil {
		schedOpts = append(schedOpts, scheduler.WithObserver(o.observer))
	}
	if o.tracer != nil {
		schedOpts = append(schedOpts, scheduler.WithTracer(o.tracer))
	}
	sched, err := scheduler.New(scheduler.Config{TicksPerTurn: cfg.TicksPerTurn, TicksPerCycle: cfg.TicksPerCycle}, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	bus, err := eventbus.New(eventbus.Config{MaxEvents: cfg.EventBus.MaxEvents}, o.registry, sched)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(cfg.Dilations))
	for k := range cfg.Dilations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := sched.SetTimeDilation(k, cfg.Dilations[k]); err != nil {
			return nil, err
		}
	}

	return &World{
		cfg:     cfg,
		log:     o.log,
		sched:   sched,
		bus:     bus,
		rng:     rng.New(rng.Config{Seed: cfg.Seed, Audit: cfg.RNG.Audit}),
		collabs: map[string]Collaborator{},
	}, nil
}

func (w *World) Config() config.Kernel           { return w.cfg }
func (w *World) Scheduler() *scheduler.Scheduler { return w.sched }
func (w *World) Bus() *eventbus.Bus              { return w.bus }
func (w *World) RNG() *rng.Service               { return w.rng }
func (w *World) CurrentTick() uint64             { return w.sched.CurrentTick() }

func (w *World) Step(ctx context.Context) { w.sched.Step(ctx) }

func (w *World) Run(ctx context.Context, n int) error {
	return w.sched.Run(ctx, n)
}

// Register adds a collaborator. Names are unique.
func (w *World) Register(c Collaborator) error {
	name := c.Name()
	if name == "" {
		return errors.New("collaborator name is empty")
	}
	if _, ok := w.collabs[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateCollaborator, name)
	}
	w.collabs[name] = c
	return nil
}

// Collaborators returns registered names in sorted order.
func (w *World) Collaborators() []string {
	out := make([]string, 0, len(w.collabs))
	for k := range w.collabs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
