// Package scheduler drives the simulation one tick at a time.
//
// Each Step increments the tick before anything else runs, then visits every
// Phase in fixed order, running that phase's handlers in registration order,
// and finally fires the one-off events that have come due. An event scheduled
// with delay n at tick t therefore fires while tick t+n is being processed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agentworld.ai/internal/sim/clock"
)

const tracerName = "agentworld.ai/internal/sim/scheduler"

var (
	ErrUnknownPhase     = errors.New("unknown phase")
	ErrInvalidCadence   = errors.New("cadence must be positive")
	ErrInvalidDilation  = errors.New("time dilation must be positive")
	ErrNilHandler       = errors.New("nil handler")
	ErrEmptyName        = errors.New("empty handler name")
	ErrUnknownEvent     = errors.New("unknown event handler")
	ErrDuplicateEvent   = errors.New("event handler already registered")
	ErrAnonymousEvent   = errors.New("pending anonymous one-off events cannot be captured")
	ErrScheduleMismatch = errors.New("cadence registrations differ")
)

type HandlerFunc func(ctx context.Context, tick uint64)

// ScheduleEntry declares that a named behavior runs every Cadence ticks in Phase.
type ScheduleEntry struct {
	Name    string `json:"name"`
	Cadence uint64 `json:"cadence"`
	Phase   Phase  `json:"phase"`
}

// Observer receives wall-clock timings. It must not feed anything back into
// simulation state.
type Observer interface {
	ObserveHandler(tick uint64, name string, d time.Duration)
	ObservePhase(tick uint64, phase Phase, d time.Duration)
	ObserveTick(tick uint64)
}

type Config struct {
	TicksPerTurn  uint64
	TicksPerCycle uint64
}

type Option func(*Scheduler)

func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observer = o } }

func WithTracer(t trace.Tracer) Option { return func(s *Scheduler) { s.tracer = t } }

func WithLogger(l *log.Logger) Option { return func(s *Scheduler) { s.log = l } }

type handler struct {
	name    string
	cadence uint64
	fn      HandlerFunc
}

// Scheduler is single-threaded; call it only from the goroutine that owns the world.
type Scheduler struct {
	clock *clock.Clock

	phases   map[Phase][]handler
	cadences []ScheduleEntry

	queue   oneOffQueue
	nextSeq uint64
	events  map[string]HandlerFunc

	dilation map[string]float64

	observer Observer
	tracer   trace.Tracer
	log      *log.Logger
}

func New(cfg Config, opts ...Option) (*Scheduler, error) {
	c, err := clock.New(cfg.TicksPerTurn, cfg.TicksPerCycle)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		clock:    c,
		phases:   map[Phase][]handler{},
		events:   map[string]HandlerFunc{},
		dilation: map[string]float64{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	return s, nil
}

func (s *Scheduler) Clock() *clock.Clock { return s.clock }
func (s *Scheduler) CurrentTick() uint64 { return s.clock.Current() }

// RegisterHandler appends fn to phase; it runs every tick.
func (s *Scheduler) RegisterHandler(phase Phase, name string, fn HandlerFunc) error {
	return s.register(phase, name, 1, fn)
}

// RegisterCadence registers fn to run in entry.Phase on ticks divisible by
// entry.Cadence. The entry itself is recorded in snapshots; fn is not.
func (s *Scheduler) RegisterCadence(entry ScheduleEntry, fn HandlerFunc) error {
	if entry.Cadence == 0 {
		return fmt.Errorf("%s: %w", entry.Name, ErrInvalidCadence)
	}
	if err := s.register(entry.Phase, entry.Name, entry.Cadence, fn); err != nil {
		return err
	}
	s.cadences = append(s.cadences, entry)
	return nil
}

func (s *Scheduler) register(phase Phase, name string, cadence uint64, fn HandlerFunc) error {
	if !phase.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownPhase, int(phase))
	}
	if name == "" {
		return ErrEmptyName
	}
	if fn == nil {
		return fmt.Errorf("%s: %w", name, ErrNilHandler)
	}
	s.phases[phase] = append(s.phases[phase], handler{name: name, cadence: cadence, fn: fn})
	return nil
}

// Cadences returns the declarative registrations in registration order.
func (s *Scheduler) Cadences() []ScheduleEntry {
	out := make([]ScheduleEntry, len(s.cadences))
	copy(out, s.cadences)
	return out
}

func (s *Scheduler) HandlerCount(phase Phase) int { return len(s.phases[phase]) }

// ScheduleEvent fires fn once, delay ticks from now.
func (s *Scheduler) ScheduleEvent(delay uint64, fn HandlerFunc) error {
	if fn == nil {
		return ErrNilHandler
	}
	s.enqueue(&oneOff{target: s.clock.Current() + delay, fn: fn})
	return nil
}

// RegisterEventHandler makes name available to ScheduleNamedEvent. Named events
// are the only kind a snapshot can carry.
func (s *Scheduler) RegisterEventHandler(name string, fn HandlerFunc) error {
	if name == "" {
		return ErrEmptyName
	}
	if fn == nil {
		return fmt.Errorf("%s: %w", name, ErrNilHandler)
	}
	if _, ok := s.events[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateEvent)
	}
	s.events[name] = fn
	return nil
}

func (s *Scheduler) ScheduleNamedEvent(delay uint64, name string) error {
	if _, ok := s.events[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	s.enqueue(&oneOff{target: s.clock.Current() + delay, name: name})
	return nil
}

func (s *Scheduler) enqueue(e *oneOff) {
	e.seq = s.nextSeq
	s.nextSeq++
	s.queue.push(e)
}

// PendingEvents is the number of one-offs not yet fired.
func (s *Scheduler) PendingEvents() int { return s.queue.Len() }

// Step processes exactly one tick.
func (s *Scheduler) Step(ctx context.Context) {
	tick := s.clock.Advance()

	ctx, span := s.tracer.Start(ctx, "sim.tick", trace.WithAttributes(attribute.Int64("sim.tick", int64(tick))))
	defer span.End()

	for _, p := range ordered {
		s.runPhase(ctx, tick, p)
	}
	s.fireDue(ctx, tick)

	if s.observer != nil {
		s.observer.ObserveTick(tick)
	}
}

func (s *Scheduler) runPhase(ctx context.Context, tick uint64, p Phase) {
	hs := s.phases[p]
	if len(hs) == 0 {
		if s.observer != nil {
			s.observer.ObservePhase(tick, p, 0)
		}
		return
	}
	ctx, span := s.tracer.Start(ctx, "sim.phase."+p.String())
	defer span.End()

	var phaseStart time.Time
	if s.observer != nil {
		phaseStart = time.Now()
	}
	for _, h := range hs {
		if h.cadence > 1 && tick%h.cadence != 0 {
			continue
		}
		if s.observer == nil {
			h.fn(ctx, tick)
			continue
		}
		start := time.Now()
		h.fn(ctx, tick)
		s.observer.ObserveHandler(tick, h.name, time.Since(start))
	}
	if s.observer != nil {
		s.observer.ObservePhase(tick, p, time.Since(phaseStart))
	}
}

// fireDue drains every one-off whose target is at or before tick, including
// ones scheduled by handlers fired earlier in the same drain.
func (s *Scheduler) fireDue(ctx context.Context, tick uint64) {
	for {
		e, ok := s.queue.popDue(tick)
		if !ok {
			return
		}
		fn := e.fn
		if fn == nil {
			fn = s.events[e.name]
		}
		if fn == nil {
			if s.log != nil {
				s.log.Printf("tick %d: dropping one-off %q with no handler", tick, e.name)
			}
			continue
		}
		fn(ctx, tick)
	}
}

// Run advances exactly n ticks. The context is consulted only between ticks;
// a tick that has started always completes.
func (s *Scheduler) Run(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Step(ctx)
	}
	return nil
}

// SetTimeDilation stores a multiplier for collaborators to interpret. The
// scheduler itself never changes its cadence because of it.
func (s *Scheduler) SetTimeDilation(key string, value float64) error {
	if err := validDilation(value); err != nil {
		return fmt.Errorf("%q: %w", key, err)
	}
	s.dilation[key] = value
	return nil
}

func validDilation(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidDilation, v)
	}
	return nil
}

// TimeDilation returns 1.0 for keys never set.
func (s *Scheduler) TimeDilation(key string) float64 {
	if v, ok := s.dilation[key]; ok {
		return v
	}
	return 1.0
}

type Dilation struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

func (s *Scheduler) Dilations() []Dilation {
	out := make([]Dilation, 0, len(s.dilation))
	for k, v := range s.dilation {
		out = append(out, Dilation{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type PendingEvent struct {
	Name       string `json:"name"`
	TargetTick uint64 `json:"target_tick"`
	Seq        uint64 `json:"seq"`
}

// State is the serializable part of the scheduler. Handler closures are not
// part of it; the host re-registers them before restoring.
type State struct {
	Tick          uint64          `json:"tick"`
	TicksPerTurn  uint64          `json:"ticks_per_turn"`
	TicksPerCycle uint64          `json:"ticks_per_cycle"`
	Cadences      []ScheduleEntry `json:"cadences"`
	Dilations     []Dilation      `json:"dilations"`
	Pending       []PendingEvent  `json:"pending"`
	NextSeq       uint64          `json:"next_seq"`
}

// Inspect describes the scheduler including anonymous one-offs, which appear
// with an empty name. Use State for anything that will be restored.
func (s *Scheduler) Inspect() State {
	pending := make([]PendingEvent, 0, s.queue.Len())
	for _, e := range s.queue {
		pending = append(pending, PendingEvent{Name: e.name, TargetTick: e.target, Seq: e.seq})
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].TargetTick != pending[j].TargetTick {
			return pending[i].TargetTick < pending[j].TargetTick
		}
		return pending[i].Seq < pending[j].Seq
	})
	return State{
		Tick:          s.clock.Current(),
		TicksPerTurn:  s.clock.TicksPerTurn(),
		TicksPerCycle: s.clock.TicksPerCycle(),
		Cadences:      s.Cadences(),
		Dilations:     s.Dilations(),
		Pending:       pending,
		NextSeq:       s.nextSeq,
	}
}

// State fails with ErrAnonymousEvent while a closure-only one-off is pending.
func (s *Scheduler) State() (State, error) {
	st := s.Inspect()
	for _, p := range st.Pending {
		if p.Name == "" {
			return State{}, fmt.Errorf("one-off due at tick %d: %w", p.TargetTick, ErrAnonymousEvent)
		}
	}
	return st, nil
}

// Checkpoint captures tick, dilations and the one-off queue (closures
// included). Calling the returned func puts them back.
func (s *Scheduler) Checkpoint() (rollback func()) {
	tick := s.clock.Current()
	dil := make(map[string]float64, len(s.dilation))
	for k, v := range s.dilation {
		dil[k] = v
	}
	queue := append(oneOffQueue(nil), s.queue...)
	nextSeq := s.nextSeq
	return func() {
		s.clock.SetCurrent(tick)
		s.dilation = dil
		s.queue = queue
		s.nextSeq = nextSeq
	}
}

// Validate checks st against the live registrations without changing anything.
func (s *Scheduler) Validate(st State) error {
	if st.TicksPerTurn != s.clock.TicksPerTurn() || st.TicksPerCycle != s.clock.TicksPerCycle() {
		return fmt.Errorf("clock cadence mismatch: live turn=%d cycle=%d, state turn=%d cycle=%d",
			s.clock.TicksPerTurn(), s.clock.TicksPerCycle(), st.TicksPerTurn, st.TicksPerCycle)
	}
	if len(st.Cadences) != len(s.cadences) {
		return fmt.Errorf("%w: live has %d, state has %d", ErrScheduleMismatch, len(s.cadences), len(st.Cadences))
	}
	for i, e := range st.Cadences {
		if e != s.cadences[i] {
			return fmt.Errorf("%w at %d: live %+v, state %+v", ErrScheduleMismatch, i, s.cadences[i], e)
		}
	}
	for _, d := range st.Dilations {
		if err := validDilation(d.Value); err != nil {
			return fmt.Errorf("dilation %q: %w", d.Key, err)
		}
	}
	for _, p := range st.Pending {
		if _, ok := s.events[p.Name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEvent, p.Name)
		}
		if p.Seq >= st.NextSeq {
			return fmt.Errorf("pending event %q seq %d not below next_seq %d", p.Name, p.Seq, st.NextSeq)
		}
	}
	return nil
}

// Restore replaces tick, dilations and pending named events. It either
// succeeds completely or leaves the scheduler untouched.
func (s *Scheduler) Restore(st State) error {
	if err := s.Validate(st); err != nil {
		return err
	}
	s.clock.SetCurrent(st.Tick)
	s.dilation = make(map[string]float64, len(st.Dilations))
	for _, d := range st.Dilations {
		s.dilation[d.Key] = d.Value
	}
	s.queue = s.queue[:0]
	for _, p := range st.Pending {
		s.queue.push(&oneOff{target: p.TargetTick, seq: p.Seq, name: p.Name})
	}
	s.nextSeq = st.NextSeq
	return nil
}
