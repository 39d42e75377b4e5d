// Package scenario is a small host used by the CLI and end-to-end tests. It
// registers a memory collaborator and a few cadence handlers that draw from
// RNG streams and publish events. What the handlers compute is illustrative.
package scenario

import (
	"context"
	"fmt"

	"agentworld.ai/internal/sim/config"
	"agentworld.ai/internal/sim/eventbus"
	"agentworld.ai/internal/sim/memory"
	"agentworld.ai/internal/sim/rng"
	"agentworld.ai/internal/sim/scheduler"
	"agentworld.ai/internal/sim/world"
)

const (
	KindBeliefEvicted eventbus.Kind = "belief.evicted"

	BeliefCapacity = 16
	Agents         = 4
	AuditEvery     = 50
	FollowupDelay  = 10

	// DilationKey scales reconciliation deltas.
	DilationKey = "harbor"
)

type Host struct {
	World   *world.World
	Beliefs *memory.Store
}

// Registry is the default kernel registry plus the scenario's own kinds.
func Registry() *eventbus.Registry {
	r := eventbus.DefaultRegistry()
	r.MustRegister(eventbus.KindSpec{
		Kind:     KindBeliefEvicted,
		Required: []string{"id", "priority"},
		Properties: map[string]eventbus.FieldType{
			"id":       eventbus.TypeString,
			"priority": eventbus.TypeNumber,
		},
	})
	return r
}

// Build returns a fresh host at tick 0. Building twice with the same config
// yields hosts that stay identical tick for tick, and a built host can
// import any snapshot taken from another built host.
func Build(cfg config.Kernel, opts ...world.Option) (*Host, error) {
	opts = append([]world.Option{world.WithEventRegistry(Registry())}, opts...)
	w, err := world.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	beliefs, err := memory.New("beliefs", BeliefCapacity)
	if err != nil {
		return nil, err
	}
	if err := w.Register(beliefs); err != nil {
		return nil, err
	}
	h := &Host{World: w, Beliefs: beliefs}
	if err := h.register(cfg); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) register(cfg config.Kernel) error {
	s := h.World.Scheduler()
	if err := s.RegisterEventHandler("audit.followup", h.followup); err != nil {
		return err
	}
	entries := []struct {
		entry scheduler.ScheduleEntry
		fn    scheduler.HandlerFunc
	}{
		{scheduler.ScheduleEntry{Name: "perceive", Cadence: 1, Phase: scheduler.PhasePerception}, h.perceive},
		{scheduler.ScheduleEntry{Name: "reconcile", Cadence: cfg.TicksPerTurn, Phase: scheduler.PhaseAccounting}, h.reconcile},
		{scheduler.ScheduleEntry{Name: "audit", Cadence: AuditEvery, Phase: scheduler.PhaseCleanup}, h.audit},
	}
	for _, e := range entries {
		if err := s.RegisterCadence(e.entry, e.fn); err != nil {
			return fmt.Errorf("%s: %w", e.entry.Name, err)
		}
	}
	return nil
}

// publish panics on rejection: every payload here is built to its schema, so
// a rejection is a programming error.
func (h *Host) publish(kind eventbus.Kind, payload map[string]any) {
	if _, err := h.World.Bus().Publish(kind, payload); err != nil {
		panic(err)
	}
}

func (h *Host) perceive(_ context.Context, tick uint64) {
	r := h.World.RNG()
	for agent := 0; agent < Agents; agent++ {
		p, err := r.Float64("perception", rng.Scope{"agent": agent})
		if err != nil {
			panic(err)
		}
		id := fmt.Sprintf("a%d-t%d", agent, tick)
		evicted, err := h.Beliefs.Put(memory.Entry{ID: id, Priority: p, Value: "seen", Tick: tick})
		if err != nil {
			panic(err)
		}
		if evicted != nil {
			h.publish(KindBeliefEvicted, map[string]any{"id": evicted.ID, "priority": evicted.Priority})
		}
	}
}

func (h *Host) reconcile(_ context.Context, tick uint64) {
	r := h.World.RNG()
	raw, err := r.Intn("ledger", rng.Scope{"turn": tick / h.World.Config().TicksPerTurn}, 2001)
	if err != nil {
		panic(err)
	}
	delta := float64(raw-1000) * h.World.Scheduler().TimeDilation(DilationKey)
	status := "balanced"
	if delta != 0 {
		status = "adjusted"
	}
	h.publish(eventbus.KindReconciliation, map[string]any{"ledger": "harbor", "status": status, "delta": delta})
}

func (h *Host) audit(_ context.Context, tick uint64) {
	hit, err := h.World.RNG().Chance("audit", rng.Scope{"tick": tick}, 0.3)
	if err != nil {
		panic(err)
	}
	if hit {
		if err := h.World.Scheduler().ScheduleNamedEvent(FollowupDelay, "audit.followup"); err != nil {
			panic(err)
		}
	}
}

func (h *Host) followup(_ context.Context, tick uint64) {
	severity := "low"
	if h.Beliefs.Evicted() > uint64(BeliefCapacity) {
		severity = "high"
	}
	h.publish(eventbus.KindAuditFinding, map[string]any{
		"subject":  "beliefs",
		"severity": severity,
		"finding":  fmt.Sprintf("%d beliefs evicted by tick %d", h.Beliefs.Evicted(), tick),
	})
}
