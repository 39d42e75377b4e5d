package world

import (
	"encoding/json"
	"fmt"
	"sort"

	"agentworld.ai/internal/persistence/snapshot"
	"agentworld.ai/internal/sim/canon"
	"agentworld.ai/internal/sim/eventbus"
	"agentworld.ai/internal/sim/rng"
	"agentworld.ai/internal/sim/scheduler"
)

// ExportSnapshot captures the world at the current tick. It fails while an
// anonymous one-off is pending, since its closure cannot be written down.
func (w *World) ExportSnapshot(scenarioID string) (snapshot.SnapshotV1, error) {
	if scenarioID == "" {
		scenarioID = w.cfg.ScenarioID
	}
	schedSt, err := w.sched.State()
	if err != nil {
		return snapshot.SnapshotV1{}, err
	}
	rngSt := w.rng.State()
	busSt := w.bus.State()
	collabs, err := w.collaboratorStates()
	if err != nil {
		return snapshot.SnapshotV1{}, err
	}
	sig, err := signatureOf(schedSt, rngSt, busSt, collabs)
	if err != nil {
		return snapshot.SnapshotV1{}, err
	}

	kernel, err := exportKernel(schedSt, rngSt, busSt, w.bus.Capacity())
	if err != nil {
		return snapshot.SnapshotV1{}, err
	}
	cs := make([]snapshot.CollaboratorV1, 0, len(collabs))
	for _, c := range collabs {
		cs = append(cs, snapshot.CollaboratorV1{Name: c.name, State: append([]byte(nil), c.state...)})
	}
	return snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:    snapshot.Version,
			ScenarioID: scenarioID,
			Tick:       schedSt.Tick,
			Seed:       rngSt.Seed,
			Signature:  sig,
		},
		Kernel:        kernel,
		Collaborators: cs,
	}, nil
}

func exportKernel(sched scheduler.State, r rng.State, bus eventbus.State, capacity int) (snapshot.KernelV1, error) {
	k := snapshot.KernelV1{
		TicksPerTurn:  sched.TicksPerTurn,
		TicksPerCycle: sched.TicksPerCycle,
		NextOneOffSeq: sched.NextSeq,
		RNG:           snapshot.RNGV1{Seed: r.Seed, Counters: r.Counters},
		MaxEvents:     capacity,
		NextEventSeq:  bus.NextSeq,
	}
	for _, c := range sched.Cadences {
		k.Cadences = append(k.Cadences, snapshot.CadenceV1{Name: c.Name, Cadence: c.Cadence, Phase: c.Phase.String()})
	}
	for _, d := range sched.Dilations {
		k.Dilations = append(k.Dilations, snapshot.DilationV1{Key: d.Key, Value: d.Value})
	}
	for _, p := range sched.Pending {
		k.Pending = append(k.Pending, snapshot.PendingV1{Name: p.Name, TargetTick: p.TargetTick, Seq: p.Seq})
	}
	for _, ev := range bus.Events {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return k, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		k.Events = append(k.Events, snapshot.EventV1{Kind: string(ev.Kind), Tick: ev.Tick, Seq: ev.Seq, Payload: raw})
	}
	k.Evicted = kindCounts(bus.Evicted)
	k.Rejected = kindCounts(bus.Rejected)
	return k, nil
}

func kindCounts(m map[eventbus.Kind]uint64) map[string]uint64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func importKernel(h snapshot.Header, k snapshot.KernelV1) (scheduler.State, rng.State, eventbus.State, error) {
	sched := scheduler.State{
		Tick:          h.Tick,
		TicksPerTurn:  k.TicksPerTurn,
		TicksPerCycle: k.TicksPerCycle,
		NextSeq:       k.NextOneOffSeq,
	}
	for _, c := range k.Cadences {
		p, err := scheduler.ParsePhase(c.Phase)
		if err != nil {
			return sched, rng.State{}, eventbus.State{}, fmt.Errorf("%w: cadence %q: %v", snapshot.ErrCorrupt, c.Name, err)
		}
		sched.Cadences = append(sched.Cadences, scheduler.ScheduleEntry{Name: c.Name, Cadence: c.Cadence, Phase: p})
	}
	for _, d := range k.Dilations {
		sched.Dilations = append(sched.Dilations, scheduler.Dilation{Key: d.Key, Value: d.Value})
	}
	for _, p := range k.Pending {
		sched.Pending = append(sched.Pending, scheduler.PendingEvent{Name: p.Name, TargetTick: p.TargetTick, Seq: p.Seq})
	}

	bus := eventbus.State{
		NextSeq:  k.NextEventSeq,
		Evicted:  map[eventbus.Kind]uint64{},
		Rejected: map[eventbus.Kind]uint64{},
	}
	for _, ev := range k.Events {
		var payload map[string]any
		if len(ev.Payload) > 0 {
			v, err := canon.Decode(ev.Payload)
			if err != nil {
				return sched, rng.State{}, bus, fmt.Errorf("%w: event %d payload: %v", snapshot.ErrCorrupt, ev.Seq, err)
			}
			m, ok := v.(map[string]any)
			if v != nil && !ok {
				return sched, rng.State{}, bus, fmt.Errorf("%w: event %d payload is not an object", snapshot.ErrCorrupt, ev.Seq)
			}
			payload = m
		}
		bus.Events = append(bus.Events, eventbus.Event{Kind: eventbus.Kind(ev.Kind), Tick: ev.Tick, Seq: ev.Seq, Payload: payload})
	}
	for kind, n := range k.Evicted {
		bus.Evicted[eventbus.Kind(kind)] = n
	}
	for kind, n := range k.Rejected {
		bus.Rejected[eventbus.Kind(kind)] = n
	}
	return sched, rng.State{Seed: k.RNG.Seed, Counters: k.RNG.Counters}, bus, nil
}

// ImportSnapshot replaces the world's state with s. The host must have
// registered the same cadences, named events and collaborators that the
// exporting world had. Either everything is replaced and the recorded
// signature reproduces, or nothing changes.
func (w *World) ImportSnapshot(s snapshot.SnapshotV1) error {
	if s.Header.Version != snapshot.Version {
		return fmt.Errorf("%w: %d", snapshot.ErrUnsupportedVersion, s.Header.Version)
	}
	if s.Header.Seed != w.rng.Seed() || s.Kernel.RNG.Seed != w.rng.Seed() {
		return fmt.Errorf("%w: cfg=%d snap=%d", ErrSeedMismatch, w.rng.Seed(), s.Kernel.RNG.Seed)
	}
	if s.Kernel.MaxEvents != w.bus.Capacity() {
		return fmt.Errorf("snapshot max_events mismatch: cfg=%d snap=%d", w.bus.Capacity(), s.Kernel.MaxEvents)
	}

	schedSt, rngSt, busSt, err := importKernel(s.Header, s.Kernel)
	if err != nil {
		return err
	}
	if err := w.sched.Validate(schedSt); err != nil {
		return err
	}
	if err := w.bus.Validate(busSt); err != nil {
		return err
	}
	if err := w.checkCollaborators(s.Collaborators); err != nil {
		return err
	}

	prevCollabs, err := w.collaboratorStates()
	if err != nil {
		return err
	}
	prevBus := w.bus.State()
	prevRNG := w.rng.State()
	rollbackSched := w.sched.Checkpoint()

	// touched counts collaborators handed new state, including one that failed
	// part way through UnmarshalState.
	touched := 0
	rollback := func() {
		for _, c := range prevCollabs[:touched] {
			if err := w.collabs[c.name].UnmarshalState(c.state); err != nil {
				w.log.Printf("rollback collaborator %s: %v", c.name, err)
			}
		}
		if err := w.bus.Restore(prevBus); err != nil {
			w.log.Printf("rollback event bus: %v", err)
		}
		w.rng.Restore(prevRNG)
		rollbackSched()
	}

	// Collaborators and prevCollabs are both sorted by name.
	for _, c := range s.Collaborators {
		touched++
		if err := w.collabs[c.Name].UnmarshalState(json.RawMessage(c.State)); err != nil {
			rollback()
			return fmt.Errorf("collaborator %s: unmarshal: %w", c.Name, err)
		}
	}
	if err := w.bus.Restore(busSt); err != nil {
		rollback()
		return err
	}
	w.rng.Restore(rngSt)
	if err := w.sched.Restore(schedSt); err != nil {
		rollback()
		return err
	}

	sig, err := w.Signature()
	if err != nil {
		rollback()
		return err
	}
	if sig != s.Header.Signature {
		rollback()
		return fmt.Errorf("%w: signature mismatch: recorded %s, restored %s", snapshot.ErrCorrupt, s.Header.Signature, sig)
	}
	w.log.Printf("restored scenario %s at tick %d", s.Header.ScenarioID, s.Header.Tick)
	return nil
}

func (w *World) checkCollaborators(cs []snapshot.CollaboratorV1) error {
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, c.Name)
	}
	if !sort.StringsAreSorted(names) {
		return fmt.Errorf("%w: collaborators not sorted by name", snapshot.ErrCorrupt)
	}
	live := w.Collaborators()
	if len(live) != len(names) {
		return fmt.Errorf("%w: live %v, snapshot %v", ErrCollaboratorMismatch, live, names)
	}
	for i := range live {
		if live[i] != names[i] {
			return fmt.Errorf("%w: live %v, snapshot %v", ErrCollaboratorMismatch, live, names)
		}
	}
	return nil
}
