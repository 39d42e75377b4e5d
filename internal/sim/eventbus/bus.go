// Package eventbus is a bounded, time-ordered log of typed events.
//
// Events are totally ordered by sequence number. When the log is full the
// oldest event is evicted; survivors are never reordered. Eviction is counted
// per kind and is not an error.
package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"agentworld.ai/internal/sim/canon"
)

var ErrInvalidState = errors.New("invalid event bus state")

type TickSource interface {
	CurrentTick() uint64
}

type Config struct {
	MaxEvents int
}

type Event struct {
	Kind    Kind    `json:"kind"`
	Tick    uint64  `json:"tick"`
	Seq     uint64  `json:"seq"`
	Payload Payload `json:"payload"`
}

type subscription struct {
	id   uint64
	kind Kind
	fn   func(Event)
}

// Bus is single-threaded like the rest of the kernel.
type Bus struct {
	reg   *Registry
	ticks TickSource

	ring  []Event
	head  int
	count int

	nextSeq  uint64
	evicted  map[Kind]uint64
	rejected map[Kind]uint64

	subs    []subscription
	nextSub uint64
}

func New(cfg Config, reg *Registry, ticks TickSource) (*Bus, error) {
	if cfg.MaxEvents <= 0 {
		return nil, fmt.Errorf("event bus: max_events must be positive, got %d", cfg.MaxEvents)
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	if ticks == nil {
		return nil, errors.New("event bus: nil tick source")
	}
	return &Bus{
		reg:      reg,
		ticks:    ticks,
		ring:     make([]Event, cfg.MaxEvents),
		nextSeq:  1,
		evicted:  map[Kind]uint64{},
		rejected: map[Kind]uint64{},
	}, nil
}

func (b *Bus) Registry() *Registry { return b.reg }
func (b *Bus) Capacity() int       { return len(b.ring) }
func (b *Bus) Len() int            { return b.count }
func (b *Bus) NextSeq() uint64     { return b.nextSeq }

// Publish validates payload against kind's schema, stamps it with the current
// tick and the next sequence number, and appends it. A rejected payload is
// not stored at all.
func (b *Bus) Publish(kind Kind, payload map[string]any) (Event, error) {
	if _, ok := b.reg.Lookup(kind); !ok {
		b.rejected[KindUnregistered]++
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	norm, err := normalizePayload(payload)
	if err != nil {
		b.rejected[kind]++
		return Event{}, &SchemaError{Kind: kind, Reason: err.Error()}
	}
	if err := b.reg.validate(kind, norm); err != nil {
		b.rejected[kind]++
		return Event{}, err
	}

	ev := Event{Kind: kind, Tick: b.ticks.CurrentTick(), Seq: b.nextSeq, Payload: norm}
	b.nextSeq++
	b.append(ev)

	// Subscribers may unsubscribe during delivery; iterate over a copy.
	subs := append([]subscription(nil), b.subs...)
	for _, s := range subs {
		if !b.subscribed(s.id) {
			continue
		}
		if s.kind == "" || s.kind == kind {
			s.fn(ev)
		}
	}
	return ev, nil
}

func (b *Bus) append(ev Event) {
	if b.count == len(b.ring) {
		old := b.ring[b.head]
		b.evicted[old.Kind]++
		b.ring[b.head] = ev
		b.head = (b.head + 1) % len(b.ring)
		return
	}
	b.ring[(b.head+b.count)%len(b.ring)] = ev
	b.count++
}

func (b *Bus) at(i int) Event { return b.ring[(b.head+i)%len(b.ring)] }

// GetSince returns retained events with Tick >= tick in sequence order.
func (b *Bus) GetSince(tick uint64) []Event {
	// Ticks are non-decreasing along the log, so the first match bounds the rest.
	first := sort.Search(b.count, func(i int) bool { return b.at(i).Tick >= tick })
	out := make([]Event, 0, b.count-first)
	for i := first; i < b.count; i++ {
		out = append(out, b.at(i))
	}
	return out
}

// All returns every retained event in sequence order.
func (b *Bus) All() []Event { return b.GetSince(0) }

// Subscribe registers fn for events of kind, or all kinds when kind is empty.
// Delivery is synchronous, after the event is stored. Subscribers must treat
// the payload as read-only.
func (b *Bus) Subscribe(kind Kind, fn func(Event)) (unsubscribe func()) {
	b.nextSub++
	id := b.nextSub
	b.subs = append(b.subs, subscription{id: id, kind: kind, fn: fn})
	return func() {
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) subscribed(id uint64) bool {
	for _, s := range b.subs {
		if s.id == id {
			return true
		}
	}
	return false
}

// Evictions counts events dropped for capacity, per kind.
func (b *Bus) Evictions() map[Kind]uint64 { return copyCounts(b.evicted) }

// Rejections counts publishes refused by validation, per kind.
func (b *Bus) Rejections() map[Kind]uint64 { return copyCounts(b.rejected) }

func copyCounts(m map[Kind]uint64) map[Kind]uint64 {
	out := make(map[Kind]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// State is the full serializable content of the bus.
type State struct {
	Events   []Event         `json:"events"`
	NextSeq  uint64          `json:"next_seq"`
	Evicted  map[Kind]uint64 `json:"evicted"`
	Rejected map[Kind]uint64 `json:"rejected"`
}

func (b *Bus) State() State {
	return State{
		Events:   b.All(),
		NextSeq:  b.nextSeq,
		Evicted:  b.Evictions(),
		Rejected: b.Rejections(),
	}
}

// Validate checks st without changing the bus.
func (b *Bus) Validate(st State) error {
	if len(st.Events) > len(b.ring) {
		return fmt.Errorf("%w: %d events exceed capacity %d", ErrInvalidState, len(st.Events), len(b.ring))
	}
	if st.NextSeq == 0 {
		return fmt.Errorf("%w: next_seq is zero", ErrInvalidState)
	}
	var prevSeq, prevTick uint64
	for i, ev := range st.Events {
		if _, ok := b.reg.Lookup(ev.Kind); !ok {
			return fmt.Errorf("%w: event %d: %w: %s", ErrInvalidState, ev.Seq, ErrUnknownKind, ev.Kind)
		}
		if i > 0 && (ev.Seq <= prevSeq || ev.Tick < prevTick) {
			return fmt.Errorf("%w: event %d out of order", ErrInvalidState, ev.Seq)
		}
		if ev.Seq >= st.NextSeq {
			return fmt.Errorf("%w: event seq %d not below next_seq %d", ErrInvalidState, ev.Seq, st.NextSeq)
		}
		prevSeq, prevTick = ev.Seq, ev.Tick
	}
	return nil
}

// Restore replaces the log. Subscriptions are kept. On error nothing changes.
func (b *Bus) Restore(st State) error {
	if err := b.Validate(st); err != nil {
		return err
	}
	events := make([]Event, len(st.Events))
	for i, ev := range st.Events {
		norm, err := normalizePayload(ev.Payload)
		if err != nil {
			return fmt.Errorf("%w: event %d payload: %v", ErrInvalidState, ev.Seq, err)
		}
		ev.Payload = norm
		events[i] = ev
	}

	ring := make([]Event, len(b.ring))
	copy(ring, events)
	b.ring = ring
	b.head = 0
	b.count = len(events)
	b.nextSeq = st.NextSeq
	b.evicted = copyCounts(st.Evicted)
	b.rejected = copyCounts(st.Rejected)
	return nil
}

func normalizePayload(p map[string]any) (Payload, error) {
	if p == nil {
		return Payload{}, nil
	}
	n, err := canon.Normalize(p)
	if err != nil {
		return nil, err
	}
	m, ok := n.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload is %T, want object", n)
	}
	return Payload(m), nil
}

// Payload holds JSON-normalized values: strings, bools, json.Number, nested
// maps and slices. Live and restored payloads therefore look identical to
// handlers.
type Payload map[string]any

func (p Payload) GetString(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

func (p Payload) GetInt(key string) (int64, bool) {
	n, ok := p[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Int64()
	return v, err == nil
}

func (p Payload) GetFloat(key string) (float64, bool) {
	n, ok := p[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Float64()
	return v, err == nil
}

func (p Payload) GetBool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}
