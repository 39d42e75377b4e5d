package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTicks struct{ tick uint64 }

func (f *fakeTicks) CurrentTick() uint64 { return f.tick }

func newTestBus(t *testing.T, max int) (*Bus, *fakeTicks) {
	t.Helper()
	ticks := &fakeTicks{}
	b, err := New(Config{MaxEvents: max}, DefaultRegistry(), ticks)
	require.NoError(t, err)
	return b, ticks
}

func audit(subject string) map[string]any {
	return map[string]any{"subject": subject, "severity": "low", "finding": "ok"}
}

func TestPublish_StampsTickAndSequence(t *testing.T) {
	b, ticks := newTestBus(t, 10)
	ticks.tick = 4
	e1, err := b.Publish(KindAuditFinding, audit("a"))
	require.NoError(t, err)
	e2, err := b.Publish(KindAuditFinding, audit("b"))
	require.NoError(t, err)

	assert.Equal(t, uint64(4), e1.Tick)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, 2, b.Len())
}

func TestPublish_EvictsOldestAndCountsPerKind(t *testing.T) {
	b, ticks := newTestBus(t, 3)
	for i := 0; i < 5; i++ {
		ticks.tick = uint64(i)
		kind := KindAuditFinding
		payload := audit("s")
		if i < 2 {
			kind = KindReconciliation
			payload = map[string]any{"ledger": "grain", "status": "balanced"}
		}
		_, err := b.Publish(kind, payload)
		require.NoError(t, err)
	}

	all := b.All()
	require.Len(t, all, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{all[0].Seq, all[1].Seq, all[2].Seq})
	assert.Equal(t, map[Kind]uint64{KindReconciliation: 2}, b.Evictions())
}

func TestGetSince_ReturnsSequenceOrder(t *testing.T) {
	b, ticks := newTestBus(t, 10)
	for _, tick := range []uint64{1, 1, 2, 3, 3, 5} {
		ticks.tick = tick
		_, err := b.Publish(KindAuditFinding, audit("x"))
		require.NoError(t, err)
	}
	got := b.GetSince(3)
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.GreaterOrEqual(t, ev.Tick, uint64(3))
		if i > 0 {
			assert.Greater(t, ev.Seq, got[i-1].Seq)
		}
	}
	assert.Empty(t, b.GetSince(6))
	assert.Len(t, b.GetSince(0), 6)
}

func TestGetSince_AfterWrapAround(t *testing.T) {
	b, ticks := newTestBus(t, 4)
	for tick := uint64(1); tick <= 7; tick++ {
		ticks.tick = tick
		_, err := b.Publish(KindAuditFinding, audit("x"))
		require.NoError(t, err)
	}
	got := b.GetSince(5)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(5), got[0].Tick)
	assert.Equal(t, uint64(7), got[2].Tick)
}

func TestPublish_RejectsMissingFieldByName(t *testing.T) {
	b, _ := newTestBus(t, 10)
	_, err := b.Publish(KindAuditFinding, map[string]any{"subject": "x", "finding": "y"})

	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "severity", se.Field)
	assert.Equal(t, KindAuditFinding, se.Kind)
	assert.Equal(t, 0, b.Len(), "rejected payloads are not stored")
	assert.Equal(t, uint64(1), b.NextSeq(), "rejected payloads do not consume a sequence number")
	assert.Equal(t, map[Kind]uint64{KindAuditFinding: 1}, b.Rejections())
}

func TestPublish_RejectsWrongFieldType(t *testing.T) {
	b, _ := newTestBus(t, 10)
	_, err := b.Publish(KindReconciliation, map[string]any{"ledger": "grain", "status": "ok", "delta": "lots"})

	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "delta", se.Field)
}

func TestPublish_UnknownKind(t *testing.T) {
	b, _ := newTestBus(t, 10)
	_, err := b.Publish("nope", map[string]any{})
	require.ErrorIs(t, err, ErrUnknownKind)
	_, err = b.Publish("also.nope", nil)
	require.ErrorIs(t, err, ErrUnknownKind)

	assert.Equal(t, map[Kind]uint64{KindUnregistered: 2}, b.Rejections())
	assert.Equal(t, uint64(1), b.NextSeq())
}

func TestPayloadIsNormalized(t *testing.T) {
	b, _ := newTestBus(t, 10)
	ev, err := b.Publish(KindReconciliation, map[string]any{"ledger": "grain", "status": "ok", "delta": 3})
	require.NoError(t, err)
	assert.Equal(t, json.Number("3"), ev.Payload["delta"])
	n, ok := ev.Payload.GetInt("delta")
	require.True(t, ok)
	assert.Equal(t, int64(3), n)
	s, ok := ev.Payload.GetString("ledger")
	require.True(t, ok)
	assert.Equal(t, "grain", s)
}

func TestSubscribe(t *testing.T) {
	b, _ := newTestBus(t, 10)
	var audits, all []uint64
	b.Subscribe(KindAuditFinding, func(ev Event) { audits = append(audits, ev.Seq) })
	unsub := b.Subscribe("", func(ev Event) { all = append(all, ev.Seq) })

	_, err := b.Publish(KindAuditFinding, audit("a"))
	require.NoError(t, err)
	_, err = b.Publish(KindReconciliation, map[string]any{"ledger": "l", "status": "s"})
	require.NoError(t, err)
	unsub()
	_, err = b.Publish(KindAuditFinding, audit("b"))
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 3}, audits)
	assert.Equal(t, []uint64{1, 2}, all)
}

func TestSubscribe_UnsubscribeDuringDelivery(t *testing.T) {
	b, _ := newTestBus(t, 10)
	var first, second, third int
	var unsubSecond func()
	b.Subscribe("", func(Event) {
		first++
		unsubSecond()
	})
	unsubSecond = b.Subscribe("", func(Event) { second++ })
	b.Subscribe("", func(Event) { third++ })

	_, err := b.Publish(KindAuditFinding, audit("a"))
	require.NoError(t, err)
	_, err = b.Publish(KindAuditFinding, audit("b"))
	require.NoError(t, err)

	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, 2, third)
}

func TestStateRestore(t *testing.T) {
	a, ticks := newTestBus(t, 3)
	for i := 0; i < 5; i++ {
		ticks.tick = uint64(i + 1)
		_, err := a.Publish(KindAuditFinding, audit("x"))
		require.NoError(t, err)
	}
	_, _ = a.Publish(KindAuditFinding, map[string]any{})

	raw, err := json.Marshal(a.State())
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(raw, &st))

	b, bt := newTestBus(t, 3)
	require.NoError(t, b.Restore(st))
	assert.Equal(t, a.All(), b.All())
	assert.Equal(t, a.Evictions(), b.Evictions())
	assert.Equal(t, a.Rejections(), b.Rejections())

	ticks.tick, bt.tick = 9, 9
	ea, err := a.Publish(KindAuditFinding, audit("y"))
	require.NoError(t, err)
	eb, err := b.Publish(KindAuditFinding, audit("y"))
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
	assert.Equal(t, a.All(), b.All())
}

func TestRestore_InvalidLeavesBusUntouched(t *testing.T) {
	b, _ := newTestBus(t, 2)
	_, err := b.Publish(KindAuditFinding, audit("keep"))
	require.NoError(t, err)

	bad := State{NextSeq: 10, Events: []Event{
		{Kind: KindAuditFinding, Tick: 1, Seq: 5, Payload: Payload{}},
		{Kind: KindAuditFinding, Tick: 1, Seq: 4, Payload: Payload{}},
	}}
	require.ErrorIs(t, b.Restore(bad), ErrInvalidState)

	tooMany := State{NextSeq: 10, Events: make([]Event, 3)}
	require.ErrorIs(t, b.Restore(tooMany), ErrInvalidState)

	require.Len(t, b.All(), 1)
	assert.Equal(t, uint64(2), b.NextSeq())
}

func TestNew_RejectsNonPositiveCapacity(t *testing.T) {
	_, err := New(Config{MaxEvents: 0}, nil, &fakeTicks{})
	require.Error(t, err)
}

func TestRegistry_DuplicateKind(t *testing.T) {
	r := DefaultRegistry()
	err := r.Register(KindSpec{Kind: KindAuditFinding})
	require.ErrorIs(t, err, ErrDuplicateKind)
	require.ErrorIs(t, r.Register(KindSpec{Kind: KindUnregistered}), ErrDuplicateKind)
	assert.Equal(t, []Kind{KindAuditFinding, KindReconciliation}, r.Kinds())
}
