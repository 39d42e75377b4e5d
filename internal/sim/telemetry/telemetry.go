package telemetry

import (
	"io"
	"log"
	"time"

	"agentworld.ai/internal/sim/eventbus"
	"agentworld.ai/internal/sim/scheduler"
)

// Frame is one tick's worth of observability data. Latencies are wall clock
// and never flow back into simulation state.
type Frame struct {
	Tick             uint64             `json:"tick"`
	PhaseLatencyMS   map[string]float64 `json:"phase_latency_ms"`
	HandlerLatencyMS map[string]float64 `json:"handler_latency_ms"`
	QueueDepths      map[string]int     `json:"queue_depths"`
	// Cumulative per-kind counters as reported by the event bus.
	ExpiredEvents map[string]uint64 `json:"expired_events"`
	DroppedEvents map[string]uint64 `json:"dropped_events"`
}

type Sink interface {
	WriteFrame(Frame) error
}

// BusCounters is the slice of the event bus the collector reads.
type BusCounters interface {
	Len() int
	Evictions() map[eventbus.Kind]uint64
	Rejections() map[eventbus.Kind]uint64
}

type QueueSource interface {
	PendingEvents() int
}

// Collector turns scheduler observations into frames and fans them out to
// sinks. It is driven from the simulation goroutine.
type Collector struct {
	log   *log.Logger
	bus   BusCounters
	queue QueueSource
	sinks []Sink

	cur  Frame
	last Frame
}

var _ scheduler.Observer = (*Collector)(nil)

func NewCollector(logger *log.Logger, sinks ...Sink) *Collector {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := &Collector{log: logger, sinks: sinks}
	c.reset()
	return c
}

// Bind attaches the counters read at the end of each tick. It is separate
// from construction because the collector has to exist before the world.
func (c *Collector) Bind(bus BusCounters, queue QueueSource) {
	c.bus = bus
	c.queue = queue
}

func (c *Collector) AddSink(s Sink) { c.sinks = append(c.sinks, s) }

func (c *Collector) reset() {
	c.cur = Frame{
		PhaseLatencyMS:   map[string]float64{},
		HandlerLatencyMS: map[string]float64{},
		QueueDepths:      map[string]int{},
		ExpiredEvents:    map[string]uint64{},
		DroppedEvents:    map[string]uint64{},
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func (c *Collector) ObserveHandler(_ uint64, name string, d time.Duration) {
	c.cur.HandlerLatencyMS[name] += ms(d)
}

func (c *Collector) ObservePhase(_ uint64, p scheduler.Phase, d time.Duration) {
	c.cur.PhaseLatencyMS[p.String()] = ms(d)
}

func (c *Collector) ObserveTick(tick uint64) {
	c.cur.Tick = tick
	if c.bus != nil {
		c.cur.QueueDepths["events"] = c.bus.Len()
		for k, v := range c.bus.Evictions() {
			c.cur.ExpiredEvents[string(k)] = v
		}
		for k, v := range c.bus.Rejections() {
			c.cur.DroppedEvents[string(k)] = v
		}
	}
	if c.queue != nil {
		c.cur.QueueDepths["oneoff"] = c.queue.PendingEvents()
	}
	for _, s := range c.sinks {
		if err := s.WriteFrame(c.cur); err != nil {
			c.log.Printf("tick %d: sink: %v", tick, err)
		}
	}
	c.last = c.cur
	c.reset()
}

// Last is the most recently completed frame.
func (c *Collector) Last() Frame { return c.last }
