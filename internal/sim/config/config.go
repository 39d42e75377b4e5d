package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"agentworld.ai/internal/sim/timebase"
)

// Kernel is the explicit configuration handed to every kernel constructor.
// There is no process-wide copy of it.
type Kernel struct {
	ScenarioID string `yaml:"scenario_id" env:"AGENTWORLD_SCENARIO_ID"`
	Seed       int64  `yaml:"seed" env:"AGENTWORLD_SEED"`

	TicksPerTurn  uint64        `yaml:"ticks_per_turn" env:"AGENTWORLD_TICKS_PER_TURN"`
	TicksPerCycle uint64        `yaml:"ticks_per_cycle" env:"AGENTWORLD_TICKS_PER_CYCLE"`
	Cycle         timebase.Span `yaml:"cycle,omitempty"`

	EventBus  EventBus           `yaml:"event_bus"`
	RNG       RNG                `yaml:"rng"`
	Snapshot  Snapshot           `yaml:"snapshot"`
	Telemetry Telemetry          `yaml:"telemetry"`
	Dilations map[string]float64 `yaml:"dilations,omitempty"`
}

type EventBus struct {
	MaxEvents int `yaml:"max_events" env:"AGENTWORLD_MAX_EVENTS"`
}

type RNG struct {
	Audit bool `yaml:"audit" env:"AGENTWORLD_RNG_AUDIT"`
}

type Snapshot struct {
	Dir         string `yaml:"dir" env:"AGENTWORLD_SNAPSHOT_DIR"`
	Compression string `yaml:"compression" env:"AGENTWORLD_SNAPSHOT_COMPRESSION"`
	EveryTicks  uint64 `yaml:"every_ticks" env:"AGENTWORLD_SNAPSHOT_EVERY_TICKS"`
}

type Telemetry struct {
	LogDir string `yaml:"log_dir" env:"AGENTWORLD_TELEMETRY_LOG_DIR"`
	Listen string `yaml:"listen" env:"AGENTWORLD_TELEMETRY_LISTEN"`
}

const (
	CompressionZstd   = "zstd"
	CompressionBrotli = "brotli"
)

func Defaults() Kernel {
	return Kernel{
		ScenarioID:    "default",
		Seed:          1337,
		TicksPerTurn:  200,
		TicksPerCycle: timebase.TicksPerDay,
		EventBus:      EventBus{MaxEvents: 4096},
		Snapshot:      Snapshot{Dir: "./data", Compression: CompressionZstd},
	}
}

// Load reads path (if non-empty) over the defaults, then applies AGENTWORLD_*
// environment overrides, then validates.
func Load(path string) (Kernel, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("kernel.yaml: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("kernel.yaml: %w", err)
	}
	return cfg, nil
}

// Normalize resolves derived fields. A non-zero Cycle span overrides
// TicksPerCycle.
func (c *Kernel) Normalize() error {
	c.ScenarioID = strings.TrimSpace(c.ScenarioID)
	c.Snapshot.Compression = strings.ToLower(strings.TrimSpace(c.Snapshot.Compression))
	if c.Snapshot.Compression == "" {
		c.Snapshot.Compression = CompressionZstd
	}
	if !c.Cycle.IsZero() {
		n, err := c.Cycle.Ticks()
		if err != nil {
			return fmt.Errorf("cycle: %w", err)
		}
		c.TicksPerCycle = uint64(n)
	}
	return nil
}

var ErrInvalid = errors.New("invalid kernel config")

// Validate fails on the first bad value. Nothing is clamped or defaulted here.
func (c Kernel) Validate() error {
	if c.ScenarioID == "" {
		return fmt.Errorf("%w: scenario_id is required", ErrInvalid)
	}
	if err := c.ValidateKernel(); err != nil {
		return err
	}
	switch c.Snapshot.Compression {
	case CompressionZstd, CompressionBrotli:
	default:
		return fmt.Errorf("%w: snapshot.compression %q (want zstd or brotli)", ErrInvalid, c.Snapshot.Compression)
	}
	return nil
}

// ValidateKernel checks only what the simulation itself depends on: clock
// cadences, bus capacity and dilations. Persistence and telemetry settings
// are ignored.
func (c Kernel) ValidateKernel() error {
	if c.TicksPerTurn == 0 {
		return fmt.Errorf("%w: ticks_per_turn must be positive", ErrInvalid)
	}
	if c.TicksPerCycle == 0 {
		return fmt.Errorf("%w: ticks_per_cycle must be positive", ErrInvalid)
	}
	if c.EventBus.MaxEvents <= 0 {
		return fmt.Errorf("%w: event_bus.max_events must be positive", ErrInvalid)
	}
	for k, v := range c.Dilations {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: dilations[%q] must be positive, got %v", ErrInvalid, k, v)
		}
	}
	return nil
}
