// Package rng is the kernel's only source of randomness.
//
// A draw is a pure function of (seed, stream name, canonical scope, counter).
// Handlers must never use math/rand, crypto/rand or wall-clock derived values;
// that is a caller obligation the service cannot detect.
package rng

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"agentworld.ai/internal/sim/canon"
)

const domain = "agentworld/rng/v1"

var (
	ErrEmptyStream = errors.New("rng: empty stream name")
	ErrBadBound    = errors.New("rng: bound must be positive")
)

// Scope disambiguates draws within a stream. Key order is irrelevant.
type Scope map[string]any

type Config struct {
	Seed  int64
	Audit bool
}

// State is everything needed to reproduce future draws.
type State struct {
	Seed     int64             `json:"seed"`
	Counters map[string]uint64 `json:"counters"`
}

func (s State) Clone() State {
	out := State{Seed: s.Seed, Counters: make(map[string]uint64, len(s.Counters))}
	for k, v := range s.Counters {
		out.Counters[k] = v
	}
	return out
}

type StreamCount struct {
	Stream string `json:"stream"`
	Draws  uint64 `json:"draws"`
}

// Service is not safe for concurrent use; the kernel is single-threaded.
type Service struct {
	audit bool
	state State
}

func New(cfg Config) *Service {
	return &Service{
		audit: cfg.Audit,
		state: State{Seed: cfg.Seed, Counters: map[string]uint64{}},
	}
}

func (s *Service) Seed() int64 { return s.state.Seed }

// Counter reports how many draws stream has consumed.
func (s *Service) Counter(stream string) uint64 { return s.state.Counters[stream] }

func (s *Service) State() State { return s.state.Clone() }

// Restore replaces the service state. The audit flag is configuration and is kept.
func (s *Service) Restore(st State) {
	s.state = st.Clone()
	if s.state.Counters == nil {
		s.state.Counters = map[string]uint64{}
	}
}

// Clone returns an independent service that will produce the same future draws.
func (s *Service) Clone() *Service {
	return &Service{audit: s.audit, state: s.state.Clone()}
}

// Canonicalize renders scope with sorted keys. Numbers are not rounded, so
// scopes that differ anywhere in float64 precision draw differently.
func Canonicalize(scope Scope) (string, error) {
	if len(scope) == 0 {
		return "{}", nil
	}
	b, err := canon.EncodeExact(map[string]any(scope))
	if err != nil {
		return "", fmt.Errorf("rng: scope: %w", err)
	}
	return string(b), nil
}

// Uint64 returns the next raw 64-bit draw for stream.
func (s *Service) Uint64(stream string, scope Scope) (uint64, error) {
	if stream == "" {
		return 0, ErrEmptyStream
	}
	cs, err := Canonicalize(scope)
	if err != nil {
		return 0, err
	}
	n := s.state.Counters[stream]
	v := derive(s.state.Seed, stream, cs, n)
	s.state.Counters[stream] = n + 1
	return v, nil
}

// Float64 returns a draw in [0, 1).
func (s *Service) Float64(stream string, scope Scope) (float64, error) {
	v, err := s.Uint64(stream, scope)
	if err != nil {
		return 0, err
	}
	return float64(v>>11) / (1 << 53), nil
}

// Rand is Float64 under the name collaborators usually reach for.
func (s *Service) Rand(stream string, scope Scope) (float64, error) {
	return s.Float64(stream, scope)
}

// Intn returns a draw in [0, n).
func (s *Service) Intn(stream string, scope Scope, n int) (int, error) {
	if n <= 0 {
		return 0, ErrBadBound
	}
	v, err := s.Uint64(stream, scope)
	if err != nil {
		return 0, err
	}
	return int(v % uint64(n)), nil
}

// Chance reports whether a draw falls below p.
func (s *Service) Chance(stream string, scope Scope, p float64) (bool, error) {
	f, err := s.Float64(stream, scope)
	if err != nil {
		return false, err
	}
	return f < p, nil
}

func derive(seed int64, stream, scope string, counter uint64) uint64 {
	h := sha256.New()
	var tmp [8]byte
	h.Write([]byte(domain))
	h.Write([]byte{0})
	binary.LittleEndian.PutUint64(tmp[:], uint64(seed))
	h.Write(tmp[:])
	h.Write([]byte{0})
	h.Write([]byte(stream))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	h.Write([]byte{0})
	binary.LittleEndian.PutUint64(tmp[:], counter)
	h.Write(tmp[:])
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// Signature digests the seed and every non-zero stream counter.
func (s *Service) Signature() string {
	h := sha256.New()
	var tmp [8]byte
	h.Write([]byte(domain))
	h.Write([]byte{0})
	binary.LittleEndian.PutUint64(tmp[:], uint64(s.state.Seed))
	h.Write(tmp[:])
	canon.WriteSortedNonZeroCounters(h, &tmp, s.state.Counters)
	return hex.EncodeToString(h.Sum(nil))
}

// AuditSummary lists draws per stream, most used first, ties by name.
// It returns nil unless auditing is enabled.
func (s *Service) AuditSummary() []StreamCount {
	if !s.audit {
		return nil
	}
	out := make([]StreamCount, 0, len(s.state.Counters))
	for k, v := range s.state.Counters {
		if v == 0 {
			continue
		}
		out = append(out, StreamCount{Stream: k, Draws: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Draws != out[j].Draws {
			return out[i].Draws > out[j].Draws
		}
		return out[i].Stream < out[j].Stream
	})
	return out
}
