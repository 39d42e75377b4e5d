package scheduler

import (
	"fmt"
	"strings"
)

// Phase is a named stage of one tick. The order below is fixed for all runs.
type Phase int

const (
	PhaseInit Phase = iota + 1
	PhasePerception
	PhaseDecision
	PhaseSocial
	PhaseTransit
	PhaseAccounting
	PhaseCleanup
)

var ordered = [...]Phase{
	PhaseInit,
	PhasePerception,
	PhaseDecision,
	PhaseSocial,
	PhaseTransit,
	PhaseAccounting,
	PhaseCleanup,
}

var phaseNames = map[Phase]string{
	PhaseInit:       "INIT",
	PhasePerception: "PERCEPTION",
	PhaseDecision:   "DECISION",
	PhaseSocial:     "SOCIAL",
	PhaseTransit:    "TRANSIT",
	PhaseAccounting: "ACCOUNTING",
	PhaseCleanup:    "CLEANUP",
}

// Ordered returns the phases in execution order.
func Ordered() []Phase {
	out := make([]Phase, len(ordered))
	copy(out, ordered[:])
	return out
}

func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func ParsePhase(s string) (Phase, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for _, p := range ordered {
		if phaseNames[p] == want {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPhase, s)
}

func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPhase, int(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
