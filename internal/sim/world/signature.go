package world

import (
	"encoding/json"
	"fmt"

	"agentworld.ai/internal/sim/canon"
	"agentworld.ai/internal/sim/eventbus"
	"agentworld.ai/internal/sim/rng"
	"agentworld.ai/internal/sim/scheduler"
)

const signatureDomain = "agentworld/signature/v1"

type signedCollaborator struct {
	Name  string          `json:"name"`
	State json.RawMessage `json:"state"`
}

type signedState struct {
	Tick          uint64               `json:"tick"`
	Scheduler     scheduler.State      `json:"scheduler"`
	RNG           rng.State            `json:"rng"`
	Bus           eventbus.State       `json:"bus"`
	Collaborators []signedCollaborator `json:"collaborators"`
}

// Signature is a canonical digest of every piece of simulation state. Two
// worlds with equal signatures produce identical futures given identical
// handler registrations.
func (w *World) Signature() (string, error) {
	collabs, err := w.collaboratorStates()
	if err != nil {
		return "", err
	}
	return signatureOf(w.sched.Inspect(), w.rng.State(), w.bus.State(), collabs)
}

func signatureOf(sched scheduler.State, r rng.State, bus eventbus.State, collabs []namedState) (string, error) {
	st := signedState{
		Tick:          sched.Tick,
		Scheduler:     sched,
		RNG:           r,
		Bus:           bus,
		Collaborators: make([]signedCollaborator, 0, len(collabs)),
	}
	for _, c := range collabs {
		raw, err := canon.EncodeRaw(c.state)
		if err != nil {
			return "", fmt.Errorf("collaborator %s: %w", c.name, err)
		}
		st.Collaborators = append(st.Collaborators, signedCollaborator{Name: c.name, State: raw})
	}
	b, err := canon.Encode(st)
	if err != nil {
		return "", fmt.Errorf("signature: %w", err)
	}
	return canon.Hash(signatureDomain, b), nil
}

type namedState struct {
	name  string
	state json.RawMessage
}

func (w *World) collaboratorStates() ([]namedState, error) {
	names := w.Collaborators()
	out := make([]namedState, 0, len(names))
	for _, name := range names {
		raw, err := w.collabs[name].MarshalState()
		if err != nil {
			return nil, fmt.Errorf("collaborator %s: marshal: %w", name, err)
		}
		out = append(out, namedState{name: name, state: raw})
	}
	return out, nil
}
