package supervisor

import (
	"encoding/json"
	"sync"

	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/store"
)

// AgentPhase is the subset of Agent state the supervisor reads for
// metrics; everything else in the entity is opaque and passed through
// (§3).
type AgentPhase string

const (
	PhaseIdle       AgentPhase = "idle"
	PhaseResearch   AgentPhase = "research"
	PhaseEvaluating AgentPhase = "evaluating"
	PhaseExecuting  AgentPhase = "executing"
)

// AgentState mirrors the Agent state entity. Fields beyond Phase are held
// as raw JSON so the supervisor never needs to understand the child's
// business data (§1 non-goal (a)).
type AgentState struct {
	Phase AgentPhase             `json:"phase"`
	Raw   map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Raw back alongside Phase so round-tripping through
// disk preserves whatever the child wrote.
func (a AgentState) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(a.Raw)+1)
	for k, v := range a.Raw {
		out[k] = v
	}
	out["phase"] = a.Phase
	return json.Marshal(out)
}

// UnmarshalJSON captures known field Phase plus everything else as Raw.
func (a *AgentState) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if p, ok := m["phase"].(string); ok {
		a.Phase = AgentPhase(p)
	} else {
		a.Phase = PhaseIdle
	}
	a.Raw = m
	return nil
}

type agentStateStore struct {
	log  logging.Logger
	path string

	mu    sync.Mutex
	state AgentState
}

func newAgentStateStore(log logging.Logger, path string) *agentStateStore {
	def := AgentState{Phase: PhaseIdle, Raw: map[string]interface{}{}}
	s := store.Load(log, path, def)
	return &agentStateStore{log: log, path: path, state: s}
}

func (a *agentStateStore) snapshot() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *agentStateStore) setPhase(p AgentPhase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Phase = p
	if a.state.Raw == nil {
		a.state.Raw = map[string]interface{}{}
	}
	store.SaveLogged(a.log, a.path, a.state)
}
