// Package supervisor implements component O (§4.15): it owns the child
// process, wires every other component together, and serves the HTTP
// surface on loopback port 3333.
package supervisor

import (
	"sync"
	"time"

	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/store"
)

// State is the Supervisor state entity (§3).
type State struct {
	AgentPid      int        `json:"agentPid,omitempty"`
	StartTime     int64      `json:"startTime"`
	RestartCount  int        `json:"restartCount"`
	LastRestartAt *time.Time `json:"lastRestartAt,omitempty"`
	Phase         string     `json:"phase"`
}

type statePersister struct {
	log  logging.Logger
	path string

	mu    sync.Mutex
	state State
}

func newStatePersister(log logging.Logger, path string) *statePersister {
	def := State{StartTime: time.Now().UnixMilli(), Phase: "idle"}
	s := store.Load(log, path, def)
	return &statePersister{log: log, path: path, state: s}
}

func (p *statePersister) snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *statePersister) mutate(fn func(s *State)) State {
	p.mu.Lock()
	fn(&p.state)
	snapshot := p.state
	p.mu.Unlock()
	store.SaveLogged(p.log, p.path, snapshot)
	return snapshot
}
