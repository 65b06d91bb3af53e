// Package crashlog implements the Crash record entity (§3): an
// append-only, window-trimmed log of child-process crashes shared by the
// watchdog and the supervisor, since both are permitted to record one.
package crashlog

import (
	"sync"
	"time"

	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/store"
)

// Reason classifies why a crash record was created.
type Reason string

const (
	HeartbeatStale Reason = "heartbeat_stale"
	ProcessDead    Reason = "process_dead"
	Unknown        Reason = "unknown"
)

// Record is the Crash record entity (§3).
type Record struct {
	TimestampMs int64  `json:"timestampMs"`
	Reason      Reason `json:"reason"`
	PreviousPid int    `json:"previousPid"`
	NewPid      int    `json:"newPid"`
}

const defaultWindow = 200

type state struct {
	Records []Record `json:"records"`
}

// Log is a bounded, atomically-persisted ring of crash records.
type Log struct {
	log    logging.Logger
	path   string
	window int

	mu    sync.Mutex
	state state
}

// New loads path (or starts empty, per §4.1).
func New(log logging.Logger, path string) *Log {
	s := store.Load(log, path, state{})
	return &Log{log: log, path: path, window: defaultWindow, state: s}
}

// Append records a crash, trimming to the configured window.
func (l *Log) Append(r Record) {
	if r.TimestampMs == 0 {
		r.TimestampMs = time.Now().UnixMilli()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Records = append(l.state.Records, r)
	if over := len(l.state.Records) - l.window; over > 0 {
		l.state.Records = l.state.Records[over:]
	}
	store.SaveLogged(l.log, l.path, l.state)
}

// Recent returns a value-copy of the last n records (or all, if n <= 0).
func (l *Log) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.state.Records
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	out := make([]Record, len(all))
	copy(out, all)
	return out
}

// CountSince returns the number of records with TimestampMs >= since.
func (l *Log) CountSince(since time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := since.UnixMilli()
	n := 0
	for _, r := range l.state.Records {
		if r.TimestampMs >= cutoff {
			n++
		}
	}
	return n
}
