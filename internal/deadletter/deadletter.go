// Package deadletter implements the dead-letter queue (§4.6), adapted from
// the teacher's apps/worker/internal/worker/dlq_handler.go: same entry
// shape and lifecycle (insert/update in place, retry, periodic review), but
// backed by atomic-rename JSON (internal/store) instead of a Postgres
// table, since this spec has no database (§1 non-goal (b)).
package deadletter

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/store"
)

// TaskType mirrors the Task entity's type enum (§3). MatchBet is the only
// critical type — its dead-letter inserts fire an out-of-band alert.
type TaskType string

const (
	MatchBet      TaskType = "MATCH_BET"
	SyncState     TaskType = "SYNC_STATE"
	RegisterAgent TaskType = "REGISTER_AGENT"
	Research      TaskType = "RESEARCH"
	Other         TaskType = "OTHER"
)

func (t TaskType) critical() bool { return t == MatchBet }

// Entry is the Dead letter entity (§3): a Task plus errors in attempt
// order.
type Entry struct {
	ID          string                 `json:"id"`
	Type        TaskType               `json:"type"`
	Attempts    int                    `json:"attempts"`
	Errors      []string               `json:"errors"`
	Data        map[string]interface{} `json:"data"`
	CreatedAt   time.Time              `json:"createdAt"`
	LastAttempt time.Time              `json:"lastAttempt"`
}

type state struct {
	Entries    map[string]Entry `json:"entries"`
	LastReview time.Time        `json:"lastReview"`
	Alerted    map[string]bool  `json:"alerted"` // taskId -> alert already fired
}

// AlertFn is invoked exactly once per distinct critical taskId on insert.
// The caller's implementation must not block the inserting goroutine (§5);
// Queue invokes it on its own goroutine.
type AlertFn func(e Entry)

// ReviewFn is invoked by the weekly review timer with the computed
// analysis.
type ReviewFn func(a ReviewAnalysis)

// Queue is the dead-letter queue. One instance per supervisor process.
type Queue struct {
	log    logging.Logger
	path   string
	onAlert  AlertFn
	onReview ReviewFn

	mu    sync.Mutex
	state state
}

// New loads path (or starts empty, per §4.1) and returns a ready Queue.
func New(log logging.Logger, path string, onAlert AlertFn, onReview ReviewFn) *Queue {
	s := store.Load(log, path, state{Entries: make(map[string]Entry), Alerted: make(map[string]bool)})
	if s.Entries == nil {
		s.Entries = make(map[string]Entry)
	}
	if s.Alerted == nil {
		s.Alerted = make(map[string]bool)
	}
	return &Queue{log: log, path: path, onAlert: onAlert, onReview: onReview, state: s}
}

// MoveToDeadLetter implements §4.6: updates an existing entry in place, or
// inserts a new one. A new critical-type entry fires the alert callback
// exactly once per distinct taskId and writes an error line to stderr.
func (q *Queue) MoveToDeadLetter(taskID string, typ TaskType, attempts int, errs []string, data map[string]interface{}) {
	q.mu.Lock()
	existing, exists := q.state.Entries[taskID]

	entry := Entry{
		ID:          taskID,
		Type:        typ,
		Attempts:    attempts,
		Errors:      errs,
		Data:        data,
		LastAttempt: time.Now(),
	}
	if exists {
		entry.CreatedAt = existing.CreatedAt
	} else {
		entry.CreatedAt = time.Now()
	}
	q.state.Entries[taskID] = entry
	alreadyAlerted := q.state.Alerted[taskID]
	if typ.critical() && !exists && !alreadyAlerted {
		q.state.Alerted[taskID] = true
	}
	shouldAlert := typ.critical() && !exists && !alreadyAlerted
	store.SaveLogged(q.log, q.path, q.state)
	q.mu.Unlock()

	if shouldAlert {
		lastErr := ""
		if len(errs) > 0 {
			lastErr = errs[len(errs)-1]
		}
		fmt.Fprintf(os.Stderr, "CRITICAL: task %s (%s) dead-lettered after %d attempts: %s\n", taskID, typ, attempts, lastErr)
		if q.onAlert != nil {
			go q.onAlert(entry)
		}
	}
}

// RetryDeadLetter removes and returns the entry so the task queue can
// reinsert it (§4.6 — the open question in §9 resolved explicitly: the
// caller, not this package, performs the re-enqueue).
func (q *Queue) RetryDeadLetter(id string) (Entry, bool) {
	q.mu.Lock()
	e, ok := q.state.Entries[id]
	if ok {
		delete(q.state.Entries, id)
		store.SaveLogged(q.log, q.path, q.state)
	}
	q.mu.Unlock()
	return e, ok
}

// ReviewAnalysis is produced by ReviewDeadLetters (§4.6).
type ReviewAnalysis struct {
	Total            int              `json:"total"`
	ByTaskType       map[TaskType]int `json:"byTaskType"`
	ByErrorType      map[string]int   `json:"byErrorType"`
	OldestTimestamp  *time.Time       `json:"oldestTimestamp,omitempty"`
}

var errorPatterns = []struct {
	label string
	re    *regexp.Regexp
}{
	{"TIMEOUT", regexp.MustCompile(`(?i)timeout`)},
	{"CONNECTION_REFUSED", regexp.MustCompile(`(?i)connection refused`)},
	{"INSUFFICIENT_FUNDS", regexp.MustCompile(`(?i)insufficient funds`)},
	{"CONTRACT_REVERT", regexp.MustCompile(`(?i)revert`)},
	{"RATE_LIMITED", regexp.MustCompile(`(?i)rate limit`)},
}

func classifyError(msg string) string {
	for _, p := range errorPatterns {
		if p.re.MatchString(msg) {
			return p.label
		}
	}
	return "UNKNOWN"
}

// ReviewDeadLetters implements §4.6's reviewDeadLetters.
func (q *Queue) ReviewDeadLetters() ReviewAnalysis {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := ReviewAnalysis{ByTaskType: make(map[TaskType]int), ByErrorType: make(map[string]int)}
	for _, e := range q.state.Entries {
		a.Total++
		a.ByTaskType[e.Type]++

		lastErr := ""
		if len(e.Errors) > 0 {
			lastErr = e.Errors[len(e.Errors)-1]
		}
		a.ByErrorType[classifyError(lastErr)]++

		if a.OldestTimestamp == nil || e.CreatedAt.Before(*a.OldestTimestamp) {
			ts := e.CreatedAt
			a.OldestTimestamp = &ts
		}
	}
	return a
}

// Run starts the weekly review timer (default every 7 days since
// lastReview). It blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}

	q.mu.Lock()
	due := time.Until(q.state.LastReview.Add(interval))
	q.mu.Unlock()
	if due < 0 {
		due = 0
	}

	timer := time.NewTimer(due)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			a := q.ReviewDeadLetters()
			q.mu.Lock()
			q.state.LastReview = time.Now()
			store.SaveLogged(q.log, q.path, q.state)
			q.mu.Unlock()
			if q.onReview != nil {
				q.onReview(a)
			}
			timer.Reset(interval)
		}
	}
}

// Entries returns a value-copy snapshot of all dead letters, for /metrics.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.state.Entries))
	for _, e := range q.state.Entries {
		out = append(out, e)
	}
	return out
}
