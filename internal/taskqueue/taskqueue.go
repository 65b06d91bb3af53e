// Package taskqueue implements the per-task state machine (§4.7), grounded
// on the teacher's apps/worker/internal/worker/worker.go receive/process
// loop and retry_handler.go's backoff shape, generalised from a single SQS
// consumer loop into an in-process task table with explicit state
// transitions, checkpoints, and a startup recovery policy.
package taskqueue

import (
	"sync"
	"time"

	"github.com/polyagent/supervisor/internal/deadletter"
	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/store"
)

// Type is the Task entity's type enum (§3). It doubles as
// deadletter.TaskType so a FAILED task carries its type straight into the
// DLQ without translation.
type Type = deadletter.TaskType

const (
	MatchBet      = deadletter.MatchBet
	SyncState     = deadletter.SyncState
	RegisterAgent = deadletter.RegisterAgent
	Research      = deadletter.Research
	Other         = deadletter.Other
)

// TaskState is the Task entity's state machine (§3, §4.7).
type TaskState string

const (
	Pending    TaskState = "PENDING"
	InProgress TaskState = "IN_PROGRESS"
	Completed  TaskState = "COMPLETED"
	Failed     TaskState = "FAILED"
)

func (s TaskState) terminal() bool { return s == Completed || s == Failed }

// Checkpoint records incremental progress on a long-running task, so
// recovery can resume rather than restart from scratch.
type Checkpoint struct {
	Name      string                 `json:"name"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Task is the Task entity (§3).
type Task struct {
	ID          string                 `json:"id"`
	Type        Type                   `json:"type"`
	State       TaskState              `json:"state"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"maxAttempts"`
	Payload     map[string]interface{} `json:"payload"`
	Checkpoints []Checkpoint           `json:"checkpoints"`
	Errors      []string               `json:"errors,omitempty"`
	FirstAttempt *time.Time            `json:"firstAttempt,omitempty"`
	LastAttempt  *time.Time            `json:"lastAttempt,omitempty"`
}

// RecoveryPolicy decides what happens to a task found IN_PROGRESS at
// startup — the open question from §9 resolved explicitly here.
type RecoveryPolicy string

const (
	// ResetToPending puts recovered IN_PROGRESS tasks back to PENDING,
	// leaving attempts unchanged: Start already counted the attempt that
	// never reported success or failure, so it stays spent. This is the
	// default.
	ResetToPending RecoveryPolicy = "RESET_TO_PENDING"
	// DeadLetterImmediately sends recovered IN_PROGRESS tasks straight to
	// the dead-letter queue without giving them another attempt.
	DeadLetterImmediately RecoveryPolicy = "DEAD_LETTER_IMMEDIATELY"
)

const defaultMaxAttempts = 3

type state struct {
	Tasks map[string]*Task `json:"tasks"`
}

// Queue is the task table. One instance per supervisor process.
type Queue struct {
	log    logging.Logger
	path   string
	dlq    *deadletter.Queue
	policy RecoveryPolicy

	mu    sync.Mutex
	state state
}

// New loads path (or starts empty, per §4.1). dlq receives tasks that
// exhaust maxAttempts or are dead-lettered by the recovery policy.
func New(log logging.Logger, path string, dlq *deadletter.Queue, policy RecoveryPolicy) *Queue {
	if policy == "" {
		policy = ResetToPending
	}
	s := store.Load(log, path, state{Tasks: make(map[string]*Task)})
	if s.Tasks == nil {
		s.Tasks = make(map[string]*Task)
	}
	return &Queue{log: log, path: path, dlq: dlq, policy: policy, state: s}
}

// Enqueue adds a new PENDING task. maxAttempts <= 0 uses the default.
func (q *Queue) Enqueue(id string, typ Type, payload map[string]interface{}, maxAttempts int) *Task {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	t := &Task{ID: id, Type: typ, State: Pending, Payload: payload, MaxAttempts: maxAttempts}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state.Tasks[id] = t
	q.saveLocked(q.state)
	return t
}

// Start transitions a PENDING task to IN_PROGRESS, recording the first
// attempt's start time. Returns false if the task doesn't exist or isn't
// PENDING.
func (q *Queue) Start(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.state.Tasks[id]
	if !ok || t.State != Pending {
		return nil, false
	}
	now := time.Now()
	if t.FirstAttempt == nil {
		t.FirstAttempt = &now
	}
	t.LastAttempt = &now
	t.Attempts++
	t.State = InProgress
	q.saveLocked(q.state)
	return t, true
}

// Complete transitions an IN_PROGRESS task to COMPLETED, its terminal
// success state.
func (q *Queue) Complete(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.state.Tasks[id]
	if !ok || t.State.terminal() {
		return false
	}
	t.State = Completed
	q.saveLocked(q.state)
	return true
}

// Fail implements §4.7's fail(task, err): appends the error; if attempts
// already reached maxAttempts the task goes to FAILED and is moved to the
// dead-letter queue, otherwise it returns to PENDING for a re-pick.
func (q *Queue) Fail(id string, err error) bool {
	q.mu.Lock()
	t, ok := q.state.Tasks[id]
	if !ok || t.State.terminal() {
		q.mu.Unlock()
		return false
	}
	t.Errors = append(t.Errors, err.Error())

	terminal := t.Attempts >= t.MaxAttempts
	if terminal {
		t.State = Failed
	} else {
		t.State = Pending
	}
	taskCopy := *t
	q.saveLocked(q.state)
	q.mu.Unlock()

	if terminal && q.dlq != nil {
		q.dlq.MoveToDeadLetter(taskCopy.ID, taskCopy.Type, taskCopy.Attempts, taskCopy.Errors, taskCopy.Payload)
	}
	return true
}

// Checkpoint appends an in-progress checkpoint (§4.7), used by recovery to
// resume long-running work.
func (q *Queue) Checkpoint(id, name string, data map[string]interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.state.Tasks[id]
	if !ok {
		return false
	}
	t.Checkpoints = append(t.Checkpoints, Checkpoint{Name: name, Data: data, CreatedAt: time.Now()})
	q.saveLocked(q.state)
	return true
}

// RecoverTasks implements §4.7's recoverTasks(), applying the queue's
// RecoveryPolicy to every task found IN_PROGRESS. ResetToPending resets
// them to PENDING (an attempt that never reported success/failure still
// counts as spent, so attempts is not decremented); DeadLetterImmediately
// sends them straight to the DLQ.
func (q *Queue) RecoverTasks() []*Task {
	q.mu.Lock()
	var recovered []*Task
	for _, t := range q.state.Tasks {
		if t.State != InProgress {
			continue
		}
		recovered = append(recovered, t)
		switch q.policy {
		case DeadLetterImmediately:
			t.State = Failed
		default:
			t.State = Pending
		}
	}
	q.saveLocked(q.state)
	q.mu.Unlock()

	if q.policy == DeadLetterImmediately && q.dlq != nil {
		for _, t := range recovered {
			q.dlq.MoveToDeadLetter(t.ID, t.Type, t.Attempts, t.Errors, t.Payload)
		}
	}
	return recovered
}

func (q *Queue) saveLocked(s state) {
	store.SaveLogged(q.log, q.path, s)
}

// Get returns a value-copy of a task, or false if it doesn't exist.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.state.Tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Pending returns value-copies of every PENDING task, oldest first by
// insertion is not guaranteed (map iteration order) — callers that need
// FIFO ordering should sort by FirstAttempt/ID themselves.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Task
	for _, t := range q.state.Tasks {
		if t.State == Pending {
			out = append(out, *t)
		}
	}
	return out
}

// Counts returns the number of tasks in each terminal/non-terminal state,
// for /metrics.
func (q *Queue) Counts() map[TaskState]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[TaskState]int{Pending: 0, InProgress: 0, Completed: 0, Failed: 0}
	for _, t := range q.state.Tasks {
		counts[t.State]++
	}
	return counts
}
