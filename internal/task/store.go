package task

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Common errors.
var (
	ErrUnknownTask    = errors.New("task: unknown task")
	ErrNotAssigned    = errors.New("task: task not assigned to this worker")
	ErrInvalidOutcome = errors.New("task: invalid outcome")
)

// Store is the dispatcher's task table. It owns every task of a run and is
// the only component that moves tasks between states.
//
// Assignment is FIFO over the pending queue. A task's Attempts counter is
// incremented when the task is assigned, so a task with an attempt budget of
// k is handed out at most k times, whether the attempts end in failure
// reports or in reclaims from dead workers.
type Store struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	queue       []string // pending task IDs in FIFO order
	order       []string // all task IDs in submission order
	maxAttempts int
	now         func() time.Time
}

// NewStore builds a table from the parsed task list. Every task starts
// pending. maxAttempts is the per-task assignment budget; values below 1 are
// treated as 1.
func NewStore(specs []Spec, maxAttempts int) *Store {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	s := &Store{
		tasks:       make(map[string]*Task, len(specs)),
		queue:       make([]string, 0, len(specs)),
		order:       make([]string, 0, len(specs)),
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
	created := s.now()
	for i, spec := range specs {
		id := fmt.Sprintf("t-%06d", i+1)
		s.tasks[id] = &Task{
			ID:        id,
			Spec:      spec,
			State:     StatePending,
			CreatedAt: created,
			UpdatedAt: created,
		}
		s.queue = append(s.queue, id)
		s.order = append(s.order, id)
	}
	return s
}

// Next hands the oldest pending task to the given worker. It returns false
// when no task is pending; that includes both "all tasks done" and "all
// remaining tasks are out with other workers", which callers distinguish via
// Counts.
func (s *Store) Next(workerID string) (*Task, bool) {
	if workerID == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]

	t := s.tasks[id]
	t.State = StateAssigned
	t.Worker = workerID
	t.Attempts++
	t.UpdatedAt = s.now()
	out := *t
	return &out, true
}

// Report records a worker's verdict on a task it holds.
//
// The report is accepted only if the task is currently assigned to exactly
// this worker; anything else returns ErrNotAssigned. This rejects reports
// from workers whose task was reclaimed after missed heartbeats, and
// duplicate reports for the same attempt.
//
// A failure verdict requeues the task at the tail of the pending queue until
// the attempt budget is spent, then marks it failed for good.
func (s *Store) Report(workerID, taskID string, outcome Outcome, detail string) error {
	if !outcome.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}
	if t.State != StateAssigned || t.Worker != workerID {
		return fmt.Errorf("%w: task %s held by %q, reported by %q in state %s",
			ErrNotAssigned, taskID, t.Worker, workerID, t.State)
	}

	t.Worker = ""
	t.UpdatedAt = s.now()
	switch outcome {
	case OutcomeSuccess:
		t.State = StateSucceeded
		t.LastError = ""
	case OutcomeSkipped:
		t.State = StateSkipped
		t.LastError = detail
	case OutcomeFailure:
		t.LastError = detail
		if t.Attempts >= s.maxAttempts {
			t.State = StateFailed
		} else {
			t.State = StatePending
			s.queue = append(s.queue, taskID)
		}
	}
	return nil
}

// Release reclaims a task from a worker presumed dead. The task goes back to
// the tail of the pending queue, or straight to failed when its attempt
// budget is already spent. Attempts are not incremented; the assignment
// already was.
//
// Release is a no-op unless the task is currently assigned to the named
// holder, which makes a reclaim race against a last-moment report (or a
// duplicate sweep) harmless.
func (s *Store) Release(taskID, holder, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.State != StateAssigned || t.Worker != holder {
		return false
	}
	t.Worker = ""
	t.LastError = reason
	t.UpdatedAt = s.now()
	if t.Attempts >= s.maxAttempts {
		t.State = StateFailed
	} else {
		t.State = StatePending
		s.queue = append(s.queue, taskID)
	}
	return true
}

// Counts returns the aggregate state of the table. The buckets are derived
// by iterating the table, so they always sum to Total.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Counts{Total: len(s.order)}
	for _, id := range s.order {
		switch s.tasks[id].State {
		case StatePending:
			c.Pending++
		case StateAssigned:
			c.Assigned++
		case StateSucceeded:
			c.Succeeded++
		case StateFailed:
			c.Failed++
		case StateSkipped:
			c.Skipped++
		}
	}
	return c
}

// Tasks returns a snapshot of all tasks in submission order.
func (s *Store) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}
