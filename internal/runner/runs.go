package runner

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/treefleet/internal/behavior"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusAborted RunStatus = "aborted"
)

// DefaultRunHistory is how many finished runs a tracker keeps.
const DefaultRunHistory = 32

// Run is one pass of a tree from an idle root to a terminal status.
type Run struct {
	ID        string    `json:"id"`
	Tree      string    `json:"tree"`
	Status    RunStatus `json:"status"`
	Ticks     int       `json:"ticks"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// RunTracker records runs of one tree. Observe is called by the ticking
// goroutine; the readers are safe to call from anywhere.
type RunTracker struct {
	mu      sync.RWMutex
	tree    string
	limit   int
	runs    map[string]*Run
	history []*Run
	// current is the run in progress, if any
	current *Run
}

func NewRunTracker(tree string, limit int) *RunTracker {
	if limit <= 0 {
		limit = DefaultRunHistory
	}
	return &RunTracker{
		tree:  tree,
		limit: limit,
		runs:  make(map[string]*Run),
	}
}

// Observe records the status of one tick. A tick with no run in progress
// starts one. It returns the finished run when status is terminal.
func (rt *RunTracker) Observe(status behavior.Status, now time.Time) *Run {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.current == nil {
		rt.current = &Run{
			ID:        uuid.NewString(),
			Tree:      rt.tree,
			Status:    RunStatusRunning,
			StartedAt: now,
		}
		rt.runs[rt.current.ID] = rt.current
	}
	run := rt.current
	run.Ticks++

	switch status {
	case behavior.StatusSuccess:
		run.Status = RunStatusSuccess
	case behavior.StatusFailure:
		run.Status = RunStatusFailed
	default:
		return nil
	}
	return rt.finish(run, now)
}

// Cancel ends the run in progress as aborted.
func (rt *RunTracker) Cancel(reason string, now time.Time) *Run {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.current == nil {
		return nil
	}
	rt.current.Status = RunStatusAborted
	rt.current.Reason = reason
	return rt.finish(rt.current, now)
}

func (rt *RunTracker) finish(run *Run, now time.Time) *Run {
	run.EndedAt = now
	rt.current = nil
	rt.history = append(rt.history, run)
	if len(rt.history) > rt.limit {
		delete(rt.runs, rt.history[0].ID)
		rt.history = rt.history[1:]
	}
	out := *run
	return &out
}

// Current returns a copy of the run in progress, or nil.
func (rt *RunTracker) Current() *Run {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.current == nil {
		return nil
	}
	out := *rt.current
	return &out
}

// History returns the finished runs, oldest first.
func (rt *RunTracker) History() []Run {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]Run, len(rt.history))
	for i, r := range rt.history {
		out[i] = *r
	}
	return out
}

func (rt *RunTracker) Get(id string) *Run {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	r, ok := rt.runs[id]
	if !ok {
		return nil
	}
	out := *r
	return &out
}
