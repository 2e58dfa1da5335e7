package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/treefleet/internal/behavior"
)

func TestRunTracker_Lifecycle(t *testing.T) {
	t.Parallel()

	rt := NewRunTracker("patrol", 0)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Nil(t, rt.Observe(behavior.StatusRunning, now))
	cur := rt.Current()
	require.NotNil(t, cur)
	assert.Equal(t, RunStatusRunning, cur.Status)
	assert.Equal(t, "patrol", cur.Tree)

	done := rt.Observe(behavior.StatusFailure, now.Add(time.Second))
	require.NotNil(t, done)
	assert.Equal(t, cur.ID, done.ID)
	assert.Equal(t, RunStatusFailed, done.Status)
	assert.Equal(t, 2, done.Ticks)
	assert.Equal(t, now.Add(time.Second), done.EndedAt)
	assert.Nil(t, rt.Current())

	single := rt.Observe(behavior.StatusSuccess, now)
	require.NotNil(t, single, "a run may start and finish on one tick")
	assert.Equal(t, 1, single.Ticks)
	assert.NotEqual(t, done.ID, single.ID)

	got := rt.Get(done.ID)
	require.NotNil(t, got)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Nil(t, rt.Get("missing"))
}

func TestRunTracker_Cancel(t *testing.T) {
	t.Parallel()

	rt := NewRunTracker("t", 4)
	assert.Nil(t, rt.Cancel("abort", time.Now()), "nothing to cancel")

	rt.Observe(behavior.StatusRunning, time.Now())
	run := rt.Cancel("abort", time.Now())
	require.NotNil(t, run)
	assert.Equal(t, RunStatusAborted, run.Status)
	assert.Equal(t, "abort", run.Reason)
	assert.Nil(t, rt.Current())
}

func TestRunTracker_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	rt := NewRunTracker("t", 3)
	var ids []string
	for range 5 {
		ids = append(ids, rt.Observe(behavior.StatusSuccess, time.Now()).ID)
	}
	history := rt.History()
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].ID, "oldest runs are dropped first")
	assert.Equal(t, ids[4], history[2].ID)
	assert.Nil(t, rt.Get(ids[0]))

	history[0].Status = RunStatusAborted
	assert.Equal(t, RunStatusSuccess, rt.History()[0].Status, "history returns copies")
}
