package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/treefleet/internal/behavior"
)

func newWaiter(t *testing.T, source string) (*Instance, *behavior.ManualClock, *fakePublisher, *Metrics) {
	t.Helper()
	clock := &behavior.ManualClock{}
	pub := &fakePublisher{}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	inst, err := NewInstance("waiter", buildWaiter(t, behavior.WithClock(clock)), InstanceOptions{
		RunnerID:    "r1",
		Source:      source,
		TreeOptions: []behavior.Option{behavior.WithClock(clock)},
		Publisher:   pub,
		Metrics:     metrics,
	})
	require.NoError(t, err)
	return inst, clock, pub, metrics
}

func TestInstance_StepRecordsRunsAndPublishesChanges(t *testing.T) {
	t.Parallel()

	inst, clock, pub, metrics := newWaiter(t, "")

	assert.Equal(t, behavior.StatusRunning, inst.Step())
	assert.Equal(t, behavior.StatusRunning, inst.Step())
	require.NotNil(t, inst.Runs().Current())
	assert.Equal(t, 2, inst.Runs().Current().Ticks)

	clock.Advance(time.Second)
	assert.Equal(t, behavior.StatusSuccess, inst.Step())
	assert.Nil(t, inst.Runs().Current())

	history := inst.Runs().History()
	require.Len(t, history, 1)
	assert.Equal(t, RunStatusSuccess, history[0].Status)
	assert.Equal(t, 3, history[0].Ticks)

	events := pub.tickEvents(t)
	require.Len(t, events, 2, "unchanged running status is not republished")
	assert.Equal(t, "RUNNING", events[0].Status)
	assert.Equal(t, "SUCCESS", events[1].Status)
	require.NotNil(t, events[1].Run)
	assert.Equal(t, history[0].ID, events[1].RunID)
	assert.Equal(t, TicksTopic("r1", "waiter"), pub.messages()[0].topic)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ticks.WithLabelValues("waiter", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("waiter", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.blackboardWrites.WithLabelValues("waiter", "done")))

	st := inst.Status()
	assert.Equal(t, "waiter", st.Name)
	assert.Equal(t, "waiter", st.Asset)
	assert.Equal(t, uint64(3), st.Ticks)
	assert.Equal(t, true, st.Blackboard["done"])
	require.NotNil(t, st.LastRun)
	assert.Equal(t, RunStatusSuccess, st.LastRun.Status)
}

func TestInstance_SetKeyCommand(t *testing.T) {
	t.Parallel()

	inst, _, _, metrics := newWaiter(t, "")
	require.NoError(t, inst.Enqueue(Command{Type: CmdSetKey, Data: mustJSON(t, SetKeyData{Key: "laps", Value: 4})}))
	require.NoError(t, inst.Enqueue(Command{Type: CmdSetKey, Data: mustJSON(t, SetKeyData{Key: "laps", Value: "many"})}))
	require.NoError(t, inst.Enqueue(Command{Type: CmdSetKey, Data: mustJSON(t, SetKeyData{Key: "ghost", Value: 1})}))
	inst.Step()

	assert.Equal(t, 4, inst.Status().Blackboard["laps"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commands.WithLabelValues(CmdSetKey, "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.commands.WithLabelValues(CmdSetKey, "error")))
}

func TestInstance_ResetAndAbortCancelRun(t *testing.T) {
	t.Parallel()

	for _, cmdType := range []string{CmdResetRun, CmdAbort} {
		t.Run(cmdType, func(t *testing.T) {
			t.Parallel()

			inst, clock, pub, _ := newWaiter(t, "")
			require.Equal(t, behavior.StatusRunning, inst.Step())
			require.NoError(t, inst.Enqueue(Command{Type: cmdType}))

			clock.Advance(500 * time.Millisecond)
			assert.Equal(t, behavior.StatusRunning, inst.Step(), "wait restarted from the new run")

			history := inst.Runs().History()
			require.Len(t, history, 1)
			assert.Equal(t, RunStatusAborted, history[0].Status)
			assert.Equal(t, cmdType, history[0].Reason)
			require.NotNil(t, inst.Runs().Current())
			assert.NotEqual(t, history[0].ID, inst.Runs().Current().ID)

			clock.Advance(500 * time.Millisecond)
			assert.Equal(t, behavior.StatusRunning, inst.Step())
			clock.Advance(500 * time.Millisecond)
			assert.Equal(t, behavior.StatusSuccess, inst.Step())

			events := pub.tickEvents(t)
			require.GreaterOrEqual(t, len(events), 3)
			assert.Equal(t, RunStatusAborted, events[1].Run.Status)
		})
	}
}

const replacement = `
name: quick
root: only
blackboard:
  - name: laps
    type: int
    value: 9
nodes:
  - id: only
    type: succeed
`

func TestInstance_LoadTree(t *testing.T) {
	t.Parallel()

	inst, _, _, _ := newWaiter(t, "")
	require.Equal(t, behavior.StatusRunning, inst.Step())

	require.NoError(t, inst.Enqueue(Command{Type: CmdLoadTree, Data: mustJSON(t, LoadTreeData{Asset: replacement})}))
	assert.Equal(t, behavior.StatusSuccess, inst.Step())
	st := inst.Status()
	assert.Equal(t, "quick", st.Asset)
	assert.Equal(t, 9, st.Blackboard["laps"])

	require.NoError(t, inst.Enqueue(Command{Type: CmdLoadTree, Data: mustJSON(t, LoadTreeData{Asset: "name: broken"})}))
	assert.Equal(t, behavior.StatusSuccess, inst.Step(), "a bad asset keeps the current tree")
	assert.Equal(t, "quick", inst.Status().Asset)
}

func TestInstance_ReloadFromSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tree.yaml")
	raw, err := os.ReadFile(waiterPath())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	inst, _, _, _ := newWaiter(t, path)
	require.Equal(t, behavior.StatusRunning, inst.Step())

	require.NoError(t, os.WriteFile(path, []byte(replacement), 0o644))
	require.NoError(t, inst.Enqueue(Command{Type: CmdReload}))
	assert.Equal(t, behavior.StatusSuccess, inst.Step())
	assert.Equal(t, "quick", inst.Status().Asset)

	noSource, _, _, metrics := newWaiter(t, "")
	require.NoError(t, noSource.Enqueue(Command{Type: CmdReload}))
	require.NoError(t, noSource.Enqueue(Command{Type: "teleport"}))
	noSource.Step()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commands.WithLabelValues(CmdReload, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commands.WithLabelValues("teleport", "error")))
}

func TestInstance_QueueFull(t *testing.T) {
	t.Parallel()

	inst, _, _, _ := newWaiter(t, "")
	for range CommandQueueSize {
		require.NoError(t, inst.Enqueue(Command{Type: CmdResetRun}))
	}
	assert.ErrorIs(t, inst.Enqueue(Command{Type: CmdResetRun}), ErrQueueFull)

	inst.Step()
	assert.NoError(t, inst.Enqueue(Command{Type: CmdResetRun}), "a step drains the queue")
}
