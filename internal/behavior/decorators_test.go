package behavior

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInverter_Laws(t *testing.T) {
	t.Parallel()

	tests := []struct {
		child Status
		want  Status
	}{
		{StatusSuccess, StatusFailure},
		{StatusFailure, StatusSuccess},
		{StatusRunning, StatusRunning},
	}
	for _, tt := range tests {
		t.Run(tt.child.String(), func(t *testing.T) {
			t.Parallel()
			inv := NewInverter(newSpy("c", tt.child))
			assert.Equal(t, tt.want, inv.Process())
		})
	}

	assert.Equal(t, StatusSuccess, NewInverter(nil).Process(), "no child counts as success")
}

func treeWith(t *testing.T, child Node, keys map[string]any) *BehaviorTree {
	t.Helper()
	bb := NewBlackboard()
	for name, v := range keys {
		switch v := v.(type) {
		case int:
			_, err := Define(bb, name, v)
			require.NoError(t, err)
		case string:
			_, err := Define(bb, name, v)
			require.NoError(t, err)
		case float64:
			_, err := Define(bb, name, v)
			require.NoError(t, err)
		default:
			_, err := Define[any](bb, name, v)
			require.NoError(t, err)
		}
	}
	tree, err := NewBehaviorTree("test", NewRoot(child), bb, WithClock(&ManualClock{}))
	require.NoError(t, err)
	return tree
}

func TestCompare_GatesChild(t *testing.T) {
	t.Parallel()

	child := newSpy("c", StatusSuccess)
	cmp := &CompareNode{
		Left:  Operand{Key: "health"},
		Op:    OpLess,
		Right: Operand{Value: 30.0},
	}
	cmp.SetChild(child)
	tree := treeWith(t, cmp, map[string]any{"health": 50})

	assert.Equal(t, StatusFailure, tree.Tick())
	assert.Zero(t, child.processes, "child not ticked when the comparison fails")

	SetValue(tree.Blackboard(), "health", 10)
	assert.Equal(t, StatusSuccess, tree.Tick(), "keys are resolved every tick")
	assert.Equal(t, 1, child.processes)

	cmp.Invert = true
	assert.Equal(t, StatusFailure, tree.Tick())
}

func TestCompare_NoChildAndMissingKey(t *testing.T) {
	t.Parallel()

	cmp := &CompareNode{Left: Operand{Key: "name"}, Op: OpEqual, Right: Operand{Value: "bot"}}
	tree := treeWith(t, cmp, map[string]any{"name": "bot"})
	assert.Equal(t, StatusSuccess, tree.Tick())

	missing := &CompareNode{Left: Operand{Key: "nope"}, Op: OpEqual, Right: Operand{Value: 1}}
	tree = treeWith(t, missing, nil)
	assert.Equal(t, StatusFailure, tree.Tick())
}

func TestExpression_Decorator(t *testing.T) {
	t.Parallel()

	child := newSpy("c", StatusRunning)
	ex := &ExpressionNode{Expression: `health < 30 && name == "bot"`}
	ex.SetChild(child)
	tree := treeWith(t, ex, map[string]any{"health": 50, "name": "bot"})

	require.NoError(t, ex.Compile())
	assert.Equal(t, StatusFailure, tree.Tick())

	SetValue(tree.Blackboard(), "health", 20)
	assert.Equal(t, StatusRunning, tree.Tick())

	bad := &ExpressionNode{Expression: `health <`}
	assert.Error(t, bad.Compile())
	tree = treeWith(t, bad, map[string]any{"health": 1})
	assert.Equal(t, StatusFailure, tree.Tick())
}

func TestSucceeder(t *testing.T) {
	t.Parallel()

	s := Init(&SucceederNode{}, "s")
	s.SetChild(newSpy("c", StatusFailure))
	assert.Equal(t, StatusSuccess, s.Process())

	s.SetChild(newSpy("c", StatusRunning))
	assert.Equal(t, StatusRunning, s.Process())
}

func TestRepeat_CountsRuns(t *testing.T) {
	t.Parallel()

	child := newSpy("c", StatusSuccess)
	r := Init(&RepeatNode{Count: 3}, "r")
	r.SetChild(child)

	assert.Equal(t, StatusRunning, r.Process())
	assert.Equal(t, StatusRunning, r.Process())
	assert.Equal(t, StatusSuccess, r.Process())
	assert.Equal(t, 3, child.enters)
	assert.Equal(t, 3, r.Completed())

	child.Result = StatusFailure
	assert.Equal(t, StatusFailure, r.Process())
	assert.Zero(t, r.Completed())
}

func TestWait_UsesTreeClock(t *testing.T) {
	t.Parallel()

	clock := &ManualClock{}
	w := &WaitNode{Duration: 2 * time.Second}
	tree, err := NewBehaviorTree("wait", NewRoot(w), nil, WithClock(clock))
	require.NoError(t, err)

	assert.Equal(t, StatusRunning, tree.Tick())
	clock.Advance(time.Second)
	assert.Equal(t, StatusRunning, tree.Tick())
	clock.Advance(time.Second)
	assert.Equal(t, StatusSuccess, tree.Tick())
}

func TestSetKey_LiteralAndCopy(t *testing.T) {
	t.Parallel()

	seq := NewSequence(
		&SetKeyNode{Key: "target", Value: 7},
		&SetKeyNode{Key: "copy", From: "target"},
	)
	tree := treeWith(t, seq, map[string]any{"target": 0, "copy": 0})
	assert.Equal(t, StatusSuccess, tree.Tick())
	v, ok := GetValue[int](tree.Blackboard(), "copy")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	bad := &SetKeyNode{Key: "target", Value: "seven"}
	tree = treeWith(t, bad, map[string]any{"target": 1})
	assert.Equal(t, StatusFailure, tree.Tick())
}
