package asset

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/treefleet/internal/behavior"
)

func loadPatrol(t *testing.T) Spec {
	t.Helper()
	spec, err := Load(filepath.Join("testdata", "patrol.yaml"))
	require.NoError(t, err)
	return spec
}

func TestLoad_Patrol(t *testing.T) {
	t.Parallel()

	spec := loadPatrol(t)
	assert.Equal(t, "patrol", spec.Name)
	assert.Equal(t, "main", spec.Root)
	assert.Len(t, spec.Nodes, 9)
	assert.Len(t, spec.Blackboard, 4)

	n, ok := spec.Node("wait_rest")
	require.True(t, ok)
	assert.Equal(t, "wait", n.Type)
}

func TestBuild_Patrol(t *testing.T) {
	t.Parallel()

	clock := &behavior.ManualClock{}
	tmpl, err := Build(loadPatrol(t), nil, behavior.WithClock(clock))
	require.NoError(t, err)
	assert.Equal(t, "patrol", tmpl.Name)
	assert.Equal(t, RootID, tmpl.Root().ID())

	cmpNode, ok := tmpl.Node("low_health")
	require.True(t, ok)
	cmp := cmpNode.(*behavior.CompareNode)
	assert.Equal(t, behavior.OpLess, cmp.Op)
	assert.Equal(t, "health", cmp.Left.Key)

	svcNode, _ := tmpl.Node("count")
	svc := svcNode.(*behavior.CounterService)
	assert.Equal(t, 500*time.Millisecond, svc.Interval)
	assert.True(t, svc.RunOnEnter)

	waitNode, _ := tmpl.Node("wait_rest")
	assert.Equal(t, 2*time.Second, waitNode.(*behavior.WaitNode).Duration)

	key := tmpl.Blackboard().Key("health")
	require.NotNil(t, key)
	assert.Equal(t, "status", key.Category())
	rest, ok := behavior.GetValue[time.Duration](tmpl.Blackboard(), "rest")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, rest)

	inst, err := behavior.Initialize(tmpl)
	require.NoError(t, err)
	assert.Equal(t, behavior.StatusSuccess, inst.Tick(), "healthy tree patrols")

	behavior.SetValue(inst.Blackboard(), "health", 10)
	assert.Equal(t, behavior.StatusRunning, inst.Tick(), "low health retreats and rests")
	mode, _ := behavior.GetValue[string](inst.Blackboard(), "mode")
	assert.Equal(t, "retreat", mode)

	clock.Advance(2 * time.Second)
	assert.Equal(t, behavior.StatusSuccess, inst.Tick())

	tmplMode, _ := behavior.GetValue[string](tmpl.Blackboard(), "mode")
	assert.Equal(t, "patrol", tmplMode)
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	base := func() Spec {
		return Spec{
			Name: "t",
			Root: "a",
			Nodes: []NodeSpec{
				{ID: "a", Type: "sequence", Children: []string{"b"}},
				{ID: "b", Type: "succeed"},
			},
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"no name", func(s *Spec) { s.Name = "" }},
		{"no root", func(s *Spec) { s.Root = "" }},
		{"root missing", func(s *Spec) { s.Root = "zzz" }},
		{"duplicate id", func(s *Spec) { s.Nodes = append(s.Nodes, NodeSpec{ID: "b", Type: "fail"}) }},
		{"reserved id", func(s *Spec) { s.Nodes = append(s.Nodes, NodeSpec{ID: RootID, Type: "fail"}) }},
		{"missing type", func(s *Spec) { s.Nodes[1].Type = "" }},
		{"dangling ref", func(s *Spec) { s.Nodes[0].Children = append(s.Nodes[0].Children, "ghost") }},
		{"shared ref", func(s *Spec) { s.Nodes[0].Children = append(s.Nodes[0].Children, "b") }},
		{"root referenced", func(s *Spec) { s.Nodes[0].Children = append(s.Nodes[0].Children, "a") }},
		{"duplicate key", func(s *Spec) {
			s.Blackboard = []KeySpec{{Name: "k", Type: "int"}, {Name: "k", Type: "int"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := base()
			tt.mutate(&s)
			assert.ErrorIs(t, s.Validate(), ErrInvalid)
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec Spec
		is   error
	}{
		{
			name: "unknown type",
			spec: Spec{Name: "t", Root: "a", Nodes: []NodeSpec{{ID: "a", Type: "teleport"}}},
			is:   behavior.ErrUnknownType,
		},
		{
			name: "children on a leaf",
			spec: Spec{Name: "t", Root: "a", Nodes: []NodeSpec{
				{ID: "a", Type: "succeed", Children: []string{"b"}},
				{ID: "b", Type: "fail"},
			}},
			is: ErrInvalid,
		},
		{
			name: "two children on a decorator",
			spec: Spec{Name: "t", Root: "a", Nodes: []NodeSpec{
				{ID: "a", Type: "inverter", Children: []string{"b", "c"}},
				{ID: "b", Type: "fail"},
				{ID: "c", Type: "fail"},
			}},
			is: ErrInvalid,
		},
		{
			name: "action as decorator",
			spec: Spec{Name: "t", Root: "a", Nodes: []NodeSpec{
				{ID: "a", Type: "sequence", Decorators: []string{"b"}},
				{ID: "b", Type: "fail"},
			}},
			is: behavior.ErrMisplaced,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Build(tt.spec, behavior.NewBuiltinRegistry())
			assert.ErrorIs(t, err, tt.is)
		})
	}

	_, err := Build(Spec{Name: "t", Root: "a", Nodes: []NodeSpec{
		{ID: "a", Type: "wait", Params: map[string]any{"durration": "1s"}},
	}}, nil)
	assert.Error(t, err, "unknown params are rejected")

	_, err = Build(Spec{Name: "t", Root: "a", Nodes: []NodeSpec{
		{ID: "a", Type: "compare", Params: map[string]any{"op": "~"}},
	}}, nil)
	assert.Error(t, err)

	_, err = Build(Spec{Name: "t", Root: "a", Nodes: []NodeSpec{
		{ID: "a", Type: "expression", Params: map[string]any{"expression": "1 +"}},
	}}, nil)
	assert.Error(t, err)

	_, err = Build(Spec{Name: "t", Root: "a", Blackboard: []KeySpec{{Name: "k", Type: "int", Value: "x"}},
		Nodes: []NodeSpec{{ID: "a", Type: "succeed"}}}, nil)
	assert.Error(t, err)
}

func TestSpec_MarshalRoundTrip(t *testing.T) {
	t.Parallel()

	spec := loadPatrol(t)
	raw, err := spec.Marshal()
	require.NoError(t, err)
	again, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, spec.Root, again.Root)
	assert.Len(t, again.Nodes, len(spec.Nodes))

	_, err = Build(again, nil)
	require.NoError(t, err)
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("  \n"))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse([]byte("name: [unclosed"))
	assert.Error(t, err)
}

func TestBuild_StatusParam(t *testing.T) {
	t.Parallel()

	tmpl, err := Build(Spec{Name: "t", Root: "a", Nodes: []NodeSpec{
		{ID: "a", Type: "succeed", Params: map[string]any{"status": "running"}},
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, behavior.StatusRunning, tmpl.Tick())
}
