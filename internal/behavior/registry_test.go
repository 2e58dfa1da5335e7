package behavior

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Builtins(t *testing.T) {
	t.Parallel()

	r := NewBuiltinRegistry()
	tests := map[string]Kind{
		"selector":        KindComposite,
		"sequence":        KindComposite,
		"parallel":        KindComposite,
		"inverter":        KindDecorator,
		"compare":         KindDecorator,
		"expression":      KindDecorator,
		"repeat":          KindDecorator,
		"counter_service": KindService,
		"wait":            KindAction,
		"fail":            KindAction,
	}
	for id, kind := range tests {
		nt, ok := r.Lookup(id)
		require.True(t, ok, id)
		assert.Equal(t, kind, nt.Kind, id)
		assert.NotEmpty(t, nt.Info.DisplayName, id)
	}

	n, err := r.New("fail")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, n.Process(), "registry nodes are bound")

	_, err = r.New("teleport")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegistry_RegisterCustom(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register("spy", NodeInfo{DisplayName: "Spy"}, func() Node { return &spy{Result: StatusSuccess} }))
	assert.ErrorIs(t, r.Register("spy", NodeInfo{}, func() Node { return &spy{} }), ErrTypeRegistered)
	assert.Error(t, r.Register("", NodeInfo{}, nil))

	types := r.Types()
	require.Len(t, types, 1)
	assert.Equal(t, "spy", types[0].ID)
	assert.Equal(t, KindAction, types[0].Kind)
	assert.Same(t, DefaultRegistry(), DefaultRegistry())
}

// enteringSelector overrides a hook but inherits SelectorNode's Clone.
type enteringSelector struct {
	SelectorNode
	entered int
}

func (n *enteringSelector) OnEnter() {
	n.entered++
	n.SelectorNode.OnEnter()
}

type clonedSelector struct {
	enteringSelector
}

func (n *clonedSelector) Clone() Node { return CloneNode(n) }

func TestRegistry_RejectsInheritedClone(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.Register("entering", NodeInfo{}, func() Node { return &enteringSelector{} })
	assert.ErrorIs(t, err, ErrCloneType)
	require.NoError(t, r.Register("cloned", NodeInfo{}, func() Node { return &clonedSelector{} }))

	tree, err := NewBehaviorTree("inherited", NewRoot(Init(&enteringSelector{}, "sel")), nil)
	require.NoError(t, err)
	_, err = Initialize(tree)
	assert.ErrorIs(t, err, ErrCloneType)

	own := Init(&clonedSelector{}, "sel")
	tree, err = NewBehaviorTree("own", NewRoot(own), nil)
	require.NoError(t, err)
	inst, err := Initialize(tree)
	require.NoError(t, err)
	sel, ok := inst.Node(own.ID())
	require.True(t, ok)
	assert.IsType(t, &clonedSelector{}, sel)
	assert.NotSame(t, own, sel)
}
