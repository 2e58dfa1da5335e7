package behavior

import (
	"fmt"
	"log/slog"
	"reflect"
)

var edgeKinds = [...]edgeKind{edgeDecorator, edgeService, edgeChild}

// Option configures a tree.
type Option func(*BehaviorTree)

// WithClock sets the clock read by services and timed actions.
func WithClock(c Clock) Option {
	return func(t *BehaviorTree) { t.ctx.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *BehaviorTree) { t.ctx.logger = l }
}

// BehaviorTree owns a root node, every node reachable from it and one
// blackboard. A tree built with NewBehaviorTree is a template; Initialize turns
// it into independent runtime instances.
type BehaviorTree struct {
	Name string

	root  *RootNode
	ctx   *treeContext
	order []Node
	byID  map[string]Node
}

// NewBehaviorTree validates the graph under root and binds every node to the
// tree. A nil blackboard is replaced by an empty one.
func NewBehaviorTree(name string, root *RootNode, bb *Blackboard, opts ...Option) (*BehaviorTree, error) {
	if root == nil {
		return nil, ErrNoRoot
	}
	if bb == nil {
		bb = NewBlackboard()
	}
	t := &BehaviorTree{
		Name: name,
		root: root,
		ctx:  &treeContext{blackboard: bb, clock: defaultClock, logger: slog.Default()},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.ctx.clock == nil {
		t.ctx.clock = defaultClock
	}
	if t.ctx.logger == nil {
		t.ctx.logger = slog.Default()
	}
	bb.logger = t.ctx.logger
	if err := t.index(); err != nil {
		return nil, fmt.Errorf("tree %q: %w", name, err)
	}
	t.bind()
	return t, nil
}

// index walks the graph in pre-order (decorators, services, then children)
// and rejects cycles, shared nodes, duplicate ids, misplaced kinds and graphs
// deeper than MaxTreeDepth.
func (t *BehaviorTree) index() error {
	seen := make(map[Node]bool)
	onPath := make(map[Node]bool)
	t.byID = make(map[string]Node)
	t.order = t.order[:0]

	var visit func(n Node, depth int) error
	visit = func(n Node, depth int) error {
		if depth > MaxTreeDepth {
			return ErrTooDeep
		}
		if onPath[n] {
			return fmt.Errorf("%w at node %s", ErrCycle, n.ID())
		}
		if seen[n] {
			return fmt.Errorf("%w: %s", ErrSharedNode, n.ID())
		}
		id := n.ID()
		if _, ok := t.byID[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[n] = true
		onPath[n] = true
		t.byID[id] = n
		t.order = append(t.order, n)

		if l, ok := n.(linker); ok {
			for _, kind := range edgeKinds {
				for _, c := range l.edges(kind) {
					if c == nil {
						continue
					}
					if !allowedOn(kind, c.Kind()) {
						return fmt.Errorf("%w: %s %s as %s of %s", ErrMisplaced, c.Kind(), c.ID(), kind, id)
					}
					if err := visit(c, depth+1); err != nil {
						return err
					}
				}
			}
		}
		delete(onPath, n)
		return nil
	}
	return visit(t.root, 0)
}

func allowedOn(edge edgeKind, k Kind) bool {
	switch edge {
	case edgeDecorator:
		return k == KindDecorator
	case edgeService:
		return k == KindService
	default:
		return k != KindService && k != KindRoot
	}
}

func (t *BehaviorTree) bind() {
	for _, n := range t.order {
		b := n.base()
		b.self = n
		b.tree = t.ctx
	}
}

// Clone deep-copies the tree. Pass one clones every node into a map keyed by
// node id; pass two rewires each clone's edges through that map. The
// blackboard is cloned once and shared by every cloned node. No lifecycle hook
// runs during cloning.
func (t *BehaviorTree) Clone(opts ...Option) (*BehaviorTree, error) {
	clones := make(map[string]Node, len(t.order))
	for _, n := range t.order {
		c := n.Clone()
		if reflect.TypeOf(c) != reflect.TypeOf(n) {
			return nil, fmt.Errorf("%w: %s is %T, clone is %T", ErrCloneType, n.ID(), n, c)
		}
		clones[n.ID()] = c
	}

	for _, n := range t.order {
		src, ok := n.(linker)
		if !ok {
			continue
		}
		dst, ok := clones[n.ID()].(linker)
		if !ok {
			return nil, fmt.Errorf("clone of %s dropped its edges", n.ID())
		}
		for _, kind := range edgeKinds {
			edges := src.edges(kind)
			if len(edges) == 0 {
				continue
			}
			rewired := make([]Node, len(edges))
			for i, c := range edges {
				if c != nil {
					rewired[i] = clones[c.ID()]
				}
			}
			dst.setEdges(kind, rewired)
		}
	}

	root, ok := clones[t.root.ID()].(*RootNode)
	if !ok {
		return nil, ErrNoRoot
	}
	bb := t.ctx.blackboard.Clone()
	base := []Option{WithClock(t.ctx.clock), WithLogger(t.ctx.logger)}
	return NewBehaviorTree(t.Name, root, bb, append(base, opts...)...)
}

// Initialize produces a runtime instance of template.
func Initialize(template *BehaviorTree, opts ...Option) (*BehaviorTree, error) {
	if template == nil {
		return nil, ErrNoRoot
	}
	return template.Clone(opts...)
}

// Tick processes the root once. A panic inside a node is logged, the tree is
// reset and the tick reports Failure.
func (t *BehaviorTree) Tick() (status Status) {
	defer func() {
		if r := recover(); r != nil {
			t.ctx.logger.Error("tick panicked", "tree", t.Name, "panic", r)
			t.root.Reset()
			status = StatusFailure
		}
	}()
	return t.root.Process()
}

// ResetRun returns every node to idle without running OnExit.
func (t *BehaviorTree) ResetRun() {
	t.root.Reset()
}

// Abort runs OnExit on every processing node, deepest first, then resets the
// tree.
func (t *BehaviorTree) Abort() {
	var exit func(n Node)
	exit = func(n Node) {
		if n == nil || !n.IsProcessing() {
			return
		}
		if l, ok := n.(linker); ok {
			for _, kind := range edgeKinds {
				for _, c := range l.edges(kind) {
					exit(c)
				}
			}
		}
		n.OnExit()
	}
	exit(t.root)
	t.root.Reset()
}

func (t *BehaviorTree) Root() *RootNode { return t.root }

func (t *BehaviorTree) Blackboard() *Blackboard { return t.ctx.blackboard }

func (t *BehaviorTree) Clock() Clock { return t.ctx.clock }

func (t *BehaviorTree) Logger() *slog.Logger { return t.ctx.logger }

// Status is the status returned by the most recent tick.
func (t *BehaviorTree) Status() Status { return t.root.Status() }

func (t *BehaviorTree) IsRunning() bool { return t.root.IsProcessing() }

// Node looks a node up by id.
func (t *BehaviorTree) Node(id string) (Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

// Nodes lists every node in pre-order.
func (t *BehaviorTree) Nodes() []Node {
	return append([]Node(nil), t.order...)
}
