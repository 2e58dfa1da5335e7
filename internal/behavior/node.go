package behavior

import (
	"log/slog"

	"github.com/google/uuid"
)

// Kind classifies a node by its structural role.
type Kind int

const (
	KindAction Kind = iota
	KindDecorator
	KindService
	KindComposite
	KindRoot
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindDecorator:
		return "decorator"
	case KindService:
		return "service"
	case KindComposite:
		return "composite"
	case KindRoot:
		return "root"
	default:
		return "unknown"
	}
}

// Node is the capability set shared by every tree element.
//
// Concrete node types embed one of ActionNode, DecoratorNode, ServiceNode,
// CompositeNode or RootNode, implement OnProcess (and optionally OnEnter and
// OnExit), and implement Clone with CloneNode. Process is provided by BaseNode
// and must not be redefined. Clone must be defined on every concrete type,
// including types that embed a built-in node such as SelectorNode: the
// promoted Clone would return the embedded type. Registration and tree
// cloning reject such types with ErrCloneType.
type Node interface {
	ID() string
	Name() string
	SetName(name string)
	Position() Position
	SetPosition(p Position)
	Kind() Kind

	Status() Status
	IsProcessing() bool

	Process() Status
	Reset()
	Clone() Node

	OnEnter()
	OnProcess() Status
	OnExit()

	base() *BaseNode
}

// treeContext is what a bound node can see of its tree.
type treeContext struct {
	blackboard *Blackboard
	clock      Clock
	logger     *slog.Logger
}

// BaseNode carries the identity and lifecycle state of a node. It is embedded
// (through ActionNode, DecoratorNode, ServiceNode, CompositeNode or RootNode)
// by every node type.
type BaseNode struct {
	id       string
	name     string
	position Position

	status     Status
	processing bool

	// self is the outer node; Process dispatches the lifecycle hooks to it.
	self Node
	tree *treeContext
}

// Init binds a standalone node so its Process dispatches to n's hooks. Trees
// bind their nodes themselves; Init is only needed for nodes ticked directly.
func Init[N Node](n N, name string) N {
	b := n.base()
	b.self = n
	b.status = StatusFailure
	if name != "" {
		b.name = name
	}
	return n
}

// AssignID sets the node identifier. An identifier can be assigned only once.
func AssignID(n Node, id string) error {
	b := n.base()
	if b.id != "" {
		return ErrIDAssigned
	}
	b.id = id
	return nil
}

func (b *BaseNode) base() *BaseNode { return b }

// ID returns the stable node identifier, generating one on first use.
func (b *BaseNode) ID() string {
	if b.id == "" {
		b.id = uuid.NewString()
	}
	return b.id
}

func (b *BaseNode) Name() string { return b.name }
func (b *BaseNode) SetName(name string) { b.name = name }
func (b *BaseNode) Position() Position { return b.position }
func (b *BaseNode) SetPosition(p Position) { b.position = p }
func (b *BaseNode) Status() Status { return b.status }
func (b *BaseNode) IsProcessing() bool { return b.processing }

func (b *BaseNode) OnEnter() {}
func (b *BaseNode) OnExit() {}

// Process runs one lifecycle step. OnEnter runs when the node was idle, OnExit
// runs on any terminal status.
func (b *BaseNode) Process() Status {
	self := b.self
	if self == nil {
		b.Logger().Warn("process on unbound node", "node", b.ID(), "name", b.name)
		b.status = StatusFailure
		return b.status
	}
	if !b.processing {
		if e, ok := self.(enterer); ok {
			e.enterEdges()
		}
		self.OnEnter()
		b.processing = true
	}
	b.status = self.OnProcess()
	if b.status != StatusRunning {
		self.OnExit()
		b.processing = false
		if r, ok := self.(releaser); ok {
			r.releaseAbandoned()
		}
	}
	return b.status
}

// Reset returns the node to idle with a Failure status without running OnExit.
func (b *BaseNode) Reset() {
	b.status = StatusFailure
	b.processing = false
}

// Blackboard returns the blackboard of the tree the node is bound to.
func (b *BaseNode) Blackboard() *Blackboard {
	if b.tree == nil {
		return nil
	}
	return b.tree.blackboard
}

// Clock returns the tree clock, or the process-wide real clock when unbound.
func (b *BaseNode) Clock() Clock {
	if b.tree == nil || b.tree.clock == nil {
		return defaultClock
	}
	return b.tree.clock
}

func (b *BaseNode) Logger() *slog.Logger {
	if b.tree == nil || b.tree.logger == nil {
		return slog.Default()
	}
	return b.tree.logger
}

// Self returns the outer node b is embedded in.
func (b *BaseNode) Self() Node { return b.self }

// adopt makes b the base of a fresh copy whose outer node is self.
func (b *BaseNode) adopt(self Node) {
	b.self = self
	b.tree = nil
	b.status = StatusFailure
	b.processing = false
}

// CloneNode copies the node's own fields into a new node of the same type.
// Edges (child, children, decorators, services) are not copied; the owning
// tree rewires them. Identifier and name are preserved.
func CloneNode[T any, P interface {
	*T
	Node
}](n P) P {
	n.ID()
	c := P(new(T))
	*c = *n
	c.base().adopt(c)
	if l, ok := any(c).(linker); ok {
		l.detachEdges()
	}
	c.Reset()
	return c
}

// enterer is implemented by nodes that prepare their edges before OnEnter.
type enterer interface {
	enterEdges()
}

// releaser is implemented by nodes that own children which can be left
// processing when the owner terminates.
type releaser interface {
	releaseAbandoned()
}

type edgeKind int

const (
	edgeChild edgeKind = iota
	edgeDecorator
	edgeService
)

func (k edgeKind) String() string {
	switch k {
	case edgeChild:
		return "child"
	case edgeDecorator:
		return "decorator"
	case edgeService:
		return "service"
	default:
		return "unknown"
	}
}

// linker exposes the structural edges of nodes that own other nodes.
type linker interface {
	edges(kind edgeKind) []Node
	setEdges(kind edgeKind, nodes []Node)
	detachEdges()
}
