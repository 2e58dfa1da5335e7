package behavior

import "time"

// ActionNode is the base for leaf nodes.
type ActionNode struct {
	BaseNode
}

func (n *ActionNode) Kind() Kind { return KindAction }

// AuxiliaryNode wraps at most one child.
type AuxiliaryNode struct {
	BaseNode
	child Node
}

func (n *AuxiliaryNode) Child() Node { return n.child }

func (n *AuxiliaryNode) SetChild(child Node) { n.child = child }

// Reset resets the node and its child subtree.
func (n *AuxiliaryNode) Reset() {
	n.BaseNode.Reset()
	if n.child != nil {
		n.child.Reset()
	}
}

func (n *AuxiliaryNode) releaseAbandoned() {
	if n.child != nil && n.child.IsProcessing() {
		n.child.Reset()
	}
}

func (n *AuxiliaryNode) edges(kind edgeKind) []Node {
	if kind != edgeChild || n.child == nil {
		return nil
	}
	return []Node{n.child}
}

func (n *AuxiliaryNode) setEdges(kind edgeKind, nodes []Node) {
	if kind != edgeChild {
		return
	}
	n.child = nil
	if len(nodes) > 0 {
		n.child = nodes[0]
	}
}

func (n *AuxiliaryNode) detachEdges() { n.child = nil }

// DecoratorNode sits on the main flow path and transforms or gates the result
// of its child. Without a child the default OnProcess reports Success.
type DecoratorNode struct {
	AuxiliaryNode
}

func (n *DecoratorNode) Kind() Kind { return KindDecorator }

func (n *DecoratorNode) OnProcess() Status {
	if n.child == nil {
		return StatusSuccess
	}
	return n.child.Process()
}

// ticker is implemented by services with their own OnTick.
type ticker interface {
	OnTick()
}

// ServiceNode runs OnTick on a timer while the composite it is attached to is
// active. It always reports Success.
//
// A service is armed the first time its owner ticks it after entering: the
// last execution time is primed to -Interval and RunOnEnter fires
// immediately. On every tick it fires when more than Interval has passed
// since the last execution, so without RunOnEnter a service armed at clock 0
// first fires once the clock has moved. The owner disarms its services when
// it is entered again or reset.
type ServiceNode struct {
	AuxiliaryNode
	Interval   time.Duration `param:"interval"`
	RunOnEnter bool          `param:"run_on_enter"`

	lastExecution time.Duration
	armed         bool
}

func (n *ServiceNode) Kind() Kind { return KindService }

// OnTick is the service action. The default processes the child, if any.
func (n *ServiceNode) OnTick() {
	if n.child != nil {
		n.child.Process()
	}
}

// LastExecution is the clock reading of the most recent fire.
func (n *ServiceNode) LastExecution() time.Duration { return n.lastExecution }

func (n *ServiceNode) OnProcess() Status {
	now := n.Clock().Now()
	if !n.armed {
		n.armed = true
		n.lastExecution = -n.Interval
		if n.RunOnEnter {
			n.fire(now)
		}
	}
	if now-n.lastExecution > n.Interval {
		n.fire(now)
	}
	return StatusSuccess
}

func (n *ServiceNode) fire(now time.Duration) {
	n.lastExecution = now
	if t, ok := n.self.(ticker); ok {
		t.OnTick()
		return
	}
	n.OnTick()
}

func (n *ServiceNode) disarm() {
	n.armed = false
}

func (n *ServiceNode) Reset() {
	n.AuxiliaryNode.Reset()
	n.disarm()
}

type disarmer interface {
	disarm()
}
