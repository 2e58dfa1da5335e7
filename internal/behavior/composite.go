package behavior

// CompositeNode owns an ordered list of children plus the decorators that gate
// it and the services that run alongside it.
type CompositeNode struct {
	BaseNode
	children   []Node
	decorators []Node
	services   []Node
}

func (n *CompositeNode) Kind() Kind { return KindComposite }

func (n *CompositeNode) AddChild(children ...Node) { n.children = append(n.children, children...) }

func (n *CompositeNode) AddDecorator(decorators ...Node) {
	n.decorators = append(n.decorators, decorators...)
}

func (n *CompositeNode) AddService(services ...Node) { n.services = append(n.services, services...) }

func (n *CompositeNode) Children() []Node { return append([]Node(nil), n.children...) }
func (n *CompositeNode) Decorators() []Node { return append([]Node(nil), n.decorators...) }
func (n *CompositeNode) Services() []Node { return append([]Node(nil), n.services...) }

// AreDecoratorsSatisfied processes every decorator in order and reports false
// at the first Failure. Decorators are evaluated fresh on every call.
func (n *CompositeNode) AreDecoratorsSatisfied() bool {
	for _, d := range n.decorators {
		if d == nil {
			continue
		}
		if d.Process() == StatusFailure {
			return false
		}
	}
	return true
}

// TickServices processes every service in order. Service results are ignored.
func (n *CompositeNode) TickServices() {
	for _, s := range n.services {
		if s != nil {
			s.Process()
		}
	}
}

// Reset resets the node together with its children, decorators and services.
func (n *CompositeNode) Reset() {
	n.BaseNode.Reset()
	for _, set := range [][]Node{n.decorators, n.services, n.children} {
		for _, c := range set {
			if c != nil {
				c.Reset()
			}
		}
	}
}

func (n *CompositeNode) enterEdges() {
	for _, s := range n.services {
		if d, ok := s.(disarmer); ok {
			d.disarm()
		}
	}
}

// releaseAbandoned resets any attached node left processing when the
// composite terminates.
func (n *CompositeNode) releaseAbandoned() {
	for _, set := range [][]Node{n.decorators, n.services, n.children} {
		for _, c := range set {
			if c != nil && c.IsProcessing() {
				c.Reset()
			}
		}
	}
}

func (n *CompositeNode) edges(kind edgeKind) []Node {
	switch kind {
	case edgeChild:
		return n.children
	case edgeDecorator:
		return n.decorators
	case edgeService:
		return n.services
	}
	return nil
}

func (n *CompositeNode) setEdges(kind edgeKind, nodes []Node) {
	switch kind {
	case edgeChild:
		n.children = nodes
	case edgeDecorator:
		n.decorators = nodes
	case edgeService:
		n.services = nodes
	}
}

func (n *CompositeNode) detachEdges() {
	n.children = nil
	n.decorators = nil
	n.services = nil
}

func processChild(c Node) Status {
	if c == nil {
		return StatusFailure
	}
	return c.Process()
}

// SelectorNode ticks its children in order until one does not fail.
type SelectorNode struct {
	CompositeNode
	current int
}

func NewSelector(children ...Node) *SelectorNode {
	n := Init(&SelectorNode{}, "Selector")
	n.AddChild(children...)
	return n
}

// CurrentChildIndex is the child the selector resumes from.
func (n *SelectorNode) CurrentChildIndex() int { return n.current }

func (n *SelectorNode) OnEnter() { n.current = 0 }

func (n *SelectorNode) OnProcess() Status {
	if !n.AreDecoratorsSatisfied() {
		return StatusFailure
	}
	n.TickServices()
	for i := n.current; i < len(n.children); i++ {
		n.current = i
		switch processChild(n.children[i]) {
		case StatusSuccess:
			return StatusSuccess
		case StatusRunning:
			return StatusRunning
		}
	}
	return StatusFailure
}

func (n *SelectorNode) Reset() {
	n.CompositeNode.Reset()
	n.current = 0
}

func (n *SelectorNode) Clone() Node { return CloneNode(n) }

// SequenceNode ticks its children in order until one does not succeed. An
// empty sequence succeeds.
//
// Sequences are gated by their decorators and tick their services exactly like
// selectors do.
type SequenceNode struct {
	CompositeNode
	current int
}

func NewSequence(children ...Node) *SequenceNode {
	n := Init(&SequenceNode{}, "Sequence")
	n.AddChild(children...)
	return n
}

func (n *SequenceNode) CurrentChildIndex() int { return n.current }

func (n *SequenceNode) OnEnter() { n.current = 0 }

func (n *SequenceNode) OnProcess() Status {
	if !n.AreDecoratorsSatisfied() {
		return StatusFailure
	}
	n.TickServices()
	for i := n.current; i < len(n.children); i++ {
		n.current = i
		switch processChild(n.children[i]) {
		case StatusFailure:
			return StatusFailure
		case StatusRunning:
			return StatusRunning
		}
	}
	return StatusSuccess
}

func (n *SequenceNode) Reset() {
	n.CompositeNode.Reset()
	n.current = 0
}

func (n *SequenceNode) Clone() Node { return CloneNode(n) }

// ParallelNode ticks every unfinished child each tick. It fails as soon as one
// child fails, keeps running while any child runs and succeeds once all have
// succeeded.
type ParallelNode struct {
	CompositeNode
	done []bool
}

func NewParallel(children ...Node) *ParallelNode {
	n := Init(&ParallelNode{}, "Parallel")
	n.AddChild(children...)
	return n
}

func (n *ParallelNode) OnEnter() { n.done = make([]bool, len(n.children)) }

func (n *ParallelNode) OnProcess() Status {
	if !n.AreDecoratorsSatisfied() {
		return StatusFailure
	}
	n.TickServices()
	if len(n.done) != len(n.children) {
		n.done = make([]bool, len(n.children))
	}
	running := 0
	for i, c := range n.children {
		if n.done[i] {
			continue
		}
		switch processChild(c) {
		case StatusFailure:
			return StatusFailure
		case StatusRunning:
			running++
		case StatusSuccess:
			n.done[i] = true
		}
	}
	if running > 0 {
		return StatusRunning
	}
	return StatusSuccess
}

func (n *ParallelNode) Reset() {
	n.CompositeNode.Reset()
	n.done = nil
}

func (n *ParallelNode) Clone() Node { return CloneNode(n) }
