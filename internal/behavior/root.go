package behavior

// RootNode is the single entry point of a tree. It owns exactly one child.
type RootNode struct {
	AuxiliaryNode
}

func NewRoot(child Node) *RootNode {
	n := Init(&RootNode{}, "Root")
	n.SetChild(child)
	return n
}

func (n *RootNode) Kind() Kind { return KindRoot }

func (n *RootNode) OnProcess() Status {
	if n.child == nil {
		n.Logger().Warn("root has no child", "node", n.ID())
		return StatusFailure
	}
	return n.child.Process()
}

func (n *RootNode) Clone() Node { return CloneNode(n) }
