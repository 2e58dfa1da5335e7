package behavior

// CounterService increments an int key every time it fires.
type CounterService struct {
	ServiceNode
	Key string `param:"key"`
}

func (n *CounterService) OnTick() {
	bb := n.Blackboard()
	v, ok := GetValue[int](bb, n.Key)
	if !ok {
		return
	}
	SetValue(bb, n.Key, v+1)
}

func (n *CounterService) Clone() Node { return CloneNode(n) }

// LogService logs the blackboard contents every time it fires.
type LogService struct {
	ServiceNode
	Message string `param:"message"`
}

func (n *LogService) OnTick() {
	msg := n.Message
	if msg == "" {
		msg = "blackboard"
	}
	n.Logger().Debug(msg, "node", n.ID(), "values", n.Blackboard().Snapshot())
}

func (n *LogService) Clone() Node { return CloneNode(n) }
