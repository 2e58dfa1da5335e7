package behavior

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// WaitNode runs until Duration has passed on the tree clock.
type WaitNode struct {
	ActionNode
	Duration time.Duration `param:"duration"`

	started time.Duration
}

func (n *WaitNode) OnEnter() { n.started = n.Clock().Now() }

func (n *WaitNode) OnProcess() Status {
	if n.Clock().Now()-n.started >= n.Duration {
		return StatusSuccess
	}
	return StatusRunning
}

func (n *WaitNode) Clone() Node { return CloneNode(n) }

// SetKeyNode writes Value, or the current value of the From key, into Key.
type SetKeyNode struct {
	ActionNode
	Key   string `param:"key"`
	Value any    `param:"value"`
	From  string `param:"from"`
}

func (n *SetKeyNode) OnProcess() Status {
	bb := n.Blackboard()
	v := n.Value
	if n.From != "" {
		var ok bool
		if v, ok = bb.ValueObject(n.From); !ok {
			n.Logger().Warn("set_key source missing", "node", n.ID(), "key", n.From)
			return StatusFailure
		}
	}
	if !bb.SetValueObject(n.Key, v) {
		return StatusFailure
	}
	return StatusSuccess
}

func (n *SetKeyNode) Clone() Node { return CloneNode(n) }

// LogNode writes Message to the tree logger and succeeds.
type LogNode struct {
	ActionNode
	Message string `param:"message"`
	Level   string `param:"level"`
}

func (n *LogNode) OnProcess() Status {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(n.Level))); err != nil {
		level = slog.LevelInfo
	}
	n.Logger().Log(context.Background(), level, n.Message, "node", n.ID(), "name", n.Name())
	return StatusSuccess
}

func (n *LogNode) Clone() Node { return CloneNode(n) }

// StatusNode always reports Result.
type StatusNode struct {
	ActionNode
	Result Status `param:"status"`
}

func NewStatusNode(s Status) *StatusNode {
	return Init(&StatusNode{Result: s}, s.String())
}

func (n *StatusNode) OnProcess() Status { return n.Result }

func (n *StatusNode) Clone() Node { return CloneNode(n) }

// FuncAction adapts a function into a leaf node.
type FuncAction struct {
	ActionNode
	Action func(bb *Blackboard) Status
}

func NewFuncAction(name string, fn func(bb *Blackboard) Status) *FuncAction {
	return Init(&FuncAction{Action: fn}, name)
}

func (n *FuncAction) OnProcess() Status {
	if n.Action == nil {
		return StatusFailure
	}
	return n.Action(n.Blackboard())
}

func (n *FuncAction) Clone() Node { return CloneNode(n) }

// FuncCondition succeeds when Condition returns true.
type FuncCondition struct {
	ActionNode
	Condition func(bb *Blackboard) bool
}

func NewFuncCondition(name string, fn func(bb *Blackboard) bool) *FuncCondition {
	return Init(&FuncCondition{Condition: fn}, name)
}

func (n *FuncCondition) OnProcess() Status {
	if n.Condition != nil && n.Condition(n.Blackboard()) {
		return StatusSuccess
	}
	return StatusFailure
}

func (n *FuncCondition) Clone() Node { return CloneNode(n) }
