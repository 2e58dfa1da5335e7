package behavior

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// InverterNode swaps Success and Failure. Running passes through and a missing
// child counts as Success.
type InverterNode struct {
	DecoratorNode
}

func NewInverter(child Node) *InverterNode {
	n := Init(&InverterNode{}, "Inverter")
	n.SetChild(child)
	return n
}

func (n *InverterNode) OnProcess() Status {
	if n.child == nil {
		return StatusSuccess
	}
	switch s := n.child.Process(); s {
	case StatusSuccess:
		return StatusFailure
	case StatusFailure:
		return StatusSuccess
	default:
		return s
	}
}

func (n *InverterNode) Clone() Node { return CloneNode(n) }

// Operand is either a literal value or the name of a blackboard key that is
// looked up on every evaluation.
type Operand struct {
	Key   string `param:"key" yaml:"key,omitempty" json:"key,omitempty"`
	Value any    `param:"value" yaml:"value,omitempty" json:"value,omitempty"`
}

func (o Operand) String() string {
	if o.Key != "" {
		return "$" + o.Key
	}
	return fmt.Sprint(o.Value)
}

func (o Operand) resolve(bb *Blackboard) (any, bool) {
	if o.Key == "" {
		return o.Value, true
	}
	return bb.ValueObject(o.Key)
}

// CompareNode is a conditional decorator: it delegates to its child only when
// Left Op Right holds (after Invert). Otherwise it fails without ticking the
// child.
type CompareNode struct {
	DecoratorNode
	Left   Operand   `param:"left"`
	Op     CompareOp `param:"op"`
	Right  Operand   `param:"right"`
	Invert bool      `param:"invert"`
}

func (n *CompareNode) OnProcess() Status {
	bb := n.Blackboard()
	left, ok := n.Left.resolve(bb)
	if !ok {
		n.Logger().Warn("compare operand missing", "node", n.ID(), "key", n.Left.Key)
		return StatusFailure
	}
	right, ok := n.Right.resolve(bb)
	if !ok {
		n.Logger().Warn("compare operand missing", "node", n.ID(), "key", n.Right.Key)
		return StatusFailure
	}
	if Compare(left, n.Op, right) == n.Invert {
		return StatusFailure
	}
	return n.DecoratorNode.OnProcess()
}

func (n *CompareNode) Clone() Node { return CloneNode(n) }

// ExpressionNode is a conditional decorator driven by a boolean expr-lang
// expression. Blackboard keys are visible as variables.
type ExpressionNode struct {
	DecoratorNode
	Expression string `param:"expression"`
	Invert     bool   `param:"invert"`

	program *vm.Program
	source  string
}

// Compile checks the expression ahead of the first tick.
func (n *ExpressionNode) Compile() error {
	_, err := n.compiled()
	return err
}

func (n *ExpressionNode) compiled() (*vm.Program, error) {
	if n.program != nil && n.source == n.Expression {
		return n.program, nil
	}
	program, err := expr.Compile(n.Expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", n.Expression, err)
	}
	n.program = program
	n.source = n.Expression
	return program, nil
}

func (n *ExpressionNode) OnProcess() Status {
	program, err := n.compiled()
	if err != nil {
		n.Logger().Warn("expression compile failed", "node", n.ID(), "error", err)
		return StatusFailure
	}
	env := map[string]any{}
	if bb := n.Blackboard(); bb != nil {
		env = bb.Snapshot()
	}
	out, err := expr.Run(program, env)
	if err != nil {
		n.Logger().Warn("expression evaluation failed", "node", n.ID(), "expression", n.Expression, "error", err)
		return StatusFailure
	}
	ok, isBool := out.(bool)
	if !isBool {
		n.Logger().Warn("expression returned non-boolean", "node", n.ID(), "type", fmt.Sprintf("%T", out))
		return StatusFailure
	}
	if ok == n.Invert {
		return StatusFailure
	}
	return n.DecoratorNode.OnProcess()
}

func (n *ExpressionNode) Clone() Node { return CloneNode(n) }

// SucceederNode reports Success whenever its child terminates.
type SucceederNode struct {
	DecoratorNode
}

func (n *SucceederNode) OnProcess() Status {
	if n.child == nil {
		return StatusSuccess
	}
	if n.child.Process() == StatusRunning {
		return StatusRunning
	}
	return StatusSuccess
}

func (n *SucceederNode) Clone() Node { return CloneNode(n) }

// RepeatNode runs its child Count times, reporting Running between runs. A
// child failure stops the loop with Failure. Count <= 0 repeats forever.
type RepeatNode struct {
	DecoratorNode
	Count int `param:"count"`

	done int
}

func (n *RepeatNode) OnEnter() { n.done = 0 }

// Completed is the number of child runs finished in the current activation.
func (n *RepeatNode) Completed() int { return n.done }

func (n *RepeatNode) OnProcess() Status {
	if n.child == nil {
		return StatusFailure
	}
	switch n.child.Process() {
	case StatusRunning:
		return StatusRunning
	case StatusFailure:
		return StatusFailure
	}
	n.done++
	if n.Count > 0 && n.done >= n.Count {
		return StatusSuccess
	}
	return StatusRunning
}

func (n *RepeatNode) Reset() {
	n.DecoratorNode.Reset()
	n.done = 0
}

func (n *RepeatNode) Clone() Node { return CloneNode(n) }
