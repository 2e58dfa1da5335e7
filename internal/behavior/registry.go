package behavior

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	ErrUnknownType    = errors.New("behavior: unknown node type")
	ErrTypeRegistered = errors.New("behavior: node type already registered")
)

// NodeInfo is presentation metadata for editors. The runtime never reads it.
type NodeInfo struct {
	DisplayName   string `json:"display_name" yaml:"display_name"`
	MenuPath      string `json:"menu_path,omitempty" yaml:"menu_path,omitempty"`
	HasFlowInput  bool   `json:"has_flow_input" yaml:"has_flow_input"`
	HasFlowOutput bool   `json:"has_flow_output" yaml:"has_flow_output"`
	Icon          string `json:"icon,omitempty" yaml:"icon,omitempty"`
}

// NodeType describes a registered node type.
type NodeType struct {
	ID   string      `json:"id"`
	Kind Kind        `json:"-"`
	Info NodeInfo    `json:"info"`
	New  func() Node `json:"-"`
}

// Registry maps type identifiers to node factories.
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeType
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]NodeType)}
}

// Register adds a node type. The kind is taken from a node built by factory.
func (r *Registry) Register(id string, info NodeInfo, factory func() Node) error {
	if id == "" || factory == nil {
		return fmt.Errorf("register %q: id and factory are required", id)
	}
	sample := factory()
	if sample == nil {
		return fmt.Errorf("register %q: factory returned nil", id)
	}
	if got, want := reflect.TypeOf(sample.Clone()), reflect.TypeOf(sample); got != want {
		return fmt.Errorf("register %q: %w: %s clones to %s", id, ErrCloneType, want, got)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[id]; ok {
		return fmt.Errorf("register %q: %w", id, ErrTypeRegistered)
	}
	r.types[id] = NodeType{ID: id, Kind: sample.Kind(), Info: info, New: factory}
	return nil
}

func (r *Registry) MustRegister(id string, info NodeInfo, factory func() Node) {
	if err := r.Register(id, info, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(id string) (NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	return t, ok
}

// New builds a fresh, bound node of the given type.
func (r *Registry) New(id string) (Node, error) {
	t, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, id)
	}
	n := t.New()
	b := n.base()
	b.self = n
	b.status = StatusFailure
	return n, nil
}

// Types lists the registered types ordered by id.
func (r *Registry) Types() []NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry holding the built-in
// node types. Hosts may register their own types on it.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewBuiltinRegistry()
	})
	return defaultRegistry
}

// NewBuiltinRegistry returns a new registry holding only the built-in types.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	composite := func(name string) NodeInfo {
		return NodeInfo{DisplayName: name, MenuPath: "Composites/" + name, HasFlowInput: true, HasFlowOutput: true}
	}
	decorator := func(name string) NodeInfo {
		return NodeInfo{DisplayName: name, MenuPath: "Decorators/" + name, HasFlowInput: true, HasFlowOutput: true}
	}
	service := func(name string) NodeInfo {
		return NodeInfo{DisplayName: name, MenuPath: "Services/" + name}
	}
	action := func(name string) NodeInfo {
		return NodeInfo{DisplayName: name, MenuPath: "Actions/" + name, HasFlowInput: true}
	}

	r.MustRegister("selector", composite("Selector"), func() Node { return &SelectorNode{} })
	r.MustRegister("sequence", composite("Sequence"), func() Node { return &SequenceNode{} })
	r.MustRegister("parallel", composite("Parallel"), func() Node { return &ParallelNode{} })

	r.MustRegister("inverter", decorator("Inverter"), func() Node { return &InverterNode{} })
	r.MustRegister("compare", decorator("Compare"), func() Node { return &CompareNode{Op: OpEqual} })
	r.MustRegister("expression", decorator("Expression"), func() Node { return &ExpressionNode{} })
	r.MustRegister("succeeder", decorator("Succeeder"), func() Node { return &SucceederNode{} })
	r.MustRegister("repeat", decorator("Repeat"), func() Node { return &RepeatNode{} })

	r.MustRegister("counter_service", service("Counter"), func() Node { return &CounterService{} })
	r.MustRegister("log_service", service("Log Blackboard"), func() Node { return &LogService{} })

	r.MustRegister("wait", action("Wait"), func() Node { return &WaitNode{} })
	r.MustRegister("set_key", action("Set Key"), func() Node { return &SetKeyNode{} })
	r.MustRegister("log", action("Log"), func() Node { return &LogNode{} })
	r.MustRegister("succeed", action("Succeed"), func() Node { return &StatusNode{Result: StatusSuccess} })
	r.MustRegister("fail", action("Fail"), func() Node { return &StatusNode{Result: StatusFailure} })
	r.MustRegister("running", action("Running"), func() Node { return &StatusNode{Result: StatusRunning} })
	return r
}
