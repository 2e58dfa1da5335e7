package asset

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"example.com/treefleet/internal/behavior"
)

type childAdder interface {
	AddChild(children ...behavior.Node)
}

type childSetter interface {
	SetChild(child behavior.Node)
}

type decoratorAdder interface {
	AddDecorator(decorators ...behavior.Node)
}

type serviceAdder interface {
	AddService(services ...behavior.Node)
}

type compiler interface {
	Compile() error
}

// Build turns a spec into a template tree. Node types are resolved through
// reg, params are decoded onto the node's `param` tagged fields.
func Build(spec Spec, reg *behavior.Registry, opts ...behavior.Option) (*behavior.BehaviorTree, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = behavior.DefaultRegistry()
	}

	nodes := make(map[string]behavior.Node, len(spec.Nodes))
	for _, ns := range spec.Nodes {
		n, err := buildNode(ns, reg)
		if err != nil {
			return nil, fmt.Errorf("tree %q: %w", spec.Name, err)
		}
		nodes[ns.ID] = n
	}

	for _, ns := range spec.Nodes {
		if err := link(nodes[ns.ID], ns, nodes); err != nil {
			return nil, fmt.Errorf("tree %q: %w", spec.Name, err)
		}
	}

	bb, err := buildBlackboard(spec.Blackboard)
	if err != nil {
		return nil, fmt.Errorf("tree %q: %w", spec.Name, err)
	}

	root := behavior.NewRoot(nodes[spec.Root])
	if err := behavior.AssignID(root, RootID); err != nil {
		return nil, err
	}
	return behavior.NewBehaviorTree(spec.Name, root, bb, opts...)
}

func buildNode(ns NodeSpec, reg *behavior.Registry) (behavior.Node, error) {
	n, err := reg.New(ns.Type)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", ns.ID, err)
	}
	if err := behavior.AssignID(n, ns.ID); err != nil {
		return nil, fmt.Errorf("node %q: %w", ns.ID, err)
	}
	name := ns.Name
	if name == "" {
		if t, ok := reg.Lookup(ns.Type); ok {
			name = t.Info.DisplayName
		}
	}
	n.SetName(name)
	n.SetPosition(ns.Position)
	if err := decodeParams(ns.Params, n); err != nil {
		return nil, fmt.Errorf("node %q: %w", ns.ID, err)
	}
	if c, ok := n.(compiler); ok {
		if err := c.Compile(); err != nil {
			return nil, fmt.Errorf("node %q: %w", ns.ID, err)
		}
	}
	return n, nil
}

func link(n behavior.Node, ns NodeSpec, nodes map[string]behavior.Node) error {
	resolve := func(ids []string) []behavior.Node {
		out := make([]behavior.Node, 0, len(ids))
		for _, id := range ids {
			out = append(out, nodes[id])
		}
		return out
	}

	if len(ns.Children) > 0 {
		switch p := n.(type) {
		case childAdder:
			p.AddChild(resolve(ns.Children)...)
		case childSetter:
			if len(ns.Children) > 1 {
				return fmt.Errorf("%w: %s node %q takes one child, got %d", ErrInvalid, ns.Type, ns.ID, len(ns.Children))
			}
			p.SetChild(nodes[ns.Children[0]])
		default:
			return fmt.Errorf("%w: %s node %q takes no children", ErrInvalid, ns.Type, ns.ID)
		}
	}
	if len(ns.Decorators) > 0 {
		p, ok := n.(decoratorAdder)
		if !ok {
			return fmt.Errorf("%w: %s node %q takes no decorators", ErrInvalid, ns.Type, ns.ID)
		}
		p.AddDecorator(resolve(ns.Decorators)...)
	}
	if len(ns.Services) > 0 {
		p, ok := n.(serviceAdder)
		if !ok {
			return fmt.Errorf("%w: %s node %q takes no services", ErrInvalid, ns.Type, ns.ID)
		}
		p.AddService(resolve(ns.Services)...)
	}
	return nil
}

func buildBlackboard(specs []KeySpec) (*behavior.Blackboard, error) {
	bb := behavior.NewBlackboard()
	for _, ks := range specs {
		typ := ks.Type
		if typ == "" {
			typ = "any"
		}
		k, err := behavior.NewKeyOf(typ, ks.Name, ks.Value)
		if err != nil {
			return nil, err
		}
		k.SetCategory(ks.Category)
		k.SetDescription(ks.Description)
		if err := bb.AddKey(k); err != nil {
			return nil, err
		}
	}
	return bb, nil
}

var (
	compareOpType = reflect.TypeOf(behavior.CompareOp(""))
	statusType    = reflect.TypeOf(behavior.Status(0))
)

func stringToCompareOpHook(from, to reflect.Type, data any) (any, error) {
	if to != compareOpType || from.Kind() != reflect.String {
		return data, nil
	}
	return behavior.ParseCompareOp(reflect.ValueOf(data).String())
}

func stringToStatusHook(from, to reflect.Type, data any) (any, error) {
	if to != statusType || from.Kind() != reflect.String {
		return data, nil
	}
	return behavior.ParseStatus(reflect.ValueOf(data).String())
}

// decodeParams writes params onto the node's `param` tagged fields. Unknown
// params are an error.
func decodeParams(params map[string]any, n behavior.Node) error {
	if len(params) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           n,
		TagName:          "param",
		Squash:           true,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToCompareOpHook,
			stringToStatusHook,
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
