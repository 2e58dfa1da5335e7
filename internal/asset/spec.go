// Package asset reads and writes the static description of a behavior tree
// and builds template trees from it.
package asset

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"example.com/treefleet/internal/behavior"
)

// RootID is the id given to the implicit root node of every built tree.
const RootID = "root"

var ErrInvalid = errors.New("asset: invalid tree description")

// Spec is the persisted shape of a tree: an ordered list of node
// descriptors, the id of the top node and the blackboard keys.
type Spec struct {
	Name       string     `yaml:"name" json:"name"`
	Root       string     `yaml:"root" json:"root"`
	Blackboard []KeySpec  `yaml:"blackboard,omitempty" json:"blackboard,omitempty"`
	Nodes      []NodeSpec `yaml:"nodes" json:"nodes"`
}

// KeySpec declares one blackboard key.
type KeySpec struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Value       any    `yaml:"value,omitempty" json:"value,omitempty"`
	Category    string `yaml:"category,omitempty" json:"category,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// NodeSpec describes one node and its references to other nodes by id.
type NodeSpec struct {
	ID         string            `yaml:"id" json:"id"`
	Type       string            `yaml:"type" json:"type"`
	Name       string            `yaml:"name,omitempty" json:"name,omitempty"`
	Position   behavior.Position `yaml:"position,omitempty" json:"position,omitempty"`
	Params     map[string]any    `yaml:"params,omitempty" json:"params,omitempty"`
	Children   []string          `yaml:"children,omitempty" json:"children,omitempty"`
	Decorators []string          `yaml:"decorators,omitempty" json:"decorators,omitempty"`
	Services   []string          `yaml:"services,omitempty" json:"services,omitempty"`
}

// Parse converts YAML into a validated Spec.
func Parse(raw []byte) (Spec, error) {
	var spec Spec
	if strings.TrimSpace(string(raw)) == "" {
		return spec, fmt.Errorf("%w: empty document", ErrInvalid)
	}
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return spec, fmt.Errorf("parse tree asset: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Load reads and parses the asset at path.
func Load(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read tree asset: %w", err)
	}
	spec, err := Parse(raw)
	if err != nil {
		return Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Marshal encodes the spec as YAML.
func (s Spec) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Validate checks that ids are unique, every reference resolves, no node is
// referenced twice and key names are unique.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(s.Root) == "" {
		return fmt.Errorf("%w: root is required", ErrInvalid)
	}

	ids := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		switch {
		case strings.TrimSpace(n.ID) == "":
			return fmt.Errorf("%w: node %d has no id", ErrInvalid, i)
		case n.ID == RootID:
			return fmt.Errorf("%w: node id %q is reserved", ErrInvalid, RootID)
		case strings.TrimSpace(n.Type) == "":
			return fmt.Errorf("%w: node %q has no type", ErrInvalid, n.ID)
		case ids[n.ID]:
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalid, n.ID)
		}
		ids[n.ID] = true
	}
	if !ids[s.Root] {
		return fmt.Errorf("%w: root %q is not a node", ErrInvalid, s.Root)
	}

	referenced := map[string]string{s.Root: RootID}
	for _, n := range s.Nodes {
		for _, refs := range [][]string{n.Decorators, n.Services, n.Children} {
			for _, ref := range refs {
				if !ids[ref] {
					return fmt.Errorf("%w: node %q references unknown node %q", ErrInvalid, n.ID, ref)
				}
				if owner, ok := referenced[ref]; ok {
					return fmt.Errorf("%w: node %q is referenced by both %q and %q", ErrInvalid, ref, owner, n.ID)
				}
				referenced[ref] = n.ID
			}
		}
	}

	keys := make(map[string]bool, len(s.Blackboard))
	for _, k := range s.Blackboard {
		if strings.TrimSpace(k.Name) == "" {
			return fmt.Errorf("%w: blackboard key has no name", ErrInvalid)
		}
		if keys[k.Name] {
			return fmt.Errorf("%w: duplicate blackboard key %q", ErrInvalid, k.Name)
		}
		keys[k.Name] = true
	}
	return nil
}

// Node returns the descriptor with the given id.
func (s Spec) Node(id string) (NodeSpec, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}
