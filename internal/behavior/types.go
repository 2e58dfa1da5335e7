// Package behavior is a behavior-tree runtime: nodes tick cooperatively once per
// update and report Success, Failure or Running.
//
// A tree is authored once as a template and turned into independent runtime
// instances with Initialize. Every node follows the same lifecycle: the first
// Process call on an idle node runs OnEnter, every call runs OnProcess, and the
// first non-Running result runs OnExit. Node types never override Process.
package behavior

import (
	"errors"
	"fmt"
	"strings"
)

type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus accepts status names in any case.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS":
		return StatusSuccess, nil
	case "FAILURE":
		return StatusFailure, nil
	case "RUNNING":
		return StatusRunning, nil
	}
	return StatusFailure, fmt.Errorf("unknown status %q", s)
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Position is the editor placement of a node. It has no runtime effect.
type Position struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

var (
	ErrNoRoot       = errors.New("behavior: tree has no root")
	ErrCycle        = errors.New("behavior: reference cycle in tree")
	ErrSharedNode   = errors.New("behavior: node reachable from more than one parent")
	ErrDuplicateID  = errors.New("behavior: duplicate node id")
	ErrTooDeep      = errors.New("behavior: tree exceeds maximum depth")
	ErrDuplicateKey = errors.New("behavior: duplicate blackboard key")
	ErrIDAssigned   = errors.New("behavior: node id already assigned")
	ErrMisplaced    = errors.New("behavior: node kind not allowed on this edge")
	ErrCloneType    = errors.New("behavior: clone changed the node type")
)

// MaxTreeDepth bounds graph traversal during binding and cloning.
const MaxTreeDepth = 1024
