package runner

import "encoding/json"

// Command types accepted on the command topics.
const (
	CmdResetRun = "reset_run"
	CmdAbort    = "abort"
	CmdSetKey   = "set_key"
	CmdLoadTree = "load_tree"
	CmdReload   = "reload"
)

// Command is a controller-issued instruction for one tree, or for every tree
// on the runner when Tree is empty.
type Command struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Tree string          `json:"tree,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SetKeyData writes one blackboard value.
type SetKeyData struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// LoadTreeData carries a complete tree asset in YAML.
type LoadTreeData struct {
	Asset string `json:"asset"`
}
