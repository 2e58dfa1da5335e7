package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bt "github.com/joeycumines/go-behaviortree"

	"example.com/treefleet/internal/asset"
	"example.com/treefleet/internal/behavior"
)

// CommandQueueSize bounds the commands waiting for an instance's next tick.
const CommandQueueSize = 16

var (
	ErrQueueFull      = errors.New("runner: command queue full")
	ErrUnknownCommand = errors.New("runner: unknown command type")
	ErrUnknownTree    = errors.New("runner: unknown tree")
)

// Publisher sends messages to the broker.
type Publisher interface {
	Publish(topic string, payload []byte)
	PublishRetained(topic string, payload []byte)
}

// TickEvent is published when a tree's status changes or a run finishes.
type TickEvent struct {
	Runner string `json:"runner"`
	Tree   string `json:"tree"`
	Status string `json:"status"`
	Tick   uint64 `json:"tick"`
	RunID  string `json:"run_id,omitempty"`
	Run    *Run   `json:"run,omitempty"`
	TS     string `json:"ts"`
}

// InstanceStatus is the heartbeat view of one instance.
type InstanceStatus struct {
	Name       string         `json:"name"`
	Asset      string         `json:"asset"`
	Source     string         `json:"source,omitempty"`
	Status     string         `json:"status"`
	Running    bool           `json:"running"`
	Ticks      uint64         `json:"ticks"`
	Blackboard map[string]any `json:"blackboard"`
	Run        *Run           `json:"run,omitempty"`
	LastRun    *Run           `json:"last_run,omitempty"`
}

// InstanceOptions wires an instance to its surroundings. Every field is
// optional.
type InstanceOptions struct {
	RunnerID    string
	Source      string
	Registry    *behavior.Registry
	TreeOptions []behavior.Option
	Publisher   Publisher
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Instance hosts one runtime tree. Step is the only code that touches the
// tree; commands reach it through the queue drained at the start of each
// step.
type Instance struct {
	name string
	opts InstanceOptions
	cmds chan Command
	runs *RunTracker
	log  *slog.Logger

	mu       sync.Mutex
	template *behavior.BehaviorTree
	tree     *behavior.BehaviorTree
	ticks    uint64
	last     behavior.Status
	reported bool
	unwatch  []func()
}

// NewInstance initializes a runtime tree from template.
func NewInstance(name string, template *behavior.BehaviorTree, opts InstanceOptions) (*Instance, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = behavior.DefaultRegistry()
	}
	i := &Instance{
		name: name,
		opts: opts,
		cmds: make(chan Command, CommandQueueSize),
		runs: NewRunTracker(name, DefaultRunHistory),
		log:  opts.Logger.With("tree", name),
	}
	if err := i.install(template); err != nil {
		return nil, err
	}
	return i, nil
}

func (i *Instance) Name() string { return i.name }

func (i *Instance) Runs() *RunTracker { return i.runs }

// Enqueue queues cmd for the next step without blocking.
func (i *Instance) Enqueue(cmd Command) error {
	select {
	case i.cmds <- cmd:
		i.log.Debug("queued command", "type", cmd.Type, "id", cmd.ID)
		return nil
	default:
		i.log.Warn("command queue full, dropping command", "type", cmd.Type, "id", cmd.ID)
		return ErrQueueFull
	}
}

// Step applies queued commands and ticks the tree once.
func (i *Instance) Step() behavior.Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.drain()

	start := time.Now()
	status := i.tree.Tick()
	took := time.Since(start)
	i.ticks++
	i.opts.Metrics.observeTick(i.name, status, took)

	run := i.runs.Observe(status, time.Now())
	i.opts.Metrics.observeRun(run)
	if run != nil {
		i.log.Debug("run finished", "run", run.ID, "status", run.Status, "ticks", run.Ticks)
	}

	if !i.reported || status != i.last || run != nil {
		i.publish(status, run)
	}
	i.last = status
	i.reported = true
	return status
}

// Node adapts the instance to a go-behaviortree node so it can be driven by
// a bt.Ticker.
func (i *Instance) Node() bt.Node {
	return bt.New(func([]bt.Node) (bt.Status, error) {
		switch i.Step() {
		case behavior.StatusSuccess:
			return bt.Success, nil
		case behavior.StatusRunning:
			return bt.Running, nil
		default:
			return bt.Failure, nil
		}
	})
}

// Status reports the instance for heartbeats.
func (i *Instance) Status() InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()

	s := InstanceStatus{
		Name:       i.name,
		Asset:      i.template.Name,
		Source:     i.opts.Source,
		Status:     i.tree.Status().String(),
		Running:    i.tree.IsRunning(),
		Ticks:      i.ticks,
		Blackboard: i.tree.Blackboard().Snapshot(),
		Run:        i.runs.Current(),
	}
	if h := i.runs.History(); len(h) > 0 {
		s.LastRun = &h[len(h)-1]
	}
	return s
}

func (i *Instance) drain() {
	for {
		select {
		case cmd := <-i.cmds:
			err := i.apply(cmd)
			i.opts.Metrics.observeCommand(cmd.Type, err)
			if err != nil {
				i.log.Error("command failed", "type", cmd.Type, "id", cmd.ID, "error", err)
			} else {
				i.log.Info("command applied", "type", cmd.Type, "id", cmd.ID)
			}
		default:
			return
		}
	}
}

func (i *Instance) apply(cmd Command) error {
	switch cmd.Type {
	case CmdResetRun:
		i.tree.ResetRun()
		i.endRun(CmdResetRun)
		return nil
	case CmdAbort:
		i.tree.Abort()
		i.endRun(CmdAbort)
		return nil
	case CmdSetKey:
		var data SetKeyData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("set_key payload: %w", err)
		}
		if !i.tree.Blackboard().SetValueObject(data.Key, data.Value) {
			return fmt.Errorf("set_key %q: key missing or value does not fit", data.Key)
		}
		return nil
	case CmdLoadTree:
		var data LoadTreeData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("load_tree payload: %w", err)
		}
		spec, err := asset.Parse([]byte(data.Asset))
		if err != nil {
			return err
		}
		return i.replace(spec)
	case CmdReload:
		if i.opts.Source == "" {
			return fmt.Errorf("reload %s: tree has no asset file", i.name)
		}
		spec, err := asset.Load(i.opts.Source)
		if err != nil {
			return err
		}
		return i.replace(spec)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
	}
}

// replace builds spec and swaps it in. The current tree is aborted first so
// running nodes see OnExit. A build error leaves the current tree in place.
func (i *Instance) replace(spec asset.Spec) error {
	tmpl, err := asset.Build(spec, i.opts.Registry, i.opts.TreeOptions...)
	if err != nil {
		return err
	}
	i.tree.Abort()
	i.endRun("replaced")
	if err := i.install(tmpl); err != nil {
		return err
	}
	i.log.Info("tree replaced", "asset", spec.Name, "nodes", len(spec.Nodes))
	return nil
}

func (i *Instance) install(template *behavior.BehaviorTree) error {
	tree, err := behavior.Initialize(template, i.opts.TreeOptions...)
	if err != nil {
		return err
	}
	for _, stop := range i.unwatch {
		stop()
	}
	i.unwatch = i.unwatch[:0]
	for _, k := range tree.Blackboard().Keys() {
		name := k.Name()
		i.unwatch = append(i.unwatch, k.Observe(func(_, _ any) {
			i.opts.Metrics.observeChange(i.name, name)
		}))
	}
	i.template = template
	i.tree = tree
	i.reported = false
	return nil
}

func (i *Instance) endRun(reason string) {
	run := i.runs.Cancel(reason, time.Now())
	i.opts.Metrics.observeRun(run)
	if run != nil {
		i.publish(behavior.StatusFailure, run)
	}
	i.reported = false
}

func (i *Instance) publish(status behavior.Status, run *Run) {
	if i.opts.Publisher == nil {
		return
	}
	ev := TickEvent{
		Runner: i.opts.RunnerID,
		Tree:   i.name,
		Status: status.String(),
		Tick:   i.ticks,
		Run:    run,
		TS:     time.Now().Format(time.RFC3339),
	}
	if run != nil {
		ev.RunID = run.ID
	} else if cur := i.runs.Current(); cur != nil {
		ev.RunID = cur.ID
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		i.log.Error("encode tick event", "error", err)
		return
	}
	i.opts.Publisher.Publish(TicksTopic(i.opts.RunnerID, i.name), buf)
}
