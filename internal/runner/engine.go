// Package runner hosts behavior tree instances on one machine: it ticks them,
// applies commands from the controller and reports their state over MQTT.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	bt "github.com/joeycumines/go-behaviortree"

	"example.com/treefleet/internal/asset"
	"example.com/treefleet/internal/behavior"
	mqttc "example.com/treefleet/internal/mqtt"
)

// Topic layout shared with the controller.
const (
	CommandsAll    = "bt/commands/all"
	StatusWildcard = "bt/status/+"
	TicksWildcard  = "bt/ticks/+/+"
)

func CommandsTopic(runnerID string) string { return "bt/commands/" + runnerID }

func StatusTopic(runnerID string) string { return "bt/status/" + runnerID }

func TicksTopic(runnerID, tree string) string { return "bt/ticks/" + runnerID + "/" + tree }

// Heartbeat is the retained status message of a runner.
type Heartbeat struct {
	Status   string           `json:"status"`
	TS       string           `json:"ts"`
	Runner   string           `json:"runner"`
	Uptime   string           `json:"uptime"`
	Interval string           `json:"tick_interval"`
	Trees    []InstanceStatus `json:"trees"`
}

type EngineOption func(*Engine)

func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithRegistry(r *behavior.Registry) EngineOption {
	return func(e *Engine) { e.registry = r }
}

// WithTreeOptions passes options to every tree the engine builds.
func WithTreeOptions(opts ...behavior.Option) EngineOption {
	return func(e *Engine) { e.treeOpts = append(e.treeOpts, opts...) }
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

type Engine struct {
	Config Config

	registry  *behavior.Registry
	publisher Publisher
	metrics   *Metrics
	treeOpts  []behavior.Option
	logger    *slog.Logger
	startedAt time.Time

	mu        sync.RWMutex
	instances map[string]*Instance
	ctx       context.Context
	manager   bt.Manager
}

func NewEngine(cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		Config:    cfg,
		instances: make(map[string]*Instance),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = behavior.DefaultRegistry()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.treeOpts = append([]behavior.Option{behavior.WithLogger(e.logger)}, e.treeOpts...)
	return e
}

// LoadTrees builds every configured tree from its asset file.
func (e *Engine) LoadTrees() error {
	for _, tc := range e.Config.Trees {
		spec, err := asset.Load(tc.Asset)
		if err != nil {
			return err
		}
		tmpl, err := asset.Build(spec, e.registry, e.treeOpts...)
		if err != nil {
			return fmt.Errorf("%s: %w", tc.Asset, err)
		}
		if _, err := e.AddTree(tc.Name, tmpl, tc.Asset); err != nil {
			return err
		}
	}
	return nil
}

// AddTree hosts a new instance of template. When the engine is running the
// instance starts ticking immediately.
func (e *Engine) AddTree(name string, template *behavior.BehaviorTree, source string) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.instances[name]; ok {
		return nil, fmt.Errorf("tree %q already hosted", name)
	}
	inst, err := NewInstance(name, template, InstanceOptions{
		RunnerID:    e.Config.RunnerID,
		Source:      source,
		Registry:    e.registry,
		TreeOptions: e.treeOpts,
		Publisher:   e.publisher,
		Metrics:     e.metrics,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, err
	}
	if e.manager != nil {
		if err := e.manager.Add(bt.NewTicker(e.ctx, e.Config.TickInterval, inst.Node())); err != nil {
			return nil, fmt.Errorf("start tree %q: %w", name, err)
		}
	}
	e.instances[name] = inst
	e.metrics.setTrees(len(e.instances))
	e.logger.Info("hosting tree", "tree", name, "asset", template.Name, "source", source)
	return inst, nil
}

func (e *Engine) Instance(name string) (*Instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[name]
	return inst, ok
}

// Instances returns the hosted instances ordered by name.
func (e *Engine) Instances() []*Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].name < out[b].name })
	return out
}

// Dispatch routes cmd to its tree, or to every tree when cmd.Tree is empty.
// A load_tree for a tree the engine does not host adds it.
func (e *Engine) Dispatch(cmd Command) error {
	if cmd.Tree == "" {
		var errs []error
		for _, inst := range e.Instances() {
			errs = append(errs, inst.Enqueue(cmd))
		}
		return errors.Join(errs...)
	}

	inst, ok := e.Instance(cmd.Tree)
	if ok {
		return inst.Enqueue(cmd)
	}
	if cmd.Type != CmdLoadTree {
		return fmt.Errorf("%w: %s", ErrUnknownTree, cmd.Tree)
	}

	var data LoadTreeData
	if err := json.Unmarshal(cmd.Data, &data); err != nil {
		return fmt.Errorf("load_tree payload: %w", err)
	}
	spec, err := asset.Parse([]byte(data.Asset))
	if err != nil {
		return err
	}
	tmpl, err := asset.Build(spec, e.registry, e.treeOpts...)
	if err != nil {
		return err
	}
	_, err = e.AddTree(cmd.Tree, tmpl, "")
	e.metrics.observeCommand(cmd.Type, err)
	return err
}

// HandleMessage decodes and dispatches one command payload.
func (e *Engine) HandleMessage(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		e.logger.Warn("invalid command JSON", "error", err)
		return
	}
	if err := e.Dispatch(cmd); err != nil {
		e.logger.Error("dispatch command", "type", cmd.Type, "tree", cmd.Tree, "error", err)
	}
}

func (e *Engine) mqttHandler(_ mqttlib.Client, msg mqttlib.Message) {
	e.HandleMessage(msg.Payload())
}

// ConnectMQTT connects to the configured broker and subscribes to this
// runner's command topics. The client becomes the engine's publisher, so call
// it before trees are added.
func (e *Engine) ConnectMQTT() *mqttc.Client {
	onConnect := func(c mqttlib.Client) {
		e.logger.Info("MQTT connected")
		for _, topic := range []string{CommandsTopic(e.Config.RunnerID), CommandsAll} {
			e.logger.Info("subscribing", "topic", topic)
			if token := c.Subscribe(topic, 0, e.mqttHandler); token.Wait() && token.Error() != nil {
				e.logger.Error("subscribe error", "topic", topic, "error", token.Error())
			}
		}
	}
	client := mqttc.NewClientWithHandler("runner-"+e.Config.RunnerID, e.Config.MQTTBroker, onConnect)
	e.publisher = client
	return client
}

// Start ticks every hosted tree until ctx is done. Each instance gets its own
// ticker; all of them are owned by one manager so a failing ticker stops the
// rest.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.manager = bt.NewManager()
	for _, inst := range e.instances {
		if err := e.manager.Add(bt.NewTicker(ctx, e.Config.TickInterval, inst.Node())); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	if err := e.startWatcher(ctx); err != nil {
		e.logger.Warn("asset watcher disabled", "error", err)
	}

	hb := time.NewTicker(e.Config.HeartbeatInterval)
	defer hb.Stop()

	e.logger.Info("runner started", "runner", e.Config.RunnerID, "trees", len(e.Instances()), "tick", e.Config.TickInterval)
	e.SendHeartbeat()

	for {
		select {
		case <-ctx.Done():
			e.manager.Stop()
			<-e.manager.Done()
			e.logger.Info("runner stopped")
			return nil
		case <-e.manager.Done():
			if ctx.Err() != nil {
				return nil
			}
			return e.manager.Err()
		case <-hb.C:
			e.SendHeartbeat()
		}
	}
}

func (e *Engine) startWatcher(ctx context.Context) error {
	assets := make(map[string]string)
	for _, tc := range e.Config.Trees {
		if tc.Watch {
			assets[tc.Name] = tc.Asset
		}
	}
	if len(assets) == 0 {
		return nil
	}
	w, err := NewAssetWatcher(assets, 0, e.logger, func(tree string) {
		e.logger.Info("asset changed, reloading", "tree", tree)
		if err := e.Dispatch(Command{Type: CmdReload, Tree: tree}); err != nil {
			e.logger.Error("queue reload", "tree", tree, "error", err)
		}
	})
	if err != nil {
		return err
	}
	go w.Run(ctx)
	return nil
}

// Heartbeat builds the current status message.
func (e *Engine) Heartbeat() Heartbeat {
	hb := Heartbeat{
		Status:   "ok",
		TS:       time.Now().Format(time.RFC3339),
		Runner:   e.Config.RunnerID,
		Uptime:   time.Since(e.startedAt).Round(time.Second).String(),
		Interval: e.Config.TickInterval.String(),
		Trees:    []InstanceStatus{},
	}
	for _, inst := range e.Instances() {
		hb.Trees = append(hb.Trees, inst.Status())
	}
	return hb
}

// SendHeartbeat publishes the heartbeat as a retained message.
func (e *Engine) SendHeartbeat() {
	if e.publisher == nil {
		return
	}
	if c, ok := e.publisher.(interface{ Connected() bool }); ok && !c.Connected() {
		return
	}
	buf, err := json.Marshal(e.Heartbeat())
	if err != nil {
		e.logger.Error("encode heartbeat", "error", err)
		return
	}
	e.publisher.PublishRetained(StatusTopic(e.Config.RunnerID), buf)
}
