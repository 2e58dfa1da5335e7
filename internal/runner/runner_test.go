package runner

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/treefleet/internal/asset"
	"example.com/treefleet/internal/behavior"
)

type message struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
}

func (p *fakePublisher) Publish(topic string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{topic: topic, payload: payload})
}

func (p *fakePublisher) PublishRetained(topic string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{topic: topic, payload: payload, retained: true})
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func (p *fakePublisher) tickEvents(t *testing.T) []TickEvent {
	t.Helper()
	var out []TickEvent
	for _, m := range p.messages() {
		if m.retained {
			continue
		}
		var ev TickEvent
		require.NoError(t, json.Unmarshal(m.payload, &ev))
		out = append(out, ev)
	}
	return out
}

func waiterPath() string {
	return filepath.Join("testdata", "waiter.yaml")
}

func buildWaiter(t *testing.T, opts ...behavior.Option) *behavior.BehaviorTree {
	t.Helper()
	spec, err := asset.Load(waiterPath())
	require.NoError(t, err)
	tmpl, err := asset.Build(spec, nil, opts...)
	require.NoError(t, err)
	return tmpl
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return buf
}
