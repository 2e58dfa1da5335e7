package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/treefleet/internal/controller"
	"example.com/treefleet/internal/db"
	"example.com/treefleet/internal/runner"
)

type nopPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *nopPublisher) Publish(topic string, _ []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	s := &Server{DB: conn, Controller: controller.New(conn, &nopPublisher{}), Events: NewBroker()}
	t.Cleanup(s.Events.Close)
	return s
}

func waitForClients(t *testing.T, b *Broker, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestRoutes_MethodsAndDispatch(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodPost, "/healthz", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/runners", http.StatusOK},
		{http.MethodDelete, "/api/runners", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/runners/1/command", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/runners/1", http.StatusNotFound},
		{http.MethodPatch, "/api/runners/1", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/trees", http.StatusOK},
		{http.MethodGet, "/api/trees/1/apply", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/trees/1", http.StatusNotFound},
		{http.MethodGet, "/api/commands", http.StatusOK},
		{http.MethodGet, "/api/settings/deploy-defaults", http.StatusOK},
		{http.MethodGet, "/api/install-runner", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleMessage(t *testing.T) {
	s := newTestServer(t)
	events := s.Events.Subscribe()
	waitForClients(t, s.Events, 1)

	hb, err := json.Marshal(runner.Heartbeat{Status: "ok", Runner: "r1"})
	require.NoError(t, err)
	s.HandleMessage(runner.StatusTopic("r1"), hb)

	var ev Event
	select {
	case msg := <-events:
		require.NoError(t, json.Unmarshal([]byte(msg), &ev))
	case <-time.After(2 * time.Second):
		t.Fatal("no status event")
	}
	assert.Equal(t, "status", ev.Type)
	assert.Equal(t, runner.StatusTopic("r1"), ev.Topic)

	rn, err := s.DB.GetRunnerByName(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "ok", rn.Status)

	s.HandleMessage(runner.StatusTopic("r2"), []byte("not json"))
	s.HandleMessage(runner.TicksTopic("r1", "waiter"), []byte("{"))
	s.HandleMessage("elsewhere/x", []byte("{}"))
	s.HandleMessage(runner.TicksTopic("r1", "waiter"), []byte(`{"status":"RUNNING"}`))

	select {
	case msg := <-events:
		require.NoError(t, json.Unmarshal([]byte(msg), &ev))
		assert.Equal(t, "tick", ev.Type, "invalid messages are not forwarded")
		assert.JSONEq(t, `{"status":"RUNNING"}`, string(ev.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no tick event")
	}
}

func TestBroker_SSE(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitForClients(t, s.Events, 1)
	s.Events.Broadcast(`{"type":"tick"}`)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"tick\"}\n", line)

	cancel()
	waitForClients(t, s.Events, 0)
}

func TestBroker_WebSocket(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForClients(t, s.Events, 1)
	s.Events.Broadcast(`{"type":"status"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.JSONEq(t, `{"type":"status"}`, string(msg))

	require.NoError(t, conn.Close())
	waitForClients(t, s.Events, 0)
}

func TestBroker_CloseEndsSubscribers(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe()
	waitForClients(t, b, 1)

	b.Close()
	b.Close()
	_, open := <-ch
	assert.False(t, open)

	late := b.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
	b.Broadcast("dropped")
	b.Unsubscribe(late)
}
