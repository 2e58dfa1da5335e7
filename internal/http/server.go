// Package httpserver serves the fleet API, streams runner events and ingests
// runner heartbeats from MQTT.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"example.com/treefleet/internal/controller"
	"example.com/treefleet/internal/db"
	mqttc "example.com/treefleet/internal/mqtt"
	"example.com/treefleet/internal/runner"
)

// Event is what stream clients receive for every runner message.
type Event struct {
	Type    string          `json:"type"` // "status" or "tick"
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type Server struct {
	DB         *db.DB
	MQTT       *mqttc.Client
	Controller *controller.Controller
	Events     *Broker
}

// NewServer opens the database and connects to the broker. Status and tick
// subscriptions are renewed on every reconnect.
func NewServer(dbPath, broker string) (*Server, error) {
	dbConn, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	s := &Server{DB: dbConn, Events: NewBroker(), Controller: controller.New(dbConn, nil)}
	s.MQTT = mqttc.NewClientWithHandler("treefleet-server", broker, func(c mqtt.Client) {
		for _, topic := range []string{runner.StatusWildcard, runner.TicksWildcard} {
			slog.Info("server subscribing", "topic", topic)
			c.Subscribe(topic, 1, s.mqttHandler)
		}
	})
	s.Controller.MQTT = s.MQTT
	return s, nil
}

func (s *Server) mqttHandler(_ mqtt.Client, msg mqtt.Message) {
	s.HandleMessage(msg.Topic(), msg.Payload())
}

// HandleMessage records heartbeats and forwards every runner message to
// stream clients.
func (s *Server) HandleMessage(topic string, payload []byte) {
	ev := Event{Topic: topic, Payload: payload}
	switch {
	case strings.HasPrefix(topic, "bt/status/"):
		ev.Type = "status"
		if err := s.Controller.IngestStatus(context.Background(), topic, payload); err != nil {
			slog.Warn("status ingest failed", "topic", topic, "error", err)
			return
		}
	case strings.HasPrefix(topic, "bt/ticks/"):
		ev.Type = "tick"
		if !json.Valid(payload) {
			slog.Warn("invalid tick payload", "topic", topic)
			return
		}
	default:
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		slog.Error("encode event", "error", err)
		return
	}
	s.Events.Broadcast(string(raw))
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/install-runner", s.handleInstallRunner)
	mux.HandleFunc("/api/runners", s.handleListRunners)
	mux.HandleFunc("/api/runners/command/broadcast", s.handleRunnerCommandBroadcast)
	mux.HandleFunc("/api/runners/", s.handleRunnerSubroutes)
	mux.HandleFunc("/api/trees", s.handleTreesCollection)
	mux.HandleFunc("/api/trees/", s.handleTreeItem)
	mux.HandleFunc("/api/commands", s.handleListCommands)
	mux.HandleFunc("/api/settings/deploy-defaults", s.handleDeployDefaults)
	mux.Handle("/api/stream", s.Events)
	mux.HandleFunc("/api/stream/ws", s.Events.ServeWS)

	webRoot := os.Getenv("WEB_ROOT")
	if webRoot == "" {
		webRoot = "./web/dist"
	}
	mux.Handle("/", http.FileServer(http.Dir(webRoot)))
	return mux
}

// Run serves until ctx is cancelled, then shuts down and releases the
// broker connection and database.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	// Stream handlers only return once their channel closes.
	s.Events.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) close() {
	s.Events.Close()
	if s.MQTT != nil {
		s.MQTT.Disconnect()
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			slog.Warn("close database", "error", err)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.Controller.Health(w, r)
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.Controller.ListRunners(w, r)
}

func (s *Server) handleRunnerSubroutes(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(trimmed, "/command"):
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.Controller.RunnerCommand(w, r)
	case strings.HasSuffix(trimmed, "/deploy-config"):
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		s.Controller.UpdateDeployConfig(w, r)
	case strings.HasSuffix(trimmed, "/tags"):
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		s.Controller.UpdateRunnerTags(w, r)
	case strings.HasSuffix(trimmed, "/terminal"):
		s.Controller.HandleTerminal(w, r)
	default:
		switch r.Method {
		case http.MethodGet:
			s.Controller.GetRunner(w, r)
		case http.MethodDelete:
			s.Controller.DeleteRunner(w, r)
		default:
			methodNotAllowed(w)
		}
	}
}

func (s *Server) handleRunnerCommandBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.Controller.BroadcastCommand(w, r)
}

func (s *Server) handleTreesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.Controller.ListTrees(w, r)
	case http.MethodPost:
		s.Controller.CreateTree(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleTreeItem(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(trimmed, "/apply"):
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.Controller.ApplyTree(w, r)
		return
	case strings.HasSuffix(trimmed, "/deploy"):
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.Controller.DeployTree(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.Controller.GetTree(w, r)
	case http.MethodPut:
		s.Controller.UpdateTree(w, r)
	case http.MethodDelete:
		s.Controller.DeleteTree(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.Controller.ListCommands(w, r)
}

func (s *Server) handleDeployDefaults(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.Controller.GetDeployDefaults(w, r)
	case http.MethodPut:
		s.Controller.UpdateDeployDefaults(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleInstallRunner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.Controller.InstallRunner(w, r)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
