package controller

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"example.com/treefleet/internal/db"
	"example.com/treefleet/internal/runner"
)

type commandRequest struct {
	Type string          `json:"type"`
	Tree string          `json:"tree"`
	Data json.RawMessage `json:"data"`
}

func (req commandRequest) validate() error {
	switch req.Type {
	case "":
		return errors.New("command type required")
	case runner.CmdResetRun, runner.CmdAbort, runner.CmdReload:
		return nil
	case runner.CmdSetKey:
		var data runner.SetKeyData
		if err := json.Unmarshal(req.Data, &data); err != nil || data.Key == "" {
			return errors.New("set_key needs data.key")
		}
		return nil
	case runner.CmdLoadTree:
		var data runner.LoadTreeData
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return errors.New("load_tree needs data.asset")
		}
		if _, err := validateAsset(data.Asset); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown command type %q", req.Type)
	}
}

func (c *Controller) ListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := c.DB.ListRunners(r.Context())
	if err != nil {
		slog.Error("list runners", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list runners")
		return
	}
	respondJSON(w, http.StatusOK, runners)
}

func (c *Controller) GetRunner(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDFromPath(r.URL.Path, "/api/runners/")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid runner id")
		return
	}
	rn, ok := c.fetchRunner(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rn)
}

func (c *Controller) DeleteRunner(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDFromPath(r.URL.Path, "/api/runners/")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid runner id")
		return
	}
	if err := c.DB.DeleteRunner(r.Context(), id); err != nil {
		slog.Error("delete runner", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete runner")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) RunnerCommand(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDWithSuffix(r.URL.Path, "/api/runners/", "command")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rn, ok := c.fetchRunner(w, r, id)
	if !ok {
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid command payload")
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd := runner.Command{Type: req.Type, Tree: req.Tree, Data: req.Data}
	rec, err := c.queueRunnerCommand(r.Context(), rn.Name, cmd)
	if err != nil {
		slog.Error("queue command", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to queue command")
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (c *Controller) BroadcastCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid command payload")
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd := runner.Command{Type: req.Type, Tree: req.Tree, Data: req.Data}
	rec, err := c.queueRunnerCommand(r.Context(), "", cmd)
	if err != nil {
		slog.Error("queue broadcast", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to queue command")
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (c *Controller) UpdateDeployConfig(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDWithSuffix(r.URL.Path, "/api/runners/", "deploy-config")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req deployConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid deploy config")
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := c.fetchRunner(w, r, id); !ok {
		return
	}
	if err := c.DB.UpdateRunnerDeployConfigByID(r.Context(), id, req.toDeployConfig()); err != nil {
		slog.Error("update deploy config", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save deploy config")
		return
	}
	rn, ok := c.fetchRunner(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rn)
}

func (c *Controller) UpdateRunnerTags(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDWithSuffix(r.URL.Path, "/api/runners/", "tags")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid runner id")
		return
	}
	var req struct {
		Tags  []string `json:"tags"`
		Notes *string  `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := c.DB.UpdateRunnerTags(r.Context(), id, req.Tags); err != nil {
		slog.Error("update tags", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to update tags")
		return
	}
	if req.Notes != nil {
		if err := c.DB.UpdateRunnerNotes(r.Context(), id, *req.Notes); err != nil {
			slog.Error("update notes", "error", err)
			respondError(w, http.StatusInternalServerError, "failed to update notes")
			return
		}
	}
	rn, ok := c.fetchRunner(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rn)
}

// fetchRunner loads a runner, writing the error response when it cannot.
func (c *Controller) fetchRunner(w http.ResponseWriter, r *http.Request, id int64) (db.Runner, bool) {
	rn, err := c.DB.GetRunnerByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "runner not found")
			return db.Runner{}, false
		}
		slog.Error("get runner", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to fetch runner")
		return db.Runner{}, false
	}
	return rn, true
}

// queueRunnerCommand records cmd and publishes it. An empty runner name
// broadcasts to every runner.
func (c *Controller) queueRunnerCommand(ctx context.Context, runnerName string, cmd runner.Command) (db.Command, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return db.Command{}, fmt.Errorf("marshal command: %w", err)
	}
	target, topic := runnerName, runner.CommandsTopic(runnerName)
	if runnerName == "" {
		target, topic = "all", runner.CommandsAll
	}
	now := time.Now().UTC()
	rec := db.Command{
		CommandID:    cmd.ID,
		Type:         cmd.Type,
		TargetRunner: target,
		Tree:         cmd.Tree,
		PayloadJSON:  string(payload),
		Status:       "queued",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	id, err := c.DB.CreateCommand(ctx, rec)
	if err != nil {
		return db.Command{}, fmt.Errorf("create command: %w", err)
	}
	rec.ID = id
	slog.Info("command queued", "type", cmd.Type, "runner", target, "tree", cmd.Tree, "topic", topic)
	c.MQTT.Publish(topic, payload)
	if err := c.DB.UpdateCommandStatus(ctx, id, "sent"); err != nil {
		return rec, fmt.Errorf("mark command sent: %w", err)
	}
	rec.Status = "sent"
	return rec, nil
}
