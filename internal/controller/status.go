package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"example.com/treefleet/internal/runner"
)

const statusPrefix = "bt/status/"

// RunnerFromTopic returns the runner id in a bt/status/<id> topic, or "".
func RunnerFromTopic(topic string) string {
	if !strings.HasPrefix(topic, statusPrefix) {
		return ""
	}
	id := strings.TrimPrefix(topic, statusPrefix)
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}

// IngestStatus records a runner heartbeat, creating the runner on first
// contact.
func (c *Controller) IngestStatus(ctx context.Context, topic string, payload []byte) error {
	id := RunnerFromTopic(topic)
	if id == "" {
		return fmt.Errorf("unexpected status topic %q", topic)
	}
	var hb runner.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return fmt.Errorf("invalid heartbeat from %s: %w", id, err)
	}
	status := hb.Status
	if status == "" {
		status = "unknown"
	}
	slog.Debug("status update", "runner", id, "status", status, "trees", len(hb.Trees))
	if err := c.DB.UpsertRunnerHeartbeat(ctx, id, status, payload); err != nil {
		return fmt.Errorf("upsert runner %s: %w", id, err)
	}
	return nil
}
