package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"example.com/treefleet/internal/db"
	sshc "example.com/treefleet/internal/ssh"
)

// Publisher sends command payloads to runners.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Deployer copies tree assets onto runner hosts.
type Deployer interface {
	DeployAsset(h sshc.HostSpec, dir, name string, data []byte) (string, error)
}

type sftpDeployer struct{}

func (sftpDeployer) DeployAsset(h sshc.HostSpec, dir, name string, data []byte) (string, error) {
	return sshc.DeployAsset(h, dir, name, data)
}

// Controller holds shared dependencies for HTTP handlers.
type Controller struct {
	DB       *db.DB
	MQTT     Publisher
	Deployer Deployer
}

func New(dbConn *db.DB, mqttClient Publisher) *Controller {
	return &Controller{DB: dbConn, MQTT: mqttClient, Deployer: sftpDeployer{}}
}

func (c *Controller) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func parseIDFromPath(path, prefix string) (int64, error) {
	return parseIDWithSuffix(path, prefix, "")
}

// parseIDWithSuffix reads the numeric id in paths shaped prefix/<id>/suffix.
func parseIDWithSuffix(path, prefix, suffix string) (int64, error) {
	if !strings.HasPrefix(path, prefix) {
		return 0, errors.New("invalid path")
	}
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if suffix != "" {
		if !strings.HasSuffix(tail, "/"+suffix) {
			return 0, fmt.Errorf("missing %s suffix", suffix)
		}
		tail = strings.TrimSuffix(tail, "/"+suffix)
	}
	if tail == "" {
		return 0, errors.New("missing id")
	}
	return strconv.ParseInt(tail, 10, 64)
}
