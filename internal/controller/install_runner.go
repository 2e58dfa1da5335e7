package controller

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/treefleet/internal/runner"
	sshc "example.com/treefleet/internal/ssh"
)

type installRunnerRequest struct {
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	User         string   `json:"user"`
	SSHKey       string   `json:"ssh_key"`
	Sudo         bool     `json:"sudo"`
	SudoPwd      string   `json:"sudo_password"`
	AssetsDir    string   `json:"assets_dir"`
	Trees        []string `json:"trees"`
	TickInterval string   `json:"tick_interval"`
}

func (req installRunnerRequest) validate() error {
	if req.Name == "" || req.Address == "" || req.User == "" || req.SSHKey == "" {
		return fmt.Errorf("name, address, user, and ssh_key required")
	}
	if strings.ContainsAny(req.Name, "/#+") {
		return fmt.Errorf("name must not contain /, # or +")
	}
	if req.AssetsDir != "" && !strings.HasPrefix(req.AssetsDir, "/") {
		return fmt.Errorf("assets_dir must be an absolute path")
	}
	return nil
}

// runnerConfig builds the config file written to the runner host. Each
// named tree is read from the assets directory and watched for redeploys.
func (req installRunnerRequest) runnerConfig() (runner.Config, error) {
	cfg := runner.Config{
		RunnerID:   req.Name,
		MQTTBroker: runnerBrokerURL(),
	}
	if req.TickInterval != "" {
		d, err := time.ParseDuration(req.TickInterval)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid tick_interval %q", req.TickInterval)
		}
		cfg.TickInterval = d
	}
	dir := req.AssetsDir
	if dir == "" {
		dir = sshc.DefaultAssetsDir
	}
	for _, name := range req.Trees {
		cfg.Trees = append(cfg.Trees, runner.TreeConfig{
			Name:  name,
			Asset: filepath.Join(dir, name+".yaml"),
			Watch: true,
		})
	}
	cfg.SetDefaults()
	return cfg, nil
}

// InstallRunner pushes the runner binary matching the host architecture,
// writes its config and starts the service.
func (c *Controller) InstallRunner(w http.ResponseWriter, r *http.Request) {
	var req installRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := req.runnerConfig()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	addr := req.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	sudoPwd := req.SudoPwd
	if sudoPwd == "" {
		sudoPwd = os.Getenv("RUNNER_SUDO_PASSWORD")
	}
	useSudo := req.Sudo || strings.ToLower(req.User) != "root"
	if useSudo && sudoPwd == "" {
		respondError(w, http.StatusBadRequest, "sudo password required")
		return
	}
	host := sshc.HostSpec{
		Addr:         addr,
		User:         req.User,
		PrivateKey:   []byte(req.SSHKey),
		UseSudo:      useSudo,
		SudoPassword: sudoPwd,
	}

	arch, err := sshc.DetectArch(host)
	if err != nil {
		slog.Error("install runner: detect arch", "host", addr, "error", err)
		respondError(w, http.StatusBadGateway, connectionMessage(err))
		return
	}
	binary, err := os.ReadFile(runnerBinaryPath(arch))
	if err != nil {
		slog.Error("install runner: read binary", "arch", arch, "error", err)
		respondError(w, http.StatusInternalServerError, "runner binary unavailable for "+arch)
		return
	}
	if err := sshc.InstallRunner(host, cfg, binary); err != nil {
		slog.Error("install runner: ssh failure", "host", addr, "error", err)
		respondError(w, http.StatusBadGateway, connectionMessage(err))
		return
	}

	if err := c.DB.EnsureRunner(r.Context(), req.Name, "installed"); err != nil {
		slog.Error("install runner: ensure runner", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to record runner")
		return
	}
	deploy := deployConfigRequest{Address: req.Address, User: req.User, SSHKey: req.SSHKey, AssetsDir: req.AssetsDir}
	if err := c.DB.UpdateRunnerDeployConfigByName(r.Context(), req.Name, deploy.toDeployConfig()); err != nil {
		slog.Error("install runner: save deploy config", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save deploy settings")
		return
	}
	rn, err := c.DB.GetRunnerByName(r.Context(), req.Name)
	if err != nil {
		slog.Error("install runner: fetch runner", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to fetch runner")
		return
	}
	respondJSON(w, http.StatusCreated, rn)
}

func connectionMessage(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no route to host") || strings.Contains(msg, "i/o timeout") {
		return "Connection failed. Please check the host is reachable."
	}
	return "failed to install runner"
}

func runnerBinaryPath(arch string) string {
	dir := os.Getenv("RUNNER_BINARY_DIR")
	if dir == "" {
		dir = "/app/bin"
	}
	return filepath.Join(dir, "btrunner-linux-"+arch)
}

func runnerBrokerURL() string {
	if v := os.Getenv("RUNNER_MQTT_BROKER"); v != "" {
		return v
	}
	if v := os.Getenv("MQTT_PUBLIC_BROKER"); v != "" {
		return v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		return v
	}
	return "tcp://127.0.0.1:1883"
}
