package controller

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/ssh"

	"example.com/treefleet/internal/db"
)

type deployDefaultsResponse struct {
	*db.DeployConfig
	SSHPublicKey string `json:"ssh_public_key"`
}

func (c *Controller) GetDeployDefaults(w http.ResponseWriter, r *http.Request) {
	cfg, err := c.DB.GetDefaultDeployConfig(r.Context())
	if err != nil {
		slog.Error("get deploy defaults", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load defaults")
		return
	}

	resp := &deployDefaultsResponse{DeployConfig: cfg}
	if cfg != nil {
		resp.SSHPublicKey = publicKeyFor(cfg.SSHKey)
	}
	respondJSON(w, http.StatusOK, map[string]*deployDefaultsResponse{"deploy_config": resp})
}

func (c *Controller) UpdateDeployDefaults(w http.ResponseWriter, r *http.Request) {
	var req deployDefaultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid deploy defaults")
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := req.toDeployConfig()
	if err := c.DB.SaveDefaultDeployConfig(r.Context(), cfg); err != nil {
		slog.Error("update deploy defaults", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save defaults")
		return
	}
	respondJSON(w, http.StatusOK, map[string]*db.DeployConfig{"deploy_config": &cfg})
}

// publicKeyFor derives the authorized_keys line for a private key. It
// returns "" when the key does not parse.
func publicKeyFor(rawKey string) string {
	if rawKey == "" {
		return ""
	}
	signer, err := ssh.ParsePrivateKey([]byte(rawKey))
	if err != nil {
		slog.Warn("failed to parse stored ssh key", "error", err)
		return ""
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
}
