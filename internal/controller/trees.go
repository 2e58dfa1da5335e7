package controller

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/treefleet/internal/asset"
	"example.com/treefleet/internal/db"
	"example.com/treefleet/internal/runner"
	sshc "example.com/treefleet/internal/ssh"
)

type treeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	AssetYAML   string `json:"asset_yaml"`
}

// validateAsset parses raw and builds it against the builtin node types so
// that a stored tree is known to load on a runner.
func validateAsset(raw string) (asset.Spec, error) {
	spec, err := asset.Parse([]byte(raw))
	if err != nil {
		return asset.Spec{}, fmt.Errorf("invalid tree asset: %w", err)
	}
	if _, err := asset.Build(spec, nil); err != nil {
		return asset.Spec{}, fmt.Errorf("invalid tree asset: %w", err)
	}
	return spec, nil
}

func (req treeRequest) toTree(id int64) (db.Tree, error) {
	spec, err := validateAsset(req.AssetYAML)
	if err != nil {
		return db.Tree{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = spec.Name
	}
	return db.Tree{ID: id, Name: name, Description: req.Description, AssetYAML: req.AssetYAML}, nil
}

func (c *Controller) ListTrees(w http.ResponseWriter, r *http.Request) {
	trees, err := c.DB.ListTrees(r.Context())
	if err != nil {
		slog.Error("list trees", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list trees")
		return
	}
	respondJSON(w, http.StatusOK, trees)
}

func (c *Controller) GetTree(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDFromPath(r.URL.Path, "/api/trees/")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tree id")
		return
	}
	t, ok := c.fetchTree(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (c *Controller) CreateTree(w http.ResponseWriter, r *http.Request) {
	var req treeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid tree payload")
		return
	}
	t, err := req.toTree(0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := c.DB.CreateTree(r.Context(), t)
	if err != nil {
		slog.Error("create tree", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create tree")
		return
	}
	t.ID = id
	respondJSON(w, http.StatusCreated, t)
}

func (c *Controller) UpdateTree(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDFromPath(r.URL.Path, "/api/trees/")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tree id")
		return
	}
	var req treeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid tree payload")
		return
	}
	t, err := req.toTree(id)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := c.DB.UpdateTree(r.Context(), t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "tree not found")
			return
		}
		slog.Error("update tree", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to update tree")
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (c *Controller) DeleteTree(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDFromPath(r.URL.Path, "/api/trees/")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tree id")
		return
	}
	if err := c.DB.DeleteTree(r.Context(), id); err != nil {
		slog.Error("delete tree", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete tree")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type treeTargetRequest struct {
	RunnerIDs []int64 `json:"runner_ids"`
	// Tree is the runner-side tree name. It defaults to the stored name.
	Tree string `json:"tree"`
}

type targetResult struct {
	RunnerID int64       `json:"runner_id"`
	Runner   string      `json:"runner"`
	Command  *db.Command `json:"command,omitempty"`
	Path     string      `json:"path,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// ApplyTree sends the stored asset to runners as a load_tree command.
func (c *Controller) ApplyTree(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDWithSuffix(r.URL.Path, "/api/trees/", "apply")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, ok := decodeTargets(w, r)
	if !ok {
		return
	}
	t, ok := c.fetchTree(w, r, id)
	if !ok {
		return
	}
	data, err := json.Marshal(runner.LoadTreeData{Asset: t.AssetYAML})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode tree")
		return
	}
	name := req.Tree
	if name == "" {
		name = t.Name
	}

	results := make([]targetResult, 0, len(req.RunnerIDs))
	for _, rid := range req.RunnerIDs {
		res := targetResult{RunnerID: rid}
		rn, err := c.DB.GetRunnerByID(r.Context(), rid)
		if err != nil {
			res.Error = "runner not found"
			results = append(results, res)
			continue
		}
		res.Runner = rn.Name
		cmd := runner.Command{Type: runner.CmdLoadTree, Tree: name, Data: data}
		rec, err := c.queueRunnerCommand(r.Context(), rn.Name, cmd)
		if err != nil {
			slog.Error("apply tree", "runner", rn.Name, "error", err)
			res.Error = "failed to queue command"
			results = append(results, res)
			continue
		}
		res.Command = &rec
		if err := c.DB.UpdateRunnerTree(r.Context(), rid, t.ID); err != nil {
			slog.Error("apply tree: record last tree", "runner", rn.Name, "error", err)
		}
		results = append(results, res)
	}
	respondJSON(w, http.StatusOK, map[string]any{"tree": t.Name, "results": results})
}

// DeployTree copies the stored asset into each runner's assets directory
// over SFTP. A runner watching that file reloads it on its own.
func (c *Controller) DeployTree(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDWithSuffix(r.URL.Path, "/api/trees/", "deploy")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, ok := decodeTargets(w, r)
	if !ok {
		return
	}
	t, ok := c.fetchTree(w, r, id)
	if !ok {
		return
	}
	defaults, err := c.DB.GetDefaultDeployConfig(r.Context())
	if err != nil {
		slog.Error("deploy tree: load defaults", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load deploy defaults")
		return
	}
	name := req.Tree
	if name == "" {
		name = t.Name
	}

	results := make([]targetResult, 0, len(req.RunnerIDs))
	for _, rid := range req.RunnerIDs {
		res := targetResult{RunnerID: rid}
		rn, err := c.DB.GetRunnerByID(r.Context(), rid)
		if err != nil {
			res.Error = "runner not found"
			results = append(results, res)
			continue
		}
		res.Runner = rn.Name
		cfg := mergeDeployConfig(rn.DeployConfig, defaults)
		if cfg.Address == "" || cfg.User == "" || cfg.SSHKey == "" {
			res.Error = "runner ssh credentials missing"
			results = append(results, res)
			continue
		}
		dir := cfg.AssetsDir
		if dir == "" {
			dir = sshc.DefaultAssetsDir
		}
		host := sshc.HostSpec{Addr: cfg.Address, User: cfg.User, PrivateKey: []byte(cfg.SSHKey)}

		status := "deployed"
		path, deployErr := c.Deployer.DeployAsset(host, dir, name, []byte(t.AssetYAML))
		if deployErr != nil {
			slog.Error("deploy tree", "runner", rn.Name, "tree", name, "error", deployErr)
			status = "failed"
			res.Error = deployErr.Error()
		}
		res.Path = path

		now := time.Now().UTC()
		rec := db.Command{
			CommandID:    uuid.NewString(),
			Type:         "deploy",
			TargetRunner: rn.Name,
			Tree:         name,
			PayloadJSON:  fmt.Sprintf(`{"path":%q}`, path),
			Status:       status,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if cid, err := c.DB.CreateCommand(r.Context(), rec); err != nil {
			slog.Error("deploy tree: record command", "error", err)
		} else {
			rec.ID = cid
			res.Command = &rec
		}
		if deployErr == nil {
			if err := c.DB.UpdateRunnerTree(r.Context(), rid, t.ID); err != nil {
				slog.Error("deploy tree: record last tree", "runner", rn.Name, "error", err)
			}
		}
		results = append(results, res)
	}
	respondJSON(w, http.StatusOK, map[string]any{"tree": t.Name, "results": results})
}

func decodeTargets(w http.ResponseWriter, r *http.Request) (treeTargetRequest, bool) {
	var req treeTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return req, false
	}
	if len(req.RunnerIDs) == 0 {
		respondError(w, http.StatusBadRequest, "runner_ids required")
		return req, false
	}
	if strings.ContainsAny(req.Tree, "/#+") {
		respondError(w, http.StatusBadRequest, "invalid tree name")
		return req, false
	}
	return req, true
}

func (c *Controller) fetchTree(w http.ResponseWriter, r *http.Request, id int64) (db.Tree, bool) {
	t, err := c.DB.GetTreeByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "tree not found")
			return db.Tree{}, false
		}
		slog.Error("get tree", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to fetch tree")
		return db.Tree{}, false
	}
	return t, true
}
