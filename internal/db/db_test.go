package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpen_MigratesTwice(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fleet.db")
	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err, "reopening skips existing columns")
	require.NoError(t, d.Close())
}

func TestTrees_CRUD(t *testing.T) {
	t.Parallel()

	d := openTestDB(t)
	ctx := context.Background()

	id, err := d.CreateTree(ctx, Tree{Name: "patrol", Description: "loop", AssetYAML: "name: patrol"})
	require.NoError(t, err)

	_, err = d.CreateTree(ctx, Tree{Name: "patrol"})
	assert.Error(t, err, "names are unique")

	got, err := d.GetTreeByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "patrol", got.Name)
	assert.Equal(t, "name: patrol", got.AssetYAML)
	assert.False(t, got.CreatedAt.IsZero())

	got.Description = "updated"
	require.NoError(t, d.UpdateTree(ctx, got))
	byName, err := d.GetTreeByName(ctx, "patrol")
	require.NoError(t, err)
	assert.Equal(t, "updated", byName.Description)

	assert.ErrorIs(t, d.UpdateTree(ctx, Tree{ID: 999, Name: "x"}), sql.ErrNoRows)

	_, err = d.CreateTree(ctx, Tree{Name: "alpha"})
	require.NoError(t, err)
	trees, err := d.ListTrees(ctx)
	require.NoError(t, err)
	require.Len(t, trees, 2)
	assert.Equal(t, "alpha", trees[0].Name)

	require.NoError(t, d.DeleteTree(ctx, id))
	_, err = d.GetTreeByID(ctx, id)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRunners_Heartbeat(t *testing.T) {
	t.Parallel()

	d := openTestDB(t)
	ctx := context.Background()

	runners, err := d.ListRunners(ctx)
	require.NoError(t, err)
	assert.Empty(t, runners)
	assert.NotNil(t, runners)

	require.NoError(t, d.UpsertRunnerHeartbeat(ctx, "bench-1", "ok", []byte(`{"trees":[]}`)))
	require.NoError(t, d.UpsertRunnerHeartbeat(ctx, "bench-1", "ok", []byte(`{"trees":[1]}`)))
	assert.Error(t, d.UpsertRunnerHeartbeat(ctx, "", "ok", nil))

	r, err := d.GetRunnerByName(ctx, "bench-1")
	require.NoError(t, err)
	assert.Equal(t, "ok", r.Status)
	assert.JSONEq(t, `{"trees":[1]}`, string(r.Heartbeat))
	assert.WithinDuration(t, time.Now(), r.LastSeen, time.Minute)
	assert.Nil(t, r.DeployConfig)
	assert.Equal(t, []string{}, r.Tags)

	treeID, err := d.CreateTree(ctx, Tree{Name: "patrol"})
	require.NoError(t, err)
	require.NoError(t, d.UpdateRunnerTree(ctx, r.ID, treeID))
	require.NoError(t, d.UpdateRunnerTags(ctx, r.ID, []string{"lab", "arm"}))
	require.NoError(t, d.UpdateRunnerNotes(ctx, r.ID, "left bench"))
	cfg := DeployConfig{Address: "10.0.0.5", User: "ubuntu", SSHKey: "key", AssetsDir: "/etc/btrunner/trees"}
	require.NoError(t, d.UpdateRunnerDeployConfigByID(ctx, r.ID, cfg))

	r, err = d.GetRunnerByID(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, r.LastTree)
	assert.Equal(t, "patrol", r.LastTree.Name)
	assert.Equal(t, []string{"lab", "arm"}, r.Tags)
	assert.Equal(t, "left bench", r.Notes)
	require.NotNil(t, r.DeployConfig)
	assert.Equal(t, cfg, *r.DeployConfig)

	require.NoError(t, d.DeleteTree(ctx, treeID))
	r, err = d.GetRunnerByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, r.LastTree, "deleting a tree clears runner references")

	require.NoError(t, d.DeleteRunner(ctx, r.ID))
	_, err = d.GetRunnerByID(ctx, r.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRunners_OfflineAndUnknown(t *testing.T) {
	t.Parallel()

	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.EnsureRunner(ctx, "fresh", ""))
	r, err := d.GetRunnerByName(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "unknown", r.Status)

	require.NoError(t, d.UpsertRunnerHeartbeat(ctx, "stale", "ok", nil))
	_, err = d.SQL.ExecContext(ctx, `UPDATE runners SET last_seen = ? WHERE name = ?`, time.Now().UTC().Add(-2*OfflineAfter), "stale")
	require.NoError(t, err)
	r, err = d.GetRunnerByName(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, "offline", r.Status)

	require.NoError(t, d.UpdateRunnerDeployConfigByName(ctx, "fresh", DeployConfig{Address: "h"}))
	r, err = d.GetRunnerByName(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, r.DeployConfig)
	assert.Equal(t, "h", r.DeployConfig.Address)
}

func TestDefaultDeployConfig(t *testing.T) {
	t.Parallel()

	d := openTestDB(t)
	ctx := context.Background()

	cfg, err := d.GetDefaultDeployConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	want := DeployConfig{User: "ubuntu", SSHKey: "k", AssetsDir: "/srv/trees"}
	require.NoError(t, d.SaveDefaultDeployConfig(ctx, want))
	want.User = "pi"
	require.NoError(t, d.SaveDefaultDeployConfig(ctx, want))

	cfg, err = d.GetDefaultDeployConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, want, *cfg)
}

func TestCommands(t *testing.T) {
	t.Parallel()

	d := openTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC()
	id1, err := d.CreateCommand(ctx, Command{CommandID: "c1", Type: "abort", TargetRunner: "r1", Tree: "patrol", PayloadJSON: "{}", Status: "queued", CreatedAt: base})
	require.NoError(t, err)
	_, err = d.CreateCommand(ctx, Command{CommandID: "c2", Type: "reset_run", TargetRunner: "all", PayloadJSON: "{}", Status: "queued", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)

	require.NoError(t, d.UpdateCommandStatus(ctx, id1, "sent"))

	all, err := d.ListCommands(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c2", all[0].CommandID, "newest first")
	assert.Equal(t, "sent", all[1].Status)
	assert.Equal(t, "patrol", all[1].Tree)

	forR1, err := d.ListCommands(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, forR1, 1)
	assert.Equal(t, "abort", forR1[0].Type)
}
