package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// OfflineAfter is how long a runner may go without a heartbeat before it is
// reported offline.
const OfflineAfter = time.Minute

type DB struct {
	SQL  *sql.DB
	Path string
}

type Runner struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Notes        string          `json:"notes"`
	LastSeen     time.Time       `json:"last_seen"`
	LastTree     *TreeRef        `json:"last_tree,omitempty"`
	DeployConfig *DeployConfig   `json:"deploy_config,omitempty"`
	Heartbeat    json.RawMessage `json:"heartbeat,omitempty"`
	Tags         []string        `json:"tags"`
}

// DeployConfig is how the controller reaches a runner host over SSH and
// where the runner reads its tree assets.
type DeployConfig struct {
	Address   string `json:"address"`
	User      string `json:"user"`
	SSHKey    string `json:"ssh_key"`
	AssetsDir string `json:"assets_dir"`
}

type TreeRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Tree struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	AssetYAML   string    `json:"asset_yaml"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Command is a record of one command sent to a runner, or to every runner
// when TargetRunner is "all".
type Command struct {
	ID           int64     `json:"id"`
	CommandID    string    `json:"command_id"`
	Type         string    `json:"type"`
	TargetRunner string    `json:"target_runner"`
	Tree         string    `json:"tree"`
	PayloadJSON  string    `json:"payload_json"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const defaultDeployConfigKey = "default_deploy_config"

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	// modernc SQLite opens a connection per goroutine unless capped; one
	// connection avoids SQLITE_BUSY with a single writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &DB{SQL: db, Path: path}, nil
}

func (d *DB) Close() error {
	return d.SQL.Close()
}

func migrate(db *sql.DB) error {
	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runners (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			last_seen TIMESTAMP,
			status TEXT,
			notes TEXT,
			heartbeat_json TEXT,
			last_tree_id INTEGER,
			ssh_address TEXT,
			ssh_user TEXT,
			ssh_key TEXT,
			assets_dir TEXT,
			tags TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS trees (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			asset_yaml TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command_id TEXT,
			type TEXT NOT NULL,
			target_runner TEXT,
			tree TEXT,
			payload_json TEXT,
			status TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			slog.Error("migration failed", "error", err)
			return err
		}
	}
	return ensureRunnerSchema(db)
}

// ensureRunnerSchema adds columns introduced after the first release.
func ensureRunnerSchema(db *sql.DB) error {
	ctx := context.Background()
	for _, col := range []string{"assets_dir TEXT", "tags TEXT"} {
		if _, err := db.ExecContext(ctx, `ALTER TABLE runners ADD COLUMN `+col); err != nil {
			if !isDuplicateColumnError(err) {
				return err
			}
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func buildDeployConfig(addr, user, key, dir sql.NullString) *DeployConfig {
	cfg := DeployConfig{
		Address:   addr.String,
		User:      user.String,
		SSHKey:    key.String,
		AssetsDir: dir.String,
	}
	if cfg == (DeployConfig{}) {
		return nil
	}
	return &cfg
}

const runnerColumns = `r.id, r.name, r.last_seen, r.status, r.notes, r.heartbeat_json, t.id, t.name, r.ssh_address, r.ssh_user, r.ssh_key, r.assets_dir, r.tags
FROM runners r
LEFT JOIN trees t ON t.id = r.last_tree_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunner(row rowScanner) (Runner, error) {
	var r Runner
	var lastSeen sql.NullTime
	var status, notes, heartbeat sql.NullString
	var treeID sql.NullInt64
	var treeName sql.NullString
	var sshAddr, sshUser, sshKey, assetsDir sql.NullString
	var tags sql.NullString
	if err := row.Scan(&r.ID, &r.Name, &lastSeen, &status, &notes, &heartbeat, &treeID, &treeName, &sshAddr, &sshUser, &sshKey, &assetsDir, &tags); err != nil {
		return Runner{}, err
	}
	r.Status = status.String
	r.Notes = notes.String
	if lastSeen.Valid {
		r.LastSeen = lastSeen.Time
	}
	if heartbeat.Valid && heartbeat.String != "" {
		r.Heartbeat = json.RawMessage(heartbeat.String)
	}
	if treeID.Valid {
		r.LastTree = &TreeRef{ID: treeID.Int64, Name: treeName.String}
	}
	if tags.Valid && tags.String != "" {
		r.Tags = strings.Split(tags.String, ",")
	} else {
		r.Tags = []string{}
	}
	r.DeployConfig = buildDeployConfig(sshAddr, sshUser, sshKey, assetsDir)

	// Check for offline status
	if !r.LastSeen.IsZero() && time.Since(r.LastSeen) > OfflineAfter {
		r.Status = "offline"
	} else if r.LastSeen.IsZero() && r.Status == "" {
		r.Status = "unknown"
	}
	return r, nil
}

func (d *DB) ListRunners(ctx context.Context) ([]Runner, error) {
	rows, err := d.SQL.QueryContext(ctx, `SELECT `+runnerColumns+` ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runners := []Runner{}
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

func (d *DB) GetRunnerByID(ctx context.Context, id int64) (Runner, error) {
	return scanRunner(d.SQL.QueryRowContext(ctx, `SELECT `+runnerColumns+` WHERE r.id = ?`, id))
}

func (d *DB) GetRunnerByName(ctx context.Context, name string) (Runner, error) {
	return scanRunner(d.SQL.QueryRowContext(ctx, `SELECT `+runnerColumns+` WHERE r.name = ?`, name))
}

// UpsertRunnerHeartbeat records a heartbeat, creating the runner on first
// contact.
func (d *DB) UpsertRunnerHeartbeat(ctx context.Context, name, status string, heartbeat []byte) error {
	if name == "" {
		return errors.New("runner name required")
	}
	stmt, err := d.SQL.PrepareContext(ctx, `INSERT INTO runners (name, last_seen, status, heartbeat_json) VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	last_seen=excluded.last_seen,
	status=excluded.status,
	heartbeat_json=excluded.heartbeat_json`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	_, err = stmt.ExecContext(ctx, name, time.Now().UTC(), status, string(heartbeat))
	return err
}

// EnsureRunner creates a runner row without a heartbeat if none exists.
func (d *DB) EnsureRunner(ctx context.Context, name, status string) error {
	if name == "" {
		return errors.New("runner name required")
	}
	_, err := d.SQL.ExecContext(ctx, `INSERT INTO runners (name, status) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET status = CASE WHEN runners.last_seen IS NULL THEN excluded.status ELSE runners.status END`, name, status)
	return err
}

func (d *DB) UpdateRunnerTree(ctx context.Context, runnerID, treeID int64) error {
	var val any
	if treeID > 0 {
		val = treeID
	}
	_, err := d.SQL.ExecContext(ctx, `UPDATE runners SET last_tree_id = ? WHERE id = ?`, val, runnerID)
	return err
}

func (d *DB) UpdateRunnerDeployConfigByID(ctx context.Context, runnerID int64, cfg DeployConfig) error {
	_, err := d.SQL.ExecContext(ctx, `UPDATE runners SET ssh_address = ?, ssh_user = ?, ssh_key = ?, assets_dir = ? WHERE id = ?`,
		cfg.Address, cfg.User, cfg.SSHKey, cfg.AssetsDir, runnerID)
	return err
}

func (d *DB) UpdateRunnerDeployConfigByName(ctx context.Context, name string, cfg DeployConfig) error {
	_, err := d.SQL.ExecContext(ctx, `UPDATE runners SET ssh_address = ?, ssh_user = ?, ssh_key = ?, assets_dir = ? WHERE name = ?`,
		cfg.Address, cfg.User, cfg.SSHKey, cfg.AssetsDir, name)
	return err
}

func (d *DB) UpdateRunnerTags(ctx context.Context, id int64, tags []string) error {
	_, err := d.SQL.ExecContext(ctx, `UPDATE runners SET tags = ? WHERE id = ?`, strings.Join(tags, ","), id)
	return err
}

func (d *DB) UpdateRunnerNotes(ctx context.Context, id int64, notes string) error {
	_, err := d.SQL.ExecContext(ctx, `UPDATE runners SET notes = ? WHERE id = ?`, notes, id)
	return err
}

func (d *DB) DeleteRunner(ctx context.Context, id int64) error {
	_, err := d.SQL.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, id)
	return err
}

func (d *DB) GetDefaultDeployConfig(ctx context.Context) (*DeployConfig, error) {
	var val sql.NullString
	err := d.SQL.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, defaultDeployConfigKey).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if !val.Valid || val.String == "" {
		return nil, nil
	}
	var cfg DeployConfig
	if err := json.Unmarshal([]byte(val.String), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (d *DB) SaveDefaultDeployConfig(ctx context.Context, cfg DeployConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = d.SQL.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, defaultDeployConfigKey, string(data))
	return err
}

func (d *DB) ListTrees(ctx context.Context) ([]Tree, error) {
	rows, err := d.SQL.QueryContext(ctx, `SELECT id, name, description, asset_yaml, created_at, updated_at FROM trees ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	trees := []Tree{}
	for rows.Next() {
		t, err := scanTree(rows)
		if err != nil {
			return nil, err
		}
		trees = append(trees, t)
	}
	return trees, rows.Err()
}

func scanTree(row rowScanner) (Tree, error) {
	var t Tree
	var desc, yamlText sql.NullString
	var createdAt, updatedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.Name, &desc, &yamlText, &createdAt, &updatedAt); err != nil {
		return Tree{}, err
	}
	t.Description = desc.String
	t.AssetYAML = yamlText.String
	if createdAt.Valid {
		t.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		t.UpdatedAt = updatedAt.Time
	}
	return t, nil
}

func (d *DB) GetTreeByID(ctx context.Context, id int64) (Tree, error) {
	return scanTree(d.SQL.QueryRowContext(ctx, `SELECT id, name, description, asset_yaml, created_at, updated_at FROM trees WHERE id = ?`, id))
}

func (d *DB) GetTreeByName(ctx context.Context, name string) (Tree, error) {
	return scanTree(d.SQL.QueryRowContext(ctx, `SELECT id, name, description, asset_yaml, created_at, updated_at FROM trees WHERE name = ?`, name))
}

func (d *DB) CreateTree(ctx context.Context, t Tree) (int64, error) {
	now := time.Now().UTC()
	res, err := d.SQL.ExecContext(ctx, `INSERT INTO trees (name, description, asset_yaml, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.Name, t.Description, t.AssetYAML, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateTree replaces a tree's fields. It returns sql.ErrNoRows when id does
// not exist.
func (d *DB) UpdateTree(ctx context.Context, t Tree) error {
	res, err := d.SQL.ExecContext(ctx, `UPDATE trees SET name = ?, description = ?, asset_yaml = ?, updated_at = ? WHERE id = ?`,
		t.Name, t.Description, t.AssetYAML, time.Now().UTC(), t.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (d *DB) DeleteTree(ctx context.Context, id int64) error {
	if _, err := d.SQL.ExecContext(ctx, `UPDATE runners SET last_tree_id = NULL WHERE last_tree_id = ?`, id); err != nil {
		return err
	}
	_, err := d.SQL.ExecContext(ctx, `DELETE FROM trees WHERE id = ?`, id)
	return err
}

func (d *DB) CreateCommand(ctx context.Context, c Command) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	stmt, err := d.SQL.PrepareContext(ctx, `INSERT INTO commands (command_id, type, target_runner, tree, payload_json, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	res, err := stmt.ExecContext(ctx, c.CommandID, c.Type, c.TargetRunner, c.Tree, c.PayloadJSON, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) UpdateCommandStatus(ctx context.Context, id int64, status string) error {
	_, err := d.SQL.ExecContext(ctx, `UPDATE commands SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	return err
}

// ListCommands returns commands newest first, optionally only those sent to
// target.
func (d *DB) ListCommands(ctx context.Context, target string) ([]Command, error) {
	query := `SELECT id, command_id, type, target_runner, tree, payload_json, status, created_at, updated_at FROM commands`
	var args []any
	if target != "" {
		query += ` WHERE target_runner = ?`
		args = append(args, target)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := d.SQL.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cmds := []Command{}
	for rows.Next() {
		var c Command
		var cmdID, tree sql.NullString
		var createdAt, updatedAt sql.NullTime
		if err := rows.Scan(&c.ID, &cmdID, &c.Type, &c.TargetRunner, &tree, &c.PayloadJSON, &c.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.CommandID = cmdID.String
		c.Tree = tree.String
		if createdAt.Valid {
			c.CreatedAt = createdAt.Time
		}
		if updatedAt.Valid {
			c.UpdatedAt = updatedAt.Time
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}
