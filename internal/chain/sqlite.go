package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// SQLiteStore persists checkpoints to a local database so pipelines
// survive process restarts.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const checkpointSchemaVersion = 1

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, types.Errorf(types.KindConfiguration, "chain: sqlite checkpoint store needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("chain: create checkpoint directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("chain: open checkpoint database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("chain: failed to set busy_timeout", "error", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("chain: checkpoint migration failed: %w", err)
	}

	L_debug("chain: sqlite checkpoint store opened", "path", path)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		version = 0
	}
	if version >= checkpointSchemaVersion {
		return nil
	}

	migrations := []func(*sql.DB) error{
		checkpointMigrateV1,
	}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("v%d: %w", i+1, err)
		}
		L_debug("chain: applied migration", "version", i+1)
	}
	return nil
}

func checkpointMigrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		context TEXT NOT NULL,
		step_names TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_pipeline ON checkpoints(pipeline_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)", time.Now().Unix())
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, cp *types.Checkpoint) (string, error) {
	stamp(cp)

	contextJSON, err := json.Marshal(cp.ContextSnapshot)
	if err != nil {
		return "", fmt.Errorf("chain: encode context snapshot: %w", err)
	}
	namesJSON, err := json.Marshal(cp.StepNames)
	if err != nil {
		return "", fmt.Errorf("chain: encode step names: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints (id, pipeline_id, step_index, context, step_names, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.CheckpointID, cp.PipelineID, cp.StepIndexCompleted,
		string(contextJSON), string(namesJSON), cp.CreatedAt.UnixMilli())
	if err != nil {
		return "", err
	}
	return cp.CheckpointID, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*types.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, step_index, context, step_names, created_at
		FROM checkpoints WHERE id = ?`, id)

	cp, err := scanCheckpoint(row.Scan)
	if err == sql.ErrNoRows {
		return nil, types.Errorf(types.KindNotFound, "checkpoint %q not found", id)
	}
	return cp, err
}

// List returns the pipeline's checkpoints, newest first.
func (s *SQLiteStore) List(ctx context.Context, pipelineID string) ([]*types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, step_index, context, step_names, created_at
		FROM checkpoints WHERE pipeline_id = ?
		ORDER BY created_at DESC, id DESC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(scan func(...interface{}) error) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	var contextJSON, namesJSON string
	var created int64
	if err := scan(&cp.CheckpointID, &cp.PipelineID, &cp.StepIndexCompleted,
		&contextJSON, &namesJSON, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contextJSON), &cp.ContextSnapshot); err != nil {
		return nil, fmt.Errorf("chain: decode context snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(namesJSON), &cp.StepNames); err != nil {
		return nil, fmt.Errorf("chain: decode step names: %w", err)
	}
	cp.CreatedAt = time.UnixMilli(created)
	return &cp, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
