package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// SQLiteSink persists usage rows and maintains per-day, per-model
// rollups so spend queries never scan the raw table.
type SQLiteSink struct {
	db   *sql.DB
	path string
}

const usageSchemaVersion = 2

func NewSQLite(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, types.Errorf(types.KindConfiguration, "usage: sqlite sink needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("usage: create sink directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("usage: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("usage: failed to set busy_timeout", "error", err)
	}

	s := &SQLiteSink{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: migration failed: %w", err)
	}

	L_debug("usage: sqlite sink opened", "path", path)
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		version = 0
	}
	if version >= usageSchemaVersion {
		return nil
	}

	migrations := []func(*sql.DB) error{
		usageMigrateV1,
		usageMigrateV2,
	}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("v%d: %w", i+1, err)
		}
		L_debug("usage: applied migration", "version", i+1)
	}
	return nil
}

func usageMigrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_micro_usd INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_usage_trace ON usage(trace_id);
	CREATE INDEX IF NOT EXISTS idx_usage_model ON usage(model_id, finished_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)", time.Now().Unix())
	return err
}

func usageMigrateV2(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_rollup_daily (
		day TEXT NOT NULL,
		model_id TEXT NOT NULL,
		requests INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_micro_usd INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (day, model_id)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (2, ?)", time.Now().Unix())
	return err
}

func (s *SQLiteSink) Append(rec types.UsageRecord) error {
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	day := finished.UTC().Format("2006-01-02")
	microUSD := int64(rec.CostUSD * 1e6)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO usage (trace_id, model_id, provider, started_at, finished_at,
			input_tokens, output_tokens, cost_micro_usd, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, rec.ModelID, rec.Provider,
		rec.StartedAt.UnixMilli(), finished.UnixMilli(),
		rec.InputTokens, rec.OutputTokens, microUSD, string(rec.Outcome), rec.Error)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO usage_rollup_daily (day, model_id, requests, input_tokens, output_tokens, cost_micro_usd)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(day, model_id) DO UPDATE SET
			requests = requests + 1,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cost_micro_usd = cost_micro_usd + excluded.cost_micro_usd`,
		day, rec.ModelID, rec.InputTokens, rec.OutputTokens, microUSD)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// DailyRollup is one row of the per-day, per-model spend summary.
type DailyRollup struct {
	Day          string  `json:"day"`
	ModelID      string  `json:"modelId"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Rollups returns the last days of per-model summaries, newest first.
func (s *SQLiteSink) Rollups(ctx context.Context, days int) ([]DailyRollup, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	rows, err := s.db.QueryContext(ctx, `
		SELECT day, model_id, requests, input_tokens, output_tokens, cost_micro_usd
		FROM usage_rollup_daily
		WHERE day >= ?
		ORDER BY day DESC, model_id ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyRollup
	for rows.Next() {
		var r DailyRollup
		var micro int64
		if err := rows.Scan(&r.Day, &r.ModelID, &r.Requests, &r.InputTokens, &r.OutputTokens, &micro); err != nil {
			return nil, err
		}
		r.CostUSD = float64(micro) / 1e6
		out = append(out, r)
	}
	return out, rows.Err()
}

// ByTrace returns every record written for one trace id, oldest
// first. Used by tests and ad-hoc debugging.
func (s *SQLiteSink) ByTrace(ctx context.Context, traceID string) ([]types.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, model_id, provider, started_at, finished_at,
			input_tokens, output_tokens, cost_micro_usd, outcome, COALESCE(error, '')
		FROM usage WHERE trace_id = ? ORDER BY id ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.UsageRecord
	for rows.Next() {
		var rec types.UsageRecord
		var started, finished, micro int64
		var outcome string
		if err := rows.Scan(&rec.TraceID, &rec.ModelID, &rec.Provider, &started, &finished,
			&rec.InputTokens, &rec.OutputTokens, &micro, &outcome, &rec.Error); err != nil {
			return nil, err
		}
		rec.StartedAt = time.UnixMilli(started)
		rec.FinishedAt = time.UnixMilli(finished)
		rec.CostUSD = float64(micro) / 1e6
		rec.Outcome = types.Outcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}
