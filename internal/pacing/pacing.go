// Package pacing records credit-consumption telemetry.
//
// Each lifecycle event may contribute a usage snapshot (the token counters
// observed for that window) to a SQLite log. The burn-rate summary feeds
// `pacetrace status`; the throttle arithmetic that consumes it lives outside
// this tool.
package pacing

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pacetrace-dev/pacetrace/internal/transcript"
)

// snapshotRetention is how long usage snapshots are kept.
const snapshotRetention = 60 * 24 * time.Hour

// Recorder provides SQLite-backed persistence for usage snapshots.
type Recorder struct {
	db *sql.DB
}

// NewRecorder opens the SQLite database at dbPath and creates tables if they
// don't exist.
func NewRecorder(dbPath string) (*Recorder, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Recorder{db: db}, nil
}

// Close closes the database connection.
func (r *Recorder) Close() error {
	return r.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON usage_snapshots(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_snapshots_session ON usage_snapshots(session_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Record appends one usage snapshot for a session, then prunes snapshots
// past retention. Zero-usage snapshots are skipped.
func (r *Recorder) Record(sessionID string, usage transcript.Usage) error {
	if usage.Total() == 0 {
		return nil
	}

	_, err := r.db.Exec(`
		INSERT INTO usage_snapshots
			(timestamp, session_id, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens)
		VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), sessionID, usage.Input, usage.Output, usage.CacheRead, usage.CacheCreation)
	if err != nil {
		return fmt.Errorf("insert usage snapshot: %w", err)
	}

	cutoff := time.Now().Add(-snapshotRetention).Unix()
	if _, err := r.db.Exec(`DELETE FROM usage_snapshots WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("prune old snapshots: %w", err)
	}
	return nil
}

// BurnRate summarizes consumption over a recent window.
type BurnRate struct {
	Window       time.Duration
	Snapshots    int
	TotalTokens  int
	OutputTokens int
	PerMinute    float64 // total tokens per minute over the window
}

// RecentBurnRate computes token consumption over the trailing window.
func (r *Recorder) RecentBurnRate(window time.Duration) (BurnRate, error) {
	cutoff := time.Now().Add(-window).Unix()

	row := r.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens + output_tokens + cache_read_tokens + cache_creation_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM usage_snapshots
		WHERE timestamp >= ?`, cutoff)

	rate := BurnRate{Window: window}
	if err := row.Scan(&rate.Snapshots, &rate.TotalTokens, &rate.OutputTokens); err != nil {
		return BurnRate{}, fmt.Errorf("query burn rate: %w", err)
	}

	if minutes := window.Minutes(); minutes > 0 {
		rate.PerMinute = float64(rate.TotalTokens) / minutes
	}
	return rate, nil
}

// ShouldPoll reports whether enough time has passed since the last usage
// snapshot poll. A zero lastPoll always polls.
func ShouldPoll(lastPoll time.Time, interval time.Duration) bool {
	if lastPoll.IsZero() {
		return true
	}
	return time.Since(lastPoll) >= interval
}
