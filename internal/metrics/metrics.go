// Package metrics provides SQLite-backed counters for telemetry activity.
//
// Counts of sessions, traces, spans, and generations are kept in 15-minute
// buckets so `pacetrace status` can show recent activity without retaining
// unbounded history. Buckets older than 24 hours are pruned on every
// increment.
package metrics

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Counter kinds.
const (
	Sessions    = "sessions"
	Traces      = "traces"
	Spans       = "spans"
	Generations = "generations"
)

// bucketSize aligns counters to 15-minute boundaries.
const bucketSize = 900

// retention is how long buckets are kept.
const retention = 24 * time.Hour

// Store provides SQLite-backed persistence for telemetry metrics.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dbPath and creates tables if they
// don't exist.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS telemetry_metrics (
		bucket_timestamp INTEGER PRIMARY KEY,
		sessions_count INTEGER NOT NULL DEFAULT 0,
		traces_count INTEGER NOT NULL DEFAULT 0,
		spans_count INTEGER NOT NULL DEFAULT 0,
		generations_count INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := db.Exec(schema)
	return err
}

// alignToBucket rounds a Unix timestamp down to its 15-minute boundary.
func alignToBucket(ts int64) int64 {
	return ts / bucketSize * bucketSize
}

var validKinds = map[string]bool{
	Sessions:    true,
	Traces:      true,
	Spans:       true,
	Generations: true,
}

// Increment adds n to the given counter in the current bucket, creating the
// bucket if needed, then prunes stale buckets.
func (s *Store) Increment(kind string, n int) error {
	if !validKinds[kind] {
		return fmt.Errorf("invalid metric kind: %q", kind)
	}
	if n <= 0 {
		return nil
	}

	bucket := alignToBucket(time.Now().Unix())
	column := kind + "_count"

	query := fmt.Sprintf(`
		INSERT INTO telemetry_metrics (bucket_timestamp, %[1]s)
		VALUES (?, ?)
		ON CONFLICT(bucket_timestamp) DO UPDATE SET %[1]s = %[1]s + ?`,
		column)

	if _, err := s.db.Exec(query, bucket, n, n); err != nil {
		return fmt.Errorf("increment %s: %w", kind, err)
	}

	return s.pruneStale()
}

// pruneStale deletes buckets older than the retention window.
func (s *Store) pruneStale() error {
	cutoff := time.Now().Add(-retention).Unix()
	if _, err := s.db.Exec(`DELETE FROM telemetry_metrics WHERE bucket_timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("prune stale buckets: %w", err)
	}
	return nil
}

// Summary is the 24-hour activity totals.
type Summary struct {
	Sessions    int
	Traces      int
	Spans       int
	Generations int
}

// Last24h sums all retained buckets.
func (s *Store) Last24h() (Summary, error) {
	cutoff := time.Now().Add(-retention).Unix()

	row := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(sessions_count), 0),
			COALESCE(SUM(traces_count), 0),
			COALESCE(SUM(spans_count), 0),
			COALESCE(SUM(generations_count), 0)
		FROM telemetry_metrics
		WHERE bucket_timestamp >= ?`, cutoff)

	var sum Summary
	if err := row.Scan(&sum.Sessions, &sum.Traces, &sum.Spans, &sum.Generations); err != nil {
		return Summary{}, fmt.Errorf("query metrics summary: %w", err)
	}
	return sum, nil
}
