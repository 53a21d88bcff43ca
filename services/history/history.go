// Package history keeps a durable log of upstream API calls in SQLite
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
	_ "github.com/mattn/go-sqlite3"

	"stocknity/models"
)

// DefaultPath is used when no history path is configured
const DefaultPath = "data/api_history.db"

// SourceStats aggregates calls to one source
type SourceStats struct {
	Calls         int64   `json:"calls"`
	Failures      int64   `json:"failures"`
	Records       int64   `json:"records"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

// Store is the SQLite-backed call history
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *logger.L
}

// Open creates the database file and table if needed
func Open(path string, log *logger.L) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history db: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("api call history at %s", path)
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) createTables() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := `
		CREATE TABLE IF NOT EXISTS api_call_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			called_at INTEGER NOT NULL,
			source VARCHAR NOT NULL,
			endpoint VARCHAR,
			parameters TEXT,
			success BOOLEAN,
			response_time_ms INTEGER,
			record_count INTEGER,
			cache_key VARCHAR,
			error TEXT
		)
	`
	if _, err := s.db.Exec(table); err != nil {
		return fmt.Errorf("failed to create api_call_history table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_api_call_history_called_at ON api_call_history(called_at)`); err != nil {
		return fmt.Errorf("failed to create api_call_history index: %w", err)
	}
	return nil
}

// Record appends one call
func (s *Store) Record(ctx context.Context, entry models.APICallLogEntry) error {
	params, err := json.Marshal(entry.Parameters)
	if err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_call_history
			(called_at, source, endpoint, parameters, success, response_time_ms, record_count, cache_key, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UnixNano(), entry.Source, entry.Endpoint, string(params),
		entry.Success, entry.ResponseTimeMs, entry.RecordCount, entry.CacheKey, entry.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record api call: %w", err)
	}
	return nil
}

// Recent returns up to limit calls, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]models.APICallLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT called_at, source, endpoint, parameters, success, response_time_ms, record_count, cache_key, error
		FROM api_call_history
		ORDER BY called_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []models.APICallLogEntry
	for rows.Next() {
		var (
			call   models.APICallLogEntry
			nanos  int64
			params sql.NullString
		)
		if err := rows.Scan(&nanos, &call.Source, &call.Endpoint, &params, &call.Success,
			&call.ResponseTimeMs, &call.RecordCount, &call.CacheKey, &call.Error); err != nil {
			return nil, err
		}
		call.Timestamp = time.Unix(0, nanos)
		if params.Valid && params.String != "" {
			_ = json.Unmarshal([]byte(params.String), &call.Parameters)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// StatsSince aggregates calls made at or after since, per source
func (s *Store) StatsSince(ctx context.Context, since time.Time) (map[string]SourceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT source,
			COUNT(*),
			SUM(CASE WHEN success THEN 0 ELSE 1 END),
			COALESCE(SUM(record_count), 0),
			COALESCE(AVG(response_time_ms), 0)
		FROM api_call_history
		WHERE called_at >= ?
		GROUP BY source`, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]SourceStats)
	for rows.Next() {
		var (
			source string
			st     SourceStats
		)
		if err := rows.Scan(&source, &st.Calls, &st.Failures, &st.Records, &st.AvgResponseMs); err != nil {
			return nil, err
		}
		stats[source] = st
	}
	return stats, rows.Err()
}

// Cleanup deletes calls made before cutoff
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM api_call_history WHERE called_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
