package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is the local SQLite cache of call records. It serves the recent
// calls list when the backend is unreachable and absorbs optimistic status
// writes until the next refresh overwrites them with backend truth.
type Store struct {
	db *sql.DB
}

// OpenStore creates or opens the call log cache in dataDir.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "calllog.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening call log cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging call log cache: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating call log schema: %w", err)
	}

	slog.Info("call log cache opened", "path", dbPath)
	return s, nil
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS call_log (
		call_id TEXT PRIMARY KEY,
		from_number TEXT NOT NULL DEFAULT '',
		to_number TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		duration INTEGER NOT NULL DEFAULT 0,
		start_time DATETIME NOT NULL,
		recording_url TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("creating call_log table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_call_log_start_time
		ON call_log (start_time DESC)`)
	if err != nil {
		return fmt.Errorf("creating call_log index: %w", err)
	}
	return nil
}

// Replace swaps the entire cache for the given records in one transaction.
// Callers invoke this only with a complete, successfully fetched backend
// list; a failed fetch leaves the previous cache untouched.
func (s *Store) Replace(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM call_log`); err != nil {
		return fmt.Errorf("clearing call_log: %w", err)
	}
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_log (call_id, from_number, to_number, direction,
			 status, duration, start_time, recording_url)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.CallID, rec.From, rec.To, rec.Direction,
			rec.Status, rec.Duration, rec.StartTime, rec.RecordingURL,
		); err != nil {
			return fmt.Errorf("inserting record %s: %w", rec.CallID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing replace: %w", err)
	}
	return nil
}

// Upsert inserts or overwrites a single record.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_log (call_id, from_number, to_number, direction,
		 status, duration, start_time, recording_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET
		 from_number = excluded.from_number,
		 to_number = excluded.to_number,
		 direction = excluded.direction,
		 status = excluded.status,
		 duration = excluded.duration,
		 start_time = excluded.start_time,
		 recording_url = excluded.recording_url`,
		rec.CallID, rec.From, rec.To, rec.Direction,
		rec.Status, rec.Duration, rec.StartTime, rec.RecordingURL,
	)
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", rec.CallID, err)
	}
	return nil
}

// UpdateStatus overwrites the status (and recording URL, if given) of a
// cached record. Missing records are ignored; the next refresh brings them.
func (s *Store) UpdateStatus(ctx context.Context, callID, status, recordingURL string) error {
	var err error
	if recordingURL != "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE call_log SET status = ?, recording_url = ? WHERE call_id = ?`,
			status, recordingURL, callID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE call_log SET status = ? WHERE call_id = ?`,
			status, callID)
	}
	if err != nil {
		return fmt.Errorf("updating status for %s: %w", callID, err)
	}
	return nil
}

// List returns cached records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, from_number, to_number, direction, status,
		 duration, start_time, recording_url
		 FROM call_log ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.CallID, &rec.From, &rec.To, &rec.Direction,
			&rec.Status, &rec.Duration, &rec.StartTime, &rec.RecordingURL); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

// Delete removes a record from the cache.
func (s *Store) Delete(ctx context.Context, callID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM call_log WHERE call_id = ?`, callID); err != nil {
		return fmt.Errorf("deleting record %s: %w", callID, err)
	}
	return nil
}

// Count returns the number of cached records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
