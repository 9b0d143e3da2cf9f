package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists audit records to a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the audit database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// Serialized writes; the retry writer is the only producer anyway.
	db.SetMaxOpenConns(1)

	sink := &SQLiteSink{db: db}
	if err := sink.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}
	return sink, nil
}

func (s *SQLiteSink) ensureSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			task_id TEXT,
			identity TEXT NOT NULL,
			tool TEXT,
			args TEXT,
			code TEXT,
			reason TEXT,
			exit_code INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			output_size INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 0,
			score REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_records(task_id);
		CREATE INDEX IF NOT EXISTS idx_audit_identity ON audit_records(identity);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSink) Write(ctx context.Context, rec Record) error {
	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshalling args: %w", err)
	}

	query := `
		INSERT INTO audit_records (id, timestamp, event_type, task_id, identity, tool, args, code, reason, exit_code, duration_ms, output_size, truncated, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Timestamp,
		string(rec.EventType),
		rec.TaskID,
		rec.Identity,
		rec.Tool,
		string(argsJSON),
		rec.Code,
		rec.Reason,
		rec.ExitCode,
		rec.Duration.Milliseconds(),
		rec.OutputSize,
		boolToInt(rec.Truncated),
		rec.Score,
	)
	return err
}

func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT id, timestamp, event_type, task_id, identity, tool, args, code, reason, exit_code, duration_ms, output_size, truncated, score
		FROM audit_records
		ORDER BY timestamp DESC, created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var eventType, argsJSON string
		var durationMS int64
		var truncated int

		err := rows.Scan(
			&rec.ID,
			&rec.Timestamp,
			&eventType,
			&rec.TaskID,
			&rec.Identity,
			&rec.Tool,
			&argsJSON,
			&rec.Code,
			&rec.Reason,
			&rec.ExitCode,
			&durationMS,
			&rec.OutputSize,
			&truncated,
			&rec.Score,
		)
		if err != nil {
			return nil, err
		}

		rec.EventType = EventType(eventType)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Truncated = truncated != 0
		if argsJSON != "" && argsJSON != "null" {
			if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
				return nil, fmt.Errorf("unmarshalling args: %w", err)
			}
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
