// Package sessiondb keeps a local index of completed sessions so runs on the
// device can be compared without trawling output directories.
package sessiondb

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/skyward-uas/perception/internal/pipeline"
)

// DB wraps the sqlite handle.
type DB struct {
	*sql.DB
}

// Open creates or opens the session index at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id       TEXT PRIMARY KEY,
			started_utc      TEXT,
			ended_utc        TEXT,
			outcome          TEXT,
			reason           TEXT,
			frames_processed BIGINT,
			frames_skipped   BIGINT,
			detections_total BIGINT,
			fps_global       DOUBLE,
			infer_mean_ms    DOUBLE,
			recorded_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db}, nil
}

// RecordSession stores one completed session summary, replacing any earlier
// row with the same session ID.
func (db *DB) RecordSession(sessionID string, s *pipeline.SessionSummary) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO sessions (
			session_id, started_utc, ended_utc, outcome, reason,
			frames_processed, frames_skipped, detections_total,
			fps_global, infer_mean_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		s.Session.StartedUTC,
		s.Session.EndedUTC,
		string(s.Session.Outcome),
		s.Session.Reason,
		s.Counts.FramesProcessed,
		s.Counts.FramesSkipped,
		s.Counts.DetectionsTotal,
		float64(s.TimingMs.FPSGlobal),
		float64(s.TimingMs.Infer.Mean),
	)
	return err
}

// SessionRow is one row of the index.
type SessionRow struct {
	SessionID       string
	StartedUTC      string
	Outcome         string
	FramesProcessed int64
	FPSGlobal       float64
}

// RecentSessions lists the newest n sessions.
func (db *DB) RecentSessions(n int) ([]SessionRow, error) {
	rows, err := db.Query(`
		SELECT session_id, started_utc, outcome, frames_processed, fps_global
		FROM sessions ORDER BY started_utc DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.SessionID, &r.StartedUTC, &r.Outcome, &r.FramesProcessed, &r.FPSGlobal); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
