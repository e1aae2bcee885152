// Package store provides SQLite-backed persistence for sessions,
// candidates, processing markers, and the schedule entry journal.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Artifact-Virtual/satx/model"
)

// Store provides access to the satx SQLite database. SQLite allows a
// single writer, so the pool is capped at one connection; WAL keeps
// readers unblocked.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		catalog_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		planned_start DATETIME NOT NULL,
		planned_end DATETIME NOT NULL,
		actual_start DATETIME NOT NULL,
		actual_end DATETIME NOT NULL,
		nominal_frequency_hz REAL NOT NULL,
		sample_rate INTEGER NOT NULL,
		gain REAL NOT NULL,
		artifact_path TEXT NOT NULL,
		bytes_written INTEGER NOT NULL,
		status TEXT NOT NULL,
		partial INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0,
		status_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS retune_events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		at DATETIME NOT NULL,
		frequency_hz REAL NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS candidates (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		catalog_id TEXT NOT NULL,
		detected INTEGER NOT NULL,
		frequency_offset_hz REAL NOT NULL,
		confidence REAL NOT NULL,
		start_offset_ns INTEGER NOT NULL,
		end_offset_ns INTEGER NOT NULL,
		detector_tag TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS processing_markers (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entry_journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL,
		catalog_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		priority REAL NOT NULL,
		attempt INTEGER NOT NULL,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_catalog_id ON sessions(catalog_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_entry_id ON sessions(entry_id);
	CREATE INDEX IF NOT EXISTS idx_candidates_session_id ON candidates(session_id);
	CREATE INDEX IF NOT EXISTS idx_entry_journal_entry_id ON entry_journal(entry_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Session Operations ---

// SaveSession upserts a finished session and its retune log atomically.
func (s *Store) SaveSession(ctx context.Context, sess model.AcquisitionSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions
		 (id, entry_id, catalog_id, device_id, planned_start, planned_end, actual_start, actual_end,
		  nominal_frequency_hz, sample_rate, gain, artifact_path, bytes_written, status, partial, degraded, status_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.EntryID, sess.CatalogID, sess.DeviceID,
		sess.PlannedStart.UTC(), sess.PlannedEnd.UTC(), sess.ActualStart.UTC(), sess.ActualEnd.UTC(),
		sess.NominalFrequencyHz, sess.SampleRate, sess.Gain,
		sess.ArtifactPath, sess.BytesWritten, string(sess.Status),
		boolToInt(sess.Partial), boolToInt(sess.Degraded), sess.StatusReason,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM retune_events WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear retunes: %w", err)
	}
	for i, ev := range sess.Retunes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO retune_events (session_id, seq, at, frequency_hz) VALUES (?, ?, ?, ?)`,
			sess.ID, i, ev.At.UTC(), ev.FrequencyHz,
		)
		if err != nil {
			return fmt.Errorf("insert retune %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSession retrieves a session with its retune log. Returns nil when
// the session does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*model.AcquisitionSession, error) {
	sess := &model.AcquisitionSession{}
	var status string
	var partial, degraded int
	var reason sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, entry_id, catalog_id, device_id, planned_start, planned_end, actual_start, actual_end,
		        nominal_frequency_hz, sample_rate, gain, artifact_path, bytes_written, status, partial, degraded, status_reason
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.EntryID, &sess.CatalogID, &sess.DeviceID,
		&sess.PlannedStart, &sess.PlannedEnd, &sess.ActualStart, &sess.ActualEnd,
		&sess.NominalFrequencyHz, &sess.SampleRate, &sess.Gain,
		&sess.ArtifactPath, &sess.BytesWritten, &status, &partial, &degraded, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.Status = model.SessionStatus(status)
	sess.Partial = partial != 0
	sess.Degraded = degraded != 0
	if reason.Valid {
		sess.StatusReason = reason.String
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT at, frequency_hz FROM retune_events WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query retunes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev model.RetuneEvent
		if err := rows.Scan(&ev.At, &ev.FrequencyHz); err != nil {
			return nil, fmt.Errorf("scan retune: %w", err)
		}
		sess.Retunes = append(sess.Retunes, ev)
	}
	return sess, rows.Err()
}

// ListSessions returns sessions newest first, optionally filtered by
// catalog id. Retune logs are not loaded; use GetSession for those.
func (s *Store) ListSessions(ctx context.Context, catalogID string, limit int) ([]model.AcquisitionSession, error) {
	query := `SELECT id, entry_id, catalog_id, device_id, planned_start, planned_end, actual_start, actual_end,
	                 nominal_frequency_hz, sample_rate, gain, artifact_path, bytes_written, status, partial, degraded, status_reason
	          FROM sessions`
	var args []interface{}
	if catalogID != "" {
		query += ` WHERE catalog_id = ?`
		args = append(args, catalogID)
	}
	query += ` ORDER BY actual_start DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.AcquisitionSession
	for rows.Next() {
		var sess model.AcquisitionSession
		var status string
		var partial, degraded int
		var reason sql.NullString
		if err := rows.Scan(&sess.ID, &sess.EntryID, &sess.CatalogID, &sess.DeviceID,
			&sess.PlannedStart, &sess.PlannedEnd, &sess.ActualStart, &sess.ActualEnd,
			&sess.NominalFrequencyHz, &sess.SampleRate, &sess.Gain,
			&sess.ArtifactPath, &sess.BytesWritten, &status, &partial, &degraded, &reason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = model.SessionStatus(status)
		sess.Partial = partial != 0
		sess.Degraded = degraded != 0
		if reason.Valid {
			sess.StatusReason = reason.String
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Candidate Operations ---

// SaveCandidates inserts the batch atomically.
func (s *Store) SaveCandidates(ctx context.Context, records []model.CandidateRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO candidates
			 (id, session_id, catalog_id, detected, frequency_offset_hz, confidence, start_offset_ns, end_offset_ns, detector_tag, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SessionID, r.CatalogID, boolToInt(r.Detected),
			r.FrequencyOffsetHz, r.Confidence,
			r.StartOffset.Nanoseconds(), r.EndOffset.Nanoseconds(),
			r.DetectorTag, r.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert candidate %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListCandidates returns candidate records for a session in creation
// order, or all sessions when sessionID is empty.
func (s *Store) ListCandidates(ctx context.Context, sessionID string) ([]model.CandidateRecord, error) {
	query := `SELECT id, session_id, catalog_id, detected, frequency_offset_hz, confidence, start_offset_ns, end_offset_ns, detector_tag, created_at
	          FROM candidates`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var records []model.CandidateRecord
	for rows.Next() {
		var r model.CandidateRecord
		var detected int
		var startNs, endNs int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.CatalogID, &detected,
			&r.FrequencyOffsetHz, &r.Confidence, &startNs, &endNs, &r.DetectorTag, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		r.Detected = detected != 0
		r.StartOffset = time.Duration(startNs)
		r.EndOffset = time.Duration(endNs)
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Processing Marker Operations ---

// SaveProcessingMarker upserts the detection outcome for a session.
func (s *Store) SaveProcessingMarker(ctx context.Context, m model.ProcessingMarker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO processing_markers (session_id, status, attempts, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.SessionID, string(m.Status), m.Attempts, m.LastError, m.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert marker: %w", err)
	}
	return nil
}

// GetProcessingMarker returns the marker for a session, nil when the
// session has not been processed.
func (s *Store) GetProcessingMarker(ctx context.Context, sessionID string) (*model.ProcessingMarker, error) {
	m := &model.ProcessingMarker{}
	var status string
	var lastErr sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, status, attempts, last_error, updated_at FROM processing_markers WHERE session_id = ?`,
		sessionID,
	).Scan(&m.SessionID, &status, &m.Attempts, &lastErr, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query marker: %w", err)
	}
	m.Status = model.ProcessingStatus(status)
	if lastErr.Valid {
		m.LastError = lastErr.String
	}
	return m, nil
}

// --- Entry Journal Operations ---

// EntryTransition is one audit row of a schedule entry's status history.
type EntryTransition struct {
	EntryID   string
	CatalogID string
	Status    model.EntryStatus
	Reason    string
	Priority  float64
	Attempt   int
	At        time.Time
}

// RecordEntryStatus appends an entry status transition to the journal.
func (s *Store) RecordEntryStatus(ctx context.Context, e model.ScheduleEntry, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entry_journal (entry_id, catalog_id, status, reason, priority, attempt, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Window.CatalogID, string(e.Status), e.StatusReason, e.Priority, e.Attempt, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert journal row: %w", err)
	}
	return nil
}

// ListEntryJournal returns the transitions for one entry in order, or all
// entries when entryID is empty.
func (s *Store) ListEntryJournal(ctx context.Context, entryID string) ([]EntryTransition, error) {
	query := `SELECT entry_id, catalog_id, status, reason, priority, attempt, at FROM entry_journal`
	var args []interface{}
	if entryID != "" {
		query += ` WHERE entry_id = ?`
		args = append(args, entryID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var transitions []EntryTransition
	for rows.Next() {
		var tr EntryTransition
		var status string
		var reason sql.NullString
		if err := rows.Scan(&tr.EntryID, &tr.CatalogID, &status, &reason, &tr.Priority, &tr.Attempt, &tr.At); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		tr.Status = model.EntryStatus(status)
		if reason.Valid {
			tr.Reason = reason.String
		}
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
