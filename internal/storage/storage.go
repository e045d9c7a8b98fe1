package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs and composite sessions.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS composite_sessions (
            id TEXT PRIMARY KEY,
            source TEXT,
            frame_count INTEGER NOT NULL,
            frame_kind TEXT,
            width INTEGER NOT NULL,
            height INTEGER NOT NULL,
            status TEXT NOT NULL,
            params_json TEXT,
            order_changes INTEGER DEFAULT 0,
            artifact_path TEXT,
            artifact_bytes INTEGER DEFAULT 0,
            error_message TEXT,
            opened_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            closed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS session_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            session_id TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_data TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_composite_sessions_status ON composite_sessions(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// SessionRecord is one composite session from open to close.
type SessionRecord struct {
	ID            string
	Source        string
	Frames        int
	Kind          string
	Width         int
	Height        int
	Status        string
	ParamsJSON    string
	OrderChanges  int
	ArtifactPath  string
	ArtifactBytes int
	Error         string
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

// SessionEvent is one step recorded against a session.
type SessionEvent struct {
	SessionID string
	Type      string
	Data      map[string]any
	CreatedAt time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordSessionOpened inserts a session in the "open" status.
func (s *Store) RecordSessionOpened(rec SessionRecord) error {
	if s == nil {
		return nil
	}
	if rec.Status == "" {
		rec.Status = "open"
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO composite_sessions (id, source, frame_count, frame_kind, width, height, status, params_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Source, rec.Frames, rec.Kind, rec.Width, rec.Height, rec.Status, rec.ParamsJSON)
	return err
}

// RecordEvent appends a step to a session's history.
func (s *Store) RecordEvent(sessionID, eventType string, data map[string]any) error {
	if s == nil {
		return nil
	}
	dataJSON, _ := json.Marshal(data)
	_, err := s.DB.Exec(`INSERT INTO session_events (session_id, event_type, event_data) VALUES (?, ?, ?);`, sessionID, eventType, string(dataJSON))
	return err
}

// RecordSessionClosed stores the outcome of a session.
func (s *Store) RecordSessionClosed(rec SessionRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE composite_sessions SET status=?, params_json=COALESCE(NULLIF(?, ''), params_json), order_changes=?, artifact_path=?, artifact_bytes=?, error_message=?, closed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		rec.Status, rec.ParamsJSON, rec.OrderChanges, rec.ArtifactPath, rec.ArtifactBytes, rec.Error, rec.ID)
	return err
}

// RecentSessions returns the latest sessions up to limit.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, source, frame_count, frame_kind, width, height, status, params_json, order_changes, artifact_path, artifact_bytes, error_message, opened_at, closed_at FROM composite_sessions ORDER BY opened_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var source, kind, params, artifact, errMsg sql.NullString
		var closed sql.NullTime
		if err := rows.Scan(&rec.ID, &source, &rec.Frames, &kind, &rec.Width, &rec.Height, &rec.Status, &params, &rec.OrderChanges, &artifact, &rec.ArtifactBytes, &errMsg, &rec.OpenedAt, &closed); err != nil {
			return nil, err
		}
		rec.Source = source.String
		rec.Kind = kind.String
		rec.ParamsJSON = params.String
		rec.ArtifactPath = artifact.String
		rec.Error = errMsg.String
		if closed.Valid {
			rec.ClosedAt = &closed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SessionEvents returns a session's steps in the order they happened.
func (s *Store) SessionEvents(sessionID string) ([]SessionEvent, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT session_id, event_type, event_data, created_at FROM session_events WHERE session_id=? ORDER BY id;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var ev SessionEvent
		var data sql.NullString
		if err := rows.Scan(&ev.SessionID, &ev.Type, &data, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if data.Valid && data.String != "" && data.String != "null" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
