package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/foreman/internal/models"
	_ "modernc.org/sqlite"
)

// ErrTerminal is returned when an update would move a record out of a
// terminal state. Status transitions are monotonic.
var ErrTerminal = errors.New("record is already terminal")

// ErrStaleWrite is returned when an upsert carries an older update stamp than
// the stored row: a newer full-record write already landed and wins.
var ErrStaleWrite = errors.New("stale record write dropped")

// Store is the durable execution ledger. It is the only state shared across
// components; every mutation is an atomic upsert keyed by record id with a
// monotonically increasing update timestamp, so concurrent writers resolve
// last-writer-wins without cross-record locks.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// Heartbeat writers, the scheduler, and runners all share this handle;
	// a single connection keeps them from tripping SQLITE_BUSY on each other.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		pid INTEGER,
		workspace_path TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL DEFAULT '',
		result_doc_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		last_heartbeat_at TIMESTAMP,
		ended_at TIMESTAMP,
		cleanup_state TEXT NOT NULL DEFAULT 'pending',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		failure_threshold REAL NOT NULL DEFAULT 0.5,
		result_doc_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_group ON executions(group_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) CreateRecord(rec *models.ExecutionRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}
	if rec.CleanupState == "" {
		rec.CleanupState = models.CleanupPending
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO executions (id, task, status, pid, workspace_path, branch, group_id,
		 result_doc_id, reason, exit_code, created_at, started_at, last_heartbeat_at,
		 ended_at, cleanup_state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Task, rec.Status, rec.PID, rec.WorkspacePath, rec.Branch, rec.GroupID,
		rec.ResultDocID, rec.Reason, rec.ExitCode, rec.CreatedAt, rec.StartedAt,
		rec.LastHeartbeat, rec.EndedAt, rec.CleanupState, rec.UpdatedAt,
	)
	return err
}

const recordColumns = `id, task, status, pid, workspace_path, branch, group_id,
	result_doc_id, reason, exit_code, created_at, started_at, last_heartbeat_at,
	ended_at, cleanup_state, updated_at`

func (s *Store) GetRecord(id string) (*models.ExecutionRecord, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM executions WHERE id = ?`, id)
	return scanRecord(row)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	var pid, exitCode sql.NullInt64
	var startedAt, heartbeatAt, endedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.Task, &rec.Status, &pid, &rec.WorkspacePath, &rec.Branch,
		&rec.GroupID, &rec.ResultDocID, &rec.Reason, &exitCode, &rec.CreatedAt,
		&startedAt, &heartbeatAt, &endedAt, &rec.CleanupState, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if pid.Valid {
		p := int(pid.Int64)
		rec.PID = &p
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		rec.ExitCode = &c
	}
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if heartbeatAt.Valid {
		rec.LastHeartbeat = &heartbeatAt.Time
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}

	return &rec, nil
}

// UpsertRecord writes the full record back, last-writer-wins. It refuses to
// move an already-terminal row to a non-terminal status and drops writes
// carrying an older updated_at than the stored row.
func (s *Store) UpsertRecord(rec *models.ExecutionRecord) error {
	current, err := s.GetRecord(rec.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if current != nil {
		if current.Status.Terminal() && !rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, rec.ID, current.Status)
		}
		if rec.UpdatedAt.Before(current.UpdatedAt) {
			return fmt.Errorf("%w: %s", ErrStaleWrite, rec.ID)
		}
	}
	rec.UpdatedAt = time.Now()

	_, err = s.db.Exec(
		`INSERT INTO executions (id, task, status, pid, workspace_path, branch, group_id,
		 result_doc_id, reason, exit_code, created_at, started_at, last_heartbeat_at,
		 ended_at, cleanup_state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 task = excluded.task, status = excluded.status, pid = excluded.pid,
		 workspace_path = excluded.workspace_path, branch = excluded.branch,
		 group_id = excluded.group_id, result_doc_id = excluded.result_doc_id,
		 reason = excluded.reason, exit_code = excluded.exit_code,
		 started_at = excluded.started_at,
		 last_heartbeat_at = excluded.last_heartbeat_at, ended_at = excluded.ended_at,
		 cleanup_state = excluded.cleanup_state, updated_at = excluded.updated_at`,
		rec.ID, rec.Task, rec.Status, rec.PID, rec.WorkspacePath, rec.Branch, rec.GroupID,
		rec.ResultDocID, rec.Reason, rec.ExitCode, rec.CreatedAt, rec.StartedAt,
		rec.LastHeartbeat, rec.EndedAt, rec.CleanupState, rec.UpdatedAt,
	)
	return err
}

// RecordHeartbeat stamps the heartbeat time. It only applies while the record
// is Running, so a heartbeat writer racing a terminal transition loses. It
// leaves updated_at alone: the stamp orders full-record writes, and a bumped
// stamp would make the runner's closing upsert look stale.
func (s *Store) RecordHeartbeat(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE executions SET last_heartbeat_at = ? WHERE id = ? AND status = ?`,
		at, id, models.StatusRunning,
	)
	return err
}

// RecordPID stores the spawned subprocess pid as soon as it is known. Like
// RecordHeartbeat it is a targeted column write and does not advance updated_at.
func (s *Store) RecordPID(id string, pid int) error {
	_, err := s.db.Exec(
		`UPDATE executions SET pid = ? WHERE id = ?`,
		pid, id,
	)
	return err
}

// ListFilter narrows ListRecords. The zero value lists everything, newest first.
type ListFilter struct {
	Status  models.Status
	GroupID string
	Limit   int
}

func (s *Store) ListRecords(f ListFilter) ([]*models.ExecutionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM executions WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.GroupID != "" {
		query += ` AND group_id = ?`
		args = append(args, f.GroupID)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) CountByStatus() (map[models.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PurgeRecord is the only deletion path; records are never removed
// automatically so history stays queryable after crashes.
func (s *Store) PurgeRecord(id string) error {
	_, err := s.db.Exec(`DELETE FROM executions WHERE id = ?`, id)
	return err
}

func (s *Store) CreateGroup(g *models.WorkspaceGroup) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO groups (id, created_at, failure_threshold, result_doc_id)
		 VALUES (?, ?, ?, ?)`,
		g.ID, g.CreatedAt, g.FailureThreshold, g.ResultDocID,
	)
	return err
}

func (s *Store) GetGroup(id string) (*models.WorkspaceGroup, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, failure_threshold, result_doc_id FROM groups WHERE id = ?`, id,
	)
	var g models.WorkspaceGroup
	if err := row.Scan(&g.ID, &g.CreatedAt, &g.FailureThreshold, &g.ResultDocID); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) UpdateGroup(g *models.WorkspaceGroup) error {
	_, err := s.db.Exec(
		`UPDATE groups SET failure_threshold = ?, result_doc_id = ? WHERE id = ?`,
		g.FailureThreshold, g.ResultDocID, g.ID,
	)
	return err
}

func (s *Store) GroupMembers(groupID string) ([]*models.ExecutionRecord, error) {
	return s.ListRecords(ListFilter{GroupID: groupID})
}
