package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"worksync.agent/internal/core/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS local_assignments (
    id            TEXT PRIMARY KEY NOT NULL,
    company_id    TEXT NOT NULL,
    worker_id     TEXT NOT NULL,
    assigned_date TEXT NOT NULL,
    sort_key      TEXT NOT NULL,
    ref_id        TEXT NOT NULL,
    ref_type      TEXT NOT NULL,
    start_time    TEXT,
    created_at    TEXT NOT NULL,
    created_by    TEXT NOT NULL,
    synced        INTEGER DEFAULT 0 NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assignments_worker_date
    ON local_assignments (worker_id, assigned_date);

CREATE TABLE IF NOT EXISTS local_work_sessions (
    id                  TEXT PRIMARY KEY NOT NULL,
    company_id          TEXT NOT NULL,
    worker_id           TEXT NOT NULL,
    assignment_id       TEXT NOT NULL,
    start_time          TEXT NOT NULL,
    end_time            TEXT,
    total_break_minutes INTEGER DEFAULT 0 NOT NULL,
    created_at          TEXT NOT NULL,
    synced              INTEGER DEFAULT 0 NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_worker
    ON local_work_sessions (worker_id);

CREATE TABLE IF NOT EXISTS local_location_events (
    id            TEXT PRIMARY KEY NOT NULL,
    company_id    TEXT NOT NULL,
    worker_id     TEXT NOT NULL,
    assignment_id TEXT NOT NULL,
    type          TEXT NOT NULL,
    latitude      REAL NOT NULL,
    longitude     REAL NOT NULL,
    notes         TEXT,
    created_at    TEXT NOT NULL,
    synced        INTEGER DEFAULT 0 NOT NULL
);

CREATE TABLE IF NOT EXISTS id_remap (
    temp_id     TEXT PRIMARY KEY NOT NULL,
    server_id   TEXT NOT NULL,
    entity      TEXT NOT NULL,
    remapped_at TEXT NOT NULL
);
`

const (
	selectAssignmentCols = `SELECT id, company_id, worker_id, assigned_date, sort_key, ref_id, ref_type, start_time, created_at, created_by, synced FROM local_assignments`
	selectSessionCols    = `SELECT id, company_id, worker_id, assignment_id, start_time, end_time, total_break_minutes, created_at, synced FROM local_work_sessions`
)

// SQLiteStore is the concrete Store over the on-device SQLite database.
type SQLiteStore struct {
	DB *sql.DB
}

// NewSQLiteStore creates the tables if needed and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating local tables: %w", err)
	}
	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Close() error { return s.DB.Close() }

type scannable interface {
	Scan(...any) error
}

func scanAssignment(row scannable) (model.AssignmentRecord, error) {
	var (
		rec       model.AssignmentRecord
		startTime sql.NullString
		createdAt string
		synced    int
	)
	err := row.Scan(&rec.ID, &rec.CompanyID, &rec.WorkerID, &rec.AssignedDate,
		&rec.SortKey, &rec.RefID, &rec.RefType, &startTime, &createdAt, &rec.CreatedBy, &synced)
	if err != nil {
		return rec, err
	}
	if startTime.Valid {
		v := startTime.String
		rec.StartTime = &v
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.Synced = synced != 0
	return rec, nil
}

func scanSession(row scannable) (model.WorkSession, error) {
	var (
		ws                 model.WorkSession
		startTime, created string
		endTime            sql.NullString
		synced             int
	)
	err := row.Scan(&ws.ID, &ws.CompanyID, &ws.WorkerID, &ws.AssignmentID,
		&startTime, &endTime, &ws.TotalBreakMinutes, &created, &synced)
	if err != nil {
		return ws, err
	}
	ws.StartTime, _ = time.Parse(time.RFC3339, startTime)
	if endTime.Valid {
		t, _ := time.Parse(time.RFC3339, endTime.String)
		ws.EndTime = &t
	}
	ws.CreatedAt, _ = time.Parse(time.RFC3339, created)
	ws.Synced = synced != 0
	return ws, nil
}

func nullableStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListAssignments returns the cached rows for one (worker, date) partition
// ordered by sort key. No rows is a valid, empty result.
func (s *SQLiteStore) ListAssignments(ctx context.Context, workerID, date string) ([]model.AssignmentRecord, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.worker_id", workerID))

	rows, err := s.DB.QueryContext(ctx,
		selectAssignmentCols+` WHERE worker_id = ? AND assigned_date = ? ORDER BY sort_key`,
		workerID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AssignmentRecord
	for rows.Next() {
		rec, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, id string) (*model.AssignmentRecord, error) {
	row := s.DB.QueryRowContext(ctx, selectAssignmentCols+` WHERE id = ?`, id)
	rec, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) InsertAssignment(ctx context.Context, rec model.AssignmentRecord) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO local_assignments (id, company_id, worker_id, assigned_date, sort_key, ref_id, ref_type, start_time, created_at, created_by, synced)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CompanyID, rec.WorkerID, rec.AssignedDate, rec.SortKey,
		rec.RefID, rec.RefType, nullableStr(rec.StartTime),
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.CreatedBy, boolToInt(rec.Synced))
	return err
}

// UpdateAssignment replaces the full row. Mutations are never partial.
func (s *SQLiteStore) UpdateAssignment(ctx context.Context, rec model.AssignmentRecord) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE local_assignments
         SET worker_id = ?, assigned_date = ?, sort_key = ?, ref_id = ?, ref_type = ?, start_time = ?, synced = ?
         WHERE id = ?`,
		rec.WorkerID, rec.AssignedDate, rec.SortKey, rec.RefID, rec.RefType,
		nullableStr(rec.StartTime), boolToInt(rec.Synced), rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteAssignment(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM local_assignments WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ReplaceAssignmentsForDay(ctx context.Context, workerID, date string, recs []model.AssignmentRecord) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM local_assignments WHERE worker_id = ? AND assigned_date = ?`,
		workerID, date); err != nil {
		return err
	}
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO local_assignments (id, company_id, worker_id, assigned_date, sort_key, ref_id, ref_type, start_time, created_at, created_by, synced)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			rec.ID, rec.CompanyID, rec.WorkerID, rec.AssignedDate, rec.SortKey,
			rec.RefID, rec.RefType, nullableStr(rec.StartTime),
			rec.CreatedAt.UTC().Format(time.RFC3339), rec.CreatedBy); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.WorkSession, error) {
	row := s.DB.QueryRowContext(ctx, selectSessionCols+` WHERE id = ?`, id)
	ws, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *SQLiteStore) GetOpenSession(ctx context.Context, workerID string) (*model.WorkSession, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.worker_id", workerID))

	row := s.DB.QueryRowContext(ctx,
		selectSessionCols+` WHERE worker_id = ? AND end_time IS NULL ORDER BY start_time DESC LIMIT 1`,
		workerID)
	ws, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *SQLiteStore) ListSessionsForDay(ctx context.Context, workerID, date string) ([]model.WorkSession, error) {
	rows, err := s.DB.QueryContext(ctx,
		selectSessionCols+` WHERE worker_id = ? AND SUBSTR(start_time, 1, 10) = ? ORDER BY start_time`,
		workerID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WorkSession
	for rows.Next() {
		ws, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertSession(ctx context.Context, ws model.WorkSession) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO local_work_sessions (id, company_id, worker_id, assignment_id, start_time, end_time, total_break_minutes, created_at, synced)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.CompanyID, ws.WorkerID, ws.AssignmentID,
		ws.StartTime.UTC().Format(time.RFC3339), nullableTime(ws.EndTime),
		ws.TotalBreakMinutes, ws.CreatedAt.UTC().Format(time.RFC3339), boolToInt(ws.Synced))
	return err
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, ws model.WorkSession) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE local_work_sessions
         SET assignment_id = ?, end_time = ?, total_break_minutes = ?, synced = ?
         WHERE id = ?`,
		ws.AssignmentID, nullableTime(ws.EndTime), ws.TotalBreakMinutes, boolToInt(ws.Synced), ws.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) InsertLocationEvent(ctx context.Context, ev model.LocationEvent) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO local_location_events (id, company_id, worker_id, assignment_id, type, latitude, longitude, notes, created_at, synced)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CompanyID, ev.WorkerID, ev.AssignmentID, ev.Type,
		ev.Latitude, ev.Longitude, ev.Notes,
		ev.CreatedAt.UTC().Format(time.RFC3339), boolToInt(ev.Synced))
	return err
}

func (s *SQLiteStore) UnsyncedLocationEvents(ctx context.Context) ([]model.LocationEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, company_id, worker_id, assignment_id, type, latitude, longitude, notes, created_at
         FROM local_location_events WHERE synced = 0 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LocationEvent
	for rows.Next() {
		var (
			ev      model.LocationEvent
			notes   sql.NullString
			created string
		)
		if err := rows.Scan(&ev.ID, &ev.CompanyID, &ev.WorkerID, &ev.AssignmentID,
			&ev.Type, &ev.Latitude, &ev.Longitude, &notes, &created); err != nil {
			return nil, err
		}
		ev.Notes = notes.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkLocationEventsSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE local_location_events SET synced = 1 WHERE id IN (%s)`,
		strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","))
	_, err := s.DB.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) UnsyncedAssignments(ctx context.Context) ([]model.AssignmentRecord, error) {
	rows, err := s.DB.QueryContext(ctx, selectAssignmentCols+` WHERE synced = 0 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AssignmentRecord
	for rows.Next() {
		rec, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UnsyncedSessions(ctx context.Context) ([]model.WorkSession, error) {
	rows, err := s.DB.QueryContext(ctx, selectSessionCols+` WHERE synced = 0 ORDER BY start_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WorkSession
	for rows.Next() {
		ws, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// ConfirmAssignment rewrites a temporary assignment id to the server-issued
// one, including any session that still references the temporary id, records
// the remap, and flips synced, atomically.
func (s *SQLiteStore) ConfirmAssignment(ctx context.Context, tempID, serverID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if tempID != serverID {
		if _, err := tx.ExecContext(ctx,
			`UPDATE local_assignments SET id = ? WHERE id = ?`, serverID, tempID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE local_work_sessions SET assignment_id = ? WHERE assignment_id = ?`, serverID, tempID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE local_location_events SET assignment_id = ? WHERE assignment_id = ?`, serverID, tempID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO id_remap (temp_id, server_id, entity, remapped_at) VALUES (?, ?, 'assignment', ?)`,
			tempID, serverID, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE local_assignments SET synced = 1 WHERE id = ?`, serverID); err != nil {
		return err
	}
	return tx.Commit()
}

// ConfirmSession is ConfirmAssignment's twin for work sessions.
func (s *SQLiteStore) ConfirmSession(ctx context.Context, tempID, serverID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if tempID != serverID {
		if _, err := tx.ExecContext(ctx,
			`UPDATE local_work_sessions SET id = ? WHERE id = ?`, serverID, tempID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO id_remap (temp_id, server_id, entity, remapped_at) VALUES (?, ?, 'session', ?)`,
			tempID, serverID, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE local_work_sessions SET synced = 1 WHERE id = ?`, serverID); err != nil {
		return err
	}
	return tx.Commit()
}

var _ Store = (*SQLiteStore)(nil)
