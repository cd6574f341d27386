package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"worksync.agent/internal/core/model"
	"worksync.agent/internal/ports/location"
)

// PGGateway talks to the backend's Postgres schema directly. Every call runs
// under a bounded timeout and behind a shared circuit breaker so a struggling
// backend is not hammered while the agent keeps operating from local state.
type PGGateway struct {
	DB      *sql.DB
	Timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewPGGateway wraps the connection with a breaker that trips once more than
// half of at least ten recent calls have failed.
func NewPGGateway(db *sql.DB, timeout time.Duration) *PGGateway {
	settings := gobreaker.Settings{
		Name:        "remote-gateway",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.5
		},
	}
	return &PGGateway{
		DB:      db,
		Timeout: timeout,
		cb:      gobreaker.NewCircuitBreaker(settings),
	}
}

// classify folds transport-level failures into ErrNetworkUnavailable and
// everything the server actively refused into ErrRemoteRejected. Timeouts
// are network-unavailable, never remote-rejected, so the item stays queued.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open", ErrNetworkUnavailable)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %s (%s)", ErrRemoteRejected, pgErr.Message, pgErr.Code)
	}
	if errors.Is(err, sql.ErrConnDone) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	// Driver-level dial errors come back as plain errors mentioning the
	// connection; treat anything we cannot attribute to the server as
	// transient so it gets retried.
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "failed to connect") {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrRemoteRejected, err)
}

func (g *PGGateway) do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		tctx, cancel := context.WithTimeout(ctx, g.Timeout)
		defer cancel()
		return nil, fn(tctx)
	})
	return classify(err)
}

func (g *PGGateway) ListAssignments(ctx context.Context, companyID, date string, workerIDs []string) ([]model.AssignmentRecord, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("app.worker_count", len(workerIDs)))

	var out []model.AssignmentRecord
	err := g.do(ctx, func(ctx context.Context) error {
		args := []any{companyID, date}
		ph := make([]string, len(workerIDs))
		for i, id := range workerIDs {
			args = append(args, id)
			ph[i] = fmt.Sprintf("$%d", i+3)
		}
		query := fmt.Sprintf(
			`SELECT id, company_id, worker_id, assigned_date, sort_key, ref_id, ref_type, start_time, created_at, created_by
             FROM worker_assignments
             WHERE company_id = $1 AND assigned_date = $2 AND worker_id IN (%s)
             ORDER BY sort_key`, strings.Join(ph, ","))

		rows, err := g.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var (
				rec       model.AssignmentRecord
				startTime sql.NullString
			)
			if err := rows.Scan(&rec.ID, &rec.CompanyID, &rec.WorkerID, &rec.AssignedDate,
				&rec.SortKey, &rec.RefID, &rec.RefType, &startTime, &rec.CreatedAt, &rec.CreatedBy); err != nil {
				return err
			}
			if startTime.Valid {
				v := startTime.String
				rec.StartTime = &v
			}
			rec.Synced = true
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertAssignment pushes a local row under its client-supplied id. A
// re-push of the same row lands on the same server row, so the drain can
// crash and repeat safely.
func (g *PGGateway) UpsertAssignment(ctx context.Context, rec model.AssignmentRecord) (string, error) {
	var serverID string
	err := g.do(ctx, func(ctx context.Context) error {
		return g.DB.QueryRowContext(ctx,
			`INSERT INTO worker_assignments (id, company_id, worker_id, assigned_date, sort_key, ref_id, ref_type, start_time, created_at, created_by)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
             ON CONFLICT (id) DO UPDATE
                 SET worker_id = EXCLUDED.worker_id,
                     sort_key = EXCLUDED.sort_key,
                     start_time = EXCLUDED.start_time
             RETURNING id`,
			rec.ID, rec.CompanyID, rec.WorkerID, rec.AssignedDate, rec.SortKey,
			rec.RefID, rec.RefType, nullableStr(rec.StartTime), rec.CreatedAt, rec.CreatedBy,
		).Scan(&serverID)
	})
	return serverID, err
}

func (g *PGGateway) UpdateAssignment(ctx context.Context, rec model.AssignmentRecord) error {
	return g.do(ctx, func(ctx context.Context) error {
		_, err := g.DB.ExecContext(ctx,
			`UPDATE worker_assignments
             SET worker_id = $1, sort_key = $2, start_time = $3
             WHERE id = $4`,
			rec.WorkerID, rec.SortKey, nullableStr(rec.StartTime), rec.ID)
		return err
	})
}

func (g *PGGateway) DeleteAssignment(ctx context.Context, id string) error {
	return g.do(ctx, func(ctx context.Context) error {
		_, err := g.DB.ExecContext(ctx, `DELETE FROM worker_assignments WHERE id = $1`, id)
		return err
	})
}

func (g *PGGateway) FetchOpenSession(ctx context.Context, workerID string) (*model.WorkSession, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.worker_id", workerID))

	var (
		ws    model.WorkSession
		found bool
	)
	err := g.do(ctx, func(ctx context.Context) error {
		row := g.DB.QueryRowContext(ctx,
			`SELECT id, company_id, worker_id, assignment_id, start_time, end_time, total_break_minutes, created_at
             FROM work_sessions
             WHERE worker_id = $1 AND end_time IS NULL
             ORDER BY start_time DESC LIMIT 1`, workerID)
		var endTime sql.NullTime
		err := row.Scan(&ws.ID, &ws.CompanyID, &ws.WorkerID, &ws.AssignmentID,
			&ws.StartTime, &endTime, &ws.TotalBreakMinutes, &ws.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if endTime.Valid {
			t := endTime.Time
			ws.EndTime = &t
		}
		ws.Synced = true
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &ws, nil
}

func (g *PGGateway) ListSessionsForDay(ctx context.Context, workerID, date string) ([]model.WorkSession, error) {
	var out []model.WorkSession
	err := g.do(ctx, func(ctx context.Context) error {
		rows, err := g.DB.QueryContext(ctx,
			`SELECT id, company_id, worker_id, assignment_id, start_time, end_time, total_break_minutes, created_at
             FROM work_sessions
             WHERE worker_id = $1 AND start_time::date = $2::date
             ORDER BY start_time`, workerID, date)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var (
				ws      model.WorkSession
				endTime sql.NullTime
			)
			if err := rows.Scan(&ws.ID, &ws.CompanyID, &ws.WorkerID, &ws.AssignmentID,
				&ws.StartTime, &endTime, &ws.TotalBreakMinutes, &ws.CreatedAt); err != nil {
				return err
			}
			if endTime.Valid {
				t := endTime.Time
				ws.EndTime = &t
			}
			ws.Synced = true
			out = append(out, ws)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *PGGateway) UpsertSession(ctx context.Context, s model.WorkSession) (string, error) {
	var serverID string
	err := g.do(ctx, func(ctx context.Context) error {
		return g.DB.QueryRowContext(ctx,
			`INSERT INTO work_sessions (id, company_id, worker_id, assignment_id, start_time, end_time, total_break_minutes, created_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
             ON CONFLICT (id) DO UPDATE
                 SET assignment_id = EXCLUDED.assignment_id,
                     end_time = EXCLUDED.end_time,
                     total_break_minutes = EXCLUDED.total_break_minutes
             RETURNING id`,
			s.ID, s.CompanyID, s.WorkerID, s.AssignmentID,
			s.StartTime, nullableTimePtr(s.EndTime), s.TotalBreakMinutes, s.CreatedAt,
		).Scan(&serverID)
	})
	return serverID, err
}

func (g *PGGateway) UpdateSessionEnd(ctx context.Context, id string, end time.Time) error {
	return g.do(ctx, func(ctx context.Context) error {
		_, err := g.DB.ExecContext(ctx,
			`UPDATE work_sessions SET end_time = $1 WHERE id = $2`, end, id)
		return err
	})
}

func (g *PGGateway) UpdateSessionAssignment(ctx context.Context, id, assignmentID string) error {
	return g.do(ctx, func(ctx context.Context) error {
		res, err := g.DB.ExecContext(ctx,
			`UPDATE work_sessions SET assignment_id = $1 WHERE id = $2 AND end_time IS NULL`,
			assignmentID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("no open session with id %s", id)
		}
		return nil
	})
}

func (g *PGGateway) InsertLocationEvent(ctx context.Context, ev model.LocationEvent) error {
	return g.do(ctx, func(ctx context.Context) error {
		_, err := g.DB.ExecContext(ctx,
			`INSERT INTO location_events (id, company_id, worker_id, assignment_id, type, latitude, longitude, notes, created_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
             ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.CompanyID, ev.WorkerID, ev.AssignmentID, ev.Type,
			ev.Latitude, ev.Longitude, ev.Notes, ev.CreatedAt)
		return err
	})
}

func (g *PGGateway) FetchRefLocation(ctx context.Context, refType model.RefType, refID string) (*location.Position, error) {
	table := "projects"
	if refType == model.RefCommonLocation {
		table = "common_locations"
	}

	var (
		pos   location.Position
		found bool
	)
	err := g.do(ctx, func(ctx context.Context) error {
		row := g.DB.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT latitude, longitude FROM %s WHERE id = $1 AND latitude IS NOT NULL AND longitude IS NOT NULL`, table),
			refID)
		err := row.Scan(&pos.Latitude, &pos.Longitude)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &pos, nil
}

func (g *PGGateway) ValidateCheckin(ctx context.Context, workerID, assignmentID string) (bool, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.worker_id", workerID))

	var ok bool
	err := g.do(ctx, func(ctx context.Context) error {
		return g.DB.QueryRowContext(ctx,
			`SELECT validate_worker_checkin($1, $2)`, workerID, assignmentID).Scan(&ok)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (g *PGGateway) Ping(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	// Deliberately not routed through the breaker: the probe is how the
	// connectivity monitor finds out the backend is reachable again.
	if err := g.DB.PingContext(tctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	return nil
}

func nullableStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableTimePtr(p *time.Time) any {
	if p == nil {
		return nil
	}
	return *p
}

var _ Gateway = (*PGGateway)(nil)
