package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"matchline/internal/domain"
)

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType, fingerprint string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, runID, evtType, fingerprint)
}

// LatestEventsFrom returns events in descending ID order, starting below the
// cursor when one is given.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, runID, evtType, fingerprint string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if fingerprint != "" {
		clauses = append(clauses, "fingerprint=?")
		args = append(args, fingerprint)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,fingerprint,outcome,reason,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, runID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,fingerprint,outcome,reason,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEventID returns the most recent event ID, optionally scoped to a run.
func (r Repo) LatestEventID(ctx context.Context, runID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) CountEventsByType(ctx context.Context, runID string) (map[string]int, error) {
	query := `SELECT type, COUNT(*) FROM events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	query += ` GROUP BY type`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var evtType string
		var n int
		if err := rows.Scan(&evtType, &n); err != nil {
			return nil, err
		}
		counts[evtType] = n
	}
	return counts, rows.Err()
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var runID, fingerprint, outcome, reason, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &fingerprint, &outcome, &reason, &payload); err != nil {
			return nil, err
		}
		e.RunID = runID.String
		e.Fingerprint = fingerprint.String
		e.Outcome = outcome.String
		e.Reason = reason.String
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
