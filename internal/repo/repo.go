package repo

import (
	"context"
	"database/sql"
	"errors"

	"matchline/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,mode,shadow,status,stop_reason,processed,sent,skipped,deferred,failed,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Mode, boolToInt(run.Shadow), run.Status, nullable(run.StopReason),
		run.Processed, run.Sent, run.Skipped, run.Deferred, run.Failed,
		run.StartedAt, nullableStringPtr(run.FinishedAt))
	return err
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET status=?,stop_reason=?,processed=?,sent=?,skipped=?,deferred=?,failed=?,finished_at=? WHERE id=?`,
		run.Status, nullable(run.StopReason),
		run.Processed, run.Sent, run.Skipped, run.Deferred, run.Failed,
		nullableStringPtr(run.FinishedAt), run.ID)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,mode,shadow,status,COALESCE(stop_reason,''),processed,sent,skipped,deferred,failed,started_at,finished_at FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// LatestRun returns the most recently started run, or nil when none exists.
func (r Repo) LatestRun(ctx context.Context) (*domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,mode,shadow,status,COALESCE(stop_reason,''),processed,sent,skipped,deferred,failed,started_at,finished_at FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	run, err := scanRun(row.Scan)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,mode,shadow,status,COALESCE(stop_reason,''),processed,sent,skipped,deferred,failed,started_at,finished_at FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var shadow int
	var finishedAt sql.NullString
	err := scan(&run.ID, &run.Mode, &shadow, &run.Status, &run.StopReason,
		&run.Processed, &run.Sent, &run.Skipped, &run.Deferred, &run.Failed,
		&run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return domain.Run{}, ErrNotFound
	}
	if err != nil {
		return domain.Run{}, err
	}
	run.Shadow = shadow != 0
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
