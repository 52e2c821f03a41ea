package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"matchline/internal/domain"
)

// SQLite keeps safety state in the workspace database. The connection is
// opened with immediate transactions, so CommitSend holds the write lock for
// its whole read-check-increment sequence.
type SQLite struct {
	DB *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db}
}

func (s *SQLite) MarkSeen(ctx context.Context, fingerprint string, now time.Time) (domain.SeenRecord, error) {
	first := now.UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO seen_records(fingerprint, first_seen_at, sent) VALUES (?,?,0) ON CONFLICT(fingerprint) DO NOTHING`, fingerprint, first)
	if err != nil {
		return domain.SeenRecord{}, err
	}
	return s.GetSeen(ctx, fingerprint)
}

func (s *SQLite) GetSeen(ctx context.Context, fingerprint string) (domain.SeenRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT fingerprint, first_seen_at, sent, sent_at FROM seen_records WHERE fingerprint=?`, fingerprint)
	return scanSeen(row.Scan)
}

func (s *SQLite) ListSeen(ctx context.Context, limit int) ([]domain.SeenRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT fingerprint, first_seen_at, sent, sent_at FROM seen_records ORDER BY first_seen_at DESC, fingerprint LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SeenRecord
	for rows.Next() {
		rec, err := scanSeen(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (s *SQLite) CommitSend(ctx context.Context, fingerprint string, now time.Time, limits QuotaLimits) error {
	ts := now.UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sent int
	err = tx.QueryRowContext(ctx, `SELECT sent FROM seen_records WHERE fingerprint=?`, fingerprint).Scan(&sent)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO seen_records(fingerprint, first_seen_at, sent) VALUES (?,?,0)`, fingerprint, ts); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if sent != 0 {
		return ErrAlreadySent
	}

	for _, q := range []struct {
		period string
		limit  int
	}{{domain.PeriodDay, limits.Daily}, {domain.PeriodWeek, limits.Weekly}} {
		var startRaw string
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT window_start, count FROM quota_counters WHERE period=?`, q.period).Scan(&startRaw, &count); err != nil {
			return fmt.Errorf("read %s quota: %w", q.period, err)
		}
		stored, err := parseTime(startRaw)
		if err != nil {
			return fmt.Errorf("parse %s window_start: %w", q.period, err)
		}
		start, rolled := rollCount(q.period, stored, count, now)
		if q.limit > 0 && rolled+1 > q.limit {
			return ErrQuotaExceeded
		}
		if _, err := tx.ExecContext(ctx, `UPDATE quota_counters SET count=?, window_start=? WHERE period=?`,
			rolled+1, start.Format(time.RFC3339), q.period); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE seen_records SET sent=1, sent_at=? WHERE fingerprint=?`, ts, fingerprint); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE safety_state SET last_send_at=? WHERE id=1`, ts); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) QuotaUsage(ctx context.Context, period string, now time.Time) (domain.QuotaCounter, error) {
	var startRaw string
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT window_start, count FROM quota_counters WHERE period=?`, period).Scan(&startRaw, &count)
	if err == sql.ErrNoRows {
		return domain.QuotaCounter{}, ErrNotFound
	}
	if err != nil {
		return domain.QuotaCounter{}, err
	}
	stored, err := parseTime(startRaw)
	if err != nil {
		return domain.QuotaCounter{}, fmt.Errorf("parse %s window_start: %w", period, err)
	}
	start, rolled := rollCount(period, stored, count, now)
	return domain.QuotaCounter{Period: period, Count: rolled, WindowStart: start.Format(time.RFC3339)}, nil
}

func (s *SQLite) LastSendAt(ctx context.Context) (time.Time, bool, error) {
	var raw sql.NullString
	if err := s.DB.QueryRowContext(ctx, `SELECT last_send_at FROM safety_state WHERE id=1`).Scan(&raw); err != nil {
		return time.Time{}, false, err
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *SQLite) Cancelled(ctx context.Context) (bool, error) {
	var cancelled int
	if err := s.DB.QueryRowContext(ctx, `SELECT cancelled FROM safety_state WHERE id=1`).Scan(&cancelled); err != nil {
		return false, err
	}
	return cancelled != 0, nil
}

func (s *SQLite) SetCancelled(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE safety_state SET cancelled=? WHERE id=1`, v)
	return err
}

// Close is a no-op; the database handle belongs to the caller.
func (s *SQLite) Close() error {
	return nil
}

func scanSeen(scan func(dest ...any) error) (domain.SeenRecord, error) {
	var rec domain.SeenRecord
	var sent int
	var sentAt sql.NullString
	err := scan(&rec.Fingerprint, &rec.FirstSeenAt, &sent, &sentAt)
	if err == sql.ErrNoRows {
		return domain.SeenRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.SeenRecord{}, err
	}
	rec.Sent = sent != 0
	if sentAt.Valid {
		rec.SentAt = &sentAt.String
	}
	return rec, nil
}
