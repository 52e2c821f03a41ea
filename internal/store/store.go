package store

import (
	"context"
	"errors"
	"time"

	"matchline/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadySent   = errors.New("already sent")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// QuotaLimits caps verified sends per window. A zero limit disables the cap.
type QuotaLimits struct {
	Daily  int
	Weekly int
}

// Store holds the durable safety state shared by every process working the
// same profile: the dedup seen-set, quota counters, the pacing timestamp, and
// the cancellation flag. Reads never mutate counters; only CommitSend does.
type Store interface {
	// MarkSeen records the first observation of a fingerprint and returns the
	// current record. Calling it again leaves first_seen_at and sent alone.
	MarkSeen(ctx context.Context, fingerprint string, now time.Time) (domain.SeenRecord, error)
	GetSeen(ctx context.Context, fingerprint string) (domain.SeenRecord, error)
	ListSeen(ctx context.Context, limit int) ([]domain.SeenRecord, error)

	// CommitSend finalizes one verified send as a single atomic unit with
	// respect to other processes on the same store: re-check the sent flag,
	// re-check quota headroom in both windows, mark sent, increment both
	// counters, record the send time. Returns ErrAlreadySent or
	// ErrQuotaExceeded without writing anything when a re-check fails.
	CommitSend(ctx context.Context, fingerprint string, now time.Time, limits QuotaLimits) error

	// QuotaUsage reports the active window for a period as of now, rolling
	// past boundaries logically without writing.
	QuotaUsage(ctx context.Context, period string, now time.Time) (domain.QuotaCounter, error)
	LastSendAt(ctx context.Context) (time.Time, bool, error)

	Cancelled(ctx context.Context) (bool, error)
	SetCancelled(ctx context.Context, on bool) error

	Close() error
}

// windowStart returns the boundary of the window containing t: UTC midnight
// for day, Monday 00:00 UTC for week.
func windowStart(period string, t time.Time) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if period == domain.PeriodWeek {
		offset := (int(midnight.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset)
	}
	return midnight
}

// rollCount maps a stored counter onto the window active at now. Counts reset
// exactly at the boundary; a stored window that is not yet past is kept as is.
func rollCount(period string, storedStart time.Time, count int, now time.Time) (time.Time, int) {
	active := windowStart(period, now)
	if active.After(storedStart) {
		return active, 0
	}
	return storedStart, count
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}
