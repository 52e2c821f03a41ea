package safety

import (
	"context"
	"errors"
	"time"

	"matchline/internal/domain"
	"matchline/internal/store"
)

type Action string

const (
	ActionEvaluate Action = "EVALUATE"
	ActionSend     Action = "SEND"
)

// Refusal reasons, recorded verbatim in the event log.
const (
	ReasonCancelled     = "cancelled"
	ReasonAlreadySent   = "already_sent"
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonTooSoon       = "too_soon"
)

type Limits struct {
	Daily       int
	Weekly      int
	MinInterval time.Duration
}

type Decision struct {
	Allowed bool
	Reason  string
}

// Monitor gates every side-effecting step against the shared safety state.
type Monitor struct {
	Store  store.Store
	Limits Limits
	Now    func() time.Time
}

func New(st store.Store, limits Limits) Monitor {
	return Monitor{Store: st, Limits: limits, Now: time.Now}
}

func (m Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Authorize runs the fixed check order for an action: cancellation, dedup,
// then for sends quota and pacing. The first failed check decides the reason.
// Authorization never writes; counters move only in CommitSend.
func (m Monitor) Authorize(ctx context.Context, fingerprint string, action Action) (Decision, error) {
	cancelled, err := m.Store.Cancelled(ctx)
	if err != nil {
		return Decision{}, err
	}
	if cancelled {
		return Decision{Reason: ReasonCancelled}, nil
	}

	rec, err := m.Store.GetSeen(ctx, fingerprint)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Decision{}, err
	}
	if err == nil && rec.Sent {
		return Decision{Reason: ReasonAlreadySent}, nil
	}

	if action != ActionSend {
		return Decision{Allowed: true}, nil
	}

	now := m.now()
	for _, q := range []struct {
		period string
		limit  int
	}{{domain.PeriodDay, m.Limits.Daily}, {domain.PeriodWeek, m.Limits.Weekly}} {
		if q.limit <= 0 {
			continue
		}
		usage, err := m.Store.QuotaUsage(ctx, q.period, now)
		if err != nil {
			return Decision{}, err
		}
		if usage.Count+1 > q.limit {
			return Decision{Reason: ReasonQuotaExceeded}, nil
		}
	}

	if m.Limits.MinInterval > 0 {
		last, ok, err := m.Store.LastSendAt(ctx)
		if err != nil {
			return Decision{}, err
		}
		if ok && now.Sub(last) < m.Limits.MinInterval {
			return Decision{Reason: ReasonTooSoon}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// CommitSend finalizes a verified send through the store's atomic path.
func (m Monitor) CommitSend(ctx context.Context, fingerprint string) error {
	return m.Store.CommitSend(ctx, fingerprint, m.now(), store.QuotaLimits{Daily: m.Limits.Daily, Weekly: m.Limits.Weekly})
}

// Cancelled reports the cancellation flag. The action loop polls this at
// every state transition.
func (m Monitor) Cancelled(ctx context.Context) (bool, error) {
	return m.Store.Cancelled(ctx)
}
