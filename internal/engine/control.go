package engine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"matchline/internal/domain"
	"matchline/internal/events"
)

// Cancel raises the cancellation flag in the shared store. Every process on
// the same workspace notices it within one state transition. The flag stays
// up until ClearCancel.
func (e Engine) Cancel(ctx context.Context) error {
	if e.Store == nil {
		return errors.New("engine: store is not wired")
	}
	if err := e.Store.SetCancelled(ctx, true); err != nil {
		return err
	}
	return e.appendEvent(ctx, events.TypeCancelled, "", "", "", "operator_requested", nil)
}

// ClearCancel lowers the cancellation flag so new runs can start.
func (e Engine) ClearCancel(ctx context.Context) error {
	if e.Store == nil {
		return errors.New("engine: store is not wired")
	}
	return e.Store.SetCancelled(ctx, false)
}

// QuotaStatus is one quota window as of now.
type QuotaStatus struct {
	Period string `json:"period" enum:"day,week"`
	Used   int    `json:"used"`
	Limit  int    `json:"limit"`
}

// Status is the operator's one-glance view of the workspace.
type Status struct {
	Run        *domain.Run   `json:"run,omitempty"`
	Quotas     []QuotaStatus `json:"quotas"`
	LastSendAt string        `json:"last_send_at,omitempty" format:"date-time"`
	Cancelled  bool          `json:"cancelled"`
}

// Status reports the latest run, current quota usage, the last send time,
// and the cancellation flag.
func (e Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	latest, err := e.Repo.LatestRun(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Run = latest
	if e.Store == nil {
		return st, nil
	}

	now := e.now()
	var daily, weekly int
	if e.Config != nil {
		daily = e.Config.Safety.DailyLimit
		weekly = e.Config.Safety.WeeklyLimit
	}
	for _, q := range []struct {
		period string
		limit  int
	}{{domain.PeriodDay, daily}, {domain.PeriodWeek, weekly}} {
		usage, err := e.Store.QuotaUsage(ctx, q.period, now)
		if err != nil {
			return Status{}, err
		}
		st.Quotas = append(st.Quotas, QuotaStatus{Period: q.period, Used: usage.Count, Limit: q.limit})
	}
	last, ok, err := e.Store.LastSendAt(ctx)
	if err != nil {
		return Status{}, err
	}
	if ok {
		st.LastSendAt = last.UTC().Format(time.RFC3339)
	}
	cancelled, err := e.Store.Cancelled(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Cancelled = cancelled
	return st, nil
}

// CreateAPIKey mints a control-plane key. Only the SHA-256 hash is stored;
// the plaintext token is returned once and cannot be recovered.
func (e Engine) CreateAPIKey(ctx context.Context, name string) (domain.APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate api key: %w", err)
	}
	token := "ml_" + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		KeyHash:   HashAPIKey(token),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, token, nil
}

func (e Engine) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id string) error {
	return e.Repo.DeleteAPIKey(ctx, id)
}

// AuthenticateAPIKey resolves a plaintext token to its stored key.
// Returns repo.ErrNotFound for unknown tokens.
func (e Engine) AuthenticateAPIKey(ctx context.Context, token string) (domain.APIKey, error) {
	return e.Repo.GetAPIKeyByHash(ctx, HashAPIKey(token))
}

// HashAPIKey is the storage form of a token.
func HashAPIKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
