package safety_test

import (
	"context"
	"testing"
	"time"

	"matchline/internal/db"
	"matchline/internal/migrate"
	"matchline/internal/safety"
	"matchline/internal/store"
)

var noon = time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

func newMonitor(t *testing.T, limits safety.Limits) (safety.Monitor, store.Store) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.NewSQLite(conn)
	mon := safety.New(st, limits)
	mon.Now = func() time.Time { return noon }
	return mon, st
}

func TestAuthorizeFreshFingerprint(t *testing.T) {
	mon, _ := newMonitor(t, safety.Limits{Daily: 5, Weekly: 20})
	ctx := context.Background()
	for _, action := range []safety.Action{safety.ActionEvaluate, safety.ActionSend} {
		dec, err := mon.Authorize(ctx, "fp-1", action)
		if err != nil {
			t.Fatalf("%s: %v", action, err)
		}
		if !dec.Allowed {
			t.Fatalf("%s refused: %s", action, dec.Reason)
		}
	}
}

func TestCancellationBeatsEverything(t *testing.T) {
	mon, st := newMonitor(t, safety.Limits{Daily: 1})
	ctx := context.Background()
	// fingerprint already sent AND quota exhausted AND flag set
	if err := st.CommitSend(ctx, "fp-1", noon, store.QuotaLimits{Daily: 1}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCancelled(ctx, true); err != nil {
		t.Fatal(err)
	}
	dec, err := mon.Authorize(ctx, "fp-1", safety.ActionSend)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed || dec.Reason != safety.ReasonCancelled {
		t.Fatalf("expected cancelled first, got %+v", dec)
	}
}

func TestDedupRefusesEvaluateAndSend(t *testing.T) {
	mon, st := newMonitor(t, safety.Limits{Daily: 5})
	ctx := context.Background()
	if err := st.CommitSend(ctx, "fp-1", noon, store.QuotaLimits{}); err != nil {
		t.Fatal(err)
	}
	for _, action := range []safety.Action{safety.ActionEvaluate, safety.ActionSend} {
		dec, err := mon.Authorize(ctx, "fp-1", action)
		if err != nil {
			t.Fatal(err)
		}
		if dec.Allowed || dec.Reason != safety.ReasonAlreadySent {
			t.Fatalf("%s: expected already_sent, got %+v", action, dec)
		}
	}
	// a merely-observed fingerprint is not a duplicate
	if _, err := st.MarkSeen(ctx, "fp-2", noon); err != nil {
		t.Fatal(err)
	}
	dec, err := mon.Authorize(ctx, "fp-2", safety.ActionEvaluate)
	if err != nil || !dec.Allowed {
		t.Fatalf("observed-only fingerprint refused: %+v err=%v", dec, err)
	}
}

func TestQuotaRefusesSendOnly(t *testing.T) {
	mon, st := newMonitor(t, safety.Limits{Daily: 1})
	ctx := context.Background()
	if err := st.CommitSend(ctx, "fp-1", noon, store.QuotaLimits{Daily: 1}); err != nil {
		t.Fatal(err)
	}
	dec, err := mon.Authorize(ctx, "fp-2", safety.ActionSend)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed || dec.Reason != safety.ReasonQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %+v", dec)
	}
	// evaluation is not quota-gated
	dec, err = mon.Authorize(ctx, "fp-2", safety.ActionEvaluate)
	if err != nil || !dec.Allowed {
		t.Fatalf("evaluate should pass under full quota: %+v err=%v", dec, err)
	}
}

func TestPacingRefusesSend(t *testing.T) {
	mon, st := newMonitor(t, safety.Limits{Daily: 10, MinInterval: 3 * time.Minute})
	ctx := context.Background()
	if err := st.CommitSend(ctx, "fp-1", noon.Add(-time.Minute), store.QuotaLimits{}); err != nil {
		t.Fatal(err)
	}
	dec, err := mon.Authorize(ctx, "fp-2", safety.ActionSend)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed || dec.Reason != safety.ReasonTooSoon {
		t.Fatalf("expected too_soon, got %+v", dec)
	}

	mon.Now = func() time.Time { return noon.Add(5 * time.Minute) }
	dec, err = mon.Authorize(ctx, "fp-2", safety.ActionSend)
	if err != nil || !dec.Allowed {
		t.Fatalf("expected pass after interval: %+v err=%v", dec, err)
	}
}

func TestQuotaCheckedBeforePacing(t *testing.T) {
	mon, st := newMonitor(t, safety.Limits{Daily: 1, MinInterval: time.Hour})
	ctx := context.Background()
	if err := st.CommitSend(ctx, "fp-1", noon.Add(-time.Minute), store.QuotaLimits{Daily: 1}); err != nil {
		t.Fatal(err)
	}
	dec, err := mon.Authorize(ctx, "fp-2", safety.ActionSend)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Reason != safety.ReasonQuotaExceeded {
		t.Fatalf("expected quota_exceeded before too_soon, got %+v", dec)
	}
}

func TestCommitSendUsesLimits(t *testing.T) {
	mon, _ := newMonitor(t, safety.Limits{Daily: 1})
	ctx := context.Background()
	if err := mon.CommitSend(ctx, "fp-1"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := mon.CommitSend(ctx, "fp-2"); err == nil {
		t.Fatalf("expected quota error from second commit")
	}
}
