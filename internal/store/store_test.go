package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"matchline/internal/domain"
	"matchline/internal/store"
)

// noon is a Wednesday, so day and week boundaries differ.
var noon = time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

func testSeenLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.MarkSeen(ctx, "fp-1", noon)
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if rec.Sent {
		t.Fatalf("fresh record must not be sent")
	}
	if rec.FirstSeenAt != noon.Format(time.RFC3339) {
		t.Fatalf("first_seen_at = %s", rec.FirstSeenAt)
	}

	again, err := s.MarkSeen(ctx, "fp-1", noon.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("mark seen again: %v", err)
	}
	if again.FirstSeenAt != rec.FirstSeenAt {
		t.Fatalf("first_seen_at changed on re-observation")
	}

	if _, err := s.GetSeen(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCommitSend(t *testing.T, s store.Store) {
	ctx := context.Background()
	limits := store.QuotaLimits{Daily: 2, Weekly: 10}
	if _, err := s.MarkSeen(ctx, "fp-1", noon); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitSend(ctx, "fp-1", noon, limits); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rec, err := s.GetSeen(ctx, "fp-1")
	if err != nil || !rec.Sent || rec.SentAt == nil {
		t.Fatalf("record not marked sent: %+v err=%v", rec, err)
	}
	if err := s.CommitSend(ctx, "fp-1", noon.Add(time.Minute), limits); !errors.Is(err, store.ErrAlreadySent) {
		t.Fatalf("expected ErrAlreadySent, got %v", err)
	}
	day, err := s.QuotaUsage(ctx, domain.PeriodDay, noon)
	if err != nil || day.Count != 1 {
		t.Fatalf("day usage = %+v err=%v", day, err)
	}
	week, err := s.QuotaUsage(ctx, domain.PeriodWeek, noon)
	if err != nil || week.Count != 1 {
		t.Fatalf("week usage = %+v err=%v", week, err)
	}
	last, ok, err := s.LastSendAt(ctx)
	if err != nil || !ok || !last.Equal(noon) {
		t.Fatalf("last send = %v ok=%v err=%v", last, ok, err)
	}
}

func testQuotaLimit(t *testing.T, s store.Store) {
	ctx := context.Background()
	limits := store.QuotaLimits{Daily: 1, Weekly: 10}
	if err := s.CommitSend(ctx, "fp-1", noon, limits); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	err := s.CommitSend(ctx, "fp-2", noon.Add(time.Minute), limits)
	if !errors.Is(err, store.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// a refused commit leaves no trace
	if _, err := s.GetSeen(ctx, "fp-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("refused commit wrote a seen record: %v", err)
	}
	day, err := s.QuotaUsage(ctx, domain.PeriodDay, noon)
	if err != nil || day.Count != 1 {
		t.Fatalf("day usage after refusal = %+v err=%v", day, err)
	}
}

func testWindowRoll(t *testing.T, s store.Store) {
	ctx := context.Background()
	limits := store.QuotaLimits{Daily: 1, Weekly: 2}
	if err := s.CommitSend(ctx, "fp-1", noon, limits); err != nil {
		t.Fatal(err)
	}

	nextDay := noon.AddDate(0, 0, 1)
	day, err := s.QuotaUsage(ctx, domain.PeriodDay, nextDay)
	if err != nil || day.Count != 0 {
		t.Fatalf("day usage should reset at midnight: %+v err=%v", day, err)
	}
	week, err := s.QuotaUsage(ctx, domain.PeriodWeek, nextDay)
	if err != nil || week.Count != 1 {
		t.Fatalf("week usage should carry over: %+v err=%v", week, err)
	}

	if err := s.CommitSend(ctx, "fp-2", nextDay, limits); err != nil {
		t.Fatalf("commit after day boundary: %v", err)
	}
	if err := s.CommitSend(ctx, "fp-3", nextDay.Add(25*time.Hour), limits); !errors.Is(err, store.ErrQuotaExceeded) {
		t.Fatalf("expected weekly block, got %v", err)
	}

	monday := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	week, err = s.QuotaUsage(ctx, domain.PeriodWeek, monday)
	if err != nil || week.Count != 0 {
		t.Fatalf("week usage should reset on Monday: %+v err=%v", week, err)
	}
	if week.WindowStart != monday.Format(time.RFC3339) {
		t.Fatalf("week window_start = %s", week.WindowStart)
	}
}

func testCancellationFlag(t *testing.T, s store.Store) {
	ctx := context.Background()
	on, err := s.Cancelled(ctx)
	if err != nil || on {
		t.Fatalf("fresh store cancelled=%v err=%v", on, err)
	}
	if err := s.SetCancelled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if on, err = s.Cancelled(ctx); err != nil || !on {
		t.Fatalf("expected cancelled, got %v err=%v", on, err)
	}
	if err := s.SetCancelled(ctx, false); err != nil {
		t.Fatal(err)
	}
	if on, err = s.Cancelled(ctx); err != nil || on {
		t.Fatalf("expected cleared, got %v err=%v", on, err)
	}
}

func testListSeen(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, fp := range []string{"fp-a", "fp-b", "fp-c"} {
		if _, err := s.MarkSeen(ctx, fp, noon.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.ListSeen(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Fingerprint != "fp-c" {
		t.Fatalf("expected newest first, got %s", recs[0].Fingerprint)
	}
}
