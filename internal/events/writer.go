package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the outreach pipeline.
const (
	TypeObserved         = "observed"
	TypeDecision         = "decision"
	TypeSendAttempted    = "send_attempted"
	TypeSendVerified     = "send_verified"
	TypeSendFailed       = "send_failed"
	TypeSkippedDuplicate = "skipped_duplicate"
	TypeQuotaBlocked     = "quota_blocked"
	TypeCancelled        = "cancelled"
	TypeTurnCapExceeded  = "turn_cap_exceeded"
	TypeError            = "error"
	TypeRunStarted       = "run_started"
	TypeRunFinished      = "run_finished"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event inside the caller's transaction so the event and
// the state change it describes commit together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, fingerprint, outcome, reason string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,fingerprint,outcome,reason,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(runID), nullable(fingerprint), nullable(outcome), nullable(reason), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
