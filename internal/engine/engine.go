// Package engine orchestrates one outreach run end to end: it walks the
// candidate feed through the action loop, fingerprints what it captures,
// consults the safety monitor before every side-effecting step, asks the
// decision gate for a verdict, and records every step in the event log.
package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"matchline/internal/config"
	"matchline/internal/domain"
	"matchline/internal/events"
	"matchline/internal/executor"
	"matchline/internal/gate"
	"matchline/internal/loop"
	"matchline/internal/metrics"
	"matchline/internal/repo"
	"matchline/internal/safety"
	"matchline/internal/store"
)

// Stop reasons recorded on the run row.
const (
	StopNoMoreCandidates = "no_more_candidates"
	StopMaxCandidates    = "max_candidates"
	StopCancelled        = "cancelled"
)

const outcomeFailed = "FAILED"

// Engine owns the run lifecycle. DB, Repo and Events come from New; the
// run-loop collaborators (Store, Monitor, Gate, Loop) are wired by the
// caller and may stay nil for a control-plane-only engine.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Store   store.Store
	Monitor safety.Monitor
	Gate    gate.Gate
	Loop    *loop.Controller
	Config  *config.Config
	Metrics *metrics.Collector
	Logger  *zap.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// RunOptions tune one run without touching the config file.
type RunOptions struct {
	// Shadow evaluates and records decisions but never submits a message
	// and never consumes quota.
	Shadow bool
	// MaxCandidates overrides config.loop.max_candidates when positive.
	MaxCandidates int
}

// errRunCancelled stops the run with status cancelled. It is how a
// cancellation surfaced anywhere inside a candidate reaches the run loop.
var errRunCancelled = errors.New("run cancelled")

// fatalRunError stops the run with status failed.
type fatalRunError struct {
	reason string
	err    error
}

func (f *fatalRunError) Error() string {
	return fmt.Sprintf("run failed: %s: %v", f.reason, f.err)
}

func (f *fatalRunError) Unwrap() error { return f.err }

// ExecuteRun processes candidates serially until the feed ends, the
// candidate cap is reached, the operator cancels, or a fatal fault occurs.
// One candidate's failure never ends the run; only fatal faults and
// cancellation do. The returned run carries the final counters; the error
// is non-nil only when the run itself failed.
func (e Engine) ExecuteRun(ctx context.Context, opts RunOptions) (domain.Run, error) {
	if e.Config == nil {
		return domain.Run{}, errors.New("engine: config not loaded")
	}
	if e.Gate == nil || e.Loop == nil || e.Store == nil || e.Monitor.Store == nil {
		return domain.Run{}, errors.New("engine: run loop is not wired")
	}

	run := domain.Run{
		ID:        uuid.New().String(),
		Mode:      e.Config.Decision.Mode,
		Shadow:    opts.Shadow,
		Status:    domain.RunStatusRunning,
		StartedAt: e.now().UTC().Format(time.RFC3339),
	}
	criteria := domain.Criteria{
		Requirements: e.Config.Criteria.Requirements,
		Weights:      e.Config.Criteria.Weights,
	}
	maxCandidates := e.Config.Loop.MaxCandidates
	if opts.MaxCandidates > 0 {
		maxCandidates = opts.MaxCandidates
	}

	if err := e.beginRun(ctx, run); err != nil {
		return run, err
	}
	start := e.now()
	log := e.log().With(zap.String("run_id", run.ID), zap.String("mode", run.Mode), zap.Bool("shadow", run.Shadow))
	log.Info("run started", zap.Int("max_candidates", maxCandidates))

	run.Status = domain.RunStatusCompleted
	var runErr error

candidates:
	for pos := 1; pos <= maxCandidates; pos++ {
		err := e.processCandidate(ctx, &run, pos, criteria)
		switch {
		case err == nil:
			continue
		case errors.Is(err, executor.ErrNoMoreCandidates):
			run.StopReason = StopNoMoreCandidates
			break candidates
		case errors.Is(err, errRunCancelled):
			run.Status = domain.RunStatusCancelled
			run.StopReason = StopCancelled
			if aerr := e.appendEvent(ctx, events.TypeCancelled, run.ID, "", "", loop.ReasonCancelled, nil); aerr != nil {
				log.Error("append cancelled event", zap.Error(aerr))
			}
			break candidates
		default:
			run.Status = domain.RunStatusFailed
			runErr = err
			var fatal *fatalRunError
			if errors.As(err, &fatal) {
				run.StopReason = fatal.reason
			} else {
				run.StopReason = "internal_error"
			}
			if aerr := e.appendEvent(ctx, events.TypeError, run.ID, "", "", run.StopReason, events.EventPayload{"detail": err.Error()}); aerr != nil {
				log.Error("append error event", zap.Error(aerr))
			}
			break candidates
		}
	}
	if run.StopReason == "" {
		run.StopReason = StopMaxCandidates
	}

	if err := e.finishRun(ctx, &run); err != nil {
		log.Error("finish run", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	if e.Metrics != nil {
		e.Metrics.RunDuration.Observe(e.now().Sub(start).Seconds())
	}
	log.Info("run finished",
		zap.String("status", run.Status),
		zap.String("stop_reason", run.StopReason),
		zap.Int("processed", run.Processed),
		zap.Int("sent", run.Sent),
		zap.Int("skipped", run.Skipped),
		zap.Int("deferred", run.Deferred),
		zap.Int("failed", run.Failed))
	return run, runErr
}

// processCandidate takes one candidate from open to its terminal outcome.
// It records its own events and updates the run counters; the returned
// error is nil unless the whole run must stop.
func (e Engine) processCandidate(ctx context.Context, run *domain.Run, pos int, criteria domain.Criteria) error {
	session, err := e.Loop.Open(ctx, pos)
	if err != nil {
		return e.candidateAborted(ctx, run, "", err)
	}
	run.Processed++
	defer func() {
		if e.Metrics != nil {
			e.Metrics.PlannerTurns.Observe(float64(session.TurnCount))
		}
	}()

	cand, err := e.Loop.Capture(ctx, &session)
	if err != nil {
		return e.candidateAborted(ctx, run, "", err)
	}
	cand.Fingerprint = Fingerprint(cand.Text)
	log := e.log().With(
		zap.String("run_id", run.ID),
		zap.Int("position", pos),
		zap.String("candidate_id", cand.ID),
		zap.String("fingerprint", cand.Fingerprint))

	if err := e.appendEvent(ctx, events.TypeObserved, run.ID, cand.Fingerprint, "", "", events.EventPayload{
		"candidate_id": cand.ID,
		"chars":        len(cand.Text),
	}); err != nil {
		return &fatalRunError{reason: "event_log_error", err: err}
	}
	if _, err := e.Store.MarkSeen(ctx, cand.Fingerprint, e.now()); err != nil {
		return &fatalRunError{reason: loop.ReasonStoreError, err: err}
	}

	dec, err := e.Monitor.Authorize(ctx, cand.Fingerprint, safety.ActionEvaluate)
	if err != nil {
		return &fatalRunError{reason: loop.ReasonStoreError, err: err}
	}
	if !dec.Allowed {
		return e.refused(ctx, run, cand, safety.ActionEvaluate, dec.Reason)
	}

	verdict, err := e.evaluate(ctx, cand, criteria)
	if err != nil {
		// The gate fails closed; an error here means the context is done.
		return errRunCancelled
	}
	reason := ""
	if strings.HasPrefix(verdict.Rationale, gate.ReasonEvaluationError) {
		reason = gate.ReasonEvaluationError
	}
	payload := events.EventPayload{
		"score":     verdict.Score,
		"mode":      verdict.Mode,
		"rationale": verdict.Rationale,
		"shadow":    run.Shadow,
	}
	if verdict.MessageDraft != "" {
		payload["message_draft"] = verdict.MessageDraft
	}
	if err := e.appendEvent(ctx, events.TypeDecision, run.ID, cand.Fingerprint, verdict.Outcome, reason, payload); err != nil {
		return &fatalRunError{reason: "event_log_error", err: err}
	}
	if e.Metrics != nil {
		e.Metrics.DecisionScore.WithLabelValues(verdict.Mode).Observe(verdict.Score)
	}
	log.Info("decision", zap.String("outcome", verdict.Outcome), zap.Float64("score", verdict.Score))

	switch verdict.Outcome {
	case domain.OutcomeDefer:
		run.Deferred++
		e.countCandidate(domain.OutcomeDefer)
		return nil
	case domain.OutcomeSkip:
		run.Skipped++
		e.countCandidate(domain.OutcomeSkip)
		return nil
	case domain.OutcomeSend:
		return e.sendCandidate(ctx, run, &session, cand, verdict, log)
	default:
		return &fatalRunError{reason: "internal_error", err: fmt.Errorf("gate returned outcome %q", verdict.Outcome)}
	}
}

func (e Engine) evaluate(ctx context.Context, cand domain.Candidate, criteria domain.Criteria) (domain.Verdict, error) {
	if e.Metrics != nil && e.Config.Decision.Mode != domain.ModeRubric {
		defer e.Metrics.Timer("advisor")()
	}
	return e.Gate.Evaluate(ctx, cand.Text, criteria)
}

// sendCandidate runs the send path for a SEND verdict: authorize, compose
// and submit through the loop, then commit the send atomically. In shadow
// mode it stops after authorization.
func (e Engine) sendCandidate(ctx context.Context, run *domain.Run, session *loop.Session, cand domain.Candidate, verdict domain.Verdict, log *zap.Logger) error {
	dec, err := e.Monitor.Authorize(ctx, cand.Fingerprint, safety.ActionSend)
	if err != nil {
		return &fatalRunError{reason: loop.ReasonStoreError, err: err}
	}
	if !dec.Allowed {
		return e.refused(ctx, run, cand, safety.ActionSend, dec.Reason)
	}

	if run.Shadow {
		// The decision event above already carries shadow: true. Quota is
		// not consumed, so later candidates still see full headroom.
		run.Sent++
		e.countCandidate(domain.OutcomeSend)
		log.Info("shadow run, send suppressed")
		return nil
	}

	message := verdict.MessageDraft
	if message == "" {
		message = e.Config.Message.Template
	}
	if err := e.appendEvent(ctx, events.TypeSendAttempted, run.ID, cand.Fingerprint, "", "", events.EventPayload{
		"candidate_id": cand.ID,
		"chars":        len(message),
	}); err != nil {
		return &fatalRunError{reason: "event_log_error", err: err}
	}

	if err := e.Loop.Send(ctx, session, message); err != nil {
		var abort *loop.AbortError
		if !errors.As(err, &abort) {
			return &fatalRunError{reason: "internal_error", err: err}
		}
		if abort.Reason == loop.ReasonCancelled {
			return errRunCancelled
		}
		if aerr := e.appendEvent(ctx, events.TypeSendFailed, run.ID, cand.Fingerprint, "", abort.Reason, events.EventPayload{
			"state":  abort.State,
			"detail": abort.Error(),
		}); aerr != nil {
			return &fatalRunError{reason: "event_log_error", err: aerr}
		}
		e.countSend("failed")
		if abort.Fatal {
			return &fatalRunError{reason: abort.Reason, err: abort}
		}
		run.Failed++
		e.countCandidate(outcomeFailed)
		log.Warn("send failed", zap.String("reason", abort.Reason), zap.Error(abort))
		return nil
	}

	// The driver confirmed submission, so the message is out no matter
	// what the commit below says.
	if err := e.Monitor.CommitSend(ctx, cand.Fingerprint); err != nil {
		if errors.Is(err, store.ErrAlreadySent) || errors.Is(err, store.ErrQuotaExceeded) {
			// Another process consumed the remaining headroom between our
			// authorization and commit. The send is unaccounted; record it
			// loudly so the operator can reconcile.
			log.Error("send commit refused after verified submission", zap.Error(err))
			if aerr := e.appendEvent(ctx, events.TypeError, run.ID, cand.Fingerprint, "", "send_commit_refused", events.EventPayload{
				"detail": err.Error(),
			}); aerr != nil {
				return &fatalRunError{reason: "event_log_error", err: aerr}
			}
			run.Failed++
			e.countCandidate(outcomeFailed)
			e.countSend("failed")
			return nil
		}
		return &fatalRunError{reason: loop.ReasonStoreError, err: err}
	}

	if err := e.appendEvent(ctx, events.TypeSendVerified, run.ID, cand.Fingerprint, domain.OutcomeSend, "", events.EventPayload{
		"candidate_id": cand.ID,
	}); err != nil {
		return &fatalRunError{reason: "event_log_error", err: err}
	}
	run.Sent++
	e.countCandidate(domain.OutcomeSend)
	e.countSend("verified")
	log.Info("send verified")
	return nil
}

// refused translates a monitor refusal into its event and counters. A
// cancellation refusal stops the run; everything else skips the candidate.
func (e Engine) refused(ctx context.Context, run *domain.Run, cand domain.Candidate, action safety.Action, reason string) error {
	if reason == safety.ReasonCancelled {
		return errRunCancelled
	}
	if e.Metrics != nil {
		e.Metrics.SafetyRefusals.WithLabelValues(reason).Inc()
	}
	if action == safety.ActionSend {
		e.countSend("blocked")
	}
	evtType := events.TypeSkippedDuplicate
	if reason == safety.ReasonQuotaExceeded || reason == safety.ReasonTooSoon {
		evtType = events.TypeQuotaBlocked
	}
	if err := e.appendEvent(ctx, evtType, run.ID, cand.Fingerprint, domain.OutcomeSkip, reason, events.EventPayload{
		"candidate_id": cand.ID,
		"action":       string(action),
	}); err != nil {
		return &fatalRunError{reason: "event_log_error", err: err}
	}
	run.Skipped++
	e.countCandidate(domain.OutcomeSkip)
	e.log().Info("safety refusal",
		zap.String("run_id", run.ID),
		zap.String("fingerprint", cand.Fingerprint),
		zap.String("action", string(action)),
		zap.String("reason", reason))
	return nil
}

// candidateAborted classifies a loop abort: feed exhaustion and
// cancellation stop the run, fatal faults fail it, and anything else fails
// just this candidate and is recorded.
func (e Engine) candidateAborted(ctx context.Context, run *domain.Run, fingerprint string, err error) error {
	if errors.Is(err, executor.ErrNoMoreCandidates) {
		return err
	}
	var abort *loop.AbortError
	if !errors.As(err, &abort) {
		return &fatalRunError{reason: "internal_error", err: err}
	}
	if abort.Reason == loop.ReasonCancelled {
		return errRunCancelled
	}
	if abort.Fatal {
		return &fatalRunError{reason: abort.Reason, err: abort}
	}
	evtType := events.TypeError
	if abort.Reason == loop.ReasonTurnCapExceeded {
		evtType = events.TypeTurnCapExceeded
	}
	if aerr := e.appendEvent(ctx, evtType, run.ID, fingerprint, "", abort.Reason, events.EventPayload{
		"state":  abort.State,
		"detail": abort.Error(),
	}); aerr != nil {
		return &fatalRunError{reason: "event_log_error", err: aerr}
	}
	run.Failed++
	e.countCandidate(outcomeFailed)
	e.log().Warn("candidate aborted", zap.String("run_id", run.ID), zap.String("reason", abort.Reason), zap.Error(abort))
	return nil
}

func (e Engine) beginRun(ctx context.Context, run domain.Run) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRunStarted, run.ID, "", "", "", events.EventPayload{
		"mode":   run.Mode,
		"shadow": run.Shadow,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) finishRun(ctx context.Context, run *domain.Run) error {
	finished := e.now().UTC().Format(time.RFC3339)
	run.FinishedAt = &finished
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, *run); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRunFinished, run.ID, "", run.Status, run.StopReason, events.EventPayload{
		"processed": run.Processed,
		"sent":      run.Sent,
		"skipped":   run.Skipped,
		"deferred":  run.Deferred,
		"failed":    run.Failed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// appendEvent writes one event in its own transaction. Events that must
// commit together with a state change go through beginRun/finishRun
// instead.
func (e Engine) appendEvent(ctx context.Context, evtType, runID, fingerprint, outcome, reason string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, runID, fingerprint, outcome, reason, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) countCandidate(outcome string) {
	if e.Metrics != nil {
		e.Metrics.CandidatesProcessed.WithLabelValues(outcome).Inc()
	}
}

func (e Engine) countSend(result string) {
	if e.Metrics != nil {
		e.Metrics.Sends.WithLabelValues(result).Inc()
	}
}

// Fingerprint is the dedup identity of a candidate: SHA-256 over the
// lowercased, whitespace-collapsed profile text, hex encoded. Formatting
// churn on the surface must not produce a new identity.
func Fingerprint(text string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
