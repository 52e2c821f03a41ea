// Package loop runs the per-candidate action state machine:
// OPEN -> OBSERVE -> PLAN -> EXECUTE -> VERIFY -> {OBSERVE | DONE | FAILED}.
// The controller owns retry and turn accounting; it performs no I/O of its
// own beyond the planner and the driver it is given.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"matchline/internal/domain"
	"matchline/internal/executor"
	"matchline/internal/planner"
)

// Abort reasons surfaced through AbortError.
const (
	ReasonNavigationError = "navigation_error"
	ReasonTurnCapExceeded = "turn_cap_exceeded"
	ReasonPlannerError    = "planner_error"
	ReasonExecutorFault   = "executor_fault"
	ReasonCancelled       = "cancelled"
	ReasonStoreError      = "store_error"
)

const (
	stateOpen    = "open"
	stateObserve = "observe"
	statePlan    = "plan"
	stateExecute = "execute"
	stateVerify  = "verify"
)

// CancelPoller reports whether the operator has requested a stop. The
// controller polls it at the top of every state transition.
type CancelPoller interface {
	Cancelled(ctx context.Context) (bool, error)
}

// AbortError ends one candidate's processing. Fatal aborts end the whole
// run; cancellation is an abort with ReasonCancelled, never a failure.
type AbortError struct {
	State  string
	Reason string
	Fatal  bool
	Err    error
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("candidate aborted at %s: %s: %v", e.State, e.Reason, e.Err)
	}
	return fmt.Sprintf("candidate aborted at %s: %s", e.State, e.Reason)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Session is the per-candidate state: the turn counter and the planner's
// continuation token. It is created by Open, shared between Capture and
// Send so the turn cap covers both, and discarded with the candidate.
// Nothing in it may outlive the candidate.
type Session struct {
	CandidateID  string
	TurnCount    int
	Continuation string
}

type Config struct {
	// MaxTurns caps planner calls per candidate across all goals.
	MaxTurns int
	// FaultLimit is the number of consecutive recoverable driver faults
	// that fail the candidate.
	FaultLimit int
}

// Controller drives one candidate at a time through the state machine.
type Controller struct {
	Planner planner.Planner
	Driver  executor.Driver
	Cancel  CancelPoller
	Config  Config
	Logger  *zap.Logger
	Now     func() time.Time
}

// Open navigates to the pos-th candidate (1-based) and starts a fresh
// session. executor.ErrNoMoreCandidates passes through untouched so the
// caller can end the run normally.
func (c *Controller) Open(ctx context.Context, pos int) (Session, error) {
	if err := c.poll(ctx, stateOpen); err != nil {
		return Session{}, err
	}
	anchor := executor.CandidateAnchor(pos)
	if err := c.Driver.Navigate(ctx, anchor); err != nil {
		if errors.Is(err, executor.ErrNoMoreCandidates) {
			return Session{}, err
		}
		return Session{}, &AbortError{
			State:  stateOpen,
			Reason: ReasonNavigationError,
			Fatal:  executor.IsFatal(err),
			Err:    err,
		}
	}
	return Session{CandidateID: anchor}, nil
}

// Capture runs the extraction goal until the planner declares completion
// and returns the observed candidate. When the terminal result carries no
// text the driver's own extraction is used instead.
func (c *Controller) Capture(ctx context.Context, s *Session) (domain.Candidate, error) {
	text, obs, err := c.runGoal(ctx, s, planner.GoalExtractText, "")
	if err != nil {
		return domain.Candidate{}, err
	}
	if strings.TrimSpace(text) == "" {
		text, err = c.Driver.ExtractVisibleText(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Candidate{}, &AbortError{State: stateObserve, Reason: ReasonCancelled, Err: ctx.Err()}
			}
			return domain.Candidate{}, &AbortError{
				State:  stateObserve,
				Reason: ReasonExecutorFault,
				Fatal:  executor.IsFatal(err),
				Err:    err,
			}
		}
	}

	id := s.CandidateID
	if obs.URL != "" {
		id = obs.URL
	}
	return domain.Candidate{
		ID:         id,
		Text:       text,
		CapturedAt: c.now().UTC().Format(time.RFC3339),
	}, nil
}

// Send composes the message through the planner and then submits it as the
// final action. Submission is attempted exactly once: a retry after an
// ambiguous fault could deliver twice, and a duplicate send is worse than
// a failed one.
func (c *Controller) Send(ctx context.Context, s *Session, message string) error {
	if _, _, err := c.runGoal(ctx, s, planner.GoalComposeMessage, message); err != nil {
		return err
	}
	if err := c.poll(ctx, stateVerify); err != nil {
		return err
	}
	if err := c.Driver.SubmitComposedMessage(ctx); err != nil {
		if ctx.Err() != nil {
			return &AbortError{State: stateVerify, Reason: ReasonCancelled, Err: ctx.Err()}
		}
		return &AbortError{
			State:  stateVerify,
			Reason: ReasonExecutorFault,
			Fatal:  executor.IsFatal(err),
			Err:    err,
		}
	}
	return nil
}

// runGoal loops OBSERVE -> PLAN -> EXECUTE -> VERIFY until the planner
// signals completion. Consecutive recoverable driver faults are counted
// across capture and execution and reset only by a successfully executed
// action; Config.FaultLimit of them fails the candidate.
func (c *Controller) runGoal(ctx context.Context, s *Session, goal, message string) (string, domain.Observation, error) {
	faults := 0
	var lastObs domain.Observation
	for {
		if err := c.poll(ctx, stateObserve); err != nil {
			return "", lastObs, err
		}
		obs, err := c.Driver.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", lastObs, &AbortError{State: stateObserve, Reason: ReasonCancelled, Err: ctx.Err()}
			}
			if executor.IsFatal(err) {
				return "", lastObs, &AbortError{State: stateObserve, Reason: ReasonExecutorFault, Fatal: true, Err: err}
			}
			faults++
			c.logger().Warn("capture fault",
				zap.String("goal", goal), zap.Int("consecutive", faults), zap.Error(err))
			if faults >= c.faultLimit() {
				return "", lastObs, &AbortError{State: stateObserve, Reason: ReasonExecutorFault, Err: err}
			}
			continue
		}
		lastObs = obs

		if err := c.poll(ctx, statePlan); err != nil {
			return "", lastObs, err
		}
		if s.TurnCount >= c.maxTurns() {
			return "", lastObs, &AbortError{State: statePlan, Reason: ReasonTurnCapExceeded}
		}
		s.TurnCount++
		res, err := c.Planner.Next(ctx, planner.Request{
			Observation:  obs,
			Goal:         goal,
			Continuation: s.Continuation,
			Message:      message,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", lastObs, &AbortError{State: statePlan, Reason: ReasonCancelled, Err: ctx.Err()}
			}
			return "", lastObs, &AbortError{State: statePlan, Reason: ReasonPlannerError, Err: err}
		}
		s.Continuation = res.Continuation
		c.logger().Debug("planner turn",
			zap.String("goal", goal), zap.Int("turn", s.TurnCount), zap.Bool("done", res.Done))
		if res.Done {
			return res.ExtractedText, lastObs, nil
		}
		if res.Action == nil {
			return "", lastObs, &AbortError{
				State:  statePlan,
				Reason: ReasonPlannerError,
				Err:    errors.New("planner returned neither action nor terminal signal"),
			}
		}

		if err := c.poll(ctx, stateExecute); err != nil {
			return "", lastObs, err
		}
		if err := c.perform(ctx, res.Action); err != nil {
			if ctx.Err() != nil {
				return "", lastObs, &AbortError{State: stateExecute, Reason: ReasonCancelled, Err: ctx.Err()}
			}
			if executor.IsFatal(err) {
				return "", lastObs, &AbortError{State: stateExecute, Reason: ReasonExecutorFault, Fatal: true, Err: err}
			}
			faults++
			c.logger().Warn("recoverable executor fault",
				zap.String("goal", goal), zap.String("action", res.Action.Type),
				zap.Int("consecutive", faults), zap.Error(err))
			if faults >= c.faultLimit() {
				return "", lastObs, &AbortError{State: stateExecute, Reason: ReasonExecutorFault, Err: err}
			}
			continue
		}
		faults = 0

		if err := c.poll(ctx, stateVerify); err != nil {
			return "", lastObs, err
		}
	}
}

func (c *Controller) perform(ctx context.Context, a *domain.UIAction) error {
	switch a.Type {
	case domain.ActionClick:
		return c.Driver.ClickAt(ctx, a.X, a.Y)
	case domain.ActionType:
		return c.Driver.TypeText(ctx, a.Selector, a.Text)
	case domain.ActionScroll:
		return c.Driver.Scroll(ctx, a.Amount)
	case domain.ActionNavigate:
		return c.Driver.Navigate(ctx, a.Target)
	case domain.ActionWait:
		return c.wait(ctx, a.Millis)
	default:
		return executor.Recoverable("perform", fmt.Errorf("unknown action type %q", a.Type))
	}
}

// wait pauses between actions. Waits are capped so a confused planner
// cannot stall the run.
func (c *Controller) wait(ctx context.Context, millis int) error {
	if millis <= 0 {
		return nil
	}
	d := time.Duration(millis) * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// poll checks the cancellation flag before a state transition. A store
// that cannot be read halts the run; continuing without the ability to
// honor cancellation is not an option.
func (c *Controller) poll(ctx context.Context, state string) error {
	if err := ctx.Err(); err != nil {
		return &AbortError{State: state, Reason: ReasonCancelled, Err: err}
	}
	if c.Cancel == nil {
		return nil
	}
	cancelled, err := c.Cancel.Cancelled(ctx)
	if err != nil {
		return &AbortError{State: state, Reason: ReasonStoreError, Fatal: true, Err: err}
	}
	if cancelled {
		return &AbortError{State: state, Reason: ReasonCancelled}
	}
	return nil
}

func (c *Controller) maxTurns() int {
	if c.Config.MaxTurns > 0 {
		return c.Config.MaxTurns
	}
	return 8
}

func (c *Controller) faultLimit() int {
	if c.Config.FaultLimit > 0 {
		return c.Config.FaultLimit
	}
	return 3
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
