// Package executor drives one UI surface. A Driver exposes the primitive
// actions a planner can request plus two composites the action loop uses
// directly. Faults are recoverable (element not found, timeout) or fatal
// (the surface is gone); the loop retries the former and aborts on the
// latter.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"matchline/internal/domain"
)

// ErrNoMoreCandidates is returned by Navigate when the candidate anchor
// points past the end of the list.
var ErrNoMoreCandidates = errors.New("no more candidates")

// Driver performs UI actions against one surface.
type Driver interface {
	Navigate(ctx context.Context, target string) error
	ClickAt(ctx context.Context, x, y int) error
	TypeText(ctx context.Context, selector, text string) error
	Scroll(ctx context.Context, amount int) error
	Capture(ctx context.Context) (domain.Observation, error)
	ExtractVisibleText(ctx context.Context) (string, error)
	// SubmitComposedMessage submits whatever is in the composer and only
	// returns nil once the surface confirms the submission.
	SubmitComposedMessage(ctx context.Context) error
	Close() error
}

// RecoverableError marks a fault the loop may retry within its budget.
type RecoverableError struct {
	Op  string
	Err error
}

func (e *RecoverableError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *RecoverableError) Unwrap() error { return e.Err }

// FatalError marks a fault that ends the candidate immediately.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

func Recoverable(op string, err error) error { return &RecoverableError{Op: op, Err: err} }
func Fatal(op string, err error) error       { return &FatalError{Op: op, Err: err} }

func IsRecoverable(err error) bool {
	var re *RecoverableError
	return errors.As(err, &re)
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// CandidateAnchor names the n-th candidate on the surface, 1-based.
func CandidateAnchor(n int) string {
	return fmt.Sprintf("candidate:%d", n)
}

// ParseCandidateAnchor returns the ordinal of a candidate anchor, or 0 when
// target is not one.
func ParseCandidateAnchor(target string) int {
	rest, ok := strings.CutPrefix(target, "candidate:")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0
	}
	return n
}
