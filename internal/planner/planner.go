// Package planner suggests the next UI action for a goal. A planner is a
// stateless function of the current observation, the goal, and an opaque
// continuation token it returned on the previous turn; it must never rely
// on memory beyond that token.
package planner

import (
	"context"
	"fmt"

	"matchline/internal/domain"
)

// Goals the action loop asks a planner to pursue.
const (
	GoalExtractText    = "extract candidate text"
	GoalComposeMessage = "compose and submit message"
)

// Request is one planning turn. Message is only set for GoalComposeMessage
// and holds the text that should end up in the composer.
type Request struct {
	Observation  domain.Observation
	Goal         string
	Continuation string
	Message      string
}

// Result is the planner's answer: either one more action to perform, or a
// terminal signal. ExtractedText is only meaningful on a terminal result
// for GoalExtractText.
type Result struct {
	Done          bool
	Action        *domain.UIAction
	ExtractedText string
	Continuation  string
}

// Planner produces the next step toward a goal.
type Planner interface {
	Next(ctx context.Context, req Request) (Result, error)
}

// Direct is a deterministic planner for fixture-driven runs. It extracts
// text straight from the observation and composes messages with a single
// type action, so the loop can be exercised without any external service.
type Direct struct{}

func (Direct) Next(ctx context.Context, req Request) (Result, error) {
	switch req.Goal {
	case GoalExtractText:
		return Result{Done: true, ExtractedText: req.Observation.VisibleText}, nil
	case GoalComposeMessage:
		if req.Continuation == "typed" {
			return Result{Done: true}, nil
		}
		return Result{
			Action:       &domain.UIAction{Type: domain.ActionType, Selector: "composer", Text: req.Message},
			Continuation: "typed",
		}, nil
	default:
		return Result{}, fmt.Errorf("unknown goal %q", req.Goal)
	}
}
