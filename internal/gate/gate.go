// Package gate decides what happens to an observed candidate. Three
// strategies implement the same contract: Advisor delegates to an external
// reasoning service, Rubric scores locally, Hybrid blends both. The
// strategy is chosen once at construction and never changes mid-run.
package gate

import (
	"context"
	"fmt"
	"strings"

	"matchline/internal/domain"
	"matchline/internal/score"
)

// ReasonEvaluationError prefixes the rationale of verdicts produced when
// evaluation itself failed. Such verdicts are always SKIP.
const ReasonEvaluationError = "evaluation_error"

// ChatClient is the slice of the llm client the gate needs.
type ChatClient interface {
	Chat(ctx context.Context, system, user string) (string, error)
}

// Gate produces a verdict for one candidate.
type Gate interface {
	// Evaluate judges the candidate text under the given criteria.
	// Evaluation failures fail closed: the verdict is SKIP with an
	// evaluation_error rationale and a nil error. The error is non-nil
	// only when ctx is done.
	Evaluate(ctx context.Context, candidateText string, criteria domain.Criteria) (domain.Verdict, error)
}

// Config selects and parameterizes a strategy.
type Config struct {
	Mode       string
	Threshold  float64
	BlendAlpha float64
	FloorScore float64
	RedFlags   []string
}

// New returns the gate for cfg.Mode. client may be nil in rubric mode;
// advisor and hybrid require one.
func New(cfg Config, client ChatClient) (Gate, error) {
	switch cfg.Mode {
	case domain.ModeAdvisor:
		if client == nil {
			return nil, fmt.Errorf("advisor mode requires a chat client")
		}
		return &advisorGate{client: client}, nil
	case domain.ModeRubric:
		return &rubricGate{
			threshold: cfg.Threshold,
			floor:     cfg.FloorScore,
			redFlags:  cfg.RedFlags,
		}, nil
	case domain.ModeHybrid:
		if client == nil {
			return nil, fmt.Errorf("hybrid mode requires a chat client")
		}
		return &hybridGate{
			client:    client,
			threshold: cfg.Threshold,
			alpha:     cfg.BlendAlpha,
			floor:     cfg.FloorScore,
			redFlags:  cfg.RedFlags,
		}, nil
	default:
		return nil, fmt.Errorf("unknown decision mode %q", cfg.Mode)
	}
}

type rubricGate struct {
	threshold float64
	floor     float64
	redFlags  []string
}

func (g *rubricGate) Evaluate(ctx context.Context, text string, criteria domain.Criteria) (domain.Verdict, error) {
	res := score.New(criteria.Requirements, criteria.Weights, g.redFlags, g.floor).Score(text)

	outcome := domain.OutcomeSkip
	if len(res.RedFlags) == 0 && res.Score >= g.threshold {
		outcome = domain.OutcomeSend
	}
	return domain.Verdict{
		Outcome:   outcome,
		Rationale: strings.Join(res.Reasons, "; "),
		Score:     res.Score,
		Mode:      domain.ModeRubric,
	}, nil
}

// failedVerdict is the fail-closed result for any evaluation failure.
func failedVerdict(mode string, err error) domain.Verdict {
	return domain.Verdict{
		Outcome:   domain.OutcomeSkip,
		Rationale: ReasonEvaluationError + ": " + err.Error(),
		Mode:      mode,
	}
}
