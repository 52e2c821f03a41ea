package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"matchline/internal/domain"
	"matchline/internal/llm"
	"matchline/internal/score"
)

const advisorSystem = `You review candidate profiles and decide whether the candidate matches the
given requirements well enough to contact. Answer with one JSON object and
nothing else, shaped like
{"decision":"YES|NO","confidence":0.0-1.0,"rationale":"one sentence","draft":"optional short outreach message"}.
Confidence is how well the candidate matches, where 1.0 is a certain match.`

// advisorGate delegates judgment entirely to the external reasoning
// service. It never authorizes an automatic send: YES defers to external
// approval, NO skips.
type advisorGate struct {
	client ChatClient
}

func (g *advisorGate) Evaluate(ctx context.Context, text string, criteria domain.Criteria) (domain.Verdict, error) {
	reply, err := askAdvisor(ctx, g.client, text, criteria)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Verdict{}, ctx.Err()
		}
		return failedVerdict(domain.ModeAdvisor, err), nil
	}

	verdict := domain.Verdict{
		Outcome:      domain.OutcomeSkip,
		Rationale:    reply.Rationale,
		Score:        reply.confidence(),
		Mode:         domain.ModeAdvisor,
		MessageDraft: reply.Draft,
	}
	if reply.Decision == "YES" {
		verdict.Outcome = domain.OutcomeDefer
	}
	return verdict, nil
}

// hybridGate blends the advisor's confidence with the local rubric score:
// final = alpha*confidence + (1-alpha)*rubric. A fired red flag skips the
// candidate outright; no blend can override it.
type hybridGate struct {
	client    ChatClient
	threshold float64
	alpha     float64
	floor     float64
	redFlags  []string
}

func (g *hybridGate) Evaluate(ctx context.Context, text string, criteria domain.Criteria) (domain.Verdict, error) {
	res := score.New(criteria.Requirements, criteria.Weights, g.redFlags, g.floor).Score(text)
	if len(res.RedFlags) > 0 {
		// Deterministic override; the advisor is not consulted.
		return domain.Verdict{
			Outcome:   domain.OutcomeSkip,
			Rationale: strings.Join(res.Reasons, "; "),
			Score:     res.Score,
			Mode:      domain.ModeHybrid,
		}, nil
	}

	reply, err := askAdvisor(ctx, g.client, text, criteria)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Verdict{}, ctx.Err()
		}
		return failedVerdict(domain.ModeHybrid, err), nil
	}

	conf := reply.confidence()
	final := g.alpha*conf + (1-g.alpha)*res.Score

	outcome := domain.OutcomeSkip
	if final >= g.threshold {
		outcome = domain.OutcomeSend
	}
	rationale := fmt.Sprintf("advisor %.2f, rubric %.2f, blended %.2f", conf, res.Score, final)
	if reply.Rationale != "" {
		rationale += "; " + reply.Rationale
	}
	return domain.Verdict{
		Outcome:      outcome,
		Rationale:    rationale,
		Score:        final,
		Mode:         domain.ModeHybrid,
		MessageDraft: reply.Draft,
	}, nil
}

type advisorReply struct {
	Decision   string   `json:"decision"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Draft      string   `json:"draft"`
}

// confidence returns the reported value clamped to [0,1]. When the advisor
// omits it, YES counts as full confidence and NO as none.
func (r advisorReply) confidence() float64 {
	if r.Confidence == nil {
		if r.Decision == "YES" {
			return 1
		}
		return 0
	}
	c := *r.Confidence
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func askAdvisor(ctx context.Context, client ChatClient, text string, criteria domain.Criteria) (advisorReply, error) {
	raw, err := client.Chat(ctx, advisorSystem, advisorPrompt(text, criteria))
	if err != nil {
		return advisorReply{}, err
	}
	return parseAdvisorReply(raw)
}

func parseAdvisorReply(raw string) (advisorReply, error) {
	var reply advisorReply
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &reply); err != nil {
		return advisorReply{}, fmt.Errorf("parse advisor reply: %w", err)
	}
	reply.Decision = strings.ToUpper(strings.TrimSpace(reply.Decision))
	if reply.Decision != "YES" && reply.Decision != "NO" {
		return advisorReply{}, fmt.Errorf("advisor decision %q is not YES or NO", reply.Decision)
	}
	return reply, nil
}

func advisorPrompt(text string, criteria domain.Criteria) string {
	var b strings.Builder
	b.WriteString("Requirements:\n")
	b.WriteString(criteria.Requirements)
	if len(criteria.Weights) > 0 {
		keys := make([]string, 0, len(criteria.Weights))
		for k := range criteria.Weights {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n\nWeighted keywords:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %.2f\n", k, criteria.Weights[k])
		}
	}
	b.WriteString("\n\nCandidate:\n")
	b.WriteString(text)
	return b.String()
}
