package score

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Result carries the rubric outcome for one candidate text.
type Result struct {
	Score    float64
	Reasons  []string
	RedFlags []string
}

// Scorer computes a deterministic weighted keyword match in [0,1]. Matching
// is case-insensitive substring containment. Red flags are hard rules; any
// hit forces the score to Floor.
type Scorer struct {
	Weights  map[string]float64
	RedFlags []string
	Floor    float64
}

// New builds a scorer from criteria. When no explicit weights are given, the
// requirement text is tokenized into equally weighted keywords.
func New(requirements string, weights map[string]float64, redFlags []string, floor float64) Scorer {
	if len(weights) == 0 {
		weights = deriveWeights(requirements)
	}
	return Scorer{Weights: weights, RedFlags: redFlags, Floor: floor}
}

func (s Scorer) Score(text string) Result {
	lower := strings.ToLower(text)
	var res Result

	keywords := make([]string, 0, len(s.Weights))
	for k := range s.Weights {
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)

	var total, matched float64
	for _, k := range keywords {
		w := s.Weights[k]
		if w > 0 {
			total += w
		}
		if strings.Contains(lower, strings.ToLower(k)) {
			matched += w
			res.Reasons = append(res.Reasons, fmt.Sprintf("matched %s (%+.2f)", k, w))
		} else if w > 0 {
			res.Reasons = append(res.Reasons, fmt.Sprintf("missing %s", k))
		}
	}

	if total > 0 {
		res.Score = matched / total
	}
	if res.Score < 0 {
		res.Score = 0
	}
	if res.Score > 1 {
		res.Score = 1
	}

	for _, flag := range s.RedFlags {
		if strings.Contains(lower, strings.ToLower(flag)) {
			res.RedFlags = append(res.RedFlags, flag)
		}
	}
	if len(res.RedFlags) > 0 {
		res.Score = s.Floor
		res.Reasons = append(res.Reasons, fmt.Sprintf("red flag: %s", strings.Join(res.RedFlags, ", ")))
	}
	return res
}

// deriveWeights extracts content words from free-form requirement text, each
// weighted equally.
func deriveWeights(requirements string) map[string]float64 {
	weights := map[string]float64{}
	tokens := strings.FieldsFunc(strings.ToLower(requirements), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		if len(tok) < 4 || stopwords[tok] {
			continue
		}
		weights[tok] = 1
	}
	return weights
}

var stopwords = map[string]bool{
	"about": true, "after": true, "from": true, "have": true, "like": true,
	"looks": true, "match": true, "should": true, "some": true, "that": true,
	"their": true, "them": true, "they": true, "this": true, "what": true,
	"when": true, "will": true, "with": true, "would": true, "your": true,
}
