package score

import (
	"sort"
	"strconv"
	"strings"

	"github.com/yungbote/claimspipe/internal/rules"
	"github.com/yungbote/claimspipe/internal/types"
)

// Result is the computed score before persistence. Flags are kept sorted so
// equal inputs serialize identically.
type Result struct {
	Severity     int
	Complexity   types.Complexity
	Flags        []types.RiskFlag
	RulesVersion int
}

// Scorer maps extracted fields to a score. It is a pure function of the
// field set and the loaded rule artifact: no clock, no randomness, no field
// order sensitivity. An empty field set is valid and yields the baseline.
type Scorer struct {
	scoring rules.ScoringRules
	version int
}

func NewScorer(r *rules.Rules) *Scorer {
	return &Scorer{scoring: r.Scoring, version: r.Version}
}

func (s *Scorer) Score(fields []*types.ExtractedField) Result {
	severity := s.scoring.BaselineSeverity
	flagSet := map[types.RiskFlag]bool{}

	maxAmount, hasAmount := maxMonetaryAmount(fields)
	if hasAmount {
		for _, t := range s.scoring.AmountThresholds {
			if maxAmount >= t.MinAmount {
				if t.Severity > severity {
					severity = t.Severity
				}
				break
			}
		}
		if s.scoring.HighValueAmount > 0 && maxAmount >= s.scoring.HighValueAmount {
			flagSet[types.RiskFlagHighValue] = true
		}
	}

	text := lowercaseCorpus(fields)
	for _, kf := range s.scoring.KeywordFlags {
		for _, kw := range kf.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				flagSet[kf.Flag] = true
				if kf.MinSeverity > severity {
					severity = kf.MinSeverity
				}
				break
			}
		}
	}

	if len(fields) > 0 && !hasKey(fields, "policy_number") && !hasKey(fields, "claim_number") {
		flagSet[types.RiskFlagMissingDocumentation] = true
	}

	if severity < 1 {
		severity = 1
	}
	if severity > 10 {
		severity = 10
	}

	flags := make([]types.RiskFlag, 0, len(flagSet))
	for f := range flagSet {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })

	return Result{
		Severity:     severity,
		Complexity:   s.complexity(len(fields), len(flags)),
		Flags:        flags,
		RulesVersion: s.version,
	}
}

func (s *Scorer) complexity(fieldCount, flagCount int) types.Complexity {
	c := s.scoring.Complexity
	if fieldCount >= c.HighMinFields || flagCount >= c.HighMinFlags {
		return types.ComplexityHigh
	}
	if fieldCount >= c.MediumMinFields {
		return types.ComplexityMedium
	}
	return types.ComplexityLow
}

func maxMonetaryAmount(fields []*types.ExtractedField) (float64, bool) {
	var (
		max   float64
		found bool
	)
	for _, f := range fields {
		if f == nil || f.Key != "monetary_amount" {
			continue
		}
		v, err := strconv.ParseFloat(f.Value, 64)
		if err != nil {
			continue
		}
		if !found || v > max {
			max = v
			found = true
		}
	}
	return max, found
}

func lowercaseCorpus(fields []*types.ExtractedField) string {
	var b strings.Builder
	for _, f := range fields {
		if f == nil {
			continue
		}
		b.WriteString(strings.ToLower(f.Value))
		b.WriteString("\n")
	}
	return b.String()
}

func hasKey(fields []*types.ExtractedField, key string) bool {
	for _, f := range fields {
		if f != nil && f.Key == key {
			return true
		}
	}
	return false
}
