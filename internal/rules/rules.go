package rules

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/claimspipe/internal/types"
)

// Rules is the versioned configuration artifact driving scoring and routing.
// It is loaded once at startup and validated aggressively: a malformed table
// must stop the process before it accepts submissions, never fail a claim
// mid-pipeline.
type Rules struct {
	Version int          `yaml:"version"`
	Scoring ScoringRules `yaml:"scoring"`
	Routing RoutingRules `yaml:"routing"`
}

type ScoringRules struct {
	BaselineSeverity int               `yaml:"baseline_severity"`
	AmountThresholds []AmountThreshold `yaml:"amount_thresholds"`
	HighValueAmount  float64           `yaml:"high_value_amount"`
	KeywordFlags     []KeywordFlag     `yaml:"keyword_flags"`
	Complexity       ComplexityRules   `yaml:"complexity"`
}

type AmountThreshold struct {
	MinAmount float64 `yaml:"min_amount"`
	Severity  int     `yaml:"severity"`
}

type KeywordFlag struct {
	Keywords    []string       `yaml:"keywords"`
	Flag        types.RiskFlag `yaml:"flag"`
	MinSeverity int            `yaml:"min_severity"`
}

type ComplexityRules struct {
	MediumMinFields int `yaml:"medium_min_fields"`
	HighMinFields   int `yaml:"high_min_fields"`
	HighMinFlags    int `yaml:"high_min_flags"`
}

type RoutingRules struct {
	DefaultTeam string      `yaml:"default_team"`
	Rules       []RouteRule `yaml:"rules"`
}

// RouteRule conditions are conjunctive: every set condition must hold for
// the rule to match. Rules are evaluated top to bottom, first match wins.
type RouteRule struct {
	Name string         `yaml:"name"`
	Team string         `yaml:"team"`
	When RouteCondition `yaml:"when"`
}

type RouteCondition struct {
	MinSeverity *int              `yaml:"min_severity,omitempty"`
	MaxSeverity *int              `yaml:"max_severity,omitempty"`
	AnyFlags    []types.RiskFlag  `yaml:"any_flags,omitempty"`
	Complexity  *types.Complexity `yaml:"complexity,omitempty"`
}

func (c RouteCondition) Empty() bool {
	return c.MinSeverity == nil && c.MaxSeverity == nil && len(c.AnyFlags) == 0 && c.Complexity == nil
}

func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules artifact %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rules artifact: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	// Thresholds are matched highest-first; keep order canonical regardless
	// of how the artifact lists them.
	sort.Slice(r.Scoring.AmountThresholds, func(i, j int) bool {
		return r.Scoring.AmountThresholds[i].MinAmount > r.Scoring.AmountThresholds[j].MinAmount
	})
	return &r, nil
}

func (r *Rules) Validate() error {
	if r.Version < 1 {
		return fmt.Errorf("rules artifact: version must be >= 1, got %d", r.Version)
	}
	if err := r.Scoring.validate(); err != nil {
		return fmt.Errorf("rules artifact scoring: %w", err)
	}
	if err := r.Routing.validate(); err != nil {
		return fmt.Errorf("rules artifact routing: %w", err)
	}
	return nil
}

func (s ScoringRules) validate() error {
	if s.BaselineSeverity < 1 || s.BaselineSeverity > 10 {
		return fmt.Errorf("baseline_severity %d outside 1-10", s.BaselineSeverity)
	}
	for i, t := range s.AmountThresholds {
		if t.MinAmount <= 0 {
			return fmt.Errorf("amount_thresholds[%d]: min_amount must be positive", i)
		}
		if t.Severity < 1 || t.Severity > 10 {
			return fmt.Errorf("amount_thresholds[%d]: severity %d outside 1-10", i, t.Severity)
		}
	}
	if s.HighValueAmount < 0 {
		return fmt.Errorf("high_value_amount must not be negative")
	}
	for i, kf := range s.KeywordFlags {
		if len(kf.Keywords) == 0 {
			return fmt.Errorf("keyword_flags[%d]: empty keyword list", i)
		}
		for _, kw := range kf.Keywords {
			if kw == "" {
				return fmt.Errorf("keyword_flags[%d]: empty keyword", i)
			}
		}
		if !types.KnownRiskFlag(kf.Flag) {
			return fmt.Errorf("keyword_flags[%d]: unknown risk flag %q", i, kf.Flag)
		}
		if kf.MinSeverity < 0 || kf.MinSeverity > 10 {
			return fmt.Errorf("keyword_flags[%d]: min_severity %d outside 0-10", i, kf.MinSeverity)
		}
	}
	c := s.Complexity
	if c.MediumMinFields <= 0 || c.HighMinFields <= 0 || c.HighMinFlags <= 0 {
		return fmt.Errorf("complexity thresholds must be positive")
	}
	if c.HighMinFields <= c.MediumMinFields {
		return fmt.Errorf("complexity: high_min_fields (%d) must exceed medium_min_fields (%d)", c.HighMinFields, c.MediumMinFields)
	}
	return nil
}

func (r RoutingRules) validate() error {
	if r.DefaultTeam == "" {
		return fmt.Errorf("default_team is required")
	}
	for i, rule := range r.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rules[%d]: name is required", i)
		}
		if rule.Team == "" {
			return fmt.Errorf("rules[%d] (%s): team is required", i, rule.Name)
		}
		if rule.When.Empty() {
			return fmt.Errorf("rules[%d] (%s): at least one condition is required", i, rule.Name)
		}
		if rule.When.MinSeverity != nil && (*rule.When.MinSeverity < 1 || *rule.When.MinSeverity > 10) {
			return fmt.Errorf("rules[%d] (%s): min_severity outside 1-10", i, rule.Name)
		}
		if rule.When.MaxSeverity != nil && (*rule.When.MaxSeverity < 1 || *rule.When.MaxSeverity > 10) {
			return fmt.Errorf("rules[%d] (%s): max_severity outside 1-10", i, rule.Name)
		}
		if rule.When.MinSeverity != nil && rule.When.MaxSeverity != nil && *rule.When.MinSeverity > *rule.When.MaxSeverity {
			return fmt.Errorf("rules[%d] (%s): min_severity exceeds max_severity", i, rule.Name)
		}
		for _, f := range rule.When.AnyFlags {
			if !types.KnownRiskFlag(f) {
				return fmt.Errorf("rules[%d] (%s): unknown risk flag %q", i, rule.Name, f)
			}
		}
		if rule.When.Complexity != nil {
			switch *rule.When.Complexity {
			case types.ComplexityLow, types.ComplexityMedium, types.ComplexityHigh:
			default:
				return fmt.Errorf("rules[%d] (%s): unknown complexity %q", i, rule.Name, *rule.When.Complexity)
			}
		}
	}
	return nil
}
