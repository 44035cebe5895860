package route

import (
	"github.com/yungbote/claimspipe/internal/rules"
	"github.com/yungbote/claimspipe/internal/score"
	"github.com/yungbote/claimspipe/internal/types"
)

// Table routes a score to a team. Rules are evaluated top to bottom and the
// first match wins; that ordering is part of the contract, so the table
// never reorders what the artifact declares. The artifact was validated at
// load, so Route cannot fail.
type Table struct {
	routing rules.RoutingRules
}

func NewTable(r *rules.Rules) *Table {
	return &Table{routing: r.Routing}
}

func (t *Table) Route(result score.Result) string {
	for _, rule := range t.routing.Rules {
		if matches(rule.When, result) {
			return rule.Team
		}
	}
	return t.routing.DefaultTeam
}

func matches(cond rules.RouteCondition, result score.Result) bool {
	if cond.MinSeverity != nil && result.Severity < *cond.MinSeverity {
		return false
	}
	if cond.MaxSeverity != nil && result.Severity > *cond.MaxSeverity {
		return false
	}
	if cond.Complexity != nil && result.Complexity != *cond.Complexity {
		return false
	}
	if len(cond.AnyFlags) > 0 && !anyFlagPresent(cond.AnyFlags, result.Flags) {
		return false
	}
	return true
}

func anyFlagPresent(wanted, present []types.RiskFlag) bool {
	for _, w := range wanted {
		for _, f := range present {
			if w == f {
				return true
			}
		}
	}
	return false
}
