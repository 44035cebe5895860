package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/audit"
	"github.com/yungbote/claimspipe/internal/score"
	"github.com/yungbote/claimspipe/internal/types"
)

// persistScore upserts the claim's score and audits whether it was the
// first computation or a replacement. cause distinguishes pipeline scoring
// from an operator-requested recompute.
func (c *Coordinator) persistScore(ctx context.Context, claimID uuid.UUID, result score.Result, cause string) error {
	flags, err := json.Marshal(result.Flags)
	if err != nil {
		return fmt.Errorf("encode risk flags: %w", err)
	}
	row := &types.ScoreResult{
		ID:           uuid.New(),
		ClaimID:      claimID,
		Severity:     result.Severity,
		Complexity:   result.Complexity,
		RiskFlags:    datatypes.JSON(flags),
		RulesVersion: result.RulesVersion,
		ComputedAt:   time.Now(),
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		previous, err := c.scores.Upsert(ctx, tx, row)
		if err != nil {
			return err
		}
		action := types.AuditActionScoreComputed
		detail := map[string]interface{}{
			"severity":      result.Severity,
			"complexity":    result.Complexity,
			"risk_flags":    result.Flags,
			"rules_version": result.RulesVersion,
		}
		if previous != nil {
			action = types.AuditActionScoreReplaced
			detail["previous_severity"] = previous.Severity
			detail["previous_rules_version"] = previous.RulesVersion
		}
		c.audit.Record(ctx, tx, audit.Entry{
			ClaimID: claimID,
			Stage:   types.RunStageScore,
			Action:  action,
			Cause:   cause,
			Detail:  detail,
		})
		return nil
	})
}

// Recompute re-runs scoring over the persisted fields of a claim that has
// already been scored, replacing the stored result. Routing is not re-run:
// an already-assigned team changes only through explicit reassignment.
func (c *Coordinator) Recompute(ctx context.Context, claimID uuid.UUID, actor string) (score.Result, error) {
	claim, err := c.claims.GetByID(ctx, nil, claimID)
	if err != nil {
		return score.Result{}, err
	}
	if claim == nil {
		return score.Result{}, ErrClaimNotFound
	}
	if !claim.State.AtLeast(types.ClaimStateScored) {
		return score.Result{}, fmt.Errorf("claim %s is %s: %w", claimID, claim.State, ErrNotScored)
	}

	fields, err := c.fields.GetByClaimID(ctx, nil, claimID)
	if err != nil {
		return score.Result{}, fmt.Errorf("load fields: %w", err)
	}
	result := c.scorer.Score(fields)
	if err := c.persistScore(ctx, claimID, result, "recompute requested by "+actor); err != nil {
		return score.Result{}, err
	}
	c.log.Info("Score recomputed", "claim_id", claimID, "severity", result.Severity)
	return result, nil
}

func resultFromRow(row *types.ScoreResult) (score.Result, error) {
	var flags []types.RiskFlag
	if len(row.RiskFlags) > 0 {
		if err := json.Unmarshal(row.RiskFlags, &flags); err != nil {
			return score.Result{}, fmt.Errorf("decode risk flags: %w", err)
		}
	}
	return score.Result{
		Severity:     row.Severity,
		Complexity:   row.Complexity,
		Flags:        flags,
		RulesVersion: row.RulesVersion,
	}, nil
}
