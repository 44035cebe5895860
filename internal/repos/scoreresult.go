package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/types"
)

type ScoreResultRepo interface {
	// Upsert keeps exactly one live score per claim: an existing row for the
	// claim is replaced, not duplicated. Returns the previous row when one
	// was replaced so callers can audit the swap.
	Upsert(ctx context.Context, tx *gorm.DB, result *types.ScoreResult) (previous *types.ScoreResult, err error)
	GetByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) (*types.ScoreResult, error)
}

type scoreResultRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewScoreResultRepo(db *gorm.DB, baseLog *logger.Logger) ScoreResultRepo {
	return &scoreResultRepo{db: db, log: baseLog.With("repo", "ScoreResultRepo")}
}

func (r *scoreResultRepo) Upsert(ctx context.Context, tx *gorm.DB, result *types.ScoreResult) (*types.ScoreResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	previous, err := r.getByClaimID(ctx, transaction, result.ClaimID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	result.CreatedAt = now
	result.UpdatedAt = now

	err = transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "claim_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"severity", "complexity", "risk_flags", "rules_version", "computed_at", "updated_at",
			}),
		}).
		Create(result).Error
	if err != nil {
		return nil, err
	}
	return previous, nil
}

func (r *scoreResultRepo) GetByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) (*types.ScoreResult, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return r.getByClaimID(ctx, transaction, claimID)
}

func (r *scoreResultRepo) getByClaimID(ctx context.Context, transaction *gorm.DB, claimID uuid.UUID) (*types.ScoreResult, error) {
	var result types.ScoreResult
	err := transaction.WithContext(ctx).
		Where("claim_id = ?", claimID).
		Limit(1).
		Find(&result).Error
	if err != nil {
		return nil, err
	}
	if result.ID == uuid.Nil {
		return nil, nil
	}
	return &result, nil
}
