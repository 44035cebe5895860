package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/types"
)

type ReassignmentRepo interface {
	Create(ctx context.Context, tx *gorm.DB, entries []*types.Reassignment) ([]*types.Reassignment, error)
	GetByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) ([]*types.Reassignment, error)
}

type reassignmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewReassignmentRepo(db *gorm.DB, baseLog *logger.Logger) ReassignmentRepo {
	return &reassignmentRepo{db: db, log: baseLog.With("repo", "ReassignmentRepo")}
}

func (r *reassignmentRepo) Create(ctx context.Context, tx *gorm.DB, entries []*types.Reassignment) ([]*types.Reassignment, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(entries) == 0 {
		return []*types.Reassignment{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *reassignmentRepo) GetByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) ([]*types.Reassignment, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Reassignment
	err := transaction.WithContext(ctx).
		Where("claim_id = ?", claimID).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
