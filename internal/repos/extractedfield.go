package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/types"
)

type ExtractedFieldRepo interface {
	Create(ctx context.Context, tx *gorm.DB, fields []*types.ExtractedField) ([]*types.ExtractedField, error)
	GetByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) ([]*types.ExtractedField, error)
	CountByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) (int64, error)
	DeleteByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) error
}

type extractedFieldRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExtractedFieldRepo(db *gorm.DB, baseLog *logger.Logger) ExtractedFieldRepo {
	return &extractedFieldRepo{db: db, log: baseLog.With("repo", "ExtractedFieldRepo")}
}

func (r *extractedFieldRepo) Create(ctx context.Context, tx *gorm.DB, fields []*types.ExtractedField) ([]*types.ExtractedField, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(fields) == 0 {
		return []*types.ExtractedField{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&fields).Error; err != nil {
		return nil, err
	}
	return fields, nil
}

func (r *extractedFieldRepo) GetByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) ([]*types.ExtractedField, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.ExtractedField
	err := transaction.WithContext(ctx).
		Where("claim_id = ?", claimID).
		Order("created_at ASC, key ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *extractedFieldRepo) CountByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.ExtractedField{}).
		Where("claim_id = ?", claimID).
		Count(&n).Error
	return n, err
}

func (r *extractedFieldRepo) DeleteByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("claim_id = ?", claimID).
		Delete(&types.ExtractedField{}).Error
}
