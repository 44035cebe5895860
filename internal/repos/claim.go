package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/types"
)

type ClaimRepo interface {
	Create(ctx context.Context, tx *gorm.DB, claims []*types.Claim) ([]*types.Claim, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Claim, error)
	GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*types.Claim, error)
	List(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*types.Claim, int64, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
}

type claimRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewClaimRepo(db *gorm.DB, baseLog *logger.Logger) ClaimRepo {
	return &claimRepo{db: db, log: baseLog.With("repo", "ClaimRepo")}
}

func (r *claimRepo) Create(ctx context.Context, tx *gorm.DB, claims []*types.Claim) ([]*types.Claim, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(claims) == 0 {
		return []*types.Claim{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&claims).Error; err != nil {
		return nil, err
	}
	return claims, nil
}

func (r *claimRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Claim, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var claim types.Claim
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&claim).Error
	if err != nil {
		return nil, err
	}
	if claim.ID == uuid.Nil {
		return nil, nil
	}
	return &claim, nil
}

func (r *claimRepo) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*types.Claim, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if key == "" {
		return nil, nil
	}
	var claim types.Claim
	err := transaction.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Limit(1).
		Find(&claim).Error
	if err != nil {
		return nil, err
	}
	if claim.ID == uuid.Nil {
		return nil, nil
	}
	return &claim, nil
}

func (r *claimRepo) List(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*types.Claim, int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var total int64
	if err := transaction.WithContext(ctx).Model(&types.Claim{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var results []*types.Claim
	err := transaction.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&results).Error
	if err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func (r *claimRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Claim{}).
		Where("id = ?", id).
		Updates(updates).Error
}
