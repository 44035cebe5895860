package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/types"
)

type AuditEventRepo interface {
	Create(ctx context.Context, tx *gorm.DB, events []*types.AuditEvent) ([]*types.AuditEvent, error)
	GetByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) ([]*types.AuditEvent, error)
}

type auditEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditEventRepo(db *gorm.DB, baseLog *logger.Logger) AuditEventRepo {
	return &auditEventRepo{db: db, log: baseLog.With("repo", "AuditEventRepo")}
}

func (r *auditEventRepo) Create(ctx context.Context, tx *gorm.DB, events []*types.AuditEvent) ([]*types.AuditEvent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(events) == 0 {
		return []*types.AuditEvent{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *auditEventRepo) GetByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) ([]*types.AuditEvent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.AuditEvent
	err := transaction.WithContext(ctx).
		Where("claim_id = ?", claimID).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
