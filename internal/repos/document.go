package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/types"
)

type DocumentRepo interface {
	Create(ctx context.Context, tx *gorm.DB, docs []*types.Document) ([]*types.Document, error)
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*types.Document, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []string) ([]*types.Document, error)
	AttachToClaim(ctx context.Context, tx *gorm.DB, claimID uuid.UUID, docIDs []string) error
	GetByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) ([]*types.Document, error)
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{db: db, log: baseLog.With("repo", "DocumentRepo")}
}

func (r *documentRepo) Create(ctx context.Context, tx *gorm.DB, docs []*types.Document) ([]*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(docs) == 0 {
		return []*types.Document{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *documentRepo) GetByID(ctx context.Context, tx *gorm.DB, id string) (*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var doc types.Document
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&doc).Error
	if err != nil {
		return nil, err
	}
	if doc.ID == "" {
		return nil, nil
	}
	return &doc, nil
}

func (r *documentRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []string) ([]*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Document
	if len(ids) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *documentRepo) AttachToClaim(ctx context.Context, tx *gorm.DB, claimID uuid.UUID, docIDs []string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(docIDs) == 0 {
		return nil
	}
	links := make([]*types.ClaimDocument, 0, len(docIDs))
	for i, id := range docIDs {
		links = append(links, &types.ClaimDocument{
			ClaimID:    claimID,
			DocumentID: id,
			Position:   i,
		})
	}
	return transaction.WithContext(ctx).Create(&links).Error
}

func (r *documentRepo) GetByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) ([]*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Document
	err := transaction.WithContext(ctx).
		Joins("JOIN claim_document ON claim_document.document_id = document.id").
		Where("claim_document.claim_id = ?", claimID).
		Order("claim_document.position ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
