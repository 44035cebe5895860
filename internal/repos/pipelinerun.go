package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/types"
)

type PipelineRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, runs []*types.PipelineRun) ([]*types.PipelineRun, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.PipelineRun, error)
	GetLatestByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) (*types.PipelineRun, error)

	// ClaimNextRunnable picks up the next run that is:
	// - queued
	// - OR failed with attempts < maxAttempts and last_error_at older than retryDelay
	// - OR running with a stale heartbeat (crash recovery)
	// and marks it running under the caller's worker. Returns nil when idle.
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, retryDelay, staleRunning time.Duration) (*types.PipelineRun, error)

	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	RequestCancel(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) (bool, error)
	CountPending(ctx context.Context, tx *gorm.DB) (int64, error)
}

type pipelineRunRepo struct {
	db      *gorm.DB
	dialect string
	log     *logger.Logger
}

// NewPipelineRunRepo needs the dialect because SELECT ... FOR UPDATE SKIP
// LOCKED only exists on postgres; sqlite serializes writers at the
// connection level instead (see db.New).
func NewPipelineRunRepo(db *gorm.DB, dialect string, baseLog *logger.Logger) PipelineRunRepo {
	return &pipelineRunRepo{db: db, dialect: dialect, log: baseLog.With("repo", "PipelineRunRepo")}
}

func (r *pipelineRunRepo) Create(ctx context.Context, tx *gorm.DB, runs []*types.PipelineRun) ([]*types.PipelineRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(runs) == 0 {
		return []*types.PipelineRun{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *pipelineRunRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.PipelineRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var run types.PipelineRun
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *pipelineRunRepo) GetLatestByClaimID(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) (*types.PipelineRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if claimID == uuid.Nil {
		return nil, nil
	}
	var run types.PipelineRun
	err := transaction.WithContext(ctx).
		Where("claim_id = ?", claimID).
		Order("created_at DESC").
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *pipelineRunRepo) ClaimNextRunnable(
	ctx context.Context,
	tx *gorm.DB,
	maxAttempts int,
	retryDelay time.Duration,
	staleRunning time.Duration,
) (*types.PipelineRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)

	var claimed *types.PipelineRun

	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var run types.PipelineRun

		q := txx.Model(&types.PipelineRun{})
		if r.dialect == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		q = q.Where(`
			(
				status = ?
				OR (
					status = ?
					AND attempts < ?
					AND (last_error_at IS NULL OR last_error_at < ?)
				)
				OR (
					status = ?
					AND heartbeat_at IS NOT NULL
					AND heartbeat_at < ?
				)
			)
		`, types.RunStatusQueued, types.RunStatusFailed, maxAttempts, retryCutoff, types.RunStatusRunning, staleCutoff).
			Order("created_at ASC")

		qErr := q.First(&run).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		updates := map[string]interface{}{
			"status":       types.RunStatusRunning,
			"attempts":     run.Attempts + 1,
			"locked_at":    now,
			"heartbeat_at": now,
			"updated_at":   now,
		}
		if err := txx.Model(&types.PipelineRun{}).
			Where("id = ?", run.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		run.Status = types.RunStatusRunning
		run.Attempts++
		run.LockedAt = &now
		run.HeartbeatAt = &now
		claimed = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *pipelineRunRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.PipelineRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *pipelineRunRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	now := time.Now()
	return r.UpdateFields(ctx, tx, id, map[string]interface{}{
		"heartbeat_at": now,
		"updated_at":   now,
	})
}

func (r *pipelineRunRepo) RequestCancel(ctx context.Context, tx *gorm.DB, claimID uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.PipelineRun{}).
		Where("claim_id = ? AND status IN ?", claimID, []string{types.RunStatusQueued, types.RunStatusRunning, types.RunStatusFailed}).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *pipelineRunRepo) CountPending(ctx context.Context, tx *gorm.DB) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.PipelineRun{}).
		Where("status IN ?", []string{types.RunStatusQueued, types.RunStatusRunning}).
		Count(&n).Error
	return n, err
}
