package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/repos"
	"github.com/yungbote/claimspipe/internal/types"
)

// Recorder writes the append-only audit trail. Recording is best-effort
// relative to the pipeline itself: an audit insert failure is logged loudly
// but never blocks a state transition that already committed.
type Recorder struct {
	db   *gorm.DB
	log  *logger.Logger
	repo repos.AuditEventRepo
}

func NewRecorder(db *gorm.DB, baseLog *logger.Logger, repo repos.AuditEventRepo) *Recorder {
	return &Recorder{db: db, log: baseLog.With("service", "AuditRecorder"), repo: repo}
}

type Entry struct {
	ClaimID uuid.UUID
	Stage   string
	Action  string
	Cause   string
	Actor   string
	Detail  map[string]interface{}
}

func (r *Recorder) Record(ctx context.Context, tx *gorm.DB, e Entry) {
	var detail datatypes.JSON
	if len(e.Detail) > 0 {
		if b, err := json.Marshal(e.Detail); err == nil {
			detail = datatypes.JSON(b)
		}
	}
	event := &types.AuditEvent{
		ID:        uuid.New(),
		ClaimID:   e.ClaimID,
		Stage:     e.Stage,
		Action:    e.Action,
		Cause:     e.Cause,
		Actor:     e.Actor,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if _, err := r.repo.Create(ctx, tx, []*types.AuditEvent{event}); err != nil {
		r.log.Error("Failed to record audit event",
			"claim_id", e.ClaimID,
			"action", e.Action,
			"stage", e.Stage,
			"error", err,
		)
	}
}

func (r *Recorder) Trail(ctx context.Context, claimID uuid.UUID) ([]*types.AuditEvent, error) {
	return r.repo.GetByClaimID(ctx, nil, claimID)
}

// ExportJSONL streams a claim's trail as one JSON object per line, the
// interchange format the compliance tooling consumes.
func (r *Recorder) ExportJSONL(ctx context.Context, claimID uuid.UUID, w io.Writer) error {
	events, err := r.repo.GetByClaimID(ctx, nil, claimID)
	if err != nil {
		return fmt.Errorf("load audit trail: %w", err)
	}
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode audit event %s: %w", ev.ID, err)
		}
	}
	return nil
}
