package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/audit"
	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/pipeline"
	"github.com/yungbote/claimspipe/internal/repos"
	"github.com/yungbote/claimspipe/internal/types"
)

var (
	ErrBadTeam   = errors.New("target team must not be empty")
	ErrBadActor  = errors.New("actor must not be empty")
	ErrNotRouted = pipeline.ErrNotRouted
)

// ClaimStatus is the external view of a claim. Fields appear only once the
// pipeline has durably produced them, so a caller polling mid-flight never
// sees half-written results.
type ClaimStatus struct {
	ID            uuid.UUID          `json:"id"`
	State         types.ClaimState   `json:"state"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	Documents     []DocumentRef      `json:"documents"`
	FieldCount    *int64             `json:"field_count,omitempty"`
	Score         *ScoreView         `json:"score,omitempty"`
	AssignedTeam  *string            `json:"assigned_team,omitempty"`
	FailedStage   string             `json:"failed_stage,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Reassignments int                `json:"reassignments"`
	History       []ReassignmentView `json:"history"`
}

type DocumentRef struct {
	ID           string `json:"id"`
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
}

type ScoreView struct {
	Severity     int              `json:"severity"`
	Complexity   types.Complexity `json:"complexity"`
	RiskFlags    []types.RiskFlag `json:"risk_flags"`
	RulesVersion int              `json:"rules_version"`
	ComputedAt   time.Time        `json:"computed_at"`
}

type FieldView struct {
	Key        string       `json:"key"`
	Value      string       `json:"value"`
	Confidence float64      `json:"confidence"`
	Citation   CitationView `json:"citation"`
}

type CitationView struct {
	DocumentID string `json:"document_id"`
	Page       *int   `json:"page,omitempty"`
	Offset     *int   `json:"offset,omitempty"`
	Excerpt    string `json:"excerpt,omitempty"`
}

type ReassignmentView struct {
	FromTeam  string    `json:"from_team"`
	ToTeam    string    `json:"to_team"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ClaimService interface {
	Get(ctx context.Context, id uuid.UUID) (*ClaimStatus, error)
	List(ctx context.Context, limit, offset int) ([]*ClaimStatus, int64, error)
	Fields(ctx context.Context, id uuid.UUID) ([]FieldView, error)
	Reassign(ctx context.Context, id uuid.UUID, toTeam, actor, reason string) (*ClaimStatus, error)
	History(ctx context.Context, id uuid.UUID) ([]ReassignmentView, error)
}

type claimService struct {
	db            *gorm.DB
	log           *logger.Logger
	claims        repos.ClaimRepo
	docs          repos.DocumentRepo
	fields        repos.ExtractedFieldRepo
	scores        repos.ScoreResultRepo
	reassignments repos.ReassignmentRepo
	audit         *audit.Recorder
}

func NewClaimService(
	db *gorm.DB,
	baseLog *logger.Logger,
	claims repos.ClaimRepo,
	docs repos.DocumentRepo,
	fields repos.ExtractedFieldRepo,
	scores repos.ScoreResultRepo,
	reassignments repos.ReassignmentRepo,
	auditRec *audit.Recorder,
) ClaimService {
	return &claimService{
		db:            db,
		log:           baseLog.With("service", "ClaimService"),
		claims:        claims,
		docs:          docs,
		fields:        fields,
		scores:        scores,
		reassignments: reassignments,
		audit:         auditRec,
	}
}

func (s *claimService) Get(ctx context.Context, id uuid.UUID) (*ClaimStatus, error) {
	claim, err := s.claims.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, pipeline.ErrClaimNotFound
	}
	return s.snapshot(ctx, claim)
}

func (s *claimService) List(ctx context.Context, limit, offset int) ([]*ClaimStatus, int64, error) {
	claims, total, err := s.claims.List(ctx, nil, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*ClaimStatus, 0, len(claims))
	for _, claim := range claims {
		status, err := s.snapshot(ctx, claim)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, status)
	}
	return out, total, nil
}

// snapshot gates each section on how far the claim has durably progressed.
func (s *claimService) snapshot(ctx context.Context, claim *types.Claim) (*ClaimStatus, error) {
	status := &ClaimStatus{
		ID:            claim.ID,
		State:         claim.State,
		SubmittedAt:   claim.SubmittedAt,
		FailedStage:   claim.FailedStage,
		FailureReason: claim.FailureReason,
	}

	docs, err := s.docs.GetByClaimID(ctx, nil, claim.ID)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	status.Documents = make([]DocumentRef, 0, len(docs))
	for _, d := range docs {
		status.Documents = append(status.Documents, DocumentRef{
			ID:           d.ID,
			OriginalName: d.OriginalName,
			MimeType:     d.MimeType,
			SizeBytes:    d.SizeBytes,
		})
	}

	if claim.State.AtLeast(types.ClaimStateExtracted) {
		count, err := s.fields.CountByClaimID(ctx, nil, claim.ID)
		if err != nil {
			return nil, fmt.Errorf("count fields: %w", err)
		}
		status.FieldCount = &count
	}

	if claim.State.AtLeast(types.ClaimStateScored) {
		row, err := s.scores.GetByClaimID(ctx, nil, claim.ID)
		if err != nil {
			return nil, fmt.Errorf("load score: %w", err)
		}
		if row != nil {
			view := &ScoreView{
				Severity:     row.Severity,
				Complexity:   row.Complexity,
				RulesVersion: row.RulesVersion,
				ComputedAt:   row.ComputedAt,
			}
			if len(row.RiskFlags) > 0 {
				if err := json.Unmarshal(row.RiskFlags, &view.RiskFlags); err != nil {
					return nil, fmt.Errorf("decode risk flags: %w", err)
				}
			}
			status.Score = view
		}
	}

	if claim.State.AtLeast(types.ClaimStateRouted) {
		status.AssignedTeam = claim.AssignedTeam
	}

	history, err := s.reassignments.GetByClaimID(ctx, nil, claim.ID)
	if err != nil {
		return nil, fmt.Errorf("load reassignments: %w", err)
	}
	status.Reassignments = len(history)
	status.History = reassignmentViews(history)

	return status, nil
}

func reassignmentViews(rows []*types.Reassignment) []ReassignmentView {
	out := make([]ReassignmentView, 0, len(rows))
	for _, r := range rows {
		out = append(out, ReassignmentView{
			FromTeam:  r.FromTeam,
			ToTeam:    r.ToTeam,
			Actor:     r.Actor,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}

func (s *claimService) Fields(ctx context.Context, id uuid.UUID) ([]FieldView, error) {
	claim, err := s.claims.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, pipeline.ErrClaimNotFound
	}
	if !claim.State.AtLeast(types.ClaimStateExtracted) {
		return []FieldView{}, nil
	}
	rows, err := s.fields.GetByClaimID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	out := make([]FieldView, 0, len(rows))
	for _, f := range rows {
		out = append(out, FieldView{
			Key:        f.Key,
			Value:      f.Value,
			Confidence: f.Confidence,
			Citation: CitationView{
				DocumentID: f.CitationDocID,
				Page:       f.CitationPage,
				Offset:     f.CitationOffset,
				Excerpt:    f.CitationExcerpt,
			},
		})
	}
	return out, nil
}

// Reassign overrides the routed team. It always succeeds for a routed claim
// and never touches the score; the override is recorded as history, not as
// a state change. A same-team override is accepted too and still lands in
// the history, so the audit trail shows the operator looked and confirmed.
func (s *claimService) Reassign(ctx context.Context, id uuid.UUID, toTeam, actor, reason string) (*ClaimStatus, error) {
	toTeam = strings.TrimSpace(toTeam)
	if toTeam == "" {
		return nil, ErrBadTeam
	}
	if strings.TrimSpace(actor) == "" {
		return nil, ErrBadActor
	}

	claim, err := s.claims.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, pipeline.ErrClaimNotFound
	}
	if !claim.State.AtLeast(types.ClaimStateRouted) || claim.AssignedTeam == nil {
		return nil, ErrNotRouted
	}
	fromTeam := *claim.AssignedTeam

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.claims.UpdateFields(ctx, tx, id, map[string]interface{}{
			"assigned_team": toTeam,
			"updated_at":    now,
		}); err != nil {
			return err
		}
		entry := &types.Reassignment{
			ID:        uuid.New(),
			ClaimID:   id,
			FromTeam:  fromTeam,
			ToTeam:    toTeam,
			Actor:     actor,
			Reason:    reason,
			CreatedAt: now,
		}
		if _, err := s.reassignments.Create(ctx, tx, []*types.Reassignment{entry}); err != nil {
			return err
		}
		s.audit.Record(ctx, tx, audit.Entry{
			ClaimID: id,
			Action:  types.AuditActionReassigned,
			Actor:   actor,
			Cause:   reason,
			Detail:  map[string]interface{}{"from": fromTeam, "to": toTeam},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Claim reassigned", "claim_id", id, "from", fromTeam, "to", toTeam, "actor", actor)
	claim.AssignedTeam = &toTeam
	return s.snapshot(ctx, claim)
}

func (s *claimService) History(ctx context.Context, id uuid.UUID) ([]ReassignmentView, error) {
	claim, err := s.claims.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, pipeline.ErrClaimNotFound
	}
	rows, err := s.reassignments.GetByClaimID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	return reassignmentViews(rows), nil
}
