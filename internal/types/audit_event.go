package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	AuditActionSubmitted       = "submitted"
	AuditActionStateChanged    = "state_changed"
	AuditActionStageRetried    = "stage_retried"
	AuditActionStageFailed     = "stage_failed"
	AuditActionScoreComputed   = "score_computed"
	AuditActionScoreReplaced   = "score_replaced"
	AuditActionTeamAssigned    = "team_assigned"
	AuditActionReassigned      = "reassigned"
	AuditActionCancelRequested = "cancel_requested"
	AuditActionCancelled       = "cancelled"
)

// AuditEvent is append-only. Every transition, retry, failure and manual
// override lands here with enough context to reconstruct the claim's life.
type AuditEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ClaimID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"claim_id"`
	Stage     string         `gorm:"column:stage" json:"stage,omitempty"`
	Action    string         `gorm:"column:action;not null;index" json:"action"`
	Cause     string         `gorm:"column:cause" json:"cause,omitempty"`
	Actor     string         `gorm:"column:actor" json:"actor,omitempty"`
	Detail    datatypes.JSON `gorm:"column:detail" json:"detail,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
}

func (AuditEvent) TableName() string { return "audit_event" }
