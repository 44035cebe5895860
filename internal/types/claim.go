package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ClaimState string

const (
	ClaimStateSubmitted  ClaimState = "Submitted"
	ClaimStateExtracting ClaimState = "Extracting"
	ClaimStateExtracted  ClaimState = "Extracted"
	ClaimStateScoring    ClaimState = "Scoring"
	ClaimStateScored     ClaimState = "Scored"
	ClaimStateRouting    ClaimState = "Routing"
	ClaimStateRouted     ClaimState = "Routed"
	ClaimStateFailed     ClaimState = "Failed"
)

var stateOrder = map[ClaimState]int{
	ClaimStateSubmitted:  0,
	ClaimStateExtracting: 1,
	ClaimStateExtracted:  2,
	ClaimStateScoring:    3,
	ClaimStateScored:     4,
	ClaimStateRouting:    5,
	ClaimStateRouted:     6,
}

// AtLeast reports whether s has reached (or passed) other on the pipeline
// sequence. Failed is terminal and ordered after nothing.
func (s ClaimState) AtLeast(other ClaimState) bool {
	so, ok := stateOrder[s]
	if !ok {
		return false
	}
	oo, ok := stateOrder[other]
	if !ok {
		return false
	}
	return so >= oo
}

func (s ClaimState) Terminal() bool {
	return s == ClaimStateRouted || s == ClaimStateFailed
}

// Next returns the state that directly follows s. Terminal states have no
// successor.
func (s ClaimState) Next() (ClaimState, bool) {
	switch s {
	case ClaimStateSubmitted:
		return ClaimStateExtracting, true
	case ClaimStateExtracting:
		return ClaimStateExtracted, true
	case ClaimStateExtracted:
		return ClaimStateScoring, true
	case ClaimStateScoring:
		return ClaimStateScored, true
	case ClaimStateScored:
		return ClaimStateRouting, true
	case ClaimStateRouting:
		return ClaimStateRouted, true
	default:
		return "", false
	}
}

type Claim struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	IdempotencyKey *string        `gorm:"column:idempotency_key;uniqueIndex" json:"idempotency_key,omitempty"`
	State          ClaimState     `gorm:"column:state;not null;index" json:"state"`
	AssignedTeam   *string        `gorm:"column:assigned_team" json:"assigned_team,omitempty"`
	FailedStage    string         `gorm:"column:failed_stage" json:"failed_stage,omitempty"`
	FailureReason  string         `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	ArchivedAt     *time.Time     `gorm:"column:archived_at" json:"archived_at,omitempty"`
	SubmittedAt    time.Time      `gorm:"column:submitted_at;not null" json:"submitted_at"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Claim) TableName() string { return "claim" }
