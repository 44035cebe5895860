package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

const (
	RunStageExtract = "extract"
	RunStageScore   = "score"
	RunStageRoute   = "route"
	RunStageDone    = "done"
)

// PipelineRun is the work record the coordinator's worker claims and drives.
// One run per claim submission; retries bump Attempts in place rather than
// creating new rows.
type PipelineRun struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ClaimID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"claim_id"`
	Status          string         `gorm:"column:status;not null;index" json:"status"`
	Stage           string         `gorm:"column:stage;not null;index" json:"stage"`
	Attempts        int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error           string         `gorm:"column:error" json:"error"`
	LastErrorAt     *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	LockedAt        *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt     *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CancelRequested bool           `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`
	CreatedAt       time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (PipelineRun) TableName() string { return "pipeline_run" }
