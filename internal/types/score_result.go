package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Complexity string

const (
	ComplexityLow    Complexity = "Low"
	ComplexityMedium Complexity = "Medium"
	ComplexityHigh   Complexity = "High"
)

type RiskFlag string

const (
	RiskFlagFraudSuspected       RiskFlag = "FraudSuspected"
	RiskFlagHighValue            RiskFlag = "HighValue"
	RiskFlagMissingDocumentation RiskFlag = "MissingDocumentation"
	RiskFlagRegulatoryExposure   RiskFlag = "RegulatoryExposure"
	RiskFlagLitigationRisk       RiskFlag = "LitigationRisk"
)

func KnownRiskFlag(f RiskFlag) bool {
	switch f {
	case RiskFlagFraudSuspected, RiskFlagHighValue, RiskFlagMissingDocumentation,
		RiskFlagRegulatoryExposure, RiskFlagLitigationRisk:
		return true
	}
	return false
}

// ScoreResult is the single live score for a claim. Recomputation replaces
// the row in place; the replacement itself lands in the audit trail.
type ScoreResult struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ClaimID      uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"claim_id"`
	Severity     int            `gorm:"column:severity;not null" json:"severity"`
	Complexity   Complexity     `gorm:"column:complexity;not null" json:"complexity"`
	RiskFlags    datatypes.JSON `gorm:"column:risk_flags" json:"risk_flags"`
	RulesVersion int            `gorm:"column:rules_version;not null" json:"rules_version"`
	ComputedAt   time.Time      `gorm:"column:computed_at;not null" json:"computed_at"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (ScoreResult) TableName() string { return "score_result" }
