package types

import (
	"time"

	"github.com/google/uuid"
)

// Reassignment is one entry in a claim's team-assignment history. History is
// append-only and totally ordered per claim.
type Reassignment struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ClaimID   uuid.UUID `gorm:"type:uuid;not null;index" json:"claim_id"`
	FromTeam  string    `gorm:"column:from_team;not null" json:"from_team"`
	ToTeam    string    `gorm:"column:to_team;not null" json:"to_team"`
	Actor     string    `gorm:"column:actor;not null" json:"actor"`
	Reason    string    `gorm:"column:reason" json:"reason"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (Reassignment) TableName() string { return "reassignment" }
