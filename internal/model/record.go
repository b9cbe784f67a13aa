package model

import (
	"time"

	"github.com/google/uuid"
)

// RolloutOutcome is the terminal result of one release attempt.
type RolloutOutcome string

const (
	OutcomeSucceeded  RolloutOutcome = "Succeeded"
	OutcomeFailed     RolloutOutcome = "Failed"
	OutcomeRolledBack RolloutOutcome = "RolledBack"
)

// RolloutRecord is one append-only audit entry per release attempt. The most
// recent Succeeded record per tier is the rollback target for that tier.
type RolloutRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Tier      Tier           `json:"tier"`
	Image     string         `json:"image"`
	Outcome   RolloutOutcome `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
}

// NewRolloutRecord stamps a fresh record for a release attempt.
func NewRolloutRecord(tier Tier, image string, outcome RolloutOutcome, reason string) RolloutRecord {
	return RolloutRecord{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Tier:      tier,
		Image:     image,
		Outcome:   outcome,
		Reason:    reason,
	}
}
