package models

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot is the live progress view of a job, owned by its progress actor.
type Snapshot struct {
	JobID         uuid.UUID  `json:"job_id"`
	AccountID     uuid.UUID  `json:"account_id"`
	Status        string     `json:"status"`
	Progress      int        `json:"progress"`
	CurrentStep   string     `json:"current_step"`
	Result        *JobResult `json:"result,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	InitializedAt time.Time  `json:"initialized_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// Version counts stored writes. A copy with a lower Version is stale.
	Version int64 `json:"version"`
}

// Terminal reports whether the snapshot is frozen.
func (s Snapshot) Terminal() bool {
	return IsTerminal(s.Status)
}
