package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// IsTerminal reports whether a job in this status can never transition again.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusComplete, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

const (
	JobTypeQuick    = "quick"
	JobTypeStandard = "standard"
	JobTypeDeep     = "deep"
)

// FreshnessTier names how old a cached profile may be for a job to reuse it.
type FreshnessTier string

const (
	TierCoarse   FreshnessTier = "coarse"
	TierStandard FreshnessTier = "standard"
	TierFine     FreshnessTier = "fine"
)

// TTL returns the maximum cache age accepted by the tier. Unknown tiers get
// zero, which makes every cached entry stale.
func (t FreshnessTier) TTL() time.Duration {
	switch t {
	case TierCoarse:
		return 24 * time.Hour
	case TierStandard:
		return 6 * time.Hour
	case TierFine:
		return time.Hour
	}
	return 0
}

// JobProfile is the cost, freshness and timeout profile of a job type.
type JobProfile struct {
	Type        string
	Cost        int
	Tier        FreshnessTier
	PostLimit   int
	StepTimeout time.Duration
}

var jobProfiles = map[string]JobProfile{
	JobTypeQuick:    {Type: JobTypeQuick, Cost: 1, Tier: TierCoarse, PostLimit: 12, StepTimeout: 60 * time.Second},
	JobTypeStandard: {Type: JobTypeStandard, Cost: 2, Tier: TierStandard, PostLimit: 30, StepTimeout: 90 * time.Second},
	JobTypeDeep:     {Type: JobTypeDeep, Cost: 5, Tier: TierFine, PostLimit: 60, StepTimeout: 180 * time.Second},
}

// ProfileFor returns the profile of a job type.
func ProfileFor(jobType string) (JobProfile, bool) {
	p, ok := jobProfiles[jobType]
	return p, ok
}

// Job is one paid analysis run of a subject on behalf of an account.
// Result is set only once Status is complete; ErrorMessage only once failed.
type Job struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	AccountID       uuid.UUID  `db:"account_id"       json:"account_id"`
	SubjectID       string     `db:"subject_id"       json:"subject_id"`
	Type            string     `db:"job_type"         json:"job_type"`
	Status          string     `db:"status"           json:"status"`
	CreditsReserved int        `db:"credits_reserved" json:"credits_reserved"`
	CurrentStep     string     `db:"current_step"     json:"current_step,omitempty"`
	Result          *JobResult `db:"result"           json:"result,omitempty"`
	ErrorMessage    *string    `db:"error_message"    json:"error_message,omitempty"`
	CompletedAt     *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"       json:"updated_at"`
}

// JobResult is the persisted outcome of a completed job.
type JobResult struct {
	Score       int    `json:"score"`
	Summary     string `json:"summary"`
	ScraperUsed string `json:"scraper_used"`
	CacheHit    bool   `json:"cache_hit"`
	Model       string `json:"model"`
}

// JobMetrics holds best-effort cost and latency attribution for one job.
type JobMetrics struct {
	JobID          uuid.UUID `db:"job_id"          json:"job_id"`
	AccountID      uuid.UUID `db:"account_id"      json:"account_id"`
	ScraperUsed    string    `db:"scraper_used"    json:"scraper_used"`
	CacheHit       bool      `db:"cache_hit"       json:"cache_hit"`
	FetchMs        int64     `db:"fetch_ms"        json:"fetch_ms"`
	GenerationMs   int64     `db:"generation_ms"   json:"generation_ms"`
	TotalMs        int64     `db:"total_ms"        json:"total_ms"`
	InputTokens    int       `db:"input_tokens"    json:"input_tokens"`
	OutputTokens   int       `db:"output_tokens"   json:"output_tokens"`
	GenAttempts    int       `db:"gen_attempts"    json:"gen_attempts"`
	CreditsCharged int       `db:"credits_charged" json:"credits_charged"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
}
