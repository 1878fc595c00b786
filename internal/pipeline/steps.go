package pipeline

import "context"

// Step labels in execution order. A failure after StepReserveCredits
// succeeded refunds the job before it is marked failed.
const (
	StepDuplicateCheck = "duplicate_check"
	StepReserveCredits = "reserve_credits"
	StepLoadContext    = "load_context"
	StepCacheLookup    = "cache_lookup"
	StepFetchProfile   = "fetch_profile"
	StepGenerate       = "generate"
	StepPersistLead    = "persist_lead"
	StepPersistResult  = "persist_result"
	StepMarkComplete   = "mark_complete"
	StepRecordMetrics  = "record_metrics"
)

type step struct {
	name     string
	progress int
	// attempts is the number of tries for a transient provider failure.
	attempts int
	run      func(ctx context.Context, r *run) error
}

func (o *Orchestrator) steps() []step {
	return []step{
		{name: StepDuplicateCheck, progress: 5, attempts: 1, run: o.checkDuplicate},
		{name: StepReserveCredits, progress: 10, attempts: 1, run: o.reserveCredits},
		{name: StepLoadContext, progress: 20, attempts: 1, run: o.loadContext},
		{name: StepCacheLookup, progress: 30, attempts: 1, run: o.lookupCache},
		{name: StepFetchProfile, progress: 40, attempts: 2, run: o.fetchProfile},
		{name: StepGenerate, progress: 65, attempts: 1, run: o.generate},
		{name: StepPersistLead, progress: 85, attempts: 1, run: o.persistLead},
		{name: StepPersistResult, progress: 95, attempts: 1, run: o.persistResult},
	}
}
