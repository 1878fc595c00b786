// Package pipeline runs paid analysis jobs: it accepts submissions, executes
// each job's steps in order, and compensates failures with a credit refund.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/ai"
	"github.com/kiranshivaraju/leadscout/internal/fetch"
	"github.com/kiranshivaraju/leadscout/internal/ledger"
	"github.com/kiranshivaraju/leadscout/internal/progress"
	"github.com/kiranshivaraju/leadscout/internal/store"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

const (
	defaultFetchRetryDelay = 5 * time.Second
	compensationTimeout    = 30 * time.Second
)

// errLostOwnership means the job left processing while this run held it,
// either through a cancel or another worker finishing it.
var errLostOwnership = errors.New("job no longer processing")

// Orchestrator executes the step table for one job at a time. It is safe to
// call Run concurrently for different jobs.
type Orchestrator struct {
	store      JobStore
	credits    Credits
	profiles   Profiles
	scorer     Scorer
	tracker    Tracker
	logger     *slog.Logger
	now        func() time.Time
	retryDelay time.Duration
}

type OrchestratorOption func(*Orchestrator)

func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithFetchRetryDelay sets the pause before the second data acquisition attempt.
func WithFetchRetryDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.retryDelay = d }
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(s JobStore, credits Credits, profiles Profiles, scorer Scorer, tracker Tracker, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      s,
		credits:    credits,
		profiles:   profiles,
		scorer:     scorer,
		tracker:    tracker,
		logger:     slog.Default(),
		now:        time.Now,
		retryDelay: defaultFetchRetryDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// run is the state one job accumulates while its steps execute.
type run struct {
	job      *models.Job
	profile  models.JobProfile
	logger   *slog.Logger
	step     string
	reserved bool
	started  time.Time

	bc      *models.BusinessContext
	fetched *models.FetchResult
	scoring *ai.Scoring
	result  models.JobResult
	fetchMs int64
	genMs   int64
}

// Run executes a job to a terminal state. It returns nil once the job is
// terminal, whatever the outcome, and an error only when the job could not
// be driven forward and a later redelivery should try again.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) (err error) {
	job, err := o.store.GetJobByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("job not found, dropping", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	r := &run{
		job:      job,
		logger:   o.logger.With("job_id", job.ID, "account_id", job.AccountID, "subject", job.SubjectID),
		reserved: job.CreditsReserved > 0,
		started:  o.now(),
	}

	if models.IsTerminal(job.Status) {
		o.settle(ctx, r)
		return nil
	}

	o.ensureTracked(ctx, r)

	profile, ok := models.ProfileFor(job.Type)
	if !ok {
		return o.fail(ctx, r, fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type))
	}
	r.profile = profile

	if job.Status == models.JobStatusPending {
		err := o.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing)
		if errors.Is(err, store.ErrInvalidTransition) {
			return o.concede(ctx, r)
		}
		if err != nil {
			return fmt.Errorf("start job: %w", err)
		}
		r.logger.Info("job started", "job_type", job.Type)
	} else {
		r.logger.Info("resuming job", "last_step", job.CurrentStep)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in job step", "step", r.step, "panic", p)
			err = o.fail(ctx, r, fmt.Errorf("%w: panic in %s: %v", ErrInternal, r.step, p))
		}
	}()

	for _, s := range o.steps() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("job interrupted before %s: %w", s.name, err)
		}
		if o.cancelRequested(ctx, r) {
			return o.stopCancelled(ctx, r)
		}
		if s.name == StepFetchProfile && r.fetched != nil {
			continue
		}

		r.step = s.name
		o.report(ctx, r, s.name, s.progress)

		if err := o.exec(ctx, r, s); err != nil {
			if errors.Is(err, errLostOwnership) {
				return o.concede(ctx, r)
			}
			if ctx.Err() != nil {
				// Shutdown, not a job failure: leave it for redelivery.
				return fmt.Errorf("job interrupted in %s: %w", s.name, err)
			}
			return o.fail(ctx, r, err)
		}
	}

	r.step = StepMarkComplete
	o.report(ctx, r, StepMarkComplete, 100)
	if err := o.tracker.Complete(ctx, job.ID, r.result); err != nil && !errors.Is(err, progress.ErrTerminal) {
		r.logger.Warn("failed to push completion", "error", err)
	}
	r.logger.Info("job complete", "score", r.result.Score, "scraper_used", r.result.ScraperUsed,
		"cache_hit", r.result.CacheHit, "duration_ms", o.now().Sub(r.started).Milliseconds())

	o.recordMetrics(ctx, r)
	return nil
}

// Abandon settles a job the queue has stopped delivering. A job still in
// flight is compensated and failed with reason; a terminal one is only
// settled, so no dead-lettered job keeps its reservation or its subject slot.
func (o *Orchestrator) Abandon(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := o.store.GetJobByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	r := &run{
		job:      job,
		logger:   o.logger.With("job_id", job.ID, "account_id", job.AccountID, "subject", job.SubjectID),
		step:     job.CurrentStep,
		reserved: job.CreditsReserved > 0,
		started:  o.now(),
	}
	if models.IsTerminal(job.Status) {
		o.settle(ctx, r)
		return nil
	}
	return o.fail(ctx, r, fmt.Errorf("%w: %s", ErrAbandoned, reason))
}

// exec runs one step under the job type's step timeout. Only transient
// provider failures are retried, and only for steps that allow it.
func (o *Orchestrator) exec(ctx context.Context, r *run, s step) error {
	op := func() error {
		stepCtx := ctx
		if r.profile.StepTimeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, r.profile.StepTimeout)
			defer cancel()
		}
		err := s.run(stepCtx, r)
		if err != nil && !errors.Is(err, fetch.ErrProviderTransient) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("step failed, retrying", "step", s.name, "error", err, "retry_in", wait)
	}

	retries := uint64(max(s.attempts-1, 0))
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(o.retryDelay), retries), ctx)
	return backoff.RetryNotify(op, b, notify)
}

// report pushes the step label to the progress actor and persists it on the
// job row so a redelivered job shows where it stopped.
func (o *Orchestrator) report(ctx context.Context, r *run, step string, pct int) {
	if err := o.tracker.Update(ctx, r.job.ID, pct, step, ""); err != nil {
		if errors.Is(err, progress.ErrTerminal) {
			r.logger.Debug("progress already terminal", "step", step)
		} else {
			r.logger.Warn("failed to report progress", "step", step, "error", err)
		}
	}
	if err := o.store.SetJobStep(ctx, r.job.ID, step); err != nil {
		r.logger.Warn("failed to persist job step", "step", step, "error", err)
	}
}

func (o *Orchestrator) cancelRequested(ctx context.Context, r *run) bool {
	snap, err := o.tracker.Read(ctx, r.job.ID)
	if err != nil {
		return false
	}
	return snap.Status == models.JobStatusCancelled
}

// ensureTracked recreates a progress snapshot that expired or was never
// written, so a redelivered job still reports progress.
func (o *Orchestrator) ensureTracked(ctx context.Context, r *run) {
	if _, err := o.tracker.Read(ctx, r.job.ID); !errors.Is(err, progress.ErrNotFound) {
		return
	}
	if _, err := o.tracker.Initialize(ctx, r.job.ID, r.job.AccountID); err != nil && !errors.Is(err, progress.ErrAlreadyInitialized) {
		r.logger.Warn("failed to initialize progress", "error", err)
	}
}

// fail is the compensation path: refund a recorded reservation, mark the job
// failed with the original error, then push the failure to observers. A
// refund that cannot be made is logged and the job is failed regardless.
func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	msg := failureMessage(cause)
	r.logger.Error("job failed", "step", r.step, "kind", Classify(cause), "error", cause)

	if !r.reserved {
		o.recheckReservation(ctx, r)
	}
	if r.reserved {
		if err := o.credits.Refund(ctx, r.job.AccountID, r.job.ID, o.reservedAmount(r)); err != nil {
			r.logger.Error("refund failed, marking job failed anyway", "error", err)
		}
	}

	opts := []store.JobUpdateOption{store.WithErrorMessage(msg)}
	if r.step != "" {
		opts = append(opts, store.WithCurrentStep(r.step))
	}
	err := o.store.UpdateJobStatus(ctx, r.job.ID, models.JobStatusFailed, opts...)
	if errors.Is(err, store.ErrInvalidTransition) {
		r.logger.Warn("job already terminal when marking failed", "error", err)
	} else if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}

	if err := o.tracker.Fail(ctx, r.job.ID, msg); err != nil && !errors.Is(err, progress.ErrTerminal) {
		r.logger.Warn("failed to push failure", "error", err)
	}
	return nil
}

// stopCancelled ends a run whose cancel was observed between steps.
// Completed steps are not reverted; a reservation is refunded.
func (o *Orchestrator) stopCancelled(ctx context.Context, r *run) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	r.logger.Info("job cancelled", "step", r.step)
	err := o.store.UpdateJobStatus(ctx, r.job.ID, models.JobStatusCancelled)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("mark job cancelled: %w", err)
	}
	return o.concede(ctx, r)
}

// concede reloads a job another actor moved to a terminal state and settles it.
func (o *Orchestrator) concede(ctx context.Context, r *run) error {
	job, err := o.store.GetJobByID(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	r.job = job
	if !models.IsTerminal(job.Status) {
		return fmt.Errorf("job %s still %s after losing ownership", job.ID, job.Status)
	}
	o.settle(ctx, r)
	return nil
}

// settle makes the side effects of a terminal job consistent. Refunds and
// progress transitions are idempotent, so a redelivered message converges
// instead of repeating work.
func (o *Orchestrator) settle(ctx context.Context, r *run) {
	job := r.job
	if job.Status != models.JobStatusComplete && job.CreditsReserved > 0 {
		if err := o.credits.Refund(ctx, job.AccountID, job.ID, job.CreditsReserved); err != nil {
			r.logger.Error("refund of terminal job failed", "status", job.Status, "error", err)
		}
	}

	var err error
	switch job.Status {
	case models.JobStatusComplete:
		if job.Result != nil {
			err = o.tracker.Complete(ctx, job.ID, *job.Result)
		}
	case models.JobStatusFailed:
		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		err = o.tracker.Fail(ctx, job.ID, msg)
	case models.JobStatusCancelled:
		err = o.tracker.Cancel(ctx, job.ID)
	}
	if err != nil && !errors.Is(err, progress.ErrTerminal) && !errors.Is(err, progress.ErrNotInitialized) {
		r.logger.Warn("failed to sync terminal progress", "status", job.Status, "error", err)
	}
	r.logger.Debug("terminal job settled", "status", job.Status)
}

// recheckReservation reads the job row back, because a debit can commit
// even though Reserve returned an error (connection lost after COMMIT).
// The job row is debited in the same transaction, so it is authoritative.
func (o *Orchestrator) recheckReservation(ctx context.Context, r *run) {
	job, err := o.store.GetJobByID(ctx, r.job.ID)
	if err != nil {
		r.logger.Warn("failed to recheck reservation", "error", err)
		return
	}
	if job.CreditsReserved > 0 {
		r.logger.Warn("reservation committed despite error, refunding", "credits", job.CreditsReserved)
		r.job.CreditsReserved = job.CreditsReserved
		r.reserved = true
	}
}

func (o *Orchestrator) reservedAmount(r *run) int {
	if r.job.CreditsReserved > 0 {
		return r.job.CreditsReserved
	}
	return r.profile.Cost
}

// --- steps ---

func (o *Orchestrator) checkDuplicate(ctx context.Context, r *run) error {
	other, err := o.store.FindActiveJob(ctx, r.job.AccountID, r.job.SubjectID, r.job.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	return fmt.Errorf("%w: job %s", ErrConflict, other.ID)
}

func (o *Orchestrator) reserveCredits(ctx context.Context, r *run) error {
	if r.reserved {
		return nil
	}
	err := o.credits.Reserve(ctx, r.job.AccountID, r.job.ID, r.profile.Cost)
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		return fmt.Errorf("%w: %w", ErrPaymentRequired, err)
	}
	if err != nil {
		return err
	}
	r.reserved = true
	r.job.CreditsReserved = r.profile.Cost
	return nil
}

func (o *Orchestrator) loadContext(ctx context.Context, r *run) error {
	bc, err := o.store.GetBusinessContext(ctx, r.job.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: account %s", ErrContextMissing, r.job.AccountID)
	}
	if err != nil {
		return fmt.Errorf("load business context: %w", err)
	}
	r.bc = bc
	return nil
}

func (o *Orchestrator) lookupCache(ctx context.Context, r *run) error {
	if res, ok := o.profiles.Lookup(ctx, r.job.SubjectID, r.profile.Tier); ok {
		r.logger.Info("profile cache hit", "tier", r.profile.Tier, "cached_at", res.CachedAt)
		r.fetched = res
	}
	return nil
}

func (o *Orchestrator) fetchProfile(ctx context.Context, r *run) error {
	start := o.now()
	res, err := o.profiles.Acquire(ctx, r.job.SubjectID, r.profile.PostLimit)
	r.fetchMs += o.now().Sub(start).Milliseconds()
	if err != nil {
		return err
	}
	r.fetched = res
	return nil
}

func (o *Orchestrator) generate(ctx context.Context, r *run) error {
	start := o.now()
	scoring, err := o.scorer.Generate(ctx, r.bc, &r.fetched.Profile)
	r.genMs += o.now().Sub(start).Milliseconds()
	if err != nil {
		return err
	}
	r.scoring = scoring
	return nil
}

func (o *Orchestrator) persistLead(ctx context.Context, r *run) error {
	p := r.fetched.Profile
	return o.store.UpsertLead(ctx, &models.Lead{
		ID:        uuid.New(),
		AccountID: r.job.AccountID,
		SubjectID: r.job.SubjectID,
		FullName:  p.FullName,
		Followers: p.Followers,
		Verified:  p.Verified,
		LastScore: r.scoring.Score,
		LastJobID: &r.job.ID,
	})
}

func (o *Orchestrator) persistResult(ctx context.Context, r *run) error {
	r.result = models.JobResult{
		Score:       r.scoring.Score,
		Summary:     r.scoring.Summary,
		ScraperUsed: r.fetched.ScraperUsed,
		CacheHit:    r.fetched.CacheHit,
		Model:       r.scoring.Model,
	}
	err := o.store.UpdateJobStatus(ctx, r.job.ID, models.JobStatusComplete,
		store.WithResult(r.result), store.WithCurrentStep(StepPersistResult))
	if errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("%w: %w", errLostOwnership, err)
	}
	return err
}

// recordMetrics is best effort: it is neither retried nor allowed to affect the job.
func (o *Orchestrator) recordMetrics(ctx context.Context, r *run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	m := &models.JobMetrics{
		JobID:          r.job.ID,
		AccountID:      r.job.AccountID,
		ScraperUsed:    r.result.ScraperUsed,
		CacheHit:       r.result.CacheHit,
		FetchMs:        r.fetchMs,
		GenerationMs:   r.genMs,
		TotalMs:        o.now().Sub(r.started).Milliseconds(),
		CreditsCharged: o.reservedAmount(r),
	}
	if r.scoring != nil {
		m.InputTokens = r.scoring.InputTokens
		m.OutputTokens = r.scoring.OutputTokens
		m.GenAttempts = r.scoring.Attempts
	}
	if err := o.store.RecordJobMetrics(ctx, m); err != nil {
		r.logger.Warn("failed to record job metrics", "error", err)
	}
}
