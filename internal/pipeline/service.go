package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/fetch"
	"github.com/kiranshivaraju/leadscout/internal/ledger"
	"github.com/kiranshivaraju/leadscout/internal/progress"
	"github.com/kiranshivaraju/leadscout/internal/store"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// Service is the caller-facing side of the pipeline: submission, progress,
// cancellation and results. Execution happens in the Orchestrator, reached
// through the Dispatcher.
type Service struct {
	store      JobStore
	credits    Credits
	tracker    Tracker
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(s JobStore, credits Credits, tracker Tracker, dispatcher Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		credits:    credits,
		tracker:    tracker,
		dispatcher: dispatcher,
		logger:     logger.With("component", "pipeline_service"),
		now:        time.Now,
	}
}

// Submit creates a pending job and dispatches it. A second submission for a
// subject the account already has in flight returns ErrConflict, and an
// account that cannot cover the job type returns ErrPaymentRequired; in both
// cases no job is created.
func (s *Service) Submit(ctx context.Context, accountID uuid.UUID, subjectID, jobType string) (*models.Job, error) {
	profile, ok := models.ProfileFor(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	subject := fetch.NormalizeSubject(subjectID)
	if subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidSubject)
	}

	active, err := s.store.FindActiveJob(ctx, accountID, subject, uuid.Nil)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: job %s", ErrConflict, active.ID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("duplicate check: %w", err)
	}

	if err := s.credits.CanAfford(ctx, accountID, profile.Cost); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return nil, fmt.Errorf("%w: %w", ErrPaymentRequired, err)
		}
		return nil, err
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		AccountID: accountID,
		SubjectID: subject,
		Type:      profile.Type,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: subject %s", ErrConflict, subject)
		}
		return nil, err
	}

	if _, err := s.tracker.Initialize(ctx, job.ID, accountID); err != nil {
		// The orchestrator recreates missing snapshots when it picks the job up.
		s.logger.Warn("failed to initialize progress", "job_id", job.ID, "error", err)
	}

	if err := s.dispatcher.Enqueue(ctx, job.ID); err != nil {
		msg := failureMessage(fmt.Errorf("%w: enqueue: %v", ErrInternal, err))
		if uerr := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(msg)); uerr != nil {
			s.logger.Error("failed to mark undispatched job failed", "job_id", job.ID, "error", uerr)
		}
		if ferr := s.tracker.Fail(ctx, job.ID, msg); ferr != nil {
			s.logger.Warn("failed to push failure", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	s.logger.Info("job submitted", "job_id", job.ID, "account_id", accountID, "subject", subject, "job_type", job.Type)
	return job, nil
}

// GetProgress returns the live snapshot. Unknown, expired and foreign jobs
// are all ErrNotFound.
func (s *Service) GetProgress(ctx context.Context, accountID, jobID uuid.UUID) (models.Snapshot, error) {
	snap, err := s.tracker.Read(ctx, jobID)
	if errors.Is(err, progress.ErrNotFound) {
		return models.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return models.Snapshot{}, err
	}
	if snap.AccountID != accountID {
		return models.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// Subscribe attaches a live observer after the same ownership check as GetProgress.
func (s *Service) Subscribe(ctx context.Context, accountID, jobID uuid.UUID) (*progress.Subscription, error) {
	if _, err := s.GetProgress(ctx, accountID, jobID); err != nil {
		return nil, err
	}
	sub, err := s.tracker.Subscribe(ctx, jobID)
	if errors.Is(err, progress.ErrNotFound) {
		return nil, ErrNotFound
	}
	return sub, err
}

// Cancel marks a job cancelled. It is advisory: a running job stops at its
// next step boundary and its reservation is refunded.
func (s *Service) Cancel(ctx context.Context, accountID, jobID uuid.UUID) error {
	job, err := s.store.GetJob(ctx, jobID, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if models.IsTerminal(job.Status) {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, job.Status)
	}

	err = s.store.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled)
	if errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("%w: %v", ErrAlreadyTerminal, err)
	}
	if err != nil {
		return err
	}

	if err := s.tracker.Cancel(ctx, jobID); err != nil && !errors.Is(err, progress.ErrTerminal) {
		s.logger.Warn("failed to push cancellation", "job_id", jobID, "error", err)
	}
	s.logger.Info("job cancelled", "job_id", jobID, "account_id", accountID)
	return nil
}

// GetResult returns the result of a complete job, ErrNotReady while it is
// still running, and ErrJobFailed or ErrJobCancelled once it ended otherwise.
func (s *Service) GetResult(ctx context.Context, accountID, jobID uuid.UUID) (*models.JobResult, error) {
	job, err := s.store.GetJob(ctx, jobID, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.JobStatusComplete:
		if job.Result == nil {
			return nil, fmt.Errorf("%w: complete job %s has no result", ErrInternal, job.ID)
		}
		return job.Result, nil
	case models.JobStatusFailed:
		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return nil, fmt.Errorf("%w: %s", ErrJobFailed, msg)
	case models.JobStatusCancelled:
		return nil, ErrJobCancelled
	}
	return nil, ErrNotReady
}

func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (int, error) {
	return s.credits.Balance(ctx, accountID)
}
