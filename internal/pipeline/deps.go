package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/ai"
	"github.com/kiranshivaraju/leadscout/internal/progress"
	"github.com/kiranshivaraju/leadscout/internal/store"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// JobStore is the persistence the pipeline needs. store.PostgresStore implements it.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, accountID uuid.UUID) (*models.Job, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	FindActiveJob(ctx context.Context, accountID uuid.UUID, subjectID string, excludeID uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error
	SetJobStep(ctx context.Context, id uuid.UUID, step string) error
	GetBusinessContext(ctx context.Context, accountID uuid.UUID) (*models.BusinessContext, error)
	UpsertLead(ctx context.Context, lead *models.Lead) error
	RecordJobMetrics(ctx context.Context, m *models.JobMetrics) error
}

// Credits is the credit ledger. *ledger.Ledger implements it.
type Credits interface {
	Balance(ctx context.Context, accountID uuid.UUID) (int, error)
	CanAfford(ctx context.Context, accountID uuid.UUID, amount int) error
	Reserve(ctx context.Context, accountID, jobID uuid.UUID, amount int) error
	Refund(ctx context.Context, accountID, jobID uuid.UUID, amount int) error
}

// Profiles is the fetch-and-cache layer. *fetch.Layer implements it.
type Profiles interface {
	Lookup(ctx context.Context, subject string, tier models.FreshnessTier) (*models.FetchResult, bool)
	Acquire(ctx context.Context, subject string, postLimit int) (*models.FetchResult, error)
}

// Scorer runs content generation. *ai.Generator implements it.
type Scorer interface {
	Generate(ctx context.Context, bc *models.BusinessContext, profile *models.ProfileData) (*ai.Scoring, error)
}

// Tracker is the progress actor registry. *progress.Hub implements it.
type Tracker interface {
	Initialize(ctx context.Context, jobID, accountID uuid.UUID) (models.Snapshot, error)
	Read(ctx context.Context, jobID uuid.UUID) (models.Snapshot, error)
	Update(ctx context.Context, jobID uuid.UUID, progress int, step, status string) error
	Complete(ctx context.Context, jobID uuid.UUID, result models.JobResult) error
	Fail(ctx context.Context, jobID uuid.UUID, errMsg string) error
	Cancel(ctx context.Context, jobID uuid.UUID) error
	Subscribe(ctx context.Context, jobID uuid.UUID) (*progress.Subscription, error)
}

// Dispatcher hands a job to a worker. *queue.Queue implements it.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}
