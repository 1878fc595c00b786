package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInsufficientFunds = errors.New("insufficient funds")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, accountID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, accountID uuid.UUID) error

	CreateAccount(ctx context.Context, account *models.Account) error
	GetBalance(ctx context.Context, accountID uuid.UUID) (int, error)
	// Debit reserves amount for jobID in one transaction. A second reservation
	// for the same job returns ErrDuplicateKey and changes nothing.
	Debit(ctx context.Context, accountID uuid.UUID, amount int, jobID uuid.UUID) error
	// Credit adds amount back to the account. Refunds are unique per reference.
	Credit(ctx context.Context, accountID uuid.UUID, amount int, referenceID *uuid.UUID, txType string) error
	ListTransactions(ctx context.Context, referenceID uuid.UUID) ([]*models.CreditTransaction, error)

	GetBusinessContext(ctx context.Context, accountID uuid.UUID) (*models.BusinessContext, error)
	UpsertBusinessContext(ctx context.Context, bc *models.BusinessContext) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, accountID uuid.UUID) (*models.Job, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	FindActiveJob(ctx context.Context, accountID uuid.UUID, subjectID string, excludeID uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	SetJobStep(ctx context.Context, id uuid.UUID, step string) error

	UpsertLead(ctx context.Context, lead *models.Lead) error
	RecordJobMetrics(ctx context.Context, m *models.JobMetrics) error
}

// JobUpdate is the optional part of a status change. Nil fields are left untouched.
type JobUpdate struct {
	ErrorMessage *string
	Result       *models.JobResult
	CurrentStep  *string
}

type JobUpdateOption func(*JobUpdate)

// ResolveJobUpdate applies opts to an empty JobUpdate.
func ResolveJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithResult(result models.JobResult) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Result = &result
	}
}

func WithCurrentStep(step string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.CurrentStep = &step
	}
}

// validTransitions lists, for each target status, the statuses it may be
// entered from. Terminal statuses never appear on the right-hand side.
var validTransitions = map[string][]string{
	models.JobStatusProcessing: {models.JobStatusPending},
	models.JobStatusComplete:   {models.JobStatusProcessing},
	models.JobStatusFailed:     {models.JobStatusPending, models.JobStatusProcessing},
	models.JobStatusCancelled:  {models.JobStatusPending, models.JobStatusProcessing},
}

// AllowedFrom returns the statuses a job may be in to move to status.
func AllowedFrom(status string) []string {
	return validTransitions[status]
}
