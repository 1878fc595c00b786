package pipeline

import (
	"errors"

	"github.com/kiranshivaraju/leadscout/internal/ai"
	"github.com/kiranshivaraju/leadscout/internal/fetch"
	"github.com/kiranshivaraju/leadscout/internal/ledger"
	"github.com/kiranshivaraju/leadscout/internal/progress"
	"github.com/kiranshivaraju/leadscout/internal/store"
)

var (
	ErrConflict        = errors.New("an analysis for this subject is already in progress")
	ErrPaymentRequired = errors.New("insufficient credits")
	ErrNotFound        = errors.New("job not found")
	ErrContextMissing  = errors.New("business context not configured")
	ErrNotReady        = errors.New("job result not ready")
	ErrJobFailed       = errors.New("job failed")
	ErrJobCancelled    = errors.New("job cancelled")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrInvalidSubject  = errors.New("invalid subject")
	ErrInternal        = errors.New("internal error")
	ErrAbandoned       = errors.New("job abandoned by the queue")
)

// Kind is the error taxonomy exposed to callers and recorded on failed jobs.
type Kind string

const (
	KindConflict          Kind = "conflict"
	KindPaymentRequired   Kind = "payment_required"
	KindNotFound          Kind = "not_found"
	KindProviderPermanent Kind = "provider_permanent"
	KindProviderTransient Kind = "provider_transient"
	KindSchemaValidation  Kind = "schema_validation"
	KindInternal          Kind = "internal"
)

// Classify maps any error returned by the pipeline or its collaborators to a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict), errors.Is(err, store.ErrDuplicateKey):
		return KindConflict
	case errors.Is(err, ErrPaymentRequired), errors.Is(err, ledger.ErrInsufficientCredits):
		return KindPaymentRequired
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrContextMissing),
		errors.Is(err, store.ErrNotFound), errors.Is(err, progress.ErrNotFound):
		return KindNotFound
	case errors.Is(err, fetch.ErrProviderPermanent):
		return KindProviderPermanent
	case errors.Is(err, fetch.ErrProviderTransient):
		return KindProviderTransient
	case errors.Is(err, ai.ErrSchemaValidation):
		return KindSchemaValidation
	}
	return KindInternal
}

// failureMessage is what a failed job records: the kind followed by the original error.
func failureMessage(err error) string {
	return string(Classify(err)) + ": " + err.Error()
}
