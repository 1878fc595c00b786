package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/api/response"
	"github.com/kiranshivaraju/leadscout/internal/progress"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// JobService is the pipeline surface the job endpoints need.
// *pipeline.Service implements it.
type JobService interface {
	Submit(ctx context.Context, accountID uuid.UUID, subjectID, jobType string) (*models.Job, error)
	GetProgress(ctx context.Context, accountID, jobID uuid.UUID) (models.Snapshot, error)
	Subscribe(ctx context.Context, accountID, jobID uuid.UUID) (*progress.Subscription, error)
	Cancel(ctx context.Context, accountID, jobID uuid.UUID) error
	GetResult(ctx context.Context, accountID, jobID uuid.UUID) (*models.JobResult, error)
	Balance(ctx context.Context, accountID uuid.UUID) (int, error)
}

type submitRequest struct {
	SubjectID string `json:"subject_id" validate:"required,max=64"`
	JobType   string `json:"job_type" validate:"required,oneof=quick standard deep"`
}

type submitResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := accountID(w, r)
		if !ok {
			return
		}
		var req submitRequest
		if !decode(w, r, &req) {
			return
		}

		job, err := svc.Submit(r.Context(), acct, req.SubjectID, req.JobType)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, submitResponse{JobID: job.ID, Status: job.Status})
	}
}

// NewProgressHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/progress.
func NewProgressHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := accountID(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		snap, err := svc.GetProgress(r.Context(), acct, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, snap)
	}
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := accountID(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		if err := svc.Cancel(r.Context(), acct, jobID); err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, submitResponse{JobID: jobID, Status: models.JobStatusCancelled})
	}
}

// NewResultHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/result.
func NewResultHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := accountID(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		result, err := svc.GetResult(r.Context(), acct, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, result)
	}
}

// NewCreditsHandler returns an http.HandlerFunc for GET /api/v1/credits.
func NewCreditsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := accountID(w, r)
		if !ok {
			return
		}
		balance, err := svc.Balance(r.Context(), acct)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]int{"balance": balance})
	}
}
