package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/api/response"
	"github.com/kiranshivaraju/leadscout/internal/store"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// ContextStore reads and writes an account's business context.
type ContextStore interface {
	GetBusinessContext(ctx context.Context, accountID uuid.UUID) (*models.BusinessContext, error)
	UpsertBusinessContext(ctx context.Context, bc *models.BusinessContext) error
}

type businessContextRequest struct {
	BusinessName   string `json:"business_name" validate:"required,max=200"`
	Industry       string `json:"industry" validate:"required,max=200"`
	Offering       string `json:"offering" validate:"required,max=2000"`
	TargetAudience string `json:"target_audience" validate:"max=2000"`
	IdealCustomer  string `json:"ideal_customer" validate:"max=2000"`
}

// NewGetContextHandler returns an http.HandlerFunc for GET /api/v1/context.
func NewGetContextHandler(s ContextStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := accountID(w, r)
		if !ok {
			return
		}
		bc, err := s.GetBusinessContext(r.Context(), acct)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "No business context configured", nil)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, bc)
	}
}

// NewPutContextHandler returns an http.HandlerFunc for PUT /api/v1/context.
func NewPutContextHandler(s ContextStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := accountID(w, r)
		if !ok {
			return
		}
		var req businessContextRequest
		if !decode(w, r, &req) {
			return
		}

		bc := &models.BusinessContext{
			AccountID:      acct,
			BusinessName:   req.BusinessName,
			Industry:       req.Industry,
			Offering:       req.Offering,
			TargetAudience: req.TargetAudience,
			IdealCustomer:  req.IdealCustomer,
			UpdatedAt:      time.Now().UTC(),
		}
		if err := s.UpsertBusinessContext(r.Context(), bc); err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, bc)
	}
}
