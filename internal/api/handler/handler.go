// Package handler implements the HTTP endpoints. Each constructor returns an
// http.HandlerFunc closed over the narrow interface it needs.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/leadscout/internal/api/middleware"
	"github.com/kiranshivaraju/leadscout/internal/api/response"
	"github.com/kiranshivaraju/leadscout/internal/pipeline"
)

const maxBodyBytes = 64 << 10

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. On failure it writes
// the response and returns false.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		response.Validation(w, err)
		return false
	}
	return true
}

func accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := mw.GetAccountID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
	}
	return id, ok
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("%s must be a UUID", name), nil)
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps pipeline errors onto status codes. Anything unrecognised
// is logged and reported as a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotReady):
		response.Error(w, http.StatusTooEarly, "NOT_READY", "The job has not finished yet", nil)
		return
	case errors.Is(err, pipeline.ErrJobFailed):
		response.Error(w, http.StatusConflict, "JOB_FAILED", err.Error(), nil)
		return
	case errors.Is(err, pipeline.ErrJobCancelled):
		response.Error(w, http.StatusConflict, "JOB_CANCELLED", "The job was cancelled", nil)
		return
	case errors.Is(err, pipeline.ErrAlreadyTerminal):
		response.Error(w, http.StatusConflict, "ALREADY_TERMINAL", "The job has already finished", nil)
		return
	case errors.Is(err, pipeline.ErrUnknownJobType), errors.Is(err, pipeline.ErrInvalidSubject):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	switch pipeline.Classify(err) {
	case pipeline.KindConflict:
		response.Error(w, http.StatusConflict, "CONFLICT", "An analysis for this subject is already in progress", nil)
	case pipeline.KindPaymentRequired:
		response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Not enough credits for this job type", nil)
	case pipeline.KindNotFound:
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Not found", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
