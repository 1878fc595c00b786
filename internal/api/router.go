package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/leadscout/internal/api/middleware"
	"github.com/kiranshivaraju/leadscout/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJobHandler http.HandlerFunc
	ProgressHandler  http.HandlerFunc
	StreamHandler    http.HandlerFunc
	CancelHandler    http.HandlerFunc
	ResultHandler    http.HandlerFunc
	CreditsHandler   http.HandlerFunc

	GetContextHandler http.HandlerFunc
	PutContextHandler http.HandlerFunc

	CreateAccountHandler http.HandlerFunc
	GrantCreditsHandler  http.HandlerFunc
	CreateKeyHandler     http.HandlerFunc
	ListKeysHandler      http.HandlerFunc
	RevokeKeyHandler     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.SubmitJobHandler))
			r.Get("/{jobID}/progress", orNotImplemented(deps.ProgressHandler))
			r.Get("/{jobID}/stream", orNotImplemented(deps.StreamHandler))
			r.Post("/{jobID}/cancel", orNotImplemented(deps.CancelHandler))
			r.Get("/{jobID}/result", orNotImplemented(deps.ResultHandler))
		})

		r.Get("/api/v1/credits", orNotImplemented(deps.CreditsHandler))
		r.Get("/api/v1/context", orNotImplemented(deps.GetContextHandler))
		r.Put("/api/v1/context", orNotImplemented(deps.PutContextHandler))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/accounts", orNotImplemented(deps.CreateAccountHandler))
			r.Post("/api/v1/admin/accounts/{accountID}/credits", orNotImplemented(deps.GrantCreditsHandler))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
