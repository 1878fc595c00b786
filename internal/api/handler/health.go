package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/leadscout/internal/api/response"
	"github.com/kiranshivaraju/leadscout/internal/queue"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats reports queue depth. *queue.Queue implements it.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Queue  *queue.Stats      `json:"queue,omitempty"`
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. It
// answers 503 when the database or cache is unreachable.
func NewHealthHandler(db, cache Pinger, q QueueStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: map[string]string{}}
		check := func(name string, p Pinger) {
			if err := p.Ping(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				return
			}
			resp.Checks[name] = "ok"
		}
		check("database", db)
		check("cache", cache)

		if q != nil {
			if stats, err := q.Stats(ctx); err == nil {
				resp.Queue = &stats
			}
		}

		if resp.Status != "ok" {
			writeStatus(w, http.StatusServiceUnavailable, resp)
			return
		}
		response.JSON(w, resp)
	}
}

func writeStatus(w http.ResponseWriter, status int, resp healthResponse) {
	response.Error(w, status, "UNHEALTHY", "One or more dependencies are unavailable", resp)
}
