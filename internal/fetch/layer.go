package fetch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// Fetcher is the provider side of the layer. *Chain implements it.
type Fetcher interface {
	Fetch(ctx context.Context, subject string, postLimit int) (*models.FetchResult, error)
}

// Layer combines the profile cache with the provider chain.
type Layer struct {
	cache   *ProfileCache
	fetcher Fetcher
	logger  *slog.Logger
}

func NewLayer(pc *ProfileCache, fetcher Fetcher, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{cache: pc, fetcher: fetcher, logger: logger.With("component", "fetch_layer")}
}

// Lookup checks the cache only. A cache read error is logged and reported as
// a miss so that a Redis outage degrades to fetching.
func (l *Layer) Lookup(ctx context.Context, subject string, tier models.FreshnessTier) (*models.FetchResult, bool) {
	res, found, err := l.cache.Get(ctx, subject, tier)
	if err != nil {
		l.logger.Warn("profile cache read failed", "subject", subject, "error", err)
		return nil, false
	}
	return res, found
}

// Acquire fetches through the provider chain and writes the result back to
// the cache. A failed cache write does not fail the fetch.
func (l *Layer) Acquire(ctx context.Context, subject string, postLimit int) (*models.FetchResult, error) {
	res, err := l.fetcher.Fetch(ctx, subject, postLimit)
	if err != nil {
		return nil, err
	}
	if err := l.cache.Set(ctx, subject, res); err != nil {
		l.logger.Warn("profile cache write failed", "subject", subject, "error", err)
	}
	return res, nil
}

// NormalizeSubject canonicalises a handle so "@Nike " and "nike" share one cache entry.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(strings.TrimSpace(s))
}
