package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/leadscout/internal/cache"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// retention bounds how long Redis keeps an entry. Freshness is decided at
// read time against the caller's tier, so retention only has to outlive the
// coarsest tier.
var retention = 2 * models.TierCoarse.TTL()

type cachedProfile struct {
	Payload     models.ProfileData `json:"payload"`
	ScraperUsed string             `json:"scraper_used"`
	CachedAt    time.Time          `json:"cached_at"`
}

// ProfileCache stores fetched profiles keyed by subject only, shared across accounts.
type ProfileCache struct {
	cache cache.Cache
	now   func() time.Time
}

func NewProfileCache(c cache.Cache, now func() time.Time) *ProfileCache {
	if now == nil {
		now = time.Now
	}
	return &ProfileCache{cache: c, now: now}
}

// Get returns the cached profile when it is younger than the tier's TTL.
// Stale entries are reported as a miss and left in place to be overwritten.
func (pc *ProfileCache) Get(ctx context.Context, subject string, tier models.FreshnessTier) (*models.FetchResult, bool, error) {
	raw, found, err := pc.cache.Get(ctx, cache.ProfileKey(subject))
	if err != nil {
		return nil, false, fmt.Errorf("read profile cache: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	var entry cachedProfile
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is a miss; the next fetch overwrites it.
		return nil, false, nil
	}
	if pc.now().Sub(entry.CachedAt) >= tier.TTL() {
		return nil, false, nil
	}

	return &models.FetchResult{
		Profile:     entry.Payload,
		ScraperUsed: entry.ScraperUsed,
		CacheHit:    true,
		CachedAt:    entry.CachedAt,
	}, true, nil
}

// Set stores a profile stamped with the current time.
func (pc *ProfileCache) Set(ctx context.Context, subject string, result *models.FetchResult) error {
	entry := cachedProfile{
		Payload:     result.Profile,
		ScraperUsed: result.ScraperUsed,
		CachedAt:    pc.now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := pc.cache.Set(ctx, cache.ProfileKey(subject), raw, retention); err != nil {
		return fmt.Errorf("write profile cache: %w", err)
	}
	return nil
}
