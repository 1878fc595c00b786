package fetch

import (
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/leadscout/internal/config"
)

// Provider is one entry of the fallback chain.
type Provider struct {
	Name       string
	Actor      string
	BuildInput func(subject string, postLimit int) map[string]any
	Fields     FieldMap
	Timeout    time.Duration
	// MaxRetries is the number of extra attempts after the first.
	MaxRetries int
	RetryDelay time.Duration
}

// ProvidersFromConfig builds the chain in the configured priority order.
// Actors whose name mentions "profile" speak the profile dialect; the rest
// are scraped for posts.
func ProvidersFromConfig(cfg config.ScraperConfig) []Provider {
	providers := make([]Provider, 0, len(cfg.Actors))
	for _, actor := range cfg.Actors {
		p := Provider{
			Name:       actorName(actor),
			Actor:      actor,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
		}
		if strings.Contains(actor, "profile") {
			p.BuildInput = profileInput
			p.Fields = ProfileFields
		} else {
			p.BuildInput = postsInput
			p.Fields = PostFields
		}
		providers = append(providers, p)
	}
	return providers
}

// actorName strips the owner prefix from an actor id ("apify~instagram-scraper").
func actorName(actor string) string {
	if i := strings.LastIndexAny(actor, "~/"); i >= 0 {
		return actor[i+1:]
	}
	return actor
}

func profileInput(subject string, postLimit int) map[string]any {
	return map[string]any{
		"usernames":    []string{subject},
		"resultsLimit": postLimit,
	}
}

func postsInput(subject string, postLimit int) map[string]any {
	return map[string]any{
		"directUrls":   []string{fmt.Sprintf("https://www.instagram.com/%s/", subject)},
		"resultsType":  "posts",
		"resultsLimit": postLimit,
	}
}
