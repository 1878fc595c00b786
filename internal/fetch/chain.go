package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/leadscout/pkg/models"
	"github.com/sony/gobreaker"
)

// Chain tries providers in priority order. Each provider sits behind its own
// circuit breaker so a failing provider stops costing a round trip per job.
type Chain struct {
	client    ActorClient
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	logger    *slog.Logger
}

func NewChain(client ActorClient, providers []Provider, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{
		client:    client,
		providers: providers,
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(providers)),
		logger:    logger.With("component", "fetch_chain"),
	}
	for _, p := range providers {
		c.breakers[p.Name] = newBreaker(p.Name, c.logger)
	}
	return c
}

func newBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// A subject that does not exist says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrProviderPermanent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	})
}

// Fetch returns the subject's profile from the first provider that succeeds.
// A permanent failure aborts the chain; once every provider is exhausted the
// last transient error is returned.
func (c *Chain) Fetch(ctx context.Context, subject string, postLimit int) (*models.FetchResult, error) {
	start := time.Now()
	lastErr := fmt.Errorf("%w: no providers configured", ErrProviderTransient)

	for _, p := range c.providers {
		profile, err := c.tryProvider(ctx, p, subject, postLimit)
		if err == nil {
			elapsed := time.Since(start)
			c.logger.Info("profile fetched", "subject", subject, "provider", p.Name, "elapsed_ms", elapsed.Milliseconds())
			return &models.FetchResult{
				Profile:     *profile,
				ScraperUsed: p.Name,
				Elapsed:     elapsed,
			}, nil
		}
		if errors.Is(err, ErrProviderPermanent) {
			c.logger.Info("provider reported permanent failure", "subject", subject, "provider", p.Name, "error", err)
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderTransient, ctxErr)
		}
		c.logger.Warn("provider exhausted, falling back", "subject", subject, "provider", p.Name, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

func (c *Chain) tryProvider(ctx context.Context, p Provider, subject string, postLimit int) (*models.ProfileData, error) {
	breaker := c.breakers[p.Name]
	var profile *models.ProfileData

	op := func() error {
		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}

		out, err := breaker.Execute(func() (interface{}, error) {
			items, err := c.client.Run(attemptCtx, p.Actor, p.BuildInput(subject, postLimit))
			if err != nil {
				return nil, err
			}
			return p.Fields.Map(items)
		})
		switch {
		case err == nil:
			profile = out.(*models.ProfileData)
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %s circuit open", ErrProviderTransient, p.Name))
		case errors.Is(err, ErrProviderPermanent):
			return backoff.Permanent(err)
		case !errors.Is(err, ErrProviderTransient):
			return fmt.Errorf("%w: %v", ErrProviderTransient, err)
		default:
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("provider attempt failed", "subject", subject, "provider", p.Name, "error", err, "retry_in", wait)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.RetryDelay), uint64(p.MaxRetries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return profile, nil
}
