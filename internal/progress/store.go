package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/cache"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// Store is where snapshots are shared between processes. *cache.RedisCache
// implements it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Swap atomically replaces an existing key with fn(old), keeping its TTL.
	Swap(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) (bool, error)
}

// snapshotStore holds the authoritative snapshot of each job. Actors only
// cache it: every change is a compare-and-set against the stored copy, so a
// job finished by one process cannot be reopened by another. Entries live
// until ttl after initialization.
type snapshotStore struct {
	cache Store
	ttl   time.Duration
	now   func() time.Time
}

func (s *snapshotStore) remaining(snap models.Snapshot) time.Duration {
	return s.ttl - s.now().Sub(snap.InitializedAt)
}

// create writes the initial snapshot unless one already exists.
func (s *snapshotStore) create(ctx context.Context, snap models.Snapshot) (bool, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	ok, err := s.cache.SetNX(ctx, cache.ProgressKey(snap.JobID), raw, s.ttl)
	if err != nil {
		return false, fmt.Errorf("create snapshot: %w", err)
	}
	return ok, nil
}

// swap applies fn to the stored snapshot and bumps its version. If fn
// refuses with ErrTerminal, the stored snapshot is returned alongside it.
func (s *snapshotStore) swap(ctx context.Context, jobID uuid.UUID, fn func(*models.Snapshot) error) (models.Snapshot, error) {
	var out models.Snapshot
	found, err := s.cache.Swap(ctx, cache.ProgressKey(jobID), func(old []byte) ([]byte, error) {
		var snap models.Snapshot
		if err := json.Unmarshal(old, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = snap
		if s.remaining(snap) <= 0 {
			return nil, ErrNotFound
		}
		if err := fn(&snap); err != nil {
			return nil, err
		}
		snap.Version++
		out = snap
		return json.Marshal(snap)
	})
	switch {
	case errors.Is(err, ErrTerminal):
		return out, ErrTerminal
	case errors.Is(err, ErrNotFound), err == nil && !found:
		return models.Snapshot{}, ErrNotFound
	case err != nil:
		return models.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return out, nil
}

func (s *snapshotStore) load(ctx context.Context, jobID uuid.UUID) (models.Snapshot, error) {
	raw, found, err := s.cache.Get(ctx, cache.ProgressKey(jobID))
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	if !found {
		return models.Snapshot{}, ErrNotFound
	}

	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.remaining(snap) <= 0 {
		return models.Snapshot{}, ErrNotFound
	}
	return snap, nil
}
