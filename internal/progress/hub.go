// Package progress holds the live state of running jobs. The stored snapshot
// is authoritative; each process keeps one Actor per job it is serving that
// applies changes to the store and fans them out to local subscribers. With
// a Bus, changes made in one process reach subscribers in every other.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultIdleAfter  = 10 * time.Minute
	DefaultBufferSize = 32
)

type Hub struct {
	store      *snapshotStore
	bus        Bus
	logger     *slog.Logger
	now        func() time.Time
	idleAfter  time.Duration
	bufferSize int

	mu     sync.Mutex
	actors map[uuid.UUID]*Actor
	closed bool
}

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithTTL sets how long a snapshot lives after initialization.
func WithTTL(ttl time.Duration) Option {
	return func(h *Hub) { h.store.ttl = ttl }
}

// WithIdleAfter sets how long an actor without subscribers stays in memory
// after its last command. Zero disables suspension.
func WithIdleAfter(d time.Duration) Option {
	return func(h *Hub) { h.idleAfter = d }
}

func WithBufferSize(n int) Option {
	return func(h *Hub) { h.bufferSize = n }
}

// WithBus relays every stored change to other processes, and theirs to
// this one once Listen is running.
func WithBus(b Bus) Option {
	return func(h *Hub) { h.bus = b }
}

func NewHub(s Store, opts ...Option) *Hub {
	h := &Hub{
		store:      &snapshotStore{cache: s, ttl: DefaultTTL},
		logger:     slog.Default(),
		now:        time.Now,
		idleAfter:  DefaultIdleAfter,
		bufferSize: DefaultBufferSize,
		actors:     make(map[uuid.UUID]*Actor),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.store.now = h.now
	h.logger = h.logger.With("component", "progress")
	return h
}

// Initialize creates the snapshot of a new job at 0% pending.
func (h *Hub) Initialize(ctx context.Context, jobID, accountID uuid.UUID) (models.Snapshot, error) {
	now := h.now().UTC()
	snap := models.Snapshot{
		JobID:         jobID,
		AccountID:     accountID,
		Status:        models.JobStatusPending,
		InitializedAt: now,
		UpdatedAt:     now,
		Version:       1,
	}

	h.mu.Lock()
	_, exists := h.actors[jobID]
	h.mu.Unlock()
	if exists {
		return models.Snapshot{}, ErrAlreadyInitialized
	}

	created, err := h.store.create(ctx, snap)
	if err != nil {
		return models.Snapshot{}, err
	}
	if !created {
		return models.Snapshot{}, ErrAlreadyInitialized
	}

	if _, err := h.register(snap); err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

// Read returns the stored snapshot. Jobs that were never initialized or
// whose snapshot expired return ErrNotFound. If the store cannot be reached,
// a locally held snapshot is served instead.
func (h *Hub) Read(ctx context.Context, jobID uuid.UUID) (models.Snapshot, error) {
	stored, err := h.store.load(ctx, jobID)
	a := h.lookup(jobID)
	switch {
	case a == nil, errors.Is(err, ErrNotFound):
		return stored, err
	case err != nil:
		snap, serr := a.snapshot()
		if serr != nil {
			return models.Snapshot{}, err
		}
		h.logger.Warn("serving local progress snapshot", "job_id", jobID, "error", err)
		return snap, nil
	}

	if snap, err := a.sync(stored); err == nil {
		return snap, nil
	}
	return stored, nil
}

// Update records progress. Progress never decreases; an empty status means processing.
func (h *Hub) Update(ctx context.Context, jobID uuid.UUID, progress int, step, status string) error {
	err := h.withActor(ctx, jobID, func(a *Actor) error {
		return a.update(progress, step, status)
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotInitialized, jobID)
	}
	return err
}

func (h *Hub) Complete(ctx context.Context, jobID uuid.UUID, result models.JobResult) error {
	return h.finish(ctx, jobID, models.JobStatusComplete, &result, "")
}

func (h *Hub) Fail(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	return h.finish(ctx, jobID, models.JobStatusFailed, nil, errMsg)
}

func (h *Hub) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return h.finish(ctx, jobID, models.JobStatusCancelled, nil, "")
}

func (h *Hub) finish(ctx context.Context, jobID uuid.UUID, status string, result *models.JobResult, errMsg string) error {
	err := h.withActor(ctx, jobID, func(a *Actor) error {
		return a.finish(status, result, errMsg)
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotInitialized, jobID)
	}
	return err
}

// Subscribe attaches an observer. The first event is always EventReady with
// the current snapshot; a terminal job also gets its terminal event, after
// which the channel closes.
func (h *Hub) Subscribe(ctx context.Context, jobID uuid.UUID) (*Subscription, error) {
	var sub *Subscription
	err := h.withActor(ctx, jobID, func(a *Actor) error {
		// A suspended-then-resumed or long-lived actor may lag the store.
		if stored, err := h.store.load(ctx, jobID); err == nil {
			if _, err := a.sync(stored); err != nil {
				return err
			}
		}
		var err error
		sub, err = a.subscribe()
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close stops every actor and closes their subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	actors := make([]*Actor, 0, len(h.actors))
	for _, a := range h.actors {
		actors = append(actors, a)
	}
	h.mu.Unlock()

	for _, a := range actors {
		a.stop()
		<-a.done
	}
}

// withActor runs fn against the job's actor, rehydrating it from the store
// if this process does not hold it or it stopped in between.
func (h *Hub) withActor(ctx context.Context, jobID uuid.UUID, fn func(*Actor) error) error {
	for range 2 {
		a, err := h.actor(ctx, jobID)
		if err != nil {
			return err
		}
		if err := fn(a); !errors.Is(err, errStopped) {
			return err
		}
	}
	return ErrNotFound
}

func (h *Hub) lookup(jobID uuid.UUID) *Actor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.actors[jobID]
}

func (h *Hub) actor(ctx context.Context, jobID uuid.UUID) (*Actor, error) {
	if a := h.lookup(jobID); a != nil {
		return a, nil
	}

	snap, err := h.store.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("rehydrating progress actor", "job_id", jobID)
	return h.register(snap)
}

// register starts an actor for snap unless one is already running.
func (h *Hub) register(snap models.Snapshot) (*Actor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("progress hub closed")
	}
	if a, ok := h.actors[snap.JobID]; ok {
		return a, nil
	}
	a := startActor(snap, h)
	h.actors[snap.JobID] = a
	return a, nil
}

func (h *Hub) forget(a *Actor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.actors[a.jobID] == a {
		delete(h.actors, a.jobID)
	}
}

// Listen relays events published by other processes to this hub's
// subscribers until ctx is done. It returns once the relay is subscribed;
// without a bus it does nothing.
func (h *Hub) Listen(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Listen(ctx, h.forward)
}

// forward hands a relayed event to the job's actor, if this process holds
// one. Jobs nobody here is watching are not rehydrated.
func (h *Hub) forward(ev Event) {
	a := h.lookup(ev.Snapshot.JobID)
	if a == nil {
		return
	}
	_, _ = a.sync(ev.Snapshot)
}

func (h *Hub) publish(ev Event) {
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := h.bus.Publish(ctx, ev); err != nil {
		h.logger.Warn("failed to relay progress event", "job_id", ev.Snapshot.JobID, "event", ev.Type, "error", err)
	}
}
