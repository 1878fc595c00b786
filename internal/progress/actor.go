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

const persistTimeout = 5 * time.Second

// Actor is the single writer of one job's snapshot. Every mutation, read and
// subscription runs on its goroutine, so updates are applied in arrival order.
type Actor struct {
	jobID  uuid.UUID
	snap   models.Snapshot
	subs   map[*Subscription]struct{}
	store  *snapshotStore
	logger *slog.Logger
	now    func() time.Time

	bufferSize int
	idleAfter  time.Duration
	expiry     *time.Timer
	idle       *time.Timer

	inbox    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	onStop   func(*Actor)
	relay    func(Event)
}

// Subscription delivers a job's events until the job turns terminal, the
// snapshot expires or Close is called.
type Subscription struct {
	events chan Event
	actor  *Actor
}

// Events is closed after the last event.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	_ = s.actor.call(func() error {
		s.actor.unsubscribe(s)
		return nil
	})
}

func startActor(snap models.Snapshot, h *Hub) *Actor {
	a := &Actor{
		jobID:      snap.JobID,
		snap:       snap,
		subs:       make(map[*Subscription]struct{}),
		store:      h.store,
		logger:     h.logger.With("job_id", snap.JobID),
		now:        h.now,
		bufferSize: h.bufferSize,
		idleAfter:  h.idleAfter,
		inbox:      make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		onStop:     h.forget,
		relay:      h.publish,
	}

	a.expiry = time.AfterFunc(a.store.remaining(snap), a.stop)
	if a.idleAfter > 0 {
		a.idle = time.AfterFunc(a.idleAfter, a.checkIdle)
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	for {
		select {
		case fn := <-a.inbox:
			fn()
			if a.idle != nil {
				a.idle.Reset(a.idleAfter)
			}
		case <-a.quit:
			a.expiry.Stop()
			if a.idle != nil {
				a.idle.Stop()
			}
			for sub := range a.subs {
				a.unsubscribe(sub)
			}
			close(a.done)
			a.onStop(a)
			return
		}
	}
}

// call runs fn on the actor goroutine and waits for its result.
func (a *Actor) call(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case a.inbox <- func() { reply <- fn() }:
	case <-a.done:
		return errStopped
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return errStopped
	}
}

func (a *Actor) stop() {
	a.stopOnce.Do(func() { close(a.quit) })
}

// checkIdle suspends an actor nobody is watching. Its snapshot stays in the
// store and is rehydrated on the next access.
func (a *Actor) checkIdle() {
	_ = a.call(func() error {
		if len(a.subs) == 0 {
			a.logger.Debug("suspending idle progress actor")
			a.stop()
		}
		return nil
	})
}

func (a *Actor) snapshot() (models.Snapshot, error) {
	var out models.Snapshot
	err := a.call(func() error {
		out = a.snap
		return nil
	})
	return out, err
}

// sync adopts stored if it is newer than the local copy and returns
// whichever snapshot is current.
func (a *Actor) sync(stored models.Snapshot) (models.Snapshot, error) {
	var out models.Snapshot
	err := a.call(func() error {
		a.adopt(stored)
		out = a.snap
		return nil
	})
	return out, err
}

func (a *Actor) update(progress int, step, status string) error {
	if status == "" {
		status = models.JobStatusProcessing
	}
	if status != models.JobStatusPending && status != models.JobStatusProcessing {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	progress = max(0, min(progress, 100))
	now := a.now().UTC()

	return a.mutate(func(s *models.Snapshot) error {
		if s.Terminal() {
			return ErrTerminal
		}
		s.Progress = max(s.Progress, progress)
		s.CurrentStep = step
		s.Status = status
		s.UpdatedAt = now
		return nil
	})
}

// finish moves the snapshot to a terminal status, broadcasts it and closes
// every live subscription.
func (a *Actor) finish(status string, result *models.JobResult, errMsg string) error {
	now := a.now().UTC()
	return a.mutate(func(s *models.Snapshot) error {
		if s.Terminal() {
			return ErrTerminal
		}
		s.Status = status
		s.Result = result
		s.ErrorMessage = errMsg
		if status == models.JobStatusComplete {
			s.Progress = 100
		}
		s.UpdatedAt = now
		return nil
	})
}

// mutate applies fn to the stored snapshot, then to the local copy. While
// the store is unreachable the change is applied locally only.
func (a *Actor) mutate(fn func(*models.Snapshot) error) error {
	return a.call(func() error {
		if a.snap.Terminal() {
			return ErrTerminal
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		snap, err := a.store.swap(ctx, a.jobID, fn)
		switch {
		case errors.Is(err, ErrTerminal):
			// Finished by another process.
			a.adopt(snap)
			return ErrTerminal
		case errors.Is(err, ErrNotFound):
			a.stop()
			return ErrNotFound
		case err != nil:
			a.logger.Warn("failed to persist progress snapshot", "error", err)
			snap = a.snap
			if err := fn(&snap); err != nil {
				return err
			}
			snap.Version++
			a.emit(snap)
			return nil
		}

		a.emit(snap)
		a.relay(Event{Type: terminalEvent(snap.Status), Snapshot: snap})
		return nil
	})
}

// adopt takes over a snapshot written elsewhere unless the local copy is
// at least as new.
func (a *Actor) adopt(snap models.Snapshot) {
	if snap.Version <= a.snap.Version {
		return
	}
	a.emit(snap)
}

// emit installs snap and tells subscribers. A terminal snapshot closes
// every subscription after its event.
func (a *Actor) emit(snap models.Snapshot) {
	a.snap = snap
	a.broadcast(Event{Type: terminalEvent(snap.Status), Snapshot: snap})
	if snap.Terminal() {
		for sub := range a.subs {
			a.unsubscribe(sub)
		}
	}
}

func (a *Actor) subscribe() (*Subscription, error) {
	var sub *Subscription
	err := a.call(func() error {
		sub = &Subscription{
			events: make(chan Event, max(a.bufferSize, 2)),
			actor:  a,
		}
		sub.events <- Event{Type: EventReady, Snapshot: a.snap}
		if a.snap.Terminal() {
			sub.events <- Event{Type: terminalEvent(a.snap.Status), Snapshot: a.snap}
			close(sub.events)
			return nil
		}
		a.subs[sub] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *Actor) unsubscribe(sub *Subscription) {
	if _, ok := a.subs[sub]; !ok {
		return
	}
	delete(a.subs, sub)
	close(sub.events)
}

// broadcast never blocks the actor: a subscriber that is not keeping up
// misses the event.
func (a *Actor) broadcast(ev Event) {
	for sub := range a.subs {
		select {
		case sub.events <- ev:
		default:
			a.logger.Warn("dropping progress event; subscriber buffer full", "event", ev.Type)
		}
	}
}
