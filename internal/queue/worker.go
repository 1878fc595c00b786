package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. *pipeline.Orchestrator implements it.
type Handler interface {
	Run(ctx context.Context, jobID uuid.UUID) error
	// Abandon is called once the queue has dead-lettered a job and will not
	// deliver it again.
	Abandon(ctx context.Context, jobID uuid.UUID, reason string) error
}

// Broker is the queue side of a Worker. *Queue implements it.
type Broker interface {
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	Extend(ctx context.Context, d *Delivery) error
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery) (bool, error)
	Release(ctx context.Context, d *Delivery) error
	Reap(ctx context.Context) (Reaped, error)
}

// Worker pulls jobs off a Broker and hands them to a Handler.
type Worker struct {
	broker      Broker
	handler     Handler
	logger      *slog.Logger
	concurrency int
	pollWait    time.Duration
	heartbeat   time.Duration
	reapEvery   time.Duration
	errBackoff  time.Duration
}

type WorkerOption func(*Worker)

func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithPollWait(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.pollWait = d
	}
}

// WithHeartbeat sets how often a running job's lease is extended. It should
// be well under the queue's visibility timeout.
func WithHeartbeat(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.heartbeat = d
	}
}

func WithReapInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.reapEvery = d
	}
}

func NewWorker(b Broker, h Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		broker:      b,
		handler:     h,
		logger:      slog.Default(),
		concurrency: 4,
		pollWait:    5 * time.Second,
		heartbeat:   time.Minute,
		reapEvery:   30 * time.Second,
		errBackoff:  time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker")
	return w
}

// Run blocks until ctx is cancelled. Jobs in flight at that point are
// released back to the queue rather than failed.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		slot := i
		g.Go(func() error {
			w.loop(ctx, slot)
			return nil
		})
	}
	g.Go(func() error {
		w.reapLoop(ctx)
		return nil
	})
	w.logger.Info("worker started", "concurrency", w.concurrency)
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) {
	logger := w.logger.With("slot", slot)
	for ctx.Err() == nil {
		d, err := w.broker.Dequeue(ctx, w.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "error", err)
			sleep(ctx, w.errBackoff)
			continue
		}
		if d == nil {
			continue
		}
		w.process(ctx, logger, d)
	}
}

func (w *Worker) process(ctx context.Context, logger *slog.Logger, d *Delivery) {
	logger = logger.With("job_id", d.JobID, "attempt", d.Attempt)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.keepLeased(hbCtx, logger, d)

	err := w.handle(ctx, d)
	stopHeartbeat()

	// The run context may already be gone; settle the delivery regardless.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if ackErr := w.broker.Ack(settleCtx, d); ackErr != nil {
			logger.Error("ack failed", "error", ackErr)
		}
	case ctx.Err() != nil:
		logger.Info("releasing job on shutdown", "error", err)
		if relErr := w.broker.Release(settleCtx, d); relErr != nil {
			logger.Error("release failed", "error", relErr)
		}
	default:
		logger.Warn("job run failed", "error", err)
		dead, nackErr := w.broker.Nack(settleCtx, d)
		if nackErr != nil {
			logger.Error("nack failed", "error", nackErr)
			return
		}
		if dead {
			w.abandon(settleCtx, d.JobID, fmt.Sprintf("failed on all %d deliveries", d.Attempt))
		}
	}
}

func (w *Worker) abandon(ctx context.Context, jobID uuid.UUID, reason string) {
	if err := w.handler.Abandon(ctx, jobID, reason); err != nil {
		w.logger.Error("abandoning dead-lettered job failed", "job_id", jobID, "error", err)
		return
	}
	w.logger.Warn("job dead-lettered", "job_id", jobID, "reason", reason)
}

func (w *Worker) handle(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panic", "job_id", d.JobID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Run(ctx, d.JobID)
}

func (w *Worker) keepLeased(ctx context.Context, logger *slog.Logger, d *Delivery) {
	if w.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.broker.Extend(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("lease extension failed", "error", err)
			}
		}
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	if w.reapEvery <= 0 {
		return
	}
	ticker := time.NewTicker(w.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := w.broker.Reap(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("reaping expired leases failed", "error", err)
			}
			if reaped.Requeued > 0 {
				w.logger.Info("requeued expired jobs", "count", reaped.Requeued)
			}
			for _, id := range reaped.Dead {
				abandonCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				w.abandon(abandonCtx, id, "lease expired on the last delivery")
				cancel()
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
