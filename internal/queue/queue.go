// Package queue is an at-least-once job queue on Redis. A delivered job stays
// leased until it is acked; an expired lease puts it back on the queue, and a
// job delivered too many times is moved to a dead-letter list.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/cache"
	"github.com/redis/go-redis/v9"
)

// Delivery is one leased job.
type Delivery struct {
	JobID   uuid.UUID
	Attempt int
}

type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

type Queue struct {
	client        *redis.Client
	visibility    time.Duration
	maxDeliveries int
	logger        *slog.Logger
	now           func() time.Time

	pending    string
	processing string
	leases     string
	deliveries string
	dead       string
}

func New(client *redis.Client, name string, visibility time.Duration, maxDeliveries int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		client:        client,
		visibility:    visibility,
		maxDeliveries: maxDeliveries,
		logger:        logger.With("component", "queue", "queue", name),
		now:           time.Now,
		pending:       cache.QueueKey(name, "pending"),
		processing:    cache.QueueKey(name, "processing"),
		leases:        cache.QueueKey(name, "leases"),
		deliveries:    cache.QueueKey(name, "deliveries"),
		dead:          cache.QueueKey(name, "dead"),
	}
}

func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	if err := q.client.LPush(ctx, q.pending, jobID.String()).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// Dequeue waits up to wait for a job and leases it for the visibility
// timeout. It returns nil, nil when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	jobID, err := uuid.Parse(raw)
	if err != nil {
		q.logger.Error("dropping malformed queue entry", "entry", raw, "error", err)
		q.client.LRem(ctx, q.processing, 1, raw)
		return nil, nil
	}

	var attempts *redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.leases, redis.Z{Score: q.deadline(), Member: raw})
		attempts = pipe.HIncrBy(ctx, q.deliveries, raw, 1)
		return nil
	})
	if err != nil {
		// The entry stays in processing without a lease; Reap cannot see
		// it, so put it straight back.
		q.client.LRem(ctx, q.processing, 1, raw)
		q.client.RPush(ctx, q.pending, raw)
		return nil, fmt.Errorf("lease %s: %w", raw, err)
	}
	return &Delivery{JobID: jobID, Attempt: int(attempts.Val())}, nil
}

// Extend pushes the lease deadline out by another visibility timeout.
func (q *Queue) Extend(ctx context.Context, d *Delivery) error {
	return q.client.ZAddXX(ctx, q.leases, redis.Z{Score: q.deadline(), Member: d.JobID.String()}).Err()
}

// Ack removes a finished job from the queue for good.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	id := d.JobID.String()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, id)
		pipe.ZRem(ctx, q.leases, id)
		pipe.HDel(ctx, q.deliveries, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Nack returns a job for another delivery, or dead-letters it once it has
// been delivered maxDeliveries times. It reports whether the job was dead-lettered.
func (q *Queue) Nack(ctx context.Context, d *Delivery) (bool, error) {
	dead := d.Attempt >= q.maxDeliveries
	if err := q.requeue(ctx, d.JobID.String(), dead, false); err != nil {
		return false, fmt.Errorf("nack %s: %w", d.JobID, err)
	}
	if dead {
		q.logger.Error("job dead-lettered", "job_id", d.JobID, "attempts", d.Attempt)
	}
	return dead, nil
}

// Release returns a job without counting the delivery, for a worker that
// is shutting down before it could finish.
func (q *Queue) Release(ctx context.Context, d *Delivery) error {
	if err := q.requeue(ctx, d.JobID.String(), false, true); err != nil {
		return fmt.Errorf("release %s: %w", d.JobID, err)
	}
	return nil
}

func (q *Queue) requeue(ctx context.Context, id string, dead, uncount bool) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, id)
		pipe.ZRem(ctx, q.leases, id)
		switch {
		case dead:
			pipe.HDel(ctx, q.deliveries, id)
			pipe.LPush(ctx, q.dead, id)
		case uncount:
			pipe.HIncrBy(ctx, q.deliveries, id, -1)
			pipe.RPush(ctx, q.pending, id)
		default:
			pipe.LPush(ctx, q.pending, id)
		}
		return nil
	})
	return err
}

// Reaped reports one pass of Reap.
type Reaped struct {
	Requeued int
	// Dead lists jobs moved to the dead-letter list because their lease
	// expired on the last allowed delivery.
	Dead []uuid.UUID
}

// Reap requeues jobs whose lease expired, typically because their worker
// died. Only the caller that removes a lease requeues its job.
func (q *Queue) Reap(ctx context.Context) (Reaped, error) {
	var out Reaped
	expired, err := q.client.ZRangeByScore(ctx, q.leases, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return out, fmt.Errorf("scan leases: %w", err)
	}

	for _, id := range expired {
		removed, err := q.client.ZRem(ctx, q.leases, id).Result()
		if err != nil {
			return out, fmt.Errorf("reap %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}

		attempts, err := q.client.HGet(ctx, q.deliveries, id).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("reap %s: %w", id, err)
		}
		dead := attempts >= q.maxDeliveries
		if err := q.requeue(ctx, id, dead, false); err != nil {
			return out, fmt.Errorf("reap %s: %w", id, err)
		}
		q.logger.Warn("lease expired, job requeued", "job_id", id, "attempts", attempts, "dead_lettered", dead)
		if !dead {
			out.Requeued++
			continue
		}
		if jobID, err := uuid.Parse(id); err == nil {
			out.Dead = append(out.Dead, jobID)
		}
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var pending, processing, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.LLen(ctx, q.pending)
		processing = pipe.LLen(ctx, q.processing)
		dead = pipe.LLen(ctx, q.dead)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Pending: pending.Val(), Processing: processing.Val(), Dead: dead.Val()}, nil
}

func (q *Queue) deadline() float64 {
	return float64(q.now().Add(q.visibility).UnixMilli())
}
