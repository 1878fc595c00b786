package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/cache"
	"github.com/kiranshivaraju/leadscout/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })
	return rc.Client()
}

func newQueue(t *testing.T, visibility time.Duration, maxDeliveries int) *queue.Queue {
	t.Helper()
	return queue.New(setupRedis(t), "test", visibility, maxDeliveries, nil)
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	q := newQueue(t, time.Minute, 3)

	first, second := uuid.New(), uuid.New()
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, first, d.JobID, "jobs come out in submission order")
	assert.Equal(t, 1, d.Attempt)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Pending: 1, Processing: 1}, stats)

	require.NoError(t, q.Ack(ctx, d))

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Pending: 1}, stats)
}

func TestQueue_DequeueEmptyTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := newQueue(t, time.Minute, 3)

	d, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestQueue_NackRedeliversThenDeadLetters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	q := newQueue(t, time.Minute, 2)
	jobID := uuid.New()
	require.NoError(t, q.Enqueue(ctx, jobID))

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	dead, err := q.Nack(ctx, d)
	require.NoError(t, err)
	assert.False(t, dead)

	d, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Attempt)

	dead, err = q.Nack(ctx, d)
	require.NoError(t, err)
	assert.True(t, dead)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Dead: 1}, stats)
}

func TestQueue_ReleaseDoesNotCountDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	q := newQueue(t, time.Minute, 3)
	require.NoError(t, q.Enqueue(ctx, uuid.New()))

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, d))

	d, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Attempt)
}

func TestQueue_ReapRequeuesExpiredLease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	q := newQueue(t, 100*time.Millisecond, 3)
	jobID := uuid.New()
	require.NoError(t, q.Enqueue(ctx, jobID))

	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	reaped, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped.Requeued, "lease still live")

	time.Sleep(250 * time.Millisecond)
	reaped, err = q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped.Requeued)
	assert.Empty(t, reaped.Dead)

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, jobID, d.JobID)
	assert.Equal(t, 2, d.Attempt)
}

func TestQueue_ExtendKeepsLeaseAlive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	q := newQueue(t, 300*time.Millisecond, 3)
	require.NoError(t, q.Enqueue(ctx, uuid.New()))

	d, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, q.Extend(ctx, d))
	time.Sleep(200 * time.Millisecond)

	reaped, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Reaped{}, reaped)
}

func TestQueue_ReapDeadLettersExhaustedJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	q := newQueue(t, 50*time.Millisecond, 1)
	jobID := uuid.New()
	require.NoError(t, q.Enqueue(ctx, jobID))

	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	reaped, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped.Requeued)
	assert.Equal(t, []uuid.UUID{jobID}, reaped.Dead)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Dead: 1}, stats)
}
