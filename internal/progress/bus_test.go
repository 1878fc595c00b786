package progress_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/cache"
	"github.com/kiranshivaraju/leadscout/internal/progress"
	"github.com/kiranshivaraju/leadscout/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "redis")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache(endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

// Two hubs stand in for an API replica and a worker replica sharing Redis.
func TestRedisBus_TwoReplicas(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	api := progress.NewHub(rc, progress.WithBus(progress.NewRedisBus(rc.Client(), cache.ProgressChannel, nil)))
	t.Cleanup(api.Close)
	worker := progress.NewHub(rc, progress.WithBus(progress.NewRedisBus(rc.Client(), cache.ProgressChannel, nil)))
	t.Cleanup(worker.Close)
	listen(t, api)
	listen(t, worker)

	t.Run("worker progress reaches api subscribers", func(t *testing.T) {
		jobID := uuid.New()
		_, err := api.Initialize(ctx, jobID, uuid.New())
		require.NoError(t, err)
		sub, err := api.Subscribe(ctx, jobID)
		require.NoError(t, err)
		_, _ = next(t, sub)

		require.NoError(t, worker.Update(ctx, jobID, 40, "fetch_profile", ""))
		ev, _ := next(t, sub)
		assert.Equal(t, progress.EventProgress, ev.Type)
		assert.Equal(t, 40, ev.Snapshot.Progress)

		require.NoError(t, worker.Complete(ctx, jobID, models.JobResult{Score: 82}))
		ev, _ = next(t, sub)
		assert.Equal(t, progress.EventComplete, ev.Type)
		_, ok := next(t, sub)
		assert.False(t, ok)
	})

	t.Run("api cancel stops worker updates", func(t *testing.T) {
		jobID := uuid.New()
		_, err := worker.Initialize(ctx, jobID, uuid.New())
		require.NoError(t, err)
		require.NoError(t, worker.Update(ctx, jobID, 20, "load_context", ""))

		require.NoError(t, api.Cancel(ctx, jobID))

		assert.ErrorIs(t, worker.Update(ctx, jobID, 40, "fetch_profile", ""), progress.ErrTerminal)
		snap, err := worker.Read(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, snap.Status)
	})

	t.Run("swap keeps the snapshot ttl", func(t *testing.T) {
		jobID := uuid.New()
		_, err := api.Initialize(ctx, jobID, uuid.New())
		require.NoError(t, err)
		require.NoError(t, worker.Update(ctx, jobID, 10, "reserve_credits", ""))

		ttl, err := rc.Client().TTL(ctx, cache.ProgressKey(jobID)).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 23*time.Hour)
	})
}
