package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/ai/mock"
	"github.com/kiranshivaraju/leadscout/internal/pipeline"
	"github.com/kiranshivaraju/leadscout/internal/progress"
	"github.com/kiranshivaraju/leadscout/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_NikeHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	jobID := h.submitAndRun(t, "@Nike")

	job := h.store.job(jobID)
	assert.Equal(t, "nike", job.SubjectID)
	assert.Equal(t, models.JobStatusComplete, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, 82, job.Result.Score)
	assert.NotEmpty(t, job.Result.Summary)
	assert.Equal(t, "instagram-profile-scraper", job.Result.ScraperUsed)
	assert.False(t, job.Result.CacheHit)
	assert.Equal(t, 1, job.CreditsReserved)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.ErrorMessage)

	txs := h.store.transactions(jobID)
	assert.Equal(t, []int{-1}, txs[models.TransactionReservation])
	assert.Empty(t, txs[models.TransactionRefund])
	assert.Equal(t, 9, h.store.balance(h.account))

	snap, err := h.hub.Read(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, snap.Status)
	assert.Equal(t, 100, snap.Progress)

	lead := h.store.leads[h.account.String()+"/nike"]
	require.NotNil(t, lead)
	assert.Equal(t, 82, lead.LastScore)
	assert.Equal(t, jobID, *lead.LastJobID)

	metrics := h.store.metrics[jobID]
	require.NotNil(t, metrics)
	assert.Equal(t, 1, metrics.GenAttempts)
	assert.Equal(t, 1, metrics.CreditsCharged)
	assert.Equal(t, "instagram-profile-scraper", metrics.ScraperUsed)
}

func TestRun_TripleMalformedGenerationRefunds(t *testing.T) {
	h := newHarness(t, withProvider(mock.NewScriptedProvider(`{"score": `)))
	ctx := context.Background()

	jobID := h.submitAndRun(t, "nike")

	job := h.store.job(jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "schema_validation")
	assert.Contains(t, *job.ErrorMessage, "after 3 attempts")
	assert.Nil(t, job.Result)
	assert.Len(t, h.provider.Requests(), 3)

	txs := h.store.transactions(jobID)
	assert.Equal(t, []int{-1}, txs[models.TransactionReservation])
	assert.Equal(t, []int{1}, txs[models.TransactionRefund])
	assert.Equal(t, 10, h.store.balance(h.account))

	snap, err := h.hub.Read(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, snap.Status)
	assert.Equal(t, 65, snap.Progress)
	assert.Equal(t, *job.ErrorMessage, snap.ErrorMessage)
}

func TestRun_SubscriberSeesMonotonicProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, h.account, "nike", models.JobTypeStandard)
	require.NoError(t, err)
	sub, err := h.svc.Subscribe(ctx, h.account, job.ID)
	require.NoError(t, err)

	require.NoError(t, h.orch.Run(ctx, job.ID))

	var events []progress.Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, progress.EventReady, events[0].Type)
	assert.Equal(t, progress.EventComplete, events[len(events)-1].Type)

	last := -1
	var steps []string
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Snapshot.Progress, last)
		last = ev.Snapshot.Progress
		if ev.Type == progress.EventProgress {
			steps = append(steps, ev.Snapshot.CurrentStep)
		}
	}
	assert.Equal(t, 100, last)
	assert.Equal(t, []string{
		pipeline.StepDuplicateCheck, pipeline.StepReserveCredits, pipeline.StepLoadContext,
		pipeline.StepCacheLookup, pipeline.StepFetchProfile, pipeline.StepGenerate,
		pipeline.StepPersistLead, pipeline.StepPersistResult, pipeline.StepMarkComplete,
	}, steps)
}

func TestRun_CacheHitSkipsFetch(t *testing.T) {
	h := newHarness(t)

	first := h.submitAndRun(t, "nike")
	second := h.submitAndRun(t, "NIKE")

	assert.Equal(t, 1, h.fetcher.callCount())
	job := h.store.job(second)
	assert.Equal(t, models.JobStatusComplete, job.Status)
	assert.True(t, job.Result.CacheHit)
	assert.Equal(t, "instagram-profile-scraper", job.Result.ScraperUsed)
	assert.False(t, h.store.job(first).Result.CacheHit)
}

func TestRun_CacheSharedAcrossAccounts(t *testing.T) {
	h := newHarness(t)
	h.submitAndRun(t, "nike")

	other := uuid.New()
	h.store.balances[other] = 5
	h.store.contexts[other] = &models.BusinessContext{AccountID: other, BusinessName: "Other Co"}

	job, err := h.svc.Submit(context.Background(), other, "nike", models.JobTypeQuick)
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	assert.Equal(t, 1, h.fetcher.callCount())
	assert.True(t, h.store.job(job.ID).Result.CacheHit)
}

func TestRun_FreshEntryServesFinestTier(t *testing.T) {
	h := newHarness(t)
	h.submitAndRun(t, "nike")

	job, err := h.svc.Submit(context.Background(), h.account, "nike", models.JobTypeDeep)
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	assert.Equal(t, 1, h.fetcher.callCount())
	assert.Equal(t, []int{-5}, h.store.transactions(job.ID)[models.TransactionReservation])
}

func TestRun_ProviderPermanentFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.fetcher.outcomes = []fetchOutcome{{err: permanentErr("profile is private")}}

	jobID := h.submitAndRun(t, "secret.account")

	job := h.store.job(jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "provider_permanent")
	assert.Equal(t, 1, h.fetcher.callCount())
	assert.Equal(t, []int{1}, h.store.transactions(jobID)[models.TransactionRefund])
	assert.Empty(t, h.provider.Requests())
}

func TestRun_TransientFetchRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.fetcher.outcomes = []fetchOutcome{
		{err: transientErr("all providers timed out")},
		{res: profileResult()},
	}

	jobID := h.submitAndRun(t, "nike")

	assert.Equal(t, models.JobStatusComplete, h.store.job(jobID).Status)
	assert.Equal(t, 2, h.fetcher.callCount())
}

func TestRun_TransientFetchExhausted(t *testing.T) {
	h := newHarness(t)
	h.fetcher.outcomes = []fetchOutcome{{err: transientErr("upstream 503")}}

	jobID := h.submitAndRun(t, "nike")

	job := h.store.job(jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "provider_transient")
	assert.Contains(t, *job.ErrorMessage, "upstream 503")
	assert.Equal(t, 2, h.fetcher.callCount())
	assert.Equal(t, 10, h.store.balance(h.account))
}

func TestRun_MissingBusinessContext(t *testing.T) {
	h := newHarness(t)
	delete(h.store.contexts, h.account)

	jobID := h.submitAndRun(t, "nike")

	job := h.store.job(jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "not_found")
	assert.Equal(t, pipeline.StepLoadContext, job.CurrentStep)
	assert.Equal(t, []int{1}, h.store.transactions(jobID)[models.TransactionRefund])
	assert.Equal(t, 0, h.fetcher.callCount())
}

func TestRun_InsufficientCreditsAtReservation(t *testing.T) {
	h := newHarness(t)
	job, err := h.svc.Submit(context.Background(), h.account, "nike", models.JobTypeQuick)
	require.NoError(t, err)

	h.store.balances[h.account] = 0
	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	got := h.store.job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, "payment_required")
	assert.Empty(t, h.store.transactions(job.ID))
	assert.Equal(t, 0, got.CreditsReserved)
}

func TestRun_ReservationCommittedDespiteErrorIsRefunded(t *testing.T) {
	h := newHarness(t, withCredits(func(c pipeline.Credits) pipeline.Credits { return lostCommit{Credits: c} }))

	jobID := h.submitAndRun(t, "nike")

	job := h.store.job(jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "connection reset")
	assert.Equal(t, []int{-1}, h.store.transactions(jobID)[models.TransactionReservation])
	assert.Equal(t, []int{1}, h.store.transactions(jobID)[models.TransactionRefund])
	assert.Equal(t, 10, h.store.balance(h.account))
}

func TestRun_RefundFailureStillMarksFailed(t *testing.T) {
	h := newHarness(t, withProvider(mock.NewScriptedProvider("nope")))
	h.store.creditErr = errors.New("connection reset")

	jobID := h.submitAndRun(t, "nike")

	assert.Equal(t, models.JobStatusFailed, h.store.job(jobID).Status)
	assert.Equal(t, 3, h.store.credits)
	assert.Empty(t, h.store.transactions(jobID)[models.TransactionRefund])
}

func TestRun_PanicIsCompensated(t *testing.T) {
	h := newHarness(t, withScorer(panickingScorer{}))

	jobID := h.submitAndRun(t, "nike")

	job := h.store.job(jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "internal")
	assert.Contains(t, *job.ErrorMessage, "panic in generate")
	assert.Equal(t, 10, h.store.balance(h.account))
}

func TestRun_MetricsFailureIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.store.metricErr = errors.New("job_metrics: relation does not exist")

	jobID := h.submitAndRun(t, "nike")
	assert.Equal(t, models.JobStatusComplete, h.store.job(jobID).Status)
}

func TestRun_CancelledBeforePickup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, h.account, "nike", models.JobTypeQuick)
	require.NoError(t, err)
	require.NoError(t, h.svc.Cancel(ctx, h.account, job.ID))

	require.NoError(t, h.orch.Run(ctx, job.ID))

	assert.Equal(t, models.JobStatusCancelled, h.store.job(job.ID).Status)
	assert.Empty(t, h.store.transactions(job.ID))
	assert.Equal(t, 0, h.fetcher.callCount())
}

func TestRun_CancelledMidRunRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, h.account, "nike", models.JobTypeQuick)
	require.NoError(t, err)
	h.fetcher.onFetch = func() {
		require.NoError(t, h.svc.Cancel(ctx, h.account, job.ID))
	}

	require.NoError(t, h.orch.Run(ctx, job.ID))

	got := h.store.job(job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Nil(t, got.Result)
	assert.Empty(t, h.provider.Requests(), "generation must not start after cancel")

	txs := h.store.transactions(job.ID)
	assert.Equal(t, []int{-1}, txs[models.TransactionReservation])
	assert.Equal(t, []int{1}, txs[models.TransactionRefund])

	snap, err := h.hub.Read(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, snap.Status)
}

func TestRun_RedeliveredTerminalJobIsNoop(t *testing.T) {
	h := newHarness(t)
	jobID := h.submitAndRun(t, "nike")

	require.NoError(t, h.orch.Run(context.Background(), jobID))

	assert.Equal(t, 1, h.fetcher.callCount())
	assert.Len(t, h.provider.Requests(), 1)
	assert.Equal(t, []int{-1}, h.store.transactions(jobID)[models.TransactionReservation])
}

func TestRun_RedeliveredFailedJobRefundsOnce(t *testing.T) {
	h := newHarness(t, withProvider(mock.NewScriptedProvider("garbage")))
	jobID := h.submitAndRun(t, "nike")

	require.NoError(t, h.orch.Run(context.Background(), jobID))
	require.NoError(t, h.orch.Run(context.Background(), jobID))

	assert.Equal(t, []int{1}, h.store.transactions(jobID)[models.TransactionRefund])
	assert.Equal(t, 10, h.store.balance(h.account))
}

func TestRun_ResumeDoesNotDebitTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, h.account, "nike", models.JobTypeQuick)
	require.NoError(t, err)

	// Simulate a worker that crashed after reserving credits.
	require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing))
	require.NoError(t, h.store.Debit(ctx, h.account, 1, job.ID))

	require.NoError(t, h.orch.Run(ctx, job.ID))

	assert.Equal(t, models.JobStatusComplete, h.store.job(job.ID).Status)
	assert.Equal(t, []int{-1}, h.store.transactions(job.ID)[models.TransactionReservation])
	assert.Equal(t, 9, h.store.balance(h.account))
}

func TestRun_ShutdownLeavesJobForRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	job, err := h.svc.Submit(ctx, h.account, "nike", models.JobTypeQuick)
	require.NoError(t, err)
	h.fetcher.outcomes = []fetchOutcome{{err: transientErr("timeout")}}
	h.fetcher.onFetch = cancel

	err = h.orch.Run(ctx, job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	got := h.store.job(job.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Empty(t, h.store.transactions(job.ID)[models.TransactionRefund])
}

func TestRun_UnknownJob(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.orch.Run(context.Background(), uuid.New()))
}

func TestAbandon_InFlightJobIsCompensated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, h.account, "nike", models.JobTypeQuick)
	require.NoError(t, err)

	// A worker reserved credits and then stopped heartbeating.
	require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing))
	require.NoError(t, h.store.Debit(ctx, h.account, 1, job.ID))
	require.Equal(t, 9, h.store.balance(h.account))

	require.NoError(t, h.orch.Abandon(ctx, job.ID, "lease expired on the last delivery"))

	got := h.store.job(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, "abandoned")
	assert.Contains(t, *got.ErrorMessage, "lease expired")
	assert.Equal(t, []int{1}, h.store.transactions(job.ID)[models.TransactionRefund])
	assert.Equal(t, 10, h.store.balance(h.account))

	snap, err := h.hub.Read(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, snap.Status)

	// The subject slot is free again.
	_, err = h.svc.Submit(ctx, h.account, "nike", models.JobTypeQuick)
	assert.NoError(t, err)
}

func TestAbandon_PendingJobIsFailedWithoutRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, h.account, "nike", models.JobTypeQuick)
	require.NoError(t, err)

	require.NoError(t, h.orch.Abandon(ctx, job.ID, "failed on all 3 deliveries"))

	assert.Equal(t, models.JobStatusFailed, h.store.job(job.ID).Status)
	assert.Empty(t, h.store.transactions(job.ID))
	assert.Equal(t, 10, h.store.balance(h.account))
}

func TestAbandon_CompletedJobIsUntouched(t *testing.T) {
	h := newHarness(t)
	jobID := h.submitAndRun(t, "nike")

	require.NoError(t, h.orch.Abandon(context.Background(), jobID, "failed on all 3 deliveries"))

	assert.Equal(t, models.JobStatusComplete, h.store.job(jobID).Status)
	assert.Empty(t, h.store.transactions(jobID)[models.TransactionRefund])
	assert.Equal(t, 9, h.store.balance(h.account))
}

func TestAbandon_UnknownJob(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.orch.Abandon(context.Background(), uuid.New(), "lease expired"))
}
