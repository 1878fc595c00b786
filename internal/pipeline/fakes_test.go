package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/ai"
	"github.com/kiranshivaraju/leadscout/internal/ai/mock"
	"github.com/kiranshivaraju/leadscout/internal/fetch"
	"github.com/kiranshivaraju/leadscout/internal/ledger"
	"github.com/kiranshivaraju/leadscout/internal/pipeline"
	"github.com/kiranshivaraju/leadscout/internal/progress"
	"github.com/kiranshivaraju/leadscout/internal/store"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// --- memStore: jobs, balances and ledger rows in memory ---

type memStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	balances  map[uuid.UUID]int
	txs       []models.CreditTransaction
	contexts  map[uuid.UUID]*models.BusinessContext
	leads     map[string]*models.Lead
	metrics   map[uuid.UUID]*models.JobMetrics
	creditErr error
	credits   int
	metricErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[uuid.UUID]*models.Job),
		balances: make(map[uuid.UUID]int),
		contexts: make(map[uuid.UUID]*models.BusinessContext),
		leads:    make(map[string]*models.Lead),
		metrics:  make(map[uuid.UUID]*models.JobMetrics),
	}
}

func (m *memStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.AccountID == job.AccountID && j.SubjectID == job.SubjectID && !models.IsTerminal(j.Status) {
			return store.ErrDuplicateKey
		}
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id, accountID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) GetJobByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) FindActiveJob(_ context.Context, accountID uuid.UUID, subjectID string, excludeID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID != excludeID && j.AccountID == accountID && j.SubjectID == subjectID && !models.IsTerminal(j.Status) {
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	allowed := false
	for _, from := range store.AllowedFrom(status) {
		if j.Status == from {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	u := store.ResolveJobUpdate(opts...)
	j.Status = status
	j.UpdatedAt = time.Now()
	if models.IsTerminal(status) {
		now := time.Now()
		j.CompletedAt = &now
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = u.ErrorMessage
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.CurrentStep != nil {
		j.CurrentStep = *u.CurrentStep
	}
	return nil
}

func (m *memStore) SetJobStep(_ context.Context, id uuid.UUID, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.CurrentStep = step
	return nil
}

func (m *memStore) GetBusinessContext(_ context.Context, accountID uuid.UUID) (*models.BusinessContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bc, ok := m.contexts[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return bc, nil
}

func (m *memStore) UpsertLead(_ context.Context, lead *models.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *lead
	m.leads[lead.AccountID.String()+"/"+lead.SubjectID] = &cp
	return nil
}

func (m *memStore) RecordJobMetrics(_ context.Context, jm *models.JobMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metricErr != nil {
		return m.metricErr
	}
	cp := *jm
	m.metrics[jm.JobID] = &cp
	return nil
}

func (m *memStore) GetBalance(_ context.Context, accountID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[accountID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return b, nil
}

func (m *memStore) Debit(_ context.Context, accountID uuid.UUID, amount int, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.ReferenceID != nil && *tx.ReferenceID == jobID && tx.TransactionType == models.TransactionReservation {
			return store.ErrDuplicateKey
		}
	}
	if m.balances[accountID] < amount {
		return store.ErrInsufficientFunds
	}
	m.balances[accountID] -= amount
	ref := jobID
	m.txs = append(m.txs, models.CreditTransaction{
		ID: uuid.New(), AccountID: accountID, Amount: -amount,
		TransactionType: models.TransactionReservation, ReferenceID: &ref,
	})
	if j, ok := m.jobs[jobID]; ok {
		j.CreditsReserved = amount
	}
	return nil
}

func (m *memStore) Credit(_ context.Context, accountID uuid.UUID, amount int, referenceID *uuid.UUID, txType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits++
	if m.creditErr != nil {
		return m.creditErr
	}
	if referenceID != nil {
		for _, tx := range m.txs {
			if tx.ReferenceID != nil && *tx.ReferenceID == *referenceID && tx.TransactionType == txType {
				return store.ErrDuplicateKey
			}
		}
	}
	if _, ok := m.balances[accountID]; !ok {
		return store.ErrNotFound
	}
	m.balances[accountID] += amount
	m.txs = append(m.txs, models.CreditTransaction{
		ID: uuid.New(), AccountID: accountID, Amount: amount,
		TransactionType: txType, ReferenceID: referenceID,
	})
	return nil
}

func (m *memStore) job(id uuid.UUID) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) balance(accountID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID]
}

// transactions returns the ledger rows for one job, grouped by type.
func (m *memStore) transactions(jobID uuid.UUID) map[string][]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]int)
	for _, tx := range m.txs {
		if tx.ReferenceID != nil && *tx.ReferenceID == jobID {
			out[tx.TransactionType] = append(out[tx.TransactionType], tx.Amount)
		}
	}
	return out
}

// --- memCache: cache.Cache backing the profile cache and progress hub ---

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; ok {
		return false, nil
	}
	c.data[key] = value
	return true, nil
}

func (c *memCache) Swap(_ context.Context, key string, fn func([]byte) ([]byte, error)) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.data[key]
	if !ok {
		return false, nil
	}
	val, err := fn(old)
	if err != nil {
		return true, err
	}
	c.data[key] = val
	return true, nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

// --- fakeFetcher: scripted provider chain ---

type fetchOutcome struct {
	res *models.FetchResult
	err error
}

type fakeFetcher struct {
	mu       sync.Mutex
	outcomes []fetchOutcome
	calls    int
	onFetch  func()
}

func (f *fakeFetcher) Fetch(_ context.Context, subject string, _ int) (*models.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	out := fetchOutcome{err: fmt.Errorf("%w: no outcome scripted", fetch.ErrProviderTransient)}
	if len(f.outcomes) > 0 {
		out = f.outcomes[min(f.calls-1, len(f.outcomes)-1)]
	}
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if out.err != nil {
		return nil, out.err
	}
	res := *out.res
	res.Profile.Username = subject
	return &res, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func profileResult() *models.FetchResult {
	return &models.FetchResult{
		Profile: models.ProfileData{
			FullName:   "Nike",
			Biography:  "Just Do It.",
			Followers:  300000000,
			PostsCount: 1500,
			Verified:   true,
			Posts:      []models.Post{{ID: "1", Caption: "Race day ready", Likes: 120000}},
		},
		ScraperUsed: "instagram-profile-scraper",
		Elapsed:     800 * time.Millisecond,
	}
}

func transientErr(msg string) error {
	return fmt.Errorf("%w: %s", fetch.ErrProviderTransient, msg)
}

func permanentErr(msg string) error {
	return fmt.Errorf("%w: %s", fetch.ErrProviderPermanent, msg)
}

// --- recording dispatcher ---

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []uuid.UUID
	err  error
}

func (d *fakeDispatcher) Enqueue(_ context.Context, jobID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, jobID)
	return nil
}

// --- scorer that panics ---

type panickingScorer struct{}

func (panickingScorer) Generate(context.Context, *models.BusinessContext, *models.ProfileData) (*ai.Scoring, error) {
	panic("nil map write")
}

// --- harness ---

type harness struct {
	store    *memStore
	cache    *memCache
	fetcher  *fakeFetcher
	provider *mock.MockProvider
	hub      *progress.Hub
	dispatch *fakeDispatcher
	credits  pipeline.Credits
	svc      *pipeline.Service
	orch     *pipeline.Orchestrator
	account  uuid.UUID
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	provider *mock.MockProvider
	scorer   pipeline.Scorer
	balance  int
	credits  func(pipeline.Credits) pipeline.Credits
}

func withProvider(p *mock.MockProvider) harnessOption {
	return func(c *harnessConfig) { c.provider = p }
}

func withScorer(s pipeline.Scorer) harnessOption {
	return func(c *harnessConfig) { c.scorer = s }
}

func withBalance(n int) harnessOption {
	return func(c *harnessConfig) { c.balance = n }
}

// withCredits wraps the ledger the orchestrator and service see.
func withCredits(wrap func(pipeline.Credits) pipeline.Credits) harnessOption {
	return func(c *harnessConfig) { c.credits = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{provider: mock.NewMockProvider(), balance: 10}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		store:    newMemStore(),
		cache:    newMemCache(),
		fetcher:  &fakeFetcher{outcomes: []fetchOutcome{{res: profileResult()}}},
		provider: cfg.provider,
		dispatch: &fakeDispatcher{},
		account:  uuid.New(),
	}
	h.store.balances[h.account] = cfg.balance
	h.store.contexts[h.account] = &models.BusinessContext{
		AccountID:      h.account,
		BusinessName:   "Stride Running Co",
		Industry:       "sportswear",
		TargetAudience: "amateur marathon runners",
	}

	h.hub = progress.NewHub(h.cache, progress.WithIdleAfter(0))
	t.Cleanup(h.hub.Close)

	h.credits = ledger.New(h.store, ledger.WithRefundBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	if cfg.credits != nil {
		h.credits = cfg.credits(h.credits)
	}
	layer := fetch.NewLayer(fetch.NewProfileCache(h.cache, nil), h.fetcher, nil)

	var scorer pipeline.Scorer = ai.NewGenerator(h.provider, 1024, time.Second, nil)
	if cfg.scorer != nil {
		scorer = cfg.scorer
	}

	h.svc = pipeline.NewService(h.store, h.credits, h.hub, h.dispatch, nil)
	h.orch = pipeline.NewOrchestrator(h.store, h.credits, layer, scorer, h.hub, pipeline.WithFetchRetryDelay(0))
	return h
}

// submitAndRun submits a quick job and runs it to completion.
func (h *harness) submitAndRun(t *testing.T, subject string) uuid.UUID {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), h.account, subject, models.JobTypeQuick)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.orch.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	return job.ID
}

var errRedisDown = errors.New("redis: connection refused")

// lostCommit debits for real and then reports the connection as dropped, the
// way a client sees a COMMIT whose acknowledgement never arrived.
type lostCommit struct {
	pipeline.Credits
}

func (c lostCommit) Reserve(ctx context.Context, accountID, jobID uuid.UUID, amount int) error {
	if err := c.Credits.Reserve(ctx, accountID, jobID, amount); err != nil {
		return err
	}
	return errors.New("read tcp 10.0.0.4:5432: connection reset by peer")
}

// unreachableTracker accepts everything except failure pushes.
type unreachableTracker struct {
	pipeline.Tracker
}

func (unreachableTracker) Fail(context.Context, uuid.UUID, string) error {
	return errRedisDown
}
