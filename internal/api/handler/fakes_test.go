package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/leadscout/internal/api/middleware"
	"github.com/kiranshivaraju/leadscout/internal/pipeline"
	"github.com/kiranshivaraju/leadscout/internal/progress"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// --- in-memory cache backing a real progress hub ---

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memCache) Swap(_ context.Context, key string, fn func([]byte) ([]byte, error)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.data[key]
	if !ok {
		return false, nil
	}
	val, err := fn(old)
	if err != nil {
		return true, err
	}
	m.data[key] = val
	return true, nil
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memCache) Ping(context.Context) error { return nil }

func (m *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

// --- fake JobService ---

// fakeJobs answers from a fixed set of jobs. Subscriptions come from a real
// progress hub so the stream handler sees genuine event channels.
type fakeJobs struct {
	hub       *progress.Hub
	submitErr error
	submitted []string
	results   map[uuid.UUID]*models.JobResult
	resultErr map[uuid.UUID]error
	cancelErr error
	balance   int
}

func newFakeJobs(t *testing.T) *fakeJobs {
	hub := progress.NewHub(newMemCache(), progress.WithIdleAfter(0))
	t.Cleanup(hub.Close)
	return &fakeJobs{
		hub:       hub,
		results:   map[uuid.UUID]*models.JobResult{},
		resultErr: map[uuid.UUID]error{},
	}
}

func (f *fakeJobs) Submit(_ context.Context, _ uuid.UUID, subjectID, jobType string) (*models.Job, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, subjectID+"/"+jobType)
	return &models.Job{ID: uuid.New(), SubjectID: subjectID, Type: jobType, Status: models.JobStatusPending}, nil
}

func (f *fakeJobs) GetProgress(ctx context.Context, accountID, jobID uuid.UUID) (models.Snapshot, error) {
	snap, err := f.hub.Read(ctx, jobID)
	if err != nil || snap.AccountID != accountID {
		return models.Snapshot{}, pipeline.ErrNotFound
	}
	return snap, nil
}

func (f *fakeJobs) Subscribe(ctx context.Context, accountID, jobID uuid.UUID) (*progress.Subscription, error) {
	if _, err := f.GetProgress(ctx, accountID, jobID); err != nil {
		return nil, err
	}
	return f.hub.Subscribe(ctx, jobID)
}

func (f *fakeJobs) Cancel(context.Context, uuid.UUID, uuid.UUID) error { return f.cancelErr }

func (f *fakeJobs) GetResult(_ context.Context, _ uuid.UUID, jobID uuid.UUID) (*models.JobResult, error) {
	if err, ok := f.resultErr[jobID]; ok {
		return nil, err
	}
	if res, ok := f.results[jobID]; ok {
		return res, nil
	}
	return nil, pipeline.ErrNotFound
}

func (f *fakeJobs) Balance(context.Context, uuid.UUID) (int, error) { return f.balance, nil }

// --- helpers ---

// withAccount stands in for the auth middleware.
func withAccount(accountID uuid.UUID) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(mw.SetAccountID(r.Context(), accountID)))
		})
	}
}

func serve(t *testing.T, accountID uuid.UUID, method, pattern string, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	if accountID != uuid.Nil {
		r.Use(withAccount(accountID))
	}
	r.Method(method, pattern, h)

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string              `json:"code"`
		Message string              `json:"message"`
		Details map[string][]string `json:"details"`
	} `json:"error"`
}

func parse(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return env
}
