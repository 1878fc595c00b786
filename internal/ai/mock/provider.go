package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/leadscout/internal/ai"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing.
type MockProvider struct {
	Name_        string
	CompleteFunc func(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error)

	mu       sync.Mutex
	requests []models.CompletionRequest
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return models.CompletionResponse{}, nil
}

// Requests returns every request received so far.
func (m *MockProvider) Requests() []models.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CompletionRequest(nil), m.requests...)
}

// NewMockProvider returns a MockProvider that always answers with a valid score.
func NewMockProvider() *MockProvider {
	return NewScriptedProvider(`{"score": 82, "summary": "Strong audience overlap with the target customer."}`)
}

// NewScriptedProvider answers with the given outputs in order, repeating the last one.
func NewScriptedProvider(outputs ...string) *MockProvider {
	var mu sync.Mutex
	next := 0
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			text := ""
			if len(outputs) > 0 {
				text = outputs[min(next, len(outputs)-1)]
				next++
			}
			return models.CompletionResponse{
				Text:         text,
				Model:        "mock-v1",
				InputTokens:  len(req.Prompt) / 4,
				OutputTokens: len(text) / 4,
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (models.CompletionResponse, error) {
			return models.CompletionResponse{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (models.CompletionResponse, error) {
			<-ctx.Done()
			return models.CompletionResponse{}, ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
