// Package models contains shared data models used across the LeadScout codebase.
package models

import "context"

// AIProvider is the core interface that all generative model integrations implement.
// Callers depend on this interface rather than a concrete provider.
type AIProvider interface {
	// Complete runs one structured-output completion.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}

// CompletionRequest asks a provider for output conforming to Schema.
type CompletionRequest struct {
	System     string
	Prompt     string
	SchemaName string
	Schema     map[string]any
	MaxTokens  int
}

// CompletionResponse is the raw provider output. Text is not yet validated.
type CompletionResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Truncated    bool
}
