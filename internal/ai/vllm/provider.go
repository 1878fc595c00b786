package vllm

import (
	"github.com/kiranshivaraju/leadscout/internal/ai/openai"
	"github.com/kiranshivaraju/leadscout/internal/config"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// NewProvider returns a provider for a vLLM server. vLLM serves the OpenAI
// chat completions API and enforces json_schema response formats itself.
func NewProvider(cfg config.VLLMConfig) *openai.Provider {
	return openai.NewCompatible("vllm", cfg.BaseURL, "", cfg.Model)
}

var _ models.AIProvider = (*openai.Provider)(nil)
