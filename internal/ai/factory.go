package ai

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/kiranshivaraju/leadscout/internal/ai/anthropic"
	"github.com/kiranshivaraju/leadscout/internal/ai/ollama"
	"github.com/kiranshivaraju/leadscout/internal/ai/openai"
	"github.com/kiranshivaraju/leadscout/internal/ai/vllm"
	"github.com/kiranshivaraju/leadscout/internal/config"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

var constructors = map[string]func(config.AIConfig) models.AIProvider{
	"ollama":    func(c config.AIConfig) models.AIProvider { return ollama.NewProvider(c.Ollama) },
	"vllm":      func(c config.AIConfig) models.AIProvider { return vllm.NewProvider(c.VLLM) },
	"openai":    func(c config.AIConfig) models.AIProvider { return openai.NewProvider(c.OpenAI) },
	"anthropic": func(c config.AIConfig) models.AIProvider { return anthropic.NewProvider(c.Anthropic) },
}

// ProviderNames lists the supported providers in sorted order.
func ProviderNames() []string {
	return slices.Sorted(maps.Keys(constructors))
}

// NewProvider constructs the generation provider selected by cfg.Provider.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	build, ok := constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("%w %q: must be one of %s", ErrUnknownProvider, cfg.Provider, strings.Join(ProviderNames(), ", "))
	}
	return build(cfg), nil
}
