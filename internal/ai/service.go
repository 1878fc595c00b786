package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// budgetMultipliers scale the output-token budget per attempt. Truncated
// structured output is the usual cause of a validation failure.
var budgetMultipliers = []float64{1, 1.5, 2}

// Scoring is a validated generation outcome.
type Scoring struct {
	Score        int
	Summary      string
	Model        string
	Attempts     int
	InputTokens  int
	OutputTokens int
}

type scoreOutput struct {
	Score   *int   `json:"score"   validate:"required,min=0,max=100"`
	Summary string `json:"summary" validate:"required"`
}

// Generator scores a profile against a business context through an AIProvider.
type Generator struct {
	provider   models.AIProvider
	validate   *validator.Validate
	baseTokens int
	timeout    time.Duration
	logger     *slog.Logger
}

// NewGenerator creates a Generator. baseTokens is the first attempt's output
// budget; timeout bounds each provider call.
func NewGenerator(provider models.AIProvider, baseTokens int, timeout time.Duration, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		provider:   provider,
		validate:   validator.New(),
		baseTokens: baseTokens,
		timeout:    timeout,
		logger:     logger.With("component", "generator", "provider", provider.Name()),
	}
}

// Generate asks the model for a score. Output that fails validation is
// retried with a larger budget; provider errors are returned immediately.
// A partially valid or guessed result is never returned.
func (g *Generator) Generate(ctx context.Context, bc *models.BusinessContext, profile *models.ProfileData) (*Scoring, error) {
	req := models.CompletionRequest{
		System:     systemPrompt,
		Prompt:     buildPrompt(bc, profile),
		SchemaName: scoreSchemaName,
		Schema:     ScoreSchema,
	}

	out := &Scoring{}
	var lastErr error
	for i, mult := range budgetMultipliers {
		req.MaxTokens = int(float64(g.baseTokens) * mult)
		out.Attempts = i + 1

		resp, err := g.complete(ctx, req)
		if err != nil {
			return nil, err
		}
		out.Model = resp.Model
		out.InputTokens += resp.InputTokens
		out.OutputTokens += resp.OutputTokens

		parsed, err := g.parse(resp)
		if err == nil {
			out.Score = *parsed.Score
			out.Summary = parsed.Summary
			return out, nil
		}

		lastErr = err
		g.logger.Warn("generation output rejected",
			"attempt", out.Attempts,
			"max_tokens", req.MaxTokens,
			"truncated", resp.Truncated,
			"error", err,
		)
	}

	return nil, fmt.Errorf("%w: after %d attempts: %v", ErrSchemaValidation, out.Attempts, lastErr)
}

func (g *Generator) complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.provider.Complete(callCtx, req)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, ErrInferenceTimeout) || errors.Is(err, ErrProviderUnavailable) {
		return resp, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resp, fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	return resp, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// parse strictly decodes the model output: exactly one JSON object with the
// schema's fields and nothing else.
func (g *Generator) parse(resp models.CompletionResponse) (*scoreOutput, error) {
	if resp.Truncated {
		return nil, fmt.Errorf("output truncated at token budget")
	}
	text := stripFence(resp.Text)
	if text == "" {
		return nil, fmt.Errorf("empty output")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()

	var out scoreOutput
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	out.Summary = strings.TrimSpace(out.Summary)
	if err := g.validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("validate output: %w", err)
	}
	return &out, nil
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
