package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/leadscout/internal/ai/openai"
	"github.com/kiranshivaraju/leadscout/internal/config"
	"github.com/kiranshivaraju/leadscout/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request() models.CompletionRequest {
	return models.CompletionRequest{
		System:     "be brief",
		Prompt:     "score @nike",
		SchemaName: "lead_score",
		Schema:     map[string]any{"type": "object"},
		MaxTokens:  300,
	}
}

func TestComplete_SendsSchemaAndParsesChoice(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini-2024",
			"choices": [{"message": {"role": "assistant", "content": "{\"score\":82,\"summary\":\"ok\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 14}
		}`))
	}))
	defer srv.Close()

	p := openai.NewProvider(config.OpenAIConfig{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "gpt-4o-mini"})
	resp, err := p.Complete(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, `{"score":82,"summary":"ok"}`, resp.Text)
	assert.Equal(t, "gpt-4o-mini-2024", resp.Model)
	assert.Equal(t, 120, resp.InputTokens)
	assert.Equal(t, 14, resp.OutputTokens)
	assert.False(t, resp.Truncated)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.EqualValues(t, 300, got["max_tokens"])
	format := got["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	schema := format["json_schema"].(map[string]any)
	assert.Equal(t, "lead_score", schema["name"])
	assert.Equal(t, true, schema["strict"])
}

func TestComplete_LengthFinishIsTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "{\"score\":"}, "finish_reason": "length"}]}`))
	}))
	defer srv.Close()

	p := openai.NewCompatible("vllm", srv.URL, "", "mistral-7b")
	resp, err := p.Complete(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, "mistral-7b", resp.Model)
	assert.Equal(t, "vllm", p.Name())
}

func TestComplete_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := openai.NewCompatible("openai", srv.URL, "k", "m")
	_, err := p.Complete(context.Background(), request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	p := openai.NewCompatible("openai", srv.URL, "k", "m")
	_, err := p.Complete(context.Background(), request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
