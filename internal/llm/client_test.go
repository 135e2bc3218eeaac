package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/svarley/fbascout/internal/config"
)

func TestParseAnthropicFormat(t *testing.T) {
	body := []byte(`{
		"content": [{"type": "text", "text": "MATCH"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 120, "output_tokens": 3}
	}`)

	result, err := parseAnthropicFormat(body)
	if err != nil {
		t.Fatalf("parseAnthropicFormat() error: %v", err)
	}
	if result.Content != "MATCH" {
		t.Errorf("Content = %q, want MATCH", result.Content)
	}
	if result.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop (normalised from end_turn)", result.FinishReason)
	}
	if result.InputTokens != 120 || result.OutputTokens != 3 {
		t.Errorf("usage = %d/%d, want 120/3", result.InputTokens, result.OutputTokens)
	}
}

func TestParseAnthropicTruncation(t *testing.T) {
	body := []byte(`{
		"content": [{"type": "text", "text": "partial"}],
		"stop_reason": "max_tokens",
		"usage": {"input_tokens": 10, "output_tokens": 1024}
	}`)

	result, err := parseAnthropicFormat(body)
	if err != nil {
		t.Fatalf("parseAnthropicFormat() error: %v", err)
	}
	if !result.IsTruncated() {
		t.Error("max_tokens stop reason should read as truncated")
	}
}

func TestParseOpenAIFormat(t *testing.T) {
	body := []byte(`{
		"choices": [{"message": {"content": "MISMATCH"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 90, "completion_tokens": 2}
	}`)

	result, err := parseOpenAIFormat(body)
	if err != nil {
		t.Fatalf("parseOpenAIFormat() error: %v", err)
	}
	if result.Content != "MISMATCH" {
		t.Errorf("Content = %q, want MISMATCH", result.Content)
	}
	if result.InputTokens != 90 || result.OutputTokens != 2 {
		t.Errorf("usage = %d/%d, want 90/2", result.InputTokens, result.OutputTokens)
	}
}

func TestParseOpenAIEmptyChoices(t *testing.T) {
	if _, err := parseOpenAIFormat([]byte(`{"choices": []}`)); err == nil {
		t.Error("empty choices should be an error")
	}
}

func TestParseOllamaFormat(t *testing.T) {
	body := []byte(`{
		"message": {"role": "assistant", "content": "UNCERTAIN"},
		"done_reason": "stop",
		"prompt_eval_count": 40,
		"eval_count": 2
	}`)

	result, err := parseOllamaFormat(body)
	if err != nil {
		t.Fatalf("parseOllamaFormat() error: %v", err)
	}
	if result.Content != "UNCERTAIN" {
		t.Errorf("Content = %q, want UNCERTAIN", result.Content)
	}
}

func TestNewFromConfigRequiresAPIKey(t *testing.T) {
	t.Setenv("FBASCOUT_TEST_MISSING_KEY", "")

	_, err := NewFromConfig(config.AIConfig{
		Provider:  ProviderOpenAI,
		Model:     "gpt-4o-mini",
		APIKeyEnv: "FBASCOUT_TEST_MISSING_KEY",
	}, nil)
	if err == nil {
		t.Fatal("NewFromConfig() should fail without an API key")
	}
}

func TestNewFromConfigOllamaNeedsNoKey(t *testing.T) {
	c, err := NewFromConfig(config.AIConfig{
		Provider: ProviderOllama,
		Model:    "llama3",
	}, nil)
	if err != nil {
		t.Fatalf("NewFromConfig() error: %v", err)
	}
	if c.provider != ProviderOllama {
		t.Errorf("provider = %q", c.provider)
	}
}

func TestCallAgainstOllamaEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message": {"content": "MATCH"}, "done_reason": "stop", "prompt_eval_count": 5, "eval_count": 1}`))
	}))
	defer srv.Close()

	c, err := NewFromConfig(config.AIConfig{
		Provider: ProviderOllama,
		Model:    "llama3",
		BaseURL:  srv.URL,
	}, nil)
	if err != nil {
		t.Fatalf("NewFromConfig() error: %v", err)
	}

	result, err := c.Call(context.Background(), "same product?", CallOptions{})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if result.Content != "MATCH" {
		t.Errorf("Content = %q, want MATCH", result.Content)
	}
	if gotPath != "/api/chat" {
		t.Errorf("request path = %q, want /api/chat", gotPath)
	}
}

func TestCallSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "overloaded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewFromConfig(config.AIConfig{
		Provider: ProviderOllama,
		Model:    "llama3",
		BaseURL:  srv.URL,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Call(context.Background(), "prompt", CallOptions{}); err == nil {
		t.Error("non-200 status should be an error")
	}
}

func TestCallReturnsTruncationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message": {"content": "partial"}, "done_reason": "length", "prompt_eval_count": 5, "eval_count": 1024}`))
	}))
	defer srv.Close()

	c, err := NewFromConfig(config.AIConfig{
		Provider: ProviderOllama,
		Model:    "llama3",
		BaseURL:  srv.URL,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Call(context.Background(), "prompt", CallOptions{})
	if !IsOutputTruncated(err) {
		t.Errorf("Call() = %v, want ErrOutputTruncated", err)
	}
}
