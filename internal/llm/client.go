// Package llm is a thin chat-completion client over the provider HTTP APIs.
// It speaks the Anthropic, OpenAI-compatible, and Ollama wire formats and
// normalises them to a single result shape.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/svarley/fbascout/internal/config"
)

// Provider names accepted in configuration.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

// ErrOutputTruncated is returned when a response hit the max_tokens limit.
type ErrOutputTruncated struct {
	OutputTokens int
	MaxTokens    int
	Model        string
	Content      string
}

func (e *ErrOutputTruncated) Error() string {
	return fmt.Sprintf("LLM output truncated: generated %d tokens (limit: %d) for model %s", e.OutputTokens, e.MaxTokens, e.Model)
}

// IsOutputTruncated reports whether err is a truncation error.
func IsOutputTruncated(err error) bool {
	var truncErr *ErrOutputTruncated
	return errors.As(err, &truncErr)
}

// CallOptions configures one completion call.
type CallOptions struct {
	Temperature float64       // Default: 0.2
	MaxTokens   int           // Default: 1024
	Timeout     time.Duration // Default: 60s
}

// CallResult holds the normalised response with token usage.
type CallResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	FinishReason string // "stop" or "length"; "length" indicates truncation
	Model        string
	MaxTokens    int
}

// IsTruncated reports whether the response hit the max_tokens limit.
func (r *CallResult) IsTruncated() bool {
	return r.FinishReason == "length"
}

// Client calls one configured provider/model pair.
type Client struct {
	provider string
	model    string
	apiKey   string
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
}

// NewFromConfig builds a Client from the ai section of the system config.
// The API key is read from the environment variable the config names; a
// missing key is an error for every provider except ollama.
func NewFromConfig(cfg config.AIConfig, logger *slog.Logger) (*Client, error) {
	if cfg.Provider == "" || cfg.Model == "" {
		return nil, errors.New("llm: provider and model are required")
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" && cfg.Provider != ProviderOllama {
		return nil, fmt.Errorf("llm: no API key in $%s for provider %s", cfg.APIKeyEnv, cfg.Provider)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		provider: cfg.Provider,
		model:    cfg.Model,
		apiKey:   apiKey,
		baseURL:  cfg.BaseURL,
		http:     &http.Client{},
		logger:   logger.With("component", "llm", "provider", cfg.Provider, "model", cfg.Model),
	}, nil
}

// Complete is the single-string convenience used by the match tie-breaker
// and selector fallbacks.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := c.Call(ctx, prompt, CallOptions{})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// Call makes one chat-completion request and returns the normalised result.
func (c *Client) Call(ctx context.Context, prompt string, opts CallOptions) (*CallResult, error) {
	if opts.Temperature == 0 {
		opts.Temperature = 0.2
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}

	reqBody := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req)

	c.logger.Debug("making LLM API request",
		"prompt_length", len(prompt),
		"temperature", opts.Temperature,
		"max_tokens", opts.MaxTokens,
	)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("LLM API request failed", "error", err)
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("LLM API error", "status_code", resp.StatusCode, "response", string(body))
		return nil, fmt.Errorf("llm: API error (status %d): %s", resp.StatusCode, string(body))
	}

	result, err := c.parseResponse(body)
	if err != nil {
		return nil, err
	}
	result.Model = c.model
	result.MaxTokens = opts.MaxTokens

	if result.IsTruncated() {
		c.logger.Warn("LLM output truncated",
			"output_tokens", result.OutputTokens,
			"max_tokens", opts.MaxTokens,
		)
		return nil, &ErrOutputTruncated{
			OutputTokens: result.OutputTokens,
			MaxTokens:    opts.MaxTokens,
			Model:        c.model,
			Content:      result.Content,
		}
	}
	return result, nil
}

func (c *Client) apiURL() string {
	switch c.provider {
	case ProviderAnthropic:
		return "https://api.anthropic.com/v1/messages"
	case ProviderOpenAI:
		return "https://api.openai.com/v1/chat/completions"
	case ProviderOllama:
		baseURL := c.baseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return baseURL + "/api/chat"
	case ProviderOpenRouter:
		return "https://openrouter.ai/api/v1/chat/completions"
	default:
		if c.baseURL != "" {
			return c.baseURL + "/v1/chat/completions"
		}
		return "https://openrouter.ai/api/v1/chat/completions"
	}
}

func (c *Client) setAuthHeaders(req *http.Request) {
	switch c.provider {
	case ProviderAnthropic:
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case ProviderOllama:
		// Local, no auth.
	default:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// parseResponse dispatches on the provider's wire format.
func (c *Client) parseResponse(body []byte) (*CallResult, error) {
	switch c.provider {
	case ProviderAnthropic:
		return parseAnthropicFormat(body)
	case ProviderOllama:
		return parseOllamaFormat(body)
	default:
		return parseOpenAIFormat(body)
	}
}

func parseAnthropicFormat(body []byte) (*CallResult, error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"` // "end_turn", "max_tokens", "stop_sequence"
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("llm: parse Anthropic response: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, errors.New("llm: empty response")
	}

	result := &CallResult{
		Content:      resp.Content[0].Text,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	switch resp.StopReason {
	case "max_tokens":
		result.FinishReason = "length"
	case "end_turn", "stop_sequence":
		result.FinishReason = "stop"
	default:
		result.FinishReason = resp.StopReason
	}
	return result, nil
}

func parseOllamaFormat(body []byte) (*CallResult, error) {
	var resp struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		DoneReason      string `json:"done_reason"` // "stop", "length"
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("llm: parse Ollama response: %w", err)
	}
	return &CallResult{
		Content:      resp.Message.Content,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
		FinishReason: resp.DoneReason,
	}, nil
}

// parseOpenAIFormat covers OpenAI, OpenRouter, and other compatible APIs.
func parseOpenAIFormat(body []byte) (*CallResult, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"` // "stop", "length", "content_filter"
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("llm: parse OpenAI response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llm: empty response")
	}
	return &CallResult{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}
