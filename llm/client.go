// Package llm is the chat-completion client used by the log analyzer's
// final pass and the patch synthesizer's fallback path. It retries
// transient failures with exponential backoff and honors one overall
// deadline across retries.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the full message set for one completion. Callers resend
// the whole conversation each call, so retries are idempotent.
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response is the extracted completion plus usage metadata when present.
type Response struct {
	Content  string                     `json:"content"`
	Model    string                     `json:"model"`
	Metadata map[string]contracts.Value `json:"metadata,omitempty"`
}

// Client is the abstract completion client the cores consume.
type Client interface {
	Chat(ctx context.Context, req *Request) (*Response, error)
}

// Provider selects the wire dialect.
type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
)

// Config tunes the HTTP client.
type Config struct {
	Provider    Provider
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Retries     int
}

// HTTPClient talks to a chat-completion API over HTTP.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPClient builds a client; zero config fields get working defaults.
func NewHTTPClient(config Config, logger *logrus.Logger) *HTTPClient {
	if config.Provider == "" {
		config.Provider = OpenAI
	}
	if config.BaseURL == "" {
		switch config.Provider {
		case Anthropic:
			config.BaseURL = "https://api.anthropic.com"
		default:
			config.BaseURL = "https://api.openai.com"
		}
	}
	if config.Model == "" {
		config.Model = "gpt-4o"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 3
	}
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// Chat sends the request, retrying transient failures with exponential
// backoff up to the configured budget. Authentication and validation
// failures are never retried. The caller's context bounds the whole
// operation including retries.
func (c *HTTPClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	var resp *Response

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.config.Retries)), ctx)
	operation := func() error {
		var err error
		resp, err = c.chatOnce(ctx, req)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			c.logger.WithError(err).Warn("Transient LLM failure, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"provider": c.config.Provider,
		"model":    c.model(req),
		"duration": time.Since(start),
	}).Debug("LLM request completed")
	return resp, nil
}

func (c *HTTPClient) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.config.Model
}

func (c *HTTPClient) chatOnce(ctx context.Context, req *Request) (*Response, error) {
	switch c.config.Provider {
	case Anthropic:
		return c.chatAnthropic(ctx, req)
	default:
		return c.chatOpenAI(ctx, req)
	}
}

func (c *HTTPClient) chatOpenAI(ctx context.Context, req *Request) (*Response, error) {
	payload := map[string]interface{}{
		"model":       c.model(req),
		"messages":    req.Messages,
		"temperature": c.temperature(req),
		"max_tokens":  c.maxTokens(req),
	}
	raw, err := c.post(ctx, "/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	choices, ok := raw["choices"].([]interface{})
	if !ok || len(choices) == 0 {
		return nil, contracts.E(contracts.KindData, "no choices in completion response")
	}
	choice, _ := choices[0].(map[string]interface{})
	message, _ := choice["message"].(map[string]interface{})
	content, _ := message["content"].(string)

	return &Response{Content: content, Model: c.model(req), Metadata: usageMetadata(raw["usage"])}, nil
}

func (c *HTTPClient) chatAnthropic(ctx context.Context, req *Request) (*Response, error) {
	var system string
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, m)
	}
	payload := map[string]interface{}{
		"model":       c.model(req),
		"messages":    messages,
		"temperature": c.temperature(req),
		"max_tokens":  c.maxTokens(req),
	}
	if system != "" {
		payload["system"] = system
	}
	raw, err := c.post(ctx, "/v1/messages", payload)
	if err != nil {
		return nil, err
	}

	blocks, ok := raw["content"].([]interface{})
	if !ok || len(blocks) == 0 {
		return nil, contracts.E(contracts.KindData, "no content in completion response")
	}
	first, _ := blocks[0].(map[string]interface{})
	text, _ := first["text"].(string)

	return &Response{Content: text, Model: c.model(req), Metadata: usageMetadata(raw["usage"])}, nil
}

func (c *HTTPClient) temperature(req *Request) float64 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return c.config.Temperature
}

func (c *HTTPClient) maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return c.config.MaxTokens
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch c.config.Provider {
	case Anthropic:
		httpReq.Header.Set("x-api-key", c.config.APIKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	default:
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, err, "completion request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, err, "failed to read completion response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, contracts.E(contracts.KindAuth, "completion API rejected credentials: %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, contracts.E(contracts.KindTransient, "completion API error %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	case resp.StatusCode >= 400:
		return nil, contracts.E(contracts.KindValidation, "completion API error %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, contracts.Wrap(contracts.KindData, err, "failed to unmarshal completion response")
	}
	return result, nil
}

func usageMetadata(usage interface{}) map[string]contracts.Value {
	m, ok := usage.(map[string]interface{})
	if !ok {
		return nil
	}
	return contracts.FromInterface(m).AsMap()
}

func isRetryable(err error) bool {
	if contracts.IsTransient(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
