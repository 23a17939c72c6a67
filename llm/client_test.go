package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	client := NewHTTPClient(Config{
		Provider: OpenAI,
		BaseURL:  server.URL,
		APIKey:   "test-key",
		Retries:  3,
	}, logger)
	return client, server
}

func openAICompletion(content string) map[string]interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"role": "assistant", "content": content}},
		},
		"usage": map[string]interface{}{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

// TestChatExtractsTopChoice tests plain-text extraction plus usage metadata
func TestChatExtractsTopChoice(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(openAICompletion("hello from the model"))
	})

	resp, err := client.Chat(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello from the model", resp.Content)
	assert.Equal(t, 15, resp.Metadata["total_tokens"].AsInt())
}

// TestChatRetriesTransientFailures tests backoff on 5xx then success
func TestChatRetriesTransientFailures(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(openAICompletion("recovered"))
	})

	resp, err := client.Chat(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)

	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

// TestChatDoesNotRetryAuthFailures tests the permanent-failure path
func TestChatDoesNotRetryAuthFailures(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Chat(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)

	assert.Equal(t, contracts.KindAuth, contracts.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestChatDoesNotRetryValidationFailures tests 4xx handling
func TestChatDoesNotRetryValidationFailures(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Chat(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)

	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestChatRespectsContextCancellation tests the overall deadline
func TestChatRespectsContextCancellation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Chat(ctx, &Request{Messages: []Message{{Role: "user", Content: "x"}}})
	assert.Error(t, err)
}

// TestAnthropicDialect tests system-message lifting and content blocks
func TestAnthropicDialect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "be terse", payload["system"])
		msgs := payload["messages"].([]interface{})
		assert.Len(t, msgs, 1)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": "ok"}},
			"usage":   map[string]interface{}{"input_tokens": 3, "output_tokens": 1},
		})
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	client := NewHTTPClient(Config{Provider: Anthropic, BaseURL: server.URL, APIKey: "test-key"}, logger)

	resp, err := client.Chat(context.Background(), &Request{Messages: []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}
