package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/doicache/internal/domain"
)

// Compile-time check that OpenAIProvider implements Analyzer.
var _ Analyzer = (*OpenAIProvider)(nil)

// newOpenAITestProvider creates an OpenAIProvider configured to use a test server.
func newOpenAITestProvider(t *testing.T, maxRetries int, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider := NewOpenAIProvider(OpenAIConfig{
		APIKey:  "test-api-key",
		BaseURL: server.URL,
	}, Generation{Timeout: 5 * time.Second, MaxRetries: maxRetries})
	provider.retryDelay = time.Millisecond
	return provider
}

func writeChatResponse(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatResponse{
		ID:    "chatcmpl-abc123",
		Model: "gpt-4o-2024-08-06",
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{PromptTokens: 1200, CompletionTokens: 300, TotalTokens: 1500},
	})
}

func TestNewOpenAIProvider_Defaults(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k"}, Generation{})

	assert.Equal(t, "openai", p.Provider())
	assert.Equal(t, "gpt-4o", p.Model())
	assert.Equal(t, defaultOpenAIBaseURL, p.baseURL)
	assert.Equal(t, 0.25, p.temperature)
	assert.Equal(t, 2048, p.maxTokens)
	assert.Equal(t, 120*time.Second, p.httpClient.Timeout)
}

func TestOpenAIProvider_Analyze(t *testing.T) {
	t.Run("sends prompt and text and returns the object", func(t *testing.T) {
		var received chatRequest
		var authHeader, path string

		provider := newOpenAITestProvider(t, 0, func(w http.ResponseWriter, r *http.Request) {
			authHeader = r.Header.Get("Authorization")
			path = r.URL.Path
			body, err := io.ReadAll(r.Body)
			if !assert.NoError(t, err) {
				return
			}
			if !assert.NoError(t, json.Unmarshal(body, &received)) {
				return
			}
			writeChatResponse(w, `{"summary": "A study of cells", "findings": ["one", "two"]}`)
		})

		result, err := provider.Analyze(context.Background(), AnalysisRequest{
			SystemPrompt: "Summarize the article as JSON.",
			Text:         "# Title\n\nBody text.",
		})
		require.NoError(t, err)

		assert.Equal(t, "Bearer test-api-key", authHeader)
		assert.Equal(t, "/chat/completions", path)
		assert.Equal(t, "gpt-4o", received.Model)
		assert.Equal(t, 0.25, received.Temperature)
		assert.Equal(t, 2048, received.MaxTokens)
		assert.Equal(t, float64(1), received.TopP)
		require.NotNil(t, received.ResponseFormat)
		assert.Equal(t, "json_object", received.ResponseFormat.Type)
		require.Len(t, received.Messages, 2)
		assert.Equal(t, chatMessage{Role: "system", Content: "Summarize the article as JSON."}, received.Messages[0])
		assert.Equal(t, chatMessage{Role: "user", Content: "# Title\n\nBody text."}, received.Messages[1])

		assert.JSONEq(t, `{"summary": "A study of cells", "findings": ["one", "two"]}`, string(result.Content))
		assert.Equal(t, "gpt-4o-2024-08-06", result.Model)
		assert.Equal(t, 1200, result.InputTokens)
		assert.Equal(t, 300, result.OutputTokens)
	})

	t.Run("accepts a fenced object", func(t *testing.T) {
		provider := newOpenAITestProvider(t, 0, func(w http.ResponseWriter, r *http.Request) {
			writeChatResponse(w, "```json\n{\"a\": 1}\n```")
		})

		result, err := provider.Analyze(context.Background(), AnalysisRequest{SystemPrompt: "p", Text: "t"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"a": 1}`, string(result.Content))
	})

	t.Run("non-object replies are malformed", func(t *testing.T) {
		for _, content := range []string{"not json", `["a"]`, "null", ""} {
			provider := newOpenAITestProvider(t, 0, func(w http.ResponseWriter, r *http.Request) {
				writeChatResponse(w, content)
			})

			_, err := provider.Analyze(context.Background(), AnalysisRequest{SystemPrompt: "p", Text: "t"})
			require.Error(t, err, content)
			assert.True(t, errors.Is(err, domain.ErrMalformedRecord), content)
		}
	})

	t.Run("empty choices are malformed", func(t *testing.T) {
		provider := newOpenAITestProvider(t, 0, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id": "x", "choices": []}`))
		})

		_, err := provider.Analyze(context.Background(), AnalysisRequest{})
		assert.True(t, errors.Is(err, domain.ErrMalformedRecord))
	})
}

func TestOpenAIProvider_AnalyzeErrors(t *testing.T) {
	t.Run("client error is returned without retry", func(t *testing.T) {
		var calls int32
		provider := newOpenAITestProvider(t, 3, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error", "code": "invalid_api_key"}}`))
		})

		_, err := provider.Analyze(context.Background(), AnalysisRequest{})
		require.Error(t, err)

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.Equal(t, "Incorrect API key provided", apiErr.Message)
		assert.Equal(t, "invalid_api_key", apiErr.Code)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("transient errors are retried", func(t *testing.T) {
		var calls int32
		provider := newOpenAITestProvider(t, 3, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			writeChatResponse(w, `{"ok": true}`)
		})

		result, err := provider.Analyze(context.Background(), AnalysisRequest{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok": true}`, string(result.Content))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("exhausted retries wrap the last error", func(t *testing.T) {
		var calls int32
		provider := newOpenAITestProvider(t, 2, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := provider.Analyze(context.Background(), AnalysisRequest{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrServiceUnavailable))
		assert.Contains(t, err.Error(), "exhausted 2 retries")
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("cancelled context stops the request", func(t *testing.T) {
		provider := newOpenAITestProvider(t, 3, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := provider.Analyze(ctx, AnalysisRequest{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}
