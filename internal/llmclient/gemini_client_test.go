// internal/llmclient/gemini_client_test.go
package llmclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
	"github.com/xkilldash9x/droidprowl/internal/config"
)

var testLogger *zap.Logger

func TestMain(m *testing.M) {
	testLogger = zap.NewNop()
	os.Exit(m.Run())
}

func validLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:      "gemini",
		Model:         "gemini-2.0-flash",
		APIKey:        "test-api-key",
		APITimeout:    5 * time.Second,
		BackoffBudget: 3 * time.Second,
		MaxTokens:     1024,
	}
}

// setupClient rigs up a GeminiClient pointed at a mock HTTP server.
func setupClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := validLLMConfig()
	cfg.Endpoint = server.URL
	client, err := NewGeminiClient(cfg, testLogger)
	require.NoError(t, err)
	return client
}

func testRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		SystemPrompt: "You decide the next step.",
		UserPrompt:   "Screen: login. Choose.",
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	}
}

// candidateResponse builds the minimal generateContent success body.
func candidateResponse(text string) string {
	return fmt.Sprintf(`{
		"candidates": [{"content": {"parts": [{"text": %q}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15}
	}`, text)
}

func TestNewGeminiClient(t *testing.T) {
	t.Parallel()

	t.Run("default endpoint derives from model", func(t *testing.T) {
		t.Parallel()
		cfg := validLLMConfig()
		cfg.Endpoint = ""
		client, err := NewGeminiClient(cfg, testLogger)
		require.NoError(t, err)
		assert.Equal(t,
			"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
			client.endpoint)
		assert.Equal(t, cfg.APITimeout, client.httpClient.Timeout)
	})

	t.Run("missing api key is rejected", func(t *testing.T) {
		t.Parallel()
		cfg := validLLMConfig()
		cfg.APIKey = ""
		_, err := NewGeminiClient(cfg, testLogger)
		assert.Error(t, err)
	})
}

func TestGenerateSuccess(t *testing.T) {
	t.Parallel()
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "Screen: login. Choose.")
		assert.Contains(t, string(body), `"application/json"`,
			"forced JSON format must reach the generation config")

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(candidateResponse(`{"kind":"stop"}`)))
	})

	text, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"stop"}`, text)
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	var attempts int32
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("overloaded"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(candidateResponse("recovered")))
	})

	text, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestGenerateNoRetryOnPermanentErrors(t *testing.T) {
	t.Parallel()
	var attempts int32
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("API key invalid"))
	})

	_, err := client.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts),
		"auth failures must not burn the retry budget")
}

func TestGenerateSafetyBlockIsPermanent(t *testing.T) {
	t.Parallel()
	var attempts int32
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates": [{"content": {"parts": []}, "finishReason": "SAFETY"}]}`))
	})

	_, err := client.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAFETY")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestGenerateNoCandidatesIsPermanent(t *testing.T) {
	t.Parallel()
	var attempts int32
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates": []}`))
	})

	_, err := client.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestGenerateContextCancellation(t *testing.T) {
	t.Parallel()
	client := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := client.Generate(ctx, testRequest())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second,
		"cancellation must cut the backoff wait short")
}

func TestFactory(t *testing.T) {
	t.Parallel()

	t.Run("gemini provider", func(t *testing.T) {
		t.Parallel()
		client, err := NewClient(validLLMConfig(), testLogger)
		require.NoError(t, err)
		assert.IsType(t, &GeminiClient{}, client)
	})

	t.Run("empty provider defaults to gemini", func(t *testing.T) {
		t.Parallel()
		cfg := validLLMConfig()
		cfg.Provider = ""
		_, err := NewClient(cfg, testLogger)
		assert.NoError(t, err)
	})

	t.Run("unknown provider is rejected", func(t *testing.T) {
		t.Parallel()
		cfg := validLLMConfig()
		cfg.Provider = "mystery"
		_, err := NewClient(cfg, testLogger)
		assert.Error(t, err)
	})
}
