package agenthttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/internal/ctxkeys"
	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"
)

func newTestInvoker(t *testing.T, h http.HandlerFunc, cfg Config) *Invoker {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.Endpoint = srv.URL
	return New(cfg, zaptest.NewLogger(t), WithHTTPClient(srv.Client()), WithTokenizer(NewApproxTokenizer()))
}

func TestInvoker_Execute(t *testing.T) {
	t.Parallel()
	var got chatRequest
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"c1","choices":[{"message":{"role":"assistant","content":"done"}}],"usage":{"total_tokens":200000}}`))
	}, Config{
		APIKey:               "secret",
		CostPerMillionTokens: 10,
		Agents:               map[string]AgentProfile{"writer": {Model: "gpt-4o", System: "You write."}},
	})

	res, err := inv.Execute(context.Background(), "writer", workflow.PromptContext{
		RunID:    "r1",
		NodeID:   "draft",
		Prompt:   "Write it",
		Previous: map[string]any{"plan": "outline"},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 200000, res.TokensUsed)
	assert.InDelta(t, 2.0, res.Cost, 1e-9)

	assert.Equal(t, "gpt-4o", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "### Previous Agent Outputs:")
	assert.Equal(t, "draft", got.Metadata["node_id"])
}

func TestInvoker_ForwardsCorrelationHeaders(t *testing.T) {
	t.Parallel()
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-42", r.Header.Get("X-Request-ID"))
		assert.Equal(t, "run-7", r.Header.Get("X-Run-ID"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}, Config{})

	ctx := ctxkeys.WithRunID(ctxkeys.WithRequestID(context.Background(), "req-42"), "run-7")
	_, err := inv.Execute(ctx, "writer", workflow.PromptContext{RunID: "run-7", NodeID: "n", Prompt: "p"})
	require.NoError(t, err)
}

func TestInvoker_EstimatesTokensWithoutUsage(t *testing.T) {
	t.Parallel()
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"12345678"}}]}`))
	}, Config{})

	res, err := inv.Execute(context.Background(), "any", workflow.PromptContext{NodeID: "n", Prompt: "abcd"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TokensUsed)
	assert.Equal(t, "gpt-4o-mini", inv.profile("any").Model)
}

func TestInvoker_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		body      string
		code      types.ErrorCode
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, types.ErrProvider, true},
		{"server error", http.StatusBadGateway, "upstream down", types.ErrProvider, true},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"auth"}}`, types.ErrUnauthorized, false},
		{"quota", http.StatusBadRequest, `{"error":{"message":"quota exhausted"}}`, types.ErrQuotaExceeded, false},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad field"}}`, types.ErrProvider, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, Config{})
			_, err := inv.Execute(context.Background(), "a", workflow.PromptContext{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
			assert.Equal(t, tt.retryable, types.IsRetryable(err))
		})
	}
}

func TestInvoker_TransportFailureIsRetryable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	inv := New(Config{Endpoint: url, Timeout: time.Second}, nil, WithTokenizer(NewApproxTokenizer()))
	_, err := inv.Execute(context.Background(), "a", workflow.PromptContext{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, types.ErrProvider, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestInvoker_RateLimited(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	inv := newTestInvoker(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{"total_tokens":1}}`))
	}, Config{RateLimitRPS: 0.001, Burst: 1})

	_, err := inv.Execute(context.Background(), "a", workflow.PromptContext{Prompt: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = inv.Execute(ctx, "a", workflow.PromptContext{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, types.ErrProvider, types.GetErrorCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewTokenizer_PicksEncoding(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "o200k_base", NewTokenizer("gpt-4o-mini").Encoding())
	assert.Equal(t, "cl100k_base", NewTokenizer("gpt-4-turbo").Encoding())
	assert.Equal(t, "cl100k_base", NewTokenizer("llama3").Encoding())
	assert.Equal(t, 0, NewApproxTokenizer().Count(""))
	assert.Equal(t, 2, NewApproxTokenizer().Count("hello"))
}
