package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"key-relay/config"
	"key-relay/internal/credential"
)

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			URL:            upstreamURL,
			ChatPath:       "/v1/chat/completions",
			PrimaryModel:   "model-large",
			FallbackModel:  "model-small",
			Temperature:    0.7,
			TopP:           1.0,
			MaxTokens:      256,
			AttemptTimeout: 2 * time.Second,
		},
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			RetryAfterHint: 30 * time.Second,
		},
	}
}

func newTestOrchestrator(upstreamURL string, tokens []string) (*Orchestrator, *credential.Pool) {
	cfg := testConfig(upstreamURL)
	pool := credential.NewPool(tokens, time.Minute, 5*time.Minute)
	client := NewUpstreamClient(cfg, http.DefaultTransport)
	return NewOrchestrator(pool, client, cfg), pool
}

func successBody(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	_, err := w.Write([]byte(`{
		"id": "cmpl-123",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20}
	}`))
	require.NoError(t, err)
}

// TestOrchestrator_Success 测试成功路径：载荷透传、层级与计数正确
func TestOrchestrator_Success(t *testing.T) {
	var gotModel atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel.Store(req.Model)
		successBody(t, w)
	}))
	defer server.Close()

	orch, _ := newTestOrchestrator(server.URL, []string{"sk-aaaa1111"})

	result, failure := orch.Execute(context.Background(), Request{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Nil(t, failure)
	require.NotNil(t, result)

	assert.Equal(t, "model-large", result.Model)
	assert.Equal(t, "model-large", gotModel.Load())
	assert.Equal(t, credential.TierPrimary, result.Tier)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "cmpl-123", result.Payload["id"])
	assert.Equal(t, 0, result.BusyKeys)
	assert.Equal(t, 1, result.TotalKeys)
}

// TestOrchestrator_ExplicitModelOverride 测试显式模型覆盖层级推导
func TestOrchestrator_ExplicitModelOverride(t *testing.T) {
	var gotModel atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel.Store(req.Model)
		successBody(t, w)
	}))
	defer server.Close()

	orch, _ := newTestOrchestrator(server.URL, []string{"sk-aaaa1111"})

	result, failure := orch.Execute(context.Background(), Request{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
		Model:     "custom-model",
	})
	require.Nil(t, failure)
	assert.Equal(t, "custom-model", result.Model)
	assert.Equal(t, "custom-model", gotModel.Load())
}

// TestOrchestrator_AuthFailureSingleCredential 测试唯一凭证被拒时立即返回认证失败
func TestOrchestrator_AuthFailureSingleCredential(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	orch, _ := newTestOrchestrator(server.URL, []string{"sk-aaaa1111"})

	result, failure := orch.Execute(context.Background(), Request{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Nil(t, result)
	require.NotNil(t, failure)

	assert.Equal(t, FailureAuthRejected, failure.Kind)
	assert.Equal(t, http.StatusUnauthorized, failure.StatusCode())
	assert.Equal(t, int32(1), hits.Load(), "认证失败不应重试同一凭证")
	assert.Equal(t, 1, failure.BusyKeys)
	assert.Equal(t, 1, failure.TotalKeys)
}

// TestOrchestrator_AuthFailureFailsOver 测试认证失败立即切换下一凭证且不计入尝试预算
func TestOrchestrator_AuthFailureFailsOver(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if strings.Contains(auth, "sk-badkey11") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		successBody(t, w)
	}))
	defer server.Close()

	orch, _ := newTestOrchestrator(server.URL, []string{"sk-badkey11", "sk-goodkey2"})

	result, failure := orch.Execute(context.Background(), Request{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Nil(t, failure)
	require.NotNil(t, result)

	// 切换凭证成功，层级仍是primary，认证失败不计入尝试次数
	assert.Equal(t, credential.TierPrimary, result.Tier)
	assert.Equal(t, 1, result.Attempts)
}

// TestOrchestrator_RateLimitDowngradesToFallback 测试首次失败后降级到fallback层级
func TestOrchestrator_RateLimitDowngradesToFallback(t *testing.T) {
	var hits atomic.Int32
	var secondModel atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		secondModel.Store(req.Model)
		successBody(t, w)
	}))
	defer server.Close()

	orch, _ := newTestOrchestrator(server.URL, []string{"sk-aaaa1111", "sk-bbbb2222"})

	result, failure := orch.Execute(context.Background(), Request{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Nil(t, failure)
	require.NotNil(t, result)

	assert.Equal(t, credential.TierFallback, result.Tier)
	assert.Equal(t, "model-small", result.Model)
	assert.Equal(t, "model-small", secondModel.Load())
	assert.Equal(t, 2, result.Attempts)
}

// TestOrchestrator_RetriesExhausted 测试瞬时错误重试次数上限
func TestOrchestrator_RetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	orch, _ := newTestOrchestrator(server.URL, []string{"sk-aaaa1111", "sk-bbbb2222", "sk-cccc3333", "sk-dddd4444"})

	result, failure := orch.Execute(context.Background(), Request{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Nil(t, result)
	require.NotNil(t, failure)

	assert.Equal(t, FailureRetriesExhausted, failure.Kind)
	assert.Equal(t, http.StatusBadGateway, failure.StatusCode())
	assert.Equal(t, int32(3), hits.Load(), "尝试次数应受max_attempts约束")
}

// TestOrchestrator_RateLimitExhausted 测试限流重试耗尽时保留限流分类和重试建议
func TestOrchestrator_RateLimitExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	orch, _ := newTestOrchestrator(server.URL, []string{"sk-aaaa1111", "sk-bbbb2222", "sk-cccc3333"})

	result, failure := orch.Execute(context.Background(), Request{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Nil(t, result)
	require.NotNil(t, failure)

	assert.Equal(t, FailureRateLimited, failure.Kind)
	assert.True(t, failure.IsRateLimit())
	assert.Equal(t, 30*time.Second, failure.RetryAfter)
}

// TestOrchestrator_EmptyPool 测试空凭证池直接返回池耗尽失败
func TestOrchestrator_EmptyPool(t *testing.T) {
	orch, _ := newTestOrchestrator("http://127.0.0.1:0", nil)

	result, failure := orch.Execute(context.Background(), Request{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Nil(t, result)
	require.NotNil(t, failure)

	assert.Equal(t, FailureNoCredential, failure.Kind)
	assert.Equal(t, http.StatusTooManyRequests, failure.StatusCode())
	assert.Equal(t, 0, failure.TotalKeys)
	assert.Equal(t, 30*time.Second, failure.RetryAfter)
}

// TestOrchestrator_MalformedSuccessBody 测试2xx但响应体畸形时按瞬时错误重试
func TestOrchestrator_MalformedSuccessBody(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Write([]byte(`{"unexpected": true}`))
			return
		}
		successBody(t, w)
	}))
	defer server.Close()

	orch, _ := newTestOrchestrator(server.URL, []string{"sk-aaaa1111", "sk-bbbb2222"})

	result, failure := orch.Execute(context.Background(), Request{
		RequestID: "req-1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Nil(t, failure)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Attempts)
}
