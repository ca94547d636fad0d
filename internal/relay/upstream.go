package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"key-relay/config"
)

// Message 对话消息，按原样转发给上游
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completionRequest 上游补全请求体
type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	MaxTokens   int       `json:"max_tokens"`
}

// UpstreamClient 上游补全服务客户端
// 每次调用使用一个凭证作为Bearer令牌，超时由调用方通过context控制
type UpstreamClient struct {
	client      *http.Client
	endpoint    string
	temperature float64
	topP        float64
	maxTokens   int
}

// NewUpstreamClient 创建上游客户端
// transport携带代理配置，超时不在客户端设置（由每次尝试的context限定）
func NewUpstreamClient(cfg *config.Config, transport http.RoundTripper) *UpstreamClient {
	return &UpstreamClient{
		client: &http.Client{
			Transport: transport,
		},
		endpoint:    strings.TrimRight(cfg.Upstream.URL, "/") + cfg.Upstream.ChatPath,
		temperature: cfg.Upstream.Temperature,
		topP:        cfg.Upstream.TopP,
		maxTokens:   cfg.Upstream.MaxTokens,
	}
}

// CreateCompletion 发起一次上游补全调用
// 返回原始响应，状态码和响应体的解析由调用方完成
func (uc *UpstreamClient) CreateCompletion(ctx context.Context, token, model string, messages []Message) (*http.Response, error) {
	body, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: uc.temperature,
		TopP:        uc.topP,
		MaxTokens:   uc.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uc.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Authorization", "Bearer "+token)

	return uc.client.Do(req)
}

// DecodeCompletion 解析上游成功响应体
// 要求choices字段存在且非空，否则视为畸形响应返回错误
func DecodeCompletion(body []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}

	choices, ok := payload["choices"].([]interface{})
	if !ok || len(choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}

	return payload, nil
}
