package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"key-relay/internal/events"
	"key-relay/internal/tracking"
)

// ChatInput 入站请求体
type ChatInput struct {
	Messages []Message `json:"messages"`
	// Model 可选，显式指定上游模型，覆盖层级推导
	Model string `json:"model,omitempty"`
	// QuestionContext 可选的业务上下文，渲染为最前面的system消息
	QuestionContext map[string]interface{} `json:"questionContext,omitempty"`
}

// errorResponse 结构化失败响应体
type errorResponse struct {
	Error            string `json:"error"`
	IsRateLimitError bool   `json:"isRateLimitError,omitempty"`
	IsAuthError      bool   `json:"isAuthError,omitempty"`
	RetryAfter       int    `json:"retryAfter,omitempty"` // 秒
	BusyKeyCount     int    `json:"busyKeyCount"`
	TotalKeyCount    int    `json:"totalKeyCount"`
}

// Handler 补全转发HTTP处理器
// 只负责JSON编解码和状态码映射，重试语义全部在Orchestrator中
type Handler struct {
	orchestrator *Orchestrator
	usageTracker *tracking.UsageTracker
	eventBus     events.EventBus
}

// NewHandler 创建转发处理器
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// SetUsageTracker 设置使用跟踪器
func (h *Handler) SetUsageTracker(tracker *tracking.UsageTracker) {
	h.usageTracker = tracker
}

// SetEventBus 设置EventBus事件总线
func (h *Handler) SetEventBus(eventBus events.EventBus) {
	h.eventBus = eventBus
}

// ServeHTTP 处理 POST /v1/chat
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := requestIDFromContext(r)
	start := time.Now()

	var input ChatInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		slog.Warn(fmt.Sprintf("📥 [转发处理] 请求体解析失败 - 请求: %s, 错误: %v", requestID, err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if err := validateInput(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	req := Request{
		RequestID: requestID,
		Messages:  buildMessages(&input),
		Model:     input.Model,
	}

	slog.Info(fmt.Sprintf("📥 [转发处理] 收到补全请求 - 请求: %s, 消息数: %d, 显式模型: %s",
		requestID, len(req.Messages), orDefault(input.Model, "无")))

	result, failure := h.orchestrator.Execute(r.Context(), req)
	duration := time.Since(start)

	if failure != nil {
		h.recordRequest(requestID, input.Model, "", failure.KindName(), 0, duration, nil)
		h.publishCompleted(requestID, failure.KindName(), duration)

		if failure.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(failure.RetryAfter.Seconds())))
		}
		writeJSON(w, failure.StatusCode(), errorResponse{
			Error:            failure.Message,
			IsRateLimitError: failure.IsRateLimit(),
			IsAuthError:      failure.IsAuth(),
			RetryAfter:       int(failure.RetryAfter.Seconds()),
			BusyKeyCount:     failure.BusyKeys,
			TotalKeyCount:    failure.TotalKeys,
		})
		return
	}

	// 上游载荷原样透传，只追加池观测计数
	result.Payload["busyKeyCount"] = result.BusyKeys
	result.Payload["totalKeyCount"] = result.TotalKeys

	h.recordRequest(requestID, result.Model, result.Tier.String(), "success", result.Attempts, duration, result.Payload)
	h.publishCompleted(requestID, "success", duration)

	writeJSON(w, http.StatusOK, result.Payload)
}

// buildMessages 构造转发给上游的消息列表
// questionContext序列化为最前面的system消息，其余消息原样保留
func buildMessages(input *ChatInput) []Message {
	if len(input.QuestionContext) == 0 {
		return input.Messages
	}

	contextJSON, err := json.Marshal(input.QuestionContext)
	if err != nil {
		return input.Messages
	}

	messages := make([]Message, 0, len(input.Messages)+1)
	messages = append(messages, Message{
		Role:    "system",
		Content: "Question context: " + string(contextJSON),
	})
	return append(messages, input.Messages...)
}

// validateInput 校验入站请求
func validateInput(input *ChatInput) error {
	if len(input.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, msg := range input.Messages {
		if strings.TrimSpace(msg.Role) == "" {
			return fmt.Errorf("message %d: role is required", i)
		}
	}
	return nil
}

// recordRequest 记录请求结果到使用跟踪器
func (h *Handler) recordRequest(requestID, model, tier, status string, attempts int, duration time.Duration, payload map[string]interface{}) {
	if h.usageTracker == nil {
		return
	}

	record := tracking.RequestRecord{
		RequestID:  requestID,
		Timestamp:  time.Now(),
		Model:      model,
		Tier:       tier,
		Status:     status,
		Attempts:   attempts,
		DurationMs: duration.Milliseconds(),
	}

	// 从上游usage对象提取Token统计，缺失时保持为0
	if usage, ok := payload["usage"].(map[string]interface{}); ok {
		record.PromptTokens = intFromJSON(usage["prompt_tokens"])
		record.CompletionTokens = intFromJSON(usage["completion_tokens"])
		record.TotalTokens = intFromJSON(usage["total_tokens"])
	}

	h.usageTracker.RecordRequest(record)
}

// publishCompleted 发布请求完成事件
func (h *Handler) publishCompleted(requestID, status string, duration time.Duration) {
	if h.eventBus == nil {
		return
	}
	h.eventBus.Publish(events.Event{
		Type:     events.EventRequestCompleted,
		Source:   "relay_handler",
		Priority: events.PriorityNormal,
		Data: map[string]interface{}{
			"request_id":  requestID,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// requestIDFromContext 获取日志中间件生成的请求ID，不存在时现场生成
func requestIDFromContext(r *http.Request) string {
	if id, ok := r.Context().Value("conn_id").(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// intFromJSON 从JSON解码出的数值中提取整数
func intFromJSON(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// orDefault 返回非空值或默认值
func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// writeJSON 写出JSON响应
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn(fmt.Sprintf("📤 [转发处理] 响应写出失败: %v", err))
	}
}
