package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// sseClient 单个SSE连接
type sseClient struct {
	id      string
	events  chan sseEvent
	filters map[string]bool // 为空表示订阅全部
}

// sseEvent 推送给前端的事件
type sseEvent struct {
	Type string
	Data map[string]interface{}
}

// SSEManager 管理SSE客户端连接并实现事件广播
type SSEManager struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[string]*sseClient
	stopped bool
}

// NewSSEManager 创建SSE连接管理器
func NewSSEManager(logger *slog.Logger) *SSEManager {
	return &SSEManager{
		logger:  logger,
		clients: make(map[string]*sseClient),
	}
}

// BroadcastEvent 向所有订阅该类型的客户端广播事件
func (sm *SSEManager) BroadcastEvent(eventType string, data map[string]interface{}) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for _, client := range sm.clients {
		if len(client.filters) > 0 && !client.filters[eventType] {
			continue
		}
		select {
		case client.events <- sseEvent{Type: eventType, Data: data}:
		default:
			// 客户端消费太慢，丢弃事件避免阻塞广播
		}
	}
}

// IsEventManagerActive 是否有活跃的SSE客户端
func (sm *SSEManager) IsEventManagerActive() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return !sm.stopped && len(sm.clients) > 0
}

// Stop 停止管理器并断开所有客户端
func (sm *SSEManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.stopped = true
	for id, client := range sm.clients {
		close(client.events)
		delete(sm.clients, id)
	}
}

func (sm *SSEManager) addClient(client *sseClient) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.stopped {
		return false
	}
	sm.clients[client.id] = client
	return true
}

func (sm *SSEManager) removeClient(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if client, ok := sm.clients[id]; ok {
		close(client.events)
		delete(sm.clients, id)
	}
}

// handleSSE 处理Server-Sent Events连接
func (ws *WebServer) handleSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	client := &sseClient{
		id:      clientID,
		events:  make(chan sseEvent, 64),
		filters: parseEventFilter(c.Query("events")),
	}
	if !ws.sseManager.addClient(client) {
		c.Status(503)
		return
	}
	defer ws.sseManager.removeClient(clientID)

	ws.logger.Debug("SSE客户端已连接", "client_id", clientID)

	// 连接确认
	writeSSEEvent(c, "connection", map[string]interface{}{
		"status":    "established",
		"client_id": clientID,
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	})
	c.Writer.Flush()

	// 心跳保持连接活跃
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case event, ok := <-client.events:
			if !ok {
				return
			}
			if err := writeSSEEvent(c, event.Type, event.Data); err != nil {
				ws.logger.Debug("SSE事件发送失败", "client_id", clientID, "error", err)
				return
			}
			c.Writer.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()

		case <-ctx.Done():
			ws.logger.Debug("SSE客户端断开连接", "client_id", clientID)
			return
		}
	}
}

// writeSSEEvent 按SSE格式写出一个事件
func writeSSEEvent(c *gin.Context, eventType string, data map[string]interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, payload)
	return err
}

// parseEventFilter 解析逗号分隔的事件类型过滤器
func parseEventFilter(eventsParam string) map[string]bool {
	filter := make(map[string]bool)
	if eventsParam == "" {
		return filter
	}
	for _, e := range strings.Split(eventsParam, ",") {
		if e = strings.TrimSpace(e); e != "" {
			filter[e] = true
		}
	}
	return filter
}
