package events

import "time"

// 事件类型枚举
type EventType string

const (
	// 请求生命周期事件
	EventRequestCompleted EventType = "request_completed"

	// 凭证健康事件
	EventCredentialPenalized EventType = "credential_penalized"
	EventCredentialRevived   EventType = "credential_revived"
	EventPoolExhausted       EventType = "pool_exhausted"

	// 系统级事件
	EventSystemError   EventType = "system_error"
	EventConfigChanged EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow    EventPriority = iota // 批量处理，如统计数据
	PriorityNormal                      // 延迟处理，如请求完成
	PriorityHigh                        // 立即处理，如凭证状态变化
	PriorityCritical                    // 紧急处理，如系统错误
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
}

// 前端事件类型映射
var EventTypeMapping = map[EventType]string{
	EventRequestCompleted:    "request",
	EventCredentialPenalized: "credential",
	EventCredentialRevived:   "credential",
	EventPoolExhausted:       "credential",
	EventSystemError:         "status",
	EventConfigChanged:       "config",
}
