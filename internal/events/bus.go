package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventBus 接口
type EventBus interface {
	// 发布事件
	Publish(event Event)

	// 设置 SSE 推送器
	SetSSEBroadcaster(broadcaster SSEBroadcaster)

	// 启动和停止
	Start() error
	Stop() error

	// 获取统计信息
	GetStats() BusStats
}

// SSE 广播器接口
type SSEBroadcaster interface {
	BroadcastEvent(eventType string, data map[string]interface{})
	IsEventManagerActive() bool
}

// 事件过滤器
type EventFilter struct {
	// 是否推送给 SSE
	ShouldBroadcast func(event Event) bool

	// 频率限制（防止过度推送）
	RateLimit time.Duration
}

// EventBus 实现
type eventBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	eventChan      chan Event
	sseBroadcaster SSEBroadcaster

	filters      map[EventType]EventFilter
	rateLimiters map[EventType]*rateLimiter

	stats   BusStats
	statsMu sync.RWMutex

	running bool
	wg      sync.WaitGroup
}

// 统计信息
type BusStats struct {
	TotalEvents      int64                   `json:"total_events"`
	ProcessedEvents  int64                   `json:"processed_events"`
	DroppedEvents    int64                   `json:"dropped_events"`
	EventsByType     map[EventType]int64     `json:"events_by_type"`
	EventsByPriority map[EventPriority]int64 `json:"events_by_priority"`
	StartTime        time.Time               `json:"start_time"`
}

// 频率限制器
type rateLimiter struct {
	lastTime time.Time
	limit    time.Duration
	mu       sync.Mutex
}

func (rl *rateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastTime) >= rl.limit {
		rl.lastTime = now
		return true
	}
	return false
}

// NewEventBus 创建新的EventBus实例
func NewEventBus(logger *slog.Logger) EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	bus := &eventBus{
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		eventChan:    make(chan Event, 1000), // 缓冲区大小
		filters:      make(map[EventType]EventFilter),
		rateLimiters: make(map[EventType]*rateLimiter),
		stats: BusStats{
			EventsByType:     make(map[EventType]int64),
			EventsByPriority: make(map[EventPriority]int64),
			StartTime:        time.Now(),
		},
	}

	bus.setupDefaultFilters()

	return bus
}

// 设置默认过滤器
func (eb *eventBus) setupDefaultFilters() {
	// 请求完成事件 - 高频率但重要
	eb.filters[EventRequestCompleted] = EventFilter{
		ShouldBroadcast: func(event Event) bool { return true },
		RateLimit:       100 * time.Millisecond,
	}

	// 凭证健康事件 - 关键事件，立即推送
	eb.filters[EventCredentialPenalized] = EventFilter{
		ShouldBroadcast: func(event Event) bool { return true },
		RateLimit:       0, // 无限制
	}
	eb.filters[EventCredentialRevived] = EventFilter{
		ShouldBroadcast: func(event Event) bool { return true },
		RateLimit:       0,
	}

	// 池耗尽事件 - 适度限制，连续失败时避免刷屏
	eb.filters[EventPoolExhausted] = EventFilter{
		ShouldBroadcast: func(event Event) bool { return true },
		RateLimit:       time.Second,
	}

	// 系统事件 - 重要系统事件
	eb.filters[EventSystemError] = EventFilter{
		ShouldBroadcast: func(event Event) bool { return true },
		RateLimit:       0,
	}
	eb.filters[EventConfigChanged] = EventFilter{
		ShouldBroadcast: func(event Event) bool { return true },
		RateLimit:       0,
	}

	// 初始化频率限制器
	for eventType, filter := range eb.filters {
		if filter.RateLimit > 0 {
			eb.rateLimiters[eventType] = &rateLimiter{
				limit: filter.RateLimit,
			}
		}
	}
}

// Publish 发布事件
func (eb *eventBus) Publish(event Event) {
	if !eb.running {
		eb.logger.Debug("EventBus not running, dropping event", "type", event.Type)
		return
	}

	event.Timestamp = time.Now()

	eb.updateStats(event, "total")

	select {
	case eb.eventChan <- event:
		// 事件发送成功
	default:
		// 缓冲区满，丢弃事件
		eb.updateStats(event, "dropped")
		eb.logger.Warn("EventBus buffer full, dropping event", "type", event.Type, "source", event.Source)
	}
}

// SetSSEBroadcaster 设置SSE广播器
func (eb *eventBus) SetSSEBroadcaster(broadcaster SSEBroadcaster) {
	eb.sseBroadcaster = broadcaster
}

// Start 启动EventBus
func (eb *eventBus) Start() error {
	if eb.running {
		return nil
	}

	eb.running = true
	eb.wg.Add(1)

	go eb.eventProcessor()

	eb.logger.Info("EventBus started")
	return nil
}

// Stop 停止EventBus
func (eb *eventBus) Stop() error {
	if !eb.running {
		return nil
	}

	eb.running = false
	eb.cancel()
	close(eb.eventChan)

	eb.wg.Wait()

	eb.logger.Info("EventBus stopped")
	return nil
}

// GetStats 获取统计信息
func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	defer eb.statsMu.RUnlock()

	stats := BusStats{
		TotalEvents:      eb.stats.TotalEvents,
		ProcessedEvents:  eb.stats.ProcessedEvents,
		DroppedEvents:    eb.stats.DroppedEvents,
		EventsByType:     make(map[EventType]int64),
		EventsByPriority: make(map[EventPriority]int64),
		StartTime:        eb.stats.StartTime,
	}

	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsByPriority {
		stats.EventsByPriority[k] = v
	}

	return stats
}

// 事件处理器
func (eb *eventBus) eventProcessor() {
	defer eb.wg.Done()

	for {
		select {
		case event, ok := <-eb.eventChan:
			if !ok {
				return
			}

			eb.processEvent(event)

		case <-eb.ctx.Done():
			return
		}
	}
}

// 处理单个事件
func (eb *eventBus) processEvent(event Event) {
	eb.updateStats(event, "processed")

	filter, exists := eb.filters[event.Type]
	if !exists {
		eb.logger.Debug("No filter for event type", "type", event.Type)
		return
	}

	if !filter.ShouldBroadcast(event) {
		return
	}

	// 检查频率限制
	if limiter, exists := eb.rateLimiters[event.Type]; exists {
		if !limiter.Allow() {
			return
		}
	}

	if eb.sseBroadcaster == nil {
		return
	}

	if !eb.sseBroadcaster.IsEventManagerActive() {
		return
	}

	if frontendEventType, exists := EventTypeMapping[event.Type]; exists {
		eb.sseBroadcaster.BroadcastEvent(frontendEventType, event.Data)
	} else {
		eb.logger.Warn("No frontend mapping for event type", "type", event.Type)
	}
}

// 更新统计信息
func (eb *eventBus) updateStats(event Event, statType string) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	switch statType {
	case "total":
		eb.stats.TotalEvents++
		eb.stats.EventsByType[event.Type]++
		eb.stats.EventsByPriority[event.Priority]++
	case "processed":
		eb.stats.ProcessedEvents++
	case "dropped":
		eb.stats.DroppedEvents++
	}
}
