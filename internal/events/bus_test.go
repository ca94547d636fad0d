package events

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试用广播器，记录收到的事件
type captureBroadcaster struct {
	mu     sync.Mutex
	events []string
	active bool
}

func (cb *captureBroadcaster) BroadcastEvent(eventType string, data map[string]interface{}) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.events = append(cb.events, eventType)
}

func (cb *captureBroadcaster) IsEventManagerActive() bool {
	return cb.active
}

func (cb *captureBroadcaster) captured() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return append([]string(nil), cb.events...)
}

func newTestBus(t *testing.T) (EventBus, *captureBroadcaster) {
	t.Helper()
	bus := NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	broadcaster := &captureBroadcaster{active: true}
	bus.SetSSEBroadcaster(broadcaster)
	require.NoError(t, bus.Start())
	t.Cleanup(func() {
		bus.Stop()
	})
	return bus, broadcaster
}

// TestEventBus_PublishBroadcastsMappedType 测试事件类型映射到前端类型后广播
func TestEventBus_PublishBroadcastsMappedType(t *testing.T) {
	bus, broadcaster := newTestBus(t)

	bus.Publish(Event{
		Type:     EventCredentialPenalized,
		Source:   "test",
		Priority: PriorityHigh,
		Data:     map[string]interface{}{"credential": "sk-a****1111"},
	})

	assert.Eventually(t, func() bool {
		events := broadcaster.captured()
		return len(events) == 1 && events[0] == "credential"
	}, time.Second, 10*time.Millisecond)
}

// TestEventBus_InactiveBroadcasterSkipped 测试广播器不活跃时不推送
func TestEventBus_InactiveBroadcasterSkipped(t *testing.T) {
	bus, broadcaster := newTestBus(t)
	broadcaster.active = false

	bus.Publish(Event{
		Type:     EventPoolExhausted,
		Source:   "test",
		Priority: PriorityCritical,
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, broadcaster.captured())

	// 统计仍然记录已处理
	stats := bus.GetStats()
	assert.Equal(t, int64(1), stats.TotalEvents)
}

// TestEventBus_NotRunningDropsEvents 测试未启动时事件被丢弃
func TestEventBus_NotRunningDropsEvents(t *testing.T) {
	bus := NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))

	bus.Publish(Event{Type: EventSystemError})

	stats := bus.GetStats()
	assert.Equal(t, int64(0), stats.TotalEvents)
}

// TestEventBus_StatsByType 测试按类型统计
func TestEventBus_StatsByType(t *testing.T) {
	bus, _ := newTestBus(t)

	bus.Publish(Event{Type: EventRequestCompleted, Priority: PriorityNormal})
	bus.Publish(Event{Type: EventRequestCompleted, Priority: PriorityNormal})
	bus.Publish(Event{Type: EventConfigChanged, Priority: PriorityNormal})

	assert.Eventually(t, func() bool {
		return bus.GetStats().ProcessedEvents == 3
	}, time.Second, 10*time.Millisecond)

	stats := bus.GetStats()
	assert.Equal(t, int64(2), stats.EventsByType[EventRequestCompleted])
	assert.Equal(t, int64(1), stats.EventsByType[EventConfigChanged])
}
