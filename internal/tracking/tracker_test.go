package tracking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"key-relay/config"
)

func newTestTracker(t *testing.T) *UsageTracker {
	t.Helper()

	tracker, err := NewUsageTracker(&config.TrackingConfig{
		Enabled: true,
		Database: &config.DatabaseBackendConfig{
			Type: "sqlite",
			Path: ":memory:",
		},
		BufferSize:    100,
		BatchSize:     2,
		FlushInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		tracker.Close()
	})
	return tracker
}

// TestUsageTracker_RecordAndSummarize 测试记录写入与统计汇总
func TestUsageTracker_RecordAndSummarize(t *testing.T) {
	tracker := newTestTracker(t)

	tracker.RecordRequest(RequestRecord{
		RequestID:        "req-1",
		Model:            "model-large",
		Tier:             "primary",
		Status:           "success",
		Attempts:         1,
		DurationMs:       120,
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
	})
	tracker.RecordRequest(RequestRecord{
		RequestID:   "req-2",
		Model:       "model-small",
		Tier:        "fallback",
		Status:      "success",
		Attempts:    2,
		DurationMs:  340,
		TotalTokens: 8,
	})
	tracker.RecordRequest(RequestRecord{
		RequestID:  "req-3",
		Model:      "model-large",
		Status:     "rate_limited",
		Attempts:   3,
		DurationMs: 900,
	})

	// 等待批量写入和定时刷新完成
	time.Sleep(200 * time.Millisecond)

	summary, err := tracker.GetSummary(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), summary.TotalRequests)
	assert.Equal(t, int64(2), summary.SuccessRequests)
	assert.Equal(t, int64(1), summary.FailedRequests)
	assert.Equal(t, int64(23), summary.TotalTokens)

	assert.Equal(t, int64(2), summary.ByStatus["success"])
	assert.Equal(t, int64(1), summary.ByStatus["rate_limited"])

	require.Len(t, summary.ByModel, 2)
	assert.Equal(t, "model-large", summary.ByModel[0].Model)
	assert.Equal(t, int64(2), summary.ByModel[0].Requests)
}

// TestUsageTracker_DropsWhenBufferFull 测试缓冲区满时丢弃而不阻塞
func TestUsageTracker_DropsWhenBufferFull(t *testing.T) {
	tracker, err := NewUsageTracker(&config.TrackingConfig{
		Enabled: true,
		Database: &config.DatabaseBackendConfig{
			Type: "sqlite",
			Path: ":memory:",
		},
		BufferSize:    4,
		BatchSize:     4,
		FlushInterval: time.Hour, // 不触发定时刷新
	})
	require.NoError(t, err)
	defer tracker.Close()

	// 远超缓冲容量的写入不应阻塞
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			tracker.RecordRequest(RequestRecord{
				RequestID: fmt.Sprintf("req-%d", i),
				Status:    "success",
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordRequest在缓冲区满时发生阻塞")
	}
}

// TestUsageTracker_FlushOnClose 测试关闭时刷出剩余记录
func TestUsageTracker_FlushOnClose(t *testing.T) {
	tracker, err := NewUsageTracker(&config.TrackingConfig{
		Enabled: true,
		Database: &config.DatabaseBackendConfig{
			Type: "sqlite",
			Path: ":memory:",
		},
		BufferSize:    100,
		BatchSize:     50, // 大批量，不会被批量阈值触发
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	tracker.RecordRequest(RequestRecord{RequestID: "req-1", Status: "success"})

	// Close前查询不到（尚未刷入），Close会排空缓冲
	// 注意：Close后数据库连接已关闭，这里只验证Close不丢失数据的路径不报错
	require.NoError(t, tracker.Close())
}
