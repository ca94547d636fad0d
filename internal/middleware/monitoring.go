package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"key-relay/internal/credential"
)

// MonitoringMiddleware 提供健康检查端点和请求级指标
type MonitoringMiddleware struct {
	pool      *credential.Pool
	startTime time.Time

	mu              sync.Mutex
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	totalDuration   time.Duration
	byStatus        map[int]int64
}

// RequestStats 请求指标快照
type RequestStats struct {
	TotalRequests     int64            `json:"total_requests"`
	SuccessRequests   int64            `json:"success_requests"`
	FailedRequests    int64            `json:"failed_requests"`
	AvgResponseTimeMs float64          `json:"avg_response_time_ms"`
	ByStatus          map[string]int64 `json:"by_status"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
}

// NewMonitoringMiddleware 创建监控中间件
func NewMonitoringMiddleware(pool *credential.Pool) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		pool:      pool,
		startTime: time.Now(),
		byStatus:  make(map[int]int64),
	}
}

// RecordResponse 记录一次响应的状态码和耗时
func (mm *MonitoringMiddleware) RecordResponse(statusCode int, duration time.Duration) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	mm.totalRequests++
	if statusCode >= 200 && statusCode < 400 {
		mm.successRequests++
	} else {
		mm.failedRequests++
	}
	mm.totalDuration += duration
	mm.byStatus[statusCode]++
}

// GetStats 返回当前请求指标快照
func (mm *MonitoringMiddleware) GetStats() RequestStats {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	stats := RequestStats{
		TotalRequests:   mm.totalRequests,
		SuccessRequests: mm.successRequests,
		FailedRequests:  mm.failedRequests,
		ByStatus:        make(map[string]int64, len(mm.byStatus)),
		UptimeSeconds:   int64(time.Since(mm.startTime).Seconds()),
	}
	if mm.totalRequests > 0 {
		stats.AvgResponseTimeMs = float64(mm.totalDuration.Milliseconds()) / float64(mm.totalRequests)
	}
	for code, count := range mm.byStatus {
		stats.ByStatus[http.StatusText(code)] = count
	}
	return stats
}

// RegisterHealthEndpoint 注册健康检查端点
func (mm *MonitoringMiddleware) RegisterHealthEndpoint(mux *http.ServeMux) {
	mux.HandleFunc("/health", mm.handleHealth)
}

// handleHealth 基础健康检查
// 所有凭证都在冷却或占用中时报告degraded，凭证池为空时报告unhealthy
func (mm *MonitoringMiddleware) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	busy, total := mm.pool.Counts()

	status := "healthy"
	statusCode := http.StatusOK
	if total == 0 {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if busy == total {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          status,
		"busy_key_count":  busy,
		"total_key_count": total,
	})
}
