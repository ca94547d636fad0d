package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LoggingMiddleware 请求/响应日志中间件
type LoggingMiddleware struct {
	logger     *slog.Logger
	monitoring *MonitoringMiddleware
}

// NewLoggingMiddleware 创建日志中间件
func NewLoggingMiddleware(logger *slog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger: logger,
	}
}

// SetMonitoringMiddleware 设置监控中间件引用
func (lm *LoggingMiddleware) SetMonitoringMiddleware(mm *MonitoringMiddleware) {
	lm.monitoring = mm
}

// responseWriter 包装http.ResponseWriter以捕获状态码和写入字节数
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.statusCode == 0 {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Wrap 为HTTP处理器包装日志记录
// 为每个请求生成conn_id并注入上下文，供下游处理器使用
func (lm *LoggingMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := getClientIP(r)
		userAgent := truncateString(r.UserAgent(), 50)

		connID := fmt.Sprintf("req-%s", uuid.New().String()[:8])
		r = r.WithContext(context.WithValue(r.Context(), "conn_id", connID))

		rw := &responseWriter{ResponseWriter: w}

		lm.logger.Debug(fmt.Sprintf("📝 [请求接收] [%s] %s %s", connID, r.Method, r.URL.Path),
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", clientIP,
			"user_agent", userAgent,
			"content_length", r.ContentLength,
			"conn_id", connID,
		)

		next.ServeHTTP(rw, r)

		duration := time.Since(start)

		if lm.monitoring != nil {
			lm.monitoring.RecordResponse(rw.statusCode, duration)
		}

		statusEmoji := getStatusEmoji(rw.statusCode)
		lm.logger.Info(fmt.Sprintf("%s [请求完成] [%s] %s %s → %d (%s)",
			statusEmoji, connID, r.Method, r.URL.Path, rw.statusCode, formatDuration(duration)),
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", rw.statusCode,
			"bytes_written", formatBytes(rw.bytes),
			"duration", formatDuration(duration),
			"client_ip", clientIP,
			"conn_id", connID,
		)

		if duration > 10*time.Second {
			lm.logger.Warn(fmt.Sprintf("🐌 [慢请求] [%s]", connID),
				"method", r.Method,
				"path", r.URL.Path,
				"duration", formatDuration(duration),
				"status_code", rw.statusCode,
				"conn_id", connID,
			)
		}
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.Split(xff, ",")[0]
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getStatusEmoji(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "✅"
	case statusCode >= 300 && statusCode < 400:
		return "🔄"
	case statusCode >= 400 && statusCode < 500:
		return "⚠️"
	case statusCode >= 500:
		return "❌"
	default:
		return "❓"
	}
}

func formatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	} else if bytes < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	} else {
		return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fμs", float64(d.Nanoseconds())/1000)
	} else if d < time.Second {
		return fmt.Sprintf("%.1fms", float64(d.Nanoseconds())/1000000)
	} else {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
