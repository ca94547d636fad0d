package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"key-relay/config"
	"key-relay/internal/credential"
	"key-relay/internal/events"
	"key-relay/internal/middleware"
	"key-relay/internal/tracking"
)

// WebServer Web管理界面服务器
type WebServer struct {
	server       *http.Server
	engine       *gin.Engine
	logger       *slog.Logger
	config       *config.Config
	pool         *credential.Pool
	monitoring   *middleware.MonitoringMiddleware
	usageTracker *tracking.UsageTracker
	sseManager   *SSEManager
	startTime    time.Time
	configPath   string
}

// NewWebServer 创建Web管理服务器
func NewWebServer(cfg *config.Config, pool *credential.Pool, monitoring *middleware.MonitoringMiddleware,
	usageTracker *tracking.UsageTracker, logger *slog.Logger, startTime time.Time,
	configPath string, eventBus events.EventBus) *WebServer {

	// 设置gin为release模式以减少日志输出
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	ws := &WebServer{
		engine:       engine,
		logger:       logger,
		config:       cfg,
		pool:         pool,
		monitoring:   monitoring,
		usageTracker: usageTracker,
		sseManager:   NewSSEManager(logger),
		startTime:    startTime,
		configPath:   configPath,
	}

	if eventBus != nil {
		eventBus.SetSSEBroadcaster(ws.sseManager)
	}

	ws.setupRoutes()

	return ws
}

// Start 启动Web服务器
func (ws *WebServer) Start() error {
	addr := fmt.Sprintf("%s:%d", ws.config.Web.Host, ws.config.Web.Port)

	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE连接需要禁用写入超时
		IdleTimeout:  300 * time.Second,
	}

	ws.logger.Info(fmt.Sprintf("🌐 Web界面启动中... - 地址: %s", addr))

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
		}
	}()

	ws.logger.Info(fmt.Sprintf("✅ Web界面启动成功！访问地址: http://%s", addr))
	return nil
}

// Stop 优雅关闭Web服务器
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}

	ws.logger.Info("🛑 正在关闭Web服务器...")

	ws.sseManager.Stop()

	err := ws.server.Shutdown(ctx)
	if err != nil {
		ws.logger.Error(fmt.Sprintf("❌ Web服务器关闭失败: %v", err))
	} else {
		ws.logger.Info("✅ Web服务器已安全关闭")
	}
	return err
}

// UpdateConfig 配置热更新时刷新引用
func (ws *WebServer) UpdateConfig(newConfig *config.Config) {
	ws.config = newConfig
	ws.logger.Info("🔄 Web服务器配置已更新")

	ws.sseManager.BroadcastEvent("config", map[string]interface{}{
		"event":     "config_updated",
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	})
}

// setupRoutes 设置路由
func (ws *WebServer) setupRoutes() {
	ws.engine.GET("/", ws.handleIndex)
	ws.engine.GET("/health", ws.handleHealth)

	api := ws.engine.Group("/api/v1")
	{
		api.GET("/status", ws.handleStatus)
		api.GET("/credentials", ws.handleCredentials)
		api.GET("/config", ws.handleConfig)
		api.GET("/usage/summary", ws.handleUsageSummary)
		api.GET("/stream", ws.handleSSE)
	}
}

// ginLoggerMiddleware 创建gin的日志中间件
func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		// SSE长连接不记录完成日志
		if path == "/api/v1/stream" {
			return
		}

		logger.Debug(fmt.Sprintf("🌐 [Web请求] %s %s → %d (%v)", c.Request.Method, path, status, latency),
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", latency.String(),
			"client_ip", c.ClientIP(),
		)
	}
}
