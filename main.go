package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"key-relay/config"
	"key-relay/internal/credential"
	"key-relay/internal/events"
	"key-relay/internal/middleware"
	"key-relay/internal/relay"
	"key-relay/internal/tracking"
	"key-relay/internal/transport"
	"key-relay/internal/tui"
	"key-relay/internal/web"
)

var (
	configPath  = flag.String("config", "config/example.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	enableTUI   = flag.Bool("tui", false, "Enable TUI interface")
	disableTUI  = flag.Bool("no-tui", false, "Disable TUI interface")
	enableWeb   = flag.Bool("web", false, "Enable Web interface")
	webPort     = flag.Int("web-port", 8088, "Web interface port (default: 8088)")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	startTime = time.Now()
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Key Relay\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// Setup initial logger (will be updated when config is loaded)
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, nil)
	slog.SetDefault(logger)

	// Create configuration watcher
	configWatcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create configuration watcher: %v\n", err)
		os.Exit(1)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()

	// Apply Web configuration from command line
	if *enableWeb {
		cfg.Web.Enabled = true
	}
	if *webPort != 8088 { // 只有当用户显式指定了端口时才覆盖
		cfg.Web.Port = *webPort
	}

	// Command line flags override config file
	tuiEnabled := cfg.TUI.Enabled
	if *enableTUI {
		tuiEnabled = true
	}
	if *disableTUI {
		tuiEnabled = false
	}

	// Update logger with config settings (TUI will be added later)
	logger = setupLogger(cfg.Logging, nil)
	slog.SetDefault(logger)

	if tuiEnabled {
		logger.Info("🖥️ TUI模式已启用，启动图形化监控界面")
	} else {
		logger.Info("🚀 Key Relay 启动中...",
			"version", version,
			"commit", commit,
			"build_date", date,
			"config_file", *configPath,
			"credentials_count", len(cfg.Pool.Credentials),
			"upstream", cfg.Upstream.URL)
	}

	if !tuiEnabled {
		if cfg.Proxy.Enabled {
			logger.Info("🔗 " + transport.GetProxyInfo(cfg))
		} else {
			logger.Info("🔗 代理未启用，将直接连接上游服务")
		}
	}

	// Create credential pool
	pool := credential.NewPool(cfg.Pool.Credentials, cfg.Pool.CooldownBase, cfg.Pool.CooldownMax)

	// Initialize EventBus
	eventBus := events.NewEventBus(logger)
	if err := eventBus.Start(); err != nil {
		logger.Error(fmt.Sprintf("❌ EventBus启动失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Stop(); err != nil {
			logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
	}()

	// 凭证冷却恢复通过事件总线推送给Web前端
	pool.SetReviveCallback(func(maskedToken string, errorCount int) {
		eventBus.Publish(events.Event{
			Type:     events.EventCredentialRevived,
			Source:   "credential_pool",
			Priority: events.PriorityHigh,
			Data: map[string]interface{}{
				"credential":  maskedToken,
				"error_count": errorCount,
			},
		})
	})

	// Initialize usage tracker
	var usageTracker *tracking.UsageTracker
	if cfg.Tracking.Enabled {
		usageTracker, err = tracking.NewUsageTracker(&cfg.Tracking)
		if err != nil {
			logger.Error(fmt.Sprintf("❌ 使用跟踪器初始化失败: %v", err))
			os.Exit(1)
		}
		defer func() {
			if err := usageTracker.Close(); err != nil {
				logger.Error(fmt.Sprintf("❌ 使用跟踪器关闭失败: %v", err))
			}
		}()
	}

	// Create upstream transport (honors proxy configuration)
	httpTransport, err := transport.CreateTransport(cfg)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 传输层创建失败: %v", err))
		os.Exit(1)
	}

	// Create relay pipeline
	upstreamClient := relay.NewUpstreamClient(cfg, httpTransport)
	orchestrator := relay.NewOrchestrator(pool, upstreamClient, cfg)
	orchestrator.SetEventBus(eventBus)

	relayHandler := relay.NewHandler(orchestrator)
	relayHandler.SetEventBus(eventBus)
	if usageTracker != nil {
		relayHandler.SetUsageTracker(usageTracker)
	}

	// Create middleware
	loggingMiddleware := middleware.NewLoggingMiddleware(logger)
	monitoringMiddleware := middleware.NewMonitoringMiddleware(pool)
	loggingMiddleware.SetMonitoringMiddleware(monitoringMiddleware)

	// Store tuiApp and webServer references for configuration reloads
	var tuiApp *tui.TUIApp
	var webServer *web.WebServer

	// Setup configuration reload callback to update components
	configWatcher.AddReloadCallback(func(newCfg *config.Config) {
		newLogger := setupLogger(newCfg.Logging, tuiApp)
		slog.SetDefault(newLogger)

		if tuiApp != nil {
			tuiApp.UpdateConfig(newCfg)
		}
		if webServer != nil {
			webServer.UpdateConfig(newCfg)
		}

		eventBus.Publish(events.Event{
			Type:     events.EventConfigChanged,
			Source:   "config_watcher",
			Priority: events.PriorityNormal,
			Data: map[string]interface{}{
				"config_file": *configPath,
			},
		})

		if !tuiEnabled {
			newLogger.Info("🔄 所有组件已更新为新配置")
		}
	})

	if !tuiEnabled {
		logger.Info("🔄 配置文件自动重载已启用")
	}

	// Setup HTTP server
	mux := http.NewServeMux()
	monitoringMiddleware.RegisterHealthEndpoint(mux)
	mux.Handle("/v1/chat", loggingMiddleware.Wrap(relayHandler))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if !tuiEnabled {
			logger.Info("🌐 HTTP 服务器启动中...",
				"address", server.Addr,
				"credentials_count", len(cfg.Pool.Credentials))
		}

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Give server a moment to start
	time.Sleep(100 * time.Millisecond)

	select {
	case err := <-serverErr:
		logger.Error(fmt.Sprintf("❌ 服务器启动失败: %v", err))
		os.Exit(1)
	default:
		if !tuiEnabled {
			baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
			logger.Info("✅ 服务器启动成功！")
			logger.Info("📡 补全接口: " + baseURL + "/v1/chat")
		}
	}

	// Start Web server if enabled
	if cfg.Web.Enabled {
		webServer = web.NewWebServer(cfg, pool, monitoringMiddleware, usageTracker, logger, startTime, *configPath, eventBus)
		if err := webServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
		}
	}

	// Start TUI if enabled
	if tuiEnabled {
		tuiApp = tui.NewTUIApp(cfg, pool, monitoringMiddleware, startTime, *configPath)

		// Update logger to send logs to TUI
		logger = setupLogger(cfg.Logging, tuiApp)
		slog.SetDefault(logger)

		tuiErr := make(chan error, 1)
		go func() {
			tuiErr <- tuiApp.Run()
		}()

		select {
		case err := <-serverErr:
			publishSystemError(eventBus, err)
			logger.Error(fmt.Sprintf("❌ 服务器运行时错误(在TUI模式): %v", err))
			tuiApp.Stop()
			os.Exit(1)
		case err := <-tuiErr:
			logger.Info("📱 TUI界面已关闭")
			if err != nil {
				logger.Error(fmt.Sprintf("TUI运行错误: %v", err))
			}
		}
	} else {
		// Wait for interrupt signal in non-TUI mode
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErr:
			publishSystemError(eventBus, err)
			logger.Error(fmt.Sprintf("❌ 服务器运行时错误: %v", err))
			os.Exit(1)
		case sig := <-interrupt:
			logger.Info(fmt.Sprintf("📡 收到终止信号，开始优雅关闭... - 信号: %v", sig))
		}
	}

	// Graceful shutdown
	if !tuiEnabled {
		logger.Info("🛑 正在关闭服务器...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if webServer != nil {
		webServer.Stop(ctx)
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error(fmt.Sprintf("❌ 服务器关闭失败: %v", err))
		os.Exit(1)
	}

	if !tuiEnabled {
		logger.Info("✅ 服务器已安全关闭")
	}
}

// publishSystemError 把服务器运行时错误推送到事件总线
func publishSystemError(eventBus events.EventBus, err error) {
	eventBus.Publish(events.Event{
		Type:     events.EventSystemError,
		Source:   "http_server",
		Priority: events.PriorityCritical,
		Data: map[string]interface{}{
			"error": err.Error(),
		},
	})
}

// setupLogger configures the structured logger
// TUI模式下日志写入TUI的日志视图，否则写stdout
func setupLogger(cfg config.LoggingConfig, tuiApp *tui.TUIApp) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if tuiApp != nil {
		out = tuiApp
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}
