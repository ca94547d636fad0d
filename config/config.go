package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Pool     PoolConfig     `yaml:"pool"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracking TrackingConfig `yaml:"tracking"` // Usage tracking configuration
	Proxy    ProxyConfig    `yaml:"proxy"`
	TUI      TUIConfig      `yaml:"tui"` // TUI configuration
	Web      WebConfig      `yaml:"web"` // Web interface configuration
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// UpstreamConfig 上游补全服务配置
type UpstreamConfig struct {
	URL            string        `yaml:"url"`             // Upstream base URL
	ChatPath       string        `yaml:"chat_path"`       // Completion endpoint path
	PrimaryModel   string        `yaml:"primary_model"`   // Model used at the primary tier
	FallbackModel  string        `yaml:"fallback_model"`  // Model used at the fallback tier
	Temperature    float64       `yaml:"temperature"`
	TopP           float64       `yaml:"top_p"`
	MaxTokens      int           `yaml:"max_tokens"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // Per-attempt deadline, distinct from retry budget
}

// PoolConfig 凭证池配置
// 凭证列表在进程启动时加载一次，运行期间不增减
type PoolConfig struct {
	Credentials  []string      `yaml:"credentials"`
	CooldownBase time.Duration `yaml:"cooldown_base"` // Base cooldown after a penalty
	CooldownMax  time.Duration `yaml:"cooldown_max"`  // Cooldown upper bound
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	RetryAfterHint time.Duration `yaml:"retry_after_hint"` // Advisory retry delay when the pool is exhausted
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

type TrackingConfig struct {
	Enabled       bool                   `yaml:"enabled"`            // Enable usage tracking, default: false
	Database      *DatabaseBackendConfig `yaml:"database,omitempty"` // Database configuration
	BufferSize    int                    `yaml:"buffer_size"`        // Event buffer size, default: 1000
	BatchSize     int                    `yaml:"batch_size"`         // Batch write size, default: 100
	FlushInterval time.Duration          `yaml:"flush_interval"`     // Force flush interval, default: 30s
}

// DatabaseBackendConfig 数据库后端配置
type DatabaseBackendConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	Path string `yaml:"path,omitempty"` // SQLite文件路径

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// 连接池配置
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`     // "http", "https", "socks5"
	URL      string `yaml:"url"`      // Complete proxy URL
	Host     string `yaml:"host"`     // Proxy host
	Port     int    `yaml:"port"`     // Proxy port
	Username string `yaml:"username"` // Optional auth username
	Password string `yaml:"password"` // Optional auth password
}

type TUIConfig struct {
	Enabled        bool          `yaml:"enabled"`         // Enable TUI interface, default: false
	UpdateInterval time.Duration `yaml:"update_interval"` // TUI refresh interval, default: 2s
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable Web interface, default: false
	Host    string `yaml:"host"`    // Web interface host, default: localhost
	Port    int    `yaml:"port"`    // Web interface port, default: 8088
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	config.setDefaults()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	// Set upstream defaults
	if c.Upstream.ChatPath == "" {
		c.Upstream.ChatPath = "/v1/chat/completions"
	}
	if c.Upstream.Temperature == 0 {
		c.Upstream.Temperature = 0.7
	}
	if c.Upstream.TopP == 0 {
		c.Upstream.TopP = 1.0
	}
	if c.Upstream.MaxTokens == 0 {
		c.Upstream.MaxTokens = 2048
	}
	if c.Upstream.AttemptTimeout == 0 {
		c.Upstream.AttemptTimeout = 15 * time.Second // Per-attempt deadline
	}

	// Set pool defaults
	if c.Pool.CooldownBase == 0 {
		c.Pool.CooldownBase = 30 * time.Second
	}
	if c.Pool.CooldownMax == 0 {
		c.Pool.CooldownMax = 5 * time.Minute
	}

	// Set retry defaults
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
	if c.Retry.RetryAfterHint == 0 {
		c.Retry.RetryAfterHint = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	// Set tracking defaults
	if c.Tracking.Database == nil {
		c.Tracking.Database = &DatabaseBackendConfig{}
	}
	if c.Tracking.Database.Type == "" {
		c.Tracking.Database.Type = "sqlite"
	}
	if c.Tracking.Database.Type == "sqlite" && c.Tracking.Database.Path == "" {
		c.Tracking.Database.Path = "data/usage.db"
	}
	if c.Tracking.BufferSize == 0 {
		c.Tracking.BufferSize = 1000
	}
	if c.Tracking.BatchSize == 0 {
		c.Tracking.BatchSize = 100
	}
	if c.Tracking.FlushInterval == 0 {
		c.Tracking.FlushInterval = 30 * time.Second
	}

	// Set TUI defaults
	if c.TUI.UpdateInterval == 0 {
		c.TUI.UpdateInterval = 2 * time.Second
	}

	// Set Web defaults
	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8088
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream URL is required")
	}
	if c.Upstream.PrimaryModel == "" {
		return fmt.Errorf("upstream primary model is required")
	}
	if c.Upstream.FallbackModel == "" {
		return fmt.Errorf("upstream fallback model is required")
	}

	// 凭证列表允许为空（池为空时请求立即返回无凭证可用），但不允许全是空白串
	for i, token := range c.Pool.Credentials {
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("pool credential %d is blank", i)
		}
	}
	if c.Pool.CooldownBase < 0 || c.Pool.CooldownMax < 0 {
		return fmt.Errorf("pool cooldown durations must be non-negative")
	}
	if c.Pool.CooldownMax < c.Pool.CooldownBase {
		return fmt.Errorf("pool cooldown_max cannot be smaller than cooldown_base")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}

	// Validate proxy configuration
	if c.Proxy.Enabled {
		if c.Proxy.Type == "" {
			return fmt.Errorf("proxy type is required when proxy is enabled")
		}
		if c.Proxy.Type != "http" && c.Proxy.Type != "https" && c.Proxy.Type != "socks5" {
			return fmt.Errorf("proxy type must be 'http', 'https', or 'socks5'")
		}
		if c.Proxy.URL == "" && (c.Proxy.Host == "" || c.Proxy.Port == 0) {
			return fmt.Errorf("proxy URL or host:port must be specified when proxy is enabled")
		}
	}

	// Validate usage tracking configuration
	if c.Tracking.Enabled {
		switch c.Tracking.Database.Type {
		case "sqlite":
			if c.Tracking.Database.Path == "" {
				return fmt.Errorf("database path is required when usage tracking is enabled")
			}
		case "mysql":
			if c.Tracking.Database.Host == "" || c.Tracking.Database.Database == "" {
				return fmt.Errorf("mysql host and database are required when usage tracking is enabled")
			}
		default:
			return fmt.Errorf("tracking database type must be 'sqlite' or 'mysql'")
		}
		if c.Tracking.BufferSize <= 0 {
			return fmt.Errorf("buffer size must be greater than 0 when usage tracking is enabled")
		}
		if c.Tracking.BatchSize <= 0 {
			return fmt.Errorf("batch size must be greater than 0 when usage tracking is enabled")
		}
		if c.Tracking.BatchSize > c.Tracking.BufferSize {
			return fmt.Errorf("batch size cannot be larger than buffer size")
		}
		if c.Tracking.FlushInterval <= 0 {
			return fmt.Errorf("flush interval must be greater than 0 when usage tracking is enabled")
		}
	}

	return nil
}

// ConfigWatcher handles automatic configuration reloading
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	// Load initial configuration
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	// Get initial modification time
	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	// Create file watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		callbacks:   make([]func(*Config), 0),
		lastModTime: fileInfo.ModTime(),
	}

	// Add config file to watcher
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	// Start watching in background
	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// AddReloadCallback adds a callback function that will be called when config is reloaded
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// watchLoop monitors the config file for changes
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			// Handle file write events
			if event.Has(fsnotify.Write) {
				// Check if file was actually modified by comparing modification time
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.logger.Warn(fmt.Sprintf("⚠️ 无法获取配置文件信息: %v", err))
					continue
				}

				// Skip if modification time hasn't changed
				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}

				cw.lastModTime = fileInfo.ModTime()

				// Cancel any existing debounce timer
				if cw.debounceTimer != nil {
					cw.debounceTimer.Stop()
				}

				// Set up debounce timer to avoid multiple rapid reloads
				cw.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
					cw.logger.Info(fmt.Sprintf("🔄 检测到配置文件变更，正在重新加载... - 文件: %s", event.Name))
					if err := cw.reloadConfig(); err != nil {
						cw.logger.Error(fmt.Sprintf("❌ 配置文件重新加载失败: %v", err))
					} else {
						cw.logger.Info("✅ 配置文件重新加载成功")
					}
				})
			}

			// Handle file rename/remove events (some editors rename files during save)
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// Re-add the file to watcher in case it was recreated
				time.Sleep(100 * time.Millisecond) // Give time for the file to be recreated
				if _, err := os.Stat(cw.configPath); err == nil {
					cw.watcher.Add(cw.configPath)
					cw.logger.Info(fmt.Sprintf("🔄 重新监听配置文件: %s", cw.configPath))
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error(fmt.Sprintf("⚠️ 配置文件监听错误: %v", err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	// Call all registered callbacks
	for _, callback := range callbacks {
		callback(newConfig)
	}

	// Log configuration changes
	cw.logConfigChanges(oldConfig, newConfig)

	return nil
}

// logConfigChanges logs the key differences between old and new configurations
func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	// 凭证池在进程启动时固定，热加载不会重建池
	if len(oldConfig.Pool.Credentials) != len(newConfig.Pool.Credentials) {
		cw.logger.Warn("🔑 凭证列表变更需要重启进程才能生效",
			"old_count", len(oldConfig.Pool.Credentials),
			"new_count", len(newConfig.Pool.Credentials))
	}

	if oldConfig.Server.Port != newConfig.Server.Port {
		cw.logger.Info("🌐 服务器端口变更",
			"old_port", oldConfig.Server.Port,
			"new_port", newConfig.Server.Port)
	}

	if oldConfig.Logging.Level != newConfig.Logging.Level {
		cw.logger.Info("📝 日志级别变更",
			"old_level", oldConfig.Logging.Level,
			"new_level", newConfig.Logging.Level)
	}

	if oldConfig.Upstream.PrimaryModel != newConfig.Upstream.PrimaryModel {
		cw.logger.Info("🎯 主层级模型变更",
			"old_model", oldConfig.Upstream.PrimaryModel,
			"new_model", newConfig.Upstream.PrimaryModel)
	}

	if oldConfig.Upstream.FallbackModel != newConfig.Upstream.FallbackModel {
		cw.logger.Info("🎯 降级层级模型变更",
			"old_model", oldConfig.Upstream.FallbackModel,
			"new_model", newConfig.Upstream.FallbackModel)
	}

	if oldConfig.Web.Enabled != newConfig.Web.Enabled {
		cw.logger.Info("🌐 Web界面状态变更",
			"old_enabled", oldConfig.Web.Enabled,
			"new_enabled", newConfig.Web.Enabled)
	}

	if oldConfig.Tracking.Enabled != newConfig.Tracking.Enabled {
		cw.logger.Info("📊 使用跟踪状态变更",
			"old_enabled", oldConfig.Tracking.Enabled,
			"new_enabled", newConfig.Tracking.Enabled)
	}
}

// Close stops the configuration watcher
func (cw *ConfigWatcher) Close() error {
	// Cancel any pending debounce timer
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	return cw.watcher.Close()
}
