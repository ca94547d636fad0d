package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"key-relay/config"
)

// mysqlSchema MySQL表结构
// 与schema.sql语义一致，使用MySQL自增和类型写法
const mysqlSchema = `
CREATE TABLE IF NOT EXISTS request_logs (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    request_id VARCHAR(64) NOT NULL,
    created_at DATETIME NOT NULL,
    model VARCHAR(128) NOT NULL DEFAULT '',
    tier VARCHAR(16) NOT NULL DEFAULT '',
    status VARCHAR(32) NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    prompt_tokens INT NOT NULL DEFAULT 0,
    completion_tokens INT NOT NULL DEFAULT 0,
    total_tokens INT NOT NULL DEFAULT 0,
    INDEX idx_request_logs_created_at (created_at),
    INDEX idx_request_logs_status (status),
    INDEX idx_request_logs_model (model)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// MySQLAdapter MySQL数据库适配器实现
type MySQLAdapter struct {
	config *config.DatabaseBackendConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewMySQLAdapter 创建MySQL适配器实例
func NewMySQLAdapter(cfg *config.DatabaseBackendConfig) *MySQLAdapter {
	return &MySQLAdapter{
		config: cfg,
		logger: slog.Default(),
	}
}

// Open 建立MySQL数据库连接
func (m *MySQLAdapter) Open() error {
	dsn := m.buildDSN()

	m.logger.Info("正在连接MySQL数据库",
		"host", m.config.Host,
		"port", m.config.Port,
		"database", m.config.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// 连接池参数，未配置时使用适合本地使用的保守值
	maxOpen := m.config.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 10
	}
	maxIdle := m.config.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	maxLifetime := m.config.ConnMaxLifetime
	if maxLifetime == 0 {
		maxLifetime = time.Hour
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	m.db = db
	return nil
}

// buildDSN 构建MySQL连接字符串
func (m *MySQLAdapter) buildDSN() string {
	port := m.config.Port
	if port == 0 {
		port = 3306
	}

	params := url.Values{}
	params.Add("charset", "utf8mb4")
	params.Add("parseTime", "true")
	params.Add("loc", "Local")

	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		m.config.Username, m.config.Password,
		m.config.Host, port, m.config.Database,
		params.Encode())
}

// Close 关闭数据库连接
func (m *MySQLAdapter) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// Ping 测试数据库连接
func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// GetDB 获取数据库连接
func (m *MySQLAdapter) GetDB() *sql.DB {
	return m.db
}

// InitSchema 初始化数据库表结构
func (m *MySQLAdapter) InitSchema() error {
	if _, err := m.db.Exec(mysqlSchema); err != nil {
		return fmt.Errorf("failed to initialize MySQL schema: %w", err)
	}

	m.logger.Info("✅ MySQL数据库表结构初始化完成")
	return nil
}

// GetDatabaseType 返回数据库类型标识
func (m *MySQLAdapter) GetDatabaseType() string {
	return "mysql"
}
