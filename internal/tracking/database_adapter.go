package tracking

import (
	"context"
	"database/sql"
	"fmt"

	"key-relay/config"
)

// DatabaseAdapter 定义数据库操作接口
// 抽象SQLite和MySQL的差异，让上层代码无需关心具体实现
type DatabaseAdapter interface {
	// 基础连接管理
	Open() error
	Close() error
	Ping(ctx context.Context) error

	// 获取数据库连接
	GetDB() *sql.DB

	// 数据库初始化
	InitSchema() error

	// 类型标识
	GetDatabaseType() string
}

// NewDatabaseAdapter 根据配置创建数据库适配器
func NewDatabaseAdapter(cfg *config.DatabaseBackendConfig) (DatabaseAdapter, error) {
	switch cfg.Type {
	case "sqlite", "":
		return NewSQLiteAdapter(cfg), nil
	case "mysql":
		return NewMySQLAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
