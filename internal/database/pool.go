package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/agentmem/internal/metrics"
)

// =============================================================================
// 🗄️ 关系型后端连接池
// =============================================================================

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("pool is closed")

// PoolConfig 连接池参数，零值字段沿用 database/sql 的默认行为
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// 后台探活间隔，0 表示不启动
	HealthCheckInterval time.Duration
}

// DefaultPoolConfig 默认连接池参数
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        50,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

func (c PoolConfig) apply(db *sql.DB) {
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// Dialector 按驱动名选择 GORM 方言，sqlite 为纯 Go 实现
func Dialector(driverName, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(driverName)) {
	case "postgres", "postgresql", "pg":
		return postgres.Open(dsn), nil
	case "mysql", "mariadb":
		return mysql.Open(dsn), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver: %s", driverName)
}

// PoolManager 中期与长期关系型适配器共享的 GORM 连接池
type PoolManager struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	dialect string
	config  PoolConfig
	logger  *zap.Logger
	monitor *monitor

	mu     sync.RWMutex
	closed bool
}

// Open 打开数据库，collector 可为 nil
func Open(driverName, dsn string, config PoolConfig, collector *metrics.Collector, logger *zap.Logger) (*PoolManager, error) {
	dialector, err := Dialector(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driverName, err)
	}
	return newPoolManager(db, config, collector, logger)
}

// NewPoolManager 包装已打开的 *gorm.DB，测试中配合 sqlmock 使用
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	return newPoolManager(db, config, nil, logger)
}

func newPoolManager(db *gorm.DB, config PoolConfig, collector *metrics.Collector, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	config.apply(sqlDB)

	pm := &PoolManager{
		db:      db,
		sqlDB:   sqlDB,
		dialect: db.Dialector.Name(),
		config:  config,
		logger:  logger.With(zap.String("component", "db_pool"), zap.String("dialect", db.Dialector.Name())),
	}
	pm.monitor = newMonitor(pm, collector)
	if config.HealthCheckInterval > 0 {
		pm.monitor.start(config.HealthCheckInterval)
	}

	pm.logger.Info("database pool initialized",
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)
	return pm, nil
}

// DB GORM 实例
func (pm *PoolManager) DB() *gorm.DB {
	return pm.db
}

// Name 方言名：postgres、mysql 或 sqlite
func (pm *PoolManager) Name() string {
	return pm.dialect
}

// Ping 探活，关闭后返回 ErrPoolClosed
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// WithTransaction 在单个事务中执行 fn，不做重试
func (pm *PoolManager) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return pm.db.WithContext(ctx).Transaction(fn)
}

// Close 停止后台探活并关闭连接，可重复调用
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	pm.mu.Unlock()

	pm.monitor.stop()
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// PoolStats 连接池快照与后台探活结果
type PoolStats struct {
	MaxOpenConnections  int           `json:"max_open_connections"`
	OpenConnections     int           `json:"open_connections"`
	InUse               int           `json:"in_use"`
	Idle                int           `json:"idle"`
	WaitCount           int64         `json:"wait_count"`
	WaitDuration        time.Duration `json:"wait_duration"`
	LastCheck           time.Time     `json:"last_check,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

// GetStats 返回连接池统计
func (pm *PoolManager) GetStats() PoolStats {
	s := pm.sqlDB.Stats()
	out := PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
	out.LastCheck, out.ConsecutiveFailures, out.LastError = pm.monitor.snapshot()
	return out
}
