package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	appconfig "github.com/BaSui01/agentmem/config"
)

//go:embed migrations
var migrationsFS embed.FS

// DefaultTable 版本表名
const DefaultTable = "schema_migrations"

// Step 一个迁移版本及其在目标库中的状态
type Step struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Plan 迁移计划：当前版本与全部步骤
type Plan struct {
	Current uint
	Dirty   bool
	Steps   []Step
}

// Pending 尚未应用的步骤数
func (p Plan) Pending() int {
	n := 0
	for _, s := range p.Steps {
		if !s.Applied {
			n++
		}
	}
	return n
}

// Migrator 记忆表（memory_items、long_term_items、agent_records）的 schema 迁移
type Migrator interface {
	Up(ctx context.Context) error
	// Down 回滚 steps 个版本，steps <= 0 时回滚全部
	Down(ctx context.Context, steps int) error
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Plan(ctx context.Context) (*Plan, error)
	Close() error
}

// Options 迁移器参数
type Options struct {
	Dialect     Dialect
	URL         string
	Table       string
	LockTimeout time.Duration
	Logger      *zap.Logger
}

// SchemaMigrator 基于 golang-migrate 与内嵌 SQL 文件的 Migrator
type SchemaMigrator struct {
	opts   Options
	m      *migrate.Migrate
	src    source.Driver
	logger *zap.Logger
}

var _ Migrator = (*SchemaMigrator)(nil)

// New 打开数据库并准备迁移源，sqlite 返回 ErrManagedByAdapter
func New(opts Options) (*SchemaMigrator, error) {
	if opts.URL == "" {
		return nil, errors.New("database URL is required")
	}
	dir, err := opts.Dialect.dir()
	if err != nil {
		return nil, err
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	db, err := sql.Open(string(opts.Dialect), opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Dialect, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Dialect, err)
	}

	var driver database.Driver
	switch opts.Dialect {
	case DialectPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: opts.Table})
	default:
		driver, err = mysql.WithInstance(db, &mysql.Config{MigrationsTable: opts.Table})
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(opts.Dialect), driver)
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	m.LockTimeout = opts.LockTimeout

	logger := opts.Logger.With(zap.String("component", "migration"), zap.String("dialect", string(opts.Dialect)))
	m.Log = migrateLogger{logger}

	return &SchemaMigrator{opts: opts, m: m, src: src, logger: logger}, nil
}

// FromConfig 使用 storage.database 配置创建迁移器
func FromConfig(dc appconfig.DatabaseConfig, logger *zap.Logger) (*SchemaMigrator, error) {
	d, url, err := DSN(dc)
	if err != nil {
		return nil, err
	}
	return New(Options{Dialect: d, URL: url, Logger: logger})
}

// Up 应用全部未执行的迁移
func (s *SchemaMigrator) Up(ctx context.Context) error {
	return s.run(ctx, "up", s.m.Up)
}

// Down 回滚 steps 个版本，steps <= 0 时回滚全部
func (s *SchemaMigrator) Down(ctx context.Context, steps int) error {
	if steps <= 0 {
		return s.run(ctx, "down", s.m.Down)
	}
	return s.run(ctx, "down", func() error { return s.m.Steps(-steps) })
}

// Force 直接写入版本号并清除 dirty 标记，不执行 SQL
func (s *SchemaMigrator) Force(_ context.Context, version int) error {
	if err := s.m.Force(version); err != nil {
		return fmt.Errorf("migration force: %w", err)
	}
	s.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// Version 尚未应用任何迁移时返回 0
func (s *SchemaMigrator) Version(_ context.Context) (uint, bool, error) {
	v, dirty, err := s.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return v, dirty, nil
}

// Plan 列出内嵌的全部版本并标注应用状态
func (s *SchemaMigrator) Plan(ctx context.Context) (*Plan, error) {
	current, dirty, err := s.Version(ctx)
	if err != nil {
		return nil, err
	}
	steps, err := listSteps(s.src)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		steps[i].Applied = steps[i].Version <= current
		steps[i].Dirty = dirty && steps[i].Version == current
	}
	return &Plan{Current: current, Dirty: dirty, Steps: steps}, nil
}

// Close 关闭迁移源与数据库连接
func (s *SchemaMigrator) Close() error {
	srcErr, dbErr := s.m.Close()
	return errors.Join(srcErr, dbErr)
}

// run 执行迁移，ctx 取消时请求 golang-migrate 在当前文件结束后停止
func (s *SchemaMigrator) run(ctx context.Context, op string, fn func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case s.m.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	start := time.Now()
	err := fn()
	if errors.Is(err, migrate.ErrNoChange) {
		s.logger.Info("schema already current", zap.String("op", op))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration %s: %w", op, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("migration %s interrupted: %w", op, ctx.Err())
	}
	s.logger.Info("migration applied", zap.String("op", op), zap.Duration("took", time.Since(start)))
	return nil
}

// listSteps 沿源驱动的版本链遍历，标识符取自 NNNNNN_<name>.up.sql
func listSteps(src source.Driver) ([]Step, error) {
	var steps []Step
	v, err := src.First()
	for err == nil {
		name := ""
		if r, ident, rerr := src.ReadUp(v); rerr == nil {
			_ = r.Close()
			name = ident
		}
		steps = append(steps, Step{Version: v, Name: name})
		v, err = src.Next(v)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	return steps, nil
}

// migrateLogger 把 golang-migrate 的日志转到 zap
type migrateLogger struct{ l *zap.Logger }

func (m migrateLogger) Printf(format string, v ...any) {
	m.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (m migrateLogger) Verbose() bool { return m.l.Core().Enabled(zap.DebugLevel) }
