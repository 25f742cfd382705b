package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/BaSui01/agentmem/internal/migration"
)

// =============================================================================
// 🗃️ 数据库迁移命令
// =============================================================================

// runMigrate 分派 migrate 子命令。只对 relational 后端有意义，
// sqlite 的表结构由适配器的 auto_migrate 维护。
func runMigrate(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(stdout)
		return &exitError{code: 1}
	}

	sub, subargs := args[0], args[1:]
	switch sub {
	case "up":
		return withMigrator("migrate up", subargs, stdout, nil, func(ctx context.Context, r *migration.Reporter, _ []string) error {
			return r.Up(ctx)
		})
	case "down":
		var (
			all   bool
			steps int
		)
		register := func(fs *flag.FlagSet) {
			fs.BoolVar(&all, "all", false, "Rollback all migrations")
			fs.IntVar(&steps, "steps", 1, "Number of versions to roll back")
		}
		return withMigrator("migrate down", subargs, stdout, register, func(ctx context.Context, r *migration.Reporter, _ []string) error {
			if all {
				return r.Down(ctx, 0)
			}
			if steps < 1 {
				return &exitError{code: 1, msg: "--steps must be at least 1 (use --all to roll back everything)"}
			}
			return r.Down(ctx, steps)
		})
	case "status":
		return withMigrator("migrate status", subargs, stdout, nil, func(ctx context.Context, r *migration.Reporter, _ []string) error {
			return r.Status(ctx)
		})
	case "version":
		return withMigrator("migrate version", subargs, stdout, nil, func(ctx context.Context, r *migration.Reporter, _ []string) error {
			return r.Version(ctx)
		})
	case "force":
		return withMigrator("migrate force", subargs, stdout, nil, func(ctx context.Context, r *migration.Reporter, rest []string) error {
			if len(rest) != 1 {
				return &exitError{code: 1, msg: "Usage: agentmem migrate force [options] <version>"}
			}
			version, err := strconv.Atoi(rest[0])
			if err != nil {
				return &exitError{code: 1, msg: fmt.Sprintf("Invalid version number: %s", rest[0])}
			}
			return r.Force(ctx, version)
		})
	case "help", "-h", "--help":
		printMigrateUsage(stdout)
		return nil
	default:
		printMigrateUsage(stdout)
		return &exitError{code: 1, msg: fmt.Sprintf("Unknown migrate subcommand: %s", sub)}
	}
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  agentmem migrate <subcommand> [options]

Subcommands:
  up                Apply all pending migrations
  down              Rollback the last migration
  down --steps <n>  Rollback n migrations
  down --all        Rollback all migrations
  status            Show migration status
  version           Show current migration version
  force <version>   Force set migration version (use with caution)
  help              Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  agentmem migrate up
  agentmem migrate up --config /etc/agentmem/config.yaml
  agentmem migrate down
  agentmem migrate status
  agentmem migrate force 1`)
}

type migrateFunc func(ctx context.Context, r *migration.Reporter, rest []string) error

// withMigrator 解析公共参数并创建迁移器，register 可注册子命令自己的参数
func withMigrator(name string, args []string, stdout io.Writer, register func(*flag.FlagSet), fn migrateFunc) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if register != nil {
		register(fs)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if errors.Is(err, migration.ErrManagedByAdapter) {
		fmt.Fprintln(stdout, "Nothing to do: "+err.Error())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	ctx, cancel := commandContext()
	defer cancel()
	return fn(ctx, migration.NewReporter(migrator, stdout), fs.Args())
}

// createMigrator --db-type 与 --db-url 同时给出时直接使用，否则读取 storage.database 配置
func createMigrator(configPath, dbType, dbURL string) (*migration.SchemaMigrator, error) {
	if dbType != "" && dbURL != "" {
		d, err := migration.ParseDialect(dbType)
		if err != nil {
			return nil, err
		}
		return migration.New(migration.Options{Dialect: d, URL: dbURL})
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Storage.Database.Driver = dbType
	}
	return migration.FromConfig(cfg.Storage.Database, initLogger(cfg.Log))
}
