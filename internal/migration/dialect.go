package migration

import (
	"errors"
	"fmt"
	"path"
	"strings"

	appconfig "github.com/BaSui01/agentmem/config"
)

// Dialect 关系型后端的 SQL 方言
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	// DialectSQLite 只用于开发与测试，表结构由关系型适配器 AutoMigrate 创建
	DialectSQLite Dialect = "sqlite"
)

// ErrManagedByAdapter sqlite 没有迁移文件
var ErrManagedByAdapter = errors.New("sqlite schema is managed by the relational adapter (auto migrate)")

// ParseDialect 接受常见别名，大小写不敏感
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unsupported database type: %q", s)
}

// dir 内嵌迁移目录，sqlite 返回 ErrManagedByAdapter
func (d Dialect) dir() (string, error) {
	switch d {
	case DialectPostgres, DialectMySQL:
		return path.Join("migrations", string(d)), nil
	case DialectSQLite:
		return "", ErrManagedByAdapter
	}
	return "", fmt.Errorf("unsupported database type: %q", d)
}

// DSN 按 storage.database 配置生成连接串，显式 dsn 优先。
// 迁移器与关系型适配器共用同一个连接串。
func DSN(dc appconfig.DatabaseConfig) (Dialect, string, error) {
	d, err := ParseDialect(dc.Driver)
	if err != nil {
		return "", "", err
	}
	if dc.DSN != "" {
		return d, dc.DSN, nil
	}

	switch d {
	case DialectPostgres:
		sslMode := dc.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		return d, fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			dc.User, dc.Password, dc.Host, dc.Port, dc.Name, sslMode), nil
	case DialectMySQL:
		// multiStatements 供迁移文件一次执行多条 DDL
		return d, fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			dc.User, dc.Password, dc.Host, dc.Port, dc.Name), nil
	default:
		// sqlite 的 name 即文件路径
		return d, fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dc.Name), nil
	}
}
