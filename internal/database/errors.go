package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE 中可重试的错误
var transientPGCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
}

// MySQL 错误号中可重试的错误
var transientMySQLCodes = map[uint16]bool{
	1040: true, // ER_CON_COUNT_ERROR
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1213: true, // ER_LOCK_DEADLOCK
	2006: true, // CR_SERVER_GONE_ERROR
	2013: true, // CR_SERVER_LOST
}

// 驱动没有给出结构化错误时按消息匹配，sqlite 只能走这里
var transientMarkers = []string{
	"deadlock",
	"serialization failure", "could not serialize access",
	"connection reset", "connection refused", "broken pipe",
	"lock wait timeout", "database is locked",
	"bad connection", "i/o timeout", "too many connections",
}

// IsTransientError 判断数据库错误是否值得重试：连接中断、死锁、锁超时、
// 序列化冲突与超时。ctx 取消不算。
func IsTransientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPGCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08")
	}
	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		return transientMySQLCodes[myErr.Number]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
