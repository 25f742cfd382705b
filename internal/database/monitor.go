package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/internal/metrics"
)

// monitor 定时探活，记录连续失败次数并上报连接数
type monitor struct {
	pm        *PoolManager
	collector *metrics.Collector

	mu        sync.Mutex
	lastCheck time.Time
	failures  int
	lastErr   string

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newMonitor(pm *PoolManager, collector *metrics.Collector) *monitor {
	return &monitor{pm: pm, collector: collector, done: make(chan struct{})}
}

func (m *monitor) start(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

func (m *monitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.pm.Ping(ctx)

	m.mu.Lock()
	m.lastCheck = time.Now()
	if err != nil {
		m.failures++
		m.lastErr = err.Error()
	} else {
		m.failures = 0
		m.lastErr = ""
	}
	failures := m.failures
	m.mu.Unlock()

	if err != nil {
		m.pm.logger.Error("database health check failed", zap.Error(err), zap.Int("consecutive_failures", failures))
		return
	}
	stats := m.pm.sqlDB.Stats()
	m.collector.RecordDBConnections(m.pm.dialect, stats.OpenConnections, stats.Idle)
	m.pm.logger.Debug("database health check passed",
		zap.Int("open_connections", stats.OpenConnections),
		zap.Int("in_use", stats.InUse),
	)
}

func (m *monitor) snapshot() (time.Time, int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheck, m.failures, m.lastErr
}

func (m *monitor) stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}
