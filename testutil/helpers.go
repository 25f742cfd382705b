package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentmem/types"
)

// TestContext 30 秒超时的上下文，测试结束时取消
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestLogger 输出到 t.Log，只保留 Warn 及以上
func TestLogger(t testing.TB) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// Clock 手动推进的时钟，注入各组件的 Now
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ItemIDs 按原顺序提取 ID
func ItemIDs(items []*types.MemoryItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

// AssertItemIDs 断言条目 ID 及顺序，nil 与空切片视为相等
func AssertItemIDs(t testing.TB, expected []string, items []*types.MemoryItem) bool {
	t.Helper()
	if expected == nil {
		expected = []string{}
	}
	return assert.Equal(t, expected, ItemIDs(items), "item ids")
}

// AssertNewestFirst 断言 CreatedAt 非递增
func AssertNewestFirst(t testing.TB, items []*types.MemoryItem) bool {
	t.Helper()
	for i := 1; i < len(items); i++ {
		if items[i].CreatedAt.After(items[i-1].CreatedAt) {
			return assert.Fail(t, "items not newest first",
				"%s (%s) is newer than %s (%s)", items[i].ID, items[i].CreatedAt, items[i-1].ID, items[i-1].CreatedAt)
		}
	}
	return true
}

// AssertErrorCode 断言错误链中带有 code
func AssertErrorCode(t testing.TB, code types.ErrorCode, err error) bool {
	t.Helper()
	return assert.Truef(t, types.IsErrorCode(err, code), "expected error code %s, got %v", code, err)
}

// AssertEventuallyTrue 每 10ms 检查一次，timeout 内未满足则失败
func AssertEventuallyTrue(t testing.TB, condition func() bool, timeout time.Duration) bool {
	t.Helper()
	return assert.Eventually(t, condition, timeout, 10*time.Millisecond)
}
