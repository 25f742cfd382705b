// =============================================================================
// 🧠 MockStore - 存储端口模拟实现
// =============================================================================
// 包装一个真实的 storage.MemoryStore，支持按操作注入错误、记录调用次数，
// 用于弹性代理、缓存层与分层管理器的测试。
//
// 使用方法:
//
//	store := mocks.NewMockStore().WithGetError(types.NewUnavailableError("db", io.EOF))
//	_, err := store.GetItem(ctx, "x")
//	calls := store.Calls(mocks.OpGetItem)
// =============================================================================
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

// Op 存储操作名称
type Op string

const (
	OpSaveItem        Op = "save_item"
	OpGetItem         Op = "get_item"
	OpQueryItems      Op = "query_items"
	OpSaveAgentRecord Op = "save_agent_record"
	OpDeleteItems     Op = "delete_items"
	OpCheckHealth     Op = "check_health"
	OpClose           Op = "close"
)

// =============================================================================
// 🎯 MockStore 结构
// =============================================================================

// MockStore 是 storage.Store 的可注入错误实现
type MockStore struct {
	mu sync.Mutex

	inner *storage.MemoryStore

	// 错误注入：errs 持续生效，failNext 只生效指定次数
	errs     map[Op]error
	failNext map[Op][]error

	// 调用记录
	calls map[Op]int

	health *types.ComponentHealth
}

// =============================================================================
// 🔧 构造函数和 Builder 方法
// =============================================================================

// NewMockStore 创建新的 MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		inner:    storage.NewMemoryStore(storage.MemoryStoreConfig{}, nil),
		errs:     make(map[Op]error),
		failNext: make(map[Op][]error),
		calls:    make(map[Op]int),
	}
}

// WithError 设置某个操作持续返回的错误，nil 表示恢复
func (m *MockStore) WithError(op Op, err error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
	} else {
		m.errs[op] = err
	}
	return m
}

// WithGetError 设置 GetItem 的错误
func (m *MockStore) WithGetError(err error) *MockStore { return m.WithError(OpGetItem, err) }

// WithSaveError 设置 SaveItem 的错误
func (m *MockStore) WithSaveError(err error) *MockStore { return m.WithError(OpSaveItem, err) }

// WithQueryError 设置 QueryItems 的错误
func (m *MockStore) WithQueryError(err error) *MockStore { return m.WithError(OpQueryItems, err) }

// WithDeleteError 设置 DeleteItems 的错误
func (m *MockStore) WithDeleteError(err error) *MockStore { return m.WithError(OpDeleteItems, err) }

// FailNext 让某个操作接下来的 len(errs) 次调用依次返回 errs
func (m *MockStore) FailNext(op Op, errs ...error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = append(m.failNext[op], errs...)
	return m
}

// WithHealth 固定健康检查结果
func (m *MockStore) WithHealth(h types.ComponentHealth) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = &h
	return m
}

// Seed 直接写入底层存储，不计入调用次数
func (m *MockStore) Seed(ctx context.Context, items ...*types.MemoryItem) *MockStore {
	for _, item := range items {
		if _, err := m.inner.SaveItem(ctx, item); err != nil {
			panic(err)
		}
	}
	return m
}

// =============================================================================
// 🎯 Store 接口实现
// =============================================================================

func (m *MockStore) enter(op Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[op]++
	if queue := m.failNext[op]; len(queue) > 0 {
		m.failNext[op] = queue[1:]
		return queue[0]
	}
	return m.errs[op]
}

// SaveItem 实现 storage.Store
func (m *MockStore) SaveItem(ctx context.Context, item *types.MemoryItem) (string, error) {
	if err := m.enter(OpSaveItem); err != nil {
		return "", err
	}
	return m.inner.SaveItem(ctx, item)
}

// GetItem 实现 storage.Store
func (m *MockStore) GetItem(ctx context.Context, id string) (*types.MemoryItem, error) {
	if err := m.enter(OpGetItem); err != nil {
		return nil, err
	}
	return m.inner.GetItem(ctx, id)
}

// QueryItems 实现 storage.Store
func (m *MockStore) QueryItems(ctx context.Context, ownerID string, filter storage.QueryFilter, limit int) ([]*types.MemoryItem, error) {
	if err := m.enter(OpQueryItems); err != nil {
		return nil, err
	}
	return m.inner.QueryItems(ctx, ownerID, filter, limit)
}

// SaveAgentRecord 实现 storage.Store
func (m *MockStore) SaveAgentRecord(ctx context.Context, record *types.AgentRecord) (string, error) {
	if err := m.enter(OpSaveAgentRecord); err != nil {
		return "", err
	}
	return m.inner.SaveAgentRecord(ctx, record)
}

// DeleteItems 实现 storage.Store
func (m *MockStore) DeleteItems(ctx context.Context, filter storage.DeleteFilter) (int64, error) {
	if err := m.enter(OpDeleteItems); err != nil {
		return 0, err
	}
	return m.inner.DeleteItems(ctx, filter)
}

// CheckHealth 实现 storage.Store
func (m *MockStore) CheckHealth(ctx context.Context) types.ComponentHealth {
	m.mu.Lock()
	m.calls[OpCheckHealth]++
	h := m.health
	m.mu.Unlock()

	if h != nil {
		return *h
	}
	return m.inner.CheckHealth(ctx)
}

// Close 实现 storage.Store
func (m *MockStore) Close() error {
	if err := m.enter(OpClose); err != nil {
		return err
	}
	return m.inner.Close()
}

// =============================================================================
// 🔍 查询方法
// =============================================================================

// Calls 获取某个操作的调用次数
func (m *MockStore) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Len 底层存储中的条目数
func (m *MockStore) Len() int {
	return m.inner.Len()
}

// Reset 清空调用记录与错误注入，保留数据
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = make(map[Op]error)
	m.failNext = make(map[Op][]error)
	m.calls = make(map[Op]int)
	m.health = nil
}

var _ storage.Store = (*MockStore)(nil)
