package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/types"
)

// ErrStoreClosed 存储已关闭
var ErrStoreClosed = errors.New("store is closed")

// MemoryStoreConfig 内存存储配置
type MemoryStoreConfig struct {
	// DeleteBatchSize 单批删除条数
	DeleteBatchSize int

	// Now 用于测试注入时间，默认 time.Now
	Now func() time.Time
}

// MemoryStore 是 Store 的进程内实现。
// 适合开发和测试，数据在重启后丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]*types.MemoryItem
	owners  map[string]map[string]struct{} // ownerID -> set(itemID)
	records map[string]*types.AgentRecord
	closed  bool

	batchSize int
	now       func() time.Time
	logger    *zap.Logger
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(config MemoryStoreConfig, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = DefaultDeleteBatchSize
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		items:     make(map[string]*types.MemoryItem),
		owners:    make(map[string]map[string]struct{}),
		records:   make(map[string]*types.AgentRecord),
		batchSize: config.DeleteBatchSize,
		now:       now,
		logger:    logger.With(zap.String("component", "store_memory")),
	}
}

// SaveItem 实现 Store.SaveItem
func (s *MemoryStore) SaveItem(ctx context.Context, item *types.MemoryItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidateItem(item); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	// upsert 时 owner 可能变化，先移出旧索引
	if prev, ok := s.items[item.ID]; ok && prev.OwnerID != item.OwnerID {
		s.unindexLocked(prev)
	}
	cp := item.Clone()
	s.items[cp.ID] = cp
	set, ok := s.owners[cp.OwnerID]
	if !ok {
		set = make(map[string]struct{})
		s.owners[cp.OwnerID] = set
	}
	set[cp.ID] = struct{}{}
	return cp.ID, nil
}

// GetItem 实现 Store.GetItem
func (s *MemoryStore) GetItem(ctx context.Context, id string) (*types.MemoryItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, types.NewValidationError("id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	item, ok := s.items[id]
	if !ok {
		return nil, types.NewNotFoundError("item", id)
	}
	return item.Clone(), nil
}

// QueryItems 实现 Store.QueryItems
func (s *MemoryStore) QueryItems(ctx context.Context, ownerID string, filter QueryFilter, limit int) ([]*types.MemoryItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateQuery(ownerID, limit); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	now := s.now()
	out := make([]*types.MemoryItem, 0)
	for id := range s.owners[ownerID] {
		item := s.items[id]
		if item == nil || !filter.Matches(item, now) {
			continue
		}
		out = append(out, item.Clone())
	}
	SortNewestFirst(out)
	return Truncate(out, limit), nil
}

// SaveAgentRecord 实现 Store.SaveAgentRecord
func (s *MemoryStore) SaveAgentRecord(ctx context.Context, record *types.AgentRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidateRecord(record); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}
	s.records[record.ID] = record.Clone()
	return record.ID, nil
}

// AgentRecord 读取 Agent 记录，主要用于测试与 CLI
func (s *MemoryStore) AgentRecord(id string) (*types.AgentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r.Clone(), ok
}

// DeleteItems 实现 Store.DeleteItems
// 先在读锁下收集命中的 ID，再按批次加写锁删除，避免长时间持有写锁。
func (s *MemoryStore) DeleteItems(ctx context.Context, filter DeleteFilter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	ids, err := s.collect(filter)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, chunk := range Chunk(ids, s.batchSize) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return deleted, ErrStoreClosed
		}
		for _, id := range chunk {
			item, ok := s.items[id]
			// 收集与删除之间条目可能被覆盖，重新确认
			if !ok || !filter.Matches(item) {
				continue
			}
			s.unindexLocked(item)
			delete(s.items, id)
			deleted++
		}
		s.mu.Unlock()
	}

	if deleted > 0 {
		s.logger.Debug("items deleted", zap.Int64("count", deleted))
	}
	return deleted, nil
}

func (s *MemoryStore) collect(filter DeleteFilter) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var ids []string
	switch {
	case len(filter.IDs) > 0:
		for _, id := range filter.IDs {
			if item, ok := s.items[id]; ok && filter.Matches(item) {
				ids = append(ids, id)
			}
		}
	case filter.OwnerID != "":
		for id := range s.owners[filter.OwnerID] {
			if item, ok := s.items[id]; ok && filter.Matches(item) {
				ids = append(ids, id)
			}
		}
	default:
		for id, item := range s.items {
			if filter.Matches(item) {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (s *MemoryStore) unindexLocked(item *types.MemoryItem) {
	if set, ok := s.owners[item.OwnerID]; ok {
		delete(set, item.ID)
		if len(set) == 0 {
			delete(s.owners, item.OwnerID)
		}
	}
}

// Len 返回条目总数
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// CheckHealth 实现 Store.CheckHealth
func (s *MemoryStore) CheckHealth(ctx context.Context) types.ComponentHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return types.Unhealthy(string(BackendMemory), ErrStoreClosed)
	}
	h := types.Healthy(string(BackendMemory), 0)
	h.Details = map[string]string{"backend": string(BackendMemory)}
	return h
}

// Close 实现 Store.Close
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
