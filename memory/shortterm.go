package memory

import (
	"container/list"
	"sync"
	"time"

	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

// DefaultShortTermMaxItems 短期记忆默认容量
const DefaultShortTermMaxItems = 1000

// ============================================================
// 短期记忆：进程内 LRU（container/list + map，O(1) 读写与淘汰）
// ============================================================

// ShortTerm 进程内短期记忆，容量满时淘汰最久未使用的条目。
// 所有读写返回副本，调用方不会与内部状态共享 slice 或 map。
type ShortTerm struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List                          // 前端为最近使用
	items    map[string]*list.Element            // itemID -> element
	owners   map[string]map[string]*list.Element // ownerID -> itemID -> element
	durable  map[string]struct{}                 // 当前版本已写入持久层级的 itemID
	evicted  uint64
}

// NewShortTerm 创建短期记忆，capacity <= 0 时使用默认容量
func NewShortTerm(capacity int) *ShortTerm {
	if capacity <= 0 {
		capacity = DefaultShortTermMaxItems
	}
	return &ShortTerm{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		owners:   make(map[string]map[string]*list.Element),
		durable:  make(map[string]struct{}),
	}
}

// Put 写入或覆盖条目并标记为最近使用，返回被淘汰的条目数
func (s *ShortTerm) Put(item *types.MemoryItem) int {
	if item == nil || item.ID == "" {
		return 0
	}
	c := item.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.durable, c.ID)
	if el, ok := s.items[c.ID]; ok {
		old := el.Value.(*types.MemoryItem)
		if old.OwnerID != c.OwnerID {
			s.unindexOwner(old.OwnerID, old.ID)
			s.indexOwner(c.OwnerID, c.ID, el)
		}
		el.Value = c
		s.ll.MoveToFront(el)
		return 0
	}

	el := s.ll.PushFront(c)
	s.items[c.ID] = el
	s.indexOwner(c.OwnerID, c.ID, el)

	n := 0
	for s.ll.Len() > s.capacity {
		s.removeElement(s.ll.Back())
		s.evicted++
		n++
	}
	return n
}

// Get 读取条目并标记为最近使用，已过期条目被惰性删除
func (s *ShortTerm) Get(id string, now time.Time) (*types.MemoryItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[id]
	if !ok {
		return nil, false
	}
	item := el.Value.(*types.MemoryItem)
	if item.Expired(now) {
		s.removeElement(el)
		return nil, false
	}
	s.ll.MoveToFront(el)
	return item.Clone(), true
}

// List 返回某个 owner 满足过滤条件的条目，按 created_at 倒序，最多 limit 条。
// 列表读取不改变 LRU 顺序。
func (s *ShortTerm) List(ownerID string, filter storage.QueryFilter, limit int, now time.Time) []*types.MemoryItem {
	if limit <= 0 {
		return []*types.MemoryItem{}
	}

	s.mu.Lock()
	owned := s.owners[ownerID]
	out := make([]*types.MemoryItem, 0, len(owned))
	for _, el := range owned {
		item := el.Value.(*types.MemoryItem)
		if filter.Matches(item, now) {
			out = append(out, item.Clone())
		}
	}
	s.mu.Unlock()

	storage.SortNewestFirst(out)
	return storage.Truncate(out, limit)
}

// MarkDurable 标记条目的当前版本已写入持久层级，再次 Put 时清除
func (s *ShortTerm) MarkDurable(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; ok {
		s.durable[id] = struct{}{}
	}
}

// Delete 删除命中过滤条件的条目，返回删除数
func (s *ShortTerm) Delete(filter storage.DeleteFilter) int64 {
	n, _ := s.Purge(filter)
	return n
}

// Purge 删除命中过滤条件的条目，返回删除数以及其中未写入持久层级的条目数
func (s *ShortTerm) Purge(filter storage.DeleteFilter) (removed, volatile int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remove := func(el *list.Element) {
		if _, ok := s.durable[el.Value.(*types.MemoryItem).ID]; !ok {
			volatile++
		}
		s.removeElement(el)
		removed++
	}

	if len(filter.IDs) > 0 {
		for _, id := range filter.IDs {
			el, ok := s.items[id]
			if ok && filter.Matches(el.Value.(*types.MemoryItem)) {
				remove(el)
			}
		}
		return removed, volatile
	}

	var next *list.Element
	for el := s.ll.Front(); el != nil; el = next {
		next = el.Next()
		if filter.Matches(el.Value.(*types.MemoryItem)) {
			remove(el)
		}
	}
	return removed, volatile
}

// RemoveExpired 删除在 now 时已过期的条目
func (s *ShortTerm) RemoveExpired(now time.Time) int64 {
	return s.Delete(storage.DeleteFilter{ExpiredBefore: now})
}

// Len 当前条目数
func (s *ShortTerm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// Capacity 容量
func (s *ShortTerm) Capacity() int { return s.capacity }

// Evicted 累计因容量淘汰的条目数
func (s *ShortTerm) Evicted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Clear 清空
func (s *ShortTerm) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ll.Init()
	s.items = make(map[string]*list.Element)
	s.owners = make(map[string]map[string]*list.Element)
	s.durable = make(map[string]struct{})
}

func (s *ShortTerm) removeElement(el *list.Element) {
	item := s.ll.Remove(el).(*types.MemoryItem)
	delete(s.items, item.ID)
	delete(s.durable, item.ID)
	s.unindexOwner(item.OwnerID, item.ID)
}

func (s *ShortTerm) indexOwner(owner, id string, el *list.Element) {
	set, ok := s.owners[owner]
	if !ok {
		set = make(map[string]*list.Element)
		s.owners[owner] = set
	}
	set[id] = el
}

func (s *ShortTerm) unindexOwner(owner, id string) {
	if set, ok := s.owners[owner]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.owners, owner)
		}
	}
}
