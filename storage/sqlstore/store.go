package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentmem/internal/database"
	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

// backendName 用于错误与健康检查
const backendName = string(storage.BackendRelational)

// 条目表名
const (
	DefaultItemTable  = "memory_items"
	LongTermItemTable = "long_term_items"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config 关系型适配器配置
type Config struct {
	// DeleteBatchSize 每个删除事务的最大条数
	DeleteBatchSize int

	// DeleteChunksPerSecond 删除分块的速率上限，0 表示不限速
	DeleteChunksPerSecond float64

	// ItemTable 条目表名，默认 memory_items。长期记忆使用 long_term_items
	ItemTable string

	// AutoMigrate 启动时用 GORM 建表（SQLite/开发环境），生产环境使用 migration 包
	AutoMigrate bool

	// Now 测试用时钟
	Now func() time.Time
}

// Store 关系型存储适配器
type Store struct {
	pool      *database.PoolManager
	itemTable string
	batchSize int
	limiter   *rate.Limiter
	now       func() time.Time
	logger    *zap.Logger
}

// New 创建关系型适配器，Store 拥有 pool 的生命周期
func New(pool *database.PoolManager, config Config, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, types.NewDependencyError("database pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = storage.DefaultDeleteBatchSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ItemTable == "" {
		config.ItemTable = DefaultItemTable
	}
	if !tableNamePattern.MatchString(config.ItemTable) {
		return nil, types.NewValidationError("invalid item table name: %q", config.ItemTable)
	}

	s := &Store{
		pool:      pool,
		itemTable: config.ItemTable,
		batchSize: config.DeleteBatchSize,
		now:       config.Now,
		logger:    logger.With(
			zap.String("component", "store_relational"),
			zap.String("dialect", pool.Name()),
			zap.String("table", config.ItemTable),
		),
	}
	if config.DeleteChunksPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.DeleteChunksPerSecond), 1)
	}

	if config.AutoMigrate {
		if err := autoMigrate(pool.DB(), config.ItemTable); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		s.logger.Info("schema auto-migrated")
	}
	return s, nil
}

func (s *Store) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

// items 绑定到条目表的查询
func (s *Store) items(ctx context.Context) *gorm.DB {
	return s.db(ctx).Table(s.itemTable)
}

// autoMigrate 建表并以表名为前缀建索引。索引名在 SQLite 与 Postgres 中全库唯一，
// 因此不使用结构体标签上的固定索引名。
func autoMigrate(db *gorm.DB, itemTable string) error {
	if err := db.Table(itemTable).AutoMigrate(&itemRow{}); err != nil {
		return err
	}
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return err
	}
	m := db.Migrator()
	for _, idx := range []struct{ name, columns string }{
		{"idx_" + itemTable + "_owner_created", "owner_id, created_at"},
		{"idx_" + itemTable + "_expires", "expires_at"},
	} {
		if m.HasIndex(itemTable, idx.name) {
			continue
		}
		if err := db.Exec(fmt.Sprintf("CREATE INDEX %s ON %s (%s)", idx.name, itemTable, idx.columns)).Error; err != nil {
			return err
		}
	}
	return nil
}

// classify 瞬时数据库错误转换为可重试的 BackendUnavailable，其余保持原样
func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, database.ErrPoolClosed) || database.IsTransientError(err) {
		return types.NewUnavailableError(backendName, fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SaveItem 实现 storage.Store，按 id upsert
func (s *Store) SaveItem(ctx context.Context, item *types.MemoryItem) (string, error) {
	if err := storage.ValidateItem(item); err != nil {
		return "", err
	}
	row, err := toItemRow(item)
	if err != nil {
		return "", err
	}

	err = s.items(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(itemColumns),
	}).Create(row).Error
	if err != nil {
		return "", s.classify("save item", err)
	}
	return item.ID, nil
}

// GetItem 实现 storage.Store
func (s *Store) GetItem(ctx context.Context, id string) (*types.MemoryItem, error) {
	if id == "" {
		return nil, types.NewValidationError("id is required")
	}
	var row itemRow
	err := s.items(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("item", id)
	}
	if err != nil {
		return nil, s.classify("get item", err)
	}
	return row.toItem()
}

// QueryItems 实现 storage.Store。
// 元数据条件无法跨方言下推，在 Go 侧逐页过滤直到凑满 limit。
func (s *Store) QueryItems(ctx context.Context, ownerID string, filter storage.QueryFilter, limit int) ([]*types.MemoryItem, error) {
	if err := storage.ValidateQuery(ownerID, limit); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	base := s.items(ctx).Where("owner_id = ?", ownerID)
	if filter.SessionID != "" {
		base = base.Where("session_id = ?", filter.SessionID)
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, 0, len(filter.Kinds))
		for _, k := range filter.Kinds {
			kinds = append(kinds, string(k))
		}
		base = base.Where("kind IN ?", kinds)
	}
	if filter.Persona != "" {
		base = base.Where("persona = ?", filter.Persona)
	}
	if !filter.CreatedAfter.IsZero() {
		base = base.Where("created_at > ?", filter.CreatedAfter.UTC())
	}
	if !filter.CreatedBefore.IsZero() {
		base = base.Where("created_at < ?", filter.CreatedBefore.UTC())
	}
	if !filter.IncludeExpired {
		base = base.Where("(expires_at IS NULL OR expires_at > ?)", now)
	}
	base = base.Order("created_at DESC").Order("id DESC")

	pageSize := limit
	if len(filter.Metadata) > 0 && pageSize < 100 {
		pageSize = 100
	}

	items := make([]*types.MemoryItem, 0, limit)
	for offset := 0; len(items) < limit; offset += pageSize {
		var rows []itemRow
		if err := base.Session(&gorm.Session{}).Offset(offset).Limit(pageSize).Find(&rows).Error; err != nil {
			return nil, s.classify("query items", err)
		}
		for i := range rows {
			item, err := rows[i].toItem()
			if err != nil {
				return nil, err
			}
			if len(filter.Metadata) > 0 && !filter.Matches(item, now) {
				continue
			}
			items = append(items, item)
			if len(items) == limit {
				break
			}
		}
		if len(rows) < pageSize {
			break
		}
	}
	return items, nil
}

// SaveAgentRecord 实现 storage.Store
func (s *Store) SaveAgentRecord(ctx context.Context, record *types.AgentRecord) (string, error) {
	if err := storage.ValidateRecord(record); err != nil {
		return "", err
	}
	row, err := toRecordRow(record)
	if err != nil {
		return "", err
	}
	err = s.db(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(recordColumns),
	}).Create(row).Error
	if err != nil {
		return "", s.classify("save agent record", err)
	}
	return record.ID, nil
}

// DeleteItems 实现 storage.Store。
// 先选出命中的 ID，再按 DeleteBatchSize 分块，每块一个事务提交。
func (s *Store) DeleteItems(ctx context.Context, filter storage.DeleteFilter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	ids, err := s.selectIDs(ctx, filter)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, chunk := range storage.Chunk(ids, s.batchSize) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return deleted, err
			}
		}
		err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
			res := tx.Table(s.itemTable).Where("id IN ?", chunk).Delete(&itemRow{})
			if res.Error != nil {
				return res.Error
			}
			deleted += res.RowsAffected
			return nil
		})
		if err != nil {
			// 已提交的分块保持删除，返回已删除数量
			return deleted, s.classify("delete items", err)
		}
	}

	if deleted > 0 {
		s.logger.Debug("items deleted", zap.Int64("count", deleted), zap.Int("chunks", (len(ids)+s.batchSize-1)/s.batchSize))
	}
	return deleted, nil
}

func (s *Store) selectIDs(ctx context.Context, filter storage.DeleteFilter) ([]string, error) {
	scope := func() *gorm.DB {
		q := s.items(ctx)
		if filter.OwnerID != "" {
			q = q.Where("owner_id = ?", filter.OwnerID)
		}
		if filter.SessionID != "" {
			q = q.Where("session_id = ?", filter.SessionID)
		}
		if filter.Kind != "" {
			q = q.Where("kind = ?", string(filter.Kind))
		}
		if !filter.ExpiredBefore.IsZero() {
			q = q.Where("expires_at IS NOT NULL AND expires_at <= ?", filter.ExpiredBefore.UTC())
		}
		return q
	}

	if len(filter.IDs) == 0 {
		var ids []string
		if err := scope().Pluck("id", &ids).Error; err != nil {
			return nil, s.classify("select items", err)
		}
		return ids, nil
	}

	var ids []string
	for _, chunk := range storage.Chunk(filter.IDs, s.batchSize) {
		var part []string
		if err := scope().Where("id IN ?", chunk).Pluck("id", &part).Error; err != nil {
			return nil, s.classify("select items", err)
		}
		ids = append(ids, part...)
	}
	return ids, nil
}

// CheckHealth 实现 storage.Store
func (s *Store) CheckHealth(ctx context.Context) types.ComponentHealth {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		h := types.Unhealthy(backendName, err)
		h.Latency = time.Since(start)
		return h
	}
	h := types.Healthy(backendName, time.Since(start))
	stats := s.pool.GetStats()
	h.Details = map[string]string{
		"backend":          backendName,
		"dialect":          s.pool.Name(),
		"table":            s.itemTable,
		"open_connections": strconv.Itoa(stats.OpenConnections),
		"in_use":           strconv.Itoa(stats.InUse),
	}
	if stats.ConsecutiveFailures > 0 {
		h.Details["background_failures"] = strconv.Itoa(stats.ConsecutiveFailures)
	}
	return h
}

// Close 实现 storage.Store
func (s *Store) Close() error {
	return s.pool.Close()
}

var _ storage.Store = (*Store)(nil)
