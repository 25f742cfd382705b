package mongostore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

const backendName = string(storage.BackendDocument)

// Config 文档存储配置
type Config struct {
	URI              string        `yaml:"uri" json:"uri"`
	Database         string        `yaml:"database" json:"database"`
	ItemCollection   string        `yaml:"item_collection" json:"item_collection"`
	RecordCollection string        `yaml:"record_collection" json:"record_collection"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// DeleteBatchSize 每次 DeleteMany 的最大 _id 数量
	DeleteBatchSize int `yaml:"delete_batch_size" json:"delete_batch_size"`

	// DeleteChunksPerSecond 删除分块的速率上限，0 表示不限速
	DeleteChunksPerSecond float64 `yaml:"delete_chunks_per_second" json:"delete_chunks_per_second"`

	// EnsureIndexes 启动时创建 (owner_id, created_at) 与 expires_at 索引
	EnsureIndexes bool `yaml:"ensure_indexes" json:"ensure_indexes"`

	// TLSConfig 非空时覆盖 URI 中的 tls 设置
	TLSConfig *tls.Config `yaml:"-" json:"-"`

	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		URI:              "mongodb://localhost:27017",
		Database:         "agentmem",
		ItemCollection:   "memory_items",
		RecordCollection: "agent_records",
		ConnectTimeout:   10 * time.Second,
		DeleteBatchSize:  storage.DefaultDeleteBatchSize,
		EnsureIndexes:    true,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.ItemCollection == "" {
		c.ItemCollection = d.ItemCollection
	}
	if c.RecordCollection == "" {
		c.RecordCollection = d.RecordCollection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.DeleteBatchSize <= 0 {
		c.DeleteBatchSize = d.DeleteBatchSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Store MongoDB 存储适配器
type Store struct {
	client    *mongo.Client
	items     *mongo.Collection
	records   *mongo.Collection
	batchSize int
	limiter   *rate.Limiter
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// New 连接 MongoDB 并创建适配器，Store 拥有客户端的生命周期
func New(ctx context.Context, config Config, logger *zap.Logger) (*Store, error) {
	if config.URI == "" {
		return nil, types.NewValidationError("mongo uri is required")
	}
	config.applyDefaults()

	clientOpts := options.Client().
		ApplyURI(config.URI).
		SetConnectTimeout(config.ConnectTimeout).
		SetServerSelectionTimeout(config.ConnectTimeout)
	if config.TLSConfig != nil {
		clientOpts.SetTLSConfig(config.TLSConfig)
	}

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	s, err := NewWithClient(ctx, client, config, logger)
	if err != nil {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
		return nil, err
	}
	return s, nil
}

// NewWithClient 基于已有客户端创建适配器
func NewWithClient(ctx context.Context, client *mongo.Client, config Config, logger *zap.Logger) (*Store, error) {
	if client == nil {
		return nil, types.NewDependencyError("mongo client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()

	db := client.Database(config.Database)
	s := &Store{
		client:    client,
		items:     db.Collection(config.ItemCollection),
		records:   db.Collection(config.RecordCollection),
		batchSize: config.DeleteBatchSize,
		timeout:   config.ConnectTimeout,
		now:       config.Now,
		logger: logger.With(
			zap.String("component", "store_document"),
			zap.String("database", config.Database),
		),
	}
	if config.DeleteChunksPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.DeleteChunksPerSecond), 1)
	}

	if config.EnsureIndexes {
		if err := s.ensureIndexes(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Client 底层客户端，长期记忆集合复用同一个连接
func (s *Store) Client() *mongo.Client { return s.client }

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.items.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: fieldOwnerID, Value: 1}, {Key: fieldCreatedAt, Value: -1}}},
		{Keys: bson.D{{Key: fieldExpiresAt, Value: 1}}},
	})
	if err != nil {
		return s.classify("create item indexes", err)
	}
	_, err = s.records.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: fieldCreatedAt, Value: -1}},
	})
	if err != nil {
		return s.classify("create record indexes", err)
	}
	s.logger.Info("indexes ensured")
	return nil
}

// classify 网络、超时与断连错误转换为可重试的 BackendUnavailable
func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isTransient(err) {
		return types.NewUnavailableError(backendName, fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	return mongo.IsNetworkError(err) ||
		mongo.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, mongo.ErrClientDisconnected)
}

// SaveItem 实现 storage.Store，按 _id upsert 且不覆盖 created_at
func (s *Store) SaveItem(ctx context.Context, item *types.MemoryItem) (string, error) {
	if err := storage.ValidateItem(item); err != nil {
		return "", err
	}
	doc := toItemDoc(item)
	_, err := s.items.UpdateOne(ctx,
		bson.D{{Key: fieldID, Value: doc.ID}},
		upsertUpdate(doc),
		options.UpdateOne().SetUpsert(true),
	)
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
	var doc itemDoc
	err := s.items.FindOne(ctx, bson.D{{Key: fieldID, Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.NewNotFoundError("item", id)
	}
	if err != nil {
		return nil, s.classify("get item", err)
	}
	return doc.toItem(), nil
}

// QueryItems 实现 storage.Store
func (s *Store) QueryItems(ctx context.Context, ownerID string, filter storage.QueryFilter, limit int) ([]*types.MemoryItem, error) {
	if err := storage.ValidateQuery(ownerID, limit); err != nil {
		return nil, err
	}

	cursor, err := s.items.Find(ctx,
		queryFilter(ownerID, filter, s.now()),
		options.Find().SetSort(newestFirst).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, s.classify("query items", err)
	}

	var docs []itemDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, s.classify("query items", err)
	}

	items := make([]*types.MemoryItem, 0, len(docs))
	for i := range docs {
		items = append(items, docs[i].toItem())
	}
	return items, nil
}

// SaveAgentRecord 实现 storage.Store
func (s *Store) SaveAgentRecord(ctx context.Context, record *types.AgentRecord) (string, error) {
	if err := storage.ValidateRecord(record); err != nil {
		return "", err
	}
	doc := toRecordDoc(record)
	_, err := s.records.ReplaceOne(ctx,
		bson.D{{Key: fieldID, Value: doc.ID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return "", s.classify("save agent record", err)
	}
	return record.ID, nil
}

// AgentRecord 按 ID 读取 Agent 记录
func (s *Store) AgentRecord(ctx context.Context, id string) (*types.AgentRecord, error) {
	var doc recordDoc
	err := s.records.FindOne(ctx, bson.D{{Key: fieldID, Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.NewNotFoundError("agent record", id)
	}
	if err != nil {
		return nil, s.classify("get agent record", err)
	}
	return doc.toRecord(), nil
}

// DeleteItems 实现 storage.Store。
// 先取出命中的 _id，再按批次 DeleteMany，已提交的批次不回滚。
func (s *Store) DeleteItems(ctx context.Context, filter storage.DeleteFilter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	cursor, err := s.items.Find(ctx, deleteFilter(filter),
		options.Find().SetProjection(bson.D{{Key: fieldID, Value: 1}}))
	if err != nil {
		return 0, s.classify("select items", err)
	}
	var hits []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &hits); err != nil {
		return 0, s.classify("select items", err)
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}

	var deleted int64
	for _, chunk := range storage.Chunk(ids, s.batchSize) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return deleted, err
			}
		}
		in := make(bson.A, 0, len(chunk))
		for _, id := range chunk {
			in = append(in, id)
		}
		res, err := s.items.DeleteMany(ctx, bson.D{{Key: fieldID, Value: bson.D{{Key: "$in", Value: in}}}})
		if err != nil {
			return deleted, s.classify("delete items", err)
		}
		deleted += res.DeletedCount
	}

	if deleted > 0 {
		s.logger.Debug("items deleted", zap.Int64("count", deleted))
	}
	return deleted, nil
}

// CheckHealth 实现 storage.Store
func (s *Store) CheckHealth(ctx context.Context) types.ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		h := types.Unhealthy(backendName, err)
		h.Latency = time.Since(start)
		return h
	}
	h := types.Healthy(backendName, time.Since(start))
	h.Details = map[string]string{
		"backend":    backendName,
		"database":   s.items.Database().Name(),
		"collection": s.items.Name(),
	}
	return h
}

// Close 实现 storage.Store
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return err
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ storage.Store = (*Store)(nil)
