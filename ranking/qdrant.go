package ranking

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/internal/tlsutil"
	"github.com/BaSui01/agentmem/types"
)

// QdrantConfig Qdrant ANN 后端配置。
// 点 ID 由条目 ID 派生稳定 UUID，原始 ID 与 owner 保存在 payload 中。
type QdrantConfig struct {
	Host       string        `yaml:"host" json:"host"`
	Port       int           `yaml:"port" json:"port"`
	BaseURL    string        `yaml:"base_url" json:"base_url,omitempty"`
	APIKey     string        `yaml:"api_key" json:"api_key,omitempty"`
	Collection string        `yaml:"collection" json:"collection"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	AutoCreateCollection bool   `yaml:"auto_create_collection" json:"auto_create_collection,omitempty"`
	Distance             string `yaml:"distance" json:"distance,omitempty"`       // Cosine (default), Dot, Euclid
	VectorSize           int    `yaml:"vector_size" json:"vector_size,omitempty"` // 默认取第一个向量的长度
	Wait                 *bool  `yaml:"wait" json:"wait,omitempty"`               // 等待写入完成 (default true)

	// TLSConfig 非空或 BaseURL 为 https 时使用加固的 TLS 客户端
	TLSConfig *tls.Config `yaml:"-" json:"-"`
}

// QdrantANN 基于 Qdrant REST API 的 ANN 后端
type QdrantANN struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	ensureMu sync.Mutex
	ensured  bool
}

// NewQdrantANN 创建 Qdrant 后端
func NewQdrantANN(cfg QdrantConfig, logger *zap.Logger) *QdrantANN {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}
	if cfg.Collection == "" {
		cfg.Collection = "agentmem_long_term"
	}
	if cfg.Wait == nil {
		wait := true
		cfg.Wait = &wait
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		scheme := "http"
		if cfg.TLSConfig != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.TLSConfig != nil || strings.HasPrefix(baseURL, "https://") {
		client = tlsutil.HTTPClient(cfg.Timeout, cfg.TLSConfig)
	}

	return &QdrantANN{
		cfg:     cfg,
		baseURL: baseURL,
		client:  client,
		logger:  logger.With(zap.String("component", "ann_qdrant")),
	}
}

// Name 实现 ANN
func (q *QdrantANN) Name() string { return "qdrant" }

var qdrantNamespace = uuid.MustParse("6f1c2a4e-8b3d-4e5f-9a7b-1c2d3e4f5a6b")

// PointID 由条目 ID 派生的稳定 UUID（支持任意字符串）
func PointID(itemID string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(itemID)).String()
}

// ensureCollection 成功后不再重复创建；失败时下次调用重试
func (q *QdrantANN) ensureCollection(ctx context.Context, vectorSize int) error {
	if !q.cfg.AutoCreateCollection {
		return nil
	}
	q.ensureMu.Lock()
	defer q.ensureMu.Unlock()
	if q.ensured {
		return nil
	}
	if q.cfg.VectorSize > 0 {
		vectorSize = q.cfg.VectorSize
	}
	if vectorSize <= 0 {
		return types.NewValidationError("qdrant vector size must be > 0")
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": q.cfg.Distance,
		},
	}
	err := q.doJSON(ctx, http.MethodPut, q.collectionPath(""), body, nil)
	// Qdrant 在集合已存在时返回 409
	var se *statusError
	if err != nil && !(errors.As(err, &se) && se.status == http.StatusConflict) {
		return err
	}
	q.ensured = true
	q.logger.Info("collection ready", zap.String("collection", q.cfg.Collection), zap.Int("vector_size", vectorSize))
	return nil
}

func (q *QdrantANN) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(q.cfg.Collection) + suffix
}

func (q *QdrantANN) waitQuery() string {
	if q.cfg.Wait == nil || *q.cfg.Wait {
		return "?wait=true"
	}
	return ""
}

func (q *QdrantANN) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(q.cfg.APIKey) != "" {
		req.Header.Set("api-key", q.cfg.APIKey)
	}
}

// statusError 非 2xx 响应
type statusError struct {
	method string
	path   string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant request failed: method=%s path=%s status=%d body=%s", e.method, e.path, e.status, e.body)
}

// doJSON 网络错误、超时、429 与 5xx 视为瞬时失败
func (q *QdrantANN) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return err
	}
	q.applyHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return types.NewUnavailableError("qdrant", err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &statusError{method: method, path: path, status: resp.StatusCode, body: string(raw)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return types.NewUnavailableError("qdrant", se)
		}
		return se
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Index 实现 ANN
func (q *QdrantANN) Index(ctx context.Context, items []*types.MemoryItem) error {
	points := make([]qdrantPoint, 0, len(items))
	size := 0
	for _, it := range items {
		if it == nil || len(it.Embedding) == 0 {
			continue
		}
		if size == 0 {
			size = len(it.Embedding)
		}
		if len(it.Embedding) != size {
			return types.NewValidationError("embedding dimension mismatch for %s: got=%d want=%d", it.ID, len(it.Embedding), size)
		}
		points = append(points, qdrantPoint{
			ID:     PointID(it.ID),
			Vector: it.Embedding,
			Payload: map[string]any{
				"item_id":    it.ID,
				"owner_id":   it.OwnerID,
				"created_at": it.CreatedAt.UTC().Unix(),
			},
		})
	}
	if len(points) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, size); err != nil {
		return err
	}

	req := struct {
		Points []qdrantPoint `json:"points"`
	}{Points: points}
	if err := q.doJSON(ctx, http.MethodPut, q.collectionPath("/points")+q.waitQuery(), req, nil); err != nil {
		return err
	}
	q.logger.Debug("points upserted", zap.Int("count", len(points)))
	return nil
}

// Remove 实现 ANN
func (q *QdrantANN) Remove(ctx context.Context, ids []string) error {
	points := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		points = append(points, PointID(id))
	}
	if len(points) == 0 {
		return nil
	}

	req := struct {
		Points []string `json:"points"`
	}{Points: points}
	return q.doJSON(ctx, http.MethodPost, q.collectionPath("/points/delete")+q.waitQuery(), req, nil)
}

// Search 实现 ANN，has_id 条件把检索限制在候选集合内
func (q *QdrantANN) Search(ctx context.Context, query []float32, topK int, candidates []*types.MemoryItem) ([]Hit, error) {
	if topK <= 0 || len(candidates) == 0 {
		return []Hit{}, nil
	}
	if len(query) == 0 {
		return nil, types.NewValidationError("query embedding is required")
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != nil {
			ids = append(ids, PointID(c.ID))
		}
	}

	req := map[string]any{
		"vector":       query,
		"limit":        topK,
		"with_payload": []string{"item_id"},
		"with_vector":  false,
		"filter": map[string]any{
			"must": []any{
				map[string]any{"has_id": ids},
			},
		},
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := q.doJSON(ctx, http.MethodPost, q.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, _ := r.Payload["item_id"].(string)
		if id == "" {
			// 没有 payload 时无法还原条目 ID
			continue
		}
		hits = append(hits, Hit{ID: id, Score: r.Score})
	}
	return hits, nil
}

// Ping 实现 ANN
func (q *QdrantANN) Ping(ctx context.Context) error {
	return q.doJSON(ctx, http.MethodGet, "/", nil, nil)
}

// Close 实现 ANN
func (q *QdrantANN) Close() error {
	q.client.CloseIdleConnections()
	return nil
}

var _ ANN = (*QdrantANN)(nil)
