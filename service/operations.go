package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/memory"
	"github.com/BaSui01/agentmem/ranking"
	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

// =============================================================================
// ✍️ 写入
// =============================================================================

// AddItem 校验并写入条目，返回条目 ID。缺省的 ID 与 created_at 由服务分配，
// 调用方传入的条目不会被修改。开启 dedupe_on_add 时重复条目返回已有 ID。
func (s *MemoryService) AddItem(ctx context.Context, item *types.MemoryItem) (string, error) {
	var id string
	err := s.run(ctx, "add_item", ownerAttrs(item), func(ctx context.Context, tiers *memory.TieredManager) error {
		it, err := s.prepareItem(item)
		if err != nil {
			return err
		}

		if s.cfg.Service.DedupeOnAdd {
			existing, err := s.findDuplicate(ctx, tiers, it)
			if err != nil {
				s.logger.Warn("duplicate check failed, writing anyway",
					zap.String("owner_id", it.OwnerID),
					zap.Error(err),
				)
			}
			if existing != nil {
				trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("memory.duplicate", true))
				id = existing.ID
				return nil
			}
		}

		if err := tiers.Add(ctx, it); err != nil {
			return err
		}
		id = it.ID
		return nil
	})
	return id, err
}

// prepareItem 复制条目，分配 ID 与时间并校验
func (s *MemoryService) prepareItem(item *types.MemoryItem) (*types.MemoryItem, error) {
	if item == nil {
		return nil, types.NewValidationError("item is required")
	}
	it := item.Clone()
	if strings.TrimSpace(it.OwnerID) == "" {
		return nil, types.NewValidationError("owner_id is required")
	}
	if it.Kind == "" {
		return nil, types.NewValidationError("kind is required")
	}
	if !it.Kind.Valid() {
		return nil, types.NewValidationError("unknown kind: %s", it.Kind)
	}
	if it.Kind == types.KindConversation && strings.TrimSpace(it.Text) == "" {
		return nil, types.NewValidationError("conversation items require text")
	}
	if err := s.checkDimension(it.Embedding, false); err != nil {
		return nil, err
	}

	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = s.now().UTC()
	}
	return it, nil
}

// checkDimension 向量长度必须等于 embedding_dimension，required 为 false 时允许为空
func (s *MemoryService) checkDimension(v []float32, required bool) error {
	if len(v) == 0 && !required {
		return nil
	}
	if want := s.cfg.Service.EmbeddingDimension; len(v) != want {
		return types.NewValidationError("embedding dimension %d does not match %d", len(v), want)
	}
	return nil
}

// AddAgentRecord 写入 Agent 记录，没有启用任何持久层级时返回 DependencyError
func (s *MemoryService) AddAgentRecord(ctx context.Context, record *types.AgentRecord) (string, error) {
	var id string
	var attrs []attribute.KeyValue
	if record != nil {
		attrs = append(attrs, attribute.String("memory.agent_id", record.AgentID))
	}
	err := s.run(ctx, "add_agent_record", attrs, func(ctx context.Context, tiers *memory.TieredManager) error {
		if record == nil {
			return types.NewValidationError("record is required")
		}
		rec := record.Clone()
		if strings.TrimSpace(rec.AgentID) == "" {
			return types.NewValidationError("agent_id is required")
		}
		if strings.TrimSpace(rec.Kind) == "" {
			return types.NewValidationError("kind is required")
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.now().UTC()
		}

		saved, err := tiers.SaveAgentRecord(ctx, rec)
		if err != nil {
			return err
		}
		id = saved
		return nil
	})
	return id, err
}

// =============================================================================
// 📖 读取
// =============================================================================

// GetItem 按 ID 读取条目
func (s *MemoryService) GetItem(ctx context.Context, id string) (*types.MemoryItem, error) {
	var out *types.MemoryItem
	err := s.run(ctx, "get_item", []attribute.KeyValue{attribute.String("memory.item_id", id)}, func(ctx context.Context, tiers *memory.TieredManager) error {
		if strings.TrimSpace(id) == "" {
			return types.NewValidationError("item id is required")
		}
		item, err := tiers.Get(ctx, id)
		if err != nil {
			return err
		}
		out = item
		return nil
	})
	return out, err
}

// GetHistory 返回 owner 的最近条目，按 created_at 倒序。
// limit 超过 max_history_limit 时静默截断。
func (s *MemoryService) GetHistory(ctx context.Context, ownerID, sessionID string, limit int, filter storage.QueryFilter) ([]*types.MemoryItem, error) {
	var out []*types.MemoryItem
	attrs := []attribute.KeyValue{
		attribute.String("memory.owner_id", ownerID),
		attribute.Int("memory.limit", limit),
	}
	err := s.run(ctx, "get_history", attrs, func(ctx context.Context, tiers *memory.TieredManager) error {
		if strings.TrimSpace(ownerID) == "" {
			return types.NewValidationError("owner_id is required")
		}
		if limit < 1 {
			return types.NewValidationError("limit must be at least 1")
		}
		limit = s.clamp(limit)

		items, err := tiers.GetHistory(ctx, ownerID, sessionID, limit, filter)
		if err != nil {
			return err
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("memory.result_count", len(items)))
		out = items
		return nil
	})
	return out, err
}

// SemanticSearch 按向量相似度返回 owner 的 topK 条目。
// topK <= 0 返回空结果，超过 max_history_limit 时截断。
func (s *MemoryService) SemanticSearch(ctx context.Context, ownerID string, embedding []float32, topK int) ([]ranking.Scored, error) {
	var out []ranking.Scored
	attrs := []attribute.KeyValue{
		attribute.String("memory.owner_id", ownerID),
		attribute.Int("memory.top_k", topK),
	}
	err := s.run(ctx, "semantic_search", attrs, func(ctx context.Context, tiers *memory.TieredManager) error {
		if strings.TrimSpace(ownerID) == "" {
			return types.NewValidationError("owner_id is required")
		}
		if err := s.checkDimension(embedding, true); err != nil {
			return err
		}
		if topK <= 0 {
			out = []ranking.Scored{}
			return nil
		}

		scored, err := tiers.SemanticSearch(ctx, ownerID, embedding, s.clamp(topK))
		if err != nil {
			return err
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("memory.result_count", len(scored)))
		out = scored
		return nil
	})
	return out, err
}

func (s *MemoryService) clamp(n int) int {
	if ceiling := s.cfg.Service.MaxHistoryLimit; ceiling > 0 && n > ceiling {
		return ceiling
	}
	return n
}

// =============================================================================
// 🔁 去重
// =============================================================================

// CheckDuplicate 同一 owner 在 duplicate_window 内是否已有相同文本与 persona 的条目。
// 文本为空时直接返回 false。
func (s *MemoryService) CheckDuplicate(ctx context.Context, item *types.MemoryItem) (bool, error) {
	var dup bool
	err := s.run(ctx, "check_duplicate", ownerAttrs(item), func(ctx context.Context, tiers *memory.TieredManager) error {
		if item == nil {
			return types.NewValidationError("item is required")
		}
		if strings.TrimSpace(item.Text) == "" {
			return nil
		}
		if strings.TrimSpace(item.OwnerID) == "" {
			return types.NewValidationError("owner_id is required")
		}
		existing, err := s.findDuplicate(ctx, tiers, item)
		if err != nil {
			return err
		}
		dup = existing != nil
		return nil
	})
	return dup, err
}

// findDuplicate 返回窗口内第一条文本与 persona 都相同的条目。
// 中期启用时只比对中期，尚未持久化的短期副本不算重复。
func (s *MemoryService) findDuplicate(ctx context.Context, tiers *memory.TieredManager, item *types.MemoryItem) (*types.MemoryItem, error) {
	if strings.TrimSpace(item.Text) == "" {
		return nil, nil
	}
	filter := storage.QueryFilter{Persona: item.Persona}
	if window := s.cfg.Service.DuplicateWindow; window > 0 {
		filter.CreatedAfter = s.now().Add(-window)
	}

	var (
		recent []*types.MemoryItem
		err    error
	)
	if medium := tiers.Medium(); medium != nil {
		recent, err = medium.QueryItems(ctx, item.OwnerID, filter, s.cfg.Service.MaxHistoryLimit)
	} else {
		recent, err = tiers.GetHistory(ctx, item.OwnerID, "", s.cfg.Service.MaxHistoryLimit, filter)
	}
	if err != nil {
		return nil, err
	}
	for _, r := range recent {
		if r.Text == item.Text && r.Persona == item.Persona {
			return r, nil
		}
	}
	return nil, nil
}

// =============================================================================
// 🧹 删除与清理
// =============================================================================

// DeleteItems 在所有层级按过滤条件删除，返回删除的条目数（多个层级中的同一条目只计一次）。
// 空过滤器返回校验错误。
func (s *MemoryService) DeleteItems(ctx context.Context, filter storage.DeleteFilter) (int64, error) {
	var total int64
	attrs := []attribute.KeyValue{
		attribute.String("memory.owner_id", filter.OwnerID),
		attribute.Int("memory.id_count", len(filter.IDs)),
	}
	err := s.run(ctx, "delete_items", attrs, func(ctx context.Context, tiers *memory.TieredManager) error {
		counts, err := tiers.Delete(ctx, filter)
		total = counts.Items
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int64("memory.deleted", total),
			attribute.Int64("memory.deleted.short", counts.Short),
			attribute.Int64("memory.deleted.medium", counts.Medium),
			attribute.Int64("memory.deleted.long", counts.Long),
		)
		return err
	})
	return total, err
}

// Cleanup 删除各层级已过期的条目并返回删除的条目数，没有过期条目时为 0
func (s *MemoryService) Cleanup(ctx context.Context) (int64, error) {
	var total int64
	err := s.run(ctx, "cleanup", nil, func(ctx context.Context, tiers *memory.TieredManager) error {
		start := time.Now()
		counts, err := tiers.CleanupExpired(ctx, s.now())
		total = counts.Items
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int64("memory.deleted", total),
			attribute.Int64("memory.deleted.short", counts.Short),
			attribute.Int64("memory.deleted.medium", counts.Medium),
			attribute.Int64("memory.deleted.long", counts.Long),
		)
		s.logger.Debug("cleanup finished",
			zap.Int64("deleted", total),
			zap.Duration("took", time.Since(start)),
		)
		return err
	})
	return total, err
}

func ownerAttrs(item *types.MemoryItem) []attribute.KeyValue {
	if item == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("memory.owner_id", item.OwnerID),
		attribute.String("memory.kind", string(item.Kind)),
	}
}
