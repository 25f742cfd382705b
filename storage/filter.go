package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/agentmem/types"
)

// QueryFilter 查询条件，零值表示只按 owner 查询未过期条目
type QueryFilter struct {
	SessionID      string            `json:"session_id,omitempty"`
	Kinds          []types.ItemKind  `json:"kinds,omitempty"`
	Persona        string            `json:"persona,omitempty"`
	CreatedAfter   time.Time         `json:"created_after,omitempty"`
	CreatedBefore  time.Time         `json:"created_before,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IncludeExpired bool              `json:"include_expired,omitempty"`
}

// Matches 判断条目是否满足过滤条件（owner 由调用方单独比较）
func (f QueryFilter) Matches(item *types.MemoryItem, now time.Time) bool {
	if f.SessionID != "" && item.SessionID != f.SessionID {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if item.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Persona != "" && item.Persona != f.Persona {
		return false
	}
	if !f.CreatedAfter.IsZero() && !item.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !item.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	for k, v := range f.Metadata {
		if item.Meta(k) != v {
			return false
		}
	}
	if !f.IncludeExpired && item.Expired(now) {
		return false
	}
	return true
}

// Key 返回过滤条件的稳定摘要，用作缓存键的一部分
func (f QueryFilter) Key() string {
	var b strings.Builder
	b.WriteString("s=" + f.SessionID)
	kinds := make([]string, 0, len(f.Kinds))
	for _, k := range f.Kinds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	b.WriteString("|k=" + strings.Join(kinds, ","))
	b.WriteString("|p=" + f.Persona)
	if !f.CreatedAfter.IsZero() {
		b.WriteString("|a=" + f.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if !f.CreatedBefore.IsZero() {
		b.WriteString("|b=" + f.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}
	keys := make([]string, 0, len(f.Metadata))
	for k := range f.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("|m." + k + "=" + f.Metadata[k])
	}
	b.WriteString(fmt.Sprintf("|x=%t", f.IncludeExpired))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:12])
}

// DeleteFilter 删除条件，至少需要一个字段
type DeleteFilter struct {
	IDs           []string       `json:"ids,omitempty"`
	OwnerID       string         `json:"owner_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Kind          types.ItemKind `json:"kind,omitempty"`
	ExpiredBefore time.Time      `json:"expired_before,omitempty"`
}

// IsEmpty 没有任何条件时为 true
func (f DeleteFilter) IsEmpty() bool {
	return len(f.IDs) == 0 && f.OwnerID == "" && f.SessionID == "" && f.Kind == "" && f.ExpiredBefore.IsZero()
}

// Validate 拒绝无界删除
func (f DeleteFilter) Validate() error {
	if f.IsEmpty() {
		return types.NewValidationError("delete filter must contain at least one key")
	}
	for _, id := range f.IDs {
		if strings.TrimSpace(id) == "" {
			return types.NewValidationError("delete filter contains an empty id")
		}
	}
	return nil
}

// Matches 判断条目是否命中删除条件（各字段为 AND 关系）
func (f DeleteFilter) Matches(item *types.MemoryItem) bool {
	if len(f.IDs) > 0 {
		hit := false
		for _, id := range f.IDs {
			if item.ID == id {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if f.OwnerID != "" && item.OwnerID != f.OwnerID {
		return false
	}
	if f.SessionID != "" && item.SessionID != f.SessionID {
		return false
	}
	if f.Kind != "" && item.Kind != f.Kind {
		return false
	}
	if !f.ExpiredBefore.IsZero() && !item.Expired(f.ExpiredBefore) {
		return false
	}
	return true
}
