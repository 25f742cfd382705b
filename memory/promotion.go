package memory

import (
	"strings"
	"unicode/utf8"

	"github.com/BaSui01/agentmem/types"
)

// PromotionPolicy 长期记忆晋升策略。
// 这是尽力而为的重要性筛选，阈值属于产品策略，均可配置。
type PromotionPolicy struct {
	// MinTextLen 文本字符数严格大于该值时晋升
	MinTextLen int `yaml:"min_text_len" json:"min_text_len"`

	// ConfidenceThreshold metadata["confidence"] 严格大于该值时晋升
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`

	// Sources metadata["source"] 命中其一即晋升
	Sources []string `yaml:"sources" json:"sources"`
}

// DefaultPromotionPolicy 默认策略：用户来源、强制标记、长文本或高置信度
func DefaultPromotionPolicy() PromotionPolicy {
	return PromotionPolicy{
		MinTextLen:          100,
		ConfidenceThreshold: 0.7,
		Sources:             []string{"user"},
	}
}

// ShouldPromote 判断条目是否同时写入长期记忆
func (p PromotionPolicy) ShouldPromote(item *types.MemoryItem) bool {
	if item == nil {
		return false
	}
	source := item.Meta(types.MetaSource)
	for _, s := range p.Sources {
		if source != "" && source == s {
			return true
		}
	}
	if strings.EqualFold(item.Meta(types.MetaForceLongTerm), "true") {
		return true
	}
	if utf8.RuneCountInString(item.Text) > p.MinTextLen {
		return true
	}
	if c, ok := item.Confidence(); ok && c > p.ConfidenceThreshold {
		return true
	}
	return false
}
