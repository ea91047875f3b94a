// internal/models/script.go
package models

import (
	"time"
)

// Script 一部完整的生成剧本
type Script struct {
	Title  string  `json:"title"`
	Genre  string  `json:"genre"`
	Scenes []Scene `json:"scenes"`
}

// SceneCount 场景数量
func (s *Script) SceneCount() int {
	if s == nil {
		return 0
	}
	return len(s.Scenes)
}

// GenerationMeta 一次剧本生成的来源信息
type GenerationMeta struct {
	Idea         string    `json:"idea"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	TokensUsed   int       `json:"tokens_used,omitempty"`
	GeneratedAt  time.Time `json:"generated_at"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	FromLanguage string    `json:"from_language,omitempty"` // 提示词采用的语言: en / zh
}

// WorkspaceView 工作区对外的完整视图
type WorkspaceView struct {
	Status      string          `json:"status"` // idle / generating / ready / error
	Title       string          `json:"title,omitempty"`
	Genre       string          `json:"genre,omitempty"`
	Scenes      []SceneCardView `json:"scenes"`
	SaveCount   uint64          `json:"save_count"`
	LastSavedAt *time.Time      `json:"last_saved_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Meta        *GenerationMeta `json:"meta,omitempty"`
}
