// internal/models/scene.go
package models

import (
	"strings"
	"time"
)

// Scene 剧本中的一个场景
// ID在场景生成时分配，重排和编辑都不会改变它
type Scene struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Dialogue    string `json:"dialogue"`
	ImagePrompt string `json:"image_prompt"`
}

// SceneDraft 编辑态的草稿缓冲，提交前不影响正式场景
type SceneDraft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Dialogue    string `json:"dialogue"`
	ImagePrompt string `json:"image_prompt"`
}

// DraftOf 从场景复制出草稿
func DraftOf(scene Scene) SceneDraft {
	return SceneDraft{
		Title:       scene.Title,
		Description: scene.Description,
		Dialogue:    scene.Dialogue,
		ImagePrompt: scene.ImagePrompt,
	}
}

// Trimmed 返回去掉首尾空白后的草稿副本
func (d SceneDraft) Trimmed() SceneDraft {
	return SceneDraft{
		Title:       strings.TrimSpace(d.Title),
		Description: strings.TrimSpace(d.Description),
		Dialogue:    strings.TrimSpace(d.Dialogue),
		ImagePrompt: strings.TrimSpace(d.ImagePrompt),
	}
}

// CardMode 卡片的编辑轴状态
type CardMode string

const (
	CardModeViewing CardMode = "viewing"
	CardModeEditing CardMode = "editing"
)

// ImageState 卡片的图像轴状态，与编辑轴相互独立
type ImageState string

const (
	ImageStatePlaceholder ImageState = "placeholder"
	ImageStatePending     ImageState = "pending"
	ImageStateReady       ImageState = "ready"
	ImageStateFailed      ImageState = "failed"
)

// SceneCardView 场景卡片对外的完整视图，接口响应和推送共用
type SceneCardView struct {
	ID          string      `json:"id"`
	Position    int         `json:"position"` // 从1开始
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Dialogue    string      `json:"dialogue"`
	ImagePrompt string      `json:"image_prompt"`
	Mode        CardMode    `json:"mode"`
	Draft       *SceneDraft `json:"draft,omitempty"`
	ImageState  ImageState  `json:"image_state"`
	ImageURL    string      `json:"image_url"`
	ImageError  string      `json:"image_error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
