// internal/services/scene_card.go
package services

import (
	"time"

	"github.com/cinescript/cinescript/internal/models"
)

// sceneCard 单张场景卡片在服务端的状态
// 编辑轴和图像轴相互独立，所有字段由WorkspaceService在锁内读写
type sceneCard struct {
	sceneID    string
	mode       models.CardMode
	draft      *models.SceneDraft
	imageState models.ImageState
	imageData  []byte
	imageMime  string
	imageError string
	imageSeq   uint64 // 图像请求的单调序号，落后于它的响应一律丢弃
	updatedAt  time.Time
}

func newSceneCard(sceneID string, now time.Time) *sceneCard {
	return &sceneCard{
		sceneID:    sceneID,
		mode:       models.CardModeViewing,
		imageState: models.ImageStatePlaceholder,
		updatedAt:  now,
	}
}

// enterEditing 进入编辑态并从场景复制草稿
// 已在编辑态时保留现有草稿，不覆盖用户输入
func (c *sceneCard) enterEditing(scene models.Scene, now time.Time) {
	if c.mode == models.CardModeEditing {
		return
	}
	draft := models.DraftOf(scene)
	c.mode = models.CardModeEditing
	c.draft = &draft
	c.updatedAt = now
}

// setDraft 覆盖当前草稿内容
func (c *sceneCard) setDraft(draft models.SceneDraft, now time.Time) {
	c.draft = &draft
	c.updatedAt = now
}

// exitEditing 退出编辑态并丢弃草稿
func (c *sceneCard) exitEditing(now time.Time) {
	c.mode = models.CardModeViewing
	c.draft = nil
	c.updatedAt = now
}

// beginImage 进入生成中状态，返回本次请求的序号
// 进入时清掉上一次的失败信息
func (c *sceneCard) beginImage(now time.Time) uint64 {
	c.imageSeq++
	c.imageState = models.ImageStatePending
	c.imageError = ""
	c.updatedAt = now
	return c.imageSeq
}

// finishImage 应用生成成功的结果
// 序号不匹配说明之后又发起过新请求，丢弃本次结果
func (c *sceneCard) finishImage(seq uint64, data []byte, mimeType string, now time.Time) bool {
	if seq != c.imageSeq {
		return false
	}
	c.imageState = models.ImageStateReady
	c.imageData = data
	c.imageMime = mimeType
	c.imageError = ""
	c.updatedAt = now
	return true
}

// failImage 应用生成失败的结果，展示退回占位图
func (c *sceneCard) failImage(seq uint64, message string, now time.Time) bool {
	if seq != c.imageSeq {
		return false
	}
	c.imageState = models.ImageStateFailed
	c.imageData = nil
	c.imageMime = ""
	c.imageError = message
	c.updatedAt = now
	return true
}

// resetImage 退回初始占位状态
// 序号同样前进，保证在途的旧响应作废
func (c *sceneCard) resetImage(now time.Time) {
	c.imageSeq++
	c.imageState = models.ImageStatePlaceholder
	c.imageData = nil
	c.imageMime = ""
	c.imageError = ""
	c.updatedAt = now
}

// displayedIsPlaceholder 当前展示的是否还是占位图
// 没有任何生成结果落地时（初始、失败回退、首轮生成中）都算占位
func (c *sceneCard) displayedIsPlaceholder() bool {
	return len(c.imageData) == 0
}
