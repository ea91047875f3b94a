// internal/services/scene_store.go
package services

import (
	"github.com/cinescript/cinescript/internal/models"
)

// 场景重排的方向
const (
	MoveUp   = "up"
	MoveDown = "down"
)

// SceneStore 持有当前剧本的场景序列，是场景内容和顺序的唯一权威
// 结构本身不加锁，由WorkspaceService负责串行化访问
type SceneStore struct {
	scenes []models.Scene
}

// NewSceneStore 创建空的场景存储
func NewSceneStore() *SceneStore {
	return &SceneStore{
		scenes: make([]models.Scene, 0),
	}
}

// Replace 用一批新场景整体替换现有内容
func (s *SceneStore) Replace(scenes []models.Scene) {
	s.scenes = make([]models.Scene, len(scenes))
	copy(s.scenes, scenes)
}

// Clear 清空所有场景
func (s *SceneStore) Clear() {
	s.scenes = s.scenes[:0]
}

// Len 场景数量
func (s *SceneStore) Len() int {
	return len(s.scenes)
}

// Get 按下标取场景
func (s *SceneStore) Get(index int) (models.Scene, bool) {
	if index < 0 || index >= len(s.scenes) {
		return models.Scene{}, false
	}
	return s.scenes[index], true
}

// GetByID 按场景ID查找，返回场景和它的当前下标
func (s *SceneStore) GetByID(id string) (models.Scene, int, bool) {
	for i, scene := range s.scenes {
		if scene.ID == id {
			return scene, i, true
		}
	}
	return models.Scene{}, -1, false
}

// Update 原地更新指定下标的场景内容，场景ID保持不变
func (s *SceneStore) Update(index int, scene models.Scene) bool {
	if index < 0 || index >= len(s.scenes) {
		return false
	}
	scene.ID = s.scenes[index].ID
	s.scenes[index] = scene
	return true
}

// Reorder 把指定下标的场景向上或向下移动一位
// 目标位置越界时静默忽略，返回false；成功交换返回true
func (s *SceneStore) Reorder(index int, direction string) bool {
	if index < 0 || index >= len(s.scenes) {
		return false
	}

	target := index
	switch direction {
	case MoveUp:
		target = index - 1
	case MoveDown:
		target = index + 1
	default:
		return false
	}

	if target < 0 || target >= len(s.scenes) {
		return false
	}

	s.scenes[index], s.scenes[target] = s.scenes[target], s.scenes[index]
	return true
}

// Scenes 返回当前场景序列的副本
func (s *SceneStore) Scenes() []models.Scene {
	out := make([]models.Scene, len(s.scenes))
	copy(out, s.scenes)
	return out
}
