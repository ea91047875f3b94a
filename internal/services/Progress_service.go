// internal/services/Progress_service.go
package services

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ProgressUpdate 一次进度推送
type ProgressUpdate struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"` // 百分比 0-100
	Message  string `json:"message"`
	Status   string `json:"status"` // running / completed / failed
}

// ProgressTracker 跟踪单个后台任务的进度
type ProgressTracker struct {
	TaskID      string
	Progress    int
	Message     string
	Status      string
	StartTime   time.Time
	UpdateTime  time.Time
	Subscribers map[chan ProgressUpdate]bool
	Done        chan struct{}
	mutex       sync.Mutex
}

// ProgressService 管理所有后台任务的进度跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// CreateTracker 创建进度跟踪器，同ID已存在时返回现有实例
func (s *ProgressService) CreateTracker(taskID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tracker, exists := s.trackers[taskID]; exists {
		return tracker
	}

	now := time.Now()
	tracker := &ProgressTracker{
		TaskID:      taskID,
		Progress:    0,
		Message:     "任务初始化中",
		Status:      "running",
		StartTime:   now,
		UpdateTime:  now,
		Subscribers: make(map[chan ProgressUpdate]bool),
		Done:        make(chan struct{}),
	}
	s.trackers[taskID] = tracker
	return tracker
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

// ListActive 列出所有运行中任务的当前进度，按任务ID排序
func (s *ProgressService) ListActive() []ProgressUpdate {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	updates := make([]ProgressUpdate, 0, len(s.trackers))
	for _, tracker := range s.trackers {
		tracker.mutex.Lock()
		if tracker.Status == "running" {
			updates = append(updates, ProgressUpdate{
				TaskID:   tracker.TaskID,
				Progress: tracker.Progress,
				Message:  tracker.Message,
				Status:   tracker.Status,
			})
		}
		tracker.mutex.Unlock()
	}

	sort.Slice(updates, func(i, j int) bool {
		return updates[i].TaskID < updates[j].TaskID
	})
	return updates
}

// UpdateProgress 推进任务进度，进度值只增不减
func (t *ProgressTracker) UpdateProgress(progress int, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if progress > t.Progress {
		t.Progress = progress
	}
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()

	t.broadcastLocked()
}

// Complete 标记任务完成并关闭Done通道
func (t *ProgressTracker) Complete(message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.Progress = 100
	if message != "" {
		t.Message = message
	} else {
		t.Message = "任务已完成"
	}
	t.Status = "completed"
	t.UpdateTime = time.Now()

	t.broadcastLocked()
	close(t.Done)
}

// Fail 标记任务失败并关闭Done通道
func (t *ProgressTracker) Fail(errorMsg string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.Message = fmt.Sprintf("任务失败: %s", errorMsg)
	t.Status = "failed"
	t.UpdateTime = time.Now()

	t.broadcastLocked()
	close(t.Done)
}

// broadcastLocked 向所有订阅者非阻塞发送当前状态，调用方需已持有mutex
func (t *ProgressTracker) broadcastLocked() {
	update := ProgressUpdate{
		TaskID:   t.TaskID,
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
	}
	for subscriber := range t.Subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
}

// Subscribe 订阅进度更新，立即收到当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	subscriber := make(chan ProgressUpdate, 10)
	t.Subscribers[subscriber] = true

	subscriber <- ProgressUpdate{
		TaskID:   t.TaskID,
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
	}
	return subscriber
}

// Unsubscribe 取消订阅并关闭通道
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	delete(t.Subscribers, subscriber)
	close(subscriber)
}

// CleanupCompletedTasks 清理已结束且超过保留时长的任务
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		isFinished := tracker.Status == "completed" || tracker.Status == "failed"
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if isFinished && isOld {
			delete(s.trackers, id)
		}
	}
}
