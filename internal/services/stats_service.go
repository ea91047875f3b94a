// internal/services/stats_service.go
package services

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cinescript/cinescript/internal/utils"
)

// UsageStats 生成用量统计
type UsageStats struct {
	TodayRequests    int            `json:"today_requests"`
	MonthlyTokens    int            `json:"monthly_tokens"`
	ScriptsGenerated int            `json:"scripts_generated"`
	ImagesGenerated  int            `json:"images_generated"`
	ImageFailures    int            `json:"image_failures"`
	DailyStats       map[string]int `json:"daily_stats"`
	MonthlyStats     map[string]int `json:"monthly_stats"`
	LastUpdated      time.Time      `json:"last_updated"`
}

// StatsService 统计剧本和图像生成的用量，数据落在JSON文件里
type StatsService struct {
	BasePath    string
	statsFile   string
	mutex       sync.Mutex
	cachedStats *UsageStats

	// 时间段检查的缓存，减少频繁的时间比较
	lastCheckDate  string
	lastCheckMonth string
	lastCheckTime  time.Time

	// 批量保存控制
	isDirty      bool
	lastSaveTime time.Time
	saveInterval time.Duration
	stopSave     chan struct{}
	stopOnce     sync.Once
}

// NewStatsService 创建统计服务，basePath为空时使用data/stats
func NewStatsService(basePath string) *StatsService {
	if basePath == "" {
		basePath = filepath.Join("data", "stats")
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		utils.GetLogger().Warn("创建统计目录失败", map[string]interface{}{
			"path":  basePath,
			"error": err.Error(),
		})
	}

	service := &StatsService{
		BasePath:     basePath,
		statsFile:    filepath.Join(basePath, "usage_stats.json"),
		saveInterval: 30 * time.Second,
		stopSave:     make(chan struct{}),
	}

	service.startPeriodicSave()
	return service
}

// initStatsUnlocked 初始化统计数据，调用方需已持有mutex
func (s *StatsService) initStatsUnlocked() {
	if loadedStats, err := s.loadStatsFromFile(); err == nil {
		s.updateStatsForNewPeriod(loadedStats)
		s.cachedStats = loadedStats
		return
	}

	s.cachedStats = newEmptyStats()
	if err := s.saveStats(s.cachedStats); err != nil {
		utils.GetLogger().Warn("保存初始统计数据失败", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func newEmptyStats() *UsageStats {
	return &UsageStats{
		DailyStats:   make(map[string]int),
		MonthlyStats: make(map[string]int),
		LastUpdated:  time.Now(),
	}
}

func (s *StatsService) loadStatsFromFile() (*UsageStats, error) {
	if _, err := os.Stat(s.statsFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("统计文件不存在")
	}

	data, err := os.ReadFile(s.statsFile)
	if err != nil {
		return nil, fmt.Errorf("读取统计文件失败: %w", err)
	}

	var stats UsageStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("解析统计数据失败: %w", err)
	}

	if stats.DailyStats == nil {
		stats.DailyStats = make(map[string]int)
	}
	if stats.MonthlyStats == nil {
		stats.MonthlyStats = make(map[string]int)
	}
	return &stats, nil
}

// updateStatsForNewPeriod 跨天清零当日计数，跨月清零当月token
func (s *StatsService) updateStatsForNewPeriod(stats *UsageStats) {
	now := time.Now()
	today := now.Format("2006-01-02")
	thisMonth := now.Format("2006-01")

	lastDate := stats.LastUpdated.Format("2006-01-02")
	lastMonth := stats.LastUpdated.Format("2006-01")

	updated := false
	if today != lastDate {
		stats.TodayRequests = 0
		updated = true
	}
	if thisMonth != lastMonth {
		stats.MonthlyTokens = 0
		updated = true
	}

	if updated {
		stats.LastUpdated = now
		if err := s.saveStats(stats); err != nil {
			utils.GetLogger().Warn("更新时间段统计失败", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// saveStats 先写临时文件再重命名，保证文件完整性
func (s *StatsService) saveStats(stats *UsageStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化统计数据失败: %w", err)
	}

	tempFile := s.statsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("写入统计临时文件失败: %w", err)
	}
	if err := os.Rename(tempFile, s.statsFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("替换统计文件失败: %w", err)
	}
	return nil
}

// GetUsageStats 获取当前用量统计的副本
func (s *StatsService) GetUsageStats() *UsageStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cachedStats == nil {
		s.initStatsUnlocked()
	}
	if s.needsPeriodUpdate() {
		s.updateStatsForNewPeriod(s.cachedStats)
	}
	return s.createStatsCopy()
}

// needsPeriodUpdate 距离上次检查不到10分钟时直接跳过
func (s *StatsService) needsPeriodUpdate() bool {
	now := time.Now()
	if now.Sub(s.lastCheckTime) < 10*time.Minute {
		return false
	}

	s.lastCheckTime = now
	currentDate := now.Format("2006-01-02")
	currentMonth := now.Format("2006-01")

	needsUpdate := currentDate != s.lastCheckDate || currentMonth != s.lastCheckMonth
	if needsUpdate {
		s.lastCheckDate = currentDate
		s.lastCheckMonth = currentMonth
	}
	return needsUpdate
}

func (s *StatsService) createStatsCopy() *UsageStats {
	if s.cachedStats == nil {
		return newEmptyStats()
	}
	return &UsageStats{
		TodayRequests:    s.cachedStats.TodayRequests,
		MonthlyTokens:    s.cachedStats.MonthlyTokens,
		ScriptsGenerated: s.cachedStats.ScriptsGenerated,
		ImagesGenerated:  s.cachedStats.ImagesGenerated,
		ImageFailures:    s.cachedStats.ImageFailures,
		DailyStats:       copyIntMap(s.cachedStats.DailyStats),
		MonthlyStats:     copyIntMap(s.cachedStats.MonthlyStats),
		LastUpdated:      s.cachedStats.LastUpdated,
	}
}

func copyIntMap(original map[string]int) map[string]int {
	if original == nil {
		return make(map[string]int)
	}
	out := make(map[string]int, len(original))
	maps.Copy(out, original)
	return out
}

// RecordScriptGeneration 记录一次剧本生成和它消耗的token
func (s *StatsService) RecordScriptGeneration(tokens int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cachedStats == nil {
		s.initStatsUnlocked()
	}

	now := time.Now()
	today := now.Format("2006-01-02")
	month := now.Format("2006-01")

	s.cachedStats.TodayRequests++
	s.cachedStats.ScriptsGenerated++
	s.cachedStats.MonthlyTokens += tokens
	s.cachedStats.DailyStats[today]++
	s.cachedStats.MonthlyStats[month] += tokens
	s.cachedStats.LastUpdated = now

	return s.markDirtyAndMaybeSave(now)
}

// RecordImageResult 记录一次图像生成的结果
func (s *StatsService) RecordImageResult(success bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cachedStats == nil {
		s.initStatsUnlocked()
	}

	now := time.Now()
	today := now.Format("2006-01-02")

	s.cachedStats.TodayRequests++
	s.cachedStats.DailyStats[today]++
	if success {
		s.cachedStats.ImagesGenerated++
	} else {
		s.cachedStats.ImageFailures++
	}
	s.cachedStats.LastUpdated = now

	return s.markDirtyAndMaybeSave(now)
}

// markDirtyAndMaybeSave 标记待保存，超过保存间隔时立即落盘
func (s *StatsService) markDirtyAndMaybeSave(now time.Time) error {
	s.isDirty = true
	if now.Sub(s.lastSaveTime) > s.saveInterval {
		return s.saveStatsImmediate()
	}
	return nil
}

func (s *StatsService) saveStatsImmediate() error {
	if !s.isDirty {
		return nil
	}
	err := s.saveStats(s.cachedStats)
	if err == nil {
		s.isDirty = false
		s.lastSaveTime = time.Now()
	}
	return err
}

func (s *StatsService) startPeriodicSave() {
	go func() {
		ticker := time.NewTicker(s.saveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.mutex.Lock()
				if s.isDirty {
					if err := s.saveStatsImmediate(); err != nil {
						utils.GetLogger().Warn("定时保存统计数据失败", map[string]interface{}{
							"error": err.Error(),
						})
					}
				}
				s.mutex.Unlock()
			case <-s.stopSave:
				return
			}
		}
	}()
}

// ResetStats 清空统计数据
func (s *StatsService) ResetStats() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	newStats := newEmptyStats()
	if err := s.saveStats(newStats); err != nil {
		return err
	}
	s.cachedStats = newStats
	return nil
}

// Close 停止定时保存并落盘未保存的数据
func (s *StatsService) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopSave)
	})

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.isDirty {
		return s.saveStatsImmediate()
	}
	return nil
}
