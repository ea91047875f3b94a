// internal/services/config_service.go
package services

import (
	"strings"
	"sync"
	"time"

	"github.com/cinescript/cinescript/internal/config"
	apperrors "github.com/cinescript/cinescript/internal/errors"
	"github.com/cinescript/cinescript/internal/utils"
)

// ConfigService 提供运行时配置管理
// 配置变更通过订阅者机制通知到依赖它的服务
type ConfigService struct {
	cachedConfig *config.AppConfig
	lastUpdated  time.Time

	subscribers   []ConfigChangeSubscriber
	changeHistory []ConfigChangeRecord

	mu sync.RWMutex

	auditEnabled bool
	auditLog     []ConfigAuditEntry

	stopRefresh chan struct{}
	stopOnce    sync.Once
}

// ConfigChangeSubscriber 配置变更订阅者
type ConfigChangeSubscriber interface {
	OnConfigChanged(oldConfig, newConfig *config.AppConfig)
}

// ConfigChangeRecord 一次配置变更记录
type ConfigChangeRecord struct {
	Timestamp time.Time
	ChangedBy string
	Section   string
	OldValue  interface{}
	NewValue  interface{}
}

// ConfigAuditEntry 配置访问审计条目
type ConfigAuditEntry struct {
	Timestamp time.Time
	Action    string // read / write
	Section   string
	User      string
}

// NewConfigService 创建配置服务
func NewConfigService() *ConfigService {
	service := &ConfigService{
		lastUpdated:   time.Now(),
		subscribers:   make([]ConfigChangeSubscriber, 0),
		changeHistory: make([]ConfigChangeRecord, 0, 100),
		auditLog:      make([]ConfigAuditEntry, 0, 100),
		stopRefresh:   make(chan struct{}),
	}
	service.cachedConfig = config.GetCurrentConfig()
	return service
}

// GetCurrentConfig 获取当前配置
func (s *ConfigService) GetCurrentConfig() *config.AppConfig {
	s.mu.RLock()
	cfg := s.cachedConfig
	s.mu.RUnlock()

	if cfg == nil {
		s.mu.Lock()
		if s.cachedConfig == nil {
			s.cachedConfig = config.GetCurrentConfig()
		}
		cfg = s.cachedConfig
		s.mu.Unlock()
	}

	s.recordAudit("read", "全局配置", "system")
	return cfg
}

// UpdateLLMConfig 更新文本生成的提供者和配置并通知订阅者
func (s *ConfigService) UpdateLLMConfig(provider string, configMap map[string]string, changedBy string) error {
	if provider == "" {
		return apperrors.NewValidationError("提供者名称不能为空", nil)
	}
	if configMap == nil {
		configMap = make(map[string]string)
	}

	oldConfig := s.GetCurrentConfig()
	oldProvider := oldConfig.LLMProvider
	oldConfigMap := make(map[string]string, len(oldConfig.LLMConfig))
	for k, v := range oldConfig.LLMConfig {
		oldConfigMap[k] = v
	}

	// 缺少密钥的配置允许保存，相关服务会保持未就绪直到补齐
	if config.RequiresAPIKey(provider) {
		if key, ok := configMap["api_key"]; !ok || strings.TrimSpace(key) == "" {
			utils.GetLogger().Warn("LLM配置缺少api_key", map[string]interface{}{
				"provider": provider,
			})
		}
	}

	if _, ok := configMap["default_model"]; !ok {
		if fallback, ok := providerDefaultModels[provider]; ok {
			configMap["default_model"] = fallback
		}
	}

	s.recordAudit("write", "LLM配置", changedBy)

	if err := config.UpdateLLMConfig(provider, configMap); err != nil {
		return err
	}

	s.mu.Lock()
	s.cachedConfig = config.GetCurrentConfig()
	newConfig := s.cachedConfig
	s.lastUpdated = time.Now()
	s.mu.Unlock()

	s.recordChange("LLM提供者", oldProvider, provider, changedBy)
	s.recordChange("LLM配置", oldConfigMap, configMap, changedBy)
	s.notifySubscribers(oldConfig, newConfig)
	return nil
}

// UpdateImageConfig 更新图像生成的提供者和配置并通知订阅者
func (s *ConfigService) UpdateImageConfig(provider string, configMap map[string]string, changedBy string) error {
	if provider == "" {
		return apperrors.NewValidationError("提供者名称不能为空", nil)
	}
	if configMap == nil {
		configMap = make(map[string]string)
	}

	oldConfig := s.GetCurrentConfig()
	oldProvider := oldConfig.ImageProvider

	if config.RequiresAPIKey(provider) {
		if key, ok := configMap["api_key"]; !ok || strings.TrimSpace(key) == "" {
			utils.GetLogger().Warn("图像配置缺少api_key", map[string]interface{}{
				"provider": provider,
			})
		}
	}

	s.recordAudit("write", "图像配置", changedBy)

	if err := config.UpdateImageConfig(provider, configMap); err != nil {
		return err
	}

	s.mu.Lock()
	s.cachedConfig = config.GetCurrentConfig()
	newConfig := s.cachedConfig
	s.lastUpdated = time.Now()
	s.mu.Unlock()

	s.recordChange("图像提供者", oldProvider, provider, changedBy)
	s.notifySubscribers(oldConfig, newConfig)
	return nil
}

// SaveConfig 持久化当前配置
func (s *ConfigService) SaveConfig() error {
	return config.SaveConfig()
}

// GetLLMProvider 当前文本生成提供者
func (s *ConfigService) GetLLMProvider() string {
	return s.GetCurrentConfig().LLMProvider
}

// GetLLMConfig 当前文本生成配置
func (s *ConfigService) GetLLMConfig() map[string]string {
	return s.GetCurrentConfig().LLMConfig
}

// ValidateAPIKey 校验密钥是否满足提供者要求
// 本地提供者不需要密钥，直接通过
func (s *ConfigService) ValidateAPIKey(provider string, apiKey string) (bool, string) {
	if !config.RequiresAPIKey(provider) {
		return true, ""
	}
	if strings.TrimSpace(apiKey) == "" {
		return false, "API密钥不能为空"
	}
	return true, ""
}

// SubscribeToChanges 订阅配置变更事件
func (s *ConfigService) SubscribeToChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, subscriber)
}

// UnsubscribeFromChanges 取消订阅
func (s *ConfigService) UnsubscribeFromChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == subscriber {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			break
		}
	}
}

// notifySubscribers 异步通知所有订阅者
func (s *ConfigService) notifySubscribers(oldConfig, newConfig *config.AppConfig) {
	s.mu.RLock()
	subscribers := make([]ConfigChangeSubscriber, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()

	for _, subscriber := range subscribers {
		go subscriber.OnConfigChanged(oldConfig, newConfig)
	}
}

// GetChangeHistory 获取最近的配置变更记录
func (s *ConfigService) GetChangeHistory(limit int) []ConfigChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.changeHistory) {
		limit = len(s.changeHistory)
	}

	history := make([]ConfigChangeRecord, limit)
	copy(history, s.changeHistory[len(s.changeHistory)-limit:])
	return history
}

func (s *ConfigService) recordChange(section string, oldValue, newValue interface{}, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.changeHistory) >= 1000 {
		s.changeHistory = s.changeHistory[1:]
	}
	s.changeHistory = append(s.changeHistory, ConfigChangeRecord{
		Timestamp: time.Now(),
		ChangedBy: changedBy,
		Section:   section,
		OldValue:  oldValue,
		NewValue:  newValue,
	})
}

// EnableAudit 开关配置访问审计
func (s *ConfigService) EnableAudit(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditEnabled = enabled
}

// GetAuditLog 获取最近的审计条目，未启用审计时返回nil
func (s *ConfigService) GetAuditLog(limit int) []ConfigAuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.auditEnabled {
		return nil
	}
	if limit <= 0 || limit > len(s.auditLog) {
		limit = len(s.auditLog)
	}

	entries := make([]ConfigAuditEntry, limit)
	copy(entries, s.auditLog[len(s.auditLog)-limit:])
	return entries
}

func (s *ConfigService) recordAudit(action, section, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.auditEnabled {
		return
	}
	if len(s.auditLog) >= 1000 {
		s.auditLog = s.auditLog[1:]
	}
	s.auditLog = append(s.auditLog, ConfigAuditEntry{
		Timestamp: time.Now(),
		Action:    action,
		Section:   section,
		User:      user,
	})
}

// StartCacheRefresher 启动后台goroutine定期刷新配置缓存
func (s *ConfigService) StartCacheRefresher(refreshInterval time.Duration) {
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				s.cachedConfig = config.GetCurrentConfig()
				s.lastUpdated = time.Now()
				s.mu.Unlock()
			case <-s.stopRefresh:
				return
			}
		}
	}()
}

// Close 停止后台刷新
func (s *ConfigService) Close() {
	s.stopOnce.Do(func() {
		close(s.stopRefresh)
	})
}
