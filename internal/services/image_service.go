// internal/services/image_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cinescript/cinescript/internal/config"
	apperrors "github.com/cinescript/cinescript/internal/errors"
	"github.com/cinescript/cinescript/internal/llm"
	"github.com/cinescript/cinescript/internal/utils"
)

var ErrImageNotReady = errors.New("image service not ready")

// ImageService 提供场景插图生成能力
// 提供商配置独立于文本生成，允许文本和图像使用不同的后端
type ImageService struct {
	providerMutex sync.RWMutex
	provider      llm.ImageProvider
	providerName  string
	isReady       bool
	readyState    string
}

// NewImageService 创建图像生成服务
func NewImageService() *ImageService {
	service := &ImageService{
		readyState: "Uninitialized",
	}

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		service.readyState = "Failed to retrieve configuration"
		return service
	}

	if cfg.ImageProvider == "" {
		service.readyState = "Image provider not configured"
		return service
	}

	if config.RequiresAPIKey(cfg.ImageProvider) &&
		(cfg.ImageConfig == nil || cfg.ImageConfig["api_key"] == "") {
		service.readyState = "API key not configured"
		return service
	}

	provider, err := llm.GetImageProvider(cfg.ImageProvider, cfg.ImageConfig)
	if err != nil {
		service.readyState = fmt.Sprintf("Initialization failed: %v", err)
		return service
	}

	service.provider = provider
	service.providerName = cfg.ImageProvider
	service.isReady = true
	service.readyState = "Ready"

	return service
}

// IsReady 返回服务是否已就绪
func (s *ImageService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil && s.isReady
}

// GetReadyState 返回服务就绪状态描述
func (s *ImageService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.readyState
}

// GetProviderStatus 返回服务是否就绪以及可读描述
func (s *ImageService) GetProviderStatus() (bool, string) {
	if s == nil {
		return false, "图像服务实例未初始化"
	}

	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	if s.provider != nil && s.isReady {
		return true, "Ready"
	}
	return false, s.readyState
}

// GetProviderName 返回当前图像提供商名称
func (s *ImageService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// UpdateProvider 更新图像提供商
func (s *ImageService) UpdateProvider(providerName string, providerConfig map[string]string) error {
	provider, err := llm.GetImageProvider(providerName, providerConfig)
	if err != nil {
		s.providerMutex.Lock()
		s.isReady = false
		s.readyState = fmt.Sprintf("Configuration failed: %v", err)
		s.providerMutex.Unlock()
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.isReady = true
	s.readyState = "Ready"

	return nil
}

// OnConfigChanged 配置变更订阅回调，热切换提供商
func (s *ImageService) OnConfigChanged(oldConfig, newConfig *config.AppConfig) {
	if newConfig == nil || newConfig.ImageProvider == "" {
		return
	}

	if err := s.UpdateProvider(newConfig.ImageProvider, newConfig.ImageConfig); err != nil {
		utils.GetLogger().Error("切换图像提供商失败", map[string]interface{}{
			"provider": newConfig.ImageProvider,
			"err":      err.Error(),
		})
	}
}

// GenerateSceneImage 为场景生成插图
// 失败一律包装为image_generation_error，由调用方决定是否重试
func (s *ImageService) GenerateSceneImage(ctx context.Context, imagePrompt string) (*llm.ImageResult, error) {
	imagePrompt = strings.TrimSpace(imagePrompt)
	if imagePrompt == "" {
		return nil, apperrors.NewImageGenerationError("图像提示词不能为空", nil)
	}

	s.providerMutex.RLock()
	provider := s.provider
	ready := s.isReady
	providerName := s.providerName
	s.providerMutex.RUnlock()

	if !ready || provider == nil {
		return nil, apperrors.NewImageGenerationError("图像生成服务不可用", ErrImageNotReady)
	}

	startTime := time.Now()
	success := false
	defer func() {
		utils.NewAPIMetrics().RecordImageRequest(providerName, success, time.Since(startTime))
	}()

	result, err := provider.GenerateImage(ctx, llm.ImageRequest{Prompt: imagePrompt})
	if err != nil {
		utils.GetLogger().Warn("图像生成失败", map[string]interface{}{
			"provider":    providerName,
			"duration_ms": time.Since(startTime).Milliseconds(),
			"err":         err.Error(),
		})
		return nil, apperrors.NewImageGenerationError("图像生成失败", err)
	}

	if result == nil || len(result.Data) == 0 {
		return nil, apperrors.NewImageGenerationError("提供商返回了空图像", nil)
	}

	success = true
	utils.GetLogger().Info("图像生成完成", map[string]interface{}{
		"provider":    providerName,
		"bytes":       len(result.Data),
		"mime_type":   result.MimeType,
		"duration_ms": time.Since(startTime).Milliseconds(),
	})

	return result, nil
}
