// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cinescript/cinescript/internal/config"
	"github.com/cinescript/cinescript/internal/llm"
	"github.com/cinescript/cinescript/internal/models"
	"github.com/cinescript/cinescript/internal/placeholder"
	"github.com/cinescript/cinescript/internal/services"
	"github.com/cinescript/cinescript/internal/storage"
	"github.com/cinescript/cinescript/internal/utils"
)

// 占位图渲染结果缓存，相同种子和尺寸直接复用
var placeholderCache = storage.NewMemoryCache(256, 2*time.Hour)

// Handler 处理API请求
type Handler struct {
	WorkspaceService *services.WorkspaceService // 工作区服务
	ExportService    *services.ExportService    // 导出服务
	LLMService       *services.LLMService       // 文本生成服务
	ImageService     *services.ImageService     // 图像生成服务
	ConfigService    *services.ConfigService    // 配置服务
	StatsService     *services.StatsService     // 统计服务
	ProgressService  *services.ProgressService  // 进度跟踪服务
	WebSocketHandler *WebSocketHandler          // WebSocket处理器
	Response         *ResponseHelper            // 响应助手
}

// NewHandler 创建API处理器
func NewHandler(
	workspaceService *services.WorkspaceService,
	exportService *services.ExportService,
	llmService *services.LLMService,
	imageService *services.ImageService,
	configService *services.ConfigService,
	statsService *services.StatsService,
	progressService *services.ProgressService,
) *Handler {
	return &Handler{
		WorkspaceService: workspaceService,
		ExportService:    exportService,
		LLMService:       llmService,
		ImageService:     imageService,
		ConfigService:    configService,
		StatsService:     statsService,
		ProgressService:  progressService,
		WebSocketHandler: NewWebSocketHandler(workspaceService),
		Response:         NewResponseHelper(),
	}
}

// GenerateScriptRequest 生成剧本的请求结构
type GenerateScriptRequest struct {
	Idea string `json:"idea"` // 一句话电影创意
}

// SceneDraftRequest 更新场景草稿的请求结构
type SceneDraftRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Dialogue    string `json:"dialogue"`
	ImagePrompt string `json:"image_prompt"`
}

// ReorderSceneRequest 重排场景的请求结构
type ReorderSceneRequest struct {
	Direction string `json:"direction"` // up 或 down
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ------------------------------------------------
// 页面
// ------------------------------------------------

// IndexPage 返回工作区主页面
func (h *Handler) IndexPage(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", nil)
}

// SettingsPage 返回设置页面
func (h *Handler) SettingsPage(c *gin.Context) {
	cfg := h.ConfigService.GetCurrentConfig()
	stats := h.StatsService.GetUsageStats()

	c.HTML(http.StatusOK, "settings.html", gin.H{
		"llm_provider":   cfg.LLMProvider,
		"image_provider": cfg.ImageProvider,
		"debug_mode":     cfg.DebugMode,
		"today_requests": stats.TodayRequests,
		"monthly_tokens": stats.MonthlyTokens,
	})
}

// WorkspaceWebSocket 工作区事件推送连接
func (h *Handler) WorkspaceWebSocket(c *gin.Context) {
	h.WebSocketHandler.WorkspaceWebSocket(c)
}

// ------------------------------------------------
// 工作区
// ------------------------------------------------

// GetWorkspace 获取工作区完整视图
func (h *Handler) GetWorkspace(c *gin.Context) {
	h.Response.Success(c, h.WorkspaceService.Snapshot())
}

// GenerateScript 根据创意生成新剧本
func (h *Handler) GenerateScript(c *gin.Context) {
	var req GenerateScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}

	view, err := h.WorkspaceService.Generate(c.Request.Context(), req.Idea)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, view, "剧本生成成功")
}

// SaveAllScenes 全量保存，提交所有编辑中的场景
func (h *Handler) SaveAllScenes(c *gin.Context) {
	view := h.WorkspaceService.SaveAll()
	h.Response.Success(c, view, "已保存全部场景")
}

// ExportWorkspace 导出当前剧本
// download=true时按附件下载，否则返回JSON
func (h *Handler) ExportWorkspace(c *gin.Context) {
	format := c.DefaultQuery("format", services.ExportFormatMarkdown)
	download := c.Query("download") == "true"

	result, err := h.ExportService.ExportScript(format)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.ExportResponse(c, result, download)
}

// ------------------------------------------------
// 场景卡片
// ------------------------------------------------

// EnterSceneEdit 进入场景编辑态
func (h *Handler) EnterSceneEdit(c *gin.Context) {
	view, err := h.WorkspaceService.EnterEdit(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, view)
}

// UpdateSceneDraft 更新编辑中的草稿
func (h *Handler) UpdateSceneDraft(c *gin.Context) {
	var req SceneDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}

	draft := models.SceneDraft{
		Title:       req.Title,
		Description: req.Description,
		Dialogue:    req.Dialogue,
		ImagePrompt: req.ImagePrompt,
	}

	view, err := h.WorkspaceService.UpdateDraft(c.Param("id"), draft)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, view)
}

// CommitSceneEdit 提交草稿
func (h *Handler) CommitSceneEdit(c *gin.Context) {
	view, err := h.WorkspaceService.CommitEdit(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, view, "场景已保存")
}

// CancelSceneEdit 放弃草稿
func (h *Handler) CancelSceneEdit(c *gin.Context) {
	view, err := h.WorkspaceService.CancelEdit(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, view)
}

// ReorderScene 把场景上移或下移一位
func (h *Handler) ReorderScene(c *gin.Context) {
	var req ReorderSceneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}

	view, err := h.WorkspaceService.ReorderScene(c.Param("id"), req.Direction)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, view)
}

// RetrySceneImage 重新发起场景图像生成
func (h *Handler) RetrySceneImage(c *gin.Context) {
	view, err := h.WorkspaceService.RetryImage(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, view, "图像生成已重新发起")
}

// GetSceneImage 返回场景已生成的图像
// 图像地址带请求序号作为版本参数，内容不会变化，可以长缓存
func (h *Handler) GetSceneImage(c *gin.Context) {
	data, mimeType, err := h.WorkspaceService.SceneImage(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	if mimeType == "" {
		mimeType = "image/png"
	}

	c.Header("Cache-Control", "private, max-age=31536000, immutable")
	c.Data(http.StatusOK, mimeType, data)
}

// GetPlaceholderImage 渲染确定性占位图
// 同一个种子永远渲染出同一张图
func (h *Handler) GetPlaceholderImage(c *gin.Context) {
	seed, err := placeholder.ParseSeed(c.Param("seed"))
	if err != nil {
		h.Response.BadRequest(c, "占位图种子无效", err.Error())
		return
	}

	width := parseDimension(c.Query("w"), placeholder.DefaultWidth)
	height := parseDimension(c.Query("h"), placeholder.DefaultHeight)

	cacheKey := fmt.Sprintf("placeholder:%d:%dx%d", seed, width, height)
	if cached, ok := placeholderCache.Get(cacheKey); ok {
		if img, ok := cached.([]byte); ok {
			c.Header("Cache-Control", "public, max-age=31536000, immutable")
			c.Data(http.StatusOK, "image/jpeg", img)
			return
		}
	}

	img, err := placeholder.Render(seed, width, height)
	if err != nil {
		h.Response.InternalError(c, "渲染占位图失败", err.Error())
		return
	}
	placeholderCache.Set(cacheKey, img)

	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, "image/jpeg", img)
}

// parseDimension 解析图像尺寸参数并限制在合理范围
func parseDimension(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < 64 {
		return 64
	}
	if value > 1024 {
		return 1024
	}
	return value
}

// ------------------------------------------------
// 设置
// ------------------------------------------------

// GetSettings 获取当前设置，密钥只返回是否已配置
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := h.ConfigService.GetCurrentConfig()

	llmConfig := make(map[string]interface{})
	if cfg.LLMConfig != nil {
		llmConfig["default_model"] = cfg.LLMConfig["default_model"]
		llmConfig["has_api_key"] = cfg.LLMConfig["api_key"] != ""
	}

	imageConfig := make(map[string]interface{})
	if cfg.ImageConfig != nil {
		imageConfig["image_model"] = cfg.ImageConfig["image_model"]
		imageConfig["has_api_key"] = cfg.ImageConfig["api_key"] != ""
	}

	h.Response.Success(c, map[string]interface{}{
		"llm_provider":   cfg.LLMProvider,
		"image_provider": cfg.ImageProvider,
		"debug_mode":     cfg.DebugMode,
		"port":           cfg.Port,
		"llm_config":     llmConfig,
		"image_config":   imageConfig,
	}, "设置获取成功")
}

// SaveSettings 保存LLM和图像提供者设置
func (h *Handler) SaveSettings(c *gin.Context) {
	var request struct {
		LLMProvider   string            `json:"llm_provider"`
		LLMConfig     map[string]string `json:"llm_config"`
		ImageProvider string            `json:"image_provider"`
		ImageConfig   map[string]string `json:"image_config"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}

	if request.LLMProvider != "" {
		if err := h.ConfigService.UpdateLLMConfig(request.LLMProvider, request.LLMConfig, "web_ui"); err != nil {
			h.Response.AppError(c, err)
			return
		}
	}
	if request.ImageProvider != "" {
		if err := h.ConfigService.UpdateImageConfig(request.ImageProvider, request.ImageConfig, "web_ui"); err != nil {
			h.Response.AppError(c, err)
			return
		}
	}

	h.Response.Success(c, nil, "设置保存成功")
}

// TestConnection 发起一次最小的补全请求验证连通性
func (h *Handler) TestConnection(c *gin.Context) {
	if !h.LLMService.IsReady() {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConnectionFailed,
			"LLM服务未就绪", h.LLMService.GetReadyState())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	_, err := h.LLMService.CompleteText(ctx, llm.CompletionRequest{
		SystemPrompt: "You are a helpful assistant.",
		Prompt:       "Hello",
		MaxTokens:    5,
		Temperature:  0.1,
	})
	if err != nil {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConnectionFailed,
			"连接测试失败", err.Error())
		return
	}

	h.Response.Success(c, map[string]interface{}{
		"provider": h.LLMService.GetProviderName(),
		"status":   "connected",
		"test":     "passed",
	}, "连接测试成功")
}

// ------------------------------------------------
// LLM与图像提供者
// ------------------------------------------------

// GetLLMStatus 获取文本和图像服务的就绪状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	cfg := h.ConfigService.GetCurrentConfig()

	imageReady, imageState := h.ImageService.GetProviderStatus()
	status := map[string]interface{}{
		"ready":    h.LLMService.IsReady(),
		"status":   h.LLMService.GetReadyState(),
		"provider": h.LLMService.GetProviderName(),
		"model":    h.LLMService.GetDefaultModel(),
		"config": map[string]interface{}{
			"provider":    cfg.LLMProvider,
			"has_api_key": cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] != "",
		},
		"image": map[string]interface{}{
			"ready":    imageReady,
			"status":   imageState,
			"provider": h.ImageService.GetProviderName(),
		},
	}

	c.JSON(http.StatusOK, status)
}

// GetLLMModels 获取指定提供者支持的模型列表
func (h *Handler) GetLLMModels(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		h.Response.BadRequest(c, "缺少提供者参数")
		return
	}

	supportedModels := llm.GetSupportedModelsForProvider(provider)
	if len(supportedModels) == 0 {
		exists := false
		for _, p := range llm.ListProviders() {
			if p == provider {
				exists = true
				break
			}
		}
		if !exists {
			h.Response.Error(c, http.StatusBadRequest, ErrorProviderUnknown,
				"不支持的提供者: "+provider)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"provider": provider,
		"models":   supportedModels,
		"count":    len(supportedModels),
	})
}

// GetProviders 列出所有已注册的提供者及其能力
func (h *Handler) GetProviders(c *gin.Context) {
	names := llm.ListProviders()
	providers := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		providers = append(providers, map[string]interface{}{
			"name":             name,
			"requires_api_key": config.RequiresAPIKey(name),
			"supports_images":  llm.SupportsImages(name),
			"models":           llm.GetSupportedModelsForProvider(name),
		})
	}

	h.Response.Success(c, providers)
}

// UpdateLLMConfig 更新文本生成配置
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.ConfigService.UpdateLLMConfig(req.Provider, req.Config, "web_api"); err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, map[string]interface{}{
		"provider": req.Provider,
		"ready":    h.LLMService.IsReady(),
		"status":   h.LLMService.GetReadyState(),
	}, "LLM配置已更新")
}

// UpdateImageConfig 更新图像生成配置
func (h *Handler) UpdateImageConfig(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.ConfigService.UpdateImageConfig(req.Provider, req.Config, "web_api"); err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, map[string]interface{}{
		"provider": req.Provider,
		"ready":    h.ImageService.IsReady(),
		"status":   h.ImageService.GetReadyState(),
	}, "图像配置已更新")
}

// ------------------------------------------------
// 统计与进度
// ------------------------------------------------

// GetStats 获取用量统计、缓存状态和运行指标
func (h *Handler) GetStats(c *gin.Context) {
	h.Response.Success(c, map[string]interface{}{
		"usage":   h.StatsService.GetUsageStats(),
		"cache":   h.LLMService.CacheStats(),
		"runtime": utils.GetMetricsCollector().GetMetrics(),
	})
}

// ResetStats 清空用量统计
func (h *Handler) ResetStats(c *gin.Context) {
	if err := h.StatsService.ResetStats(); err != nil {
		h.Response.InternalError(c, "重置统计失败", err.Error())
		return
	}
	h.Response.Success(c, nil, "统计已重置")
}

// GetActiveProgress 列出所有运行中的后台任务
func (h *Handler) GetActiveProgress(c *gin.Context) {
	h.Response.Success(c, h.ProgressService.ListActive())
}

// SubscribeProgress 以SSE方式订阅单个任务的进度
func (h *Handler) SubscribeProgress(c *gin.Context) {
	taskID := c.Param("task_id")

	tracker, exists := h.ProgressService.GetTracker(taskID)
	if !exists {
		h.Response.NotFound(c, "任务不存在")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")

	clientGone := c.Request.Context().Done()

	updateChan := tracker.Subscribe()
	defer tracker.Unsubscribe(updateChan)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"message\":\"连接已建立\"}\n\n")
	c.Writer.Flush()

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-updateChan:
			if !ok {
				return
			}
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", string(data))
			c.Writer.Flush()

			if update.Status == "completed" || update.Status == "failed" {
				return
			}
		case <-ticker.C:
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// ------------------------------------------------
// 健康与诊断
// ------------------------------------------------

// GetConfigHealth 配置健康检查
// 文本服务未就绪视为不健康，图像服务未就绪只降级
func (h *Handler) GetConfigHealth(c *gin.Context) {
	llmReady, llmState := h.LLMService.GetProviderStatus()
	imageReady, imageState := h.ImageService.GetProviderStatus()

	status := "healthy"
	if !imageReady {
		status = "degraded"
	}
	if !llmReady {
		status = "unhealthy"
	}

	health := map[string]interface{}{
		"status": status,
		"llm": map[string]interface{}{
			"ready":    llmReady,
			"status":   llmState,
			"provider": h.LLMService.GetProviderName(),
		},
		"image": map[string]interface{}{
			"ready":    imageReady,
			"status":   imageState,
			"provider": h.ImageService.GetProviderName(),
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if status == "unhealthy" {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConfigUnhealthy,
			"配置健康状态异常", llmState)
		return
	}
	h.Response.Success(c, health, "配置健康状态正常")
}

// GetWebSocketStatus 获取WebSocket连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	h.Response.Success(c, wsHub.GetStatus())
}
