// internal/api/router.go
package api

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/cinescript/cinescript/internal/config"
	"github.com/cinescript/cinescript/internal/di"
	"github.com/cinescript/cinescript/internal/services"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	// 获取配置
	cfg := config.GetCurrentConfig()

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	// 获取依赖注入容器
	container := di.GetContainer()

	// ✅ 只从容器获取服务，不再创建新实例
	workspaceService, err := di.Resolve[*services.WorkspaceService](container, "workspace")
	if err != nil {
		return nil, fmt.Errorf("工作区服务未正确初始化: %w", err)
	}

	exportService, err := di.Resolve[*services.ExportService](container, "export")
	if err != nil {
		return nil, fmt.Errorf("导出服务未正确初始化: %w", err)
	}

	llmService, err := di.Resolve[*services.LLMService](container, "llm")
	if err != nil {
		return nil, fmt.Errorf("LLM服务未正确初始化: %w", err)
	}

	imageService, err := di.Resolve[*services.ImageService](container, "image")
	if err != nil {
		return nil, fmt.Errorf("图像服务未正确初始化: %w", err)
	}

	configService, err := di.Resolve[*services.ConfigService](container, "config")
	if err != nil {
		return nil, fmt.Errorf("配置服务未正确初始化: %w", err)
	}

	statsService, err := di.Resolve[*services.StatsService](container, "stats")
	if err != nil {
		return nil, fmt.Errorf("统计服务未正确初始化: %w", err)
	}

	progressService, err := di.Resolve[*services.ProgressService](container, "progress")
	if err != nil {
		return nil, fmt.Errorf("进度服务未正确初始化: %w", err)
	}

	// ✅ 创建API处理器 - 只传递从容器获取的服务
	handler := NewHandler(
		workspaceService,
		exportService,
		llmService,
		imageService,
		configService,
		statsService,
		progressService,
	)

	// 工作区事件通过WebSocket推送给所有客户端
	AttachWorkspaceEvents(workspaceService)

	// 创建路由
	r := gin.Default()

	// 启用CORS
	r.Use(corsMiddleware())

	// 请求ID贯穿日志和响应
	r.Use(RequestIDMiddleware())

	// 运行指标采集
	r.Use(MetricsMiddleware())

	// 静态文件服务
	r.Static("/static", cfg.StaticDir)

	// HTML模板
	r.LoadHTMLGlob(filepath.Join(cfg.TemplatesDir, "*.html"))

	// ===============================
	// 页面路由
	// ===============================
	r.GET("/", handler.IndexPage)
	r.GET("/settings", handler.SettingsPage)

	// WebSocket 支持
	r.GET("/ws", handler.WorkspaceWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// ===============================
		// 工作区相关路由
		// ===============================
		workspaceGroup := api.Group("/workspace")
		{
			workspaceGroup.GET("", handler.GetWorkspace)
			workspaceGroup.POST("/generate", GenerateRateLimit(), handler.GenerateScript)
			workspaceGroup.POST("/save-all", handler.SaveAllScenes)
			workspaceGroup.GET("/export", handler.ExportWorkspace)
		}

		// ===============================
		// 场景卡片相关路由
		// ===============================
		scenesGroup := api.Group("/scenes")
		{
			scenesGroup.POST("/:id/edit", handler.EnterSceneEdit)
			scenesGroup.PUT("/:id/draft", handler.UpdateSceneDraft)
			scenesGroup.POST("/:id/commit", handler.CommitSceneEdit)
			scenesGroup.POST("/:id/cancel", handler.CancelSceneEdit)
			scenesGroup.POST("/:id/reorder", handler.ReorderScene)
			scenesGroup.POST("/:id/image/retry", ImageRateLimit(), handler.RetrySceneImage)
			scenesGroup.GET("/:id/image", handler.GetSceneImage)
		}

		// 占位图渲染
		api.GET("/placeholder/:seed", handler.GetPlaceholderImage)

		// ===============================
		// 设置相关路由
		// ===============================
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.POST("", handler.SaveSettings)
			settingsGroup.POST("/test-connection", handler.TestConnection)
		}

		// ===============================
		// LLM配置相关路由
		// ===============================
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.GET("/models", handler.GetLLMModels)
			llmGroup.GET("/providers", handler.GetProviders)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}

		// 图像提供者配置
		api.PUT("/image/config", handler.UpdateImageConfig)

		// ===============================
		// 统计相关路由
		// ===============================
		statsGroup := api.Group("/stats")
		{
			statsGroup.GET("", handler.GetStats)
			statsGroup.POST("/reset", handler.ResetStats)
		}

		// ===============================
		// 进度相关路由
		// ===============================
		progressGroup := api.Group("/progress")
		{
			progressGroup.GET("", handler.GetActiveProgress)
			progressGroup.GET("/:task_id", handler.SubscribeProgress)
		}

		// 配置健康检查
		api.GET("/config/health", handler.GetConfigHealth)

		// 调试路由
		api.GET("/ws/status", handler.GetWebSocketStatus)
	}

	return r, nil
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
