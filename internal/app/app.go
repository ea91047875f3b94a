// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cinescript/cinescript/internal/api"
	"github.com/cinescript/cinescript/internal/config"
	"github.com/cinescript/cinescript/internal/di"
	"github.com/cinescript/cinescript/internal/services"
	"github.com/cinescript/cinescript/internal/utils"

	// 各提供商在自己包的init中完成注册
	_ "github.com/cinescript/cinescript/internal/llm/providers/anthropic"
	_ "github.com/cinescript/cinescript/internal/llm/providers/google"
	_ "github.com/cinescript/cinescript/internal/llm/providers/ollama"
	_ "github.com/cinescript/cinescript/internal/llm/providers/openai"
)

// httpServer 抽象HTTP服务器，测试时可替换
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 表示应用程序实例
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   httpServer
	stopChan chan os.Signal
}

// 全局应用实例
var instance *App

// GetApp 获取应用单例
func GetApp() *App {
	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// Initialize 初始化应用：配置、日志、服务和路由
func Initialize(dataDir string) error {
	if err := config.InitConfig(dataDir); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}

	cfg := config.GetCurrentConfig()
	app := GetApp()
	app.config = cfg

	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}

	if err := InitServices(); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	app.router = router

	return nil
}

// initLogger 初始化日志系统，日志文件按天命名
func initLogger(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("app_%s.log", time.Now().Format("2006-01-02")))
	return utils.InitLogger(logFile)
}

// InitServices 按依赖顺序初始化所有服务并注册到容器
func InitServices() error {
	container := di.GetContainer()
	logger := utils.GetLogger()

	// 1. 配置服务最先初始化，其他服务依赖它的变更通知
	configService := services.NewConfigService()
	container.Register("config", configService)

	// 2. LLM服务，未配置时保持待配置状态而不是失败
	llmService, err := services.NewLLMService()
	if err != nil {
		logger.Warn("LLM服务初始化失败，使用待配置模式", map[string]interface{}{
			"error": err.Error(),
		})
		llmService = services.NewEmptyLLMService()
	}
	container.Register("llm", llmService)

	// 3. 图像服务
	imageService := services.NewImageService()
	container.Register("image", imageService)

	// 配置变更时热更新两个生成服务的提供商
	configService.SubscribeToChanges(llmService)
	configService.SubscribeToChanges(imageService)
	configService.StartCacheRefresher(30 * time.Second)

	// 4. 基础服务
	progressService := services.NewProgressService()
	container.Register("progress", progressService)

	statsPath := "data/stats"
	if cfg := config.GetCurrentConfig(); cfg != nil && cfg.DataDir != "" {
		statsPath = filepath.Join(cfg.DataDir, "stats")
	}
	statsService := services.NewStatsService(statsPath)
	container.Register("stats", statsService)

	// 5. 剧本生成服务
	scriptService := services.NewScriptService(llmService)
	container.Register("script", scriptService)

	// 6. 工作区服务持有场景卡片并驱动图像生成
	workspaceService := services.NewWorkspaceService(
		scriptService, imageService, statsService, progressService)
	container.Register("workspace", workspaceService)

	// 7. 导出服务
	exportService := services.NewExportService(workspaceService)
	container.Register("export", exportService)

	logger.Info("服务初始化完成", map[string]interface{}{
		"services": container.GetNames(),
	})

	return nil
}

// Run 启动HTTP服务器并阻塞到收到停止信号
func Run() error {
	app := GetApp()

	if app.server == nil {
		port := "8080"
		if app.config != nil && app.config.Port != "" {
			port = app.config.Port
		}
		app.server = &http.Server{
			Addr:    ":" + port,
			Handler: app.router,
		}
	}

	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.GetLogger().Fatalf("启动服务器失败: %v", err)
		}
	}()

	// 周期性输出运行指标，随停止信号一起结束
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	utils.NewAPIMetrics().StartMetricsCollection(metricsCtx)

	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)
	<-app.stopChan

	utils.GetLogger().Info("收到停止信号，开始优雅关闭", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("服务器关闭失败: %w", err)
	}

	app.cleanup()
	return nil
}

// cleanup 释放容器中需要收尾的服务资源
func (a *App) cleanup() {
	container := di.GetContainer()

	if statsService, ok := container.Get("stats").(*services.StatsService); ok && statsService != nil {
		if err := statsService.Close(); err != nil {
			utils.GetLogger().Warnf("统计服务关闭失败: %v", err)
		}
	}

	if configService, ok := container.Get("config").(*services.ConfigService); ok && configService != nil {
		configService.Close()
	}

	if progressService, ok := container.Get("progress").(*services.ProgressService); ok && progressService != nil {
		progressService.CleanupCompletedTasks(0)
	}

	utils.GetLogger().Info("应用资源清理完成", nil)
}

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 检查是否启用调试模式
func IsDebugMode() bool {
	if instance == nil || instance.config == nil {
		return false
	}
	return instance.config.DebugMode
}
