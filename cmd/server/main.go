// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cinescript/cinescript/internal/api"
	"github.com/cinescript/cinescript/internal/app"
	"github.com/cinescript/cinescript/internal/config"
	"github.com/cinescript/cinescript/internal/di"
	"github.com/cinescript/cinescript/internal/services"
	"github.com/gin-gonic/gin"
)

func main() {
	log.Println("🚀 启动 CineScript 服务器...")

	// 1. 首先加载基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置加载完成，端口: %s", baseConfig.Port)

	// 2. 创建必要的目录
	createDirectories(baseConfig)
	log.Println("✅ 目录结构创建完成")

	// 3. 初始化配置系统
	if err := config.InitConfig(baseConfig.DataDir); err != nil {
		log.Fatalf("初始化配置系统失败: %v", err)
	}
	log.Println("✅ 配置系统初始化完成")

	// 4. 凭据检查，环境变量或已保存配置里有密钥即可
	if cfg := config.GetCurrentConfig(); cfg != nil && baseConfig.LLMAPIKey == "" && cfg.LLMConfig != nil {
		baseConfig.LLMAPIKey = cfg.LLMConfig["api_key"]
	}
	if err := config.RequireCredential(baseConfig); err != nil {
		log.Fatalf("❌ 凭据检查失败: %v", err)
	}
	log.Println("✅ 凭据检查通过")

	// 5. 初始化依赖注入容器
	container := di.GetContainer()
	log.Printf("✅ 依赖注入容器初始化完成，服务数量: %d", len(container.GetNames()))

	// 6. 初始化所有服务（按依赖顺序）
	if err := app.InitServices(); err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	log.Println("✅ 所有服务初始化完成")

	// 7. 设置路由（只获取服务，不创建）
	if err := performHealthCheck(); err != nil {
		log.Printf("⚠️ 服务健康检查警告: %v", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		log.Fatalf("❌ 设置路由失败: %v", err)
	}
	log.Println("✅ 路由设置完成")

	// 8. 启动服务器
	log.Printf("🌐 服务器启动在端口 %s", baseConfig.Port)
	log.Printf("🔗 访问地址: http://localhost:%s", baseConfig.Port)
	log.Printf("🔗 设置页面: http://localhost:%s/settings", baseConfig.Port)

	setupGracefulShutdown(router, baseConfig.Port)
}

// 健康检查函数
func performHealthCheck() error {
	container := di.GetContainer()

	// 检查关键服务是否已注册
	criticalServices := []string{"llm", "script", "workspace", "config"}

	for _, serviceName := range criticalServices {
		if service := container.Get(serviceName); service == nil {
			return fmt.Errorf("关键服务未注册: %s", serviceName)
		}
	}

	log.Println("✅ 服务健康检查通过")
	return nil
}

// 优雅关闭函数
func setupGracefulShutdown(router *gin.Engine, port string) {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// 在新的 goroutine 中启动服务器
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	// 等待中断信号以进行优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")

	// 给定超时时间关闭服务器
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("❌ 服务器强制关闭: %v", err)
	}

	shutdownServices()
	log.Println("✅ 服务器优雅关闭完成")
}

// shutdownServices 停掉带后台协程的服务并落盘缓存数据
func shutdownServices() {
	container := di.GetContainer()

	if statsService, ok := container.Get("stats").(*services.StatsService); ok && statsService != nil {
		if err := statsService.Close(); err != nil {
			log.Printf("⚠️ 统计数据落盘失败: %v", err)
		}
	}

	if configService, ok := container.Get("config").(*services.ConfigService); ok && configService != nil {
		configService.Close()
	}
}

// createDirectories 创建应用所需的目录结构
func createDirectories(cfg *config.Config) {
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "stats"),
		cfg.LogDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}

	// 确保静态文件目录存在
	ensureStaticFiles(cfg)
}

// ensureStaticFiles 确保静态文件目录和基本文件存在
func ensureStaticFiles(cfg *config.Config) {
	// 确保目录存在
	dirs := []string{
		cfg.StaticDir,
		filepath.Join(cfg.StaticDir, "css"),
		filepath.Join(cfg.StaticDir, "js"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建静态文件目录失败 %s: %v", dir, err)
		}
	}

	// 复制静态文件
	log.Println("🔧 复制静态文件...")
	copyStaticFiles(cfg)
}

// copyStaticFiles 把源码树的静态文件同步到静态目录
// 目标文件已存在时跳过，不覆盖部署后的修改
func copyStaticFiles(cfg *config.Config) {
	staticFiles := map[string]string{
		// 源文件路径 -> 目标文件路径
		"static/js/app.js":      filepath.Join(cfg.StaticDir, "js", "app.js"),
		"static/js/api.js":      filepath.Join(cfg.StaticDir, "js", "api.js"),
		"static/js/realtime.js": filepath.Join(cfg.StaticDir, "js", "realtime.js"),
		"static/css/style.css":  filepath.Join(cfg.StaticDir, "css", "style.css"),
	}

	for src, dst := range staticFiles {
		// 检查源文件是否存在
		if _, err := os.Stat(src); os.IsNotExist(err) {
			log.Printf("警告: 静态文件不存在，跳过复制: %s", src)
			continue
		}

		// 检查目标文件是否已存在
		if _, err := os.Stat(dst); err == nil {
			continue
		}

		// 复制文件
		if err := copyFile(src, dst); err != nil {
			log.Printf("警告: 复制静态文件失败 %s -> %s: %v", src, dst, err)
		} else {
			log.Printf("成功复制静态文件: %s -> %s", src, dst)
		}
	}
}

// 文件复制辅助函数
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	// 确保目标目录存在
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}
