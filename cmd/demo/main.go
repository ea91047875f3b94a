// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cinescript/cinescript/internal/app"
	"github.com/cinescript/cinescript/internal/config"
	"github.com/cinescript/cinescript/internal/di"
	"github.com/cinescript/cinescript/internal/llm"
	"github.com/cinescript/cinescript/internal/models"
	"github.com/cinescript/cinescript/internal/services"
	"github.com/cinescript/cinescript/internal/utils"
)

func main() {
	fmt.Println("🚀 CineScript Console App")
	fmt.Println("=================================")

	// 初始化配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Printf("❌ 加载基础配置失败: %v", err)
		return
	}

	// 初始化日志系统
	logFile := fmt.Sprintf("logs/console_%s.log", time.Now().Format("2006-01-02"))
	if err := utils.InitLogger(logFile); err != nil {
		log.Printf("⚠️ 无法初始化结构化日志: %v", err)
		log.Println("继续运行...")
	} else {
		logger := utils.GetLogger()
		logger.Info("Console app starting", nil)
	}

	// 初始化环境
	if !initializeEnvironment(baseConfig) {
		return
	}

	// 保存信号在控制台可见
	if workspace := getWorkspaceService(); workspace != nil {
		workspace.OnSave(func(count uint64, savedAt time.Time) {
			fmt.Printf("\n💾 保存信号 #%d (%s)\n", count, savedAt.Format("15:04:05"))
		})
	}

	for {
		showMenu()
		choice := getUserInput("请选择: ")

		switch choice {
		case "1", "generate":
			generateScript()
		case "2", "view":
			viewWorkspace()
		case "3", "edit":
			editScene()
		case "4", "reorder":
			reorderScene()
		case "5", "image":
			retrySceneImage()
		case "6", "save":
			saveAll()
		case "7", "export":
			exportScript()
		case "8", "llm":
			configureLLM()
		case "9", "config":
			viewConfig()
		case "10", "status", "stat":
			displayServiceStatus()
		case "11", "demo":
			runScriptedDemo()
		case "0", "quit", "exit":
			shutdownServices()
			fmt.Println("👋 再见！")
			return
		default:
			fmt.Println("❌ 无效的选择，请重新输入")
		}
		fmt.Println()
	}
}

// 显示菜单
func showMenu() {
	printBox("", "🎬 CineScript 控制台\n"+
		"  1. 生成剧本\n"+
		"  2. 查看工作区\n"+
		"  3. 编辑场景\n"+
		"  4. 重排场景\n"+
		"  5. 生成/重试场景图像\n"+
		"  6. 保存全部\n"+
		"  7. 导出剧本\n"+
		"  8. 配置LLM提供商\n"+
		"  9. 查看配置\n"+
		"  10. 服务状态\n"+
		"  11. 自动演示\n"+
		"  0. 退出")
}

// 获取用户输入
func getUserInput(prompt string) string {
	fmt.Print(prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}

// 获取用户输入 (带默认值)
func getUserInputWithDefault(prompt, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [默认: %s]: ", prompt, truncateForCLI(defaultValue, 40))
	} else {
		fmt.Printf("%s: ", prompt)
	}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	input := strings.TrimSpace(scanner.Text())
	if input == "" {
		return defaultValue
	}
	return input
}

// 初始化项目环境
func initializeEnvironment(cfg *config.Config) bool {
	fmt.Println("🔧 正在初始化项目环境...")

	// 创建必要的目录
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "stats"),
		filepath.Join(cfg.DataDir, "exports"),
		cfg.LogDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Printf("❌ 创建目录失败 %s: %v", dir, err)
			fmt.Printf("❌ 创建目录失败: %s\n", dir)
			return false
		}
	}

	// 初始化配置系统
	if err := config.InitConfig(cfg.DataDir); err != nil {
		log.Printf("❌ 初始化配置系统失败: %v", err)
		fmt.Printf("❌ 初始化配置系统失败: %v\n", err)
		return false
	}

	// 初始化服务
	if err := app.InitServices(); err != nil {
		log.Printf("❌ 初始化服务失败: %v", err)
		fmt.Printf("❌ 初始化服务失败: %v\n", err)
		return false
	}

	fmt.Println("✅ 项目环境初始化成功！")
	utils.GetLogger().Info("Environment initialized successfully", map[string]interface{}{
		"datadir": cfg.DataDir,
	})
	return true
}

func getWorkspaceService() *services.WorkspaceService {
	container := di.GetContainer()
	workspace, _ := container.Get("workspace").(*services.WorkspaceService)
	if workspace == nil {
		fmt.Println("❌ 工作区服务未初始化")
	}
	return workspace
}

// 1. 生成剧本
func generateScript() {
	workspace := getWorkspaceService()
	if workspace == nil {
		return
	}

	idea := getUserInput("🎬 请输入一句话电影创意: ")

	fmt.Println("⏳ 正在生成剧本，请稍候...")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	view, err := workspace.Generate(ctx, idea)
	if err != nil {
		fmt.Printf("❌ 生成失败: %v\n", err)
		return
	}

	fmt.Printf("✅ 生成完成，耗时 %.1f 秒\n", time.Since(start).Seconds())
	printWorkspaceView(view)
}

// 2. 查看工作区
func viewWorkspace() {
	workspace := getWorkspaceService()
	if workspace == nil {
		return
	}
	printWorkspaceView(workspace.Snapshot())
}

func printWorkspaceView(view *models.WorkspaceView) {
	if view == nil {
		return
	}

	header := fmt.Sprintf("状态: %s", view.Status)
	if view.Title != "" {
		header = fmt.Sprintf("《%s》(%s)  状态: %s  保存次数: %d",
			view.Title, view.Genre, view.Status, view.SaveCount)
	}
	if view.LastError != "" {
		header += fmt.Sprintf("\n⚠️ 最近错误: %s", view.LastError)
	}
	printBox("🎞️ 工作区", header)

	for _, card := range view.Scenes {
		mode := "浏览"
		if card.Mode == models.CardModeEditing {
			mode = "编辑中"
		}
		content := fmt.Sprintf("%s\n对白: %s\n画面: %s\n图像: %s%s",
			truncateForCLI(card.Description, 120),
			truncateForCLI(card.Dialogue, 80),
			truncateForCLI(card.ImagePrompt, 80),
			imageStateLabel(card.ImageState),
			modeSuffix(mode))
		if card.ImageError != "" {
			content += fmt.Sprintf("\n❌ 图像错误: %s", card.ImageError)
		}
		printBox(fmt.Sprintf("场景 %d · %s", card.Position, card.Title), content)
	}
}

func modeSuffix(mode string) string {
	if mode == "浏览" {
		return ""
	}
	return "  [" + mode + "]"
}

func imageStateLabel(state models.ImageState) string {
	switch state {
	case models.ImageStatePending:
		return "⏳ 生成中"
	case models.ImageStateReady:
		return "🖼️ 已生成"
	case models.ImageStateFailed:
		return "❌ 失败（显示占位图）"
	default:
		return "🎨 占位图"
	}
}

// pickScene 按位置选择一个场景卡片
func pickScene(workspace *services.WorkspaceService) (models.SceneCardView, bool) {
	view := workspace.Snapshot()
	if len(view.Scenes) == 0 {
		fmt.Println("❌ 当前没有剧本，请先生成")
		return models.SceneCardView{}, false
	}

	for _, card := range view.Scenes {
		fmt.Printf("  %d. %s\n", card.Position, card.Title)
	}

	raw := getUserInput("选择场景编号: ")
	position, err := strconv.Atoi(raw)
	if err != nil || position < 1 || position > len(view.Scenes) {
		fmt.Println("❌ 无效的场景编号")
		return models.SceneCardView{}, false
	}

	return view.Scenes[position-1], true
}

// 3. 编辑场景
func editScene() {
	workspace := getWorkspaceService()
	if workspace == nil {
		return
	}

	card, ok := pickScene(workspace)
	if !ok {
		return
	}

	view, err := workspace.EnterEdit(card.ID)
	if err != nil {
		fmt.Printf("❌ 进入编辑失败: %v\n", err)
		return
	}

	draft := models.SceneDraft{
		Title:       view.Title,
		Description: view.Description,
		Dialogue:    view.Dialogue,
		ImagePrompt: view.ImagePrompt,
	}
	if view.Draft != nil {
		draft = *view.Draft
	}

	fmt.Println("✏️ 逐项输入新内容，回车保留当前值")
	draft.Title = getUserInputWithDefault("标题", draft.Title)
	draft.Description = getUserInputWithDefault("描述", draft.Description)
	draft.Dialogue = getUserInputWithDefault("对白", draft.Dialogue)
	draft.ImagePrompt = getUserInputWithDefault("画面提示词", draft.ImagePrompt)

	if _, err := workspace.UpdateDraft(card.ID, draft); err != nil {
		fmt.Printf("❌ 更新草稿失败: %v\n", err)
		return
	}

	action := getUserInputWithDefault("提交(commit)还是放弃(cancel)", "commit")
	switch action {
	case "commit", "c", "提交":
		committed, err := workspace.CommitEdit(card.ID)
		if err != nil {
			fmt.Printf("❌ 提交失败: %v\n", err)
			return
		}
		fmt.Println("✅ 场景已保存")
		if committed.ImageState == models.ImageStatePending {
			fmt.Println("🖼️ 图像生成已在后台进行")
			waitForImage(workspace, card.ID, 60*time.Second)
		}
	case "cancel", "放弃":
		if _, err := workspace.CancelEdit(card.ID); err != nil {
			fmt.Printf("❌ 放弃失败: %v\n", err)
			return
		}
		fmt.Println("↩️ 已放弃修改")
	default:
		fmt.Println("❌ 未知操作，草稿保留在编辑状态")
	}
}

// 4. 重排场景
func reorderScene() {
	workspace := getWorkspaceService()
	if workspace == nil {
		return
	}

	card, ok := pickScene(workspace)
	if !ok {
		return
	}

	direction := getUserInputWithDefault("方向 (up/down)", services.MoveUp)
	view, err := workspace.ReorderScene(card.ID, direction)
	if err != nil {
		fmt.Printf("❌ 重排失败: %v\n", err)
		return
	}

	fmt.Println("✅ 重排完成")
	for _, c := range view.Scenes {
		fmt.Printf("  %d. %s\n", c.Position, c.Title)
	}
}

// 5. 生成/重试场景图像
func retrySceneImage() {
	workspace := getWorkspaceService()
	if workspace == nil {
		return
	}

	card, ok := pickScene(workspace)
	if !ok {
		return
	}

	if _, err := workspace.RetryImage(card.ID); err != nil {
		fmt.Printf("❌ 发起图像生成失败: %v\n", err)
		return
	}

	fmt.Println("🖼️ 图像生成已发起")
	waitForImage(workspace, card.ID, 60*time.Second)
}

// waitForImage 轮询等待图像生成结束
func waitForImage(workspace *services.WorkspaceService, sceneID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(300 * time.Millisecond)

		view := workspace.Snapshot()
		for _, card := range view.Scenes {
			if card.ID != sceneID {
				continue
			}
			switch card.ImageState {
			case models.ImageStateReady:
				fmt.Printf("✅ 图像生成完成: %s\n", card.ImageURL)
				return
			case models.ImageStateFailed:
				fmt.Printf("❌ 图像生成失败: %s（卡片回退到占位图）\n", card.ImageError)
				return
			}
		}
	}
	fmt.Println("⚠️ 等待超时，图像仍在后台生成")
}

// 6. 保存全部
func saveAll() {
	workspace := getWorkspaceService()
	if workspace == nil {
		return
	}

	view := workspace.SaveAll()
	fmt.Printf("✅ 已保存全部场景，保存次数: %d\n", view.SaveCount)
}

// 7. 导出剧本
func exportScript() {
	container := di.GetContainer()
	exportService, _ := container.Get("export").(*services.ExportService)
	if exportService == nil {
		fmt.Println("❌ 导出服务未初始化")
		return
	}

	format := getUserInputWithDefault("导出格式 (json/markdown/text/fountain)", services.ExportFormatMarkdown)
	result, err := exportService.ExportScript(format)
	if err != nil {
		fmt.Printf("❌ 导出失败: %v\n", err)
		return
	}

	fmt.Printf("📄 《%s》 %d个场景，%d字节\n", result.Title, result.SceneCount, result.ByteSize)
	preview := result.Content
	if utf8.RuneCountInString(preview) > 600 {
		preview = string([]rune(preview)[:600]) + "\n..."
	}
	printBox("导出预览", preview)

	save := getUserInputWithDefault("保存到文件? (y/n)", "n")
	if save != "y" && save != "yes" {
		return
	}

	ext := map[string]string{
		services.ExportFormatJSON:     "json",
		services.ExportFormatMarkdown: "md",
		services.ExportFormatText:     "txt",
		services.ExportFormatFountain: "fountain",
	}[result.Format]
	path := filepath.Join("data", "exports", fmt.Sprintf("script_%s.%s",
		time.Now().Format("20060102_150405"), ext))

	if err := os.WriteFile(path, []byte(result.Content), 0644); err != nil {
		fmt.Printf("❌ 写入文件失败: %v\n", err)
		return
	}
	fmt.Printf("✅ 已保存到 %s\n", path)
}

// 8. 配置LLM提供商
func configureLLM() {
	container := di.GetContainer()
	configService, _ := container.Get("config").(*services.ConfigService)
	if configService == nil {
		fmt.Println("❌ 配置服务未初始化")
		return
	}

	fmt.Println("可用的提供商:")
	for _, name := range llm.ListProviders() {
		keyHint := ""
		if !config.RequiresAPIKey(name) {
			keyHint = " (无需密钥)"
		}
		fmt.Printf("  - %s%s\n", name, keyHint)
	}

	provider := getUserInputWithDefault("提供商", "mock")
	providerConfig := map[string]string{}

	if config.RequiresAPIKey(provider) {
		providerConfig["api_key"] = getUserInput("API密钥: ")
	}
	if model := getUserInput("默认模型 (回车使用内置默认): "); model != "" {
		providerConfig["default_model"] = model
	}

	if err := configService.UpdateLLMConfig(provider, providerConfig, "console"); err != nil {
		fmt.Printf("❌ 更新LLM配置失败: %v\n", err)
		return
	}
	fmt.Println("✅ LLM配置已更新")

	// 支持图像输出的提供商顺便接管图像生成
	if llm.SupportsImages(provider) {
		if err := configService.UpdateImageConfig(provider, providerConfig, "console"); err != nil {
			fmt.Printf("⚠️ 更新图像配置失败: %v\n", err)
		} else {
			fmt.Println("✅ 图像配置已同步到同一提供商")
		}
	}
}

// 9. 查看配置
func viewConfig() {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		fmt.Println("❌ 配置未初始化")
		return
	}

	maskedKey := "未设置"
	if cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] != "" {
		maskedKey = "已设置 (****)"
	}

	printBox("⚙️ 当前配置", fmt.Sprintf(
		"端口: %s\n数据目录: %s\n调试模式: %v\nLLM提供商: %s\nAPI密钥: %s\n默认模型: %s\n图像提供商: %s",
		cfg.Port, cfg.DataDir, cfg.DebugMode,
		cfg.LLMProvider, maskedKey, cfg.LLMConfig["default_model"], cfg.ImageProvider))
}

// 10. 服务状态
func displayServiceStatus() {
	container := di.GetContainer()

	llmService, _ := container.Get("llm").(*services.LLMService)
	imageService, _ := container.Get("image").(*services.ImageService)
	statsService, _ := container.Get("stats").(*services.StatsService)

	lines := make([]string, 0, 8)
	if llmService != nil {
		lines = append(lines, fmt.Sprintf("LLM: %s (%s)", readyLabel(llmService.IsReady()), llmService.GetReadyState()))
	}
	if imageService != nil {
		lines = append(lines, fmt.Sprintf("图像: %s (%s)", readyLabel(imageService.IsReady()), imageService.GetReadyState()))
	}
	if statsService != nil {
		stats := statsService.GetUsageStats()
		lines = append(lines, fmt.Sprintf("剧本生成: %d 次", stats.ScriptsGenerated))
		lines = append(lines, fmt.Sprintf("图像生成: %d 成功 / %d 失败", stats.ImagesGenerated, stats.ImageFailures))
		lines = append(lines, fmt.Sprintf("本月token: %d", stats.MonthlyTokens))
	}
	if llmService != nil {
		cacheStats := llmService.CacheStats()
		lines = append(lines, fmt.Sprintf("响应缓存: %d条，命中 %d / 未命中 %d",
			cacheStats["entries"], cacheStats["hits"], cacheStats["misses"]))
	}

	printBox("📊 服务状态", strings.Join(lines, "\n"))
}

func readyLabel(ready bool) string {
	if ready {
		return "✅ 就绪"
	}
	return "⚠️ 未就绪"
}

// 11. 自动演示：使用mock提供商完整走一遍工作流
func runScriptedDemo() {
	container := di.GetContainer()
	workspace := getWorkspaceService()
	configService, _ := container.Get("config").(*services.ConfigService)
	exportService, _ := container.Get("export").(*services.ExportService)
	if workspace == nil || configService == nil || exportService == nil {
		return
	}

	fmt.Println("🎭 自动演示开始（mock提供商，离线运行）")

	// 切到mock提供商
	if err := configService.UpdateLLMConfig("mock", map[string]string{}, "demo"); err != nil {
		fmt.Printf("❌ 切换mock提供商失败: %v\n", err)
		return
	}
	if err := configService.UpdateImageConfig("mock", map[string]string{}, "demo"); err != nil {
		fmt.Printf("❌ 切换mock图像提供商失败: %v\n", err)
		return
	}

	// 第一步：生成
	fmt.Println("\n▶️ 第一步：根据创意生成剧本")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	view, err := workspace.Generate(ctx, "深夜影院里循环放映着一部三十年前就该销毁的电影")
	if err != nil {
		fmt.Printf("❌ 生成失败: %v\n", err)
		return
	}
	fmt.Printf("✅ 生成《%s》，共 %d 个场景，全部显示占位图\n", view.Title, len(view.Scenes))

	if len(view.Scenes) < 3 {
		fmt.Println("❌ 场景数量不足，演示终止")
		return
	}
	third := view.Scenes[2]

	// 第二步：编辑第三个场景的画面提示词并提交
	fmt.Println("\n▶️ 第二步：编辑第3个场景，换掉画面提示词后提交")
	if _, err := workspace.EnterEdit(third.ID); err != nil {
		fmt.Printf("❌ 进入编辑失败: %v\n", err)
		return
	}
	draft := models.SceneDraft{
		Title:       third.Title,
		Description: third.Description,
		Dialogue:    third.Dialogue,
		ImagePrompt: "projection room bathed in red emergency light, film reels scattered",
	}
	if _, err := workspace.UpdateDraft(third.ID, draft); err != nil {
		fmt.Printf("❌ 更新草稿失败: %v\n", err)
		return
	}
	if _, err := workspace.CommitEdit(third.ID); err != nil {
		fmt.Printf("❌ 提交失败: %v\n", err)
		return
	}
	fmt.Println("✅ 已提交，只有第3个场景发起图像请求，其余场景不受影响")
	waitForImage(workspace, third.ID, 30*time.Second)

	// 第三步：重排第1个场景
	fmt.Println("\n▶️ 第三步：把第1个场景下移一位")
	first := workspace.Snapshot().Scenes[0]
	if _, err := workspace.ReorderScene(first.ID, services.MoveDown); err != nil {
		fmt.Printf("❌ 重排失败: %v\n", err)
		return
	}
	for _, c := range workspace.Snapshot().Scenes {
		fmt.Printf("  %d. %s\n", c.Position, c.Title)
	}

	// 第四步：给占位图状态的场景发起图像生成
	fmt.Println("\n▶️ 第四步：给第2个场景生成图像")
	second := workspace.Snapshot().Scenes[1]
	if _, err := workspace.RetryImage(second.ID); err != nil {
		fmt.Printf("❌ 发起图像生成失败: %v\n", err)
	} else {
		waitForImage(workspace, second.ID, 30*time.Second)
	}

	// 第五步：保存全部
	fmt.Println("\n▶️ 第五步：保存全部")
	saved := workspace.SaveAll()
	fmt.Printf("✅ 保存完成，保存次数: %d\n", saved.SaveCount)

	// 第六步：导出
	fmt.Println("\n▶️ 第六步：导出为Markdown")
	result, err := exportService.ExportScript(services.ExportFormatMarkdown)
	if err != nil {
		fmt.Printf("❌ 导出失败: %v\n", err)
		return
	}
	preview := result.Content
	if utf8.RuneCountInString(preview) > 400 {
		preview = string([]rune(preview)[:400]) + "\n..."
	}
	printBox("导出预览", preview)

	fmt.Println("🎭 自动演示结束")
}

// shutdownServices 退出前停掉后台协程并落盘
func shutdownServices() {
	container := di.GetContainer()

	if statsService, ok := container.Get("stats").(*services.StatsService); ok && statsService != nil {
		statsService.Close()
	}
	if configService, ok := container.Get("config").(*services.ConfigService); ok && configService != nil {
		configService.Close()
	}
}

// printBox 控制台输出一个带边框的内容块
func printBox(title, content string) {
	const maxWidth = 76

	lines := wrapContentForBox(content, maxWidth)

	fmt.Println("╔" + strings.Repeat("═", maxWidth+2) + "╗")
	if title != "" {
		fmt.Println("║ " + padRight(title, maxWidth) + " ║")
		fmt.Println("╟" + strings.Repeat("─", maxWidth+2) + "╢")
	}
	for _, line := range lines {
		fmt.Println("║ " + padRight(line, maxWidth) + " ║")
	}
	fmt.Println("╚" + strings.Repeat("═", maxWidth+2) + "╝")
}

// wrapContentForBox 按显示宽度折行，中文按两个单元计
func wrapContentForBox(content string, maxWidth int) []string {
	var result []string
	for _, raw := range strings.Split(content, "\n") {
		if displayWidth(raw) <= maxWidth {
			result = append(result, raw)
			continue
		}

		var line strings.Builder
		width := 0
		for _, r := range raw {
			rw := runeWidth(r)
			if width+rw > maxWidth {
				result = append(result, line.String())
				line.Reset()
				width = 0
			}
			line.WriteRune(r)
			width += rw
		}
		if line.Len() > 0 {
			result = append(result, line.String())
		}
	}
	return result
}

// padRight 按显示宽度右侧补空格
func padRight(text string, width int) string {
	padding := width - displayWidth(text)
	if padding <= 0 {
		return text
	}
	return text + strings.Repeat(" ", padding)
}

func displayWidth(text string) int {
	width := 0
	for _, r := range text {
		width += runeWidth(r)
	}
	return width
}

func runeWidth(r rune) int {
	if utf8.RuneLen(r) >= 3 {
		return 2
	}
	return 1
}

// truncateForCLI 控制台展示用的截断
func truncateForCLI(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
