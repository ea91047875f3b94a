// internal/services/export_service.go
package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/cinescript/cinescript/internal/errors"
	"github.com/cinescript/cinescript/internal/models"
)

// 支持的导出格式
const (
	ExportFormatJSON     = "json"
	ExportFormatMarkdown = "markdown"
	ExportFormatText     = "text"
	ExportFormatFountain = "fountain"
)

// ExportService 把工作区中已提交的剧本导出为可下载的文档
type ExportService struct {
	workspace *WorkspaceService
}

// NewExportService 创建导出服务
func NewExportService(workspace *WorkspaceService) *ExportService {
	return &ExportService{
		workspace: workspace,
	}
}

// exportScene 导出时使用的场景视图
type exportScene struct {
	Position    int    `json:"position"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Dialogue    string `json:"dialogue"`
	ImagePrompt string `json:"image_prompt"`
}

// ExportScript 按指定格式导出当前剧本
// 导出内容只包含已提交的场景，编辑中的草稿不参与
func (s *ExportService) ExportScript(format string) (*models.ExportResult, error) {
	snapshot := s.workspace.Snapshot()
	if len(snapshot.Scenes) == 0 {
		return nil, apperrors.NewNotFoundError("当前没有可导出的剧本", nil)
	}

	scenes := make([]exportScene, 0, len(snapshot.Scenes))
	for _, card := range snapshot.Scenes {
		scenes = append(scenes, exportScene{
			Position:    card.Position,
			Title:       card.Title,
			Description: card.Description,
			Dialogue:    card.Dialogue,
			ImagePrompt: card.ImagePrompt,
		})
	}

	var content string
	var err error
	switch format {
	case ExportFormatJSON:
		content, err = buildJSONExport(snapshot.Title, snapshot.Genre, scenes)
	case ExportFormatMarkdown:
		content = buildMarkdownExport(snapshot.Title, snapshot.Genre, scenes)
	case ExportFormatText:
		content = buildTextExport(snapshot.Title, snapshot.Genre, scenes)
	case ExportFormatFountain:
		content = buildFountainExport(snapshot.Title, snapshot.Genre, scenes)
	default:
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("不支持的导出格式: %s，可选: json / markdown / text / fountain", format), nil)
	}
	if err != nil {
		return nil, apperrors.NewProcessingError("导出剧本失败", err)
	}

	return &models.ExportResult{
		Title:       snapshot.Title,
		Genre:       snapshot.Genre,
		Format:      format,
		Content:     content,
		SceneCount:  len(scenes),
		SaveCount:   snapshot.SaveCount,
		GeneratedAt: time.Now(),
		ByteSize:    len(content),
	}, nil
}

func buildJSONExport(title, genre string, scenes []exportScene) (string, error) {
	doc := struct {
		Title      string        `json:"title"`
		Genre      string        `json:"genre"`
		ExportedAt time.Time     `json:"exported_at"`
		Scenes     []exportScene `json:"scenes"`
	}{
		Title:      title,
		Genre:      genre,
		ExportedAt: time.Now(),
		Scenes:     scenes,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// exportLabels 导出文档里的标签文案，跟随剧本语言
type exportLabels struct {
	genre       string
	scene       string
	dialogue    string
	imagePrompt string
}

func labelsFor(title, genre string) exportLabels {
	if isEnglishText(title + " " + genre) {
		return exportLabels{
			genre:       "Genre",
			scene:       "Scene",
			dialogue:    "Dialogue",
			imagePrompt: "Image Prompt",
		}
	}
	return exportLabels{
		genre:       "类型",
		scene:       "场景",
		dialogue:    "对白",
		imagePrompt: "画面提示",
	}
}

func buildMarkdownExport(title, genre string, scenes []exportScene) string {
	labels := labelsFor(title, genre)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s\n\n", title))
	sb.WriteString(fmt.Sprintf("**%s**: %s\n\n", labels.genre, genre))
	sb.WriteString("---\n\n")

	for _, scene := range scenes {
		sb.WriteString(fmt.Sprintf("## %s %d: %s\n\n", labels.scene, scene.Position, scene.Title))
		sb.WriteString(scene.Description)
		sb.WriteString("\n\n")

		sb.WriteString(fmt.Sprintf("**%s**\n\n", labels.dialogue))
		for _, line := range splitLines(scene.Dialogue) {
			sb.WriteString(fmt.Sprintf("> %s\n", line))
		}
		sb.WriteString("\n")

		sb.WriteString(fmt.Sprintf("*%s: %s*\n\n", labels.imagePrompt, scene.ImagePrompt))
	}
	return sb.String()
}

func buildTextExport(title, genre string, scenes []exportScene) string {
	labels := labelsFor(title, genre)

	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%s: %s\n", labels.genre, genre))
	sb.WriteString(strings.Repeat("=", 40))
	sb.WriteString("\n\n")

	for _, scene := range scenes {
		sb.WriteString(fmt.Sprintf("%s %d: %s\n", labels.scene, scene.Position, scene.Title))
		sb.WriteString(strings.Repeat("-", 30))
		sb.WriteString("\n")
		sb.WriteString(scene.Description)
		sb.WriteString("\n\n")
		sb.WriteString(scene.Dialogue)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// buildFountainExport 生成Fountain剧本格式
// 对白按"角色名: 台词"逐行解析成角色块，无法解析的行按动作处理
func buildFountainExport(title, genre string, scenes []exportScene) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Title: %s\n", title))
	sb.WriteString(fmt.Sprintf("Genre: %s\n", genre))
	sb.WriteString("\n====\n\n")

	for _, scene := range scenes {
		// 前导句点强制场景标题行
		sb.WriteString(fmt.Sprintf(".SCENE %d - %s\n\n", scene.Position, strings.ToUpper(scene.Title)))
		sb.WriteString(scene.Description)
		sb.WriteString("\n\n")

		for _, line := range splitLines(scene.Dialogue) {
			speaker, speech, ok := splitDialogueLine(line)
			if !ok {
				sb.WriteString(line)
				sb.WriteString("\n\n")
				continue
			}
			sb.WriteString(strings.ToUpper(speaker))
			sb.WriteString("\n")
			sb.WriteString(speech)
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

// splitLines 按行拆分并去掉空行
func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// splitDialogueLine 把"角色名: 台词"拆成角色和台词，中英文冒号都识别
func splitDialogueLine(line string) (speaker, speech string, ok bool) {
	idx := strings.IndexAny(line, ":：")
	if idx <= 0 {
		return "", "", false
	}

	sep := 1
	if line[idx] >= 0x80 {
		// 全角冒号占3个字节
		sep = len("：")
	}

	speaker = strings.TrimSpace(line[:idx])
	speech = strings.TrimSpace(line[idx+sep:])
	if speaker == "" || speech == "" {
		return "", "", false
	}
	// 角色名过长的多半是叙述句而不是对白
	if len([]rune(speaker)) > 30 {
		return "", "", false
	}
	return speaker, speech, true
}
