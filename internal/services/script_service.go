// internal/services/script_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/cinescript/cinescript/internal/errors"
	"github.com/cinescript/cinescript/internal/models"
	"github.com/cinescript/cinescript/internal/utils"
)

// 剧本的场景数量约束
const (
	MinScenes = 5
	MaxScenes = 7
)

// 防止异常输入撑爆提示词
const maxIdeaLength = 2000

// ScriptService 负责把一句话创意变成结构化剧本
type ScriptService struct {
	llmService *LLMService
}

// NewScriptService 创建剧本生成服务
func NewScriptService(llmService *LLMService) *ScriptService {
	return &ScriptService{
		llmService: llmService,
	}
}

// ValidateIdea 校验创意输入，不触发生成
func (s *ScriptService) ValidateIdea(idea string) error {
	idea = strings.TrimSpace(idea)
	if idea == "" {
		return apperrors.NewValidationError("电影创意不能为空", nil)
	}
	if len([]rune(idea)) > maxIdeaLength {
		return apperrors.NewValidationError(
			fmt.Sprintf("电影创意过长，最多%d个字符", maxIdeaLength), nil)
	}
	return nil
}

// GenerateScript 根据创意生成完整剧本
// 生成失败返回generation_error，输入不合法返回validation_error
func (s *ScriptService) GenerateScript(ctx context.Context, idea string) (*models.Script, *models.GenerationMeta, error) {
	if err := s.ValidateIdea(idea); err != nil {
		return nil, nil, err
	}
	idea = strings.TrimSpace(idea)

	if s.llmService == nil || !s.llmService.IsReady() {
		state := "LLM服务未初始化"
		if s.llmService != nil {
			state = s.llmService.GetReadyState()
		}
		return nil, nil, apperrors.NewGenerationError(
			fmt.Sprintf("剧本生成服务不可用: %s", state), ErrLLMNotReady)
	}

	prompt, systemPrompt, language := buildScriptPrompts(idea)

	startTime := time.Now()

	payload := &ScriptPayload{}
	resp, err := s.llmService.CreateStructuredCompletion(ctx, prompt, systemPrompt, payload)
	if err != nil {
		return nil, nil, apperrors.NewGenerationError("剧本生成失败", err)
	}

	if err := validateScriptPayload(payload); err != nil {
		return nil, nil, apperrors.NewGenerationError("剧本生成结果不完整", err)
	}

	// 场景数量约束是期望值而非硬性限制，超出范围只记录告警
	if len(payload.Scenes) < MinScenes || len(payload.Scenes) > MaxScenes {
		utils.GetLogger().Warn("生成的场景数量超出预期范围", map[string]interface{}{
			"count":    len(payload.Scenes),
			"expected": fmt.Sprintf("%d-%d", MinScenes, MaxScenes),
		})
	}

	script := payloadToScript(payload)

	meta := &models.GenerationMeta{
		Idea:         idea,
		Provider:     s.llmService.GetProviderName(),
		Model:        s.llmService.GetDefaultModel(),
		GeneratedAt:  time.Now(),
		DurationMS:   time.Since(startTime).Milliseconds(),
		FromLanguage: language,
	}
	if resp != nil {
		meta.Model = resp.ModelName
		meta.TokensUsed = resp.TokensUsed
	}

	utils.GetLogger().Info("剧本生成完成", map[string]interface{}{
		"title":       script.Title,
		"genre":       script.Genre,
		"scenes":      len(script.Scenes),
		"duration_ms": meta.DurationMS,
		"cached":      resp == nil,
	})

	return script, meta, nil
}

// buildScriptPrompts 按创意语言构建提示词
// 图像提示词统一要求英文，生图模型对英文提示效果更稳定
func buildScriptPrompts(idea string) (prompt, systemPrompt, language string) {
	if isEnglishText(idea) {
		systemPrompt = `You are a professional screenwriter and film development expert. You turn a one-line movie idea into a tight, shootable short screenplay outline.
Respond ONLY with valid JSON that matches the following schema:
{
	"title": "string",
	"genre": "string",
	"scenes": [
		{
			"title": "string",
			"description": "string",
			"dialogue": "string",
			"image_prompt": "string"
		}
	]
}
Formatting requirements:
1. The response must be a single JSON object. Do NOT use Markdown fences or add commentary.
2. The scenes array must contain between 5 and 7 scenes, in story order.
3. Every field must be non-empty.
4. "dialogue" holds the key exchange of the scene, formatted as "NAME: line" with one line per speaker turn.
5. "image_prompt" is a concise English prompt for an illustration of the scene: subject, setting, mood, lighting.`

		prompt = fmt.Sprintf(`Develop the following movie idea into a screenplay outline:

Idea: %s

Requirements:
1. Choose a fitting title and a single primary genre
2. Create 5 to 7 scenes that form a complete dramatic arc with setup, escalation, climax and resolution
3. Each scene needs a short evocative title, a 2-4 sentence description of the action, the scene's key dialogue, and an English image prompt for its illustration
4. Keep characters consistent across scenes`, idea)

		return prompt, systemPrompt, "en"
	}

	systemPrompt = `你是专业的电影编剧和剧本开发专家，擅长把一句话创意扩展成紧凑、可拍摄的短片剧本大纲。
回答时只能输出有效的JSON，并且严格符合以下结构：
{
	"title": "",
	"genre": "",
	"scenes": [
		{
			"title": "",
			"description": "",
			"dialogue": "",
			"image_prompt": ""
		}
	]
}
格式要求：
1. 整个回答必须是一个JSON对象，不得使用Markdown代码块，不得添加任何说明文字。
2. scenes数组必须包含5到7个场景，按剧情顺序排列。
3. 所有字段都不能为空。
4. dialogue是该场景的关键对白，格式为"角色名：台词"，每个角色一行。
5. image_prompt是该场景插图的英文提示词，简洁描述主体、环境、氛围和光线。`

	prompt = fmt.Sprintf(`把以下电影创意扩展成剧本大纲:

创意: %s

要求:
1. 起一个贴切的片名，确定一个主要类型
2. 创作5到7个场景，构成完整的戏剧弧线：铺垫、升级、高潮、收束
3. 每个场景包括简短有画面感的标题、2-4句的情节描述、该场景的关键对白，以及用于插图的英文image_prompt
4. 场景之间保持角色一致`, idea)

	return prompt, systemPrompt, "zh"
}

// validateScriptPayload 校验生成结果的完整性
func validateScriptPayload(payload *ScriptPayload) error {
	if payload == nil {
		return fmt.Errorf("返回内容为空")
	}

	if strings.TrimSpace(payload.Title) == "" {
		return fmt.Errorf("缺少片名")
	}
	if strings.TrimSpace(payload.Genre) == "" {
		return fmt.Errorf("缺少类型")
	}

	if len(payload.Scenes) == 0 {
		return fmt.Errorf("剧本不包含任何场景")
	}

	for i, scene := range payload.Scenes {
		if strings.TrimSpace(scene.Title) == "" {
			return fmt.Errorf("场景%d缺少标题", i+1)
		}
		if strings.TrimSpace(scene.Description) == "" {
			return fmt.Errorf("场景%d缺少描述", i+1)
		}
		if strings.TrimSpace(scene.Dialogue) == "" {
			return fmt.Errorf("场景%d缺少对白", i+1)
		}
		if strings.TrimSpace(scene.ImagePrompt) == "" {
			return fmt.Errorf("场景%d缺少图像提示词", i+1)
		}
	}

	return nil
}

// payloadToScript 把生成结果转换为领域模型，并为每个场景分配稳定ID
func payloadToScript(payload *ScriptPayload) *models.Script {
	script := &models.Script{
		Title:  strings.TrimSpace(payload.Title),
		Genre:  strings.TrimSpace(payload.Genre),
		Scenes: make([]models.Scene, 0, len(payload.Scenes)),
	}

	for _, scene := range payload.Scenes {
		script.Scenes = append(script.Scenes, models.Scene{
			ID:          uuid.NewString(),
			Title:       strings.TrimSpace(scene.Title),
			Description: strings.TrimSpace(scene.Description),
			Dialogue:    strings.TrimSpace(scene.Dialogue),
			ImagePrompt: strings.TrimSpace(scene.ImagePrompt),
		})
	}

	return script
}
