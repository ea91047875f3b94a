// internal/services/script_service_test.go
package services

import (
	"context"
	"strings"
	"testing"

	apperrors "github.com/cinescript/cinescript/internal/errors"
	"github.com/cinescript/cinescript/internal/llm"
	"github.com/cinescript/cinescript/internal/llm/providers/mock"
)

func newTestScriptService(completeFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)) *ScriptService {
	provider := &mock.Provider{CompleteFunc: completeFunc}

	llmService := createBaseLLMService()
	llmService.provider = provider
	llmService.providerName = "mock"
	llmService.isReady = true
	llmService.readyState = "Ready"

	return NewScriptService(llmService)
}

func respondWith(text string) func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Text:       text,
			ModelName:  "mock-small",
			TokensUsed: 128,
		}, nil
	}
}

func TestValidateIdea(t *testing.T) {
	service := newTestScriptService(nil)

	tests := []struct {
		name    string
		idea    string
		wantErr bool
	}{
		{"正常创意", "一个关于灯塔守护者的故事", false},
		{"英文创意", "A lighthouse keeper finds a message in a bottle", false},
		{"空字符串", "", true},
		{"纯空白", "   \t\n  ", true},
		{"刚好达到上限", strings.Repeat("创", 2000), false},
		{"超过上限", strings.Repeat("创", 2001), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.ValidateIdea(tt.idea)
			if tt.wantErr && !apperrors.IsValidationError(err) {
				t.Errorf("应返回验证错误，实际为: %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("不应报错，实际为: %v", err)
			}
		})
	}
}

func TestGenerateScriptMapsPayload(t *testing.T) {
	// 字段带空白，验证转换时的裁剪
	service := newTestScriptService(respondWith(`{
		"title": "  雾中灯塔  ",
		"genre": "悬疑",
		"scenes": [
			{"title": " 序幕 ", "description": "海雾漫过礁石。", "dialogue": "守塔人：又起雾了。", "image_prompt": " lighthouse in fog "},
			{"title": "信号", "description": "灯塔的光忽明忽暗。", "dialogue": "守塔人：这不是我打的灯号。", "image_prompt": "flickering lighthouse beam"}
		]
	}`))

	script, meta, err := service.GenerateScript(context.Background(), "灯塔的故事")
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}

	if script.Title != "雾中灯塔" {
		t.Errorf("片名应裁剪空白，实际为%q", script.Title)
	}
	if script.Genre != "悬疑" {
		t.Errorf("类型不符: %q", script.Genre)
	}
	if len(script.Scenes) != 2 {
		t.Fatalf("场景数应为2，实际为%d", len(script.Scenes))
	}

	first := script.Scenes[0]
	if first.Title != "序幕" || first.ImagePrompt != "lighthouse in fog" {
		t.Errorf("场景字段未正确裁剪: %+v", first)
	}
	if first.ID == "" || script.Scenes[1].ID == "" {
		t.Error("每个场景都应分配ID")
	}
	if first.ID == script.Scenes[1].ID {
		t.Error("场景ID应互不相同")
	}

	if meta == nil {
		t.Fatal("应返回生成元信息")
	}
	if meta.Idea != "灯塔的故事" {
		t.Errorf("元信息应记录创意，实际为%q", meta.Idea)
	}
	if meta.TokensUsed != 128 {
		t.Errorf("Token用量不符: %d", meta.TokensUsed)
	}
	if meta.FromLanguage != "zh" {
		t.Errorf("中文创意的语言标记应为zh，实际为%q", meta.FromLanguage)
	}
}

func TestGenerateScriptToleratesMarkdownFence(t *testing.T) {
	service := newTestScriptService(respondWith("```json\n" +
		scriptJSONWithPrompts("围栏剧本", "p1", "p2", "p3", "p4", "p5") +
		"\n```"))

	script, _, err := service.GenerateScript(context.Background(), "会被代码块包住的回答")
	if err != nil {
		t.Fatalf("Markdown围栏应被清理后正常解析: %v", err)
	}
	if script.Title != "围栏剧本" {
		t.Errorf("片名不符: %q", script.Title)
	}
}

func TestGenerateScriptRejectsBadPayload(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"非JSON内容", "抱歉，我无法生成剧本。"},
		{"缺少片名", `{"title":"","genre":"剧情","scenes":[{"title":"t","description":"d","dialogue":"l","image_prompt":"p"}]}`},
		{"缺少类型", `{"title":"无类型","genre":"","scenes":[{"title":"t","description":"d","dialogue":"l","image_prompt":"p"}]}`},
		{"空场景列表", `{"title":"无场景","genre":"剧情","scenes":[]}`},
		{"场景缺少对白", `{"title":"残缺","genre":"剧情","scenes":[{"title":"t","description":"d","dialogue":"","image_prompt":"p"}]}`},
		{"场景缺少提示词", `{"title":"残缺","genre":"剧情","scenes":[{"title":"t","description":"d","dialogue":"l","image_prompt":"  "}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newTestScriptService(respondWith(tt.text))
			_, _, err := service.GenerateScript(context.Background(), "创意-"+tt.name)
			if !apperrors.IsGenerationError(err) {
				t.Errorf("应返回生成错误，实际为: %v", err)
			}
		})
	}
}

func TestGenerateScriptWhenServiceNotReady(t *testing.T) {
	llmService := createBaseLLMService()
	service := NewScriptService(llmService)

	_, _, err := service.GenerateScript(context.Background(), "任何创意")
	if !apperrors.IsGenerationError(err) {
		t.Fatalf("服务未就绪应返回生成错误，实际为: %v", err)
	}
}

func TestBuildScriptPromptsLanguage(t *testing.T) {
	prompt, systemPrompt, language := buildScriptPrompts("深夜影院的秘密")
	if language != "zh" {
		t.Errorf("中文创意应生成中文提示词，language=%s", language)
	}
	if !strings.Contains(prompt, "深夜影院的秘密") {
		t.Error("提示词应包含原始创意")
	}
	if !strings.Contains(systemPrompt, "image_prompt") {
		t.Error("系统提示应说明输出结构")
	}

	prompt, _, language = buildScriptPrompts("A retired postman discovers undelivered letters")
	if language != "en" {
		t.Errorf("英文创意应生成英文提示词，language=%s", language)
	}
	if !strings.Contains(prompt, "A retired postman discovers undelivered letters") {
		t.Error("英文提示词应包含原始创意")
	}
}

func TestIsEnglishText(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"A story about a lighthouse keeper", true},
		{"深夜影院的秘密", false},
		{"Mixed 中英文", true},
		{"中文为主 with a word", false},
		{"", false},
		{"12345", false},
	}

	for _, tt := range tests {
		if got := isEnglishText(tt.text); got != tt.want {
			t.Errorf("isEnglishText(%q) = %v，期望%v", tt.text, got, tt.want)
		}
	}
}

func TestValidateScriptPayload(t *testing.T) {
	valid := &ScriptPayload{
		Title: "完整剧本",
		Genre: "剧情",
		Scenes: []ScenePayload{
			{Title: "t", Description: "d", Dialogue: "l", ImagePrompt: "p"},
		},
	}
	if err := validateScriptPayload(valid); err != nil {
		t.Errorf("完整结构不应报错: %v", err)
	}

	if err := validateScriptPayload(nil); err == nil {
		t.Error("nil结构应报错")
	}
}
