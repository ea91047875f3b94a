// internal/llm/providers/openai/compatible.go
package openai

import (
	"context"

	"github.com/cinescript/cinescript/internal/llm"
)

// compatPreset 描述一个兼容OpenAI聊天协议的第三方接入点
// 这些服务共用本包的客户端实现，预设只固化接入地址和推荐模型
type compatPreset struct {
	displayName  string
	baseURL      string
	defaultModel string
	models       []string
}

var compatiblePresets = map[string]compatPreset{
	"openrouter": {
		displayName:  "OpenRouter",
		baseURL:      "https://openrouter.ai/api/v1",
		defaultModel: "google/gemma-3-27b-it:free",
		models: []string{
			"google/gemma-3-27b-it:free",
			"mistralai/devstral-2512:free",
			"qwen/qwen3-coder:free",
			"qwen/qwen3-235b-a22b:free",
			"nousresearch/hermes-3-llama-3.1-405b:free",
		},
	},
	"githubmodels": {
		displayName:  "GitHub Models",
		baseURL:      "https://models.inference.ai.azure.com",
		defaultModel: "o3-mini",
		models: []string{
			"gpt-4o",
			"o1",
			"o3-mini",
			"Phi-4",
			"Phi-4-multimodal-instruct",
		},
	},
	"glm": {
		displayName:  "GLM",
		baseURL:      "https://open.bigmodel.cn/api/paas/v4",
		defaultModel: "glm-4",
		models: []string{
			"glm-4",
			"glm-4-plus",
			"glm-4.5-air",
			"glm-4.5",
			"glm-4.6",
		},
	},
	"grok": {
		displayName:  "Grok",
		baseURL:      "https://api.x.ai/v1",
		defaultModel: "grok-3",
		models: []string{
			"grok-4",
			"grok-4-fast",
			"grok-3",
			"grok-3-mini",
		},
	},
	"qwen": {
		displayName:  "Qwen",
		baseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
		defaultModel: "qwen2.5-max",
		models: []string{
			"qwen2.5-max",
			"qwen2.5-plus",
			"qwq-32b",
		},
	},
}

func init() {
	for name, preset := range compatiblePresets {
		preset := preset
		llm.Register(name, func() llm.Provider {
			return &compatProvider{
				preset: preset,
				inner:  &Provider{recommendedModels: preset.models},
			}
		})
	}
}

// compatProvider 把预设接入点包装为独立提供者
// 只做文本生成，不暴露图像能力，图像请求会在注册表层被拒绝
type compatProvider struct {
	preset compatPreset
	inner  *Provider
}

func (p *compatProvider) Initialize(config map[string]string) error {
	merged := make(map[string]string, len(config)+2)
	for key, value := range config {
		merged[key] = value
	}
	if merged["base_url"] == "" {
		merged["base_url"] = p.preset.baseURL
	}
	if merged["default_model"] == "" {
		merged["default_model"] = p.preset.defaultModel
	}
	return p.inner.Initialize(merged)
}

func (p *compatProvider) GetName() string {
	return p.preset.displayName
}

func (p *compatProvider) GetSupportedModels() []string {
	return p.inner.GetSupportedModels()
}

func (p *compatProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.inner.CompleteText(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.ProviderName = p.preset.displayName
	return resp, nil
}

func (p *compatProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	return p.inner.StreamCompletion(ctx, req)
}

func (p *compatProvider) FetchAvailableModels(ctx context.Context) error {
	return p.inner.FetchAvailableModels(ctx)
}

func (p *compatProvider) SetCustomModels(models []string) {
	p.inner.SetCustomModels(models)
}
