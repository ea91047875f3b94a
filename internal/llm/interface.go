// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// 错误定义
var (
	ErrUnknownProvider = errors.New("未知的AI提供者")
	ErrNoImageSupport  = errors.New("提供者不支持图像生成")
)

// 请求参数标准化
type CompletionRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Temperature  float32                `json:"temperature,omitempty"`
	TopP         float32                `json:"top_p,omitempty"`
	Model        string                 `json:"model,omitempty"`
	StopWords    []string               `json:"stop_words,omitempty"`
	Stream       bool                   `json:"stream,omitempty"`
	ExtraParams  map[string]interface{} `json:"extra_params,omitempty"`
}

// 响应结构标准化
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

// 流式响应
type StreamResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	Done         bool   `json:"done"`
}

// 图像生成请求
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// 图像生成结果，Data为原始图像字节
type ImageResult struct {
	Data         []byte `json:"-"`
	MimeType     string `json:"mime_type"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 获取支持的模型列表
	GetSupportedModels() []string

	// 文本生成
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// 流式响应生成
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamResponse, error)

	// 可选：获取可用模型列表（有些提供商支持）
	FetchAvailableModels(ctx context.Context) error

	// 可选：设置自定义模型列表
	SetCustomModels(models []string)
}

// ImageProvider 由支持图像生成的提供者额外实现
// 响应中没有任何图像数据时提供者返回错误，不返回空结果
type ImageProvider interface {
	Provider

	// 图像生成，返回二进制图像数据
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
}

// 注册表和工厂函数类型
type ProviderFactory func() Provider

var (
	registryMutex sync.RWMutex
	providers     = make(map[string]ProviderFactory)
)

// Register 注册提供者工厂，在各提供者包的init中调用
func Register(name string, factory ProviderFactory) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	providers[name] = factory
}

// GetProvider 创建指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	registryMutex.RLock()
	factory, exists := providers[name]
	registryMutex.RUnlock()

	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}

	return provider, nil
}

// GetImageProvider 创建支持图像生成的提供者实例
func GetImageProvider(name string, config map[string]string) (ImageProvider, error) {
	provider, err := GetProvider(name, config)
	if err != nil {
		return nil, err
	}

	imageProvider, ok := provider.(ImageProvider)
	if !ok {
		return nil, ErrNoImageSupport
	}

	return imageProvider, nil
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportsImages 判断指定提供者是否具备图像生成能力
func SupportsImages(name string) bool {
	registryMutex.RLock()
	factory, exists := providers[name]
	registryMutex.RUnlock()

	if !exists {
		return false
	}

	_, ok := factory().(ImageProvider)
	return ok
}

// GetSupportedModelsForProvider 获取指定提供商支持的模型列表
func GetSupportedModelsForProvider(name string) []string {
	registryMutex.RLock()
	factory, exists := providers[name]
	registryMutex.RUnlock()

	if !exists {
		return []string{}
	}

	provider := factory()
	return provider.GetSupportedModels()
}
