// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"encoding/json"

	"github.com/cinescript/cinescript/internal/config"
	"github.com/cinescript/cinescript/internal/llm"
	"github.com/cinescript/cinescript/internal/storage"
	"github.com/cinescript/cinescript/internal/utils"
)

var ErrLLMNotReady = errors.New("llm service not ready")

var providerDefaultModels = map[string]string{
	"openai":       "gpt-4o-mini",
	"anthropic":    "claude-3-7-sonnet-20250219",
	"google":       "gemini-2.0-flash",
	"ollama":       "llama3.1",
	"openrouter":   "google/gemma-3-27b-it:free",
	"githubmodels": "o3-mini",
	"glm":          "glm-4",
	"grok":         "grok-3",
	"qwen":         "qwen2.5-max",
	"mock":         "mock-small",
}

// 原生支持JSON输出模式的提供商
var jsonModeProviders = map[string]bool{
	"openai":       true,
	"ollama":       true,
	"openrouter":   true,
	"githubmodels": true,
	"glm":          true,
	"grok":         true,
	"qwen":         true,
}

// LLMService 提供统一的大语言模型调用接口
type LLMService struct {
	providerMutex      sync.RWMutex
	provider           llm.Provider
	providerName       string
	cache              *storage.MemoryCache
	isReady            bool
	readyState         string
	activeDefaultModel string
}

// NewLLMService 创建一个新的LLM服务
func NewLLMService() (*LLMService, error) {
	service := createBaseLLMService()

	// 尝试从配置初始化
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		service.readyState = "Failed to retrieve configuration"
		return service, nil
	}

	if cfg.LLMProvider == "" {
		service.readyState = "LLM provider not configured"
		return service, nil
	}

	if config.RequiresAPIKey(cfg.LLMProvider) &&
		(cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "") {
		service.readyState = "API key not configured"
		return service, nil
	}

	// 尝试初始化提供商
	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		service.readyState = fmt.Sprintf("Initialization failed: %v", err)
		return service, nil // 返回未就绪服务而不是错误
	}

	// 初始化成功
	service.provider = provider
	service.providerName = cfg.LLMProvider
	service.activeDefaultModel = extractDefaultModel(cfg.LLMConfig)
	service.isReady = true
	service.readyState = "Ready"

	return service, nil
}

// NewEmptyLLMService 创建一个空的LLM服务实例作为后备方案
func NewEmptyLLMService() *LLMService {
	service := createBaseLLMService()
	service.providerName = "empty"
	service.readyState = "Standby Service Mode – Please configure the API key in settings"
	return service
}

// createBaseLLMService 创建基础LLM服务实例
func createBaseLLMService() *LLMService {
	return &LLMService{
		provider:           nil,
		providerName:       "",
		isReady:            false,
		readyState:         "Uninitialized",
		activeDefaultModel: "",
		cache:              storage.NewMemoryCache(1000, 30*time.Minute),
	}
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	if s.provider != nil && s.isReady {
		return true
	}

	// 服务本身未初始化时，根据当前配置判断是否具备就绪条件
	cfg := config.GetCurrentConfig()
	if cfg == nil || cfg.LLMProvider == "" {
		return false
	}

	if !config.RequiresAPIKey(cfg.LLMProvider) {
		return true
	}

	return cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] != ""
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return "Cannot get configuration"
	}

	if cfg.LLMProvider == "" {
		return "LLM provider not configured"
	}

	if config.RequiresAPIKey(cfg.LLMProvider) &&
		(cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "") {
		return "API key not configured"
	}

	if s.provider != nil && s.isReady {
		return "Ready"
	}

	return "Waiting for initialization"
}

// GetProviderStatus 返回服务是否就绪以及可读描述
func (s *LLMService) GetProviderStatus() (bool, string) {
	if s == nil {
		return false, "LLM服务实例未初始化"
	}
	if s.IsReady() {
		return true, "Ready"
	}
	return false, s.GetReadyState()
}

// UpdateProvider 更新LLM服务的提供商
func (s *LLMService) UpdateProvider(providerName string, providerConfig map[string]string) error {
	provider, err := llm.GetProvider(providerName, providerConfig)
	if err != nil {
		s.providerMutex.Lock()
		s.isReady = false
		s.readyState = fmt.Sprintf("Configuration failed: %v", err)
		s.providerMutex.Unlock()
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.activeDefaultModel = extractDefaultModel(providerConfig)
	s.isReady = true
	s.readyState = "Ready"

	// 换提供商后旧缓存全部失效
	s.cache.Clear()

	return nil
}

// OnConfigChanged 配置变更订阅回调，热切换提供商
func (s *LLMService) OnConfigChanged(oldConfig, newConfig *config.AppConfig) {
	if newConfig == nil || newConfig.LLMProvider == "" {
		return
	}

	if err := s.UpdateProvider(newConfig.LLMProvider, newConfig.LLMConfig); err != nil {
		utils.GetLogger().Error("切换LLM提供商失败", map[string]interface{}{
			"provider": newConfig.LLMProvider,
			"err":      err.Error(),
		})
	}
}

// generateCacheKey 生成缓存键
func (s *LLMService) generateCacheKey(prompt, systemPrompt, model string) string {
	s.providerMutex.RLock()
	providerName := s.providerName
	s.providerMutex.RUnlock()

	hashInput := fmt.Sprintf("%s:::%s:::%s:::%s",
		prompt, systemPrompt, model, providerName)
	h := md5.New()
	h.Write([]byte(hashInput))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// CompleteText 直接调用当前提供商生成文本，带缓存
func (s *LLMService) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		state := s.readyState
		s.providerMutex.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrLLMNotReady, state)
	}
	provider := s.provider
	providerName := s.providerName
	s.providerMutex.RUnlock()

	req.Model = s.resolveModel(req.Model)

	cacheKey := s.generateCacheKey(req.Prompt, req.SystemPrompt, req.Model)
	if cached, found := s.cache.Get(cacheKey); found {
		if resp, ok := cached.(*llm.CompletionResponse); ok {
			utils.GetLogger().Debug("LLM缓存命中", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
			return resp, nil
		}
	}

	start := time.Now()
	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		return nil, err
	}
	utils.NewAPIMetrics().RecordLLMRequest(providerName, resp.ModelName, resp.TokensUsed, time.Since(start))

	s.cache.Set(cacheKey, resp)
	return resp, nil
}

// CreateStructuredCompletion 请求结构化输出并解析到outputSchema
// 缓存命中时返回的响应为nil，表示本次没有消耗token
func (s *LLMService) CreateStructuredCompletion(ctx context.Context, prompt string, systemPrompt string, outputSchema interface{}) (*llm.CompletionResponse, error) {
	s.providerMutex.RLock()
	if !s.isReady || s.provider == nil {
		state := s.readyState
		s.providerMutex.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrLLMNotReady, state)
	}
	provider := s.provider
	providerName := s.providerName
	s.providerMutex.RUnlock()

	model := s.resolveModel("")

	// 生成缓存键
	cacheKey := s.generateCacheKey(prompt, systemPrompt, model)

	// 检查缓存
	if s.checkAndUseCache(cacheKey, outputSchema) {
		return nil, nil
	}

	// 修改系统提示以请求特定格式
	structuredSystemPrompt := systemPrompt
	if systemPrompt != "" {
		structuredSystemPrompt += "\n\n"
	}
	structuredSystemPrompt += "Return your response in valid JSON format, following the provided output schema, without adding explanations or preambles."

	req := llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: structuredSystemPrompt,
		Temperature:  0.3,
		Model:        model,
	}

	// 提供商原生支持时同时开启JSON模式
	if jsonModeProviders[providerName] {
		req.ExtraParams = map[string]interface{}{"response_format": "json_object"}
	}

	// 调用实际Provider
	start := time.Now()
	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		return nil, err
	}
	utils.NewAPIMetrics().RecordLLMRequest(providerName, resp.ModelName, resp.TokensUsed, time.Since(start))

	// 尝试解析结构化输出
	text := cleanJSONString(resp.Text)

	// 解析JSON到提供的结构中
	err = json.Unmarshal([]byte(text), outputSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AI response into structured data: %w\nAI return: %s", err, truncateText(text, 200))
	}

	// 保存到缓存
	s.saveToCache(cacheKey, outputSchema)

	return resp, nil
}

// GetProvider 返回内部的Provider实例
func (s *LLMService) GetProvider() llm.Provider {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider
}

// GetProviderName 返回当前LLM提供商名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// GetDefaultModel 获取当前配置的默认模型
func (s *LLMService) GetDefaultModel() string {
	return s.resolveModel("")
}

// CacheStats 返回缓存命中统计
func (s *LLMService) CacheStats() map[string]int64 {
	return s.cache.Stats()
}

// resolveModel 根据请求和配置确定应使用的模型
func (s *LLMService) resolveModel(requestedModel string) string {
	if trimmed := strings.TrimSpace(requestedModel); trimmed != "" {
		return trimmed
	}

	s.providerMutex.RLock()
	provider := s.provider
	providerName := s.providerName
	activeDefault := s.activeDefaultModel
	s.providerMutex.RUnlock()

	if activeDefault != "" {
		return activeDefault
	}

	if provider != nil {
		if models := provider.GetSupportedModels(); len(models) > 0 {
			if model := strings.TrimSpace(models[0]); model != "" {
				return model
			}
		}
	}

	if cfg := config.GetCurrentConfig(); cfg != nil && cfg.LLMProvider == providerName {
		if cfg.LLMConfig != nil {
			if model := strings.TrimSpace(cfg.LLMConfig["default_model"]); model != "" {
				return model
			}
			if model := strings.TrimSpace(cfg.LLMConfig["model"]); model != "" {
				return model
			}
		}
	}

	if model, exists := providerDefaultModels[providerName]; exists {
		if trimmed := strings.TrimSpace(model); trimmed != "" {
			return trimmed
		}
	}

	return "gemini-2.0-flash"
}

func extractDefaultModel(cfg map[string]string) string {
	if cfg == nil {
		return ""
	}
	if model := strings.TrimSpace(cfg["default_model"]); model != "" {
		return model
	}
	if model := strings.TrimSpace(cfg["model"]); model != "" {
		return model
	}
	return ""
}

// checkAndUseCache 尝试用缓存填充输出结构
func (s *LLMService) checkAndUseCache(cacheKey string, outputSchema interface{}) bool {
	if outputSchema == nil {
		return false
	}

	cached, found := s.cache.Get(cacheKey)
	if !found {
		return false
	}

	responseBytes, ok := cached.([]byte)
	if !ok {
		return false
	}

	if err := json.Unmarshal(responseBytes, outputSchema); err != nil {
		return false
	}

	utils.GetLogger().Debug("LLM缓存命中", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
	return true
}

// saveToCache 序列化后写入缓存，保证统一的类型处理
func (s *LLMService) saveToCache(cacheKey string, response interface{}) {
	responseBytes, err := json.Marshal(response)
	if err != nil {
		utils.GetLogger().Error("Failed to serialize cached response", map[string]interface{}{"err": err.Error()})
		return
	}
	s.cache.Set(cacheKey, responseBytes)
}

// 清理JSON字符串，去除前后非JSON内容
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```", "",
	"\uFEFF", "",
	" ", " ",
	" ", "\n",
	" ", "\n",
)

var structuralPunctuationMap = map[rune]rune{
	'：': ':',
	'﹕': ':',
	'，': ',',
	'﹐': ',',
	'；': ';',
	'﹔': ';',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
	'（': '(',
	'）': ')',
}

var quotePairs = map[rune]rune{
	'"': '"',
	'“': '”',
	'”': '”',
	'„': '”',
	'‟': '”',
	'「': '」',
	'」': '」',
	'『': '』',
	'﹁': '﹂',
	'﹂': '﹂',
}

func normalizeJSONStructure(s string) string {
	if s == "" {
		return s
	}

	var builder strings.Builder
	builder.Grow(len(s))
	inString := false
	escaped := false
	currentClosing := '"'

	for _, r := range s {
		if inString {
			if !escaped && r == '\\' {
				escaped = true
				builder.WriteRune(r)
				continue
			}

			if escaped {
				escaped = false
				builder.WriteRune(r)
				continue
			}

			if r == currentClosing || r == '"' {
				inString = false
				currentClosing = '"'
				builder.WriteRune('"')
				continue
			}

			builder.WriteRune(r)
			continue
		}

		if replacement, ok := structuralPunctuationMap[r]; ok {
			r = replacement
		} else if closing, ok := quotePairs[r]; ok {
			inString = true
			currentClosing = closing
			builder.WriteRune('"')
			continue
		} else if r == '"' {
			inString = true
			currentClosing = '"'
			builder.WriteRune(r)
			continue
		} else if r > unicode.MaxASCII && !unicode.IsSpace(r) {
			// 丢弃出现在字符串外的异常Unicode字符（例如 æ、• 等）
			continue
		}

		builder.WriteRune(r)
	}

	return builder.String()
}

func cleanJSONString(s string) string {
	if s == "" {
		return s
	}

	// 统一替换常见的噪声、全角符号以及Markdown标记
	s = jsonNoiseReplacer.Replace(s)
	s = strings.TrimSpace(s)

	// 移除零宽字符及除换行/制表符外的控制字符
	s = strings.Map(func(r rune) rune {
		switch r {
		case '​', '‌', '‍', '⁠', '\uFEFF':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	// 查找第一个 { 或 [，将其之前的内容全部丢弃
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}

	s = strings.TrimSpace(s[start:])
	if s == "" {
		return s
	}

	// 规范化JSON结构所需的标点符号，移除字符串外的异常字符
	s = normalizeJSONStructure(s)

	isArray := len(s) > 0 && s[0] == '['

	// 简单的括号计数匹配
	balance := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}

		if char == '\\' {
			escaped = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if isArray {
				if char == '[' {
					balance++
				} else if char == ']' {
					balance--
				}
			} else {
				if char == '{' {
					balance++
				} else if char == '}' {
					balance--
				}
			}

			if balance == 0 {
				// 找到了匹配的结束符
				return strings.TrimSpace(s[:i+1])
			}
		}
	}

	// 如果没找到匹配的结束符，尝试回退到旧逻辑（找最后一个）
	end := -1
	if isArray {
		end = strings.LastIndex(s, "]")
	} else {
		end = strings.LastIndex(s, "}")
	}

	if end != -1 && end >= 0 {
		return strings.TrimSpace(s[:end+1])
	}

	return strings.TrimSpace(s)
}

// CleanLLMJSONResponse 提供给外部调用的JSON清洗助手
func CleanLLMJSONResponse(raw string) string {
	return cleanJSONString(raw)
}

// isEnglishText 检测文本是否为英文
func isEnglishText(text string) bool {
	if len(text) == 0 {
		return false
	}

	// 计数
	letterCount := 0
	chineseCount := 0
	totalValidChars := 0 // 有效字符总数

	for _, r := range text {
		// 英文字母
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			letterCount++
			totalValidChars++
		}
		// 检测中文字符
		if r >= 0x4E00 && r <= 0x9FFF {
			chineseCount++
			totalValidChars++
		}
		// 数字也算有效字符
		if r >= '0' && r <= '9' {
			totalValidChars++
		}
	}

	// 判定规则：
	// 1. 如果没有有效字符，返回 false
	if totalValidChars == 0 {
		return false
	}

	// 2. 计算英文字母占有效字符的比例
	englishRatio := float64(letterCount) / float64(totalValidChars)

	// 3. 如果英文字母比例超过50%，认为是英文文本
	// 这样 "Mixed 中英文" 中的 "Mixed" 占主导，会被判定为英文
	return englishRatio > 0.5
}

// truncateText 截断文本用于错误信息展示
func truncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}
