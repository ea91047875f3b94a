// internal/llm/providers/openai/openai.go
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openaigo "github.com/sashabaranov/go-openai"

	"github.com/cinescript/cinescript/internal/llm"
)

func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"gpt-4o",
				"gpt-4o-mini",
				"gpt-4.1",
				"gpt-4.1-mini",
			},
		}
	})
}

type Provider struct {
	client            *openaigo.Client
	defaultModel      string
	imageModel        string
	recommendedModels []string
	availableModels   []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("openai api密钥未提供")
	}

	clientConfig := openaigo.DefaultConfig(apiKey)

	// 自定义base_url兼容各类OpenAI协议服务（OpenRouter、本地网关等）
	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	p.client = openaigo.NewClientWithConfig(clientConfig)

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gpt-4o-mini"
	}

	if model, exists := config["image_model"]; exists && model != "" {
		p.imageModel = model
	} else {
		p.imageModel = openaigo.CreateImageModelDallE3
	}

	// 如果配置中包含自定义模型列表
	if customModels, exists := config["custom_models"]; exists && customModels != "" {
		var models []string
		if err := json.Unmarshal([]byte(customModels), &models); err == nil && len(models) > 0 {
			p.availableModels = models
		}
	}

	return nil
}

func (p *Provider) GetName() string {
	return "OpenAI"
}

func (p *Provider) GetSupportedModels() []string {
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

// FetchAvailableModels 拉取账户可用的模型列表
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	if p.client == nil {
		return errors.New("API密钥未设置，无法获取模型列表")
	}

	modelList, err := p.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("获取模型列表失败: %w", err)
	}

	p.availableModels = make([]string, 0, len(modelList.Models))
	for _, model := range modelList.Models {
		p.availableModels = append(p.availableModels, model.ID)
	}

	return nil
}

func (p *Provider) SetCustomModels(models []string) {
	if len(models) > 0 {
		p.availableModels = models
	}
}

func (p *Provider) buildChatRequest(req llm.CompletionRequest) openaigo.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := []openaigo.ChatCompletionMessage{}
	if req.SystemPrompt != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openaigo.ChatCompletionMessage{
		Role:    openaigo.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openaigo.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}

	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	if req.TopP > 0 {
		chatReq.TopP = req.TopP
	}

	if len(req.StopWords) > 0 {
		chatReq.Stop = req.StopWords
	}

	// 结构化输出走接口原生的JSON模式
	if format, ok := req.ExtraParams["response_format"].(string); ok && format == "json_object" {
		chatReq.ResponseFormat = &openaigo.ChatCompletionResponseFormat{
			Type: openaigo.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	return chatReq
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	chatReq := p.buildChatRequest(req)

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai api错误: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("OpenAI未返回任何结果")
	}

	return &llm.CompletionResponse{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		TokensUsed:   resp.Usage.TotalTokens,
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		ModelName:    chatReq.Model,
		ProviderName: p.GetName(),
	}, nil
}

// StreamCompletion 实现流式响应
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	chatReq := p.buildChatRequest(req)
	chatReq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai api错误: %w", err)
	}

	respChan := make(chan llm.StreamResponse)

	go func() {
		defer stream.Close()
		defer close(respChan)

		var contentBuffer []byte

		for {
			select {
			case <-ctx.Done():
				return
			default:
				resp, err := stream.Recv()
				if err != nil {
					if errors.Is(err, io.EOF) {
						respChan <- llm.StreamResponse{
							Text:         string(contentBuffer),
							FinishReason: "stop",
							ModelName:    chatReq.Model,
							Done:         true,
						}
					}
					return
				}

				if len(resp.Choices) == 0 {
					continue
				}

				delta := resp.Choices[0].Delta.Content
				if delta != "" {
					contentBuffer = append(contentBuffer, delta...)
					respChan <- llm.StreamResponse{
						Text: delta,
						Done: false,
					}
				}

				if resp.Choices[0].FinishReason != "" {
					respChan <- llm.StreamResponse{
						Text:         string(contentBuffer),
						FinishReason: string(resp.Choices[0].FinishReason),
						ModelName:    chatReq.Model,
						Done:         true,
					}
					return
				}
			}
		}
	}()

	return respChan, nil
}

// GenerateImage 通过DALL·E生成场景插图，返回PNG字节
func (p *Provider) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	model := req.Model
	if model == "" {
		model = p.imageModel
	}

	imageReq := openaigo.ImageRequest{
		Prompt:         req.Prompt,
		Model:          model,
		N:              1,
		Size:           pickImageSize(model, req.Width, req.Height),
		ResponseFormat: openaigo.CreateImageResponseFormatB64JSON,
	}

	resp, err := p.client.CreateImage(ctx, imageReq)
	if err != nil {
		return nil, fmt.Errorf("openai图像api错误: %w", err)
	}

	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, errors.New("OpenAI未返回图像数据")
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("解码图像数据失败: %w", err)
	}

	return &llm.ImageResult{
		Data:         data,
		MimeType:     "image/png",
		ModelName:    model,
		ProviderName: p.GetName(),
	}, nil
}

// pickImageSize 把期望尺寸映射到接口支持的档位
func pickImageSize(model string, width, height int) string {
	if model == openaigo.CreateImageModelDallE2 {
		switch {
		case width > 0 && width <= 256:
			return openaigo.CreateImageSize256x256
		case width > 0 && width <= 512:
			return openaigo.CreateImageSize512x512
		default:
			return openaigo.CreateImageSize1024x1024
		}
	}

	// dall-e-3只支持三种尺寸，按宽高比选择
	switch {
	case width > height && height > 0:
		return openaigo.CreateImageSize1792x1024
	case height > width && width > 0:
		return openaigo.CreateImageSize1024x1792
	default:
		return openaigo.CreateImageSize1024x1024
	}
}
