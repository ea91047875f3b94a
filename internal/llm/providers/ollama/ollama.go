// internal/llm/providers/ollama/ollama.go
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/cinescript/cinescript/internal/llm"
)

func init() {
	llm.Register("ollama", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"llama3.1",
				"qwen2.5",
				"mistral",
			},
			baseURL: "http://localhost:11434",
		}
	})
}

// Provider 对接本地ollama服务，无需api密钥
type Provider struct {
	client            *api.Client
	baseURL           string
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

func (p *Provider) Initialize(config map[string]string) error {
	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}

	parsedURL, err := url.Parse(p.baseURL)
	if err != nil {
		return fmt.Errorf("ollama服务地址无效: %w", err)
	}

	p.client = api.NewClient(parsedURL, http.DefaultClient)

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "llama3.1"
	}

	return nil
}

func (p *Provider) GetName() string {
	return "Ollama"
}

func (p *Provider) GetSupportedModels() []string {
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

// FetchAvailableModels 查询本地已拉取的模型
func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	if p.client == nil {
		return errors.New("ollama客户端未初始化")
	}

	listResp, err := p.client.List(ctx)
	if err != nil {
		return fmt.Errorf("获取模型列表失败: %w", err)
	}

	p.availableModels = make([]string, 0, len(listResp.Models))
	for _, model := range listResp.Models {
		p.availableModels = append(p.availableModels, model.Name)
	}

	return nil
}

func (p *Provider) SetCustomModels(models []string) {
	if len(models) > 0 {
		p.availableModels = models
	}
}

func (p *Provider) buildChatRequest(req llm.CompletionRequest, stream bool) *api.ChatRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := []api.Message{}
	if req.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	options := map[string]interface{}{
		"temperature": float64(req.Temperature),
	}
	if req.TopP > 0 {
		options["top_p"] = float64(req.TopP)
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(req.StopWords) > 0 {
		options["stop"] = req.StopWords
	}

	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}

	// 结构化输出使用ollama原生的json格式约束
	if format, ok := req.ExtraParams["response_format"].(string); ok && format == "json_object" {
		chatReq.Format = json.RawMessage(`"json"`)
	}

	return chatReq
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	chatReq := p.buildChatRequest(req, false)

	var final api.ChatResponse
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		final = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama api错误: %w", err)
	}

	if final.Message.Content == "" {
		return nil, errors.New("Ollama未返回任何结果")
	}

	return &llm.CompletionResponse{
		Text:         final.Message.Content,
		FinishReason: final.DoneReason,
		TokensUsed:   final.PromptEvalCount + final.EvalCount,
		PromptTokens: final.PromptEvalCount,
		OutputTokens: final.EvalCount,
		ModelName:    chatReq.Model,
		ProviderName: p.GetName(),
	}, nil
}

// StreamCompletion 实现流式响应
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	chatReq := p.buildChatRequest(req, true)

	respChan := make(chan llm.StreamResponse)

	go func() {
		defer close(respChan)

		var contentBuffer []byte

		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				contentBuffer = append(contentBuffer, resp.Message.Content...)
				select {
				case respChan <- llm.StreamResponse{Text: resp.Message.Content, Done: false}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			if resp.Done {
				select {
				case respChan <- llm.StreamResponse{
					Text:         string(contentBuffer),
					FinishReason: resp.DoneReason,
					ModelName:    chatReq.Model,
					Done:         true,
				}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			return nil
		})
		if err != nil && len(contentBuffer) > 0 {
			// 中途失败时把已收到的内容作为最终结果发出
			select {
			case respChan <- llm.StreamResponse{
				Text:         string(contentBuffer),
				FinishReason: "error",
				ModelName:    chatReq.Model,
				Done:         true,
			}:
			case <-ctx.Done():
			}
		}
	}()

	return respChan, nil
}
