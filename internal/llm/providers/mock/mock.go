// internal/llm/providers/mock/mock.go
package mock

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/cinescript/cinescript/internal/llm"
)

func init() {
	llm.Register("mock", func() llm.Provider {
		return &Provider{}
	})
}

// Provider 返回固定内容，用于演示和离线调试
type Provider struct {
	// CompleteFunc 不为空时接管文本生成
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	// ImageFunc 不为空时接管图像生成
	ImageFunc func(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error)
}

func (p *Provider) Initialize(config map[string]string) error {
	return nil
}

func (p *Provider) GetName() string {
	return "Mock"
}

func (p *Provider) GetSupportedModels() []string {
	return []string{"mock-small", "mock-large"}
}

func (p *Provider) FetchAvailableModels(ctx context.Context) error {
	return nil
}

func (p *Provider) SetCustomModels(models []string) {}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.CompleteFunc != nil {
		return p.CompleteFunc(ctx, req)
	}

	// 默认返回一个五场景的固定剧本，保证JSON结构合法
	text := `{
  "title": "午夜放映厅",
  "genre": "悬疑",
  "scenes": [
    {"title": "散场", "description": "深夜的影院大厅空无一人，清洁工发现放映厅还亮着灯。", "dialogue": "清洁工：都散场半小时了，怎么还有人？", "image_prompt": "empty cinema lobby at midnight, dim neon lights"},
    {"title": "放映厅", "description": "银幕上循环播放着没有片名的黑白影像。", "dialogue": "清洁工：这不是今晚排片表上的片子。", "image_prompt": "old black and white film flickering on a big screen"},
    {"title": "胶片间", "description": "放映机旁的胶片盒上写着三十年前的日期。", "dialogue": "经理：这卷胶片早该销毁了。", "image_prompt": "dusty film reels in a projection room"},
    {"title": "旧档案", "description": "档案室里找到当年失踪放映员的值班记录。", "dialogue": "经理：他最后一次签到，就是这个日期。", "image_prompt": "yellowed logbook under a desk lamp in an archive room"},
    {"title": "第二场", "description": "第二天深夜，放映厅的灯又亮了起来。", "dialogue": "清洁工：今晚，我想把它看完。", "image_prompt": "lone figure sitting in an empty cinema, projector light beam"}
  ]
}`

	return &llm.CompletionResponse{
		Text:         text,
		FinishReason: "stop",
		TokensUsed:   len(req.Prompt)/4 + len(text)/4,
		PromptTokens: len(req.Prompt) / 4,
		OutputTokens: len(text) / 4,
		ModelName:    "mock-small",
		ProviderName: p.GetName(),
	}, nil
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	resp, err := p.CompleteText(ctx, req)
	if err != nil {
		return nil, err
	}

	respChan := make(chan llm.StreamResponse, 2)
	respChan <- llm.StreamResponse{Text: resp.Text, Done: false}
	respChan <- llm.StreamResponse{Text: resp.Text, FinishReason: "stop", ModelName: resp.ModelName, Done: true}
	close(respChan)
	return respChan, nil
}

// GenerateImage 生成一张单色PNG，颜色由提示词长度决定
func (p *Provider) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	if p.ImageFunc != nil {
		return p.ImageFunc(ctx, req)
	}

	width, height := req.Width, req.Height
	if width <= 0 {
		width = 64
	}
	if height <= 0 {
		height = 64
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	shade := uint8(40 + len(req.Prompt)%180)
	fill := color.RGBA{R: shade, G: 120, B: 200, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, fill)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("编码图像失败: %w", err)
	}

	return &llm.ImageResult{
		Data:         buf.Bytes(),
		MimeType:     "image/png",
		ModelName:    "mock-image",
		ProviderName: p.GetName(),
	}, nil
}
