// internal/services/llm_service_test.go
package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cinescript/cinescript/internal/llm"
	"github.com/cinescript/cinescript/internal/llm/providers/mock"
)

func newMockLLMService(completeFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)) (*LLMService, *mock.Provider) {
	provider := &mock.Provider{CompleteFunc: completeFunc}

	service := createBaseLLMService()
	service.provider = provider
	service.providerName = "mock"
	service.isReady = true
	service.readyState = "Ready"
	return service, provider
}

func TestCompleteTextNotReady(t *testing.T) {
	service := createBaseLLMService()

	_, err := service.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	if !errors.Is(err, ErrLLMNotReady) {
		t.Fatalf("未就绪服务应返回ErrLLMNotReady，实际为: %v", err)
	}
}

func TestCompleteTextUsesCache(t *testing.T) {
	var calls int64
	service, _ := newMockLLMService(func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		atomic.AddInt64(&calls, 1)
		return &llm.CompletionResponse{Text: "回答", ModelName: req.Model}, nil
	})

	req := llm.CompletionRequest{Prompt: "同一个问题", SystemPrompt: "系统提示"}

	first, err := service.CompleteText(context.Background(), req)
	if err != nil {
		t.Fatalf("首次调用失败: %v", err)
	}
	second, err := service.CompleteText(context.Background(), req)
	if err != nil {
		t.Fatalf("二次调用失败: %v", err)
	}

	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("相同请求应命中缓存，提供商被调用%d次", calls)
	}
	if first.Text != second.Text {
		t.Error("缓存结果应与原始结果一致")
	}

	stats := service.CacheStats()
	if stats["hits"] < 1 {
		t.Errorf("缓存统计应记录命中: %+v", stats)
	}
}

func TestCompleteTextErrorNotCached(t *testing.T) {
	var calls int64
	service, provider := newMockLLMService(func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("上游错误")
	})

	req := llm.CompletionRequest{Prompt: "会失败的问题"}
	if _, err := service.CompleteText(context.Background(), req); err == nil {
		t.Fatal("应返回上游错误")
	}

	// 恢复后同一请求要重新调用提供商
	provider.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		atomic.AddInt64(&calls, 1)
		return &llm.CompletionResponse{Text: "恢复了"}, nil
	}
	resp, err := service.CompleteText(context.Background(), req)
	if err != nil {
		t.Fatalf("恢复后调用失败: %v", err)
	}
	if resp.Text != "恢复了" {
		t.Errorf("响应不符: %q", resp.Text)
	}
	if atomic.LoadInt64(&calls) != 2 {
		t.Errorf("失败结果不应进缓存，调用次数为%d", calls)
	}
}

func TestCreateStructuredCompletionParsesAndCaches(t *testing.T) {
	var calls int64
	service, _ := newMockLLMService(func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		atomic.AddInt64(&calls, 1)
		return &llm.CompletionResponse{
			Text:       `{"title":"结构化输出","genre":"测试","scenes":[{"title":"t","description":"d","dialogue":"l","image_prompt":"p"}]}`,
			TokensUsed: 77,
		}, nil
	})

	payload := &ScriptPayload{}
	resp, err := service.CreateStructuredCompletion(context.Background(), "提示词", "系统提示", payload)
	if err != nil {
		t.Fatalf("结构化请求失败: %v", err)
	}
	if resp == nil || resp.TokensUsed != 77 {
		t.Errorf("首次调用应返回真实响应: %+v", resp)
	}
	if payload.Title != "结构化输出" || len(payload.Scenes) != 1 {
		t.Errorf("解析结果不符: %+v", payload)
	}

	// 缓存命中时响应为nil，但结构体仍被填充
	cachedPayload := &ScriptPayload{}
	resp, err = service.CreateStructuredCompletion(context.Background(), "提示词", "系统提示", cachedPayload)
	if err != nil {
		t.Fatalf("缓存请求失败: %v", err)
	}
	if resp != nil {
		t.Error("缓存命中时响应应为nil")
	}
	if cachedPayload.Title != "结构化输出" {
		t.Errorf("缓存应填充结构体: %+v", cachedPayload)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("提供商应只被调用一次，实际为%d", calls)
	}
}

func TestCreateStructuredCompletionBadJSON(t *testing.T) {
	service, _ := newMockLLMService(func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Text: "这不是JSON"}, nil
	})

	payload := &ScriptPayload{}
	_, err := service.CreateStructuredCompletion(context.Background(), "提示词", "", payload)
	if err == nil {
		t.Fatal("无法解析的回答应报错")
	}
}

func TestUpdateProviderClearsCache(t *testing.T) {
	service, _ := newMockLLMService(nil)

	req := llm.CompletionRequest{Prompt: "问题"}
	if _, err := service.CompleteText(context.Background(), req); err != nil {
		t.Fatalf("首次调用失败: %v", err)
	}
	if stats := service.CacheStats(); stats["entries"] == 0 {
		t.Fatal("调用后缓存应有条目")
	}

	if err := service.UpdateProvider("mock", nil); err != nil {
		t.Fatalf("切换提供商失败: %v", err)
	}
	if stats := service.CacheStats(); stats["entries"] != 0 {
		t.Errorf("切换提供商后缓存应清空: %+v", stats)
	}
}

func TestResolveModelPrecedence(t *testing.T) {
	// 请求指定的模型优先级最高
	service, _ := newMockLLMService(nil)
	if got := service.resolveModel("  custom-model  "); got != "custom-model" {
		t.Errorf("应使用请求指定的模型，实际为%q", got)
	}

	// 其次是配置里的默认模型
	service.activeDefaultModel = "configured-model"
	if got := service.resolveModel(""); got != "configured-model" {
		t.Errorf("应使用配置的默认模型，实际为%q", got)
	}

	// 再次是提供商支持列表的第一个
	service.activeDefaultModel = ""
	if got := service.resolveModel(""); got != "mock-small" {
		t.Errorf("应回退到提供商的首个模型，实际为%q", got)
	}
}

func TestCleanJSONString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			"纯JSON原样返回",
			`{"a":1}`,
			`{"a":1}`,
		},
		{
			"去掉Markdown围栏",
			"```json\n{\"a\":1}\n```",
			`{"a":1}`,
		},
		{
			"去掉前置说明文字",
			"好的，这是结果：\n{\"a\":1}",
			`{"a":1}`,
		},
		{
			"去掉尾部多余文字",
			`{"a":1} 以上就是全部内容`,
			`{"a":1}`,
		},
		{
			"数组同样处理",
			"```\n[1,2,3]\n```",
			`[1,2,3]`,
		},
		{
			"嵌套对象按括号配对截取",
			`{"a":{"b":2}} trailing`,
			`{"a":{"b":2}}`,
		},
		{
			"字符串里的括号不参与配对",
			`{"a":"}"} extra`,
			`{"a":"}"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanJSONString(tt.input); got != tt.want {
				t.Errorf("cleanJSONString(%q) = %q，期望%q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCleanJSONStringFullWidthPunctuation(t *testing.T) {
	// 全角冒号、逗号和弯引号被归一化成可解析的JSON
	input := `{“title”：“测试”，“genre”：“剧情”}`
	want := `{"title":"测试","genre":"剧情"}`
	if got := cleanJSONString(input); got != want {
		t.Errorf("全角符号归一化结果不符: got %q want %q", got, want)
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("短文本", 10); got != "短文本" {
		t.Errorf("不超限的文本应原样返回: %q", got)
	}
	long := strings.Repeat("字", 300)
	got := truncateText(long, 200)
	if len([]rune(got)) != 203 {
		t.Errorf("截断后长度应为200+省略号，实际rune数为%d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("截断文本应以省略号结尾")
	}
}
