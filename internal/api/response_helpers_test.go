// internal/api/response_helpers_test.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	apperrors "github.com/cinescript/cinescript/internal/errors"
)

func TestSanitizeErrorMessage(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    string
	}{
		{"普通消息原样返回", "场景不存在", "场景不存在"},
		{"包含api_key时替换", "invalid api_key: sk-12345", "服务器内部错误"},
		{"包含apikey时替换", "missing APIKEY header", "服务器内部错误"},
		{"包含secret时替换", "config secret leaked", "服务器内部错误"},
		{"包含bearer时替换", "Bearer abc.def.ghi rejected", "服务器内部错误"},
		{"空消息", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sanitizeErrorMessage(tc.message); got != tc.want {
				t.Errorf("sanitizeErrorMessage(%q) = %q, 期望 %q", tc.message, got, tc.want)
			}
		})
	}
}

func TestExportFilename(t *testing.T) {
	cases := []struct {
		title  string
		format string
		want   string
	}{
		{"午夜放映厅", "markdown", "午夜放映厅.md"},
		{"My Script 2", "json", "My_Script_2.json"},
		{"带!标点?的*标题", "text", "带标点的标题.txt"},
		{"opening", "fountain", "opening.fountain"},
		{"???", "text", "script.txt"},
		{"mixed中英Title", "unknown", "mixed中英Title.txt"},
	}

	for _, tc := range cases {
		if got := exportFilename(tc.title, tc.format); got != tc.want {
			t.Errorf("exportFilename(%q, %q) = %q, 期望 %q", tc.title, tc.format, got, tc.want)
		}
	}
}

func TestAppErrorMapsTypesToStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"校验错误", apperrors.NewValidationError("输入无效", nil), http.StatusBadRequest, ErrorValidationFailed},
		{"资源不存在", apperrors.NewNotFoundError("场景不存在", nil), http.StatusNotFound, ErrorNotFound},
		{"状态冲突", apperrors.NewConflictError("场景未处于编辑态", nil), http.StatusConflict, ErrorConflict},
		{"生成失败", apperrors.NewGenerationError("上游生成失败", nil), http.StatusBadGateway, ErrorGenerationFailed},
		{"图像生成失败", apperrors.NewImageGenerationError("图像生成失败", nil), http.StatusBadGateway, ErrorImageGenerationFailed},
		{"配置错误", apperrors.NewConfigurationError("服务未配置", nil), http.StatusServiceUnavailable, ErrorLLMServiceUnavailable},
		{"未知错误", errors.New("磁盘写入失败"), http.StatusInternalServerError, ErrorInternalError},
	}

	helper := NewResponseHelper()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)

			helper.AppError(ctx, tc.err)

			if recorder.Code != tc.wantStatus {
				t.Fatalf("状态码应为 %d，实际为 %d", tc.wantStatus, recorder.Code)
			}

			var response APIResponse
			if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
				t.Fatalf("解析错误响应失败: %v", err)
			}
			if response.Success {
				t.Error("错误响应的success应为false")
			}
			if response.Error == nil || response.Error.Code != tc.wantCode {
				t.Errorf("错误代码应为 %s，实际为 %+v", tc.wantCode, response.Error)
			}
		})
	}
}

func TestErrorResponseSanitizesSensitiveDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)

	NewResponseHelper().InternalError(ctx, "处理失败", "request rejected: api_key=sk-secret-value")

	var response APIResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if response.Error == nil {
		t.Fatal("响应应携带error字段")
	}
	if response.Error.Message != "处理失败" {
		t.Errorf("外层消息不应被改写，实际为 %q", response.Error.Message)
	}
	if response.Error.Details != "服务器内部错误" {
		t.Errorf("包含密钥的详情应被屏蔽，实际为 %q", response.Error.Details)
	}
}

func TestSuccessResponseShape(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Set("request_id", "req-42")

	NewResponseHelper().Success(ctx, map[string]string{"hello": "world"}, "操作成功")

	if recorder.Code != http.StatusOK {
		t.Fatalf("状态码应为200，实际为 %d", recorder.Code)
	}

	var response struct {
		Success   bool              `json:"success"`
		Data      map[string]string `json:"data"`
		Message   string            `json:"message"`
		RequestID string            `json:"request_id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if !response.Success {
		t.Error("success应为true")
	}
	if response.Data["hello"] != "world" {
		t.Errorf("data未正确带出: %v", response.Data)
	}
	if response.Message != "操作成功" {
		t.Errorf("message不符: %q", response.Message)
	}
	if response.RequestID != "req-42" {
		t.Errorf("request_id应取自上下文，实际为 %q", response.RequestID)
	}
}
