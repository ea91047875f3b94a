// internal/api/response_helpers.go
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/cinescript/cinescript/internal/errors"
	"github.com/cinescript/cinescript/internal/models"
	"github.com/gin-gonic/gin"
)

// ResponseHelper 统一API响应格式
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(http.StatusOK, response)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}
	if len(message) > 0 {
		response.Message = message[0]
	} else {
		response.Message = "资源创建成功"
	}
	c.JSON(http.StatusCreated, response)
}

// sanitizeErrorMessage 防止密钥之类的敏感内容回显给客户端
func sanitizeErrorMessage(message string) string {
	lowered := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "secret", "token", "bearer "} {
		if strings.Contains(lowered, pattern) {
			return "服务器内部错误"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}
	if len(details) > 0 {
		apiError.Details = sanitizeErrorMessage(details[0])
	}

	c.JSON(statusCode, &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusNotFound, ErrorNotFound, message, details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusConflict, ErrorConflict, message, details...)
}

// ServiceUnavailable 503错误响应
func (rh *ResponseHelper) ServiceUnavailable(c *gin.Context, errorCode, message string, details ...string) {
	rh.Error(c, http.StatusServiceUnavailable, errorCode, message, details...)
}

// AppError 把业务错误映射为对应的HTTP状态码和错误代码
func (rh *ResponseHelper) AppError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		rh.InternalError(c, "服务器内部错误", err.Error())
		return
	}

	switch appErr.Type {
	case apperrors.ErrorTypeValidation:
		rh.Error(c, http.StatusBadRequest, ErrorValidationFailed, appErr.Message)
	case apperrors.ErrorTypeNotFound:
		rh.Error(c, http.StatusNotFound, ErrorNotFound, appErr.Message)
	case apperrors.ErrorTypeConflict:
		rh.Error(c, http.StatusConflict, ErrorConflict, appErr.Message)
	case apperrors.ErrorTypeGeneration:
		rh.Error(c, http.StatusBadGateway, ErrorGenerationFailed, appErr.Message)
	case apperrors.ErrorTypeImageGeneration:
		rh.Error(c, http.StatusBadGateway, ErrorImageGenerationFailed, appErr.Message)
	case apperrors.ErrorTypeConfiguration:
		rh.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable, appErr.Message)
	default:
		rh.Error(c, http.StatusInternalServerError, ErrorInternalError, appErr.Message)
	}
}

// FileResponse 文件下载响应
func (rh *ResponseHelper) FileResponse(c *gin.Context, content string, filename string, contentType string) {
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Length", fmt.Sprintf("%d", len(content)))
	c.String(http.StatusOK, content)
}

// ExportResponse 按导出格式决定返回JSON还是触发下载
func (rh *ResponseHelper) ExportResponse(c *gin.Context, result *models.ExportResult, download bool) {
	if !download {
		rh.Success(c, result, "导出成功")
		return
	}

	filename := exportFilename(result.Title, result.Format)
	switch result.Format {
	case "json":
		rh.FileResponse(c, result.Content, filename, "application/json; charset=utf-8")
	case "markdown":
		rh.FileResponse(c, result.Content, filename, "text/markdown; charset=utf-8")
	default:
		rh.FileResponse(c, result.Content, filename, "text/plain; charset=utf-8")
	}
}

// exportFilename 用剧本标题和格式拼出下载文件名
func exportFilename(title, format string) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r >= 0x4E00 && r <= 0x9FFF:
			return r
		case r == '-' || r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, title)
	if base == "" {
		base = "script"
	}

	ext := map[string]string{
		"json":     "json",
		"markdown": "md",
		"text":     "txt",
		"fountain": "fountain",
	}[format]
	if ext == "" {
		ext = "txt"
	}
	return base + "." + ext
}

// getRequestID 获取中间件写入的请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	return c.GetString("request_id")
}
