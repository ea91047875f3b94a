// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest       = "BAD_REQUEST"
	ErrorValidationFailed = "VALIDATION_FAILED"
	ErrorNotFound         = "NOT_FOUND"
	ErrorInternalError    = "INTERNAL_ERROR"
	ErrorConflict         = "CONFLICT"
	ErrorRateLimited      = "RATE_LIMIT_EXCEEDED"

	// 剧本生成相关错误
	ErrorGenerationFailed = "GENERATION_FAILED"
	ErrorIdeaEmpty        = "IDEA_EMPTY"

	// 场景相关错误
	ErrorSceneNotFound    = "SCENE_NOT_FOUND"
	ErrorSceneNotEditing  = "SCENE_NOT_EDITING"
	ErrorReorderDirection = "REORDER_DIRECTION_INVALID"

	// 图像生成相关错误
	ErrorImageGenerationFailed = "IMAGE_GENERATION_FAILED"
	ErrorImageNotReady         = "IMAGE_NOT_READY"
	ErrorImagePending          = "IMAGE_PENDING"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"
	ErrorConnectionFailed      = "CONNECTION_FAILED"
	ErrorProviderUnknown       = "PROVIDER_UNKNOWN"

	// 导出相关错误
	ErrorExportFailed        = "EXPORT_FAILED"
	ErrorExportFormatInvalid = "EXPORT_FORMAT_INVALID"
	ErrorExportDataEmpty     = "EXPORT_DATA_EMPTY"

	// 配置健康相关
	ErrorConfigUnhealthy = "CONFIG_UNHEALTHY"
	ErrorAPIKeyMissing   = "API_KEY_MISSING"
)
