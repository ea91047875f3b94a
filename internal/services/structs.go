// internal/services/structs.go
package services

// ScriptPayload 剧本生成的结构化输出
type ScriptPayload struct {
	Title  string         `json:"title"`
	Genre  string         `json:"genre"`
	Scenes []ScenePayload `json:"scenes"`
}

// ScenePayload 单个场景的结构化输出
type ScenePayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Dialogue    string `json:"dialogue"`
	ImagePrompt string `json:"image_prompt"`
}

// ProviderStatus 提供商运行状态，用于设置页和健康检查
type ProviderStatus struct {
	Provider  string   `json:"provider"`
	Ready     bool     `json:"ready"`
	State     string   `json:"state"`
	Model     string   `json:"model,omitempty"`
	Models    []string `json:"models,omitempty"`
	HasImages bool     `json:"has_images"`
}
