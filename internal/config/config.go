// internal/config/config.go
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cinescript/cinescript/internal/utils"
	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
	configSecret  string
)

// 加密存储的API密钥前缀
const encryptedKeyPrefix = "aesgcm:"

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port         string `json:"port"`
	DataDir      string `json:"data_dir"`
	StaticDir    string `json:"static_dir"`
	TemplatesDir string `json:"templates_dir"`
	LogDir       string `json:"log_dir"`
	DebugMode    bool   `json:"debug_mode"`

	// 文本生成相关配置
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`

	// 图像生成相关配置
	ImageProvider string            `json:"image_provider"`
	ImageConfig   map[string]string `json:"image_config"`
}

// Config 存储应用基础配置
type Config struct {
	Port         string
	DataDir      string
	StaticDir    string
	TemplatesDir string
	LogDir       string
	DebugMode    bool
	LLMProvider  string
	LLMAPIKey    string
	LLMModel     string
	LLMBaseURL   string
	ImageModel   string
}

// 无需API密钥即可使用的提供商
var keylessProviders = map[string]bool{
	"ollama": true,
	"mock":   true,
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	provider := strings.ToLower(getEnv("LLM_PROVIDER", "google"))

	// 创建配置
	config := &Config{
		Port:         getEnv("PORT", "8080"),
		DataDir:      getEnvPath("DATA_DIR", "data"),
		StaticDir:    getEnvPath("STATIC_DIR", "static"),
		TemplatesDir: getEnvPath("TEMPLATES_DIR", "web/templates"),
		LogDir:       getEnvPath("LOG_DIR", "logs"),
		DebugMode:    getEnvBool("DEBUG_MODE", true),
		LLMProvider:  provider,
		LLMAPIKey:    resolveAPIKey(provider),
		LLMModel:     getEnv("LLM_MODEL", ""),
		LLMBaseURL:   getEnv("LLM_BASE_URL", ""),
		ImageModel:   getEnv("IMAGE_MODEL", ""),
	}

	// 验证API密钥
	if config.LLMAPIKey == "" && !keylessProviders[provider] {
		// 只记录警告，致命检查由 RequireCredential 在启动阶段执行
		log.Printf("警告: 未设置 %s 的API密钥，生成功能不可用", provider)
	}

	return config, nil
}

// RequiresAPIKey 判断提供商是否必须配置API密钥
func RequiresAPIKey(provider string) bool {
	return !keylessProviders[provider]
}

// RequireCredential 校验生成服务的凭据是否就绪
// 缺少凭据属于启动期致命配置错误，由调用方终止进程
func RequireCredential(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("配置未加载")
	}
	if keylessProviders[cfg.LLMProvider] {
		return nil
	}
	if cfg.LLMAPIKey == "" {
		return fmt.Errorf("未设置提供商 %s 的API密钥 (LLM_API_KEY 或 %s)",
			cfg.LLMProvider, providerKeyEnv(cfg.LLMProvider))
	}
	return nil
}

// resolveAPIKey 解析指定提供商的API密钥
// 优先使用通用的 LLM_API_KEY，然后回退到提供商专属变量
func resolveAPIKey(provider string) string {
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		return key
	}
	return os.Getenv(providerKeyEnv(provider))
}

// providerKeyEnv 返回提供商专属的密钥环境变量名
func providerKeyEnv(provider string) string {
	switch provider {
	case "google":
		return "GOOGLE_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	default:
		return strings.ToUpper(provider) + "_API_KEY"
	}
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0755)
		if err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	// 加载基础配置
	baseConfig, err := Load()
	if err != nil {
		return err
	}

	// 加载或生成用于密钥落盘加密的机器秘密
	if err := loadConfigSecret(dataDir); err != nil {
		return err
	}

	// 创建初始配置
	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = &AppConfig{
		Port:          baseConfig.Port,
		DataDir:       baseConfig.DataDir,
		StaticDir:     baseConfig.StaticDir,
		TemplatesDir:  baseConfig.TemplatesDir,
		LogDir:        baseConfig.LogDir,
		DebugMode:     baseConfig.DebugMode,
		LLMProvider:   baseConfig.LLMProvider,
		LLMConfig:     defaultLLMConfig(baseConfig),
		ImageProvider: defaultImageProvider(baseConfig.LLMProvider),
		ImageConfig:   defaultImageConfig(baseConfig),
	}

	// 尝试从文件加载已保存的配置
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		data, err := os.ReadFile(configFile)
		if err == nil {
			var savedConfig AppConfig
			if json.Unmarshal(data, &savedConfig) == nil {
				// 合并配置，保留文件中的提供商设置，但使用最新的基础配置
				savedConfig.Port = baseConfig.Port
				savedConfig.DataDir = baseConfig.DataDir
				savedConfig.StaticDir = baseConfig.StaticDir
				savedConfig.TemplatesDir = baseConfig.TemplatesDir
				savedConfig.LogDir = baseConfig.LogDir
				savedConfig.DebugMode = baseConfig.DebugMode

				decryptStoredKeys(&savedConfig)

				// 如果文件中没有API密钥，使用环境变量的密钥
				if savedConfig.LLMConfig != nil && savedConfig.LLMConfig["api_key"] == "" {
					savedConfig.LLMConfig["api_key"] = baseConfig.LLMAPIKey
				}
				if savedConfig.ImageConfig != nil && savedConfig.ImageConfig["api_key"] == "" {
					savedConfig.ImageConfig["api_key"] = baseConfig.LLMAPIKey
				}
				if savedConfig.ImageProvider == "" {
					savedConfig.ImageProvider = defaultImageProvider(savedConfig.LLMProvider)
					savedConfig.ImageConfig = defaultImageConfig(baseConfig)
				}

				currentConfig = &savedConfig
			}
		}
	}

	// 保存初始配置到文件（已持有configMutex）
	return saveConfigLocked()
}

// defaultLLMConfig 根据基础配置构造默认的文本生成配置
func defaultLLMConfig(base *Config) map[string]string {
	cfg := map[string]string{
		"api_key":       base.LLMAPIKey,
		"default_model": base.LLMModel,
	}
	if base.LLMBaseURL != "" {
		cfg["base_url"] = base.LLMBaseURL
	}
	return cfg
}

// defaultImageProvider 选择图像生成提供商
// 只有部分提供商支持图像输出，其余回退到google
func defaultImageProvider(llmProvider string) string {
	if p := os.Getenv("IMAGE_PROVIDER"); p != "" {
		return strings.ToLower(p)
	}
	switch llmProvider {
	case "google", "openai":
		return llmProvider
	default:
		return "google"
	}
}

// defaultImageConfig 构造默认的图像生成配置
func defaultImageConfig(base *Config) map[string]string {
	return map[string]string{
		"api_key":       base.LLMAPIKey,
		"default_model": base.ImageModel,
	}
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回一个基本配置
		baseConfig, _ := Load()
		return &AppConfig{
			Port:          baseConfig.Port,
			DataDir:       baseConfig.DataDir,
			StaticDir:     baseConfig.StaticDir,
			TemplatesDir:  baseConfig.TemplatesDir,
			LogDir:        baseConfig.LogDir,
			DebugMode:     baseConfig.DebugMode,
			LLMProvider:   baseConfig.LLMProvider,
			LLMConfig:     defaultLLMConfig(baseConfig),
			ImageProvider: defaultImageProvider(baseConfig.LLMProvider),
			ImageConfig:   defaultImageConfig(baseConfig),
		}
	}

	// 返回配置的副本
	configCopy := *currentConfig
	configCopy.LLMConfig = copyStringMap(currentConfig.LLMConfig)
	configCopy.ImageConfig = copyStringMap(currentConfig.ImageConfig)
	return &configCopy
}

func copyStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// UpdateLLMConfig 更新文本生成配置
func UpdateLLMConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = config

	return saveConfigLocked()
}

// UpdateImageConfig 更新图像生成配置
func UpdateImageConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.ImageProvider = provider
	currentConfig.ImageConfig = config

	return saveConfigLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.Lock()
	defer configMutex.Unlock()
	return saveConfigLocked()
}

// saveConfigLocked 保存配置，调用方必须持有configMutex
func saveConfigLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	// 确保目录存在
	dir := filepath.Dir(configFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	// 落盘前加密API密钥
	stored := *currentConfig
	stored.LLMConfig = encryptKeyForStorage(currentConfig.LLMConfig)
	stored.ImageConfig = encryptKeyForStorage(currentConfig.ImageConfig)

	// 序列化并保存
	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0644)
}

// loadConfigSecret 加载用于密钥落盘加密的机器秘密
// 优先使用环境变量，否则在数据目录生成并保存
func loadConfigSecret(dataDir string) error {
	if secret := os.Getenv("CONFIG_SECRET"); secret != "" {
		configSecret = secret
		return nil
	}

	secretFile := filepath.Join(dataDir, ".secret")
	if data, err := os.ReadFile(secretFile); err == nil && len(data) > 0 {
		configSecret = strings.TrimSpace(string(data))
		return nil
	}

	raw, err := utils.GenerateSecureKey(32)
	if err != nil {
		return fmt.Errorf("生成配置秘密失败: %w", err)
	}
	configSecret = hex.EncodeToString(raw)

	if err := os.WriteFile(secretFile, []byte(configSecret), 0600); err != nil {
		return fmt.Errorf("保存配置秘密失败: %w", err)
	}
	return nil
}

// encryptKeyForStorage 返回api_key被加密后的配置副本
func encryptKeyForStorage(cfg map[string]string) map[string]string {
	if cfg == nil {
		return nil
	}
	out := copyStringMap(cfg)
	key := out["api_key"]
	if key == "" || strings.HasPrefix(key, encryptedKeyPrefix) || configSecret == "" {
		return out
	}
	enc, err := utils.Encrypt(key, configSecret)
	if err != nil {
		// 加密失败时保留明文，不阻断保存
		log.Printf("警告: 加密API密钥失败: %v", err)
		return out
	}
	out["api_key"] = encryptedKeyPrefix + enc
	return out
}

// decryptStoredKeys 解密从文件加载的API密钥
func decryptStoredKeys(cfg *AppConfig) {
	for _, m := range []map[string]string{cfg.LLMConfig, cfg.ImageConfig} {
		if m == nil {
			continue
		}
		key := m["api_key"]
		if !strings.HasPrefix(key, encryptedKeyPrefix) {
			continue
		}
		plain, err := utils.Decrypt(strings.TrimPrefix(key, encryptedKeyPrefix), configSecret)
		if err != nil {
			log.Printf("警告: 解密API密钥失败，忽略已保存的密钥: %v", err)
			m["api_key"] = ""
			continue
		}
		m["api_key"] = plain
	}
}
