// internal/services/config_service_test.go
package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cinescript/cinescript/internal/config"
)

// initTestConfig 把全局配置指向一个临时目录
func initTestConfig(t *testing.T) string {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "config_service_test_*")
	if err != nil {
		t.Fatalf("创建临时目录失败: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	if err := config.InitConfig(tempDir); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}
	return tempDir
}

func newConfigFixture(t *testing.T) (*ConfigService, string) {
	t.Helper()
	tempDir := initTestConfig(t)
	service := NewConfigService()
	t.Cleanup(service.Close)
	return service, tempDir
}

// recordingSubscriber 把配置变更转发到channel供测试断言
type recordingSubscriber struct {
	changes chan *config.AppConfig
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{changes: make(chan *config.AppConfig, 4)}
}

func (r *recordingSubscriber) OnConfigChanged(oldConfig, newConfig *config.AppConfig) {
	r.changes <- newConfig
}

func TestUpdateLLMConfigPersists(t *testing.T) {
	service, tempDir := newConfigFixture(t)

	err := service.UpdateLLMConfig("mock", map[string]string{"default_model": "mock-large"}, "test")
	if err != nil {
		t.Fatalf("更新LLM配置失败: %v", err)
	}

	cfg := service.GetCurrentConfig()
	if cfg.LLMProvider != "mock" {
		t.Errorf("提供者应为mock，实际为%s", cfg.LLMProvider)
	}
	if cfg.LLMConfig["default_model"] != "mock-large" {
		t.Errorf("默认模型不符: %s", cfg.LLMConfig["default_model"])
	}

	if _, err := os.Stat(filepath.Join(tempDir, "config.json")); os.IsNotExist(err) {
		t.Error("更新后配置文件应已落盘")
	}
}

func TestUpdateLLMConfigFillsDefaultModel(t *testing.T) {
	service, _ := newConfigFixture(t)

	// 不指定default_model时按提供者补默认值
	if err := service.UpdateLLMConfig("mock", map[string]string{}, "test"); err != nil {
		t.Fatalf("更新LLM配置失败: %v", err)
	}

	cfg := service.GetCurrentConfig()
	if cfg.LLMConfig["default_model"] != "mock-small" {
		t.Errorf("应补全提供者默认模型，实际为%q", cfg.LLMConfig["default_model"])
	}
}

func TestUpdateLLMConfigValidation(t *testing.T) {
	service, _ := newConfigFixture(t)

	if err := service.UpdateLLMConfig("", nil, "test"); err == nil {
		t.Error("空提供者名称应报错")
	}
}

func TestUpdateImageConfig(t *testing.T) {
	service, _ := newConfigFixture(t)

	if err := service.UpdateImageConfig("mock", map[string]string{"default_model": "mock-image"}, "test"); err != nil {
		t.Fatalf("更新图像配置失败: %v", err)
	}

	cfg := service.GetCurrentConfig()
	if cfg.ImageProvider != "mock" {
		t.Errorf("图像提供者应为mock，实际为%s", cfg.ImageProvider)
	}
}

func TestConfigChangeNotifiesSubscribers(t *testing.T) {
	service, _ := newConfigFixture(t)

	subscriber := newRecordingSubscriber()
	service.SubscribeToChanges(subscriber)

	if err := service.UpdateLLMConfig("mock", map[string]string{}, "test"); err != nil {
		t.Fatalf("更新LLM配置失败: %v", err)
	}

	select {
	case newConfig := <-subscriber.changes:
		if newConfig.LLMProvider != "mock" {
			t.Errorf("订阅者收到的新配置提供者应为mock，实际为%s", newConfig.LLMProvider)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待配置变更通知超时")
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	service, _ := newConfigFixture(t)

	subscriber := newRecordingSubscriber()
	service.SubscribeToChanges(subscriber)
	service.UnsubscribeFromChanges(subscriber)

	if err := service.UpdateLLMConfig("mock", map[string]string{}, "test"); err != nil {
		t.Fatalf("更新LLM配置失败: %v", err)
	}

	select {
	case <-subscriber.changes:
		t.Error("取消订阅后不应再收到通知")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChangeHistoryRecordsUpdates(t *testing.T) {
	service, _ := newConfigFixture(t)

	if err := service.UpdateLLMConfig("mock", map[string]string{}, "网页设置"); err != nil {
		t.Fatalf("更新LLM配置失败: %v", err)
	}

	history := service.GetChangeHistory(10)
	if len(history) == 0 {
		t.Fatal("变更历史不应为空")
	}

	found := false
	for _, record := range history {
		if record.Section == "LLM提供者" && record.ChangedBy == "网页设置" {
			found = true
		}
	}
	if !found {
		t.Errorf("变更历史中应有提供者变更记录: %+v", history)
	}
}

func TestValidateAPIKey(t *testing.T) {
	service, _ := newConfigFixture(t)

	tests := []struct {
		name     string
		provider string
		apiKey   string
		wantOK   bool
	}{
		{"本地提供者无需密钥", "ollama", "", true},
		{"mock无需密钥", "mock", "", true},
		{"云端提供者缺密钥", "openai", "", false},
		{"云端提供者缺密钥纯空白", "openai", "   ", false},
		{"云端提供者有密钥", "openai", "sk-test", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, message := service.ValidateAPIKey(tt.provider, tt.apiKey)
			if ok != tt.wantOK {
				t.Errorf("校验结果应为%v，实际为%v (%s)", tt.wantOK, ok, message)
			}
			if !ok && message == "" {
				t.Error("校验失败时应返回提示信息")
			}
		})
	}
}

func TestAuditLogOnlyWhenEnabled(t *testing.T) {
	service, _ := newConfigFixture(t)

	service.GetCurrentConfig()
	if entries := service.GetAuditLog(10); entries != nil {
		t.Error("未启用审计时不应返回审计记录")
	}

	service.EnableAudit(true)
	service.GetCurrentConfig()
	if err := service.UpdateLLMConfig("mock", map[string]string{}, "审计测试"); err != nil {
		t.Fatalf("更新LLM配置失败: %v", err)
	}

	entries := service.GetAuditLog(10)
	if len(entries) == 0 {
		t.Fatal("启用审计后应有记录")
	}

	hasWrite := false
	for _, entry := range entries {
		if entry.Action == "write" && entry.User == "审计测试" {
			hasWrite = true
		}
	}
	if !hasWrite {
		t.Errorf("审计记录中应有写操作: %+v", entries)
	}
}

func TestConfigPersistsAcrossReload(t *testing.T) {
	service, tempDir := newConfigFixture(t)

	if err := service.UpdateLLMConfig("mock", map[string]string{"default_model": "mock-large"}, "test"); err != nil {
		t.Fatalf("更新LLM配置失败: %v", err)
	}

	// 重新初始化配置系统，模拟进程重启
	if err := config.InitConfig(tempDir); err != nil {
		t.Fatalf("重新初始化配置失败: %v", err)
	}

	cfg := config.GetCurrentConfig()
	if cfg.LLMProvider != "mock" {
		t.Errorf("重启后提供者设置应保留，实际为%s", cfg.LLMProvider)
	}
	if cfg.LLMConfig["default_model"] != "mock-large" {
		t.Errorf("重启后模型设置应保留，实际为%q", cfg.LLMConfig["default_model"])
	}
}
