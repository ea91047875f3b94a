// internal/services/workspace_service_test.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/cinescript/cinescript/internal/errors"
	"github.com/cinescript/cinescript/internal/llm"
	"github.com/cinescript/cinescript/internal/llm/providers/mock"
	"github.com/cinescript/cinescript/internal/models"
	"github.com/cinescript/cinescript/internal/placeholder"
)

// workspaceFixture 组装一个由mock提供商驱动的工作区
// 文本和图像两个提供商都可以在测试中途替换行为
type workspaceFixture struct {
	workspace *WorkspaceService
	textMock  *mock.Provider
	imageMock *mock.Provider

	mu           sync.Mutex
	imagePrompts []string
	onImage      func(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error)
}

func newWorkspaceFixture() *workspaceFixture {
	f := &workspaceFixture{
		textMock:  &mock.Provider{},
		imageMock: &mock.Provider{},
	}

	// 所有图像请求先记录提示词，再交给当前测试设定的行为
	f.imageMock.ImageFunc = func(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
		f.mu.Lock()
		f.imagePrompts = append(f.imagePrompts, req.Prompt)
		fn := f.onImage
		f.mu.Unlock()

		if fn != nil {
			return fn(ctx, req)
		}
		return &llm.ImageResult{
			Data:     []byte("img:" + req.Prompt),
			MimeType: "image/png",
		}, nil
	}

	llmService := createBaseLLMService()
	llmService.provider = f.textMock
	llmService.providerName = "mock"
	llmService.isReady = true
	llmService.readyState = "Ready"

	imageService := &ImageService{}
	imageService.provider = f.imageMock
	imageService.providerName = "mock"
	imageService.isReady = true
	imageService.readyState = "Ready"

	scriptService := NewScriptService(llmService)
	f.workspace = NewWorkspaceService(scriptService, imageService, nil, nil)
	return f
}

func (f *workspaceFixture) setImageFunc(fn func(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onImage = fn
}

func (f *workspaceFixture) imageCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.imagePrompts)
}

func (f *workspaceFixture) recordedPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.imagePrompts))
	copy(out, f.imagePrompts)
	return out
}

// completeWith 让文本提供商固定返回指定内容
func (f *workspaceFixture) completeWith(text string) {
	f.textMock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Text:       text,
			ModelName:  "mock-small",
			TokensUsed: 42,
		}, nil
	}
}

func (f *workspaceFixture) generate(t *testing.T, idea string) *models.WorkspaceView {
	t.Helper()
	view, err := f.workspace.Generate(context.Background(), idea)
	if err != nil {
		t.Fatalf("生成剧本失败: %v", err)
	}
	return view
}

// scriptJSONWithPrompts 构造指定图像提示词序列的剧本JSON
func scriptJSONWithPrompts(title string, prompts ...string) string {
	scenes := make([]string, 0, len(prompts))
	for i, prompt := range prompts {
		scenes = append(scenes, fmt.Sprintf(
			`{"title":"场景%d","description":"第%d个场景的情节描述。","dialogue":"角色：第%d句台词。","image_prompt":"%s"}`,
			i+1, i+1, i+1, prompt))
	}
	return fmt.Sprintf(`{"title":"%s","genre":"剧情","scenes":[%s]}`, title, strings.Join(scenes, ","))
}

// eventRecorder 收集工作区推送的事件
type eventRecorder struct {
	mu     sync.Mutex
	events []WorkspaceEvent
}

func (r *eventRecorder) sink(event WorkspaceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, event := range r.events {
		if event.Type == eventType {
			total++
		}
	}
	return total
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

// waitFor 轮询等待条件成立，超时直接失败
func waitFor(t *testing.T, timeout time.Duration, message string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", message)
}

func sceneByPosition(t *testing.T, view *models.WorkspaceView, position int) models.SceneCardView {
	t.Helper()
	for _, card := range view.Scenes {
		if card.Position == position {
			return card
		}
	}
	t.Fatalf("视图中不存在位置为%d的场景", position)
	return models.SceneCardView{}
}

func TestGenerateInstallsScript(t *testing.T) {
	f := newWorkspaceFixture()

	if status := f.workspace.Snapshot().Status; status != "idle" {
		t.Fatalf("初始状态应为idle，实际为%s", status)
	}

	view := f.generate(t, "深夜影院里循环放映着一部早该销毁的电影")

	if view.Status != "ready" {
		t.Errorf("生成后状态应为ready，实际为%s", view.Status)
	}
	if view.Title != "午夜放映厅" {
		t.Errorf("片名不符，实际为%q", view.Title)
	}
	if view.Genre != "悬疑" {
		t.Errorf("类型不符，实际为%q", view.Genre)
	}
	if len(view.Scenes) != 5 {
		t.Fatalf("应生成5个场景，实际为%d", len(view.Scenes))
	}
	if view.SaveCount != 0 {
		t.Errorf("新剧本的保存计数应为0，实际为%d", view.SaveCount)
	}

	seenIDs := make(map[string]bool)
	for i, card := range view.Scenes {
		if card.ID == "" {
			t.Errorf("场景%d缺少ID", i+1)
		}
		if seenIDs[card.ID] {
			t.Errorf("场景ID重复: %s", card.ID)
		}
		seenIDs[card.ID] = true

		if card.Position != i+1 {
			t.Errorf("场景%d的位置应为%d，实际为%d", i+1, i+1, card.Position)
		}
		if card.Mode != models.CardModeViewing {
			t.Errorf("新场景应处于viewing模式，实际为%s", card.Mode)
		}
		if card.ImageState != models.ImageStatePlaceholder {
			t.Errorf("新场景图像状态应为placeholder，实际为%s", card.ImageState)
		}
		wantURL := placeholder.URL(placeholder.Seed(card.ImagePrompt, card.Position))
		if card.ImageURL != wantURL {
			t.Errorf("场景%d占位图地址不符: got %s want %s", i+1, card.ImageURL, wantURL)
		}
	}

	// 生成本身绝不发起图像请求
	time.Sleep(50 * time.Millisecond)
	if n := f.imageCallCount(); n != 0 {
		t.Errorf("生成剧本不应触发图像生成，实际发起了%d次", n)
	}
}

func TestGenerateEmptyIdeaKeepsScript(t *testing.T) {
	f := newWorkspaceFixture()
	f.generate(t, "一个关于灯塔守护者的故事")

	_, err := f.workspace.Generate(context.Background(), "   ")
	if !apperrors.IsValidationError(err) {
		t.Fatalf("空创意应返回验证错误，实际为: %v", err)
	}

	view := f.workspace.Snapshot()
	if len(view.Scenes) != 5 {
		t.Errorf("验证失败不应清空现有剧本，场景数为%d", len(view.Scenes))
	}
	if view.Status != "ready" {
		t.Errorf("现有剧本仍在时状态应为ready，实际为%s", view.Status)
	}
	if view.LastError == "" {
		t.Error("验证失败后应记录错误提示")
	}
}

func TestGenerateTooLongIdea(t *testing.T) {
	f := newWorkspaceFixture()

	_, err := f.workspace.Generate(context.Background(), strings.Repeat("剧", 2001))
	if !apperrors.IsValidationError(err) {
		t.Fatalf("超长创意应返回验证错误，实际为: %v", err)
	}
}

func TestGenerateFailureClearsScript(t *testing.T) {
	f := newWorkspaceFixture()
	f.generate(t, "灯塔守护者")

	f.textMock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, errors.New("模型过载")
	}

	_, err := f.workspace.Generate(context.Background(), "第二个创意")
	if !apperrors.IsGenerationError(err) {
		t.Fatalf("生成失败应返回生成错误，实际为: %v", err)
	}

	view := f.workspace.Snapshot()
	if len(view.Scenes) != 0 {
		t.Errorf("生成失败后应清空旧剧本，场景数为%d", len(view.Scenes))
	}
	if view.Status != "error" {
		t.Errorf("生成失败后状态应为error，实际为%s", view.Status)
	}
	if view.LastError == "" {
		t.Error("生成失败后应记录错误提示")
	}
}

func TestGenerateWhileGenerating(t *testing.T) {
	f := newWorkspaceFixture()

	release := make(chan struct{})
	f.textMock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-release
		return &llm.CompletionResponse{
			Text:      scriptJSONWithPrompts("慢剧本", "p1", "p2", "p3", "p4", "p5"),
			ModelName: "mock-small",
		}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.workspace.Generate(context.Background(), "第一个创意")
		done <- err
	}()

	waitFor(t, 2*time.Second, "第一个生成请求进入生成中状态", func() bool {
		return f.workspace.Snapshot().Status == "generating"
	})

	_, err := f.workspace.Generate(context.Background(), "第二个创意")
	if !apperrors.IsConflictError(err) {
		t.Fatalf("并发生成应返回冲突错误，实际为: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("第一个生成请求不应失败: %v", err)
	}
	if view := f.workspace.Snapshot(); view.Title != "慢剧本" {
		t.Errorf("第一个请求的结果应正常装载，实际片名为%q", view.Title)
	}
}

func TestGenerateAcceptsOutOfRangeSceneCount(t *testing.T) {
	f := newWorkspaceFixture()
	f.completeWith(scriptJSONWithPrompts("双场景", "alpha", "beta"))

	view := f.generate(t, "只有两个场景的超短片")
	if len(view.Scenes) != 2 {
		t.Fatalf("两个场景的剧本应被接受，实际场景数为%d", len(view.Scenes))
	}
	if view.Status != "ready" {
		t.Errorf("状态应为ready，实际为%s", view.Status)
	}
}

func TestGenerateEmitsLifecycleEvents(t *testing.T) {
	f := newWorkspaceFixture()
	recorder := &eventRecorder{}
	f.workspace.RegisterEventSink(recorder.sink)

	f.generate(t, "灯塔守护者")

	types := recorder.types()
	if len(types) != 2 || types[0] != EventGenerationStarted || types[1] != EventGenerationCompleted {
		t.Fatalf("事件序列应为[%s %s]，实际为%v", EventGenerationStarted, EventGenerationCompleted, types)
	}

	f.textMock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, errors.New("模型过载")
	}
	f.workspace.Generate(context.Background(), "注定失败的创意")

	if recorder.count(EventGenerationFailed) != 1 {
		t.Errorf("生成失败应推送%s事件", EventGenerationFailed)
	}
}

func TestEnterEditCopiesSceneIntoDraft(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[0]

	card, err := f.workspace.EnterEdit(target.ID)
	if err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	if card.Mode != models.CardModeEditing {
		t.Fatalf("卡片应进入editing模式，实际为%s", card.Mode)
	}
	if card.Draft == nil {
		t.Fatal("进入编辑后应携带草稿")
	}
	if card.Draft.Title != target.Title || card.Draft.ImagePrompt != target.ImagePrompt {
		t.Errorf("草稿应从场景复制，实际为%+v", card.Draft)
	}

	// 修改草稿后重复进入编辑，草稿不能被覆盖
	draft := *card.Draft
	draft.Title = "改过的标题"
	if _, err := f.workspace.UpdateDraft(target.ID, draft); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}

	card, err = f.workspace.EnterEdit(target.ID)
	if err != nil {
		t.Fatalf("重复进入编辑失败: %v", err)
	}
	if card.Draft.Title != "改过的标题" {
		t.Errorf("重复进入编辑不应覆盖现有草稿，标题为%q", card.Draft.Title)
	}
}

func TestUpdateDraftOutsideEditing(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")

	_, err := f.workspace.UpdateDraft(view.Scenes[0].ID, models.SceneDraft{Title: "x"})
	if !apperrors.IsConflictError(err) {
		t.Fatalf("未进入编辑时更新草稿应返回冲突错误，实际为: %v", err)
	}

	_, err = f.workspace.UpdateDraft("不存在的场景", models.SceneDraft{})
	if !apperrors.IsNotFoundError(err) {
		t.Fatalf("未知场景应返回未找到错误，实际为: %v", err)
	}
}

func TestUpdateDraftDoesNotTouchSceneOrBroadcast(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[1]

	recorder := &eventRecorder{}
	f.workspace.RegisterEventSink(recorder.sink)

	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	before := recorder.count(EventSceneUpdated)

	draft := models.SceneDraft{Title: "草稿标题", Description: "d", Dialogue: "对白", ImagePrompt: "prompt"}
	if _, err := f.workspace.UpdateDraft(target.ID, draft); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}

	// 草稿只在卡片上，正式场景保持原样
	current := sceneByPosition(t, f.workspace.Snapshot(), target.Position)
	if current.Title != target.Title {
		t.Errorf("未提交时场景标题不应变化，实际为%q", current.Title)
	}
	if current.Draft == nil || current.Draft.Title != "草稿标题" {
		t.Errorf("草稿内容未生效: %+v", current.Draft)
	}
	if recorder.count(EventSceneUpdated) != before {
		t.Error("更新草稿不应推送事件")
	}
}

func TestCommitChangedPromptLaunchesSingleImageJob(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[2]

	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	draft := models.SceneDraft{
		Title:       target.Title,
		Description: target.Description,
		Dialogue:    target.Dialogue,
		ImagePrompt: "red emergency light in the projection room",
	}
	if _, err := f.workspace.UpdateDraft(target.ID, draft); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}

	card, err := f.workspace.CommitEdit(target.ID)
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if card.Mode != models.CardModeViewing {
		t.Errorf("提交后应回到viewing模式，实际为%s", card.Mode)
	}
	if card.ImageState != models.ImageStatePending {
		t.Errorf("提示词变化后应进入pending，实际为%s", card.ImageState)
	}

	waitFor(t, 2*time.Second, "图像生成完成", func() bool {
		return sceneByPosition(t, f.workspace.Snapshot(), target.Position).ImageState == models.ImageStateReady
	})

	prompts := f.recordedPrompts()
	if len(prompts) != 1 {
		t.Fatalf("应只发起一次图像请求，实际为%d次", len(prompts))
	}
	if prompts[0] != "red emergency light in the projection room" {
		t.Errorf("图像请求应使用提交后的提示词，实际为%q", prompts[0])
	}

	// 其余场景不受影响
	snapshot := f.workspace.Snapshot()
	for _, other := range snapshot.Scenes {
		if other.ID == target.ID {
			continue
		}
		if other.ImageState != models.ImageStatePlaceholder {
			t.Errorf("场景%d不应被波及，图像状态为%s", other.Position, other.ImageState)
		}
	}
}

func TestCommitUnchangedPromptWithReadyImageSkipsJob(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[0]

	// 先让这张卡片拿到一张真实图像
	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	if _, err := f.workspace.CommitEdit(target.ID); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	waitFor(t, 2*time.Second, "首张图像生成完成", func() bool {
		return sceneByPosition(t, f.workspace.Snapshot(), target.Position).ImageState == models.ImageStateReady
	})
	if n := f.imageCallCount(); n != 1 {
		t.Fatalf("准备阶段应恰好发起一次图像请求，实际为%d", n)
	}

	// 再次编辑，只改标题不碰提示词
	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("再次进入编辑失败: %v", err)
	}
	draft := models.SceneDraft{
		Title:       "新标题",
		Description: target.Description,
		Dialogue:    target.Dialogue,
		ImagePrompt: target.ImagePrompt,
	}
	if _, err := f.workspace.UpdateDraft(target.ID, draft); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}
	card, err := f.workspace.CommitEdit(target.ID)
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}

	if card.Title != "新标题" {
		t.Errorf("标题修改应落库，实际为%q", card.Title)
	}
	if card.ImageState != models.ImageStateReady {
		t.Errorf("已有图像应保持ready，实际为%s", card.ImageState)
	}
	time.Sleep(50 * time.Millisecond)
	if n := f.imageCallCount(); n != 1 {
		t.Errorf("提示词未变且已有图像时不应再发请求，实际共%d次", n)
	}
}

func TestCommitOnPlaceholderLaunchesJobEvenWithoutPromptChange(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[0]

	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	// 不改任何字段直接提交：当前展示的还是占位图，同样要发起生成
	card, err := f.workspace.CommitEdit(target.ID)
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if card.ImageState != models.ImageStatePending {
		t.Errorf("占位状态提交后应进入pending，实际为%s", card.ImageState)
	}

	waitFor(t, 2*time.Second, "图像生成完成", func() bool {
		return f.imageCallCount() == 1
	})
}

func TestCommitEmptyPromptResetsToPlaceholder(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[0]

	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	draft := models.SceneDraft{
		Title:       target.Title,
		Description: target.Description,
		Dialogue:    target.Dialogue,
		ImagePrompt: "   ",
	}
	if _, err := f.workspace.UpdateDraft(target.ID, draft); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}

	card, err := f.workspace.CommitEdit(target.ID)
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if card.ImageState != models.ImageStatePlaceholder {
		t.Errorf("空提示词提交后应退回placeholder，实际为%s", card.ImageState)
	}

	time.Sleep(50 * time.Millisecond)
	if n := f.imageCallCount(); n != 0 {
		t.Errorf("空提示词不应发起图像请求，实际为%d次", n)
	}
}

func TestCancelEditDiscardsDraft(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[3]

	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	draft := models.SceneDraft{Title: "不会生效", Description: "x", Dialogue: "y", ImagePrompt: "z"}
	if _, err := f.workspace.UpdateDraft(target.ID, draft); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}

	card, err := f.workspace.CancelEdit(target.ID)
	if err != nil {
		t.Fatalf("取消编辑失败: %v", err)
	}
	if card.Mode != models.CardModeViewing {
		t.Errorf("取消后应回到viewing模式，实际为%s", card.Mode)
	}
	if card.Draft != nil {
		t.Error("取消后草稿应被丢弃")
	}
	if card.Title != target.Title {
		t.Errorf("取消不应修改场景内容，标题为%q", card.Title)
	}

	time.Sleep(50 * time.Millisecond)
	if n := f.imageCallCount(); n != 0 {
		t.Errorf("取消编辑不应发起图像请求，实际为%d次", n)
	}

	// 不在编辑态时取消属于冲突
	_, err = f.workspace.CancelEdit(target.ID)
	if !apperrors.IsConflictError(err) {
		t.Fatalf("重复取消应返回冲突错误，实际为: %v", err)
	}
}

func TestImageFailureFallsBackToPlaceholder(t *testing.T) {
	f := newWorkspaceFixture()
	f.setImageFunc(func(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
		return nil, errors.New("上游接口超时")
	})

	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[0]

	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	draft := models.SceneDraft{
		Title:       target.Title,
		Description: target.Description,
		Dialogue:    target.Dialogue,
		ImagePrompt: "storm over the lighthouse",
	}
	if _, err := f.workspace.UpdateDraft(target.ID, draft); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}
	if _, err := f.workspace.CommitEdit(target.ID); err != nil {
		t.Fatalf("提交失败: %v", err)
	}

	waitFor(t, 2*time.Second, "图像生成失败落地", func() bool {
		return sceneByPosition(t, f.workspace.Snapshot(), target.Position).ImageState == models.ImageStateFailed
	})

	card := sceneByPosition(t, f.workspace.Snapshot(), target.Position)
	if card.ImageError == "" {
		t.Error("失败后应携带错误信息")
	}
	// 失败回退的占位图使用刚提交的提示词和当前位置
	wantURL := placeholder.URL(placeholder.Seed("storm over the lighthouse", card.Position))
	if card.ImageURL != wantURL {
		t.Errorf("失败回退占位图地址不符: got %s want %s", card.ImageURL, wantURL)
	}

	if _, _, err := f.workspace.SceneImage(target.ID); !apperrors.IsNotFoundError(err) {
		t.Errorf("失败后不应有图像数据，实际为: %v", err)
	}
}

func TestRetryImageAfterFailure(t *testing.T) {
	f := newWorkspaceFixture()
	f.setImageFunc(func(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
		return nil, errors.New("上游接口超时")
	})

	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[0]

	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	if _, err := f.workspace.CommitEdit(target.ID); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	waitFor(t, 2*time.Second, "首次生成失败", func() bool {
		return sceneByPosition(t, f.workspace.Snapshot(), target.Position).ImageState == models.ImageStateFailed
	})

	// 恢复正常后重试
	f.setImageFunc(nil)
	card, err := f.workspace.RetryImage(target.ID)
	if err != nil {
		t.Fatalf("重试失败: %v", err)
	}
	if card.ImageState != models.ImageStatePending {
		t.Errorf("重试后应进入pending，实际为%s", card.ImageState)
	}

	waitFor(t, 2*time.Second, "重试生成完成", func() bool {
		return sceneByPosition(t, f.workspace.Snapshot(), target.Position).ImageState == models.ImageStateReady
	})

	data, mimeType, err := f.workspace.SceneImage(target.ID)
	if err != nil {
		t.Fatalf("读取图像失败: %v", err)
	}
	if mimeType != "image/png" {
		t.Errorf("MIME类型不符: %s", mimeType)
	}
	if len(data) == 0 {
		t.Error("图像数据为空")
	}

	// 已就绪的图像不允许重试
	_, err = f.workspace.RetryImage(target.ID)
	if !apperrors.IsConflictError(err) {
		t.Fatalf("对ready图像重试应返回冲突错误，实际为: %v", err)
	}
}

func TestRetryWhilePendingConflicts(t *testing.T) {
	f := newWorkspaceFixture()
	release := make(chan struct{})
	f.setImageFunc(func(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
		<-release
		return &llm.ImageResult{Data: []byte("late"), MimeType: "image/png"}, nil
	})

	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[0]

	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	if _, err := f.workspace.CommitEdit(target.ID); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	waitFor(t, 2*time.Second, "请求进入生成中", func() bool {
		return f.imageCallCount() == 1
	})

	_, err := f.workspace.RetryImage(target.ID)
	if !apperrors.IsConflictError(err) {
		t.Fatalf("生成中重试应返回冲突错误，实际为: %v", err)
	}

	close(release)
	waitFor(t, 2*time.Second, "原请求完成", func() bool {
		return sceneByPosition(t, f.workspace.Snapshot(), target.Position).ImageState == models.ImageStateReady
	})
}

func TestStaleImageResultDiscarded(t *testing.T) {
	f := newWorkspaceFixture()

	slowRelease := make(chan struct{})
	f.setImageFunc(func(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
		if req.Prompt == "slow prompt" {
			<-slowRelease
			return &llm.ImageResult{Data: []byte("slow-data"), MimeType: "image/png"}, nil
		}
		return &llm.ImageResult{Data: []byte("fast-data"), MimeType: "image/png"}, nil
	})

	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[0]

	commitWithPrompt := func(prompt string) {
		t.Helper()
		if _, err := f.workspace.EnterEdit(target.ID); err != nil {
			t.Fatalf("进入编辑失败: %v", err)
		}
		draft := models.SceneDraft{
			Title:       target.Title,
			Description: target.Description,
			Dialogue:    target.Dialogue,
			ImagePrompt: prompt,
		}
		if _, err := f.workspace.UpdateDraft(target.ID, draft); err != nil {
			t.Fatalf("更新草稿失败: %v", err)
		}
		if _, err := f.workspace.CommitEdit(target.ID); err != nil {
			t.Fatalf("提交失败: %v", err)
		}
	}

	// 第一次提交的请求被卡住
	commitWithPrompt("slow prompt")
	waitFor(t, 2*time.Second, "慢请求已发出", func() bool {
		return f.imageCallCount() == 1
	})

	// 第二次提交立即完成，场景应展示新结果
	commitWithPrompt("fast prompt")
	waitFor(t, 2*time.Second, "快请求结果落地", func() bool {
		data, _, err := f.workspace.SceneImage(target.ID)
		return err == nil && string(data) == "fast-data"
	})

	// 放行慢请求，它的结果必须被丢弃
	close(slowRelease)
	time.Sleep(100 * time.Millisecond)

	data, _, err := f.workspace.SceneImage(target.ID)
	if err != nil {
		t.Fatalf("读取图像失败: %v", err)
	}
	if string(data) != "fast-data" {
		t.Errorf("过期结果不应覆盖新图像，实际数据为%q", string(data))
	}
	if card := sceneByPosition(t, f.workspace.Snapshot(), target.Position); card.ImageState != models.ImageStateReady {
		t.Errorf("图像状态应保持ready，实际为%s", card.ImageState)
	}
}

func TestReorderSceneSwapsNeighbors(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	second := view.Scenes[1]
	first := view.Scenes[0]

	recorder := &eventRecorder{}
	f.workspace.RegisterEventSink(recorder.sink)

	moved, err := f.workspace.ReorderScene(second.ID, MoveUp)
	if err != nil {
		t.Fatalf("重排失败: %v", err)
	}

	if moved.Scenes[0].ID != second.ID || moved.Scenes[1].ID != first.ID {
		t.Error("上移后两个场景应互换位置")
	}
	if moved.Scenes[0].Position != 1 || moved.Scenes[1].Position != 2 {
		t.Error("重排后位置编号应重新计算")
	}
	// 内容跟着ID走
	if moved.Scenes[0].Title != second.Title {
		t.Errorf("场景内容应随ID移动，实际标题为%q", moved.Scenes[0].Title)
	}
	if recorder.count(EventScenesReordered) != 1 {
		t.Errorf("应推送一次%s事件", EventScenesReordered)
	}
}

func TestReorderBoundaryIsSilentNoop(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	first := view.Scenes[0]
	last := view.Scenes[len(view.Scenes)-1]

	recorder := &eventRecorder{}
	f.workspace.RegisterEventSink(recorder.sink)

	for _, tc := range []struct {
		name      string
		sceneID   string
		direction string
	}{
		{"第一个场景上移", first.ID, MoveUp},
		{"最后一个场景下移", last.ID, MoveDown},
	} {
		after, err := f.workspace.ReorderScene(tc.sceneID, tc.direction)
		if err != nil {
			t.Fatalf("%s不应报错: %v", tc.name, err)
		}
		for i, card := range after.Scenes {
			if card.ID != view.Scenes[i].ID {
				t.Errorf("%s后顺序不应变化", tc.name)
				break
			}
		}
	}

	if n := recorder.count(EventScenesReordered); n != 0 {
		t.Errorf("越界移动不应推送事件，实际推送%d次", n)
	}
}

func TestReorderValidation(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")

	_, err := f.workspace.ReorderScene(view.Scenes[0].ID, "sideways")
	if !apperrors.IsValidationError(err) {
		t.Fatalf("非法方向应返回验证错误，实际为: %v", err)
	}

	_, err = f.workspace.ReorderScene("不存在的场景", MoveUp)
	if !apperrors.IsNotFoundError(err) {
		t.Fatalf("未知场景应返回未找到错误，实际为: %v", err)
	}
}

func TestSaveAllCommitsEditingCards(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	editA := view.Scenes[0]
	editB := view.Scenes[1]

	// 两张卡片进入编辑，第三张保持viewing
	for _, card := range []models.SceneCardView{editA, editB} {
		if _, err := f.workspace.EnterEdit(card.ID); err != nil {
			t.Fatalf("进入编辑失败: %v", err)
		}
	}
	draft := models.SceneDraft{
		Title:       "保存前改的标题",
		Description: editA.Description,
		Dialogue:    editA.Dialogue,
		ImagePrompt: "brand new prompt",
	}
	if _, err := f.workspace.UpdateDraft(editA.ID, draft); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}

	saved := f.workspace.SaveAll()

	if saved.SaveCount != 1 {
		t.Errorf("保存计数应为1，实际为%d", saved.SaveCount)
	}
	if saved.LastSavedAt == nil {
		t.Error("保存后应记录保存时间")
	}
	for _, card := range saved.Scenes {
		if card.Mode != models.CardModeViewing {
			t.Errorf("保存后场景%d应退出编辑态，实际为%s", card.Position, card.Mode)
		}
	}
	if got := sceneByPosition(t, saved, editA.Position).Title; got != "保存前改的标题" {
		t.Errorf("草稿内容应随保存落库，标题为%q", got)
	}

	// 两张编辑中的卡片都还在展示占位图，保存要为它们各发一次图像请求
	waitFor(t, 2*time.Second, "保存触发的图像请求完成", func() bool {
		return f.imageCallCount() == 2
	})
	prompts := f.recordedPrompts()
	hasNew := false
	for _, p := range prompts {
		if p == "brand new prompt" {
			hasNew = true
		}
	}
	if !hasNew {
		t.Errorf("保存应使用最新草稿的提示词，实际请求为%v", prompts)
	}
}

func TestSaveAllNotifiesObservers(t *testing.T) {
	f := newWorkspaceFixture()
	f.generate(t, "灯塔守护者")

	signalsA := make(chan uint64, 4)
	signalsB := make(chan uint64, 4)
	f.workspace.OnSave(func(count uint64, savedAt time.Time) {
		if savedAt.IsZero() {
			t.Error("保存时间不应为零值")
		}
		signalsA <- count
	})
	f.workspace.OnSave(func(count uint64, savedAt time.Time) { signalsB <- count })

	expectSignal := func(ch chan uint64, want uint64) {
		t.Helper()
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("保存信号计数应为%d，实际为%d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("等待保存信号%d超时", want)
		}
	}

	f.workspace.SaveAll()
	expectSignal(signalsA, 1)
	expectSignal(signalsB, 1)

	f.workspace.SaveAll()
	expectSignal(signalsA, 2)
	expectSignal(signalsB, 2)
}

func TestSaveCountResetsOnNewScript(t *testing.T) {
	f := newWorkspaceFixture()
	f.generate(t, "第一部剧本")

	f.workspace.SaveAll()
	f.workspace.SaveAll()
	if count := f.workspace.SaveCount(); count != 2 {
		t.Fatalf("两次保存后计数应为2，实际为%d", count)
	}

	view := f.generate(t, "第二部完全不同的剧本")
	if view.SaveCount != 0 {
		t.Errorf("装载新剧本后保存计数应归零，实际为%d", view.SaveCount)
	}

	f.workspace.SaveAll()
	if count := f.workspace.SaveCount(); count != 1 {
		t.Errorf("新剧本的首次保存计数应为1，实际为%d", count)
	}
}

func TestSceneImageLifecycle(t *testing.T) {
	f := newWorkspaceFixture()
	view := f.generate(t, "灯塔守护者")
	target := view.Scenes[0]

	// 生成前没有图像数据
	_, _, err := f.workspace.SceneImage(target.ID)
	if !apperrors.IsNotFoundError(err) {
		t.Fatalf("图像未生成时应返回未找到错误，实际为: %v", err)
	}

	if _, err := f.workspace.EnterEdit(target.ID); err != nil {
		t.Fatalf("进入编辑失败: %v", err)
	}
	if _, err := f.workspace.CommitEdit(target.ID); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	waitFor(t, 2*time.Second, "图像生成完成", func() bool {
		_, _, err := f.workspace.SceneImage(target.ID)
		return err == nil
	})

	data, mimeType, err := f.workspace.SceneImage(target.ID)
	if err != nil {
		t.Fatalf("读取图像失败: %v", err)
	}
	if mimeType != "image/png" {
		t.Errorf("MIME类型不符: %s", mimeType)
	}
	if !strings.HasPrefix(string(data), "img:") {
		t.Errorf("图像数据不符: %q", string(data))
	}

	// 就绪后视图应改用真实图像地址
	card := sceneByPosition(t, f.workspace.Snapshot(), target.Position)
	wantPrefix := fmt.Sprintf("/api/scenes/%s/image", target.ID)
	if !strings.HasPrefix(card.ImageURL, wantPrefix) {
		t.Errorf("就绪后的图像地址应指向场景图像接口，实际为%s", card.ImageURL)
	}
}

func TestPlaceholderURLTracksPosition(t *testing.T) {
	f := newWorkspaceFixture()
	f.completeWith(scriptJSONWithPrompts("位置测试", "prompt-a", "prompt-b", "prompt-c", "prompt-d", "prompt-e"))
	view := f.generate(t, "占位图随位置变化")

	second := view.Scenes[1]
	if second.ImageURL != placeholder.URL(placeholder.Seed("prompt-b", 2)) {
		t.Fatalf("位置2的占位图地址不符: %s", second.ImageURL)
	}

	// 上移后同一个场景的占位图种子随位置变化
	moved, err := f.workspace.ReorderScene(second.ID, MoveUp)
	if err != nil {
		t.Fatalf("重排失败: %v", err)
	}
	movedCard := sceneByPosition(t, moved, 1)
	if movedCard.ID != second.ID {
		t.Fatal("上移后场景应位于位置1")
	}
	if movedCard.ImageURL != placeholder.URL(placeholder.Seed("prompt-b", 1)) {
		t.Errorf("重排后占位图地址应使用新位置，实际为%s", movedCard.ImageURL)
	}
}
