// internal/services/workspace_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/cinescript/cinescript/internal/errors"
	"github.com/cinescript/cinescript/internal/models"
	"github.com/cinescript/cinescript/internal/placeholder"
	"github.com/cinescript/cinescript/internal/utils"
)

// 工作区推送事件类型
const (
	EventGenerationStarted   = "generation_started"
	EventGenerationCompleted = "generation_completed"
	EventGenerationFailed    = "generation_failed"
	EventSceneUpdated        = "scene_updated"
	EventScenesReordered     = "scenes_reordered"
	EventSaveAll             = "save_all"
)

// 单次图像生成的超时上限
const defaultImageTimeout = 3 * time.Minute

// WorkspaceEvent 工作区状态变化事件，通过WebSocket推送给所有客户端
type WorkspaceEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventSink 接收工作区事件的回调，由推送层注册
type EventSink func(event WorkspaceEvent)

// SaveObserver 保存信号的观察者回调
// 每次全量保存后收到递增的保存计数和保存时间
type SaveObserver func(count uint64, savedAt time.Time)

// imageJob 一次待执行的图像生成请求
type imageJob struct {
	sceneID string
	prompt  string
	seq     uint64
}

// WorkspaceService 管理单个剧本工作区的全部状态：
// 当前剧本、每张场景卡片的编辑态与图像态、保存信号
// 所有状态变更都在同一把锁内完成，事件在锁外发出
type WorkspaceService struct {
	mu sync.RWMutex

	scriptService   *ScriptService
	imageService    *ImageService
	statsService    *StatsService
	progressService *ProgressService

	store *SceneStore
	cards map[string]*sceneCard

	title string
	genre string
	meta  *models.GenerationMeta

	generating bool
	lastError  string

	saveCount   uint64
	lastSavedAt *time.Time

	saveObservers []SaveObserver
	sinks         []EventSink

	imageTimeout time.Duration
}

// NewWorkspaceService 创建工作区服务
// statsService和progressService允许为nil
func NewWorkspaceService(scriptService *ScriptService, imageService *ImageService,
	statsService *StatsService, progressService *ProgressService) *WorkspaceService {
	return &WorkspaceService{
		scriptService:   scriptService,
		imageService:    imageService,
		statsService:    statsService,
		progressService: progressService,
		store:           NewSceneStore(),
		cards:           make(map[string]*sceneCard),
		imageTimeout:    defaultImageTimeout,
	}
}

// RegisterEventSink 注册事件接收器
func (s *WorkspaceService) RegisterEventSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// OnSave 注册保存信号观察者
func (s *WorkspaceService) OnSave(observer SaveObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveObservers = append(s.saveObservers, observer)
}

// Generate 根据创意生成新剧本并装载进工作区
// 输入不合法时保留现有剧本，只记录错误；生成失败时清空剧本
func (s *WorkspaceService) Generate(ctx context.Context, idea string) (*models.WorkspaceView, error) {
	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return nil, apperrors.NewConflictError("已有剧本生成任务进行中，请稍候", nil)
	}
	if err := s.scriptService.ValidateIdea(idea); err != nil {
		s.lastError = userMessage(err)
		s.mu.Unlock()
		return nil, err
	}

	// 进入生成流程后才清空上一部剧本和错误提示
	s.generating = true
	s.lastError = ""
	s.clearScriptLocked()
	s.mu.Unlock()

	utils.NewAPIMetrics().RecordWorkspaceAction("generate")
	s.emit(WorkspaceEvent{Type: EventGenerationStarted, Payload: map[string]interface{}{
		"idea": strings.TrimSpace(idea),
	}})

	script, meta, err := s.scriptService.GenerateScript(ctx, idea)

	s.mu.Lock()
	s.generating = false
	if err != nil {
		s.lastError = userMessage(err)
		view := s.buildViewLocked()
		s.mu.Unlock()
		s.emit(WorkspaceEvent{Type: EventGenerationFailed, Payload: view})
		return nil, err
	}
	s.installScriptLocked(script, meta)
	view := s.buildViewLocked()
	s.mu.Unlock()

	if s.statsService != nil {
		tokens := 0
		if meta != nil {
			tokens = meta.TokensUsed
		}
		s.statsService.RecordScriptGeneration(tokens)
	}
	s.emit(WorkspaceEvent{Type: EventGenerationCompleted, Payload: view})
	return view, nil
}

// EnterEdit 让指定场景卡片进入编辑态
// 重复进入不会覆盖已有草稿
func (s *WorkspaceService) EnterEdit(sceneID string) (models.SceneCardView, error) {
	s.mu.Lock()
	card, scene, index, err := s.cardLocked(sceneID)
	if err != nil {
		s.mu.Unlock()
		return models.SceneCardView{}, err
	}
	card.enterEditing(scene, time.Now())
	view := s.cardViewLocked(index, card)
	s.mu.Unlock()

	s.emit(WorkspaceEvent{Type: EventSceneUpdated, Payload: view})
	return view, nil
}

// UpdateDraft 更新编辑中卡片的草稿内容
// 草稿只存在于卡片上，提交前不影响正式场景，也不推送
func (s *WorkspaceService) UpdateDraft(sceneID string, draft models.SceneDraft) (models.SceneCardView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, _, index, err := s.cardLocked(sceneID)
	if err != nil {
		return models.SceneCardView{}, err
	}
	if card.mode != models.CardModeEditing {
		return models.SceneCardView{}, apperrors.NewConflictError("场景不在编辑状态，请先进入编辑", nil)
	}
	card.setDraft(draft, time.Now())
	return s.cardViewLocked(index, card), nil
}

// CommitEdit 提交草稿到场景存储
// 提示词有变化或当前还在展示占位图时，提交后触发图像重新生成；
// 场景内容一定先落库，图像请求随后才发出
func (s *WorkspaceService) CommitEdit(sceneID string) (models.SceneCardView, error) {
	s.mu.Lock()
	card, scene, index, err := s.cardLocked(sceneID)
	if err != nil {
		s.mu.Unlock()
		return models.SceneCardView{}, err
	}
	if card.mode != models.CardModeEditing {
		s.mu.Unlock()
		return models.SceneCardView{}, apperrors.NewConflictError("场景不在编辑状态", nil)
	}
	job := s.commitCardLocked(card, scene, index, time.Now())
	view := s.cardViewLocked(index, card)
	s.mu.Unlock()

	utils.NewAPIMetrics().RecordWorkspaceAction("commit")
	s.emit(WorkspaceEvent{Type: EventSceneUpdated, Payload: view})
	if job != nil {
		s.launchImageJob(*job)
	}
	return view, nil
}

// CancelEdit 放弃草稿并退出编辑态，不产生任何副作用
func (s *WorkspaceService) CancelEdit(sceneID string) (models.SceneCardView, error) {
	s.mu.Lock()
	card, _, index, err := s.cardLocked(sceneID)
	if err != nil {
		s.mu.Unlock()
		return models.SceneCardView{}, err
	}
	if card.mode != models.CardModeEditing {
		s.mu.Unlock()
		return models.SceneCardView{}, apperrors.NewConflictError("场景不在编辑状态", nil)
	}
	card.exitEditing(time.Now())
	view := s.cardViewLocked(index, card)
	s.mu.Unlock()

	s.emit(WorkspaceEvent{Type: EventSceneUpdated, Payload: view})
	return view, nil
}

// ReorderScene 把场景向上或向下移动一位
// 移动会越界时静默忽略，返回当前视图
func (s *WorkspaceService) ReorderScene(sceneID string, direction string) (*models.WorkspaceView, error) {
	if direction != MoveUp && direction != MoveDown {
		return nil, apperrors.NewValidationError("重排方向无效，只支持up或down", nil)
	}

	s.mu.Lock()
	_, index, ok := s.store.GetByID(sceneID)
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NewNotFoundError("场景不存在", nil)
	}
	moved := s.store.Reorder(index, direction)
	view := s.buildViewLocked()
	s.mu.Unlock()

	if moved {
		utils.NewAPIMetrics().RecordWorkspaceAction("reorder")
		s.emit(WorkspaceEvent{Type: EventScenesReordered, Payload: view})
	}
	return view, nil
}

// SaveAll 全量保存：递增保存信号计数并广播
// 所有处于编辑态的卡片按提交流程落库，触发各自需要的图像生成
func (s *WorkspaceService) SaveAll() *models.WorkspaceView {
	s.mu.Lock()
	now := time.Now()

	var jobs []imageJob
	for i := 0; i < s.store.Len(); i++ {
		scene, _ := s.store.Get(i)
		card := s.cards[scene.ID]
		if card == nil || card.mode != models.CardModeEditing {
			continue
		}
		if job := s.commitCardLocked(card, scene, i, now); job != nil {
			jobs = append(jobs, *job)
		}
	}

	s.saveCount++
	savedAt := now
	s.lastSavedAt = &savedAt
	count := s.saveCount
	observers := make([]SaveObserver, len(s.saveObservers))
	copy(observers, s.saveObservers)
	view := s.buildViewLocked()
	s.mu.Unlock()

	// 保存信号是单向广播，不等待观察者处理完成
	for _, observer := range observers {
		go observer(count, savedAt)
	}
	utils.NewAPIMetrics().RecordWorkspaceAction("save_all")
	s.emit(WorkspaceEvent{Type: EventSaveAll, Payload: view})
	for _, job := range jobs {
		s.launchImageJob(job)
	}
	return view
}

// RetryImage 为失败或尚未生成过图像的场景重新发起生成
// 使用已提交场景的当前提示词
func (s *WorkspaceService) RetryImage(sceneID string) (models.SceneCardView, error) {
	s.mu.Lock()
	card, scene, index, err := s.cardLocked(sceneID)
	if err != nil {
		s.mu.Unlock()
		return models.SceneCardView{}, err
	}
	switch card.imageState {
	case models.ImageStatePending:
		s.mu.Unlock()
		return models.SceneCardView{}, apperrors.NewConflictError("图像正在生成中", nil)
	case models.ImageStateReady:
		s.mu.Unlock()
		return models.SceneCardView{}, apperrors.NewConflictError("图像已生成，无需重试", nil)
	}

	prompt := strings.TrimSpace(scene.ImagePrompt)
	if prompt == "" {
		s.mu.Unlock()
		return models.SceneCardView{}, apperrors.NewValidationError("图像提示词为空，无法生成", nil)
	}
	seq := card.beginImage(time.Now())
	view := s.cardViewLocked(index, card)
	s.mu.Unlock()

	utils.NewAPIMetrics().RecordWorkspaceAction("retry_image")
	s.emit(WorkspaceEvent{Type: EventSceneUpdated, Payload: view})
	s.launchImageJob(imageJob{sceneID: scene.ID, prompt: prompt, seq: seq})
	return view, nil
}

// SceneImage 返回场景已生成的图像数据
func (s *WorkspaceService) SceneImage(sceneID string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card := s.cards[sceneID]
	if card == nil || len(card.imageData) == 0 {
		return nil, "", apperrors.NewNotFoundError("场景图像尚未生成", nil)
	}
	data := make([]byte, len(card.imageData))
	copy(data, card.imageData)
	return data, card.imageMime, nil
}

// Snapshot 返回工作区当前完整视图
func (s *WorkspaceService) Snapshot() *models.WorkspaceView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildViewLocked()
}

// SaveCount 当前保存信号计数
func (s *WorkspaceService) SaveCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveCount
}

// ---- 以下方法都要求调用方已持有s.mu ----

// cardLocked 按场景ID取出卡片和对应场景
func (s *WorkspaceService) cardLocked(sceneID string) (*sceneCard, models.Scene, int, error) {
	scene, index, ok := s.store.GetByID(sceneID)
	if !ok {
		return nil, models.Scene{}, -1, apperrors.NewNotFoundError("场景不存在", nil)
	}
	card := s.cards[sceneID]
	if card == nil {
		card = newSceneCard(sceneID, time.Now())
		s.cards[sceneID] = card
	}
	return card, scene, index, nil
}

// commitCardLocked 把卡片草稿提交到场景存储并决定是否触发图像生成
// 触发条件：提示词发生变化，或当前展示的还是占位图
func (s *WorkspaceService) commitCardLocked(card *sceneCard, scene models.Scene, index int, now time.Time) *imageJob {
	draft := models.DraftOf(scene)
	if card.draft != nil {
		draft = *card.draft
	}

	promptChanged := draft.ImagePrompt != scene.ImagePrompt
	regenerate := promptChanged || card.displayedIsPlaceholder()

	// 内容先落库，图像请求由调用方在锁外发出
	s.store.Update(index, models.Scene{
		ID:          scene.ID,
		Title:       draft.Title,
		Description: draft.Description,
		Dialogue:    draft.Dialogue,
		ImagePrompt: draft.ImagePrompt,
	})
	card.exitEditing(now)

	if !regenerate {
		return nil
	}
	prompt := strings.TrimSpace(draft.ImagePrompt)
	if prompt == "" {
		// 空提示词不发起请求，退回占位图
		card.resetImage(now)
		return nil
	}
	seq := card.beginImage(now)
	return &imageJob{sceneID: scene.ID, prompt: prompt, seq: seq}
}

// cardViewLocked 构建单张卡片的对外视图
// 占位图地址由当前提示词和当前位置实时推导
func (s *WorkspaceService) cardViewLocked(index int, card *sceneCard) models.SceneCardView {
	scene, _ := s.store.Get(index)
	position := index + 1

	view := models.SceneCardView{
		ID:          scene.ID,
		Position:    position,
		Title:       scene.Title,
		Description: scene.Description,
		Dialogue:    scene.Dialogue,
		ImagePrompt: scene.ImagePrompt,
		Mode:        card.mode,
		ImageState:  card.imageState,
		ImageError:  card.imageError,
		UpdatedAt:   card.updatedAt,
	}
	if card.mode == models.CardModeEditing && card.draft != nil {
		draft := *card.draft
		view.Draft = &draft
	}
	if len(card.imageData) > 0 {
		view.ImageURL = fmt.Sprintf("/api/scenes/%s/image?v=%d", scene.ID, card.imageSeq)
	} else {
		view.ImageURL = placeholder.URL(placeholder.Seed(scene.ImagePrompt, position))
	}
	return view
}

// buildViewLocked 构建工作区完整视图
func (s *WorkspaceService) buildViewLocked() *models.WorkspaceView {
	view := &models.WorkspaceView{
		Title:       s.title,
		Genre:       s.genre,
		Scenes:      make([]models.SceneCardView, 0, s.store.Len()),
		SaveCount:   s.saveCount,
		LastSavedAt: s.lastSavedAt,
		LastError:   s.lastError,
		Meta:        s.meta,
	}

	for i := 0; i < s.store.Len(); i++ {
		scene, _ := s.store.Get(i)
		card := s.cards[scene.ID]
		if card == nil {
			card = newSceneCard(scene.ID, time.Now())
		}
		view.Scenes = append(view.Scenes, s.cardViewLocked(i, card))
	}

	switch {
	case s.generating:
		view.Status = "generating"
	case s.store.Len() > 0:
		view.Status = "ready"
	case s.lastError != "":
		view.Status = "error"
	default:
		view.Status = "idle"
	}
	return view
}

// installScriptLocked 装载新剧本，重建所有卡片并重置保存计数
func (s *WorkspaceService) installScriptLocked(script *models.Script, meta *models.GenerationMeta) {
	s.store.Replace(script.Scenes)

	now := time.Now()
	cards := make(map[string]*sceneCard, len(script.Scenes))
	for _, scene := range script.Scenes {
		cards[scene.ID] = newSceneCard(scene.ID, now)
	}
	s.cards = cards

	s.title = script.Title
	s.genre = script.Genre
	s.meta = meta
	s.saveCount = 0
	s.lastSavedAt = nil
}

// clearScriptLocked 清空当前剧本和所有卡片
func (s *WorkspaceService) clearScriptLocked() {
	s.store.Clear()
	s.cards = make(map[string]*sceneCard)
	s.title = ""
	s.genre = ""
	s.meta = nil
}

// launchImageJob 在后台执行一次图像生成
// 结果落地前校验请求序号，落后的响应直接丢弃
func (s *WorkspaceService) launchImageJob(job imageJob) {
	var tracker *ProgressTracker
	if s.progressService != nil {
		tracker = s.progressService.CreateTracker(fmt.Sprintf("image-%s-%d", job.sceneID, job.seq))
		tracker.UpdateProgress(10, "图像生成请求已发出")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.imageTimeout)
		defer cancel()

		result, err := s.imageService.GenerateSceneImage(ctx, job.prompt)

		if s.statsService != nil {
			s.statsService.RecordImageResult(err == nil)
		}

		now := time.Now()
		s.mu.Lock()
		card := s.cards[job.sceneID]
		applied := false
		if card != nil {
			if err != nil {
				applied = card.failImage(job.seq, userMessage(err), now)
			} else {
				applied = card.finishImage(job.seq, result.Data, result.MimeType, now)
			}
		}
		var view models.SceneCardView
		if applied {
			if _, index, ok := s.store.GetByID(job.sceneID); ok {
				view = s.cardViewLocked(index, card)
			} else {
				applied = false
			}
		}
		s.mu.Unlock()

		if tracker != nil {
			if err != nil {
				tracker.Fail(userMessage(err))
			} else {
				tracker.Complete("图像生成完成")
			}
		}

		if !applied {
			utils.GetLogger().Debug("丢弃过期的图像生成结果", map[string]interface{}{
				"scene_id": job.sceneID,
				"seq":      job.seq,
			})
			return
		}
		s.emit(WorkspaceEvent{Type: EventSceneUpdated, Payload: view})
	}()
}

// emit 把事件发给所有已注册的接收器，在锁外调用
func (s *WorkspaceService) emit(event WorkspaceEvent) {
	s.mu.RLock()
	sinks := make([]EventSink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.RUnlock()

	for _, sink := range sinks {
		sink(event)
	}
}

// userMessage 提取适合展示给用户的错误信息
func userMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
