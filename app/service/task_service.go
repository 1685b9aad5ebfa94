package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"print-studio/app/logger"
	"print-studio/app/metrics"
	"print-studio/app/model"
	"print-studio/app/utils/instasd"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// JobClient 生成任务服务客户端
type JobClient interface {
	RunTask(ctx context.Context, ep instasd.Endpoint, payload any) (string, error)
	GetTaskStatus(ctx context.Context, ep instasd.Endpoint, taskID string) (*instasd.TaskStatus, error)
}

// TaskSnapshot 一次状态查询的归一化结果
type TaskSnapshot struct {
	TaskID         string           `json:"taskId"`
	Mode           Mode             `json:"mode,omitempty"`
	ExternalStatus string           `json:"status"`
	Status         model.TaskStatus `json:"normalized_status"`
	Label          string           `json:"label"`
	Progress       int              `json:"progress"`
	ImageURLs      []string         `json:"image_urls"`
	VideoURLs      []string         `json:"video_urls"`
	CompletedSteps *int             `json:"completed_steps"`
	EstimatedSteps *int             `json:"estimated_steps"`
	Cost           int64            `json:"cost"`
	Sequence       int64            `json:"-"`
}

// SubmitResult 提交任务结果
type SubmitResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// UpdateTaskInput 直接覆盖任务记录
type UpdateTaskInput struct {
	TaskID    string   `json:"taskId"`
	Status    string   `json:"status"`
	ImageURLs []string `json:"imageUrls"`
	Cost      int64    `json:"cost"`
}

// TaskService 负责提交生成任务、查询任务状态并维护本地记录
type TaskService struct {
	db        *gorm.DB
	client    JobClient
	endpoints *EndpointRegistry
	log       *logger.Logger
	flights   singleflight.Group
	lastSeq   atomic.Int64
}

// NewTaskService 创建任务服务
func NewTaskService(db *gorm.DB, client JobClient, endpoints *EndpointRegistry, log *logger.Logger) *TaskService {
	return &TaskService{
		db:        db,
		client:    client,
		endpoints: endpoints,
		log:       log.Named("task"),
	}
}

// Submit 提交生成任务并写入本地记录。每次调用都会创建新的任务，不做去重。
func (s *TaskService) Submit(ctx context.Context, userID string, mode Mode, payload any) (*SubmitResult, error) {
	if userID == "" {
		return nil, newError(ErrUnauthorized, "", nil)
	}
	ep, ok := s.endpoints.Resolve(mode)
	if !ok {
		return nil, badRequest("未配置的生成模式: %s", mode)
	}
	if isEmptyPayload(payload) {
		return nil, badRequest("payload 不能为空")
	}

	start := time.Now()
	taskID, err := s.client.RunTask(ctx, ep, payload)
	metrics.ObserveUpstream("run_task", start)
	if err != nil {
		metrics.IncTaskSubmitted(string(mode), "upstream_error")
		s.log.Error("调用任务服务失败", zap.String("mode", string(mode)), zap.Error(err))
		return nil, upstreamError("调用任务服务失败", err)
	}

	record := &model.Request{
		TaskID:         taskID,
		UserID:         userID,
		Mode:           string(mode),
		Status:         model.TaskStatusQueued,
		ExternalStatus: "CREATED",
		ImageURLs:      model.EncodeURLs(nil),
		VideoURLs:      model.EncodeURLs(nil),
		Cost:           0,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		metrics.IncTaskSubmitted(string(mode), "persistence_error")
		s.log.Error("写入任务记录失败", zap.String("task_id", taskID), zap.Error(err))
		return nil, newError(ErrPersistence, "写入任务记录失败", err)
	}

	metrics.IncTaskSubmitted(string(mode), "created")
	s.log.Info("任务已提交", zap.String("task_id", taskID), zap.String("mode", string(mode)), zap.String("user_id", userID))
	return &SubmitResult{TaskID: taskID, Status: "CREATED"}, nil
}

// CheckStatus 查询任务状态，计算进度并写回本地记录。
// 同一进程内对同一任务的并发查询合并为一次上游调用。
func (s *TaskService) CheckStatus(ctx context.Context, mode Mode, taskID string) (*TaskSnapshot, error) {
	if taskID == "" {
		return nil, badRequest("task_id 不能为空")
	}
	ep, ok := s.endpoints.Resolve(mode)
	if !ok {
		return nil, badRequest("未知的生成模式: %s", mode)
	}

	// 合并调用使用独立于调用方的上下文，避免某个调用方取消影响其他等待者；
	// 调用方取消后立即返回，不再等待上游响应
	flightCtx := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(string(mode)+":"+taskID, func() (any, error) {
		return s.checkStatus(flightCtx, ep, mode, taskID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		snap := *res.Val.(*TaskSnapshot)
		return &snap, nil
	}
}

func (s *TaskService) checkStatus(ctx context.Context, ep instasd.Endpoint, mode Mode, taskID string) (*TaskSnapshot, error) {
	// 序号在发出请求前取得，较慢返回的旧响应不会覆盖新快照
	seq := s.nextSequence()

	start := time.Now()
	st, err := s.client.GetTaskStatus(ctx, ep, taskID)
	metrics.ObserveUpstream("task_status", start)
	if err != nil {
		metrics.IncTaskPoll(string(mode), "error")
		s.log.Warn("查询任务状态失败", zap.String("task_id", taskID), zap.Error(err))
		te := upstreamError("查询任务状态失败", err)
		te.Kind = ErrPolling
		return nil, te
	}

	status := model.NormalizeStatus(st.Status)
	snap := &TaskSnapshot{
		TaskID:         taskID,
		Mode:           mode,
		ExternalStatus: st.Status,
		Status:         status,
		Label:          model.StatusLabel(st.Status),
		Progress:       model.ComputeProgress(status, st.CompletedSteps, st.EstimatedSteps),
		ImageURLs:      nonNil(st.ImageURLs),
		VideoURLs:      nonNil(st.VideoURLs),
		CompletedSteps: st.CompletedSteps,
		EstimatedSteps: st.EstimatedSteps,
		Cost:           st.Cost,
		Sequence:       seq,
	}
	metrics.IncTaskPoll(string(mode), string(status))

	if _, err := s.ApplySnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// ApplySnapshot 按序号写入快照，只有比已存储快照更新时才生效。
// 返回是否实际写入；记录不存在时不报错。
func (s *TaskService) ApplySnapshot(ctx context.Context, snap *TaskSnapshot) (bool, error) {
	return s.applyColumns(ctx, snap, map[string]any{
		"status":          snap.Status,
		"external_status": snap.ExternalStatus,
		"progress":        snap.Progress,
		"image_urls":      model.EncodeURLs(snap.ImageURLs),
		"video_urls":      model.EncodeURLs(snap.VideoURLs),
		"cost":            snap.Cost,
	})
}

// ApplyWebhookEvent 将 webhook 推送的状态写入对应的任务记录。
// 推送不带费用和视频，保留轮询已写入的值；没有图片时也不覆盖图片。
func (s *TaskService) ApplyWebhookEvent(ctx context.Context, ev WebhookEvent) (bool, error) {
	status := model.NormalizeStatus(ev.Status)
	progress := model.WebhookProgress(ev.Status)
	if status == model.TaskStatusCompleted {
		progress = 100
	}

	snap := &TaskSnapshot{
		TaskID:         ev.RunID,
		ExternalStatus: ev.Status,
		Status:         status,
		Progress:       progress,
		ImageURLs:      ev.ImageURLs(),
	}
	columns := map[string]any{
		"status":          snap.Status,
		"external_status": snap.ExternalStatus,
		"progress":        snap.Progress,
	}
	if len(snap.ImageURLs) > 0 {
		columns["image_urls"] = model.EncodeURLs(snap.ImageURLs)
	}
	return s.applyColumns(ctx, snap, columns)
}

// applyColumns 带序号条件地更新指定列
func (s *TaskService) applyColumns(ctx context.Context, snap *TaskSnapshot, columns map[string]any) (bool, error) {
	if snap.Sequence == 0 {
		snap.Sequence = s.nextSequence()
	}
	columns["sequence"] = snap.Sequence
	columns["updated_at"] = time.Now()

	res := s.db.WithContext(ctx).Model(&model.Request{}).
		Where("task_id = ? AND sequence < ?", snap.TaskID, snap.Sequence).
		Updates(columns)
	if res.Error != nil {
		s.log.Error("更新任务记录失败", zap.String("task_id", snap.TaskID), zap.Error(res.Error))
		return false, newError(ErrPersistence, "更新任务记录失败", res.Error)
	}

	if res.RowsAffected == 0 {
		s.log.Debug("快照未写入，记录不存在或已有更新的快照", zap.String("task_id", snap.TaskID), zap.Int64("sequence", snap.Sequence))
		return false, nil
	}
	return true, nil
}

// UpdateTask 直接覆盖任务状态、图片与费用
func (s *TaskService) UpdateTask(ctx context.Context, in UpdateTaskInput) (*model.Request, error) {
	if in.TaskID == "" || in.Status == "" {
		return nil, badRequest("taskId 与 status 不能为空")
	}

	var record model.Request
	if err := s.db.WithContext(ctx).Where("task_id = ?", in.TaskID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrNotFound, "任务记录不存在", nil)
		}
		return nil, newError(ErrPersistence, "读取任务记录失败", err)
	}

	status := model.NormalizeStatus(in.Status)
	progress := record.Progress
	if status == model.TaskStatusCompleted {
		progress = 100
	}

	if _, err := s.ApplySnapshot(ctx, &TaskSnapshot{
		TaskID:         in.TaskID,
		ExternalStatus: in.Status,
		Status:         status,
		Progress:       progress,
		ImageURLs:      nonNil(in.ImageURLs),
		VideoURLs:      record.Videos(),
		Cost:           in.Cost,
	}); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).First(&record, record.ID).Error; err != nil {
		return nil, newError(ErrPersistence, "读取任务记录失败", err)
	}
	return &record, nil
}

// GetRequest 查询当前用户的任务记录
func (s *TaskService) GetRequest(ctx context.Context, userID, taskID string) (*model.Request, error) {
	if userID == "" {
		return nil, newError(ErrUnauthorized, "", nil)
	}

	var record model.Request
	err := s.db.WithContext(ctx).Where("task_id = ? AND user_id = ?", taskID, userID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(ErrNotFound, "任务记录不存在", nil)
	}
	if err != nil {
		return nil, newError(ErrPersistence, "读取任务记录失败", err)
	}
	return &record, nil
}

// ListRequests 分页列出当前用户的任务记录，按创建时间倒序
func (s *TaskService) ListRequests(ctx context.Context, userID string, page, size int) ([]model.Request, int64, error) {
	if userID == "" {
		return nil, 0, newError(ErrUnauthorized, "", nil)
	}
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	query := s.db.WithContext(ctx).Model(&model.Request{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, newError(ErrPersistence, "统计任务记录失败", err)
	}

	var records []model.Request
	if err := query.Order("created_at DESC, id DESC").Offset((page - 1) * size).Limit(size).Find(&records).Error; err != nil {
		return nil, 0, newError(ErrPersistence, "读取任务记录失败", err)
	}
	return records, total, nil
}

// nextSequence 单调递增的快照序号，以纳秒时间为基准以便跨进程重启仍然递增
func (s *TaskService) nextSequence() int64 {
	for {
		last := s.lastSeq.Load()
		next := max(time.Now().UnixNano(), last+1)
		if s.lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}

func upstreamError(message string, err error) *TaskError {
	te := &TaskError{Kind: ErrUpstream, Message: message, Err: err}

	var upstream *instasd.UpstreamError
	if errors.As(err, &upstream) && upstream.Body != "" {
		var body any
		if json.Unmarshal([]byte(upstream.Body), &body) == nil {
			te.Details = body
		} else {
			te.Details = upstream.Body
		}
	}
	return te
}

func isEmptyPayload(payload any) bool {
	switch p := payload.(type) {
	case nil:
		return true
	case json.RawMessage:
		return len(p) == 0 || string(p) == "null"
	case *Payload:
		return p == nil
	}
	return false
}

func nonNil(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}
