package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"print-studio/app/config"
	"print-studio/app/logger"
	"print-studio/app/metrics"
	"print-studio/app/model"

	"go.uber.org/zap"
)

// StatusChecker 查询一次任务状态
type StatusChecker interface {
	CheckStatus(ctx context.Context, mode Mode, taskID string) (*TaskSnapshot, error)
}

// PollerOptions 轮询参数
type PollerOptions struct {
	Interval    time.Duration
	MaxRetries  int // 单次轮询失败后的最大重试次数，0 表示失败即结束
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// PollerOptionsFromConfig 从配置构建轮询参数
func PollerOptionsFromConfig(cfg config.PollerConfig) PollerOptions {
	return PollerOptions{
		Interval:    cfg.Interval,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}
}

// backoff 第 attempt 次重试前的等待时间，指数增长并截断
func (o PollerOptions) backoff(attempt int) time.Duration {
	if o.BackoffBase <= 0 {
		return 0
	}
	d := o.BackoffBase << attempt
	if d <= 0 || (o.BackoffMax > 0 && d > o.BackoffMax) {
		return o.BackoffMax
	}
	return d
}

// TaskPoller 创建轮询会话
type TaskPoller struct {
	checker StatusChecker
	opts    PollerOptions
	log     *logger.Logger
}

// NewTaskPoller 创建轮询器
func NewTaskPoller(checker StatusChecker, opts PollerOptions, log *logger.Logger) *TaskPoller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &TaskPoller{checker: checker, opts: opts, log: log.Named("poller")}
}

// Start 为任务开启轮询会话。会话在终态或 ctx 取消时结束，取消不会通知任务服务。
func (p *TaskPoller) Start(ctx context.Context, taskID string, mode Mode, cb Callbacks) (*PollSession, error) {
	if taskID == "" {
		return nil, badRequest("task_id 不能为空")
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &PollSession{
		TaskID: taskID,
		Mode:   mode,
		poller: p,
		cb:     cb,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  PollPolling,
		status: model.TaskStatusQueued,
		images: []string{},
	}

	metrics.PollSessionStarted()
	p.log.Debug("开始轮询任务", zap.String("task_id", taskID), zap.String("mode", string(mode)))
	go s.run(ctx)
	return s, nil
}

// PollSession 单个任务的轮询会话，同一会话的轮询串行执行、不会重叠
type PollSession struct {
	TaskID string
	Mode   Mode

	poller *TaskPoller
	cb     Callbacks
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	state    PollState
	progress int
	status   model.TaskStatus
	images   []string
	err      error
}

func (s *PollSession) run(ctx context.Context) {
	defer close(s.done)
	defer metrics.PollSessionEnded()
	defer s.cancel()

	ticker := time.NewTicker(s.poller.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelled(ctx)
			return
		case <-ticker.C:
			if s.tick(ctx) {
				return
			}
		}
	}
}

// cancelled 记录取消原因，已是终态时保持不变
func (s *PollSession) cancelled(ctx context.Context) {
	s.mu.Lock()
	if !s.state.IsTerminal() {
		s.err = ctx.Err()
	}
	s.mu.Unlock()
	s.poller.log.Debug("轮询已取消", zap.String("task_id", s.TaskID))
}

// tick 执行一次轮询，返回会话是否结束
func (s *PollSession) tick(ctx context.Context) bool {
	snap, err := s.checkWithRetry(ctx)
	// 查询期间会话被取消，丢弃结果，不再回调
	if ctx.Err() != nil {
		s.cancelled(ctx)
		return true
	}
	if err != nil {
		s.poller.log.Warn("轮询失败，结束会话", zap.String("task_id", s.TaskID), zap.Error(err))
		s.finish(PollErrored, nil, &TaskError{Kind: ErrPolling, Message: "Error checking task status", Err: err})
		return true
	}

	switch snap.Status {
	case model.TaskStatusCompleted:
		s.finish(PollSucceeded, snap, nil)
		return true
	case model.TaskStatusFailed:
		s.finish(PollFailed, snap, &TaskError{Kind: ErrTaskFailed, Message: "Task failed"})
		return true
	default:
		s.mu.Lock()
		s.progress = snap.Progress
		s.status = snap.Status
		s.mu.Unlock()
		s.cb.Notify(PollPolling, snap, nil)
		return false
	}
}

func (s *PollSession) checkWithRetry(ctx context.Context) (*TaskSnapshot, error) {
	opts := s.poller.opts
	for attempt := 0; ; attempt++ {
		snap, err := s.poller.checker.CheckStatus(ctx, s.Mode, s.TaskID)
		if err == nil {
			return snap, nil
		}
		if attempt >= opts.MaxRetries || !retryable(err) {
			return nil, err
		}

		delay := opts.backoff(attempt)
		s.poller.log.Debug("轮询失败，稍后重试",
			zap.String("task_id", s.TaskID), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *PollSession) finish(state PollState, snap *TaskSnapshot, err error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	if snap != nil {
		s.progress = snap.Progress
		s.status = snap.Status
		s.images = snap.ImageURLs
	}
	s.mu.Unlock()

	s.cb.Notify(state, snap, err)
}

// Stop 取消会话并等待其退出
func (s *PollSession) Stop() {
	s.cancel()
	<-s.done
}

// Done 会话结束时关闭
func (s *PollSession) Done() <-chan struct{} {
	return s.done
}

// State 当前状态
func (s *PollSession) State() PollState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Progress 最近一次观察到的进度
func (s *PollSession) Progress() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// Status 最近一次观察到的归一化状态
func (s *PollSession) Status() model.TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// GeneratedImages 完成后得到的图片地址
func (s *PollSession) GeneratedImages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.images...)
}

// Err 会话结束原因，正常完成时为 nil
func (s *PollSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// retryable 参数类错误重试没有意义
func retryable(err error) bool {
	return !errors.Is(err, ErrBadRequest) && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrNotFound)
}
