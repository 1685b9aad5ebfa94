package service

import (
	"context"
	"sync"
	"time"

	"print-studio/app/config"
	"print-studio/app/logger"
	"print-studio/app/model"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReconcileService 定时补查长时间没有更新的未完成任务。
// 客户端关闭页面后轮询会中断，这里保证记录最终能进入终态。
type ReconcileService struct {
	db      *gorm.DB
	checker StatusChecker
	cfg     config.ReconcileConfig
	log     *logger.Logger

	cron    *cron.Cron
	running sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewReconcileService 创建补查服务
func NewReconcileService(db *gorm.DB, checker StatusChecker, cfg config.ReconcileConfig, log *logger.Logger) *ReconcileService {
	return &ReconcileService{
		db:      db,
		checker: checker,
		cfg:     cfg,
		log:     log.Named("reconcile"),
	}
}

// Start 按配置的 cron 表达式启动定时补查
func (s *ReconcileService) Start() error {
	if !s.cfg.Enabled {
		s.log.Info("任务补查未启用")
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.runScheduled); err != nil {
		s.cancel()
		return err
	}
	s.cron.Start()

	s.log.Info("任务补查服务已启动", zap.String("schedule", s.cfg.Schedule), zap.Duration("stale_after", s.cfg.StaleAfter))
	return nil
}

// Stop 停止调度并等待正在执行的补查结束
func (s *ReconcileService) Stop() {
	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("任务补查服务已停止")
}

func (s *ReconcileService) runScheduled() {
	// 上一轮未结束时跳过
	if !s.running.TryLock() {
		s.log.Debug("上一轮补查仍在进行，跳过")
		return
	}
	defer s.running.Unlock()

	if _, err := s.ReconcileOnce(s.ctx); err != nil {
		s.log.Error("任务补查失败", zap.Error(err))
	}
}

// ReconcileOnce 执行一轮补查，返回本轮检查的任务数
func (s *ReconcileService) ReconcileOnce(ctx context.Context) (int, error) {
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 20
	}
	cutoff := time.Now().Add(-s.cfg.StaleAfter)

	var stale []model.Request
	err := s.db.WithContext(ctx).
		Where("status NOT IN ? AND updated_at < ?", []model.TaskStatus{model.TaskStatusCompleted, model.TaskStatusFailed}, cutoff).
		Order("updated_at ASC").
		Limit(batch).
		Find(&stale).Error
	if err != nil {
		return 0, newError(ErrPersistence, "查询未完成任务失败", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	s.log.Debug("开始补查未完成任务", zap.Int("count", len(stale)))

	checked := 0
	for _, record := range stale {
		if ctx.Err() != nil {
			break
		}
		mode, ok := ParseMode(record.Mode)
		if !ok {
			s.log.Warn("任务记录模式无效，跳过", zap.String("task_id", record.TaskID), zap.String("mode", record.Mode))
			s.postpone(ctx, record)
			continue
		}

		snap, err := s.checker.CheckStatus(ctx, mode, record.TaskID)
		checked++
		if err != nil {
			s.log.Warn("补查任务状态失败", zap.String("task_id", record.TaskID), zap.Error(err))
			s.postpone(ctx, record)
			continue
		}
		if snap.Status.IsTerminal() {
			s.log.Info("补查发现任务已结束", zap.String("task_id", record.TaskID), zap.String("status", string(snap.Status)))
		}
	}
	return checked, nil
}

// postpone 未能补查的记录顺延到队尾，下一轮先处理其他任务
func (s *ReconcileService) postpone(ctx context.Context, record model.Request) {
	err := s.db.WithContext(ctx).Model(&model.Request{}).
		Where("id = ?", record.ID).
		UpdateColumn("updated_at", time.Now()).Error
	if err != nil {
		s.log.Warn("顺延任务记录失败", zap.String("task_id", record.TaskID), zap.Error(err))
	}
}
