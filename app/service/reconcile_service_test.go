package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"print-studio/app/config"
	"print-studio/app/logger"
	"print-studio/app/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingChecker struct {
	mu    sync.Mutex
	seen  []string
	fails map[string]bool
}

func (c *recordingChecker) CheckStatus(ctx context.Context, mode Mode, taskID string) (*TaskSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, string(mode)+":"+taskID)
	if c.fails[taskID] {
		return nil, errors.New("boom")
	}
	return &TaskSnapshot{TaskID: taskID, Status: model.TaskStatusCompleted}, nil
}

func seedAged(t *testing.T, db *gorm.DB, taskID, mode string, status model.TaskStatus, age time.Duration) {
	t.Helper()
	ts := time.Now().Add(-age)
	require.NoError(t, db.Create(&model.Request{
		TaskID:    taskID,
		UserID:    "user_1",
		Mode:      mode,
		Status:    status,
		ImageURLs: "[]",
		VideoURLs: "[]",
		CreatedAt: ts,
		UpdatedAt: ts,
	}).Error)
}

func TestReconcileOnce_ChecksOnlyStaleOpenTasks(t *testing.T) {
	db := newTestDB(t)
	seedAged(t, db, "stale_queued", "text", model.TaskStatusQueued, time.Hour)
	seedAged(t, db, "stale_running", "image", model.TaskStatusInProgress, 30*time.Minute)
	seedAged(t, db, "fresh", "text", model.TaskStatusInProgress, 0)
	seedAged(t, db, "done", "text", model.TaskStatusCompleted, time.Hour)
	seedAged(t, db, "failed", "text", model.TaskStatusFailed, time.Hour)
	seedAged(t, db, "bad_mode", "video", model.TaskStatusQueued, time.Hour)

	checker := &recordingChecker{fails: map[string]bool{"stale_running": true}}
	svc := NewReconcileService(db, checker, config.ReconcileConfig{StaleAfter: time.Minute, BatchSize: 10}, logger.NewNop())

	checked, err := svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	assert.Equal(t, []string{"text:stale_queued", "image:stale_running"}, checker.seen)
}

func TestReconcileOnce_RespectsBatchSize(t *testing.T) {
	db := newTestDB(t)
	seedAged(t, db, "a", "text", model.TaskStatusQueued, 3*time.Hour)
	seedAged(t, db, "b", "text", model.TaskStatusQueued, 2*time.Hour)
	seedAged(t, db, "c", "text", model.TaskStatusQueued, time.Hour)

	checker := &recordingChecker{}
	svc := NewReconcileService(db, checker, config.ReconcileConfig{StaleAfter: time.Minute, BatchSize: 2}, logger.NewNop())

	checked, err := svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	assert.Equal(t, []string{"text:a", "text:b"}, checker.seen)
}

func TestReconcileService_StartDisabled(t *testing.T) {
	svc := NewReconcileService(newTestDB(t), &recordingChecker{}, config.ReconcileConfig{Enabled: false}, logger.NewNop())
	require.NoError(t, svc.Start())
	svc.Stop()
}

func TestReconcileService_InvalidSchedule(t *testing.T) {
	svc := NewReconcileService(newTestDB(t), &recordingChecker{}, config.ReconcileConfig{Enabled: true, Schedule: "not a schedule"}, logger.NewNop())
	assert.Error(t, svc.Start())
}

func TestReconcileService_StartStop(t *testing.T) {
	svc := NewReconcileService(newTestDB(t), &recordingChecker{}, config.ReconcileConfig{Enabled: true, Schedule: "@every 1h"}, logger.NewNop())
	require.NoError(t, svc.Start())
	svc.Stop()
}

func TestReconcileOnce_FailingTasksDoNotStarveOthers(t *testing.T) {
	db := newTestDB(t)
	seedAged(t, db, "bad1", "text", model.TaskStatusQueued, 3*time.Hour)
	seedAged(t, db, "bad2", "text", model.TaskStatusQueued, 2*time.Hour)
	seedAged(t, db, "bad_mode", "video", model.TaskStatusQueued, 150*time.Minute)
	seedAged(t, db, "good", "text", model.TaskStatusQueued, time.Hour)

	checker := &recordingChecker{fails: map[string]bool{"bad1": true, "bad2": true}}
	svc := NewReconcileService(db, checker, config.ReconcileConfig{StaleAfter: time.Minute, BatchSize: 2}, logger.NewNop())
	ctx := context.Background()

	// 第一轮: bad1 失败、bad_mode 跳过，两者顺延
	_, err := svc.ReconcileOnce(ctx)
	require.NoError(t, err)
	// 第二轮轮到 bad2 与 good
	_, err = svc.ReconcileOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"text:bad1", "text:bad2", "text:good"}, checker.seen)
}
