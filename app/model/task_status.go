package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TaskStatus 归一化后的任务状态
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "QUEUED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
)

// IsTerminal 是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

var upper = cases.Upper(language.Und)

// NormalizeStatus 将任务服务与 webhook 的状态词汇映射到统一集合。
// 无法识别的状态按进行中处理，继续轮询。
func NormalizeStatus(raw string) TaskStatus {
	s := upper.String(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)

	switch s {
	case "CREATED", "IN_QUEUE", "QUEUED", "PENDING", "NOT_STARTED":
		return TaskStatusQueued
	case "COMPLETED", "SUCCESS", "SUCCEEDED", "DONE":
		return TaskStatusCompleted
	case "FAILED", "FAILURE", "ERROR", "CANCELLED", "CANCELED", "TIMED_OUT":
		return TaskStatusFailed
	default:
		// IN_PROGRESS, EXECUTING, RUNNING, STARTED, UPLOADING ...
		return TaskStatusInProgress
	}
}

// ComputeProgress 计算完成百分比。
// 完成时固定为 100；预计步数缺失或为 0 时返回 0，结果限制在 [0,100]。
func ComputeProgress(status TaskStatus, completedSteps, estimatedSteps *int) int {
	if status == TaskStatusCompleted {
		return 100
	}
	if completedSteps == nil || estimatedSteps == nil || *estimatedSteps <= 0 || *completedSteps <= 0 {
		return 0
	}
	return min(*completedSteps*100 / *estimatedSteps, 100)
}

// webhookProgress webhook 推送没有步数，按阶段给出估算进度
var webhookProgress = map[string]int{
	"queued":    10,
	"started":   20,
	"running":   60,
	"uploading": 80,
	"success":   100,
}

// WebhookProgress 返回 webhook 状态对应的估算进度
func WebhookProgress(raw string) int {
	return webhookProgress[strings.ToLower(strings.TrimSpace(raw))]
}

// StatusLabel 面向用户的状态描述
func StatusLabel(raw string) string {
	switch upper.String(strings.TrimSpace(raw)) {
	case "IN_QUEUE", "QUEUED", "CREATED":
		return "Queued for processing"
	case "EXECUTING", "IN_PROGRESS", "RUNNING":
		return "Generating images..."
	case "COMPLETED", "SUCCESS":
		return "Generation completed"
	case "FAILED", "ERROR":
		return "Generation failed"
	case "":
		return "Processing..."
	default:
		return raw
	}
}
