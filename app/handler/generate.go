package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"print-studio/app/logger"
	"print-studio/app/middleware"
	"print-studio/app/model"
	"print-studio/app/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GenerateHandler 提交生成任务与查询任务状态
type GenerateHandler struct {
	tasks  *service.TaskService
	poller *service.TaskPoller
	log    *logger.Logger
}

// NewGenerateHandler 创建生成任务处理器
func NewGenerateHandler(tasks *service.TaskService, poller *service.TaskPoller, log *logger.Logger) *GenerateHandler {
	return &GenerateHandler{tasks: tasks, poller: poller, log: log.Named("generate")}
}

// GenerateRequest 提交任务请求。payload 原样转发；未提供 payload 时由 input 在服务端构建。
type GenerateRequest struct {
	APIMode string                 `json:"apiMode"`
	Payload json.RawMessage        `json:"payload"`
	Input   *service.GenerateInput `json:"input"`
}

// Submit 提交生成任务
func (h *GenerateHandler) Submit(c *gin.Context) {
	userID := middleware.CurrentUserID(c)
	if userID == "" {
		fail(c, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	mode, ok := service.ParseMode(req.APIMode)
	if !ok {
		fail(c, http.StatusBadRequest, "Missing endpoint or payload", nil)
		return
	}

	var payload any = req.Payload
	if (len(req.Payload) == 0 || string(req.Payload) == "null") && req.Input != nil {
		built, err := service.BuildPayload(mode, *req.Input)
		if err != nil {
			respondError(c, err)
			return
		}
		payload = built
	}

	res, err := h.tasks.Submit(c.Request.Context(), userID, mode, payload)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, res, "任务已创建")
}

// Status 查询一次任务状态并写回记录
func (h *GenerateHandler) Status(c *gin.Context) {
	apiMode := c.Query("apiMode")
	taskID := c.Query("task_id")
	if apiMode == "" || taskID == "" {
		fail(c, http.StatusBadRequest, "Missing apiMode or task_id", nil)
		return
	}
	mode, ok := service.ParseMode(apiMode)
	if !ok {
		fail(c, http.StatusBadRequest, "Unknown mode", nil)
		return
	}

	snap, err := h.tasks.CheckStatus(c.Request.Context(), mode, taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, snap, "success")
}

type pollEvent struct {
	name string
	data any
}

// Events 在服务端运行轮询会话，以 SSE 推送 progress / complete / error 事件。
// 客户端断开即取消会话。
func (h *GenerateHandler) Events(c *gin.Context) {
	taskID := c.Param("task_id")
	mode, ok := service.ParseMode(c.Query("apiMode"))
	if !ok {
		// 未指定模式时使用任务记录中的模式
		record, err := h.tasks.GetRequest(c.Request.Context(), middleware.CurrentUserID(c), taskID)
		if err != nil {
			respondError(c, err)
			return
		}
		if mode, ok = service.ParseMode(record.Mode); !ok {
			fail(c, http.StatusBadRequest, "Unknown mode", nil)
			return
		}
	}

	ctx := c.Request.Context()
	events := make(chan pollEvent, 8)
	send := func(ev pollEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	session, err := h.poller.Start(ctx, taskID, mode, service.Callbacks{
		OnProgress: func(progress int, status model.TaskStatus, snap *service.TaskSnapshot) {
			send(pollEvent{name: "progress", data: gin.H{"progress": progress, "status": status, "label": snap.Label}})
		},
		OnComplete: func(imageURLs []string, snap *service.TaskSnapshot) {
			send(pollEvent{name: "complete", data: gin.H{"progress": 100, "image_urls": imageURLs, "video_urls": snap.VideoURLs}})
		},
		OnError: func(err error) {
			send(pollEvent{name: "error", data: gin.H{"error": err.Error()}})
		},
	})
	if err != nil {
		respondError(c, err)
		return
	}
	defer session.Stop()

	h.log.Debug("开始推送任务进度", zap.String("task_id", taskID), zap.String("mode", string(mode)))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent(ev.name, ev.data)
			return ev.name == "progress"
		case <-session.Done():
			// 会话结束时可能还有未取出的事件
			select {
			case ev := <-events:
				c.SSEvent(ev.name, ev.data)
				return ev.name == "progress"
			default:
				return false
			}
		case <-ctx.Done():
			return false
		}
	})
}
