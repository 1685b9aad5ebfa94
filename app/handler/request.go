package handler

import (
	"net/http"
	"strconv"

	"print-studio/app/logger"
	"print-studio/app/middleware"
	"print-studio/app/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestHandler 任务记录相关接口
type RequestHandler struct {
	tasks *service.TaskService
	blobs *service.BlobService
	log   *logger.Logger
}

// NewRequestHandler 创建任务记录处理器
func NewRequestHandler(tasks *service.TaskService, blobs *service.BlobService, log *logger.Logger) *RequestHandler {
	return &RequestHandler{tasks: tasks, blobs: blobs, log: log.Named("request")}
}

// List 分页列出当前用户的任务记录
func (h *RequestHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	records, total, err := h.tasks.ListRequests(c.Request.Context(), middleware.CurrentUserID(c), page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	}, "success")
}

// Get 查询单条任务记录
func (h *RequestHandler) Get(c *gin.Context) {
	record, err := h.tasks.GetRequest(c.Request.Context(), middleware.CurrentUserID(c), c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, record, "success")
}

// UpdateTask 直接覆盖任务状态
func (h *RequestHandler) UpdateTask(c *gin.Context) {
	var req service.UpdateTaskInput
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	record, err := h.tasks.UpdateTask(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, record, "Task updated successfully")
}

// CheckImageRequest 检查图片请求
type CheckImageRequest struct {
	TaskID string `json:"taskId"`
}

// CheckImage 检查任务的首张图片是否仍可访问，失效时重新查询任务状态以刷新地址
func (h *RequestHandler) CheckImage(c *gin.Context) {
	var req CheckImageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TaskID == "" {
		fail(c, http.StatusBadRequest, "Missing taskId", nil)
		return
	}

	ctx := c.Request.Context()
	record, err := h.tasks.GetRequest(ctx, middleware.CurrentUserID(c), req.TaskID)
	if err != nil {
		respondError(c, err)
		return
	}

	images := record.Images()
	if len(images) == 0 {
		fail(c, http.StatusNotFound, "No image found", nil)
		return
	}

	if h.blobs.Reachable(ctx, images[0]) {
		success(c, gin.H{"valid": true}, "Image is valid.")
		return
	}

	h.log.Info("任务图片已失效，重新查询任务状态", zap.String("task_id", req.TaskID))
	mode, ok := service.ParseMode(record.Mode)
	if !ok {
		fail(c, http.StatusBadRequest, "Unknown mode", nil)
		return
	}
	snap, err := h.tasks.CheckStatus(ctx, mode, req.TaskID)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"valid": false, "snapshot": snap}, "Refresh request sent for broken image.")
}
