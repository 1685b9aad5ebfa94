package handler

import (
	"io"
	"net/http"

	"print-studio/app/logger"
	"print-studio/app/middleware"
	"print-studio/app/service"

	"github.com/gin-gonic/gin"
)

// ImageHandler 图片上传、转存、删除与印花描述
type ImageHandler struct {
	blobs    *service.BlobService
	describe *service.DescribeService
	log      *logger.Logger
}

// NewImageHandler 创建图片处理器
func NewImageHandler(blobs *service.BlobService, describe *service.DescribeService, log *logger.Logger) *ImageHandler {
	return &ImageHandler{blobs: blobs, describe: describe, log: log.Named("image")}
}

// ImageURLRequest 只包含图片地址的请求
type ImageURLRequest struct {
	ImageURL string `json:"imageUrl"`
	URL      string `json:"url"`
}

func (r ImageURLRequest) target() string {
	if r.ImageURL != "" {
		return r.ImageURL
	}
	return r.URL
}

// Upload 上传图片到 folder 目录，默认 uploads
func (h *ImageHandler) Upload(c *gin.Context) {
	if middleware.CurrentUserID(c) == "" {
		fail(c, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "No file uploaded.", nil)
		return
	}
	if header.Size > h.blobs.MaxBytes() {
		fail(c, http.StatusBadRequest, "文件超过大小限制", nil)
		return
	}

	file, err := header.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, "读取上传文件失败", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.blobs.MaxBytes()+1))
	if err != nil {
		fail(c, http.StatusBadRequest, "读取上传文件失败", nil)
		return
	}

	info, err := h.blobs.Put(c.DefaultPostForm("folder", "uploads"), header.Filename, data)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, info, "上传成功")
}

// Verify 确保远程图片已转存到当前用户目录
func (h *ImageHandler) Verify(c *gin.Context) {
	var req ImageURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	info, err := h.blobs.Verify(c.Request.Context(), middleware.CurrentUserID(c), req.target())
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, info, "success")
}

// Delete 删除已存储的图片
func (h *ImageHandler) Delete(c *gin.Context) {
	if middleware.CurrentUserID(c) == "" {
		fail(c, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	var req ImageURLRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.target() == "" {
		fail(c, http.StatusBadRequest, "url 不能为空", nil)
		return
	}

	if err := h.blobs.Delete(req.target()); err != nil {
		respondError(c, err)
		return
	}
	success(c, nil, "Image deleted successfully.")
}

// Describe 生成图片中印花的文字描述
func (h *ImageHandler) Describe(c *gin.Context) {
	var req ImageURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Image URL is required", nil)
		return
	}

	description, err := h.describe.Describe(c.Request.Context(), req.target())
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"description": description}, "success")
}
