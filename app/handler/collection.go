package handler

import (
	"net/http"

	"print-studio/app/middleware"
	"print-studio/app/service"

	"github.com/gin-gonic/gin"
)

// CollectionHandler 收藏夹处理器
type CollectionHandler struct {
	collections *service.CollectionService
}

// NewCollectionHandler 创建收藏夹处理器
func NewCollectionHandler(collections *service.CollectionService) *CollectionHandler {
	return &CollectionHandler{collections: collections}
}

// SaveCollectionRequest 创建收藏夹或向同名收藏夹添加图片
type SaveCollectionRequest struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
}

// Save 创建收藏夹，同名时追加图片
func (h *CollectionHandler) Save(c *gin.Context) {
	var req SaveCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	collection, err := h.collections.Save(c.Request.Context(), middleware.CurrentUserID(c), req.Name, req.ImageURL)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, collection, "Image saved to collection.")
}

// List 列出当前用户的收藏夹
func (h *CollectionHandler) List(c *gin.Context) {
	collections, err := h.collections.List(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, collections, "success")
}

// AllImages 当前用户收藏过的所有图片
func (h *CollectionHandler) AllImages(c *gin.Context) {
	images, err := h.collections.AllImages(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"images": images}, "success")
}

// Get 获取收藏夹详情
func (h *CollectionHandler) Get(c *gin.Context) {
	collection, err := h.collections.Get(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, collection, "success")
}

// Rename 重命名收藏夹
func (h *CollectionHandler) Rename(c *gin.Context) {
	var req SaveCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	collection, err := h.collections.Rename(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, collection, "Collection renamed successfully.")
}

// Delete 删除收藏夹
func (h *CollectionHandler) Delete(c *gin.Context) {
	if err := h.collections.Delete(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	success(c, nil, "Collection deleted successfully.")
}

// AddImage 向收藏夹添加图片
func (h *CollectionHandler) AddImage(c *gin.Context) {
	var req ImageURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	collection, err := h.collections.AddImage(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"), req.target())
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, collection, "Image added to collection.")
}

// RemoveImage 从收藏夹移除图片
func (h *CollectionHandler) RemoveImage(c *gin.Context) {
	var req ImageURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	if err := h.collections.RemoveImage(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"), req.target()); err != nil {
		respondError(c, err)
		return
	}
	success(c, nil, "Image removed from collection.")
}
