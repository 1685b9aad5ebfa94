package handler

import (
	"errors"
	"net/http"

	"print-studio/app/middleware"
	"print-studio/app/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AuthHandler 当前用户信息
type AuthHandler struct {
	db *gorm.DB
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(db *gorm.DB) *AuthHandler {
	return &AuthHandler{db: db}
}

// Me 获取当前用户信息，用户需已由身份提供方同步
func (h *AuthHandler) Me(c *gin.Context) {
	userID := middleware.CurrentUserID(c)
	if userID == "" {
		fail(c, http.StatusUnauthorized, "未认证", nil)
		return
	}

	var user model.User
	err := h.db.WithContext(c.Request.Context()).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusNotFound, "用户不存在", nil)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "读取用户失败", err.Error())
		return
	}

	success(c, user, "success")
}
