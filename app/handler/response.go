package handler

import (
	"errors"
	"net/http"

	"print-studio/app/service"

	"github.com/gin-gonic/gin"
)

// ApiResponse 统一的API响应格式
type ApiResponse struct {
	Code    int    `json:"code"`    // 状态码，0表示成功
	Message string `json:"message"` // 响应消息
	Data    any    `json:"data"`    // 响应数据，错误时为附加信息
}

// 创建成功响应
func success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// 创建错误响应
func fail(c *gin.Context, statusCode int, message string, data any) {
	c.JSON(statusCode, ApiResponse{
		Code:    statusCode,
		Message: message,
		Data:    data,
	})
}

// respondError 按错误分类返回状态码，服务端错误附带详情
func respondError(c *gin.Context, err error) {
	status := statusFor(err)

	message := err.Error()
	var te *service.TaskError
	if errors.As(err, &te) {
		message = te.Message
		if message == "" {
			message = te.Kind.Error()
		}
	}

	var details any
	if status == http.StatusInternalServerError {
		details = service.ErrorDetails(err)
		if details == nil && te != nil && te.Err != nil {
			details = te.Err.Error()
		}
	}
	fail(c, status, message, details)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
