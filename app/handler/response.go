package handler

import (
	"auto-upload/app/logger"
	"auto-upload/app/service"
	"auto-upload/app/storage"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ApiResponse 统一响应结构
type ApiResponse struct {
	Code    int    `json:"code"`    // 状态码，0表示成功
	Message string `json:"message"` // 响应消息
	Data    any    `json:"data"`    // 响应数据
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
func fail(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    statusCode,
		Message: message,
		Data:    nil,
	})
}

// statusOf 服务层错误对应的 HTTP 状态码
func statusOf(err error) int {
	var storageErr *service.StorageError
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidSchedule), errors.Is(err, service.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAlreadyDelivered), errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &storageErr) && errors.Is(err, storage.ErrInvalidFile):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// serviceError 按错误类型返回响应，内部错误只记录日志
func serviceError(c *gin.Context, log *logger.Logger, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Error("请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
		fail(c, status, "internal server error")
		return
	}
	fail(c, status, err.Error())
}
