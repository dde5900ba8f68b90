package service

import (
	"auto-upload/app/utils/youtubehelper"
	"errors"
	"fmt"
)

var (
	// ErrNotFound 视频或用户不存在
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied 调用者不是所有者
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidSchedule 目标时间不在未来
	ErrInvalidSchedule = errors.New("schedule time must be in the future")
	// ErrAlreadyDelivered 已成功投递的视频不可再修改
	ErrAlreadyDelivered = errors.New("video has already been delivered")
	// ErrConflict 并发修改导致版本校验失败
	ErrConflict = errors.New("video was modified concurrently")
	// ErrInvalidStatus 未知的状态过滤值
	ErrInvalidStatus = errors.New("invalid status")
	// ErrNoRefreshToken 没有刷新令牌，需要重新授权
	ErrNoRefreshToken = errors.New("no refresh token available, user needs to re-authenticate")
)

// RefreshFailedError 刷新令牌时提供方返回失败
type RefreshFailedError struct {
	Detail string
	Err    error
}

func (e *RefreshFailedError) Error() string {
	if e.Detail == "" {
		return "failed to refresh access token, user needs to re-authenticate"
	}
	return "failed to refresh access token: " + e.Detail
}

func (e *RefreshFailedError) Unwrap() error {
	return e.Err
}

// DeliveryError 包装投递客户端的分类错误
type DeliveryError struct {
	Kind youtubehelper.ErrorKind
	Err  error
}

func (e *DeliveryError) Error() string {
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func newDeliveryError(err error) *DeliveryError {
	return &DeliveryError{Kind: youtubehelper.KindOf(err), Err: err}
}

// StorageError 文件保存或删除失败，同步返回给调用方
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
