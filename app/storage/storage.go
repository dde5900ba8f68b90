package storage

import (
	"auto-upload/app/config"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidFile 文件未通过校验
var ErrInvalidFile = errors.New("invalid video file")

// File 待保存的视频文件
type File struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// Storage 视频文件存储
type Storage interface {
	Save(ctx context.Context, file File) (string, error)
	Delete(ctx context.Context, ref string) error
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Validate 校验文件：非空、video/* 类型、不超过 maxBytes
func Validate(file File, maxBytes int64) error {
	if file.Content == nil || file.Size <= 0 {
		return fmt.Errorf("%w: file is empty", ErrInvalidFile)
	}
	if !strings.HasPrefix(file.ContentType, "video/") {
		return fmt.Errorf("%w: only video files are allowed", ErrInvalidFile)
	}
	if maxBytes > 0 && file.Size > maxBytes {
		return fmt.Errorf("%w: video too large", ErrInvalidFile)
	}
	return nil
}

// New 按配置创建存储后端
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	maxBytes := cfg.MaxSizeMB * 1024 * 1024
	switch cfg.Driver {
	case "s3":
		return NewS3Storage(ctx, cfg.S3, maxBytes)
	case "local", "":
		return NewLocalStorage(cfg.LocalDir, maxBytes)
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Driver)
	}
}
