package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStorage 本地文件系统存储，引用为文件完整路径
type LocalStorage struct {
	dir      string
	maxBytes int64
}

// NewLocalStorage 创建本地存储并确保目录存在
func NewLocalStorage(dir string, maxBytes int64) (*LocalStorage, error) {
	if dir == "" {
		return nil, errors.New("local storage: directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("local storage: create %s: %w", dir, err)
	}
	return &LocalStorage{dir: dir, maxBytes: maxBytes}, nil
}

// Save 以随机文件名保存，保留原扩展名
func (s *LocalStorage) Save(ctx context.Context, file File) (string, error) {
	if err := Validate(file, s.maxBytes); err != nil {
		return "", err
	}

	name := uuid.NewString() + filepath.Ext(file.Filename)
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("local storage: create %s: %w", name, err)
	}

	reader := file.Content
	if s.maxBytes > 0 {
		// 多读一个字节用于检测声明大小与实际不符的情况
		reader = io.LimitReader(file.Content, s.maxBytes+1)
	}
	n, err := io.Copy(f, contextReader{ctx: ctx, r: reader})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && s.maxBytes > 0 && n > s.maxBytes {
		err = fmt.Errorf("%w: video too large", ErrInvalidFile)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("local storage: write %s: %w", name, err)
	}

	return path, nil
}

// Delete 删除文件，文件不存在时不报错
func (s *LocalStorage) Delete(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("local storage: delete %s: %w", filepath.Base(ref), err)
	}
	return nil
}

// Open 打开文件用于读取
func (s *LocalStorage) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(ref)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("video file not found: %s", filepath.Base(ref))
		}
		return nil, fmt.Errorf("local storage: open %s: %w", filepath.Base(ref), err)
	}
	return f, nil
}

// contextReader 在上下文取消后停止读取
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
