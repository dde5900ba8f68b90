package service

import (
	"auto-upload/app/config"
	"auto-upload/app/database"
	"auto-upload/app/model"
	"auto-upload/app/storage"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id, accessToken, refreshToken string, expiry *time.Time) *model.User {
	t.Helper()

	user := &model.User{
		ID:                id,
		Email:             id + "@example.com",
		GoogleID:          "g-" + id,
		AccessToken:       accessToken,
		RefreshToken:      refreshToken,
		AccessTokenExpiry: expiry,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

// callLog 记录外部调用顺序
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeJob struct {
	videoID  string
	delay    time.Duration
	canceled bool
}

type fakeScheduler struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*fakeJob
	err  error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]*fakeJob)}
}

func (f *fakeScheduler) Schedule(_ context.Context, delay time.Duration, videoID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	f.seq++
	handle := fmt.Sprintf("h%d", f.seq)
	f.jobs[handle] = &fakeJob{videoID: videoID, delay: delay}
	return handle, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if job, ok := f.jobs[handle]; ok {
		job.canceled = true
	}
	return nil
}

func (f *fakeScheduler) IsLive(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[handle]
	return ok && !job.canceled, nil
}

func (f *fakeScheduler) liveHandles(videoID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var handles []string
	for handle, job := range f.jobs {
		if job.videoID == videoID && !job.canceled {
			handles = append(handles, handle)
		}
	}
	return handles
}

func (f *fakeScheduler) job(handle string) *fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[handle]
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeRefresher struct {
	log   *callLog
	calls int
	fn    func(cred *model.User) (*model.User, error)
}

func (f *fakeRefresher) Refresh(_ context.Context, cred *model.User) (*model.User, error) {
	f.calls++
	f.log.add("refresh")
	if f.fn == nil {
		return cred, nil
	}
	return f.fn(cred)
}

type fakeUploader struct {
	mu     sync.Mutex
	log    *callLog
	calls  int
	tokens []string
	metas  []model.VideoMetadata
	id     string
	err    error
	hold   func(ctx context.Context) error // 模拟耗时上传，在锁外调用
}

func (f *fakeUploader) Upload(ctx context.Context, media io.Reader, meta model.VideoMetadata, accessToken string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.tokens = append(f.tokens, accessToken)
	f.metas = append(f.metas, meta)
	f.log.add("upload")
	hold, id, uploadErr := f.hold, f.id, f.err
	f.mu.Unlock()

	if hold != nil {
		if err := hold(ctx); err != nil {
			return "", err
		}
	}
	if _, err := io.ReadAll(media); err != nil {
		return "", err
	}
	if uploadErr != nil {
		return "", uploadErr
	}
	return id, nil
}

func (f *fakeUploader) setHold(hold func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = hold
}

// sleepOrCancel 阻塞 d 或直到 ctx 结束
func sleepOrCancel(d time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memStorage struct {
	mu    sync.Mutex
	seq   int
	files map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (m *memStorage) Save(_ context.Context, file storage.File) (string, error) {
	data, err := io.ReadAll(file.Content)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("mem/%d%s", m.seq, filepath.Ext(file.Filename))
	m.files[ref] = data
	return ref, nil
}

func (m *memStorage) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, ref)
	return nil
}

func (m *memStorage) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[ref]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", ref, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) has(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[ref]
	return ok
}

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func videoFile(content string) storage.File {
	return storage.File{
		Filename:    "clip.mp4",
		ContentType: "video/mp4",
		Size:        int64(len(content)),
		Content:     strings.NewReader(content),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
