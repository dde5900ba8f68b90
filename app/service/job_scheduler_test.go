package service

import (
	"auto-upload/app/config"
	"auto-upload/app/logger"
	"auto-upload/app/model"
	"auto-upload/app/utils/youtubehelper"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		PollInterval:  20 * time.Millisecond,
		MaxConcurrent: 2,
		MaxAttempts:   3,
		RetryDelay:    50 * time.Millisecond,
		JobTimeout:    5 * time.Second,
		RetentionDays: 7,
	}
}

func jobByHandle(t *testing.T, db *gorm.DB, handle string) model.ScheduledJob {
	t.Helper()

	var job model.ScheduledJob
	if err := db.Where("handle = ?", handle).First(&job).Error; err != nil {
		t.Fatalf("load job %s: %v", handle, err)
	}
	return job
}

func TestJobSchedulerFiresAfterDelay(t *testing.T) {
	db := newTestDB(t)
	sched := NewJobScheduler(db, testSchedulerConfig(), logger.NewNop())

	type fire struct {
		videoID, handle string
		at              time.Time
	}
	fired := make(chan fire, 1)
	if err := sched.Start(func(_ context.Context, videoID, handle string) error {
		fired <- fire{videoID, handle, time.Now()}
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	start := time.Now()
	handle, err := sched.Schedule(context.Background(), 200*time.Millisecond, "v1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case f := <-fired:
		if f.videoID != "v1" || f.handle != handle {
			t.Fatalf("unexpected fire %+v", f)
		}
		if f.at.Sub(start) < 200*time.Millisecond {
			t.Fatalf("fired early after %s", f.at.Sub(start))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}

	waitFor(t, time.Second, func() bool { return jobByHandle(t, db, handle).Status == model.JobStatusDone })
	if live, _ := sched.IsLive(context.Background(), handle); live {
		t.Fatal("completed job should not be live")
	}
}

func TestJobSchedulerCancel(t *testing.T) {
	db := newTestDB(t)
	sched := NewJobScheduler(db, testSchedulerConfig(), logger.NewNop())

	var calls atomic.Int32
	if err := sched.Start(func(context.Context, string, string) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	ctx := context.Background()
	handle, err := sched.Schedule(ctx, 100*time.Millisecond, "v1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if live, _ := sched.IsLive(ctx, handle); !live {
		t.Fatal("scheduled job should be live")
	}

	if err := sched.Cancel(ctx, handle); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// 重复取消、空句柄、未知句柄都是空操作
	for _, h := range []string{handle, "", "unknown"} {
		if err := sched.Cancel(ctx, h); err != nil {
			t.Fatalf("cancel %q: %v", h, err)
		}
	}

	time.Sleep(300 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("canceled job fired %d times", calls.Load())
	}
	if job := jobByHandle(t, db, handle); job.Status != model.JobStatusCanceled || job.CompletedAt == nil {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestJobSchedulerRetriesFailedCallback(t *testing.T) {
	db := newTestDB(t)
	cfg := testSchedulerConfig()
	cfg.MaxAttempts = 2
	sched := NewJobScheduler(db, cfg, logger.NewNop())

	var calls atomic.Int32
	if err := sched.Start(func(context.Context, string, string) error {
		calls.Add(1)
		return errors.New("database is locked")
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	handle, err := sched.Schedule(context.Background(), 0, "v1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return jobByHandle(t, db, handle).Status == model.JobStatusFailed })
	job := jobByHandle(t, db, handle)
	if job.Attempts != 2 || calls.Load() != 2 || job.LastError != "database is locked" {
		t.Fatalf("unexpected job %+v after %d calls", job, calls.Load())
	}
}

func TestJobSchedulerRecoversPanic(t *testing.T) {
	db := newTestDB(t)
	cfg := testSchedulerConfig()
	cfg.MaxAttempts = 1
	sched := NewJobScheduler(db, cfg, logger.NewNop())

	if err := sched.Start(func(context.Context, string, string) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	handle, err := sched.Schedule(context.Background(), 0, "v1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return jobByHandle(t, db, handle).Status == model.JobStatusFailed })
}

func TestJobSchedulerRecoversExpiredLeases(t *testing.T) {
	db := newTestDB(t)
	longAgo := time.Now().UTC().Add(-time.Hour)
	justNow := time.Now().UTC()
	jobs := []model.ScheduledJob{
		// 上次进程退出时遗留
		{Handle: "left-running", VideoID: "v1", RunAt: longAgo, Status: model.JobStatusRunning, StartedAt: &longAgo, Attempts: 1},
		// 其他进程刚认领，仍在执行
		{Handle: "fresh-running", VideoID: "v2", RunAt: justNow, Status: model.JobStatusRunning, StartedAt: &justNow, Attempts: 1},
	}
	if err := db.Create(&jobs).Error; err != nil {
		t.Fatalf("seed jobs: %v", err)
	}

	sched := NewJobScheduler(db, testSchedulerConfig(), logger.NewNop())
	fired := make(chan string, 2)
	if err := sched.Start(func(_ context.Context, _ string, handle string) error {
		fired <- handle
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	select {
	case h := <-fired:
		if h != "left-running" {
			t.Fatalf("unexpected handle %s", h)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("interrupted job was not redelivered")
	}

	time.Sleep(200 * time.Millisecond)
	select {
	case h := <-fired:
		t.Fatalf("job %s with a live lease was redelivered", h)
	default:
	}
	if job := jobByHandle(t, db, "fresh-running"); job.Status != model.JobStatusRunning {
		t.Fatalf("fresh job should stay running, got %s", job.Status)
	}
}

func TestJobSchedulerStopReleasesRunningJob(t *testing.T) {
	db := newTestDB(t)
	cfg := testSchedulerConfig()
	cfg.MaxAttempts = 1
	sched := NewJobScheduler(db, cfg, logger.NewNop())

	started := make(chan struct{})
	if err := sched.Start(func(ctx context.Context, _, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	handle, err := sched.Schedule(context.Background(), 0, "v1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	sched.Stop()

	job := jobByHandle(t, db, handle)
	if job.Status != model.JobStatusPending || job.Attempts != 0 {
		t.Fatalf("expected released pending job without used attempt, got %s attempts=%d", job.Status, job.Attempts)
	}
	if live, _ := sched.IsLive(context.Background(), handle); !live {
		t.Fatal("released job should be live")
	}
}

func TestJobSchedulerIgnoresResultAfterLeaseTakenOver(t *testing.T) {
	db := newTestDB(t)
	sched := NewJobScheduler(db, testSchedulerConfig(), logger.NewNop())

	done := make(chan struct{})
	if err := sched.Start(func(_ context.Context, _, handle string) error {
		defer close(done)
		// 模拟租约被收回后另一个执行者重新认领
		return db.Model(&model.ScheduledJob{}).Where("handle = ?", handle).
			Update("attempts", gorm.Expr("attempts + 1")).Error
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	handle, err := sched.Schedule(context.Background(), 0, "v1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}

	time.Sleep(100 * time.Millisecond)
	if job := jobByHandle(t, db, handle); job.Status != model.JobStatusRunning || job.Attempts != 2 {
		t.Fatalf("stale executor overwrote the job: %s attempts=%d", job.Status, job.Attempts)
	}
}

func TestJobSchedulerRespectsConcurrencyLimit(t *testing.T) {
	db := newTestDB(t)
	cfg := testSchedulerConfig()
	cfg.MaxConcurrent = 2
	sched := NewJobScheduler(db, cfg, logger.NewNop())

	var (
		mu      sync.Mutex
		running int
		peak    int
		total   atomic.Int32
	)
	if err := sched.Start(func(context.Context, string, string) error {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()

		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		total.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	for range 5 {
		if _, err := sched.Schedule(context.Background(), 0, "v"); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return total.Load() == 5 })
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("peak concurrency %d exceeds limit", peak)
	}
}

func TestJobSchedulerCleanup(t *testing.T) {
	db := newTestDB(t)
	sched := NewJobScheduler(db, testSchedulerConfig(), logger.NewNop())

	old := time.Now().UTC().AddDate(0, 0, -30)
	recent := time.Now().UTC()
	jobs := []model.ScheduledJob{
		{Handle: "old-done", VideoID: "v", RunAt: old, Status: model.JobStatusDone, CompletedAt: &old},
		{Handle: "old-pending", VideoID: "v", RunAt: old, Status: model.JobStatusPending},
		{Handle: "recent-done", VideoID: "v", RunAt: recent, Status: model.JobStatusDone, CompletedAt: &recent},
	}
	if err := db.Create(&jobs).Error; err != nil {
		t.Fatalf("seed jobs: %v", err)
	}

	removed, err := sched.Cleanup(context.Background())
	if err != nil || removed != 1 {
		t.Fatalf("cleanup: removed %d, err %v", removed, err)
	}

	status, err := sched.QueueStatus(context.Background())
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if status["pending"] != 1 || status["done"] != 1 {
		t.Fatalf("unexpected queue status %v", status)
	}
}

// 以下为接入真实调度器的端到端场景

func newE2EEnv(t *testing.T) (*testEnv, *JobScheduler) {
	t.Helper()

	env := newTestEnv(t)
	sched := NewJobScheduler(env.db, testSchedulerConfig(), logger.NewNop())
	env.svc.scheduler = sched
	if err := sched.Start(env.svc.OnJobFired); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(sched.Stop)
	return env, sched
}

func TestEndToEndScheduledDeliverySucceeds(t *testing.T) {
	env, _ := newE2EEnv(t)

	video := env.create(t, time.Now().Add(2*time.Second))

	waitFor(t, 5*time.Second, func() bool { return env.reload(t, video.ID).Status != model.VideoStatusPending })
	stored := env.reload(t, video.ID)
	if stored.Status != model.VideoStatusSuccess || stored.ExternalID != "yt123" || stored.Message != "" || stored.JobHandle != "" {
		t.Fatalf("unexpected state %+v", stored)
	}
	if env.uploader.callCount() != 1 {
		t.Fatalf("expected 1 upload, got %d", env.uploader.callCount())
	}
}

func TestEndToEndFailureThenReschedule(t *testing.T) {
	env, sched := newE2EEnv(t)
	env.uploader.mu.Lock()
	env.uploader.err = &youtubehelper.UploadError{Kind: youtubehelper.KindTransient, Message: "quota exceeded"}
	env.uploader.mu.Unlock()

	video := env.create(t, time.Now().Add(2*time.Second))

	waitFor(t, 5*time.Second, func() bool { return env.reload(t, video.ID).Status != model.VideoStatusPending })
	failed := env.reload(t, video.ID)
	if failed.Status != model.VideoStatusFailed || failed.Message != "quota exceeded" || failed.JobHandle != "" {
		t.Fatalf("unexpected state %+v", failed)
	}

	updated, err := env.svc.Reschedule(context.Background(), video.ID, time.Now().Add(5*time.Second), "owner")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if updated.Status != model.VideoStatusPending || updated.JobHandle == "" || updated.JobHandle == video.JobHandle {
		t.Fatalf("unexpected state %+v", updated)
	}
	if live, _ := sched.IsLive(context.Background(), updated.JobHandle); !live {
		t.Fatal("new handle should be live")
	}
}

func TestEndToEndRapidReschedulesFireOnce(t *testing.T) {
	env, _ := newE2EEnv(t)

	video := env.create(t, time.Now().Add(time.Hour))
	first, err := env.svc.Reschedule(context.Background(), video.ID, time.Now().Add(300*time.Millisecond), "owner")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	firstHandle := first.JobHandle
	second, err := env.svc.Reschedule(context.Background(), video.ID, time.Now().Add(500*time.Millisecond), "owner")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	secondHandle := second.JobHandle

	waitFor(t, 5*time.Second, func() bool { return env.reload(t, video.ID).Status == model.VideoStatusSuccess })
	time.Sleep(200 * time.Millisecond)

	if env.uploader.callCount() != 1 {
		t.Fatalf("expected exactly one upload, got %d", env.uploader.callCount())
	}
	if job := jobByHandle(t, env.db, firstHandle); job.Status != model.JobStatusCanceled {
		t.Fatalf("first reschedule job should be canceled, got %s", job.Status)
	}
	if job := jobByHandle(t, env.db, secondHandle); job.Status != model.JobStatusDone {
		t.Fatalf("second reschedule job should be done, got %s", job.Status)
	}
}

func TestEndToEndSecondSchedulerDoesNotTakeRunningJob(t *testing.T) {
	env, _ := newE2EEnv(t)
	env.uploader.setHold(sleepOrCancel(800 * time.Millisecond))

	video := env.create(t, time.Now().Add(100*time.Millisecond))
	waitFor(t, 3*time.Second, func() bool { return env.uploader.callCount() == 1 })

	// 第二个进程在上传过程中启动，共用同一个数据库
	other := &fakeUploader{log: &callLog{}, id: "yt999"}
	otherSched := NewJobScheduler(env.db, testSchedulerConfig(), logger.NewNop())
	otherSvc := NewVideoService(VideoServiceDeps{
		DB:              env.db,
		Scheduler:       otherSched,
		Credentials:     NewCredentialStore(env.db),
		Refresher:       &fakeRefresher{log: other.log},
		Uploader:        other,
		Storage:         env.store,
		Logger:          logger.NewNop(),
		MaxFileBytes:    1 << 20,
		DeliveryTimeout: 5 * time.Second,
	})
	if err := otherSched.Start(otherSvc.OnJobFired); err != nil {
		t.Fatalf("start second scheduler: %v", err)
	}
	defer otherSched.Stop()

	waitFor(t, 5*time.Second, func() bool { return env.reload(t, video.ID).Status == model.VideoStatusSuccess })
	time.Sleep(300 * time.Millisecond)

	if n := env.uploader.callCount() + other.callCount(); n != 1 {
		t.Fatalf("expected one upload for the video, got %d", n)
	}
	if stored := env.reload(t, video.ID); stored.ExternalID != "yt123" {
		t.Fatalf("unexpected external id %q", stored.ExternalID)
	}
}

func TestEndToEndShutdownKeepsVideoPending(t *testing.T) {
	env, sched := newE2EEnv(t)
	env.uploader.setHold(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	video := env.create(t, time.Now().Add(100*time.Millisecond))
	waitFor(t, 3*time.Second, func() bool { return env.uploader.callCount() == 1 })
	sched.Stop()

	stored := env.reload(t, video.ID)
	if stored.Status != model.VideoStatusPending || stored.Message != "" || stored.JobHandle != video.JobHandle {
		t.Fatalf("shutdown changed the video: %+v", stored)
	}
	if live, _ := sched.IsLive(context.Background(), stored.JobHandle); !live {
		t.Fatal("job should stay live for the next start")
	}

	// 重启后继续投递
	env.uploader.setHold(nil)
	restarted := NewJobScheduler(env.db, testSchedulerConfig(), logger.NewNop())
	env.svc.scheduler = restarted
	if err := restarted.Start(env.svc.OnJobFired); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer restarted.Stop()

	waitFor(t, 5*time.Second, func() bool { return env.reload(t, video.ID).Status == model.VideoStatusSuccess })
	if env.uploader.callCount() != 2 {
		t.Fatalf("expected the upload to be retried once, got %d calls", env.uploader.callCount())
	}
}
