package service

import (
	"auto-upload/app/config"
	"auto-upload/app/logger"
	"auto-upload/app/metrics"
	"auto-upload/app/model"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// JobHandler 任务到期时的回调，返回错误时任务会被重新投递
type JobHandler func(ctx context.Context, videoID, handle string) error

// leaseGrace 回调超时之后额外保留的租约时间，留给结果落库
const leaseGrace = 30 * time.Second

// JobScheduler 基于数据库的延时任务调度器
//
// 到期任务通过条件更新 pending -> running 认领，同一任务同一时刻只会有一个执行者。
// running 状态是一份租约：started_at 超过 JobTimeout+leaseGrace 仍未结束的任务才会被收回，
// 多个进程共用一个数据库时不会抢走彼此正在执行的任务。
// 回调失败时按 RetryDelay 重新排队，直到 MaxAttempts。
type JobScheduler struct {
	db      *gorm.DB
	cfg     config.SchedulerConfig
	log     *logger.Logger
	handler JobHandler
	workers chan struct{} // 并发槽位
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	now     func() time.Time
}

// NewJobScheduler 创建延时任务调度器
func NewJobScheduler(db *gorm.DB, cfg config.SchedulerConfig, log *logger.Logger) *JobScheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}

	return &JobScheduler{
		db:      db,
		cfg:     cfg,
		log:     log,
		workers: make(chan struct{}, cfg.MaxConcurrent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Schedule 在 delay 之后触发 videoID 的投递，返回任务句柄
func (s *JobScheduler) Schedule(ctx context.Context, delay time.Duration, videoID string) (string, error) {
	if delay < 0 {
		delay = 0
	}

	job := &model.ScheduledJob{
		Handle:  uuid.NewString(),
		VideoID: videoID,
		RunAt:   s.now().Add(delay),
		Status:  model.JobStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", fmt.Errorf("schedule job for video %s: %w", videoID, err)
	}

	metrics.JobsScheduled.Inc()
	s.log.Debug("已添加延时任务", logger.VideoID(videoID), logger.JobHandle(job.Handle), zap.Time("run_at", job.RunAt))
	return job.Handle, nil
}

// Cancel 取消尚未开始的任务；已执行、已取消或不存在的句柄为空操作
func (s *JobScheduler) Cancel(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}

	now := s.now()
	result := s.db.WithContext(ctx).Model(&model.ScheduledJob{}).
		Where("handle = ? AND status = ?", handle, model.JobStatusPending).
		Updates(map[string]any{
			"status":       model.JobStatusCanceled,
			"completed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("cancel job %s: %w", handle, result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.Debug("已取消延时任务", logger.JobHandle(handle))
	}
	return nil
}

// IsLive 任务是否仍处于等待或执行中
func (s *JobScheduler) IsLive(ctx context.Context, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}

	var job model.ScheduledJob
	err := s.db.WithContext(ctx).Where("handle = ?", handle).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return job.IsLive(), nil
}

// Start 启动任务处理器
func (s *JobScheduler) Start(handler JobHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if handler == nil {
		return errors.New("job handler is required")
	}

	// 收回租约已过期的任务，仍在其他进程执行中的任务保持不动
	if _, err := s.recoverExpired(); err != nil {
		return err
	}

	s.handler = handler
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.worker()

	s.log.Infof("延时任务调度器已启动，最大并发数: %d", s.cfg.MaxConcurrent)
	return nil
}

// Stop 停止任务处理器并等待执行中的回调返回
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	s.cancel()
	s.wg.Wait()

	s.log.Info("延时任务调度器已停止")
}

// worker 轮询到期任务
func (s *JobScheduler) worker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(s.sweepInterval())
	defer sweep.Stop()

	s.processDueJobs()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.processDueJobs()
		case <-sweep.C:
			if _, err := s.recoverExpired(); err != nil {
				s.log.Error("收回过期任务失败", zap.Error(err))
			}
		}
	}
}

func (s *JobScheduler) leaseDuration() time.Duration {
	return s.cfg.JobTimeout + leaseGrace
}

func (s *JobScheduler) sweepInterval() time.Duration {
	return min(max(s.leaseDuration()/4, s.cfg.PollInterval), time.Minute)
}

// recoverExpired 将租约过期的 running 任务重置为 pending，返回重置数量
func (s *JobScheduler) recoverExpired() (int64, error) {
	cutoff := s.now().Add(-s.leaseDuration())
	result := s.db.Model(&model.ScheduledJob{}).
		Where("status = ? AND (started_at IS NULL OR started_at < ?)", model.JobStatusRunning, cutoff).
		Update("status", model.JobStatusPending)
	if result.Error != nil {
		return 0, fmt.Errorf("recover expired jobs: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.log.Infof("已将 %d 个租约过期的任务重置为待处理", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// processDueJobs 认领到期任务并分派，返回分派数量
func (s *JobScheduler) processDueJobs() int {
	free := cap(s.workers) - len(s.workers)
	if free <= 0 {
		return 0
	}

	var jobs []model.ScheduledJob
	err := s.db.Where("status = ? AND run_at <= ?", model.JobStatusPending, s.now()).
		Order("run_at ASC").
		Limit(free).
		Find(&jobs).Error
	if err != nil {
		s.log.Errorf("获取到期任务失败: %v", err)
		return 0
	}

	dispatched := 0
	for i := range jobs {
		job := jobs[i]

		select {
		case s.workers <- struct{}{}: // 获取槽位
		default:
			return dispatched
		}

		claimed, err := s.claim(&job)
		if err != nil || !claimed {
			<-s.workers
			if err != nil {
				s.log.Errorf("认领任务失败: %v", err)
			}
			continue
		}

		s.wg.Add(1)
		dispatched++
		go s.execute(job)
	}
	return dispatched
}

// claim 条件更新 pending -> running，只有一个调用方会成功
func (s *JobScheduler) claim(job *model.ScheduledJob) (bool, error) {
	now := s.now()
	result := s.db.Model(&model.ScheduledJob{}).
		Where("id = ? AND status = ?", job.ID, model.JobStatusPending).
		Updates(map[string]any{
			"status":     model.JobStatusRunning,
			"started_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected != 1 {
		return false, nil
	}

	job.Status = model.JobStatusRunning
	job.StartedAt = &now
	job.Attempts++
	return true, nil
}

// execute 执行单个任务
func (s *JobScheduler) execute(job model.ScheduledJob) {
	defer func() {
		<-s.workers // 释放槽位
		s.wg.Done()
	}()

	log := s.log.With(logger.VideoID(job.VideoID), logger.JobHandle(job.Handle))
	log.Info("开始执行延时任务", zap.Int("attempt", job.Attempts))

	startTime := time.Now()
	err := s.invoke(job)
	log.Debug("延时任务执行结束", zap.Duration("elapsed", time.Since(startTime)))

	now := s.now()
	if err != nil && s.ctx.Err() != nil {
		// 调度器停止导致回调中断，不计入重试次数，下次启动时立即执行
		metrics.JobsFired.WithLabelValues("released").Inc()
		log.Info("调度器停止，任务放回队列", zap.Error(err))
		s.finish(job, map[string]any{
			"status":     model.JobStatusPending,
			"run_at":     now,
			"attempts":   job.Attempts - 1,
			"last_error": err.Error(),
		})
		return
	}

	if err == nil {
		metrics.JobsFired.WithLabelValues("done").Inc()
		s.finish(job, map[string]any{
			"status":       model.JobStatusDone,
			"completed_at": now,
			"last_error":   "",
		})
		return
	}

	if job.Attempts >= s.cfg.MaxAttempts {
		metrics.JobsFired.WithLabelValues("failed").Inc()
		log.Error("延时任务失败(超过重试次数)", zap.Int("attempts", job.Attempts), zap.Error(err))
		s.finish(job, map[string]any{
			"status":       model.JobStatusFailed,
			"completed_at": now,
			"last_error":   err.Error(),
		})
		return
	}

	metrics.JobsFired.WithLabelValues("retry").Inc()
	log.Warn("延时任务失败，将重试", zap.Int("attempts", job.Attempts), zap.Int("max_attempts", s.cfg.MaxAttempts), zap.Error(err))
	s.finish(job, map[string]any{
		"status":     model.JobStatusPending,
		"run_at":     now.Add(s.cfg.RetryDelay),
		"last_error": err.Error(),
	})
}

// invoke 调用回调，回调 panic 视为失败
func (s *JobScheduler) invoke(job model.ScheduledJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	return s.handler(ctx, job.VideoID, job.Handle)
}

// finish 以认领时的 attempts 为条件写回，租约被收回并再次认领后旧执行者的结果不会覆盖
func (s *JobScheduler) finish(job model.ScheduledJob, updates map[string]any) {
	result := s.db.Model(&model.ScheduledJob{}).
		Where("id = ? AND status = ? AND attempts = ?", job.ID, model.JobStatusRunning, job.Attempts).
		Updates(updates)
	if result.Error != nil {
		s.log.Error("保存任务状态失败", logger.JobHandle(job.Handle), zap.Error(result.Error))
		return
	}
	if result.RowsAffected == 0 {
		s.log.Warn("任务租约已被收回，结果未保存", logger.JobHandle(job.Handle))
	}
}

// QueueStatus 各状态任务数量
func (s *JobScheduler) QueueStatus(ctx context.Context) (map[string]int64, error) {
	status := make(map[string]int64)

	for _, st := range []model.JobStatus{model.JobStatusPending, model.JobStatusRunning, model.JobStatusDone, model.JobStatusCanceled, model.JobStatusFailed} {
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.ScheduledJob{}).Where("status = ?", st).Count(&count).Error; err != nil {
			return nil, err
		}
		status[string(st)] = count
	}

	return status, nil
}

// Cleanup 删除超过保留期的终态任务
func (s *JobScheduler) Cleanup(ctx context.Context) (int64, error) {
	days := s.cfg.RetentionDays
	if days <= 0 {
		days = 7
	}
	cutoff := s.now().AddDate(0, 0, -days)

	result := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []model.JobStatus{model.JobStatusDone, model.JobStatusCanceled, model.JobStatusFailed}, cutoff).
		Delete(&model.ScheduledJob{})
	if result.Error != nil {
		s.log.Errorf("清理终态任务失败: %v", result.Error)
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		s.log.Infof("清理了 %d 个终态任务（超过%d天）", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}
