package service

import (
	"auto-upload/app/config"
	"auto-upload/app/logger"
	"auto-upload/app/metrics"
	"auto-upload/app/model"
	"auto-upload/app/storage"
	"auto-upload/app/utils/keylock"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 离线期间错过投递时间时写入的失败信息
const missedScheduleMessage = "missed schedule while offline"

// Scheduler 延时任务调度
type Scheduler interface {
	Schedule(ctx context.Context, delay time.Duration, videoID string) (string, error)
	Cancel(ctx context.Context, handle string) error
	IsLive(ctx context.Context, handle string) (bool, error)
}

// CredentialReader 读取用户凭据
type CredentialReader interface {
	Get(ctx context.Context, userID string) (*model.User, error)
}

// CredentialRefresher 刷新过期的访问令牌
type CredentialRefresher interface {
	Refresh(ctx context.Context, cred *model.User) (*model.User, error)
}

// Uploader 投递客户端
type Uploader interface {
	Upload(ctx context.Context, media io.Reader, meta model.VideoMetadata, accessToken string) (string, error)
}

// VideoServiceDeps 视频服务依赖
type VideoServiceDeps struct {
	DB              *gorm.DB
	Scheduler       Scheduler
	Credentials     CredentialReader
	Refresher       CredentialRefresher
	Uploader        Uploader
	Storage         storage.Storage
	Logger          *logger.Logger
	MaxFileBytes    int64
	DeliveryTimeout time.Duration
	ReconcilePolicy string
}

// VideoService 视频生命周期管理
//
// 同一视频的所有修改与投递回调都在以视频ID为键的锁内执行，
// 写库时再以 version 做乐观校验。
type VideoService struct {
	db              *gorm.DB
	scheduler       Scheduler
	credentials     CredentialReader
	refresher       CredentialRefresher
	uploader        Uploader
	storage         storage.Storage
	logger          *logger.Logger
	locks           *keylock.KeyLock
	maxFileBytes    int64
	deliveryTimeout time.Duration
	reconcilePolicy string
	now             func() time.Time
}

// NewVideoService 创建视频服务
func NewVideoService(deps VideoServiceDeps) *VideoService {
	if deps.DeliveryTimeout <= 0 {
		deps.DeliveryTimeout = 20 * time.Minute
	}
	if deps.ReconcilePolicy == "" {
		deps.ReconcilePolicy = config.ReconcileFire
	}

	return &VideoService{
		db:              deps.DB,
		scheduler:       deps.Scheduler,
		credentials:     deps.Credentials,
		refresher:       deps.Refresher,
		uploader:        deps.Uploader,
		storage:         deps.Storage,
		logger:          deps.Logger,
		locks:           keylock.New(),
		maxFileBytes:    deps.MaxFileBytes,
		deliveryTimeout: deps.DeliveryTimeout,
		reconcilePolicy: deps.ReconcilePolicy,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Create 保存文件、创建待投递视频并安排任务
func (s *VideoService) Create(ctx context.Context, meta model.VideoMetadata, file storage.File, scheduleAt time.Time, ownerID string) (*model.Video, error) {
	scheduleAt = scheduleAt.UTC()
	if !scheduleAt.After(s.now()) {
		return nil, ErrInvalidSchedule
	}
	if err := storage.Validate(file, s.maxFileBytes); err != nil {
		return nil, &StorageError{Op: "validate", Err: err}
	}

	ref, err := s.storage.Save(ctx, file)
	if err != nil {
		return nil, &StorageError{Op: "save", Err: err}
	}

	video := &model.Video{
		ID:         uuid.NewString(),
		UserID:     ownerID,
		FilePath:   ref,
		Status:     model.VideoStatusPending,
		ScheduleAt: scheduleAt,
	}
	video.SetMetadata(meta)

	unlock := s.locks.Lock(video.ID)
	defer unlock()

	if err := s.db.WithContext(ctx).Create(video).Error; err != nil {
		s.removeFile(ref)
		return nil, fmt.Errorf("create video: %w", err)
	}

	// 校验之后时间可能已经到达，此时立即投递
	delay := max(scheduleAt.Sub(s.now()), 0)
	handle, err := s.scheduler.Schedule(ctx, delay, video.ID)
	if err == nil {
		video.JobHandle = handle
		if err = s.save(ctx, video); err != nil {
			s.cancelJob(ctx, handle)
		}
	}
	if err != nil {
		if derr := s.db.WithContext(context.WithoutCancel(ctx)).Delete(&model.Video{}, "id = ?", video.ID).Error; derr != nil {
			s.logger.Error("回滚视频记录失败", logger.VideoID(video.ID), zap.Error(derr))
		}
		s.removeFile(ref)
		return nil, fmt.Errorf("schedule video: %w", err)
	}

	s.logger.Info("已创建定时视频", logger.VideoID(video.ID), logger.UserID(ownerID), logger.JobHandle(handle), zap.Time("schedule_at", scheduleAt))
	return video, nil
}

// Reschedule 修改投递时间并替换任务
func (s *VideoService) Reschedule(ctx context.Context, id string, scheduleAt time.Time, ownerID string) (*model.Video, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	video, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if video.IsDelivered() {
		return nil, ErrAlreadyDelivered
	}

	if err := s.supersede(ctx, video, scheduleAt); err != nil {
		return nil, err
	}
	return video, nil
}

// UpdateMetadata 更新内容字段，scheduleAt 非空且变化时同时改期
func (s *VideoService) UpdateMetadata(ctx context.Context, id string, meta model.VideoMetadata, scheduleAt *time.Time, ownerID string) (*model.Video, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	video, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if video.IsDelivered() {
		return nil, ErrAlreadyDelivered
	}

	if scheduleAt != nil && !scheduleAt.Equal(video.ScheduleAt) {
		if !scheduleAt.After(s.now()) {
			return nil, ErrInvalidSchedule
		}
		video.SetMetadata(meta)
		if err := s.supersede(ctx, video, *scheduleAt); err != nil {
			return nil, err
		}
		return video, nil
	}

	video.SetMetadata(meta)
	if err := s.save(ctx, video); err != nil {
		return nil, err
	}
	return video, nil
}

// ReplaceFile 替换视频文件，并按原投递时间重新安排任务
func (s *VideoService) ReplaceFile(ctx context.Context, id string, file storage.File, ownerID string) (*model.Video, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	video, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if video.IsDelivered() {
		return nil, ErrAlreadyDelivered
	}
	if !video.ScheduleAt.After(s.now()) {
		return nil, ErrInvalidSchedule
	}
	if err := storage.Validate(file, s.maxFileBytes); err != nil {
		return nil, &StorageError{Op: "validate", Err: err}
	}

	ref, err := s.storage.Save(ctx, file)
	if err != nil {
		return nil, &StorageError{Op: "save", Err: err}
	}

	oldRef := video.FilePath
	video.FilePath = ref
	if err := s.supersede(ctx, video, video.ScheduleAt); err != nil {
		s.removeFile(ref)
		return nil, err
	}

	if err := s.storage.Delete(ctx, oldRef); err != nil {
		s.logger.Warn("删除旧视频文件失败", logger.VideoID(id), zap.String("file", oldRef), zap.Error(err))
	}
	return video, nil
}

// TriggerNow 跳过调度器立即投递，返回投递后的状态
func (s *VideoService) TriggerNow(ctx context.Context, id, ownerID string) (*model.Video, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	video, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if video.IsDelivered() {
		return nil, ErrAlreadyDelivered
	}

	oldHandle := video.JobHandle
	video.SetPending("manual-" + uuid.NewString())
	if err := s.save(ctx, video); err != nil {
		return nil, err
	}
	s.cancelJob(ctx, oldHandle)

	s.logger.Info("手动触发投递", logger.VideoID(id), logger.UserID(ownerID))
	// 手动句柄不在调度器中，客户端断开也要完成这次投递
	if err := s.deliver(context.WithoutCancel(ctx), video); err != nil {
		return nil, err
	}
	return video, nil
}

// OnJobFired 调度器回调；句柄与视频当前句柄不一致时视为过期，直接放弃
func (s *VideoService) OnJobFired(ctx context.Context, videoID, handle string) error {
	unlock := s.locks.Lock(videoID)
	defer unlock()

	video, err := s.load(ctx, videoID)
	if errors.Is(err, ErrNotFound) {
		metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomeStale).Inc()
		s.logger.Info("视频不存在，忽略任务", logger.VideoID(videoID), logger.JobHandle(handle))
		return nil
	}
	if err != nil {
		return err
	}

	if handle == "" || video.JobHandle != handle || video.Status != model.VideoStatusPending {
		metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomeStale).Inc()
		s.logger.Info("任务已被替换，忽略", logger.VideoID(videoID), logger.JobHandle(handle), zap.String("current", video.JobHandle))
		return nil
	}

	return s.deliver(ctx, video)
}

// deliver 执行一次投递并持久化终态，调用方持有视频锁
func (s *VideoService) deliver(ctx context.Context, video *model.Video) error {
	log := s.logger.With(logger.VideoID(video.ID), logger.UserID(video.UserID), logger.JobHandle(video.JobHandle))

	// 调用方取消（如调度器停止）时不写入失败状态，返回错误让任务重新投递；超时仍按失败处理
	fail := func(message string) error {
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			log.Info("投递被中断，保持待投递状态", zap.Error(err))
			return err
		}
		return s.complete(ctx, video, func(v *model.Video) { v.SetFailed(message) })
	}

	cred, err := s.credentials.Get(ctx, video.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if cred == nil || !cred.HasAccessToken() {
		log.Warn("用户未授权，投递失败")
		return fail("not authenticated")
	}

	if cred.IsTokenExpired(s.now()) {
		log.Info("访问令牌已过期，先刷新")
		cred, err = s.refresher.Refresh(ctx, cred)
		if err != nil {
			var refreshErr *RefreshFailedError
			if !errors.Is(err, ErrNoRefreshToken) && !errors.As(err, &refreshErr) {
				return err
			}
			log.Warn("刷新令牌失败，投递失败", zap.Error(err))
			return fail(err.Error())
		}
	}

	media, err := s.storage.Open(ctx, video.FilePath)
	if err != nil {
		log.Error("打开视频文件失败", zap.Error(err))
		return fail(err.Error())
	}
	defer media.Close()

	uctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	externalID, err := s.uploader.Upload(uctx, media, video.Metadata(), cred.AccessToken)
	cancel()

	if err != nil {
		derr := newDeliveryError(err)
		log.Warn("视频上传失败", zap.String("kind", string(derr.Kind)), zap.Error(err))
		return fail(derr.Error())
	}

	log.Info("视频上传成功", zap.String("external_id", externalID))
	return s.complete(ctx, video, func(v *model.Video) { v.SetSuccess(externalID) })
}

// complete 以当前任务句柄为条件写入终态，外部调用已完成，因此不受调用方取消影响
func (s *VideoService) complete(ctx context.Context, video *model.Video, apply func(v *model.Video)) error {
	handle := video.JobHandle
	apply(video)

	outcome := metrics.OutcomeFailed
	if video.Status == model.VideoStatusSuccess {
		outcome = metrics.OutcomeSuccess
	}

	result := s.db.WithContext(context.WithoutCancel(ctx)).Model(&model.Video{}).
		Where("id = ? AND job_handle = ?", video.ID, handle).
		Updates(map[string]any{
			"status":      video.Status,
			"external_id": video.ExternalID,
			"message":     video.Message,
			"job_handle":  video.JobHandle,
			"version":     gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("persist delivery result for video %s: %w", video.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomeStale).Inc()
		s.logger.Warn("投递期间任务已被替换，结果未保存", logger.VideoID(video.ID), logger.JobHandle(handle))
		return nil
	}

	video.Version++
	metrics.DeliveryAttempts.WithLabelValues(outcome).Inc()
	return nil
}

// supersede 安排新任务、保存、再取消旧任务
func (s *VideoService) supersede(ctx context.Context, video *model.Video, scheduleAt time.Time) error {
	scheduleAt = scheduleAt.UTC()
	delay := scheduleAt.Sub(s.now())
	if delay <= 0 {
		return ErrInvalidSchedule
	}

	handle, err := s.scheduler.Schedule(ctx, delay, video.ID)
	if err != nil {
		return fmt.Errorf("schedule video %s: %w", video.ID, err)
	}

	oldHandle := video.JobHandle
	video.ScheduleAt = scheduleAt
	video.SetPending(handle)
	if err := s.save(ctx, video); err != nil {
		s.cancelJob(ctx, handle)
		return err
	}
	s.cancelJob(ctx, oldHandle)

	s.logger.Info("已重新安排投递", logger.VideoID(video.ID), logger.JobHandle(handle), zap.String("old_handle", oldHandle), zap.Time("schedule_at", scheduleAt))
	return nil
}

// save 带版本校验写回视频
func (s *VideoService) save(ctx context.Context, video *model.Video) error {
	columns := video.StateColumns()
	columns["version"] = video.Version + 1

	result := s.db.WithContext(ctx).Model(&model.Video{}).
		Where("id = ? AND version = ?", video.ID, video.Version).
		Updates(columns)
	if result.Error != nil {
		return fmt.Errorf("save video %s: %w", video.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}

	video.Version++
	return nil
}

// cancelJob 尽力取消任务，失败时依赖回调中的句柄校验
func (s *VideoService) cancelJob(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	if err := s.scheduler.Cancel(context.WithoutCancel(ctx), handle); err != nil {
		s.logger.Warn("取消任务失败", logger.JobHandle(handle), zap.Error(err))
	}
}

func (s *VideoService) removeFile(ref string) {
	if err := s.storage.Delete(context.Background(), ref); err != nil {
		s.logger.Warn("删除视频文件失败", zap.String("file", ref), zap.Error(err))
	}
}

func (s *VideoService) load(ctx context.Context, id string) (*model.Video, error) {
	var video model.Video
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &video, nil
}

func (s *VideoService) loadOwned(ctx context.Context, id, ownerID string) (*model.Video, error) {
	video, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if video.UserID != ownerID {
		return nil, ErrAccessDenied
	}
	return video, nil
}

// Get 获取视频
func (s *VideoService) Get(ctx context.Context, id, ownerID string) (*model.Video, error) {
	return s.loadOwned(ctx, id, ownerID)
}

// List 按所有者和状态列出视频，status 为空时返回全部
func (s *VideoService) List(ctx context.Context, ownerID, status string) ([]model.Video, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", ownerID)
	if status != "" {
		st := model.VideoStatus(strings.ToLower(status))
		if !st.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
		}
		query = query.Where("status = ?", st)
	}

	var videos []model.Video
	if err := query.Order("schedule_at DESC").Find(&videos).Error; err != nil {
		return nil, err
	}
	return videos, nil
}

// Reconcile 为没有有效任务的待投递视频补排任务，返回处理数量
func (s *VideoService) Reconcile(ctx context.Context) (int, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Video{}).
		Where("status = ?", model.VideoStatusPending).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("list pending videos: %w", err)
	}

	repaired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		ok, err := s.reconcileOne(ctx, id)
		if err != nil {
			s.logger.Error("补偿视频任务失败", logger.VideoID(id), zap.Error(err))
			continue
		}
		if ok {
			repaired++
		}
	}

	if repaired > 0 {
		s.logger.Infof("启动补偿处理了 %d 个视频", repaired)
	}
	return repaired, nil
}

func (s *VideoService) reconcileOne(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	video, err := s.load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if video.Status != model.VideoStatusPending {
		return false, nil
	}

	live, err := s.scheduler.IsLive(ctx, video.JobHandle)
	if err != nil {
		return false, err
	}
	if live {
		return false, nil
	}

	delay := video.ScheduleAt.Sub(s.now())
	if delay <= 0 && s.reconcilePolicy == config.ReconcileFail {
		video.SetFailed(missedScheduleMessage)
		if err := s.save(ctx, video); err != nil {
			return false, err
		}
		metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomeFailed).Inc()
		s.logger.Warn("离线期间错过投递时间，标记为失败", logger.VideoID(id), zap.Time("schedule_at", video.ScheduleAt))
		return true, nil
	}

	handle, err := s.scheduler.Schedule(ctx, max(delay, 0), video.ID)
	if err != nil {
		return false, err
	}
	video.JobHandle = handle
	if err := s.save(ctx, video); err != nil {
		s.cancelJob(ctx, handle)
		return false, err
	}

	s.logger.Info("已补排投递任务", logger.VideoID(id), logger.JobHandle(handle), zap.Duration("delay", max(delay, 0)))
	return true, nil
}
