package handler

import (
	"auto-upload/app/logger"
	"auto-upload/app/middleware"
	"auto-upload/app/model"
	"auto-upload/app/storage"
	"context"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// VideoManager 视频生命周期操作
type VideoManager interface {
	Create(ctx context.Context, meta model.VideoMetadata, file storage.File, scheduleAt time.Time, ownerID string) (*model.Video, error)
	Reschedule(ctx context.Context, id string, scheduleAt time.Time, ownerID string) (*model.Video, error)
	UpdateMetadata(ctx context.Context, id string, meta model.VideoMetadata, scheduleAt *time.Time, ownerID string) (*model.Video, error)
	ReplaceFile(ctx context.Context, id string, file storage.File, ownerID string) (*model.Video, error)
	TriggerNow(ctx context.Context, id, ownerID string) (*model.Video, error)
	Get(ctx context.Context, id, ownerID string) (*model.Video, error)
	List(ctx context.Context, ownerID, status string) ([]model.Video, error)
}

// VideoHandler 视频处理器
type VideoHandler struct {
	videos VideoManager
	logger *logger.Logger
}

// NewVideoHandler 创建视频处理器
func NewVideoHandler(videos VideoManager, log *logger.Logger) *VideoHandler {
	return &VideoHandler{
		videos: videos,
		logger: log,
	}
}

// UpdateVideoRequest 更新视频信息请求
type UpdateVideoRequest struct {
	Title       string     `json:"title" binding:"required,max=100"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags"`
	ScheduleAt  *time.Time `json:"schedule_at"`
}

// ScheduleRequest 改期请求
type ScheduleRequest struct {
	ScheduleAt time.Time `json:"schedule_at" binding:"required"`
}

// Create 上传视频文件并创建定时投递
func (h *VideoHandler) Create(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "用户未认证")
		return
	}

	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		fail(c, http.StatusBadRequest, "标题不能为空")
		return
	}
	scheduleAt, err := time.Parse(time.RFC3339, c.PostForm("schedule_at"))
	if err != nil {
		fail(c, http.StatusBadRequest, "schedule_at 格式错误，应为 RFC3339")
		return
	}

	header, err := c.FormFile("video")
	if err != nil {
		fail(c, http.StatusBadRequest, "缺少视频文件")
		return
	}
	file, closeFile, err := openUpload(header)
	if err != nil {
		fail(c, http.StatusBadRequest, "读取视频文件失败")
		return
	}
	defer closeFile()

	meta := model.VideoMetadata{
		Title:       title,
		Description: c.PostForm("description"),
		Tags:        splitTags(c.PostForm("tags")),
	}

	video, err := h.videos.Create(c.Request.Context(), meta, file, scheduleAt, userID)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}

	success(c, video, "创建视频成功")
}

// List 获取当前用户的视频，可按 status 过滤
func (h *VideoHandler) List(c *gin.Context) {
	h.list(c, c.Query("status"))
}

// ListByStatus 固定状态的视频列表
func (h *VideoHandler) ListByStatus(status model.VideoStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.list(c, string(status))
	}
}

func (h *VideoHandler) list(c *gin.Context, status string) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "用户未认证")
		return
	}

	videos, err := h.videos.List(c.Request.Context(), userID, status)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}

	success(c, gin.H{
		"list":  videos,
		"total": len(videos),
	}, "获取视频列表成功")
}

// Get 获取单个视频
func (h *VideoHandler) Get(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "用户未认证")
		return
	}

	video, err := h.videos.Get(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}

	success(c, video, "获取视频成功")
}

// Update 更新标题、描述、标签，可同时改期
func (h *VideoHandler) Update(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "用户未认证")
		return
	}

	var req UpdateVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	meta := model.VideoMetadata{
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Tags:        trimTags(req.Tags),
	}
	video, err := h.videos.UpdateMetadata(c.Request.Context(), c.Param("id"), meta, req.ScheduleAt, userID)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}

	success(c, video, "更新视频成功")
}

// ReplaceFile 替换视频文件
func (h *VideoHandler) ReplaceFile(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "用户未认证")
		return
	}

	header, err := c.FormFile("video")
	if err != nil {
		fail(c, http.StatusBadRequest, "缺少视频文件")
		return
	}
	file, closeFile, err := openUpload(header)
	if err != nil {
		fail(c, http.StatusBadRequest, "读取视频文件失败")
		return
	}
	defer closeFile()

	video, err := h.videos.ReplaceFile(c.Request.Context(), c.Param("id"), file, userID)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}

	success(c, video, "替换视频文件成功")
}

// Schedule 修改投递时间
func (h *VideoHandler) Schedule(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "用户未认证")
		return
	}

	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	video, err := h.videos.Reschedule(c.Request.Context(), c.Param("id"), req.ScheduleAt, userID)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}

	success(c, video, "视频已重新安排")
}

// Trigger 立即投递
func (h *VideoHandler) Trigger(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "用户未认证")
		return
	}

	video, err := h.videos.TriggerNow(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}

	success(c, video, "投递已完成")
}

func openUpload(header *multipart.FileHeader) (storage.File, func(), error) {
	f, err := header.Open()
	if err != nil {
		return storage.File{}, nil, err
	}
	return storage.File{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Content:     f,
	}, func() { _ = f.Close() }, nil
}

// splitTags 逗号分隔的标签
func splitTags(raw string) model.Tags {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return trimTags(strings.Split(raw, ","))
}

func trimTags(tags []string) model.Tags {
	var out model.Tags
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}
