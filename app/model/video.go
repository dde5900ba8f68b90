package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// VideoStatus 视频投递状态
type VideoStatus string

const (
	VideoStatusPending VideoStatus = "pending"
	VideoStatusSuccess VideoStatus = "success"
	VideoStatusFailed  VideoStatus = "failed"
)

// Valid 是否为已知状态
func (s VideoStatus) Valid() bool {
	switch s {
	case VideoStatusPending, VideoStatusSuccess, VideoStatusFailed:
		return true
	}
	return false
}

// Tags 标签列表，以 JSON 数组存储
type Tags []string

// Value 实现 driver.Valuer
func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner
func (t *Tags) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*t = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("无法解析标签: %T", value)
	}
	if len(raw) == 0 {
		*t = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(t))
}

// VideoMetadata 用户可编辑的内容字段
type VideoMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Tags        Tags   `json:"tags"`
}

// Video 一次定时投递
type Video struct {
	ID          string      `json:"id" gorm:"primaryKey;size:36"`
	UserID      string      `json:"user_id" gorm:"size:36;not null;index"`
	Title       string      `json:"title" gorm:"size:100;not null"`
	Description string      `json:"description" gorm:"type:text"`
	Tags        Tags        `json:"tags" gorm:"type:text"`
	FilePath    string      `json:"file_path" gorm:"type:text;not null"`
	Status      VideoStatus `json:"status" gorm:"size:20;not null;default:pending;index"`
	ScheduleAt  time.Time   `json:"schedule_at" gorm:"not null;index"`
	ExternalID  string      `json:"external_id" gorm:"size:64"`
	Message     string      `json:"message" gorm:"type:text"`
	JobHandle   string      `json:"-" gorm:"size:64;index"`
	Version     int         `json:"version" gorm:"not null;default:0"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TableName 指定表名
func (Video) TableName() string {
	return "videos"
}

// Metadata 返回内容字段
func (v *Video) Metadata() VideoMetadata {
	return VideoMetadata{Title: v.Title, Description: v.Description, Tags: v.Tags}
}

// SetMetadata 覆盖内容字段
func (v *Video) SetMetadata(meta VideoMetadata) {
	v.Title = meta.Title
	v.Description = meta.Description
	v.Tags = meta.Tags
}

// IsDelivered 成功状态不可再变更
func (v *Video) IsDelivered() bool {
	return v.Status == VideoStatusSuccess
}

// SetPending 重新进入待投递状态
func (v *Video) SetPending(jobHandle string) {
	v.Status = VideoStatusPending
	v.Message = ""
	v.ExternalID = ""
	v.JobHandle = jobHandle
}

// SetSuccess 投递成功
func (v *Video) SetSuccess(externalID string) {
	v.Status = VideoStatusSuccess
	v.ExternalID = externalID
	v.Message = ""
	v.JobHandle = ""
}

// SetFailed 投递失败
func (v *Video) SetFailed(message string) {
	v.Status = VideoStatusFailed
	v.ExternalID = ""
	v.Message = message
	v.JobHandle = ""
}

// StateColumns 状态相关列，用于带版本校验的更新
func (v *Video) StateColumns() map[string]any {
	return map[string]any{
		"title":       v.Title,
		"description": v.Description,
		"tags":        v.Tags,
		"file_path":   v.FilePath,
		"status":      v.Status,
		"schedule_at": v.ScheduleAt.UTC(),
		"external_id": v.ExternalID,
		"message":     v.Message,
		"job_handle":  v.JobHandle,
	}
}
