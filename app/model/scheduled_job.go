package model

import (
	"time"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusCanceled JobStatus = "canceled"
	JobStatusFailed   JobStatus = "failed"
)

// ScheduledJob 持久化的延时投递任务
type ScheduledJob struct {
	ID          uint      `gorm:"primaryKey"`
	Handle      string    `gorm:"size:64;not null;uniqueIndex"`
	VideoID     string    `gorm:"size:36;not null;index"`
	RunAt       time.Time `gorm:"not null;index"`
	Status      JobStatus `gorm:"size:20;not null;default:'pending';index"`
	Attempts    int       `gorm:"default:0"`
	LastError   string    `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TableName 指定表名
func (ScheduledJob) TableName() string {
	return "scheduled_jobs"
}

// IsLive 任务是否仍可能执行
func (j *ScheduledJob) IsLive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}
