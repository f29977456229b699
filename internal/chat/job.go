package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCanceled
}

type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID length

	UserID    uint64 `gorm:"index;not null;index:uniq_chat_job_idempo,unique,priority:1" json:"-"`
	SessionID string `gorm:"size:64;index;not null" json:"session_id"`

	Prompt  string `gorm:"type:text;not null" json:"-"`
	Service string `gorm:"type:varchar(32);not null;default:''" json:"service"`
	Model   string `gorm:"type:varchar(128);not null;default:''" json:"model"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_chat_job_idempo,unique,priority:2" json:"-"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled when succeeded
	ResultMessageID *uint64 `gorm:"index" json:"result_message_id"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }
