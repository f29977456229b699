package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Session struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"session_id"`
	UserID       uint64    `gorm:"not null;index:idx_chat_sess_user_updated,priority:1" json:"-"`
	Title        string    `gorm:"type:varchar(255);not null;default:''" json:"title"`
	Service      string    `gorm:"type:varchar(32);not null;default:''" json:"service"`
	Model        string    `gorm:"type:varchar(128);not null;default:''" json:"model"`
	MessageCount int       `gorm:"not null;default:0" json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `gorm:"index:idx_chat_sess_user_updated,priority:2" json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message is immutable once written. MessageIndex orders a session's messages;
// indices are strictly increasing but need not be contiguous.
type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string    `gorm:"type:varchar(64);not null;index:uniq_chat_msg_index,unique,priority:1;index:uniq_chat_msg_idempo,unique,priority:1" json:"session_id"`
	UserID         uint64    `gorm:"not null;index" json:"-"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Service        string    `gorm:"type:varchar(32);index;not null;default:''" json:"service"`
	Model          string    `gorm:"type:varchar(128);not null;default:''" json:"model"`
	MessageIndex   int       `gorm:"not null;index:uniq_chat_msg_index,unique,priority:2" json:"message_index"`
	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:2" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }
