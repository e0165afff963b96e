package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type Session struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID     string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID        uint64    `gorm:"index;not null" json:"-"`
	Title         string    `gorm:"type:varchar(128)" json:"title"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message rows are append-only: nothing mutates or reorders them after
// creation. Ordering within a session is CreatedAt with the
// auto-increment id as tiebreaker.
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_session,priority:2" json:"session_id"`
	UserID    uint64    `gorm:"not null;index:idx_chat_msg_user_session,priority:1" json:"-"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Provider  string    `gorm:"type:varchar(32)" json:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

func NewSessionID() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
