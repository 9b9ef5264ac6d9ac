package model

import "time"

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 对话消息模型
// 按 session_id 分区,只追加不修改,created_at/id 顺序即会话内顺序
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `json:"session_id" gorm:"index;size:191"`
	Role      string    `json:"role" gorm:"size:20"` // "user" | "assistant"
	Content   string    `json:"content" gorm:"type:text"`
	Tokens    int       `json:"tokens"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "messages"
}
