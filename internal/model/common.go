package model

// Response 通用响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// SessionSummary 会话概要(用于会话列表)
type SessionSummary struct {
	SessionID     string `json:"session_id"`
	MessageCount  int64  `json:"message_count"`
	LastMessageAt string `json:"last_message_at"`
}
