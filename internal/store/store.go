package store

import (
	"context"
	"fmt"
	"strings"

	"cnb.cool/zhiqiangwang/pkg/logx"
	"gorm.io/gorm"

	"github.com/benjaminmishra/memory-ops/internal/model"
)

// ContextStore 会话记忆存储
// 按 session_id 分区的只追加消息日志,追加顺序即检索顺序
type ContextStore interface {
	// Append 追加一条消息,返回后即持久化完成
	Append(ctx context.Context, sessionID string, msg *model.Message) error
	// Messages 按插入顺序返回会话的全部消息,未知会话返回空列表
	Messages(ctx context.Context, sessionID string) ([]model.Message, error)
	// Context 将会话消息内容拼接为上下文字符串
	Context(ctx context.Context, sessionID string) (string, error)
	// Clear 删除会话的全部消息,幂等
	Clear(ctx context.Context, sessionID string) error
}

// Store 基于 SQLite 的会话记忆存储,可叠加 Redis 读写缓存
type Store struct {
	db    *gorm.DB
	cache *RedisCache // 可选
}

// New 创建存储实例
func New(db *gorm.DB, cache *RedisCache) *Store {
	return &Store{db: db, cache: cache}
}

// Append 追加一条消息
func (s *Store) Append(ctx context.Context, sessionID string, msg *model.Message) error {
	msg.SessionID = sessionID

	// 1. 先写入 SQLite
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	// 2. 追加到 Redis 缓存(尽力而为)
	if s.cache != nil {
		if err := s.cache.AppendMessage(ctx, sessionID, msg); err != nil {
			logx.Warn("Failed to append message to Redis: %v", err)
		}
	}

	return nil
}

// Messages 返回会话的全部消息
func (s *Store) Messages(ctx context.Context, sessionID string) ([]model.Message, error) {
	// 1. 先尝试从 Redis 读取
	if s.cache != nil {
		messages, err := s.cache.Messages(ctx, sessionID)
		if err == nil && len(messages) > 0 {
			logx.Debug("Session history loaded from Redis cache")
			return messages, nil
		}
	}

	// 2. 从 SQLite 读取
	var messages []model.Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}

	// 3. 回填 Redis 缓存
	if s.cache != nil && len(messages) > 0 {
		if err := s.cache.SaveMessages(ctx, sessionID, messages); err != nil {
			logx.Warn("Failed to save session history to Redis: %v", err)
		}
	}

	return messages, nil
}

// Context 拼接会话上下文
func (s *Store) Context(ctx context.Context, sessionID string) (string, error) {
	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return "", err
	}

	contents := make([]string, 0, len(messages))
	for _, msg := range messages {
		contents = append(contents, msg.Content)
	}
	return strings.Join(contents, "\n"), nil
}

// Clear 删除会话的全部消息
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, sessionID); err != nil {
			logx.Warn("Failed to invalidate Redis cache: %v", err)
		}
	}

	return nil
}

// ListSessions 列出全部会话概要,按最后消息时间倒序
func (s *Store) ListSessions(ctx context.Context) ([]model.SessionSummary, error) {
	var summaries []model.SessionSummary
	err := s.db.WithContext(ctx).
		Model(&model.Message{}).
		Select("session_id, COUNT(*) AS message_count, MAX(created_at) AS last_message_at").
		Group("session_id").
		Order("last_message_at DESC").
		Scan(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return summaries, nil
}
