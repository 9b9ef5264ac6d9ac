package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/benjaminmishra/memory-ops/internal/model"
)

// RedisCache 会话记忆的 Redis 缓存层
// 每个会话一个 List,消息按追加顺序存放
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache 创建 Redis 缓存
func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
	}, nil
}

// sessionKey 会话历史的缓存键
func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s:history", sessionID)
}

// Messages 读取会话历史
func (r *RedisCache) Messages(ctx context.Context, sessionID string) ([]model.Message, error) {
	result, err := r.client.LRange(ctx, sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var messages []model.Message
	for _, item := range result {
		var msg model.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// SaveMessages 整体写入会话历史
func (r *RedisCache) SaveMessages(ctx context.Context, sessionID string, messages []model.Message) error {
	key := sessionKey(sessionID)

	// 清空旧数据
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return err
	}

	// 逐条插入消息
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := r.client.RPush(ctx, key, data).Err(); err != nil {
			return err
		}
	}

	return r.client.Expire(ctx, key, r.ttl).Err()
}

// AppendMessage 追加一条消息
func (r *RedisCache) AppendMessage(ctx context.Context, sessionID string, msg *model.Message) error {
	key := sessionKey(sessionID)

	// 缓存为空时不追加,等待下次读取回填,避免缓存只有尾部消息
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, r.ttl).Err()
}

// Invalidate 删除会话缓存
func (r *RedisCache) Invalidate(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, sessionKey(sessionID)).Err()
}

// Close 关闭 Redis 连接
func (r *RedisCache) Close() error {
	return r.client.Close()
}
