package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized 认证失败
var ErrUnauthorized = errors.New("unauthorized")

// Credentials 请求携带的凭证
type Credentials struct {
	APIKey string // X-API-Key 请求头的值
}

// Resolver 身份解析器
// 根据请求凭证返回稳定的 identity,用作限流和会话记忆的分区键
type Resolver interface {
	Resolve(ctx context.Context, creds Credentials) (string, error)
}

// StaticResolver 基于配置密钥列表的身份解析器
// 未配置任何密钥时认证关闭,所有请求放行且 identity 为空字符串
type StaticResolver struct {
	keys map[string]struct{}
}

// NewStaticResolver 创建静态密钥解析器
func NewStaticResolver(keys []string) *StaticResolver {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	return &StaticResolver{keys: set}
}

// Enabled 是否启用了认证
func (r *StaticResolver) Enabled() bool {
	return len(r.keys) > 0
}

// Resolve 校验 API 密钥并返回 identity
func (r *StaticResolver) Resolve(ctx context.Context, creds Credentials) (string, error) {
	// 未配置密钥时跳过认证
	if len(r.keys) == 0 {
		return "", nil
	}
	if creds.APIKey == "" {
		return "", fmt.Errorf("missing X-API-Key header: %w", ErrUnauthorized)
	}
	key := strings.TrimSpace(creds.APIKey)
	if _, ok := r.keys[key]; !ok {
		return "", fmt.Errorf("invalid API key: %w", ErrUnauthorized)
	}
	return key, nil
}
