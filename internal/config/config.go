package config

import (
	"strings"
	"time"
)

// Config 全局配置
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Compression CompressionConfig `mapstructure:"compression"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port  int  `mapstructure:"port"`
	Debug bool `mapstructure:"debug"`
}

// AuthConfig 认证配置
// APIKeys 为逗号分隔的密钥列表,为空时关闭认证
type AuthConfig struct {
	APIKeys string `mapstructure:"api_keys"`
}

// ParsedAPIKeys 返回去除空白后的密钥列表
func (a AuthConfig) ParsedAPIKeys() []string {
	var keys []string
	for _, k := range strings.Split(a.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// RateLimitConfig 限流配置
// RequestsPerMinute/TokensPerMinute 为 0 时表示对应维度不限流
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	TokensPerMinute   int `mapstructure:"tokens_per_minute"`
	WindowSeconds     int `mapstructure:"window_seconds"`
}

// Window 滑动窗口时长
func (r RateLimitConfig) Window() time.Duration {
	if r.WindowSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// CompressionConfig 上下文压缩配置
type CompressionConfig struct {
	TopK int `mapstructure:"top_k"`
}

// UpstreamConfig 上游 LLM 服务配置
type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout 上游请求超时时间
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return 600 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig Redis 缓存配置
type CacheConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTL      int    `mapstructure:"ttl"` // 秒
}
