package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Kind 限流触发的维度
type Kind string

const (
	// KindRequestLimit 请求数超限
	KindRequestLimit Kind = "request_limit"
	// KindTokenLimit token 数超限
	KindTokenLimit Kind = "token_limit"
)

// RateLimitError 限流拒绝错误
// 被拒绝的请求不会计入配额,调用方不应自动重试
type RateLimitError struct {
	Kind       Kind
	Identity   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	switch e.Kind {
	case KindTokenLimit:
		return "rate limit exceeded: too many tokens per window"
	default:
		return "rate limit exceeded: too many requests per window"
	}
}

// Config 滑动窗口限流配置
// 两个维度各自独立生效,取值为 0 时对应维度不限流
type Config struct {
	RequestsPerMinute int
	TokensPerMinute   int
	Window            time.Duration
}

// tokenEvent 窗口内的一次 token 消耗记录
type tokenEvent struct {
	at   time.Time
	cost int
}

// quota 单个 identity 的窗口状态
// 每个 identity 持有自己的锁,不同 identity 之间互不竞争
type quota struct {
	mu       sync.Mutex
	reqs     []time.Time
	tokens   []tokenEvent
	tokenSum int
	lastSeen time.Time
}

// SlidingWindowLimiter 基于滑动窗口的双维度限流器
// 按 identity 维护请求数和 token 数两个独立窗口,惰性剔除过期事件
type SlidingWindowLimiter struct {
	cfg    Config
	mu     sync.RWMutex
	quotas map[string]*quota
}

// NewSlidingWindowLimiter 创建限流器
func NewSlidingWindowLimiter(cfg Config) *SlidingWindowLimiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &SlidingWindowLimiter{
		cfg:    cfg,
		quotas: make(map[string]*quota),
	}
}

// Check 判定 identity 在 now 时刻能否再消耗一次请求和 tokenCost 个 token
// 先剔除窗口外的事件,再依次检查请求维度和 token 维度
// 任一维度超限则返回 RateLimitError 且不记录任何事件(拒绝不扣减配额)
// 两个维度同时超限时,报告请求维度
func (l *SlidingWindowLimiter) Check(identity string, tokenCost int, now time.Time) error {
	if tokenCost < 0 {
		return fmt.Errorf("token cost must be non-negative, got %d", tokenCost)
	}
	// 两个维度都不限流时不跟踪任何状态
	if l.cfg.RequestsPerMinute <= 0 && l.cfg.TokensPerMinute <= 0 {
		return nil
	}

	q := l.getQuota(identity)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.lastSeen = now
	cutoff := now.Add(-l.cfg.Window)
	q.prune(cutoff)

	// 请求维度先于 token 维度检查,同时超限时以请求维度为准
	var kind Kind
	if l.cfg.RequestsPerMinute > 0 && len(q.reqs) >= l.cfg.RequestsPerMinute {
		kind = KindRequestLimit
	}
	if l.cfg.TokensPerMinute > 0 && q.tokenSum+tokenCost > l.cfg.TokensPerMinute && kind == "" {
		kind = KindTokenLimit
	}
	if kind != "" {
		return &RateLimitError{
			Kind:       kind,
			Identity:   identity,
			RetryAfter: l.cfg.Window,
		}
	}

	// 两项检查都通过后才记录事件,不限流的维度不记录(避免无界增长)
	if l.cfg.RequestsPerMinute > 0 {
		q.reqs = append(q.reqs, now)
	}
	if l.cfg.TokensPerMinute > 0 {
		q.tokens = append(q.tokens, tokenEvent{at: now, cost: tokenCost})
		q.tokenSum += tokenCost
	}
	return nil
}

// getQuota 获取或创建 identity 的窗口状态
func (l *SlidingWindowLimiter) getQuota(identity string) *quota {
	l.mu.RLock()
	q, ok := l.quotas[identity]
	l.mu.RUnlock()
	if ok {
		return q
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok = l.quotas[identity]; ok {
		return q
	}
	q = &quota{}
	l.quotas[identity] = q
	return q
}

// prune 剔除早于窗口起点的事件
func (q *quota) prune(cutoff time.Time) {
	i := 0
	for i < len(q.reqs) && !q.reqs[i].After(cutoff) {
		i++
	}
	if i > 0 {
		q.reqs = append(q.reqs[:0], q.reqs[i:]...)
	}

	j := 0
	for j < len(q.tokens) && !q.tokens[j].at.After(cutoff) {
		q.tokenSum -= q.tokens[j].cost
		j++
	}
	if j > 0 {
		q.tokens = append(q.tokens[:0], q.tokens[j:]...)
	}
}

// Cleanup 回收窗口内已无事件且长时间未活跃的 identity 状态
// 需周期性调用,避免空闲 identity 占用内存
func (l *SlidingWindowLimiter) Cleanup(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for identity, q := range l.quotas {
		q.mu.Lock()
		q.prune(cutoff)
		idle := len(q.reqs) == 0 && len(q.tokens) == 0 && !q.lastSeen.After(cutoff)
		q.mu.Unlock()
		if idle {
			delete(l.quotas, identity)
		}
	}
}
