package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return base.Add(time.Duration(seconds) * time.Second)
}

func newLimiter(rpm, tpm int) *SlidingWindowLimiter {
	return NewSlidingWindowLimiter(Config{
		RequestsPerMinute: rpm,
		TokensPerMinute:   tpm,
		Window:            60 * time.Second,
	})
}

func TestCheckAllowsWithinLimits(t *testing.T) {
	l := newLimiter(2, 100)

	require.NoError(t, l.Check("id", 10, at(0)))
	require.NoError(t, l.Check("id", 20, at(1)))
}

func TestCheckBlocksExcessRequests(t *testing.T) {
	// requests_per_minute=2: t=0 和 t=10 放行,t=20 是窗口内第 3 次,拒绝
	l := newLimiter(2, 0)

	require.NoError(t, l.Check("id", 1, at(0)))
	require.NoError(t, l.Check("id", 1, at(10)))

	err := l.Check("id", 1, at(20))
	require.Error(t, err)

	var rateErr *RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, KindRequestLimit, rateErr.Kind)
	assert.Equal(t, "id", rateErr.Identity)

	// t=61 时窗口已滑过 t=0 的事件,放行
	require.NoError(t, l.Check("id", 1, at(61)))
}

func TestCheckBlocksExcessTokens(t *testing.T) {
	// tokens_per_minute=100: 第一次 60 放行,第二次累计 120 超限
	l := newLimiter(5, 100)

	require.NoError(t, l.Check("id", 60, at(0)))

	err := l.Check("id", 60, at(1))
	require.Error(t, err)

	var rateErr *RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, KindTokenLimit, rateErr.Kind)
}

func TestCheckExactlyAtLimitAllowed(t *testing.T) {
	// 等于限额放行,严格超过才拒绝
	l := newLimiter(5, 100)

	require.NoError(t, l.Check("id", 60, at(0)))
	require.NoError(t, l.Check("id", 40, at(1))) // 累计恰好 100
	require.Error(t, l.Check("id", 1, at(2)))
}

func TestCheckRejectionDoesNotDebit(t *testing.T) {
	// 被拒绝的请求不扣减配额:拒绝后本可成功的请求仍然成功
	l := newLimiter(5, 100)

	require.NoError(t, l.Check("id", 60, at(0)))
	require.Error(t, l.Check("id", 50, at(1)))

	// 若上一次拒绝被记录,这次 40 会超限;实际应放行
	require.NoError(t, l.Check("id", 40, at(2)))
}

func TestCheckRequestAxisReportedFirst(t *testing.T) {
	// 两个维度同时超限时,报告请求维度
	l := newLimiter(1, 10)

	require.NoError(t, l.Check("id", 10, at(0)))

	err := l.Check("id", 10, at(1))
	require.Error(t, err)

	var rateErr *RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, KindRequestLimit, rateErr.Kind)
}

func TestCheckIdentitiesIndependent(t *testing.T) {
	// 用尽 A 的配额不影响 B 的判定
	l := newLimiter(1, 100)

	require.NoError(t, l.Check("a", 1, at(0)))
	require.Error(t, l.Check("a", 1, at(1)))
	require.NoError(t, l.Check("b", 1, at(1)))
}

func TestCheckUnlimitedAxes(t *testing.T) {
	l := newLimiter(0, 0)

	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Check("id", 1000, at(i%30)))
	}

	// 不限流时不跟踪任何状态
	l.mu.RLock()
	defer l.mu.RUnlock()
	assert.Empty(t, l.quotas)
}

func TestCheckUnlimitedTokenAxisKeepsNoTokenState(t *testing.T) {
	l := newLimiter(10, 0)

	require.NoError(t, l.Check("id", 99999, at(0)))

	q := l.getQuota("id")
	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.reqs, 1)
	assert.Empty(t, q.tokens)
	assert.Zero(t, q.tokenSum)
}

func TestCheckNegativeCostRejected(t *testing.T) {
	l := newLimiter(10, 100)
	require.Error(t, l.Check("id", -1, at(0)))
}

func TestCheckWindowCorrectness(t *testing.T) {
	// 任意时刻窗口内的事件数不超过 requests_per_minute,
	// token 累计不超过 tokens_per_minute
	l := newLimiter(3, 50)

	admittedReqs := 0
	admittedTokens := 0
	var reqTimes []time.Time
	var tokenCosts []int

	for i := 0; i < 200; i++ {
		now := at(i)
		err := l.Check("id", 7, now)
		if err == nil {
			admittedReqs++
			admittedTokens += 7
			reqTimes = append(reqTimes, now)
			tokenCosts = append(tokenCosts, 7)
		}

		// 校验任意结尾于 now 的 60s 窗口
		cutoff := now.Add(-60 * time.Second)
		count := 0
		tokens := 0
		for j, ts := range reqTimes {
			if ts.After(cutoff) {
				count++
				tokens += tokenCosts[j]
			}
		}
		require.LessOrEqual(t, count, 3)
		require.LessOrEqual(t, tokens, 50)
	}

	require.Greater(t, admittedReqs, 3) // 窗口滑动后持续有请求被放行
}

func TestCheckConcurrentSameIdentity(t *testing.T) {
	// 同一 identity 并发调用时,放行数不得超过限额
	l := newLimiter(10, 0)
	now := at(0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Check("id", 1, now); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted)
}

func TestCleanupRemovesIdleIdentities(t *testing.T) {
	l := newLimiter(10, 100)

	require.NoError(t, l.Check("idle", 1, at(0)))
	require.NoError(t, l.Check("active", 1, at(180)))

	l.Cleanup(at(200))

	l.mu.RLock()
	_, idleExists := l.quotas["idle"]
	_, activeExists := l.quotas["active"]
	l.mu.RUnlock()

	assert.False(t, idleExists)
	assert.True(t, activeExists)

	// 回收后再次调用照常工作
	require.NoError(t, l.Check("idle", 1, at(201)))
}
