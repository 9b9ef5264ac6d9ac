package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benjaminmishra/memory-ops/internal/auth"
	"github.com/benjaminmishra/memory-ops/internal/compress"
	"github.com/benjaminmishra/memory-ops/internal/model"
	"github.com/benjaminmishra/memory-ops/internal/upstream"
)

type stubResolver struct {
	identity string
	err      error
}

func (r *stubResolver) Resolve(ctx context.Context, creds auth.Credentials) (string, error) {
	return r.identity, r.err
}

type stubLimiter struct {
	err      error
	calls    int
	lastCost int
}

func (l *stubLimiter) Check(identity string, tokenCost int, now time.Time) error {
	l.calls++
	l.lastCost = tokenCost
	return l.err
}

// memStore 内存版会话存储,记录追加顺序
type memStore struct {
	mu         sync.Mutex
	history    string
	contextErr error
	appendErr  error
	appended   []model.Message
}

func (s *memStore) Append(ctx context.Context, sessionID string, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	copied := *msg
	copied.SessionID = sessionID
	s.appended = append(s.appended, copied)
	return nil
}

func (s *memStore) Messages(ctx context.Context, sessionID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended, nil
}

func (s *memStore) Context(ctx context.Context, sessionID string) (string, error) {
	if s.contextErr != nil {
		return "", s.contextErr
	}
	return s.history, nil
}

func (s *memStore) Clear(ctx context.Context, sessionID string) error { return nil }

func (s *memStore) roles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles := make([]string, 0, len(s.appended))
	for _, msg := range s.appended {
		roles = append(roles, msg.Role)
	}
	return roles
}

type stubCompressor struct {
	result *compress.Result
	err    error
}

func (c *stubCompressor) Compress(ctx context.Context, query, history string, topK int) (*compress.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.result != nil {
		return c.result, nil
	}
	return (&compress.HeadTailCompressor{}).Compress(ctx, query, history, topK)
}

type stubDispatcher struct {
	content   string
	callErr   error
	fragments []string
	streamErr error
	called    bool
	lastReq   *upstream.Request
}

func (d *stubDispatcher) Call(ctx context.Context, req *upstream.Request) (string, error) {
	d.called = true
	d.lastReq = req
	if d.callErr != nil {
		return "", d.callErr
	}
	return d.content, nil
}

func (d *stubDispatcher) Stream(ctx context.Context, req *upstream.Request) (<-chan string, <-chan error, error) {
	d.called = true
	d.lastReq = req
	ch := make(chan string, len(d.fragments))
	errCh := make(chan error, 1)
	go func() {
		defer close(ch)
		defer close(errCh)
		for _, f := range d.fragments {
			ch <- f
		}
		if d.streamErr != nil {
			errCh <- d.streamErr
		}
	}()
	return ch, errCh, nil
}

func newTestPipeline(store *memStore, dispatcher *stubDispatcher) *Pipeline {
	return New(
		&stubResolver{identity: "tester"},
		&stubLimiter{},
		store,
		&stubCompressor{},
		dispatcher,
		64,
	)
}

func userRequest(content string) *Request {
	return &Request{
		SessionID: "sess",
		Messages:  []upstream.Message{{Role: model.RoleUser, Content: content}},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	st := &memStore{history: "earlier conversation context"}
	d := &stubDispatcher{content: "the answer"}
	p := newTestPipeline(st, d)

	resp, err := p.Execute(context.Background(), userRequest("hello there"))
	require.NoError(t, err)

	assert.Equal(t, "the answer", resp.Content)
	assert.Equal(t, []string{model.RoleUser, model.RoleAssistant}, st.roles())
	assert.Equal(t, "hello there", st.appended[0].Content)
	assert.Equal(t, "the answer", st.appended[1].Content)
	assert.Equal(t, "sess", st.appended[0].SessionID)
}

func TestExecuteSendsCondensedContextAsSystemMessage(t *testing.T) {
	st := &memStore{history: "prior turn"}
	d := &stubDispatcher{content: "ok"}
	p := newTestPipeline(st, d)

	_, err := p.Execute(context.Background(), userRequest("question"))
	require.NoError(t, err)

	require.NotNil(t, d.lastReq)
	require.Len(t, d.lastReq.Messages, 2)
	assert.Equal(t, model.RoleSystem, d.lastReq.Messages[0].Role)
	assert.Contains(t, d.lastReq.Messages[0].Content, "prior turn")
	assert.Equal(t, model.RoleUser, d.lastReq.Messages[1].Role)
}

func TestExecuteEmptyHistorySkipsSystemMessage(t *testing.T) {
	st := &memStore{}
	d := &stubDispatcher{content: "ok"}
	p := newTestPipeline(st, d)

	_, err := p.Execute(context.Background(), userRequest("question"))
	require.NoError(t, err)

	require.Len(t, d.lastReq.Messages, 1)
	assert.Equal(t, model.RoleUser, d.lastReq.Messages[0].Role)
}

func TestExecuteValidation(t *testing.T) {
	st := &memStore{}
	d := &stubDispatcher{}
	p := newTestPipeline(st, d)

	_, err := p.Execute(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrNoMessages)

	_, err = p.Execute(context.Background(), &Request{
		Messages: []upstream.Message{{Role: model.RoleAssistant, Content: "hi"}},
	})
	assert.ErrorIs(t, err, ErrLastMessageNotUser)

	assert.False(t, d.called)
	assert.Empty(t, st.appended)
}

func TestExecuteUnauthorizedStopsBeforeAdmission(t *testing.T) {
	limiter := &stubLimiter{}
	st := &memStore{}
	d := &stubDispatcher{}
	p := New(&stubResolver{err: auth.ErrUnauthorized}, limiter, st, &stubCompressor{}, d, 64)

	_, err := p.Execute(context.Background(), userRequest("hi"))
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Zero(t, limiter.calls)
	assert.False(t, d.called)
	assert.Empty(t, st.appended)
}

func TestExecuteRateLimitedHasNoSideEffects(t *testing.T) {
	limitErr := errors.New("limited")
	st := &memStore{history: "context"}
	d := &stubDispatcher{}
	p := New(&stubResolver{}, &stubLimiter{err: limitErr}, st, &stubCompressor{}, d, 64)

	_, err := p.Execute(context.Background(), userRequest("hi"))
	assert.ErrorIs(t, err, limitErr)
	assert.False(t, d.called)
	assert.Empty(t, st.appended)
}

func TestExecuteAdmissionCostIsRequestTokens(t *testing.T) {
	limiter := &stubLimiter{}
	p := New(&stubResolver{}, limiter, &memStore{}, &stubCompressor{}, &stubDispatcher{content: "ok"}, 64)

	req := &Request{Messages: []upstream.Message{
		{Role: model.RoleSystem, Content: "one two three"},
		{Role: model.RoleUser, Content: "four five"},
	}}
	_, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, limiter.lastCost)
}

func TestExecuteUpstreamFailureKeepsUserMessage(t *testing.T) {
	st := &memStore{}
	d := &stubDispatcher{callErr: &upstream.Error{StatusCode: 502, Message: "bad gateway"}}
	p := newTestPipeline(st, d)

	_, err := p.Execute(context.Background(), userRequest("hi"))
	require.Error(t, err)

	// 用户消息已持久化,assistant 回复没有
	assert.Equal(t, []string{model.RoleUser}, st.roles())
}

func TestExecuteCompressionFailureDegrades(t *testing.T) {
	st := &memStore{history: "some stored context"}
	d := &stubDispatcher{content: "ok"}
	p := New(&stubResolver{}, &stubLimiter{}, st, &stubCompressor{err: errors.New("boom")}, d, 64)

	resp, err := p.Execute(context.Background(), userRequest("hello world"))
	require.NoError(t, err)

	// 降级为原始上下文,节省量记为 0
	assert.Zero(t, resp.TokensSaved)
	assert.Contains(t, d.lastReq.Messages[0].Content, "some stored context")
}

func TestExecuteStoreFailureServesWithoutMemory(t *testing.T) {
	st := &memStore{contextErr: errors.New("db down")}
	d := &stubDispatcher{content: "ok"}
	p := newTestPipeline(st, d)

	resp, err := p.Execute(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	// 无记忆服务:没有 system 上下文消息
	require.Len(t, d.lastReq.Messages, 1)
	assert.Equal(t, model.RoleUser, d.lastReq.Messages[0].Role)
}

func TestSessionIDFallback(t *testing.T) {
	st := &memStore{}
	p := New(&stubResolver{identity: "key1"}, &stubLimiter{}, st, &stubCompressor{}, &stubDispatcher{content: "ok"}, 64)

	_, err := p.Execute(context.Background(), &Request{
		Messages: []upstream.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "key1", st.appended[0].SessionID)

	// identity 也为空时落到默认会话
	st2 := &memStore{}
	p2 := New(&stubResolver{}, &stubLimiter{}, st2, &stubCompressor{}, &stubDispatcher{content: "ok"}, 64)
	_, err = p2.Execute(context.Background(), &Request{
		Messages: []upstream.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "anonymous", st2.appended[0].SessionID)
}

func TestExecuteStreamReassemblesReply(t *testing.T) {
	st := &memStore{}
	d := &stubDispatcher{fragments: []string{"Hello", ", ", "world"}}
	p := newTestPipeline(st, d)

	resp, err := p.ExecuteStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	var got strings.Builder
	for fragment := range resp.Fragments {
		got.WriteString(fragment)
	}
	streamErr, ok := <-resp.Err
	if ok {
		require.NoError(t, streamErr)
	}

	assert.Equal(t, "Hello, world", got.String())
	// 通道关闭后持久化已完成:完整回复作为单条 assistant 消息落库
	assert.Equal(t, []string{model.RoleUser, model.RoleAssistant}, st.roles())
	assert.Equal(t, "Hello, world", st.appended[1].Content)
}

func TestExecuteStreamErrorSkipsPersistence(t *testing.T) {
	st := &memStore{}
	d := &stubDispatcher{fragments: []string{"partial"}, streamErr: errors.New("upstream hiccup")}
	p := newTestPipeline(st, d)

	resp, err := p.ExecuteStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	for range resp.Fragments {
	}
	streamErr := <-resp.Err
	require.Error(t, streamErr)

	// 出错的流不持久化 assistant 回复,用户消息保留
	assert.Equal(t, []string{model.RoleUser}, st.roles())
}

func TestExecuteStreamRateLimitedBeforeDispatch(t *testing.T) {
	limitErr := errors.New("limited")
	d := &stubDispatcher{fragments: []string{"x"}}
	p := New(&stubResolver{}, &stubLimiter{err: limitErr}, &memStore{}, &stubCompressor{}, d, 64)

	_, err := p.ExecuteStream(context.Background(), userRequest("hi"))
	assert.ErrorIs(t, err, limitErr)
	assert.False(t, d.called)
}
