package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"cnb.cool/zhiqiangwang/pkg/logx"

	"github.com/benjaminmishra/memory-ops/internal/auth"
	"github.com/benjaminmishra/memory-ops/internal/compress"
	"github.com/benjaminmishra/memory-ops/internal/model"
	"github.com/benjaminmishra/memory-ops/internal/store"
	"github.com/benjaminmishra/memory-ops/internal/upstream"
)

// 请求体校验错误
var (
	ErrNoMessages         = errors.New("no messages provided")
	ErrLastMessageNotUser = errors.New("last message must have role 'user'")
)

// AdmissionController 准入控制器
// 拒绝即终止本次请求,管道内不重试
type AdmissionController interface {
	Check(identity string, tokenCost int, now time.Time) error
}

// Request 一次对话请求的输入
// 仅在单次请求生命周期内使用,不跨请求共享
type Request struct {
	APIKey        string             // X-API-Key 请求头
	Authorization string             // Authorization 请求头,透传给上游
	SessionID     string             // X-Session-ID 请求头,可为空
	Model         string             // 请求的模型名,可为空
	Messages      []upstream.Message // OpenAI 格式的消息列表
}

// Response 非流式请求的输出
type Response struct {
	Content      string
	TokensBefore int
	TokensAfter  int
	TokensSaved  int
}

// StreamResponse 流式请求的输出
// Fragments 关闭后从 Err 读取终止错误,nil 表示流正常结束
type StreamResponse struct {
	Fragments    <-chan string
	Err          <-chan error
	TokensBefore int
	TokensAfter  int
	TokensSaved  int
}

// Pipeline 请求处理管道
// 串联身份解析、准入控制、记忆检索、上下文压缩、上游转发和记忆持久化,
// 保证副作用的全序:未通过准入不访问上游,上游未成功不持久化 assistant 回复
type Pipeline struct {
	resolver   auth.Resolver
	limiter    AdmissionController
	store      store.ContextStore
	compressor compress.Compressor
	dispatcher upstream.Dispatcher
	topK       int
}

// New 创建管道
func New(
	resolver auth.Resolver,
	limiter AdmissionController,
	contextStore store.ContextStore,
	compressor compress.Compressor,
	dispatcher upstream.Dispatcher,
	topK int,
) *Pipeline {
	return &Pipeline{
		resolver:   resolver,
		limiter:    limiter,
		store:      contextStore,
		compressor: compressor,
		dispatcher: dispatcher,
		topK:       topK,
	}
}

// callState 一次请求在各阶段之间传递的状态
type callState struct {
	identity    string
	sessionID   string
	query       string
	compression *compress.Result
	messages    []upstream.Message // 发往上游的消息
}

// prepare 执行步骤 1-5:认证、准入、检索、压缩、持久化用户消息
func (p *Pipeline) prepare(ctx context.Context, req *Request) (*callState, error) {
	// 1. 身份解析,失败终止且无任何副作用
	identity, err := p.resolver.Resolve(ctx, auth.Credentials{APIKey: req.APIKey})
	if err != nil {
		return nil, err
	}

	// 校验请求体:最后一条消息必须是用户消息
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != model.RoleUser {
		return nil, ErrLastMessageNotUser
	}
	query := last.Content

	// 2. 估算 token 成本并做准入检查,拒绝不扣减配额
	cost := estimateTokens(req.Messages)
	if err := p.limiter.Check(identity, cost, time.Now()); err != nil {
		return nil, err
	}

	// 会话键:请求头 > identity > 默认值
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = identity
	}
	if sessionID == "" {
		sessionID = "anonymous"
	}

	// 3. 检索会话历史,未知会话得到空上下文
	// 存储不可用时降级为无记忆服务,不破坏已有顺序
	history, err := p.store.Context(ctx, sessionID)
	if err != nil {
		logx.Warn("Failed to load session context, serving without memory: %v", err)
		history = ""
	}

	// 4. 压缩上下文
	// 压缩只是成本优化,失败时降级为原始上下文,节省量记为 0
	compression, err := p.compressor.Compress(ctx, query, history, p.topK)
	if err != nil {
		logx.Warn("Compression failed, falling back to raw context: %v", err)
		compression = &compress.Result{
			Condensed:    history,
			TokensBefore: cost,
			TokensAfter:  cost,
		}
	}

	// 5. 持久化用户消息,无论上游结果如何都保留
	userMsg := &model.Message{
		Role:    model.RoleUser,
		Content: query,
		Tokens:  compression.TokensAfter,
	}
	if err := p.store.Append(ctx, sessionID, userMsg); err != nil {
		logx.Warn("Failed to persist user message: %v", err)
	}

	// 发往上游的消息:压缩后的上下文作为 system 消息置于最前
	messages := make([]upstream.Message, 0, len(req.Messages)+1)
	if compression.Condensed != "" {
		messages = append(messages, upstream.Message{
			Role:    model.RoleSystem,
			Content: compression.Condensed,
		})
	}
	messages = append(messages, req.Messages...)

	return &callState{
		identity:    identity,
		sessionID:   sessionID,
		query:       query,
		compression: compression,
		messages:    messages,
	}, nil
}

// Execute 处理非流式请求
func (p *Pipeline) Execute(ctx context.Context, req *Request) (*Response, error) {
	state, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	// 6. 转发上游,失败直接上抛,已持久化的用户消息保留
	content, err := p.dispatcher.Call(ctx, &upstream.Request{
		Model:         req.Model,
		Messages:      state.messages,
		Authorization: req.Authorization,
	})
	if err != nil {
		return nil, err
	}

	// 上游成功后持久化 assistant 回复
	p.persistAssistant(ctx, state.sessionID, content)

	return &Response{
		Content:      content,
		TokensBefore: state.compression.TokensBefore,
		TokensAfter:  state.compression.TokensAfter,
		TokensSaved:  tokensSaved(state.compression),
	}, nil
}

// ExecuteStream 处理流式请求
// 片段一边转发给调用方一边累积,只有流正常终止才持久化完整回复;
// 已发出的片段不会回收,中途出错只是跳过持久化
func (p *Pipeline) ExecuteStream(ctx context.Context, req *Request) (*StreamResponse, error) {
	state, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	upCh, upErr, err := p.dispatcher.Stream(ctx, &upstream.Request{
		Model:         req.Model,
		Messages:      state.messages,
		Authorization: req.Authorization,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan string, 10)
	errOut := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errOut)

		var reply strings.Builder
		forwarding := true

		for fragment := range upCh {
			reply.WriteString(fragment)
			if forwarding {
				select {
				case out <- fragment:
				case <-ctx.Done():
					// 调用方断开,停止转发但继续排空上游
					forwarding = false
				}
			}
		}

		// 上游流结束后读取终止错误
		streamErr := <-upErr
		if streamErr == nil && ctx.Err() != nil {
			streamErr = ctx.Err()
		}
		if streamErr != nil {
			logx.Warn("Stream terminated with error, skipping assistant persistence: %v", streamErr)
			errOut <- streamErr
			return
		}

		// 流正常终止,持久化拼接后的完整回复
		// 请求上下文此时可能已经结束,持久化使用独立上下文
		p.persistAssistant(context.Background(), state.sessionID, reply.String())
	}()

	return &StreamResponse{
		Fragments:    out,
		Err:          errOut,
		TokensBefore: state.compression.TokensBefore,
		TokensAfter:  state.compression.TokensAfter,
		TokensSaved:  tokensSaved(state.compression),
	}, nil
}

// persistAssistant 持久化 assistant 回复,失败只记录日志
func (p *Pipeline) persistAssistant(ctx context.Context, sessionID, content string) {
	if content == "" {
		return
	}
	msg := &model.Message{
		Role:    model.RoleAssistant,
		Content: content,
		Tokens:  compress.CountTokens(content),
	}
	if err := p.store.Append(ctx, sessionID, msg); err != nil {
		logx.Warn("Failed to persist assistant message: %v", err)
	}
}

// estimateTokens 估算请求的 token 成本
func estimateTokens(messages []upstream.Message) int {
	total := 0
	for _, msg := range messages {
		total += compress.CountTokens(msg.Content)
	}
	return total
}

// tokensSaved 压缩节省的 token 数,下限为 0
func tokensSaved(r *compress.Result) int {
	saved := r.TokensBefore - r.TokensAfter
	if saved < 0 {
		return 0
	}
	return saved
}
