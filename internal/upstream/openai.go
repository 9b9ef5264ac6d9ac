package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cnb.cool/zhiqiangwang/pkg/logx"
	openai "github.com/sashabaranov/go-openai"
)

// Message 转发给上游的消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request 一次上游调用
type Request struct {
	Model    string
	Messages []Message
	// Authorization 调用方透传的 Authorization 头,非空时优先于配置的上游密钥
	Authorization string
}

// Error 上游调用失败
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return "upstream request failed: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Dispatcher 上游 LLM 转发器
type Dispatcher interface {
	// Call 非流式调用,返回完整的 assistant 回复内容
	Call(ctx context.Context, req *Request) (string, error)
	// Stream 流式调用,内容片段从第一个通道返回
	// 两个通道都会在流结束后关闭,错误通道最多携带一个终止错误
	Stream(ctx context.Context, req *Request) (<-chan string, <-chan error, error)
}

// Config 上游服务配置
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIDispatcher 基于 OpenAI 兼容协议的转发器
type OpenAIDispatcher struct {
	config     *Config
	httpClient *http.Client
}

// NewOpenAIDispatcher 创建转发器
func NewOpenAIDispatcher(config *Config) *OpenAIDispatcher {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}

	// 禁用 HTTP/2,强制使用 HTTP/1.1 以避免部分上游的 INTERNAL_ERROR
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSNextProto:        make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
	}

	logx.Info("Upstream dispatcher initialized, base_url %s, model %s", config.BaseURL, config.Model)

	return &OpenAIDispatcher{
		config: config,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// clientFor 按请求选择 API 密钥并构造客户端
// 调用方透传的 Authorization 优先,否则使用配置的上游密钥
func (d *OpenAIDispatcher) clientFor(authorization string) *openai.Client {
	apiKey := d.config.APIKey
	if authorization != "" {
		apiKey = strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if d.config.BaseURL != "" {
		// 直接使用配置的 BaseURL,不自动拼接 /v1
		// 不同的 API 提供商路径格式不同,例如智普 AI 使用 /api/paas/v4
		clientConfig.BaseURL = d.config.BaseURL
	}
	clientConfig.HTTPClient = d.httpClient

	return openai.NewClientWithConfig(clientConfig)
}

// model 确定本次调用的模型名
func (d *OpenAIDispatcher) model(requested string) string {
	if requested != "" {
		return requested
	}
	return d.config.Model
}

// convertMessages 转换为 go-openai 的消息格式
func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted = append(converted, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return converted
}

// wrapError 将 go-openai 的错误转换为 Error
func wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	return &Error{Message: err.Error(), Err: err}
}

// Call 非流式调用
func (d *OpenAIDispatcher) Call(ctx context.Context, req *Request) (string, error) {
	openaiReq := openai.ChatCompletionRequest{
		Model:    d.model(req.Model),
		Messages: convertMessages(req.Messages),
		Stream:   false,
	}

	resp, err := d.clientFor(req.Authorization).CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		logx.Error("Failed to create chat completion: %v", err)
		return "", wrapError(err)
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Message: "no response choices"}
	}

	return resp.Choices[0].Message.Content, nil
}

// Stream 流式调用
func (d *OpenAIDispatcher) Stream(ctx context.Context, req *Request) (<-chan string, <-chan error, error) {
	openaiReq := openai.ChatCompletionRequest{
		Model:    d.model(req.Model),
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}

	contentCh := make(chan string, 10)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(errCh)

		stream, err := d.clientFor(req.Authorization).CreateChatCompletionStream(ctx, openaiReq)
		if err != nil {
			logx.Error("Failed to create chat completion stream: %v", err)
			errCh <- wrapError(err)
			return
		}
		defer func() { _ = stream.Close() }()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				logx.Debug("Stream completed successfully")
				return
			}
			if err != nil {
				logx.Error("Stream error: %v", err)
				errCh <- wrapError(err)
				return
			}

			if len(response.Choices) > 0 {
				delta := response.Choices[0].Delta.Content
				if delta != "" {
					select {
					case contentCh <- delta:
					case <-ctx.Done():
						errCh <- ctx.Err()
						return
					}
				}
			}
		}
	}()

	return contentCh, errCh, nil
}
