package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cnb.cool/zhiqiangwang/pkg/logx"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/benjaminmishra/memory-ops/internal/auth"
	"github.com/benjaminmishra/memory-ops/internal/compress"
	"github.com/benjaminmishra/memory-ops/internal/config"
	"github.com/benjaminmishra/memory-ops/internal/pipeline"
	"github.com/benjaminmishra/memory-ops/internal/ratelimit"
	"github.com/benjaminmishra/memory-ops/internal/upstream"
)

// ChatHandler 处理对话补全请求
type ChatHandler struct {
	config   *config.Config
	pipeline *pipeline.Pipeline
}

// NewChatHandler 创建 ChatHandler
func NewChatHandler(cfg *config.Config, pl *pipeline.Pipeline) *ChatHandler {
	return &ChatHandler{
		config:   cfg,
		pipeline: pl,
	}
}

// ChatMessage 对话消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 对话请求(OpenAI 格式)
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Model    string        `json:"model,omitempty"`
	Stream   bool          `json:"stream"`
}

// ChatResponse 非流式对话响应(OpenAI 格式)
type ChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// StreamChunk 流式响应块(OpenAI 格式)
type StreamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Completions 处理对话请求(支持流式和非流式)
func (h *ChatHandler) Completions(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code:    400,
			Message: "Invalid request: " + err.Error(),
		})
		return
	}

	// 转换为管道请求
	messages := make([]upstream.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, upstream.Message{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	plReq := &pipeline.Request{
		APIKey:        c.GetHeader("X-API-Key"),
		Authorization: c.GetHeader("Authorization"),
		SessionID:     c.GetHeader("X-Session-ID"),
		Model:         req.Model,
		Messages:      messages,
	}

	if req.Stream {
		h.streamCompletion(c, req.Model, plReq)
		return
	}
	h.completion(c, req.Model, plReq)
}

// completion 非流式请求
func (h *ChatHandler) completion(c *gin.Context, modelName string, plReq *pipeline.Request) {
	resp, err := h.pipeline.Execute(c.Request.Context(), plReq)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.setDiagnosticHeaders(c, resp.TokensBefore, resp.TokensAfter, resp.TokensSaved)

	completionTokens := compress.CountTokens(resp.Content)
	chatResp := ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   h.modelName(modelName),
		Choices: []struct {
			Index   int `json:"index"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		}{
			{
				Index: 0,
				Message: struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				}{
					Role:    "assistant",
					Content: resp.Content,
				},
				FinishReason: "stop",
			},
		},
	}
	chatResp.Usage.PromptTokens = resp.TokensAfter
	chatResp.Usage.CompletionTokens = completionTokens
	chatResp.Usage.TotalTokens = resp.TokensAfter + completionTokens

	c.JSON(http.StatusOK, chatResp)
}

// streamCompletion 流式请求
func (h *ChatHandler) streamCompletion(c *gin.Context, modelName string, plReq *pipeline.Request) {
	resp, err := h.pipeline.ExecuteStream(c.Request.Context(), plReq)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// 设置 SSE 响应头
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	h.setDiagnosticHeaders(c, resp.TokensBefore, resp.TokensAfter, resp.TokensSaved)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, Response{
			Code:    500,
			Message: "Streaming not supported",
		})
		return
	}

	chunkID := "chatcmpl-" + uuid.NewString()
	sent := 0

	for fragment := range resp.Fragments {
		chunk := h.buildChunk(chunkID, modelName, fragment)
		chunkJSON, err := json.Marshal(chunk)
		if err != nil {
			logx.Error("Failed to marshal chunk: %v", err)
			continue
		}

		fmt.Fprintf(c.Writer, "data: %s\n\n", chunkJSON)
		flusher.Flush()
		sent++
	}

	// 片段通道关闭后读取终止错误,出错时不发送结束标记
	if err := <-resp.Err; err != nil {
		logx.Error("Stream terminated with error after %d chunks: %v", sent, err)
		return
	}

	fmt.Fprintf(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()

	logx.Info("Stream completed: sent %d chunks", sent)
}

// buildChunk 构建 OpenAI 格式的流式响应块
func (h *ChatHandler) buildChunk(id, modelName, content string) StreamChunk {
	return StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   h.modelName(modelName),
		Choices: []struct {
			Index int `json:"index"`
			Delta struct {
				Role    string `json:"role,omitempty"`
				Content string `json:"content,omitempty"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		}{
			{
				Index: 0,
				Delta: struct {
					Role    string `json:"role,omitempty"`
					Content string `json:"content,omitempty"`
				}{
					Content: content,
				},
				FinishReason: nil,
			},
		},
	}
}

// setDiagnosticHeaders 设置压缩诊断响应头
func (h *ChatHandler) setDiagnosticHeaders(c *gin.Context, before, after, saved int) {
	c.Header("x-tokens-before", strconv.Itoa(before))
	c.Header("x-tokens-after", strconv.Itoa(after))
	c.Header("x-tokens-saved", strconv.Itoa(saved))
}

// modelName 响应中展示的模型名
func (h *ChatHandler) modelName(requested string) string {
	if requested != "" {
		return requested
	}
	return h.config.Upstream.Model
}

// writeError 将管道错误映射为 HTTP 状态码
// 限流拒绝和上游失败必须可区分:前者调用方减速可解,后者不是
func (h *ChatHandler) writeError(c *gin.Context, err error) {
	var rateErr *ratelimit.RateLimitError
	var upErr *upstream.Error

	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		c.Header("WWW-Authenticate", "API key")
		c.JSON(http.StatusUnauthorized, Response{
			Code:    401,
			Message: err.Error(),
		})
	case errors.As(err, &rateErr):
		c.Header("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		c.Header("x-ratelimit-reason", string(rateErr.Kind))
		c.JSON(http.StatusTooManyRequests, Response{
			Code:    429,
			Message: rateErr.Error(),
			Data:    gin.H{"kind": string(rateErr.Kind)},
		})
	case errors.Is(err, pipeline.ErrNoMessages), errors.Is(err, pipeline.ErrLastMessageNotUser):
		c.JSON(http.StatusUnprocessableEntity, Response{
			Code:    422,
			Message: err.Error(),
		})
	case errors.As(err, &upErr):
		logx.Error("Upstream dispatch failed: %v", err)
		c.JSON(http.StatusBadGateway, Response{
			Code:    502,
			Message: upErr.Error(),
		})
	default:
		logx.Error("Request failed: %v", err)
		c.JSON(http.StatusInternalServerError, Response{
			Code:    500,
			Message: err.Error(),
		})
	}
}

// GetModels 获取可用的模型列表
func (h *ChatHandler) GetModels(c *gin.Context) {
	models := []map[string]any{
		{
			"id":      h.config.Upstream.Model,
			"object":  "model",
			"default": true,
		},
	}

	c.JSON(http.StatusOK, Response{
		Code:    200,
		Message: "success",
		Data: gin.H{
			"models": models,
		},
	})
}
