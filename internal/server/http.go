package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cnb.cool/zhiqiangwang/pkg/logx"
	"github.com/gin-gonic/gin"

	"github.com/benjaminmishra/memory-ops/internal/config"
	"github.com/benjaminmishra/memory-ops/internal/model"
	"github.com/benjaminmishra/memory-ops/internal/pipeline"
	"github.com/benjaminmishra/memory-ops/internal/store"
)

// Response 通用响应结构
type Response = model.Response

// HTTPServer 基于 Gin 的 HTTP 服务器
type HTTPServer struct {
	config *config.Config
	engine *gin.Engine
	server *http.Server

	chatHandler    *ChatHandler
	sessionHandler *SessionHandler
}

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(cfg *config.Config, pl *pipeline.Pipeline, contextStore *store.Store) *HTTPServer {
	// 设置 Gin 模式
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &HTTPServer{
		config:         cfg,
		engine:         gin.New(),
		chatHandler:    NewChatHandler(cfg, pl),
		sessionHandler: NewSessionHandler(contextStore),
	}

	// 注册中间件
	s.registerMiddlewares()

	// 注册路由
	s.registerRoutes()

	return s
}

// registerMiddlewares 注册中间件
func (s *HTTPServer) registerMiddlewares() {
	// 恢复中间件 - 从 panic 恢复
	s.engine.Use(gin.Recovery())

	// 自定义日志中间件
	s.engine.Use(s.loggingMiddleware())

	// CORS 中间件
	s.engine.Use(s.corsMiddleware())
}

// loggingMiddleware 自定义日志中间件
func (s *HTTPServer) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		logx.Info("HTTP request, method %s, path %s, status %d, duration %s, remote_addr %s",
			method, path, status, duration, c.ClientIP())
	}
}

// corsMiddleware CORS 中间件
func (s *HTTPServer) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Session-ID, accept, origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// registerRoutes 注册路由
func (s *HTTPServer) registerRoutes() {
	// 健康检查
	s.engine.GET("/healthz", s.handleHealth)

	v1 := s.engine.Group("/v1")
	{
		// OpenAI 兼容的对话补全接口
		v1.POST("/chat/completions", s.chatHandler.Completions)

		// 可用模型列表
		v1.GET("/models", s.chatHandler.GetModels)

		// 会话记忆管理
		v1.GET("/sessions", s.sessionHandler.ListSessions)
		v1.GET("/sessions/:id/messages", s.sessionHandler.ListMessages)
		v1.DELETE("/sessions/:id", s.sessionHandler.ClearSession)
	}
}

// handleHealth 健康检查
func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Start 启动 HTTP 服务器
func (s *HTTPServer) Start() error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.config.Server.Port)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
		// 流式响应持续时间不可预期,不设置 WriteTimeout
	}

	logx.Info("🛜 Starting HTTP Server (Gin), Addr %s", addr)
	return s.server.ListenAndServe()
}

// Stop 优雅停止 HTTP 服务器
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Engine 返回底层 gin 引擎(测试用)
func (s *HTTPServer) Engine() *gin.Engine {
	return s.engine
}
