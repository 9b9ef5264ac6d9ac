package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cnb.cool/zhiqiangwang/pkg/logx"
	"github.com/spf13/cobra"

	"github.com/benjaminmishra/memory-ops/internal/auth"
	"github.com/benjaminmishra/memory-ops/internal/compress"
	"github.com/benjaminmishra/memory-ops/internal/config"
	"github.com/benjaminmishra/memory-ops/internal/database"
	"github.com/benjaminmishra/memory-ops/internal/pipeline"
	"github.com/benjaminmishra/memory-ops/internal/ratelimit"
	"github.com/benjaminmishra/memory-ops/internal/server"
	"github.com/benjaminmishra/memory-ops/internal/store"
	"github.com/benjaminmishra/memory-ops/internal/upstream"
)

// serveCmd 启动网关服务
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 LLM 代理网关",
	Long:  `启动 HTTP 服务,对外提供 OpenAI 兼容的 /v1/chat/completions 接口。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 初始化数据库
	database.SetDBPath(cfg.Database.Path)
	db := database.GetDB()
	defer func() { _ = database.Close() }()

	// 初始化 Redis 缓存(可选)
	var cache *store.RedisCache
	if cfg.Cache.Enabled {
		cache, err = store.NewRedisCache(
			cfg.Cache.Addr,
			cfg.Cache.Password,
			cfg.Cache.DB,
			time.Duration(cfg.Cache.TTL)*time.Second,
		)
		if err != nil {
			// 缓存不可用时退回纯 SQLite
			logx.Warn("Redis cache unavailable, falling back to SQLite only: %v", err)
			cache = nil
		} else {
			defer func() { _ = cache.Close() }()
		}
	}

	contextStore := store.New(db, cache)

	// 身份解析器
	resolver := auth.NewStaticResolver(cfg.Auth.ParsedAPIKeys())
	if !resolver.Enabled() {
		logx.Warn("No API keys configured, authentication is disabled")
	}

	// 限流器
	limiter := ratelimit.NewSlidingWindowLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		TokensPerMinute:   cfg.RateLimit.TokensPerMinute,
		Window:            cfg.RateLimit.Window(),
	})

	// 上游转发器
	dispatcher := upstream.NewOpenAIDispatcher(&upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Model:   cfg.Upstream.Model,
		Timeout: cfg.Upstream.Timeout(),
	})

	// 请求处理管道
	pl := pipeline.New(
		resolver,
		limiter,
		contextStore,
		compress.NewHeadTailCompressor(),
		dispatcher,
		cfg.Compression.TopK,
	)

	httpServer := server.NewHTTPServer(cfg, pl, contextStore)

	// 周期性回收空闲 identity 的限流状态
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Cleanup(time.Now())
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	// 启动服务
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logx.Info("Received signal %s, shutting down...", sig)
	}

	// 优雅停止
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	logx.Info("Server stopped")
	return nil
}
