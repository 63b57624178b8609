package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/gravitygate/internal/application/usecase"
	"github.com/ngoclaw/gravitygate/internal/domain/service"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator"
	"github.com/ngoclaw/gravitygate/internal/interfaces/http/handlers"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// Options 路由依赖
type Options struct {
	Version  string
	Executor *usecase.Executor
	Claude   translator.Translator
	OpenAI   translator.Translator
	Router   *service.ModelRouter
	Balancer *service.LoadBalancer
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, opts Options, logger *zap.Logger) *Server {
	// 设置Gin模式
	if cfg.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(ginLogger(logger))

	// 初始化处理器
	messageHandler := handlers.NewMessageHandler(opts.Executor, opts.Claude, logger)
	chatHandler := handlers.NewChatHandler(opts.Executor, opts.OpenAI, logger)
	modelsHandler := handlers.NewModelsHandler(opts.Router)

	// 注册路由
	setupRoutes(router, opts, messageHandler, chatHandler, modelsHandler)

	// 创建HTTP服务器
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, opts Options, messageHandler *handlers.MessageHandler, chatHandler *handlers.ChatHandler, modelsHandler *handlers.ModelsHandler) {
	// 服务描述
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "gravitygate",
			"version": opts.Version,
			"endpoints": []string{
				"/health",
				"/v1/models",
				"/v1/messages",
				"/v1/messages/count_tokens",
				"/v1/chat/completions",
			},
			"accounts": gin.H{
				"total":     opts.Balancer.PoolSize(),
				"available": opts.Balancer.AvailableCount(),
			},
		})
	})

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 代理 API
	v1 := router.Group("/v1")
	{
		v1.GET("/models", modelsHandler.ListModels)
		v1.POST("/messages", messageHandler.CreateMessage)
		v1.POST("/messages/count_tokens", messageHandler.CountTokens)
		v1.POST("/chat/completions", chatHandler.ChatCompletions)
	}
}

// corsMiddleware 跨域中间件，OPTIONS 预检直接返回204
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, Anthropic-Version, Anthropic-Beta, User-Agent")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
