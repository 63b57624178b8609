package application

import (
	"context"
	"fmt"

	"github.com/ngoclaw/gravitygate/internal/application/usecase"
	"github.com/ngoclaw/gravitygate/internal/domain/service"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/accountstore"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/compress"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/config"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/persistence"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/sigcache"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator/claude"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator/openai"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/upstream"
	httpServer "github.com/ngoclaw/gravitygate/internal/interfaces/http"
	"go.uber.org/zap"
)

// Version 当前构建版本
const Version = "0.3.0"

// App 应用程序
type App struct {
	// 配置
	config *config.Config
	logger *zap.Logger

	// 仓储层
	accounts   *accountstore.Store
	usageStore *persistence.GormUsageStore

	// 领域服务
	modelRouter *service.ModelRouter
	balancer    *service.LoadBalancer
	retry       *service.RetryHandler

	// 基础设施
	sigCache   *sigcache.SignatureCache
	upstream   *upstream.Client
	refresher  *accountstore.Refresher
	compressor *compress.Compressor

	// 应用服务
	executor *usecase.Executor

	// 接口层
	httpServer *httpServer.Server

	// 后台任务（签名缓存清扫、账号文件监听）
	stopBackground context.CancelFunc
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.gravitygate/ exists with default files on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// 初始化各层组件
	if err := app.initStores(); err != nil {
		return nil, fmt.Errorf("failed to init stores: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// initStores 初始化仓储层
func (app *App) initStores() error {
	app.logger.Info("Initializing stores")

	// 账号存储（YAML 文件）
	accounts, err := accountstore.NewStore(app.config.Accounts.Path, app.logger)
	if err != nil {
		return fmt.Errorf("failed to open account store: %w", err)
	}
	app.accounts = accounts

	// 连接数据库
	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.usageStore = persistence.NewGormUsageStore(db, app.logger)

	return nil
}

// initDomainServices 初始化领域服务
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	// 模型路由
	app.modelRouter = service.NewModelRouter(
		app.config.Models.Mappings,
		app.config.Models.Limits,
		app.config.Models.Default,
	)

	// 负载均衡器
	app.balancer = service.NewLoadBalancer(
		service.ParseStrategy(app.config.LoadBalancer.Strategy),
		app.config.LoadBalancer.DefaultRateLimitDuration,
	)

	// 重试策略
	app.retry = service.NewRetryHandler(
		app.config.Retry.MaxAuthRetries,
		app.config.Retry.AutoRefreshToken,
		app.logger,
	)

	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	// 签名缓存
	app.sigCache = sigcache.NewSignatureCache(
		app.config.SignatureCache.TTL,
		app.config.SignatureCache.MaxEntries,
		app.config.SignatureCache.CleanupInterval,
		app.logger,
	)

	// 上游 HTTP 客户端
	app.upstream = upstream.NewClient(
		app.config.Upstream.BaseURL,
		app.config.Upstream.RequestTimeout,
		app.logger,
	)

	// OAuth2 令牌刷新器
	app.refresher = accountstore.NewRefresher(app.accounts, app.config.Upstream, app.logger)

	// 上下文压缩器
	app.compressor = compress.NewCompressor(compress.Options{
		Layer1Threshold:    app.config.Compression.Layer1Threshold,
		Layer2Threshold:    app.config.Compression.Layer2Threshold,
		Layer3Threshold:    app.config.Compression.Layer3Threshold,
		KeepLastToolRounds: app.config.Compression.KeepLastToolRounds,
		ProtectedLastN:     app.config.Compression.ProtectedLastN,
	}, app.logger)

	return nil
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	app.executor = usecase.NewExecutor(
		app.modelRouter,
		app.balancer,
		app.retry,
		app.refresher,
		app.compressor,
		app.upstream,
		app.usageStore,
		app.logger,
	)

	return nil
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	// gin 运行模式跟随日志级别
	mode := "release"
	if app.config.Log.Level == "debug" {
		mode = "debug"
	}

	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Server.Host,
			Port: app.config.Server.Port,
			Mode: mode,
		},
		httpServer.Options{
			Version:  Version,
			Executor: app.executor,
			Claude:   claude.New(app.sigCache, app.config.Upstream.SignatureGroup, app.logger),
			OpenAI:   openai.New(app.sigCache, app.logger),
			Router:   app.modelRouter,
			Balancer: app.balancer,
		},
		app.logger,
	)

	return nil
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	// 后台任务使用独立的生命周期，由 Stop 统一取消
	bgCtx, cancel := context.WithCancel(context.Background())
	app.stopBackground = cancel

	app.sigCache.StartCleanup(bgCtx)

	// 加载初始账号池
	accounts := app.accounts.List(ctx)
	app.balancer.SetAccounts(accounts)
	app.logger.Info("Account pool loaded", zap.Int("accounts", len(accounts)))

	// 监听账号文件变更，热更新账号池
	if app.config.Accounts.Watch {
		err := app.accounts.Watch(bgCtx, func() {
			app.balancer.SetAccounts(app.accounts.List(bgCtx))
		})
		if err != nil {
			app.logger.Warn("Account file watcher failed to start", zap.Error(err))
		}
	}

	// 启动HTTP服务器
	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	// 停止HTTP服务器
	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	// 停止后台任务
	if app.stopBackground != nil {
		app.stopBackground()
	}

	// 关闭账号文件监听
	if err := app.accounts.Close(); err != nil {
		app.logger.Error("Failed to close account store", zap.Error(err))
	}

	// 关闭数据库连接
	if err := app.usageStore.Close(); err != nil {
		app.logger.Error("Failed to close database connection", zap.Error(err))
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Logger 返回应用日志器
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig 返回应用配置
func (app *App) AppConfig() *config.Config {
	return app.config
}
