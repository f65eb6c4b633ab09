package cli

import (
	"context"
	"fmt"
	"time"

	"inboxflow/internal/config"
	"inboxflow/internal/models"
	"inboxflow/internal/observability"
	"inboxflow/internal/services"
	"inboxflow/pkg/graph"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// app 进程内共享的组件
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	db     *gorm.DB
	redis  *redis.Client

	hub        *services.WebSocketHub
	gateway    *services.PlatformGateway
	providers  *services.AIProviderService
	settings   *services.SettingsService
	funnels    *services.FunnelService
	runs       *services.AutomationRunService
	reconciler *services.Reconciler
	dispatcher *services.Dispatcher
	pipeline   *services.IngestPipeline
	sweeper    *services.EnrollmentSweeper
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg := config.Load()
	log, err := config.InitLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func openDatabase(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	level := logger.Warn
	if log.IsLevelEnabled(logrus.DebugLevel) {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := observability.InstrumentDB(db, cfg); err != nil {
		log.WithError(err).Warn("gorm tracing disabled")
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg *config.Config, log *logrus.Logger) *redis.Client {
	rc := cfg.Redis
	if !rc.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:        rc.Addr(),
		Password:    rc.Password,
		DB:          rc.DB,
		PoolSize:    rc.PoolSize,
		DialTimeout: rc.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// 去重守卫失败时放行，这里只记录
		log.WithError(err).Warn("redis unreachable, delivery guard will fall back to database")
	}
	return client
}

// newApp 组装完整依赖图
func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(cfg, log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log, db: db, redis: openRedis(ctx, cfg, log)}

	gc := cfg.Platforms.Graph
	client := graph.NewClient(&graph.Config{
		FacebookBaseURL:  gc.FacebookBaseURL,
		InstagramBaseURL: gc.InstagramBaseURL,
		APIVersion:       gc.APIVersion,
		Timeout:          gc.Timeout,
		MaxRetries:       gc.MaxRetries,
		RetryDelay:       gc.RetryDelay,
		RateLimit:        gc.RateLimit,
		RateBurst:        gc.RateBurst,
	}, log)
	a.gateway = services.NewPlatformGateway(client, log)
	a.hub = services.NewWebSocketHub(log)
	a.providers = services.NewAIProviderService(cfg.AI, log)
	a.settings = services.NewSettingsService(db, log)
	a.funnels = services.NewFunnelService(db, log)
	a.runs = services.NewAutomationRunService(db, log)
	a.reconciler = services.NewReconciler(db, a.gateway, log)
	a.dispatcher = services.NewDispatcher(db, a.gateway, a.hub, cfg.Automation.SendTimeout, log)

	deps := services.IngestDeps{
		DB:         db,
		Matcher:    services.NewAccountMatcher(db, a.gateway, log),
		Profiles:   a.gateway,
		Notifier:   a.hub,
		Mover:      services.NewAIFunnelService(db, log),
		Funnels:    a.funnels,
		Bots:       services.NewAIBotService(db, a.providers, log),
		Dispatcher: a.dispatcher,
		Runs:       a.runs,
	}
	if a.redis != nil {
		deps.Guard = services.NewRedisDeliveryGuard(a.redis, cfg.Redis.DeliveryTTL, log)
	}
	a.pipeline = services.NewIngestPipeline(deps, services.IngestOptions{
		StageTimeout:     cfg.Automation.StageTimeout,
		MaxResponseDelay: cfg.Automation.MaxResponseDelay,
		AsyncAutomation:  cfg.Automation.AsyncStages,
	}, log)
	a.sweeper = services.NewEnrollmentSweeper(db, a.funnels, a.dispatcher, a.runs, cfg.Automation.SweepBatchSize, log)
	return a, nil
}

// redisCmdable 未启用时返回真正的 nil 接口
func (a *app) redisCmdable() redis.Cmdable {
	if a.redis == nil {
		return nil
	}
	return a.redis
}

// drain 停 sweeper，等自动化跑完，再停 dispatcher；重复调用无副作用
func (a *app) drain() {
	a.sweeper.Stop()
	a.pipeline.Wait()
	a.dispatcher.Stop()
}

// shutdown 自动化收尾之后才停 hub 和 tracing，最后关连接
func (a *app) shutdown(stopTracing observability.ShutdownFunc) {
	a.drain()
	a.hub.Stop()
	if stopTracing != nil {
		if err := stopTracing(context.Background()); err != nil {
			a.logger.WithError(err).Warn("tracing shutdown failed")
		}
	}
	a.close()
}

func (a *app) close() {
	a.drain()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// ensureSchema 启动时迁移；生产环境可用 migrate 子命令单独执行
func ensureSchema(db *gorm.DB, log *logrus.Logger) error {
	log.Info("Running database migration")
	return models.Migrate(db)
}
