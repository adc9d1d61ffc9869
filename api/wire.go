package api

import (
	"time"

	"backend/api/handlers/approvals"
	"backend/internal/approval"
	"backend/internal/config"
	"backend/internal/infra"
	"backend/internal/infra/queue"
	"backend/internal/logger"
	"backend/internal/worker"
	"backend/internal/worker/handlers"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppContainer 应用容器，集中管理所有服务依赖
type AppContainer struct {
	// 基础设施
	DB          *gorm.DB
	Config      *config.Config
	RedisClient redis.UniversalClient
	QueueClient queue.Client

	// 审批核心服务
	DefinitionStore   *approval.DefinitionStore
	Engine            *approval.Engine
	DelegationService *approval.DelegationService
	AnalyticsService  *approval.AnalyticsService
	Scheduler         *approval.EscalationScheduler
	EventBus          *approval.RequestEventBus

	// 通知与 Worker
	Notifier     handlers.Notifier
	WorkerServer *worker.Server
}

// Handlers 全部 HTTP Handler
type Handlers struct {
	Workflow   *approvals.WorkflowHandler
	Request    *approvals.RequestHandler
	Delegation *approvals.DelegationHandler
	Analytics  *approvals.AnalyticsHandler
}

// InitContainer 初始化依赖注入容器
func InitContainer(db *gorm.DB, cfg *config.Config) (*AppContainer, error) {
	container := &AppContainer{
		DB:     db,
		Config: cfg,
	}

	if err := container.initRedis(cfg); err != nil {
		return nil, err
	}

	container.initApproval(db, cfg)
	container.initWorker(cfg)

	return container, nil
}

// InitHandlers 初始化所有 Handlers
func (c *AppContainer) InitHandlers() *Handlers {
	return &Handlers{
		Workflow:   approvals.NewWorkflowHandler(c.DefinitionStore),
		Request:    approvals.NewRequestHandler(c.Engine, c.QueueClient, logger.Get()),
		Delegation: approvals.NewDelegationHandler(c.DelegationService),
		Analytics:  approvals.NewAnalyticsHandler(c.AnalyticsService),
	}
}

// --- 内部初始化方法 ---

func (c *AppContainer) initRedis(cfg *config.Config) error {
	redisCfg := normalizeRedisConfig(cfg.Redis)
	cfg.Redis = redisCfg
	c.QueueClient = queue.NewClient(redisCfg)

	client, err := infra.InitRedis(&redisCfg)
	if err != nil {
		// 降级运行：没有 Redis 时升级扫描退回单实例模式
		logger.Warn("Redis 不可用，升级扫描将不使用分布式锁", zap.Error(err))
		c.RedisClient = nil
		return nil
	}

	c.RedisClient = client
	return nil
}

func (c *AppContainer) initApproval(db *gorm.DB, cfg *config.Config) {
	c.EventBus = approval.NewRequestEventBus(nil)
	c.DefinitionStore = approval.NewDefinitionStore(db)
	c.DelegationService = approval.NewDelegationService(db)
	c.AnalyticsService = approval.NewAnalyticsService(db)
	c.Engine = approval.NewEngine(db, c.DelegationService, approval.WithEventBus(c.EventBus))

	schedOpts := []approval.SchedulerOption{
		approval.WithSchedulerEventBus(c.EventBus),
	}
	if cfg.Escalation.IntervalMinutes > 0 {
		schedOpts = append(schedOpts, approval.WithSweepInterval(time.Duration(cfg.Escalation.IntervalMinutes)*time.Minute))
	}
	if c.RedisClient != nil {
		schedOpts = append(schedOpts, approval.WithSchedulerRedis(c.RedisClient))
	}
	c.Scheduler = approval.NewEscalationScheduler(db, schedOpts...)
}

func (c *AppContainer) initWorker(cfg *config.Config) {
	if cfg.Notify.WebhookURL != "" {
		c.Notifier = handlers.NewWebhookNotifier(
			cfg.Notify.WebhookURL,
			time.Duration(cfg.Notify.TimeoutSeconds)*time.Second,
			cfg.Notify.Retries,
			logger.Get(),
		)
	} else {
		c.Notifier = &handlers.LogNotifier{Logger: logger.Get()}
	}
	c.WorkerServer = worker.NewServer(cfg.Redis, cfg.Worker.Concurrency, c.Scheduler, c.Notifier, logger.Get())
}

// Close 释放容器持有的外部连接
func (c *AppContainer) Close() {
	if c.QueueClient != nil {
		if err := c.QueueClient.Close(); err != nil {
			logger.Warn("关闭队列客户端失败", zap.Error(err))
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			logger.Warn("关闭 Redis 客户端失败", zap.Error(err))
		}
	}
}
