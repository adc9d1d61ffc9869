package worker

import (
	"context"
	"fmt"

	"backend/internal/config"
	"backend/internal/worker/handlers"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewServer(
	cfg config.RedisConfig,
	concurrency int,
	sweeper handlers.Sweeper,
	notifier handlers.Notifier,
	logger *zap.Logger,
) *Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"escalation": 6, // 升级扫描优先级高
				"notify":     3,
				"default":    1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	// 注册升级扫描处理器
	escalationHandler := handlers.NewEscalationHandler(sweeper, logger)
	mux.HandleFunc(tasks.TypeEscalationSweep, escalationHandler.HandleEscalationSweep)

	// 注册通知处理器
	notifyHandler := handlers.NewNotifyHandler(notifier, logger)
	mux.HandleFunc(tasks.TypeNotifyDecision, notifyHandler.HandleNotifyDecision)

	return &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}
