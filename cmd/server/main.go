package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"backend/api"
	"backend/internal/approval"
	"backend/internal/config"
	"backend/internal/infra"
	"backend/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// @title GrantFlow API
// @version 1.0
// @description 经费审批工作流引擎 API：流程定义、审批请求、委托与升级、统计分析
// @BasePath /
// @schemes http https
func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	loadEnvFile()

	// 获取环境变量
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, "")
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
	)

	// 3. 初始化数据库
	db, err := infra.InitDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer infra.CloseDatabase()

	// 4. 执行数据库迁移（根据配置）
	if cfg.Database.AutoMigrate {
		if err := runMigrations(db); err != nil {
			logger.Fatal("数据库迁移失败", zap.Error(err))
		}
	} else {
		logger.Info("跳过自动迁移（配置已禁用）")
	}

	// 5. 设置 Gin 模式
	gin.SetMode(cfg.Server.Mode)

	// 6. 创建路由与应用容器
	router, container, err := api.SetupRouter(db, cfg)
	if err != nil {
		logger.Fatal("初始化应用容器失败", zap.Error(err))
	}

	// 7. 创建 HTTP 服务器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// 8. 启动服务器（goroutine）
	go func() {
		logger.Info("HTTP 服务器启动",
			zap.Int("port", cfg.Server.Port),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	// 启动 Worker 服务器 (goroutine)
	if cfg.Worker.Enabled {
		go func() {
			if err := container.WorkerServer.Run(); err != nil {
				logger.Fatal("Worker 服务器启动失败", zap.Error(err))
			}
		}()

		// 启动时补一次扫描，处理停机期间积压的超时请求
		if err := container.QueueClient.EnqueueEscalationSweep("startup"); err != nil {
			logger.Warn("投递启动升级扫描任务失败", zap.Error(err))
		}
	} else {
		logger.Info("Worker 未启用，升级扫描任务不经队列执行")
	}

	// 启动进程内升级调度器 (goroutine)
	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	if cfg.Escalation.Enabled {
		go container.Scheduler.Run(schedulerCtx)
	} else {
		logger.Info("升级调度器未启用")
	}

	// 9. 优雅关闭
	gracefulShutdown(server, container, stopScheduler)
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		} else {
			fmt.Printf("已加载环境变量文件: %s\n", path)
		}
	} else {
		fmt.Println("未找到 .env 文件，将仅使用系统环境变量和 config/* 配置")
	}
}

// resolveEnvPath 尝试从当前工作目录、可执行文件目录向上查找根目录 .env
func resolveEnvPath() string {
	candidates := collectEnvCandidates()
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func collectEnvCandidates() []string {
	seen := make(map[string]struct{})
	var candidates []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		candidates = append(candidates, path)
	}

	traverse := func(start string) {
		dir := filepath.Clean(start)
		for i := 0; i < 8; i++ {
			if dir == "" || dir == string(filepath.Separator) || dir == "." {
				break
			}
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if wd, err := os.Getwd(); err == nil {
		traverse(wd)
	}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		traverse(exeDir)
	}

	return candidates
}

// runMigrations 执行数据库迁移
func runMigrations(db *gorm.DB) error {
	logger.Info("执行审批表自动迁移...")

	if err := db.AutoMigrate(approval.Models()...); err != nil {
		return fmt.Errorf("迁移审批表失败: %w", err)
	}

	logger.Info("审批表迁移完成")
	return nil
}

// gracefulShutdown 优雅关闭
func gracefulShutdown(server *http.Server, container *api.AppContainer, stopScheduler context.CancelFunc) {
	// 监听中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务器...")

	// 停止升级调度器
	stopScheduler()

	// 设置超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	// 关闭 Worker 服务器
	if container.Config.Worker.Enabled {
		container.WorkerServer.Shutdown()
	}

	// 关闭队列与 Redis 连接
	container.Close()

	// 关闭数据库连接
	if err := infra.CloseDatabase(); err != nil {
		logger.Error("数据库关闭异常", zap.Error(err))
	}

	logger.Info("服务器已安全关闭")
}
