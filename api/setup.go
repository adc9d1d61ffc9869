package api

import (
	"backend/internal/config"
	"backend/internal/metrics"
	middlewarepkg "backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"
)

// SetupRouter 设置并返回 Gin 路由与应用容器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *AppContainer, error) {
	container, err := InitContainer(db, cfg)
	if err != nil {
		return nil, nil, err
	}

	router := gin.New()

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS())
	router.Use(middlewarepkg.RateLimitMiddleware(middlewarepkg.NewRateLimiter(nil)))

	// Prometheus 指标收集中间件
	router.Use(metrics.PrometheusMiddleware())

	// 公开端点
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))

	// Prometheus 指标端点与系统指标采集
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if sqlDB, err := db.DB(); err == nil {
		metrics.NewSystemCollector(sqlDB)
	}

	// Swagger 文档（docs 由 swag init 生成）
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 业务路由
	RegisterRoutes(router, container.InitHandlers())

	return router, container, nil
}
