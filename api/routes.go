package api

import (
	"time"

	middlewarepkg "backend/internal/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	// 决策类端点单独限流，减缓重复提交
	decideLimiter := middlewarepkg.NewRateLimiter(&middlewarepkg.RateLimiterConfig{
		RequestsPerSecond: 5,
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
	})

	// 主 API 组（向后兼容）
	api := router.Group("/api")
	registerAPIRoutes(api, h, decideLimiter)

	// 版本化 API 组
	apiV1 := router.Group("/api/v1")
	registerAPIRoutes(apiV1, h, decideLimiter)
}

// registerAPIRoutes 注册业务 API 路由
func registerAPIRoutes(apiGroup *gin.RouterGroup, h *Handlers, decideLimiter *middlewarepkg.RateLimiter) {
	// 流程定义管理
	registerWorkflowRoutes(apiGroup, h)

	// 审批请求
	registerRequestRoutes(apiGroup, h, decideLimiter)

	// 审批委托
	registerDelegationRoutes(apiGroup, h)

	// 审批统计
	registerAnalyticsRoutes(apiGroup, h)
}

func registerWorkflowRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	workflows := apiGroup.Group("/approval-workflows")
	{
		workflows.POST("", h.Workflow.CreateWorkflow)
		workflows.GET("", h.Workflow.ListWorkflows)
		workflows.GET("/:id", h.Workflow.GetWorkflow)
		workflows.PUT("/:id", h.Workflow.UpdateWorkflow)
		workflows.POST("/:id/deactivate", h.Workflow.DeactivateWorkflow)
	}
}

func registerRequestRoutes(apiGroup *gin.RouterGroup, h *Handlers, decideLimiter *middlewarepkg.RateLimiter) {
	requests := apiGroup.Group("/approval-requests")
	{
		requests.POST("", h.Request.SubmitRequest)
		requests.GET("/queue", h.Request.MyQueue)
		requests.GET("/:id", h.Request.GetRequest)
		requests.GET("/:id/actions", h.Request.ListActions)
		requests.POST("/:id/decide", middlewarepkg.RateLimitByEndpoint(decideLimiter), h.Request.Decide)
		requests.POST("/:id/cancel", h.Request.CancelRequest)
		requests.POST("/:id/request-info", h.Request.RequestInfo)
	}
}

func registerDelegationRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	delegations := apiGroup.Group("/approval-delegations")
	{
		delegations.POST("", h.Delegation.CreateDelegation)
		delegations.GET("", h.Delegation.ListDelegations)
		delegations.DELETE("/:id", h.Delegation.DeleteDelegation)
	}
}

func registerAnalyticsRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	analytics := apiGroup.Group("/approval-analytics")
	{
		analytics.GET("/summary", h.Analytics.GetSummary)
		analytics.GET("/bottlenecks", h.Analytics.GetBottlenecks)
	}
}
