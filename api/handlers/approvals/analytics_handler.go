package approvals

import (
	"time"

	"backend/internal/approval"
	"backend/internal/common"

	"github.com/gin-gonic/gin"
)

// AnalyticsHandler 审批统计 Handler
type AnalyticsHandler struct {
	service *approval.AnalyticsService
}

// NewAnalyticsHandler 创建 AnalyticsHandler 实例
func NewAnalyticsHandler(service *approval.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{service: service}
}

// GetSummary 审批统计摘要
// @Summary 审批统计摘要
// @Description 按提交时间窗口统计请求总数、各状态数量与平均完成时长
// @Tags ApprovalAnalytics
// @Produce json
// @Param start query string false "窗口起点 (RFC3339)，默认30天前"
// @Param end query string false "窗口终点 (RFC3339)，默认当前时间"
// @Param entity_type query string false "实体类型过滤"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/approval-analytics/summary [get]
func (h *AnalyticsHandler) GetSummary(c *gin.Context) {
	start, end, ok := parseWindow(c)
	if !ok {
		return
	}

	summary, err := h.service.Summarize(c.Request.Context(), start, end, c.Query("entity_type"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccess(c, summary)
}

// GetBottlenecks 步骤瓶颈分析
// @Summary 步骤瓶颈分析
// @Description 统计各步骤平均停留时长，按耗时降序返回
// @Tags ApprovalAnalytics
// @Produce json
// @Param start query string false "窗口起点 (RFC3339)，默认30天前"
// @Param end query string false "窗口终点 (RFC3339)，默认当前时间"
// @Param entity_type query string false "实体类型过滤"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/approval-analytics/bottlenecks [get]
func (h *AnalyticsHandler) GetBottlenecks(c *gin.Context) {
	start, end, ok := parseWindow(c)
	if !ok {
		return
	}

	stats, err := h.service.Bottlenecks(c.Request.Context(), start, end, c.Query("entity_type"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{"steps": stats, "total": len(stats)})
}

// parseWindow 解析统计时间窗口，缺省为最近30天
func parseWindow(c *gin.Context) (time.Time, time.Time, bool) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)

	if raw := c.Query("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			common.ResponseBadRequest(c, "start 时间格式错误，需为 RFC3339")
			return start, end, false
		}
		start = parsed
	}
	if raw := c.Query("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			common.ResponseBadRequest(c, "end 时间格式错误，需为 RFC3339")
			return start, end, false
		}
		end = parsed
	}
	if end.Before(start) {
		common.ResponseBadRequest(c, "end 不能早于 start")
		return start, end, false
	}

	return start, end, true
}
