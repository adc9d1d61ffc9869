package approvals

import (
	"backend/internal/approval"
	"backend/internal/common"
	"backend/internal/infra/queue"
	"backend/internal/worker/tasks"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestHandler 审批请求 Handler
type RequestHandler struct {
	engine *approval.Engine
	queue  queue.Client
	logger *zap.Logger
}

// NewRequestHandler 创建 RequestHandler 实例
// queue 可为 nil，此时不投递异步通知
func NewRequestHandler(engine *approval.Engine, queueClient queue.Client, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{
		engine: engine,
		queue:  queueClient,
		logger: logger,
	}
}

// SubmitRequest 提交审批请求
// @Summary 提交审批请求
// @Description 基于指定流程定义提交审批请求，提交时冻结步骤快照
// @Tags ApprovalRequests
// @Accept json
// @Produce json
// @Param request body submitRequest true "提交内容"
// @Success 201 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/approval-requests [post]
func (h *RequestHandler) SubmitRequest(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	request, err := h.engine.Submit(c.Request.Context(), req.WorkflowID, req.EntityType, req.EntityID, req.SubmittedBy, req.Metadata)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseCreated(c, request)
}

// Decide 审批决策
// @Summary 审批决策
// @Description 对当前步骤做出批准或拒绝决策，拒绝必须填写意见
// @Tags ApprovalRequests
// @Accept json
// @Produce json
// @Param id path string true "请求ID"
// @Param request body decideRequest true "决策内容"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Failure 403 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/approval-requests/{id}/decide [post]
func (h *RequestHandler) Decide(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	request, action, err := h.engine.Decide(c.Request.Context(), c.Param("id"), req.ApproverID, req.Decision, req.Comments)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	h.enqueueNotification(request, action)

	common.ResponseSuccess(c, gin.H{"request": request, "action": action})
}

// CancelRequest 撤销审批请求
// @Summary 撤销审批请求
// @Description 提交人撤销处于待审批状态的请求
// @Tags ApprovalRequests
// @Accept json
// @Produce json
// @Param id path string true "请求ID"
// @Param request body cancelRequest true "撤销人"
// @Success 200 {object} common.APIResponse
// @Failure 403 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/approval-requests/{id}/cancel [post]
func (h *RequestHandler) CancelRequest(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	request, err := h.engine.Cancel(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccessMessage(c, "审批请求已撤销", request)
}

// RequestInfo 要求补充信息
// @Summary 要求补充信息
// @Description 当前步骤审批人要求提交人补充信息，不改变请求状态
// @Tags ApprovalRequests
// @Accept json
// @Produce json
// @Param id path string true "请求ID"
// @Param request body requestInfoRequest true "补充信息说明"
// @Success 200 {object} common.APIResponse
// @Failure 403 {object} common.APIResponse
// @Router /api/approval-requests/{id}/request-info [post]
func (h *RequestHandler) RequestInfo(c *gin.Context) {
	var req requestInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	action, err := h.engine.RequestInfo(c.Request.Context(), c.Param("id"), req.ApproverID, req.Comments)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccess(c, action)
}

// GetRequest 获取审批请求详情
// @Summary 获取审批请求详情
// @Description 根据ID获取审批请求及其步骤快照
// @Tags ApprovalRequests
// @Produce json
// @Param id path string true "请求ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/approval-requests/{id} [get]
func (h *RequestHandler) GetRequest(c *gin.Context) {
	request, err := h.engine.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccess(c, request)
}

// ListActions 获取审批动作轨迹
// @Summary 获取审批动作轨迹
// @Description 按时间顺序返回请求的全部审批动作记录
// @Tags ApprovalRequests
// @Produce json
// @Param id path string true "请求ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/approval-requests/{id}/actions [get]
func (h *RequestHandler) ListActions(c *gin.Context) {
	requestID := c.Param("id")
	if _, err := h.engine.GetRequest(c.Request.Context(), requestID); err != nil {
		respondServiceError(c, err)
		return
	}

	actions, err := h.engine.ListActions(c.Request.Context(), requestID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{"actions": actions, "total": len(actions)})
}

// MyQueue 获取审批队列
// @Summary 获取审批队列
// @Description 返回指定用户可审批的待处理请求，含角色、动态、委托与升级接管资格
// @Tags ApprovalRequests
// @Produce json
// @Param user_id query string true "用户ID"
// @Param entity_type query string false "实体类型过滤"
// @Param sort_by query string false "排序字段: submitted_at、entity_type"
// @Param order query string false "排序方向: asc、desc"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/approval-requests/queue [get]
func (h *RequestHandler) MyQueue(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		common.ResponseBadRequest(c, "user_id 不能为空")
		return
	}

	filter := &approval.QueueFilter{
		EntityType: c.Query("entity_type"),
		SortBy:     c.Query("sort_by"),
		Order:      c.Query("order"),
	}

	requests, err := h.engine.QueueFor(c.Request.Context(), userID, filter)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{"requests": requests, "total": len(requests)})
}

// enqueueNotification 投递决策通知任务，失败只记日志不影响响应
func (h *RequestHandler) enqueueNotification(request *approval.ApprovalRequest, action *approval.ApprovalAction) {
	if h.queue == nil {
		return
	}

	payload := tasks.NotifyDecisionPayload{
		RequestID:  request.ID,
		EntityType: request.EntityType,
		EntityID:   request.EntityID,
		Status:     request.Status,
		ActorID:    action.ApproverID,
		Action:     action.Action,
		Comments:   action.Comments,
	}
	if err := h.queue.EnqueueDecisionNotification(payload); err != nil {
		h.logger.Warn("投递审批通知任务失败",
			zap.String("requestId", request.ID),
			zap.Error(err),
		)
	}
}
