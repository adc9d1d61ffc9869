package approvals

import (
	"backend/internal/approval"
	"backend/internal/common"

	"github.com/gin-gonic/gin"
)

// DelegationHandler 审批委托管理 Handler
type DelegationHandler struct {
	service *approval.DelegationService
}

// NewDelegationHandler 创建 DelegationHandler 实例
func NewDelegationHandler(service *approval.DelegationService) *DelegationHandler {
	return &DelegationHandler{service: service}
}

// CreateDelegation 创建审批委托
// @Summary 创建审批委托
// @Description 创建时间窗口内的审批委托，窗口为闭区间
// @Tags ApprovalDelegations
// @Accept json
// @Produce json
// @Param request body approval.CreateDelegationInput true "委托信息"
// @Success 201 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/approval-delegations [post]
func (h *DelegationHandler) CreateDelegation(c *gin.Context) {
	var input approval.CreateDelegationInput
	if err := c.ShouldBindJSON(&input); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	delegation, err := h.service.CreateDelegation(c.Request.Context(), &input)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseCreated(c, delegation)
}

// ListDelegations 查询审批委托列表
// @Summary 查询审批委托列表
// @Description 查询委托列表，支持按委托人过滤及仅看当前生效的委托
// @Tags ApprovalDelegations
// @Produce json
// @Param delegator_id query string false "委托人ID过滤"
// @Param active_only query bool false "仅返回当前生效的委托"
// @Success 200 {object} common.APIResponse
// @Failure 500 {object} common.APIResponse
// @Router /api/approval-delegations [get]
func (h *DelegationHandler) ListDelegations(c *gin.Context) {
	delegatorID := c.Query("delegator_id")
	activeOnly := c.Query("active_only") == "true"

	delegations, err := h.service.ListDelegations(c.Request.Context(), delegatorID, activeOnly)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{"delegations": delegations, "total": len(delegations)})
}

// DeleteDelegation 删除审批委托
// @Summary 删除审批委托
// @Description 删除委托，立即终止其生效窗口
// @Tags ApprovalDelegations
// @Produce json
// @Param id path string true "委托ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/approval-delegations/{id} [delete]
func (h *DelegationHandler) DeleteDelegation(c *gin.Context) {
	if err := h.service.DeleteDelegation(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccessMessage(c, "委托已删除", nil)
}
