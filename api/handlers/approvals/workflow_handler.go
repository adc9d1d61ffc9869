package approvals

import (
	"backend/internal/approval"
	"backend/internal/common"

	"github.com/gin-gonic/gin"
)

// WorkflowHandler 审批流程定义管理 Handler
type WorkflowHandler struct {
	store *approval.DefinitionStore
}

// NewWorkflowHandler 创建 WorkflowHandler 实例
func NewWorkflowHandler(store *approval.DefinitionStore) *WorkflowHandler {
	return &WorkflowHandler{store: store}
}

// CreateWorkflow 创建审批流程定义
// @Summary 创建审批流程定义
// @Description 创建新的审批流程定义，激活时自动停用同实体类型的旧激活定义
// @Tags ApprovalWorkflows
// @Accept json
// @Produce json
// @Param request body approval.CreateDefinitionInput true "流程定义"
// @Success 201 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/approval-workflows [post]
func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	var input approval.CreateDefinitionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	def, err := h.store.CreateDefinition(c.Request.Context(), &input)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseCreated(c, def)
}

// ListWorkflows 查询审批流程定义列表
// @Summary 查询审批流程定义列表
// @Description 获取审批流程定义列表，支持按实体类型和激活状态筛选
// @Tags ApprovalWorkflows
// @Produce json
// @Param entity_type query string false "实体类型过滤"
// @Param is_active query bool false "激活状态过滤"
// @Success 200 {object} common.APIResponse
// @Failure 500 {object} common.APIResponse
// @Router /api/approval-workflows [get]
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	filter := &approval.DefinitionFilter{
		EntityType: c.Query("entity_type"),
	}
	if raw := c.Query("is_active"); raw != "" {
		active := raw == "true"
		filter.IsActive = &active
	}

	defs, err := h.store.ListDefinitions(c.Request.Context(), filter)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{"workflows": defs, "total": len(defs)})
}

// GetWorkflow 获取审批流程定义详情
// @Summary 获取审批流程定义详情
// @Description 根据ID获取流程定义及其有序步骤
// @Tags ApprovalWorkflows
// @Produce json
// @Param id path string true "流程定义ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/approval-workflows/{id} [get]
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	def, err := h.store.GetDefinition(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccess(c, def)
}

// UpdateWorkflow 更新审批流程定义
// @Summary 更新审批流程定义
// @Description 更新流程定义基础信息；传入 steps 时整体替换步骤列表，在途请求不受影响
// @Tags ApprovalWorkflows
// @Accept json
// @Produce json
// @Param id path string true "流程定义ID"
// @Param request body approval.UpdateDefinitionInput true "更新内容"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/approval-workflows/{id} [put]
func (h *WorkflowHandler) UpdateWorkflow(c *gin.Context) {
	var input approval.UpdateDefinitionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	def, err := h.store.UpdateDefinition(c.Request.Context(), c.Param("id"), &input)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccessMessage(c, "流程定义更新成功", def)
}

// DeactivateWorkflow 停用审批流程定义
// @Summary 停用审批流程定义
// @Description 停用流程定义，停用后不再接受新请求，在途请求继续按快照执行
// @Tags ApprovalWorkflows
// @Produce json
// @Param id path string true "流程定义ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/approval-workflows/{id}/deactivate [post]
func (h *WorkflowHandler) DeactivateWorkflow(c *gin.Context) {
	if err := h.store.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}

	common.ResponseSuccessMessage(c, "流程定义已停用", nil)
}
