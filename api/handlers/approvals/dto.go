package approvals

import (
	"errors"

	"backend/internal/approval"
	"backend/internal/common"

	"github.com/gin-gonic/gin"
)

// submitRequest 提交审批请求
type submitRequest struct {
	WorkflowID  string         `json:"workflow_id" binding:"required"`
	EntityType  string         `json:"entity_type" binding:"required"`
	EntityID    string         `json:"entity_id" binding:"required"`
	SubmittedBy string         `json:"submitted_by" binding:"required"`
	Metadata    map[string]any `json:"metadata"`
}

// decideRequest 审批决策
type decideRequest struct {
	ApproverID string `json:"approver_id" binding:"required"`
	Decision   string `json:"decision" binding:"required"` // approve、reject
	Comments   string `json:"comments"`
}

// cancelRequest 撤销审批请求
type cancelRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
}

// requestInfoRequest 补充信息请求
type requestInfoRequest struct {
	ApproverID string `json:"approver_id" binding:"required"`
	Comments   string `json:"comments" binding:"required"`
}

// respondServiceError 将服务层错误映射为统一响应
func respondServiceError(c *gin.Context, err error) {
	var (
		validation  *approval.ValidationError
		notFound    *approval.NotFoundError
		invalid     *approval.InvalidWorkflowError
		notEligible *approval.UnauthorizedApproverError
		forbidden   *approval.UnauthorizedError
		terminal    *approval.TerminalStateError
		conflict    *approval.ConflictError
	)

	switch {
	case errors.As(err, &validation):
		common.ResponseError(c, common.CodeInvalidRequest, validation.Error())
	case errors.As(err, &invalid):
		common.ResponseError(c, common.CodeWorkflowInactive, invalid.Error())
	case errors.As(err, &notFound):
		common.ResponseNotFound(c, notFound.Error())
	case errors.As(err, &notEligible):
		common.ResponseError(c, common.CodeApproverNotEligible, notEligible.Error())
	case errors.As(err, &forbidden):
		common.ResponseForbidden(c, forbidden.Error())
	case errors.As(err, &terminal):
		common.ResponseError(c, common.CodeRequestTerminal, terminal.Error())
	case errors.As(err, &conflict):
		common.ResponseError(c, common.CodeDecisionConflict, conflict.Error())
	default:
		common.ResponseServerError(c, err.Error())
	}
}
