package common

// ============================================================================
// 通用请求类型
// ============================================================================

// PaginationRequest 分页请求参数
type PaginationRequest struct {
	Page     int `json:"page" form:"page" binding:"omitempty,min=1"`           // 页码，从1开始
	PageSize int `json:"page_size" form:"page_size" binding:"omitempty,min=1"` // 每页数量
}

// DefaultPagination 返回默认分页参数
func DefaultPagination() PaginationRequest {
	return PaginationRequest{
		Page:     1,
		PageSize: 20,
	}
}

// GetOffset 计算数据库查询的偏移量
func (p PaginationRequest) GetOffset() int {
	if p.Page < 1 {
		p.Page = 1
	}
	return (p.Page - 1) * p.GetPageSize()
}

// GetPageSize 获取每页数量，提供默认值
func (p PaginationRequest) GetPageSize() int {
	if p.PageSize < 1 {
		return 20
	}
	if p.PageSize > 100 {
		return 100
	}
	return p.PageSize
}

// ============================================================================
// 通用响应类型
// ============================================================================

// APIResponse 统一API响应格式
type APIResponse struct {
	Success bool   `json:"success"`           // 是否成功
	Data    any    `json:"data,omitempty"`    // 响应数据
	Message string `json:"message,omitempty"` // 提示信息
	Code    int    `json:"code"`              // 业务状态码
}

// SuccessResponse 成功响应
func SuccessResponse(data any) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
		Code:    0,
	}
}

// SuccessMessageResponse 成功响应（带消息）
func SuccessMessageResponse(message string, data any) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
		Message: message,
		Code:    0,
	}
}

// ErrorResponse 错误响应
func ErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		Success: false,
		Message: message,
		Code:    code,
	}
}

// PaginationMeta 分页元信息
type PaginationMeta struct {
	Page       int   `json:"page"`        // 当前页码
	PageSize   int   `json:"page_size"`   // 每页数量
	Total      int64 `json:"total"`       // 总记录数
	TotalPages int   `json:"total_pages"` // 总页数
}

// CalculateTotalPages 计算总页数
func (m *PaginationMeta) CalculateTotalPages() {
	if m.PageSize > 0 {
		m.TotalPages = int((m.Total + int64(m.PageSize) - 1) / int64(m.PageSize))
	}
}

// NewPaginationMeta 创建分页元信息
func NewPaginationMeta(page, pageSize int, total int64) PaginationMeta {
	meta := PaginationMeta{
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	}
	meta.CalculateTotalPages()
	return meta
}

// ListResponse 列表响应（包含分页信息）
type ListResponse struct {
	Items      any            `json:"items"`      // 数据列表
	Pagination PaginationMeta `json:"pagination"` // 分页信息
}

// NewListResponse 创建列表响应
func NewListResponse(items any, page, pageSize int, total int64) ListResponse {
	return ListResponse{
		Items:      items,
		Pagination: NewPaginationMeta(page, pageSize, total),
	}
}

// ============================================================================
// 业务状态码定义
// ============================================================================

const (
	// 成功状态码
	CodeSuccess = 0

	// 通用错误码 (1000-1999)
	CodeInvalidRequest     = 1000 // 请求参数错误
	CodeUnauthorized       = 1001 // 未授权
	CodeForbidden          = 1002 // 禁止访问
	CodeNotFound           = 1003 // 资源不存在
	CodeConflict           = 1004 // 资源冲突
	CodeInternalError      = 1005 // 内部错误
	CodeServiceUnavailable = 1006 // 服务不可用

	// 流程定义相关错误码 (2000-2099)
	CodeWorkflowNotFound = 2000 // 流程定义不存在
	CodeWorkflowInactive = 2001 // 流程定义未激活或实体类型不匹配
	CodeWorkflowInvalid  = 2002 // 流程定义校验失败

	// 审批请求相关错误码 (2100-2199)
	CodeRequestNotFound     = 2100 // 审批请求不存在
	CodeRequestTerminal     = 2101 // 审批请求已达终态
	CodeApproverNotEligible = 2102 // 操作者不是当前步骤的合法审批人
	CodeDecisionConflict    = 2103 // 并发决策冲突

	// 委托相关错误码 (2200-2299)
	CodeDelegationNotFound = 2200 // 委托不存在
	CodeDelegationInvalid  = 2201 // 委托配置无效
)

// ErrorMessages 错误码对应的默认消息
var ErrorMessages = map[int]string{
	CodeSuccess:            "操作成功",
	CodeInvalidRequest:     "请求参数错误",
	CodeUnauthorized:       "未授权，请先登录",
	CodeForbidden:          "无权限访问",
	CodeNotFound:           "资源不存在",
	CodeConflict:           "资源冲突",
	CodeInternalError:      "系统内部错误",
	CodeServiceUnavailable: "服务暂不可用",

	CodeWorkflowNotFound: "流程定义不存在",
	CodeWorkflowInactive: "流程定义不可用",
	CodeWorkflowInvalid:  "流程定义校验失败",

	CodeRequestNotFound:     "审批请求不存在",
	CodeRequestTerminal:     "审批请求已达终态",
	CodeApproverNotEligible: "不是当前步骤的合法审批人",
	CodeDecisionConflict:    "并发决策冲突，请重试",

	CodeDelegationNotFound: "委托不存在",
	CodeDelegationInvalid:  "委托配置无效",
}

// GetErrorMessage 获取错误码对应的消息
func GetErrorMessage(code int) string {
	if msg, ok := ErrorMessages[code]; ok {
		return msg
	}
	return "未知错误"
}

// ============================================================================
// 通用业务错误类型
// ============================================================================

// BusinessError 业务错误
type BusinessError struct {
	Code    int    // 错误码
	Message string // 错误信息
}

// Error 实现error接口
func (e *BusinessError) Error() string {
	return e.Message
}

// NewBusinessError 创建业务错误
func NewBusinessError(code int, message string) *BusinessError {
	if message == "" {
		message = GetErrorMessage(code)
	}
	return &BusinessError{
		Code:    code,
		Message: message,
	}
}

// NewBusinessErrorWithCode 根据错误码创建业务错误
func NewBusinessErrorWithCode(code int) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: GetErrorMessage(code),
	}
}
