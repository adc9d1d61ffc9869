package approval

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError 字段级校验错误
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError 输入校验失败，携带字段级错误列表
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "校验失败"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "校验失败: " + strings.Join(parts, "; ")
}

// NewValidationError 构造单字段校验错误
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// NotFoundError 目标资源不存在
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s不存在: %s", e.Resource, e.ID)
}

// InvalidWorkflowError 提交时流程定义不可用（未激活或实体类型不匹配）
type InvalidWorkflowError struct {
	WorkflowID string
	Reason     string
}

func (e *InvalidWorkflowError) Error() string {
	return fmt.Sprintf("流程定义 %s 不可用: %s", e.WorkflowID, e.Reason)
}

// UnauthorizedApproverError 操作者不是当前步骤的合法审批人
type UnauthorizedApproverError struct {
	RequestID string
	ActorID   string
	StepOrder int
}

func (e *UnauthorizedApproverError) Error() string {
	return fmt.Sprintf("用户 %s 不是请求 %s 第 %d 步的合法审批人", e.ActorID, e.RequestID, e.StepOrder)
}

// UnauthorizedError 非提交人尝试撤销
type UnauthorizedError struct {
	RequestID string
	ActorID   string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("用户 %s 无权操作请求 %s", e.ActorID, e.RequestID)
}

// TerminalStateError 请求已达终态，拒绝后续变更
type TerminalStateError struct {
	RequestID string
	Status    string
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("请求 %s 已处于终态 %s", e.RequestID, e.Status)
}

// ConflictError 并发决策冲突，乐观重试耗尽；调用方应整体重试 Decide
type ConflictError struct {
	RequestID string
	StepOrder int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("请求 %s 第 %d 步存在并发决策冲突，请重试", e.RequestID, e.StepOrder)
}

// IsNotFound 判断是否为资源不存在错误
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict 判断是否为并发冲突错误
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
