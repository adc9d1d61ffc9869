package approval

import (
	"time"

	"gorm.io/datatypes"
)

// 实体类型枚举
const (
	EntityTypeBudget      = "budget"
	EntityTypeFundRequest = "fund_request"
	EntityTypeContract    = "contract"
	EntityTypeReport      = "report"
)

// EntityTypes 所有合法的实体类型
var EntityTypes = []string{EntityTypeBudget, EntityTypeFundRequest, EntityTypeContract, EntityTypeReport}

// 审批人类型
const (
	ApproverTypeRole    = "role"
	ApproverTypeUser    = "user"
	ApproverTypeDynamic = "dynamic"
)

// 步骤审批模式
const (
	ApprovalTypeSequential = "sequential"
	ApprovalTypeParallel   = "parallel"
	ApprovalTypeAnyOne     = "any_one"
)

// 请求状态
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

// 审批动作类型
const (
	ActionApproved      = "approved"
	ActionRejected      = "rejected"
	ActionDelegated     = "delegated"
	ActionEscalated     = "escalated"
	ActionInfoRequested = "info_requested"
)

// WorkflowDefinition 审批流程定义（模板）
// 同一实体类型同时只允许一条激活定义，用于默认路由
type WorkflowDefinition struct {
	ID          string `json:"id" gorm:"primaryKey;type:uuid"`
	Name        string `json:"name" gorm:"size:255;not null"`
	Description string `json:"description" gorm:"type:text"`
	EntityType  string `json:"entityType" gorm:"size:50;not null;index"` // budget、fund_request、contract、report
	IsActive    bool   `json:"isActive" gorm:"not null;default:true;index"`

	// 有序审批步骤
	Steps []ApprovalStep `json:"steps" gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`

	CreatedBy string `json:"createdBy" gorm:"size:100"`

	// 时间戳
	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// ApprovalStep 审批步骤定义
// step_order 从 1 开始连续编号，无间隔
type ApprovalStep struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`

	StepOrder int    `json:"stepOrder" gorm:"not null"`
	StepName  string `json:"stepName" gorm:"size:255;not null"`

	// 审批人配置
	ApproverType string `json:"approverType" gorm:"size:50;not null"` // role、user、dynamic
	ApproverRef  string `json:"approverRef" gorm:"size:255;not null"` // 角色ID / 用户ID / 动态解析键

	// 步骤完成模式
	ApprovalType      string `json:"approvalType" gorm:"size:50;not null;default:sequential"` // sequential、parallel、any_one
	RequiredApprovers int    `json:"requiredApprovers" gorm:"default:0"`                      // 仅 parallel 有意义

	// 超时升级
	EscalationHours *int   `json:"escalationHours"` // 为空表示不升级
	EscalationTo    string `json:"escalationTo" gorm:"size:255"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// StepConfig 步骤快照
// 请求提交时从定义复制一份，后续定义变更不影响在途请求
type StepConfig struct {
	StepOrder         int    `json:"step_order"`
	StepName          string `json:"step_name"`
	ApproverType      string `json:"approver_type"`
	ApproverRef       string `json:"approver_ref"`
	ApprovalType      string `json:"approval_type"`
	RequiredApprovers int    `json:"required_approvers,omitempty"`
	EscalationHours   *int   `json:"escalation_hours,omitempty"`
	EscalationTo      string `json:"escalation_to,omitempty"`
}

// StepSnapshot 请求持有的步骤快照列表
type StepSnapshot []StepConfig

// StepAt 按序号取步骤（1 起），越界返回 nil
func (s StepSnapshot) StepAt(order int) *StepConfig {
	if order < 1 || order > len(s) {
		return nil
	}
	return &s[order-1]
}

// ApprovalRequest 审批请求
type ApprovalRequest struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`

	// 被审批实体的外部引用（引擎不校验其存在性）
	EntityType string `json:"entityType" gorm:"size:50;not null;index"`
	EntityID   string `json:"entityId" gorm:"size:100;not null;index"`

	// 状态机字段
	CurrentStep   int    `json:"currentStep" gorm:"not null;default:1"`
	Status        string `json:"status" gorm:"size:50;not null;default:pending;index"` // pending、approved、rejected、cancelled
	ApprovalCount int    `json:"approvalCount" gorm:"not null;default:0"`              // 当前步骤已计数的去重批准数

	// 提交时的步骤快照
	Steps StepSnapshot `json:"steps" gorm:"type:jsonb;serializer:json;not null"`

	SubmittedBy string         `json:"submittedBy" gorm:"size:100;not null;index"`
	SubmittedAt time.Time      `json:"submittedAt" gorm:"not null;index"`
	CompletedAt *time.Time     `json:"completedAt"` // 仅终态非空
	Metadata    datatypes.JSON `json:"metadata" gorm:"type:jsonb"`

	// 时间戳
	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// IsTerminal 是否已达终态
func (r *ApprovalRequest) IsTerminal() bool {
	return r.Status != StatusPending
}

// CurrentStepConfig 当前步骤的快照配置
func (r *ApprovalRequest) CurrentStepConfig() *StepConfig {
	return r.Steps.StepAt(r.CurrentStep)
}

// ApprovalAction 审批动作记录（仅追加，不可变）
// 按时间全序构成请求的审计轨迹
type ApprovalAction struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	RequestID string `json:"requestId" gorm:"type:uuid;not null;index"`

	StepOrder int `json:"stepOrder" gorm:"not null"`

	// 实际生效的审批人；经委托时 delegated_from 记录名义审批人
	ApproverID    string `json:"approverId" gorm:"size:100;not null;index"`
	DelegatedFrom string `json:"delegatedFrom,omitempty" gorm:"size:100"`

	Action   string `json:"action" gorm:"size:50;not null"` // approved、rejected、delegated、escalated、info_requested
	Comments string `json:"comments" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
}

// ApprovalDelegate 审批委托
// start_date / end_date 为闭区间
type ApprovalDelegate struct {
	ID          string `json:"id" gorm:"primaryKey;type:uuid"`
	DelegatorID string `json:"delegatorId" gorm:"size:100;not null;index"`
	DelegateID  string `json:"delegateId" gorm:"size:100;not null;index"`

	StartDate time.Time `json:"startDate" gorm:"not null"`
	EndDate   time.Time `json:"endDate" gorm:"not null"`

	Reason   string `json:"reason" gorm:"type:text"`
	IsActive bool   `json:"isActive" gorm:"not null;default:true;index"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// Covers 委托窗口是否覆盖指定时刻
func (d *ApprovalDelegate) Covers(at time.Time) bool {
	return d.IsActive && !at.Before(d.StartDate) && !at.After(d.EndDate)
}

// Models 返回本包全部 GORM 模型，供 AutoMigrate 使用
func Models() []any {
	return []any{
		&WorkflowDefinition{},
		&ApprovalStep{},
		&ApprovalRequest{},
		&ApprovalAction{},
		&ApprovalDelegate{},
	}
}
