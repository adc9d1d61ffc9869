package approval

import "fmt"

// StepInput 创建/更新定义时的步骤输入
type StepInput struct {
	StepOrder         int    `json:"step_order"`
	StepName          string `json:"step_name"`
	ApproverType      string `json:"approver_type"`
	ApproverRef       string `json:"approver_ref"`
	ApprovalType      string `json:"approval_type"`
	RequiredApprovers int    `json:"required_approvers"`
	// MaxEligibleApprovers 调用方估算的最大可审批人数，仅作软校验上限；
	// 引擎无法得知角色成员规模，0 表示不校验
	MaxEligibleApprovers int    `json:"max_eligible_approvers"`
	EscalationHours      *int   `json:"escalation_hours"`
	EscalationTo         string `json:"escalation_to"`
}

// Validator 流程定义验证器
type Validator struct{}

// NewValidator 创建验证器
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateDefinition 校验定义级字段与步骤列表
func (v *Validator) ValidateDefinition(name, entityType string, steps []StepInput) []FieldError {
	errs := []FieldError{}

	if name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "名称不能为空"})
	}
	if !isValidEntityType(entityType) {
		errs = append(errs, FieldError{Field: "entity_type", Message: fmt.Sprintf("无效的实体类型: %s", entityType)})
	}

	errs = append(errs, v.ValidateSteps(steps)...)
	return errs
}

// ValidateSteps 校验步骤列表
// step_order 必须恰好为 1..N，无重复无间隔
func (v *Validator) ValidateSteps(steps []StepInput) []FieldError {
	errs := []FieldError{}

	if len(steps) == 0 {
		errs = append(errs, FieldError{Field: "steps", Message: "至少需要一个审批步骤"})
		return errs
	}

	seen := make(map[int]bool, len(steps))
	for i, step := range steps {
		prefix := fmt.Sprintf("steps[%d]", i)

		if step.StepOrder < 1 || step.StepOrder > len(steps) {
			errs = append(errs, FieldError{
				Field:   prefix + ".step_order",
				Message: fmt.Sprintf("step_order 必须位于 1..%d 区间: %d", len(steps), step.StepOrder),
			})
		} else if seen[step.StepOrder] {
			errs = append(errs, FieldError{
				Field:   prefix + ".step_order",
				Message: fmt.Sprintf("重复的 step_order: %d", step.StepOrder),
			})
		}
		seen[step.StepOrder] = true

		if step.StepName == "" {
			errs = append(errs, FieldError{Field: prefix + ".step_name", Message: "步骤名称不能为空"})
		}

		switch step.ApproverType {
		case ApproverTypeRole, ApproverTypeUser, ApproverTypeDynamic:
		default:
			errs = append(errs, FieldError{
				Field:   prefix + ".approver_type",
				Message: fmt.Sprintf("无效的审批人类型: %s", step.ApproverType),
			})
		}
		if step.ApproverRef == "" {
			errs = append(errs, FieldError{Field: prefix + ".approver_ref", Message: "审批人引用不能为空"})
		}

		switch step.ApprovalType {
		case ApprovalTypeSequential, ApprovalTypeAnyOne:
			if step.RequiredApprovers != 0 {
				errs = append(errs, FieldError{
					Field:   prefix + ".required_approvers",
					Message: fmt.Sprintf("required_approvers 仅在 parallel 模式下有意义，当前模式: %s", step.ApprovalType),
				})
			}
		case ApprovalTypeParallel:
			if step.RequiredApprovers < 1 {
				errs = append(errs, FieldError{
					Field:   prefix + ".required_approvers",
					Message: "parallel 模式下 required_approvers 必须 >= 1",
				})
			} else if step.MaxEligibleApprovers > 0 && step.RequiredApprovers > step.MaxEligibleApprovers {
				errs = append(errs, FieldError{
					Field:   prefix + ".required_approvers",
					Message: fmt.Sprintf("required_approvers(%d) 超过可审批人数上限(%d)", step.RequiredApprovers, step.MaxEligibleApprovers),
				})
			}
		default:
			errs = append(errs, FieldError{
				Field:   prefix + ".approval_type",
				Message: fmt.Sprintf("无效的审批模式: %s", step.ApprovalType),
			})
		}

		if step.EscalationHours != nil {
			if *step.EscalationHours <= 0 {
				errs = append(errs, FieldError{Field: prefix + ".escalation_hours", Message: "escalation_hours 必须为正数"})
			}
			if step.EscalationTo == "" {
				errs = append(errs, FieldError{Field: prefix + ".escalation_to", Message: "配置了 escalation_hours 时必须指定 escalation_to"})
			}
		}
	}

	// 连续性检查：seen 已覆盖 1..N 则无间隔
	for order := 1; order <= len(steps); order++ {
		if !seen[order] {
			errs = append(errs, FieldError{
				Field:   "steps",
				Message: fmt.Sprintf("step_order 存在间隔，缺少第 %d 步", order),
			})
		}
	}

	return errs
}

func isValidEntityType(entityType string) bool {
	for _, t := range EntityTypes {
		if t == entityType {
			return true
		}
	}
	return false
}
