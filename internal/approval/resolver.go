package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
	"gorm.io/gorm"
)

// DynamicApproverResolver 动态审批人解析钩子
// approver_type = dynamic 的步骤由外部协作方决定实际审批人
// （例如“项目的项目经理”属于领域逻辑，不在引擎内硬编码）
type DynamicApproverResolver interface {
	ResolveApprover(ctx context.Context, step *StepConfig, request *ApprovalRequest) (string, error)
}

// RoleDirectory 角色成员目录
// 引擎只做流程内资格判断，角色归属由外围应用维护
type RoleDirectory interface {
	HasRole(ctx context.Context, userID, roleID string) (bool, error)
	UsersInRole(ctx context.Context, roleID string) ([]string, error)
}

// ExpressionResolver 基于表达式的默认动态解析器
// 步骤的 approver_ref 作为表达式对请求 metadata 求值，结果即审批人ID；
// 不含运算符时退化为 metadata 路径查找
type ExpressionResolver struct{}

// NewExpressionResolver 创建表达式解析器
func NewExpressionResolver() *ExpressionResolver {
	return &ExpressionResolver{}
}

var templateVarPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// ResolveApprover 对请求 metadata 求值得到审批人
func (r *ExpressionResolver) ResolveApprover(ctx context.Context, step *StepConfig, request *ApprovalRequest) (string, error) {
	scope := map[string]any{}
	if len(request.Metadata) > 0 {
		if err := json.Unmarshal(request.Metadata, &scope); err != nil {
			return "", fmt.Errorf("解析请求 metadata 失败: %w", err)
		}
	}

	ref := strings.TrimSpace(step.ApproverRef)
	if ref == "" {
		return "", fmt.Errorf("动态步骤缺少 approver_ref")
	}

	// 纯路径查找
	if !strings.ContainsAny(ref, "=<>!?:&|(") {
		value, err := lookupMetadataPath(scope, strings.Trim(ref, "{} "))
		if err != nil {
			return "", err
		}
		approver, ok := value.(string)
		if !ok || approver == "" {
			return "", fmt.Errorf("metadata 路径 %s 未解析出审批人", ref)
		}
		return approver, nil
	}

	// 提前替换 {{ var }} 形式的变量为占位符，避免 govaluate 解析出错
	placeholderMap := make(map[string]string)
	processed := templateVarPattern.ReplaceAllStringFunc(ref, func(match string) string {
		content := strings.TrimSpace(match[2 : len(match)-2])
		placeholder := fmt.Sprintf("var%d", len(placeholderMap))
		placeholderMap[placeholder] = content
		return placeholder
	})

	expression, err := govaluate.NewEvaluableExpression(processed)
	if err != nil {
		return "", fmt.Errorf("解析动态审批人表达式失败: %w", err)
	}

	parameters := make(map[string]any, len(placeholderMap))
	for placeholder, path := range placeholderMap {
		value, err := lookupMetadataPath(scope, path)
		if err != nil {
			return "", err
		}
		parameters[placeholder] = normalizeOperand(value)
	}

	result, err := expression.Evaluate(parameters)
	if err != nil {
		return "", fmt.Errorf("求值动态审批人表达式失败: %w", err)
	}

	approver, ok := result.(string)
	if !ok || approver == "" {
		return "", fmt.Errorf("动态审批人表达式未返回有效的审批人ID: %v", result)
	}
	return approver, nil
}

// lookupMetadataPath 按点分路径在 metadata 中取值
func lookupMetadataPath(scope map[string]any, path string) (any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("无效的 metadata 路径")
	}
	segments := strings.Split(path, ".")
	var current any = scope
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metadata 路径 %s 无法解析", path)
		}
		current, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("metadata 路径 %s 不存在", path)
		}
	}
	return current, nil
}

// normalizeOperand 统一数值类型，govaluate 按 float64 比较
func normalizeOperand(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}

// GormRoleDirectory 基于 user_roles 表的角色目录实现
type GormRoleDirectory struct {
	db *gorm.DB
}

// NewGormRoleDirectory 创建角色目录
func NewGormRoleDirectory(db *gorm.DB) *GormRoleDirectory {
	return &GormRoleDirectory{db: db}
}

// HasRole 判断用户是否属于指定角色
func (d *GormRoleDirectory) HasRole(ctx context.Context, userID, roleID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Table("user_roles").
		Where("user_id = ? AND role_id = ?", userID, roleID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询用户角色失败: %w", err)
	}
	return count > 0, nil
}

// UsersInRole 返回角色下的全部用户
func (d *GormRoleDirectory) UsersInRole(ctx context.Context, roleID string) ([]string, error) {
	var userIDs []string
	err := d.db.WithContext(ctx).
		Table("user_roles").
		Where("role_id = ?", roleID).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("查询角色成员失败: %w", err)
	}
	return userIDs, nil
}
