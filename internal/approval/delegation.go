package approval

import (
	"context"
	"fmt"
	"time"

	"backend/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DelegationService 审批委托服务
// 解析是只读无副作用的查找，不需要额外加锁
type DelegationService struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDelegationService 创建委托服务
func NewDelegationService(db *gorm.DB) *DelegationService {
	return &DelegationService{
		db:     db,
		logger: logger.Get(),
	}
}

// CreateDelegationInput 创建委托的输入
type CreateDelegationInput struct {
	DelegatorID string    `json:"delegator_id"`
	DelegateID  string    `json:"delegate_id"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	Reason      string    `json:"reason"`
}

// CreateDelegation 创建委托
func (s *DelegationService) CreateDelegation(ctx context.Context, input *CreateDelegationInput) (*ApprovalDelegate, error) {
	errs := []FieldError{}
	if input.DelegatorID == "" {
		errs = append(errs, FieldError{Field: "delegator_id", Message: "委托人不能为空"})
	}
	if input.DelegateID == "" {
		errs = append(errs, FieldError{Field: "delegate_id", Message: "受托人不能为空"})
	}
	if input.DelegatorID != "" && input.DelegatorID == input.DelegateID {
		errs = append(errs, FieldError{Field: "delegate_id", Message: "不能委托给自己"})
	}
	if input.EndDate.Before(input.StartDate) {
		errs = append(errs, FieldError{Field: "end_date", Message: "end_date 必须不早于 start_date"})
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	delegate := &ApprovalDelegate{
		ID:          uuid.New().String(),
		DelegatorID: input.DelegatorID,
		DelegateID:  input.DelegateID,
		StartDate:   input.StartDate,
		EndDate:     input.EndDate,
		Reason:      input.Reason,
		IsActive:    true,
	}
	if err := s.db.WithContext(ctx).Create(delegate).Error; err != nil {
		return nil, fmt.Errorf("创建委托失败: %w", err)
	}

	s.logger.Info("审批委托已创建",
		zap.String("delegationId", delegate.ID),
		zap.String("delegator", delegate.DelegatorID),
		zap.String("delegate", delegate.DelegateID),
	)
	return delegate, nil
}

// DeleteDelegation 删除委托
func (s *DelegationService) DeleteDelegation(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&ApprovalDelegate{})
	if result.Error != nil {
		return fmt.Errorf("删除委托失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Resource: "审批委托", ID: id}
	}
	return nil
}

// ListDelegations 查询委托列表
func (s *DelegationService) ListDelegations(ctx context.Context, delegatorID string, activeOnly bool) ([]*ApprovalDelegate, error) {
	query := s.db.WithContext(ctx).Model(&ApprovalDelegate{})
	if delegatorID != "" {
		query = query.Where("delegator_id = ?", delegatorID)
	}
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var delegations []*ApprovalDelegate
	if err := query.Order("created_at DESC").Find(&delegations).Error; err != nil {
		return nil, fmt.Errorf("查询委托列表失败: %w", err)
	}
	return delegations, nil
}

// ResolveEffectiveApprover 解析名义审批人在指定时刻的有效审批人
// 存在覆盖该时刻的激活委托时返回受托人，否则原样返回；
// 多条委托重叠同一时刻时取 start_date 最晚者（窗口最窄），
// 仍并列时取创建时间最新者——审计链路要求这里必须确定
func (s *DelegationService) ResolveEffectiveApprover(ctx context.Context, nominalApproverID string, at time.Time) (string, error) {
	delegation, err := s.activeDelegationFor(ctx, nominalApproverID, at)
	if err != nil {
		return "", err
	}
	if delegation == nil {
		return nominalApproverID, nil
	}
	return delegation.DelegateID, nil
}

// ActiveDelegatorsFor 返回指定时刻把审批权委托给该用户的所有委托人
// 队列查询与资格判断用它把受托人映射回名义审批人
func (s *DelegationService) ActiveDelegatorsFor(ctx context.Context, delegateID string, at time.Time) ([]string, error) {
	var delegatorIDs []string
	err := s.db.WithContext(ctx).
		Model(&ApprovalDelegate{}).
		Where("delegate_id = ? AND is_active = ? AND start_date <= ? AND end_date >= ?", delegateID, true, at, at).
		Distinct().
		Pluck("delegator_id", &delegatorIDs).Error
	if err != nil {
		return nil, fmt.Errorf("查询受托关系失败: %w", err)
	}
	return delegatorIDs, nil
}

// activeDelegationFor 取名义审批人在指定时刻生效的委托（确定性择优）
func (s *DelegationService) activeDelegationFor(ctx context.Context, delegatorID string, at time.Time) (*ApprovalDelegate, error) {
	var delegations []*ApprovalDelegate
	err := s.db.WithContext(ctx).
		Where("delegator_id = ? AND is_active = ? AND start_date <= ? AND end_date >= ?", delegatorID, true, at, at).
		Order("start_date DESC, created_at DESC").
		Limit(1).
		Find(&delegations).Error
	if err != nil {
		return nil, fmt.Errorf("查询委托失败: %w", err)
	}
	if len(delegations) == 0 {
		return nil, nil
	}
	return delegations[0], nil
}
