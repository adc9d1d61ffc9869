package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 决策类型
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// errRetryDecide 乐观更新失败的内部信号，触发整体重试
var errRetryDecide = errors.New("decide retry")

// Engine 审批请求状态机
// 单个请求上的 Decide / Cancel 必须可串行化：
// 通过 (id, status, current_step) 条件更新 + approval_count 原子自增实现乐观并发，
// 冲突方重试，重试耗尽返回 ConflictError
type Engine struct {
	db          *gorm.DB
	delegations *DelegationService
	roles       RoleDirectory
	resolver    DynamicApproverResolver
	bus         *RequestEventBus
	logger      *zap.Logger
	maxRetries  int
	now         func() time.Time
}

// EngineOption 自定义配置
type EngineOption func(*Engine)

// WithRoleDirectory 注入角色目录
func WithRoleDirectory(roles RoleDirectory) EngineOption {
	return func(e *Engine) { e.roles = roles }
}

// WithDynamicResolver 注入动态审批人解析器
func WithDynamicResolver(resolver DynamicApproverResolver) EngineOption {
	return func(e *Engine) { e.resolver = resolver }
}

// WithEventBus 注入事件总线
func WithEventBus(bus *RequestEventBus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithEngineLogger 注入自定义日志器
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock 注入时钟，供测试使用
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine 创建状态机
func NewEngine(db *gorm.DB, delegations *DelegationService, opts ...EngineOption) *Engine {
	e := &Engine{
		db:          db,
		delegations: delegations,
		resolver:    NewExpressionResolver(),
		logger:      logger.Get(),
		maxRetries:  3,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.roles == nil {
		e.roles = NewGormRoleDirectory(db)
	}
	return e
}

// Submit 提交实体进入审批
// 流程定义必须激活且实体类型匹配，否则返回 InvalidWorkflowError；
// 创建时对步骤列表做快照，后续定义编辑不影响该请求
func (e *Engine) Submit(ctx context.Context, workflowID, entityType, entityID, submittedBy string, metadata map[string]any) (*ApprovalRequest, error) {
	errs := []FieldError{}
	if entityID == "" {
		errs = append(errs, FieldError{Field: "entity_id", Message: "实体ID不能为空"})
	}
	if submittedBy == "" {
		errs = append(errs, FieldError{Field: "submitted_by", Message: "提交人不能为空"})
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	var def WorkflowDefinition
	err := e.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		Where("id = ?", workflowID).
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "流程定义", ID: workflowID}
		}
		return nil, fmt.Errorf("查询流程定义失败: %w", err)
	}

	if !def.IsActive {
		return nil, &InvalidWorkflowError{WorkflowID: workflowID, Reason: "定义未激活"}
	}
	if def.EntityType != entityType {
		return nil, &InvalidWorkflowError{
			WorkflowID: workflowID,
			Reason:     fmt.Sprintf("实体类型不匹配，定义为 %s，提交为 %s", def.EntityType, entityType),
		}
	}
	if len(def.Steps) == 0 {
		return nil, &InvalidWorkflowError{WorkflowID: workflowID, Reason: "定义没有审批步骤"}
	}

	var metaJSON datatypes.JSON
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("序列化 metadata 失败: %w", err)
		}
		metaJSON = raw
	}

	now := e.now()
	request := &ApprovalRequest{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		EntityType:  entityType,
		EntityID:    entityID,
		CurrentStep: 1,
		Status:      StatusPending,
		Steps:       Snapshot(&def),
		SubmittedBy: submittedBy,
		SubmittedAt: now,
		Metadata:    metaJSON,
	}
	if err := e.db.WithContext(ctx).Create(request).Error; err != nil {
		return nil, fmt.Errorf("创建审批请求失败: %w", err)
	}

	metrics.ApprovalPendingGauge.WithLabelValues(entityType).Inc()
	e.publishEvent(RequestEvent{
		RequestID:   request.ID,
		EntityType:  entityType,
		EntityID:    entityID,
		Status:      StatusPending,
		CurrentStep: 1,
		ActorID:     submittedBy,
		Action:      "submitted",
		OccurredAt:  now,
	})
	e.logger.Info("审批请求已提交",
		zap.String("requestId", request.ID),
		zap.String("entityType", entityType),
		zap.String("entityId", entityID),
		zap.String("submittedBy", submittedBy),
	)
	return request, nil
}

// Decide 对请求的当前步骤作出批准/驳回决策
// 任一步骤的一次驳回都会终结整个请求；批准按步骤模式推进
func (e *Engine) Decide(ctx context.Context, requestID, actorID, decision, comments string) (*ApprovalRequest, *ApprovalAction, error) {
	switch decision {
	case DecisionApprove, DecisionReject:
	default:
		return nil, nil, NewValidationError("decision", fmt.Sprintf("无效的决策类型: %s", decision))
	}
	if decision == DecisionReject && strings.TrimSpace(comments) == "" {
		return nil, nil, NewValidationError("comments", "驳回必须填写原因")
	}

	now := e.now()
	effective, err := e.delegations.ResolveEffectiveApprover(ctx, actorID, now)
	if err != nil {
		return nil, nil, err
	}

	var (
		request *ApprovalRequest
		action  *ApprovalAction
		lastReq *ApprovalRequest
	)
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		request, action, err = e.decideOnce(ctx, requestID, actorID, effective, decision, comments, now)
		if err == nil {
			e.afterDecision(request, action)
			return request, action, nil
		}
		if !errors.Is(err, errRetryDecide) {
			return nil, nil, err
		}
		lastReq = request
	}

	step := 0
	if lastReq != nil {
		step = lastReq.CurrentStep
	}
	return nil, nil, &ConflictError{RequestID: requestID, StepOrder: step}
}

// decideOnce 执行一次决策尝试；条件更新失败时返回 errRetryDecide
func (e *Engine) decideOnce(ctx context.Context, requestID, actorID, effective, decision, comments string, now time.Time) (*ApprovalRequest, *ApprovalAction, error) {
	request, err := e.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if request.IsTerminal() {
		return request, nil, &TerminalStateError{RequestID: requestID, Status: request.Status}
	}

	step := request.CurrentStepConfig()
	if step == nil {
		return request, nil, fmt.Errorf("请求 %s 的步骤快照缺失第 %d 步", requestID, request.CurrentStep)
	}

	eligible, via, err := e.eligibleApprover(ctx, request, step, effective, now)
	if err != nil {
		return request, nil, err
	}
	if !eligible {
		return request, nil, &UnauthorizedApproverError{RequestID: requestID, ActorID: effective, StepOrder: request.CurrentStep}
	}

	delegatedFrom := via
	if effective != actorID {
		// 名义审批人亲自提交，决策落在其受托人名下
		delegatedFrom = actorID
	}

	action := &ApprovalAction{
		ID:            uuid.New().String(),
		RequestID:     requestID,
		StepOrder:     request.CurrentStep,
		ApproverID:    effective,
		DelegatedFrom: delegatedFrom,
		Comments:      comments,
		CreatedAt:     now,
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if decision == DecisionReject {
			action.Action = ActionRejected
			if err := tx.Create(action).Error; err != nil {
				return fmt.Errorf("记录审批动作失败: %w", err)
			}
			return e.transitionTerminal(tx, request, StatusRejected, now)
		}

		action.Action = ActionApproved

		// 同一审批人在同一步骤的重复批准只记录、不计数
		var prior int64
		if err := tx.Model(&ApprovalAction{}).
			Where("request_id = ? AND step_order = ? AND approver_id = ? AND action = ?",
				requestID, request.CurrentStep, effective, ActionApproved).
			Count(&prior).Error; err != nil {
			return fmt.Errorf("查询历史批准失败: %w", err)
		}
		if err := tx.Create(action).Error; err != nil {
			return fmt.Errorf("记录审批动作失败: %w", err)
		}
		if prior > 0 {
			return nil
		}

		switch step.ApprovalType {
		case ApprovalTypeParallel:
			// 原子自增去重批准数，CAS 键为 (id, status, current_step)
			result := tx.Model(&ApprovalRequest{}).
				Where("id = ? AND status = ? AND current_step = ?", requestID, StatusPending, request.CurrentStep).
				Updates(map[string]any{
					"approval_count": gorm.Expr("approval_count + 1"),
					"updated_at":     now,
				})
			if result.Error != nil {
				return fmt.Errorf("更新批准计数失败: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return errRetryDecide
			}

			var count int
			if err := tx.Model(&ApprovalRequest{}).
				Where("id = ?", requestID).
				Pluck("approval_count", &count).Error; err != nil {
				return fmt.Errorf("读取批准计数失败: %w", err)
			}
			if count < step.RequiredApprovers {
				return nil
			}
			return e.completeStep(tx, request, now, true)

		default:
			// sequential / any_one：一次批准即完成当前步骤
			return e.completeStep(tx, request, now, false)
		}
	})
	if err != nil {
		return request, nil, err
	}

	refreshed, err := e.GetRequest(ctx, requestID)
	if err != nil {
		return request, action, nil
	}
	return refreshed, action, nil
}

// completeStep 完成当前步骤：推进到下一步，末步则整单批准
// tolerateRace 为 true 时（并行步骤并发达标）CAS 失败视为他方已推进
func (e *Engine) completeStep(tx *gorm.DB, request *ApprovalRequest, now time.Time, tolerateRace bool) error {
	lastStep := request.CurrentStep >= len(request.Steps)

	var result *gorm.DB
	if lastStep {
		result = tx.Model(&ApprovalRequest{}).
			Where("id = ? AND status = ? AND current_step = ?", request.ID, StatusPending, request.CurrentStep).
			Updates(map[string]any{
				"status":       StatusApproved,
				"completed_at": now,
				"updated_at":   now,
			})
	} else {
		result = tx.Model(&ApprovalRequest{}).
			Where("id = ? AND status = ? AND current_step = ?", request.ID, StatusPending, request.CurrentStep).
			Updates(map[string]any{
				"current_step":   request.CurrentStep + 1,
				"approval_count": 0,
				"updated_at":     now,
			})
	}
	if result.Error != nil {
		return fmt.Errorf("推进审批步骤失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if tolerateRace {
			return nil
		}
		return errRetryDecide
	}
	return nil
}

// transitionTerminal 以 CAS 方式迁移到终态
func (e *Engine) transitionTerminal(tx *gorm.DB, request *ApprovalRequest, status string, now time.Time) error {
	result := tx.Model(&ApprovalRequest{}).
		Where("id = ? AND status = ? AND current_step = ?", request.ID, StatusPending, request.CurrentStep).
		Updates(map[string]any{
			"status":       status,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("迁移请求状态失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errRetryDecide
	}
	return nil
}

// Cancel 撤销请求
// 仅提交人可撤销，且仅在 pending 状态下有效；撤销立即生效且不可逆
func (e *Engine) Cancel(ctx context.Context, requestID, actorID string) (*ApprovalRequest, error) {
	request, err := e.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.SubmittedBy != actorID {
		return nil, &UnauthorizedError{RequestID: requestID, ActorID: actorID}
	}
	if request.IsTerminal() {
		return nil, &TerminalStateError{RequestID: requestID, Status: request.Status}
	}

	now := e.now()
	result := e.db.WithContext(ctx).
		Model(&ApprovalRequest{}).
		Where("id = ? AND status = ?", requestID, StatusPending).
		Updates(map[string]any{
			"status":       StatusCancelled,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("撤销请求失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		refreshed, err := e.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		return nil, &TerminalStateError{RequestID: requestID, Status: refreshed.Status}
	}

	request, err = e.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	metrics.ApprovalPendingGauge.WithLabelValues(request.EntityType).Dec()
	e.observeCycle(request)
	e.publishEvent(RequestEvent{
		RequestID:   request.ID,
		EntityType:  request.EntityType,
		EntityID:    request.EntityID,
		Status:      StatusCancelled,
		CurrentStep: request.CurrentStep,
		ActorID:     actorID,
		Action:      "cancelled",
		OccurredAt:  now,
	})
	e.logger.Info("审批请求已撤销",
		zap.String("requestId", requestID),
		zap.String("actorId", actorID),
	)
	return request, nil
}

// RequestInfo 审批人要求补充材料
// 只记录动作，不改变请求状态
func (e *Engine) RequestInfo(ctx context.Context, requestID, actorID, comments string) (*ApprovalAction, error) {
	now := e.now()
	effective, err := e.delegations.ResolveEffectiveApprover(ctx, actorID, now)
	if err != nil {
		return nil, err
	}

	request, err := e.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.IsTerminal() {
		return nil, &TerminalStateError{RequestID: requestID, Status: request.Status}
	}

	step := request.CurrentStepConfig()
	if step == nil {
		return nil, fmt.Errorf("请求 %s 的步骤快照缺失第 %d 步", requestID, request.CurrentStep)
	}
	eligible, via, err := e.eligibleApprover(ctx, request, step, effective, now)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, &UnauthorizedApproverError{RequestID: requestID, ActorID: effective, StepOrder: request.CurrentStep}
	}

	delegatedFrom := via
	if effective != actorID {
		delegatedFrom = actorID
	}
	action := &ApprovalAction{
		ID:            uuid.New().String(),
		RequestID:     requestID,
		StepOrder:     request.CurrentStep,
		ApproverID:    effective,
		DelegatedFrom: delegatedFrom,
		Action:        ActionInfoRequested,
		Comments:      comments,
		CreatedAt:     now,
	}
	if err := e.db.WithContext(ctx).Create(action).Error; err != nil {
		return nil, fmt.Errorf("记录审批动作失败: %w", err)
	}

	e.publishEvent(RequestEvent{
		RequestID:   request.ID,
		EntityType:  request.EntityType,
		EntityID:    request.EntityID,
		Status:      request.Status,
		CurrentStep: request.CurrentStep,
		ActorID:     effective,
		Action:      ActionInfoRequested,
		Comments:    comments,
		OccurredAt:  now,
	})
	return action, nil
}

// QueueFilter 审批队列过滤与排序
type QueueFilter struct {
	EntityType string
	SortBy     string // submitted_at（默认）、entity_type
	Order      string // asc（默认）、desc
}

// QueueFor 返回指定用户可审批的待处理请求
// 覆盖直接资格（用户/角色/动态/升级接管）以及委托给该用户的名义审批人资格
func (e *Engine) QueueFor(ctx context.Context, actorID string, filter *QueueFilter) ([]*ApprovalRequest, error) {
	query := e.db.WithContext(ctx).
		Model(&ApprovalRequest{}).
		Where("status = ?", StatusPending)

	sortBy := "submitted_at"
	order := "ASC"
	if filter != nil {
		if filter.EntityType != "" {
			query = query.Where("entity_type = ?", filter.EntityType)
		}
		if filter.SortBy == "entity_type" {
			sortBy = "entity_type"
		}
		if strings.EqualFold(filter.Order, "desc") {
			order = "DESC"
		}
	}

	var candidates []*ApprovalRequest
	if err := query.Order(sortBy + " " + order).Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("查询待审批请求失败: %w", err)
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	now := e.now()
	delegators, err := e.delegations.ActiveDelegatorsFor(ctx, actorID, now)
	if err != nil {
		return nil, err
	}

	escalated, err := e.escalatedSteps(ctx, candidates)
	if err != nil {
		return nil, err
	}

	queue := make([]*ApprovalRequest, 0, len(candidates))
	for _, request := range candidates {
		step := request.CurrentStepConfig()
		if step == nil {
			continue
		}
		ok, err := e.directlyEligible(ctx, request, step, actorID, escalated[request.ID])
		if err != nil {
			e.logger.Warn("队列资格判断失败",
				zap.String("requestId", request.ID),
				zap.String("actorId", actorID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			for _, delegator := range delegators {
				ok, err = e.directlyEligible(ctx, request, step, delegator, escalated[request.ID])
				if err != nil || ok {
					break
				}
			}
		}
		if ok {
			queue = append(queue, request)
		}
	}
	return queue, nil
}

// GetRequest 加载审批请求
func (e *Engine) GetRequest(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	var request ApprovalRequest
	err := e.db.WithContext(ctx).Where("id = ?", requestID).First(&request).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "审批请求", ID: requestID}
		}
		return nil, fmt.Errorf("查询审批请求失败: %w", err)
	}
	return &request, nil
}

// ListActions 按时间序返回请求的审计轨迹
func (e *Engine) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	var actions []*ApprovalAction
	err := e.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("查询审批动作失败: %w", err)
	}
	return actions, nil
}

// eligibleApprover 判断 userID 是否当前步骤的合法审批人
// 返回经由哪位名义审批人的委托获得资格（直接资格时为空）
func (e *Engine) eligibleApprover(ctx context.Context, request *ApprovalRequest, step *StepConfig, userID string, now time.Time) (bool, string, error) {
	hasEscalation, err := e.hasEscalatedAction(ctx, request.ID, request.CurrentStep)
	if err != nil {
		return false, "", err
	}

	ok, err := e.directlyEligible(ctx, request, step, userID, stepSet{request.CurrentStep: hasEscalation})
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}

	delegators, err := e.delegations.ActiveDelegatorsFor(ctx, userID, now)
	if err != nil {
		return false, "", err
	}
	for _, delegator := range delegators {
		ok, err := e.directlyEligible(ctx, request, step, delegator, stepSet{request.CurrentStep: hasEscalation})
		if err != nil {
			return false, "", err
		}
		if ok {
			return true, delegator, nil
		}
	}
	return false, "", nil
}

// stepSet 步骤序号 -> 是否已升级
type stepSet map[int]bool

// directlyEligible 不考虑委托的直接资格判断
func (e *Engine) directlyEligible(ctx context.Context, request *ApprovalRequest, step *StepConfig, userID string, escalated stepSet) (bool, error) {
	// 升级接管：已升级的步骤上 escalation_to 额外获得审批权（覆盖层，不改定义）
	if escalated[request.CurrentStep] && step.EscalationTo != "" && step.EscalationTo == userID {
		return true, nil
	}

	switch step.ApproverType {
	case ApproverTypeUser:
		return step.ApproverRef == userID, nil
	case ApproverTypeRole:
		return e.roles.HasRole(ctx, userID, step.ApproverRef)
	case ApproverTypeDynamic:
		approver, err := e.resolver.ResolveApprover(ctx, step, request)
		if err != nil {
			return false, fmt.Errorf("动态审批人解析失败: %w", err)
		}
		return approver == userID, nil
	default:
		return false, fmt.Errorf("未知的审批人类型: %s", step.ApproverType)
	}
}

// hasEscalatedAction 当前步骤是否已记录升级动作
func (e *Engine) hasEscalatedAction(ctx context.Context, requestID string, stepOrder int) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).
		Model(&ApprovalAction{}).
		Where("request_id = ? AND step_order = ? AND action = ?", requestID, stepOrder, ActionEscalated).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询升级记录失败: %w", err)
	}
	return count > 0, nil
}

// escalatedSteps 批量加载候选请求的升级记录，避免逐条查询
func (e *Engine) escalatedSteps(ctx context.Context, requests []*ApprovalRequest) (map[string]stepSet, error) {
	ids := make([]string, 0, len(requests))
	for _, r := range requests {
		ids = append(ids, r.ID)
	}

	var rows []struct {
		RequestID string
		StepOrder int
	}
	err := e.db.WithContext(ctx).
		Model(&ApprovalAction{}).
		Select("request_id, step_order").
		Where("request_id IN ? AND action = ?", ids, ActionEscalated).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询升级记录失败: %w", err)
	}

	result := make(map[string]stepSet, len(rows))
	for _, row := range rows {
		if result[row.RequestID] == nil {
			result[row.RequestID] = stepSet{}
		}
		result[row.RequestID][row.StepOrder] = true
	}
	return result, nil
}

// afterDecision 决策落库后的指标与事件
func (e *Engine) afterDecision(request *ApprovalRequest, action *ApprovalAction) {
	if request == nil || action == nil {
		return
	}
	metrics.ApprovalDecisionsTotal.WithLabelValues(request.EntityType, action.Action).Inc()
	if request.IsTerminal() {
		metrics.ApprovalPendingGauge.WithLabelValues(request.EntityType).Dec()
		e.observeCycle(request)
	}
	e.publishEvent(RequestEvent{
		RequestID:   request.ID,
		EntityType:  request.EntityType,
		EntityID:    request.EntityID,
		Status:      request.Status,
		CurrentStep: request.CurrentStep,
		ActorID:     action.ApproverID,
		Action:      action.Action,
		Comments:    action.Comments,
		OccurredAt:  action.CreatedAt,
	})
}

func (e *Engine) observeCycle(request *ApprovalRequest) {
	if request.CompletedAt == nil {
		return
	}
	hours := request.CompletedAt.Sub(request.SubmittedAt).Hours()
	metrics.ApprovalCycleHours.WithLabelValues(request.EntityType, request.Status).Observe(hours)
}

func (e *Engine) publishEvent(evt RequestEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(evt)
}
