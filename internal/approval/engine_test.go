package approval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func intPtr(v int) *int { return &v }

// stubRoles 测试用角色目录
type stubRoles struct {
	members map[string][]string // roleID -> userIDs
}

func (s *stubRoles) HasRole(_ context.Context, userID, roleID string) (bool, error) {
	for _, id := range s.members[roleID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubRoles) UsersInRole(_ context.Context, roleID string) ([]string, error) {
	return s.members[roleID], nil
}

func createDefinition(t *testing.T, db *gorm.DB, entityType string, steps []StepInput) *WorkflowDefinition {
	t.Helper()
	store := NewDefinitionStore(db)
	def, err := store.CreateDefinition(context.Background(), &CreateDefinitionInput{
		Name:       "测试流程",
		EntityType: entityType,
		Steps:      steps,
		CreatedBy:  "admin-1",
	})
	require.NoError(t, err)
	return def
}

func newTestEngine(db *gorm.DB, roles RoleDirectory, opts ...EngineOption) *Engine {
	all := append([]EngineOption{WithRoleDirectory(roles)}, opts...)
	return NewEngine(db, NewDelegationService(db), all...)
}

func TestSubmitValidation(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential},
	})

	_, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "", "", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 2)

	_, err = engine.Submit(ctx, "missing-id", EntityTypeBudget, "budget-1", "alice", nil)
	require.True(t, IsNotFound(err))

	// 实体类型与定义不匹配
	_, err = engine.Submit(ctx, def.ID, EntityTypeContract, "contract-1", "alice", nil)
	var werr *InvalidWorkflowError
	require.ErrorAs(t, err, &werr)

	// 停用后不可再路由新请求
	require.NoError(t, NewDefinitionStore(db).Deactivate(ctx, def.ID))
	_, err = engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.ErrorAs(t, err, &werr)
}

func TestSubmitSnapshotInsulatesFromDefinitionEdits(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential},
		{StepOrder: 2, StepName: "终审", ApproverType: ApproverTypeUser, ApproverRef: "u-2", ApprovalType: ApprovalTypeSequential},
	})

	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)
	require.Len(t, request.Steps, 2)

	// 编辑定义：替换审批人并追加步骤
	_, err = NewDefinitionStore(db).UpdateDefinition(ctx, def.ID, &UpdateDefinitionInput{
		Steps: []StepInput{
			{StepOrder: 1, StepName: "新初审", ApproverType: ApproverTypeUser, ApproverRef: "u-9", ApprovalType: ApprovalTypeSequential},
			{StepOrder: 2, StepName: "新复审", ApproverType: ApproverTypeUser, ApproverRef: "u-8", ApprovalType: ApprovalTypeSequential},
			{StepOrder: 3, StepName: "新终审", ApproverType: ApproverTypeUser, ApproverRef: "u-7", ApprovalType: ApprovalTypeSequential},
		},
	})
	require.NoError(t, err)

	// 在途请求仍按提交时的快照走：新定义里的 u-9 无权，旧 u-1/u-2 走完即批准
	_, _, err = engine.Decide(ctx, request.ID, "u-9", DecisionApprove, "")
	var uerr *UnauthorizedApproverError
	require.ErrorAs(t, err, &uerr)

	_, _, err = engine.Decide(ctx, request.ID, "u-1", DecisionApprove, "")
	require.NoError(t, err)
	updated, _, err := engine.Decide(ctx, request.ID, "u-2", DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
}

func TestSequentialFlow(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeFundRequest, []StepInput{
		{StepOrder: 1, StepName: "项目经理审批", ApproverType: ApproverTypeUser, ApproverRef: "pm-1", ApprovalType: ApprovalTypeSequential},
		{StepOrder: 2, StepName: "财务审批", ApproverType: ApproverTypeUser, ApproverRef: "fin-1", ApprovalType: ApprovalTypeSequential},
		{StepOrder: 3, StepName: "总监审批", ApproverType: ApproverTypeUser, ApproverRef: "dir-1", ApprovalType: ApprovalTypeSequential},
	})

	request, err := engine.Submit(ctx, def.ID, EntityTypeFundRequest, "fund-1", "alice", nil)
	require.NoError(t, err)
	require.Equal(t, 1, request.CurrentStep)
	require.Equal(t, StatusPending, request.Status)

	// 越级审批被拒绝
	_, _, err = engine.Decide(ctx, request.ID, "fin-1", DecisionApprove, "")
	var uerr *UnauthorizedApproverError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, 1, uerr.StepOrder)

	updated, _, err := engine.Decide(ctx, request.ID, "pm-1", DecisionApprove, "预算合理")
	require.NoError(t, err)
	require.Equal(t, 2, updated.CurrentStep)

	updated, _, err = engine.Decide(ctx, request.ID, "fin-1", DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, 3, updated.CurrentStep)

	updated, action, err := engine.Decide(ctx, request.ID, "dir-1", DecisionApprove, "同意")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	require.Equal(t, ActionApproved, action.Action)

	actions, err := engine.ListActions(ctx, request.ID)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	require.Equal(t, []int{1, 2, 3}, []int{actions[0].StepOrder, actions[1].StepOrder, actions[2].StepOrder})
}

func TestRejectIsTerminal(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential},
		{StepOrder: 2, StepName: "终审", ApproverType: ApproverTypeUser, ApproverRef: "u-2", ApprovalType: ApprovalTypeSequential},
	})

	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)
	_, _, err = engine.Decide(ctx, request.ID, "u-1", DecisionApprove, "")
	require.NoError(t, err)

	// 驳回必须填写原因
	_, _, err = engine.Decide(ctx, request.ID, "u-2", DecisionReject, "  ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	updated, action, err := engine.Decide(ctx, request.ID, "u-2", DecisionReject, "金额超出年度预算")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	require.Equal(t, "金额超出年度预算", action.Comments)

	// 终态后一切决策与撤销都被拒绝
	_, _, err = engine.Decide(ctx, request.ID, "u-2", DecisionApprove, "")
	var terr *TerminalStateError
	require.ErrorAs(t, err, &terr)
	_, err = engine.Cancel(ctx, request.ID, "alice")
	require.ErrorAs(t, err, &terr)
}

func TestParallelStepDistinctApprovers(t *testing.T) {
	db := openTestDB(t)
	roles := &stubRoles{members: map[string][]string{
		"finance-committee": {"fc-1", "fc-2", "fc-3"},
	}}
	engine := newTestEngine(db, roles)
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeContract, []StepInput{
		{StepOrder: 1, StepName: "委员会会签", ApproverType: ApproverTypeRole, ApproverRef: "finance-committee", ApprovalType: ApprovalTypeParallel, RequiredApprovers: 2},
	})

	request, err := engine.Submit(ctx, def.ID, EntityTypeContract, "contract-1", "alice", nil)
	require.NoError(t, err)

	updated, _, err := engine.Decide(ctx, request.ID, "fc-1", DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, StatusPending, updated.Status)
	require.Equal(t, 1, updated.ApprovalCount)

	// 同一人重复批准只记录动作，不推进计数
	updated, _, err = engine.Decide(ctx, request.ID, "fc-1", DecisionApprove, "再次确认")
	require.NoError(t, err)
	require.Equal(t, StatusPending, updated.Status)
	require.Equal(t, 1, updated.ApprovalCount)

	actions, err := engine.ListActions(ctx, request.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	// 第二位不同审批人达到阈值，整单批准
	updated, _, err = engine.Decide(ctx, request.ID, "fc-2", DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
}

func TestAnyOneThenParallelFlow(t *testing.T) {
	db := openTestDB(t)
	roles := &stubRoles{members: map[string][]string{
		"reviewers": {"r-1", "r-2"},
		"board":     {"b-1", "b-2", "b-3"},
	}}
	engine := newTestEngine(db, roles)
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeReport, []StepInput{
		{StepOrder: 1, StepName: "任一初审", ApproverType: ApproverTypeRole, ApproverRef: "reviewers", ApprovalType: ApprovalTypeAnyOne},
		{StepOrder: 2, StepName: "董事会会签", ApproverType: ApproverTypeRole, ApproverRef: "board", ApprovalType: ApprovalTypeParallel, RequiredApprovers: 2},
	})

	request, err := engine.Submit(ctx, def.ID, EntityTypeReport, "report-1", "alice", nil)
	require.NoError(t, err)

	// any_one 模式单人批准即推进，并重置批准计数
	updated, _, err := engine.Decide(ctx, request.ID, "r-2", DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, 2, updated.CurrentStep)
	require.Equal(t, 0, updated.ApprovalCount)

	updated, _, err = engine.Decide(ctx, request.ID, "b-1", DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, StatusPending, updated.Status)

	updated, _, err = engine.Decide(ctx, request.ID, "b-3", DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
}

func TestCancelRules(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential},
	})

	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)

	// 仅提交人可撤销
	_, err = engine.Cancel(ctx, request.ID, "bob")
	var uerr *UnauthorizedError
	require.ErrorAs(t, err, &uerr)

	updated, err := engine.Cancel(ctx, request.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, updated.Status)
	require.NotNil(t, updated.CompletedAt)

	// 撤销不可逆
	_, err = engine.Cancel(ctx, request.ID, "alice")
	var terr *TerminalStateError
	require.ErrorAs(t, err, &terr)
	_, _, err = engine.Decide(ctx, request.ID, "u-1", DecisionApprove, "")
	require.ErrorAs(t, err, &terr)
}

func TestDecideThroughDelegation(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	delegations := NewDelegationService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "dana", ApprovalType: ApprovalTypeSequential},
	})
	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)

	_, err = delegations.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "dana",
		DelegateID:  "erin",
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(time.Hour),
		Reason:      "休假",
	})
	require.NoError(t, err)

	// 名义审批人 dana 提交决策，落在受托人 erin 名下
	updated, action, err := engine.Decide(ctx, request.ID, "dana", DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
	require.Equal(t, "erin", action.ApproverID)
	require.Equal(t, "dana", action.DelegatedFrom)
}

func TestDelegateActsForNominalApprover(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	delegations := NewDelegationService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "dana", ApprovalType: ApprovalTypeSequential},
	})
	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)

	// 委托尚未生效，erin 无权审批
	_, err = delegations.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "dana",
		DelegateID:  "erin",
		StartDate:   now.Add(24 * time.Hour),
		EndDate:     now.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	_, _, err = engine.Decide(ctx, request.ID, "erin", DecisionApprove, "")
	var uerr *UnauthorizedApproverError
	require.ErrorAs(t, err, &uerr)

	_, err = delegations.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "dana",
		DelegateID:  "erin",
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(time.Hour),
	})
	require.NoError(t, err)

	updated, action, err := engine.Decide(ctx, request.ID, "erin", DecisionApprove, "代审")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
	require.Equal(t, "erin", action.ApproverID)
	require.Equal(t, "dana", action.DelegatedFrom)
}

func TestDynamicApproverFromMetadata(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeFundRequest, []StepInput{
		{StepOrder: 1, StepName: "项目经理审批", ApproverType: ApproverTypeDynamic, ApproverRef: "project.manager_id", ApprovalType: ApprovalTypeSequential},
	})

	request, err := engine.Submit(ctx, def.ID, EntityTypeFundRequest, "fund-1", "alice", map[string]any{
		"project": map[string]any{"manager_id": "pm-7"},
	})
	require.NoError(t, err)

	_, _, err = engine.Decide(ctx, request.ID, "pm-1", DecisionApprove, "")
	var uerr *UnauthorizedApproverError
	require.ErrorAs(t, err, &uerr)

	updated, _, err := engine.Decide(ctx, request.ID, "pm-7", DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
}

func TestRequestInfoKeepsStatePending(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential},
	})
	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)

	action, err := engine.RequestInfo(ctx, request.ID, "u-1", "请补充报价单")
	require.NoError(t, err)
	require.Equal(t, ActionInfoRequested, action.Action)

	refreshed, err := engine.GetRequest(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, refreshed.Status)
	require.Equal(t, 1, refreshed.CurrentStep)

	// 补充材料后仍可正常批准
	updated, _, err := engine.Decide(ctx, request.ID, "u-1", DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
}

func TestQueueFor(t *testing.T) {
	db := openTestDB(t)
	roles := &stubRoles{members: map[string][]string{
		"finance": {"fin-1", "fin-2"},
	}}
	engine := newTestEngine(db, roles)
	delegations := NewDelegationService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	userDef := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "fin-1", ApprovalType: ApprovalTypeSequential},
	})
	roleDef := createDefinition(t, db, EntityTypeContract, []StepInput{
		{StepOrder: 1, StepName: "财务审批", ApproverType: ApproverTypeRole, ApproverRef: "finance", ApprovalType: ApprovalTypeAnyOne},
	})
	otherDef := createDefinition(t, db, EntityTypeReport, []StepInput{
		{StepOrder: 1, StepName: "其他人审批", ApproverType: ApproverTypeUser, ApproverRef: "someone-else", ApprovalType: ApprovalTypeSequential},
	})

	reqUser, err := engine.Submit(ctx, userDef.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)
	reqRole, err := engine.Submit(ctx, roleDef.ID, EntityTypeContract, "contract-1", "alice", nil)
	require.NoError(t, err)
	reqOther, err := engine.Submit(ctx, otherDef.ID, EntityTypeReport, "report-1", "alice", nil)
	require.NoError(t, err)

	queue, err := engine.QueueFor(ctx, "fin-1", nil)
	require.NoError(t, err)
	require.Len(t, queue, 2)

	// 实体类型过滤
	queue, err = engine.QueueFor(ctx, "fin-1", &QueueFilter{EntityType: EntityTypeContract})
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, reqRole.ID, queue[0].ID)

	// someone-else 把审批权委托给 fin-1 后，第三单也进入其队列
	_, err = delegations.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "someone-else",
		DelegateID:  "fin-1",
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(time.Hour),
	})
	require.NoError(t, err)

	queue, err = engine.QueueFor(ctx, "fin-1", &QueueFilter{SortBy: "entity_type", Order: "desc"})
	require.NoError(t, err)
	require.Len(t, queue, 3)
	require.Equal(t, reqOther.ID, queue[0].ID)
	require.Equal(t, reqRole.ID, queue[1].ID)
	require.Equal(t, reqUser.ID, queue[2].ID)

	// 已决策的请求从队列消失
	_, _, err = engine.Decide(ctx, reqUser.ID, "fin-1", DecisionApprove, "")
	require.NoError(t, err)
	queue, err = engine.QueueFor(ctx, "fin-1", nil)
	require.NoError(t, err)
	require.Len(t, queue, 2)
}

func TestSubmitPublishesEvent(t *testing.T) {
	db := openTestDB(t)
	bus := NewRequestEventBus(nil)
	engine := newTestEngine(db, &stubRoles{}, WithEventBus(bus))
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential},
	})
	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)

	eventCh, cancel := bus.Subscribe(request.ID)
	require.NotNil(t, eventCh)
	defer cancel()

	_, _, err = engine.Decide(ctx, request.ID, "u-1", DecisionApprove, "同意")
	require.NoError(t, err)

	select {
	case evt := <-eventCh:
		require.Equal(t, StatusApproved, evt.Status)
		require.Equal(t, "u-1", evt.ActorID)
		require.Equal(t, ActionApproved, evt.Action)
	case <-time.After(time.Second):
		t.Fatal("未收到审批事件")
	}
}
