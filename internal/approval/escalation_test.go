package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweepEscalatesOverdueRequest(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential, EscalationHours: intPtr(24), EscalationTo: "boss-1"},
	})
	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)

	// 未超时不升级
	scheduler := NewEscalationScheduler(db, WithSchedulerClock(func() time.Time {
		return request.SubmittedAt.Add(23 * time.Hour)
	}))
	escalated, err := scheduler.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, escalated)

	// 超过 24 小时后升级一次
	scheduler = NewEscalationScheduler(db, WithSchedulerClock(func() time.Time {
		return request.SubmittedAt.Add(25 * time.Hour)
	}))
	escalated, err = scheduler.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, escalated)

	actions, err := engine.ListActions(ctx, request.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, ActionEscalated, actions[0].Action)

	// 升级不改变请求状态
	refreshed, err := engine.GetRequest(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, refreshed.Status)
	require.Equal(t, 1, refreshed.CurrentStep)

	// 重复扫描幂等
	escalated, err = scheduler.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, escalated)
	actions, err = engine.ListActions(ctx, request.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
}

func TestEscalationGrantsEscalationTargetApproval(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential, EscalationHours: intPtr(24), EscalationTo: "boss-1"},
	})
	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)

	// 升级前 boss-1 无权审批
	_, _, err = engine.Decide(ctx, request.ID, "boss-1", DecisionApprove, "")
	var uerr *UnauthorizedApproverError
	require.ErrorAs(t, err, &uerr)

	scheduler := NewEscalationScheduler(db, WithSchedulerClock(func() time.Time {
		return request.SubmittedAt.Add(25 * time.Hour)
	}))
	escalated, err := scheduler.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, escalated)

	// 升级后 boss-1 获得审批权，原审批人仍然有效
	queue, err := engine.QueueFor(ctx, "boss-1", nil)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	queue, err = engine.QueueFor(ctx, "u-1", nil)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	updated, action, err := engine.Decide(ctx, request.ID, "boss-1", DecisionApprove, "超时代批")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
	require.Equal(t, "boss-1", action.ApproverID)
}

func TestStepEnteredAtUsesPreviousStepApproval(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential},
		{StepOrder: 2, StepName: "终审", ApproverType: ApproverTypeUser, ApproverRef: "u-2", ApprovalType: ApprovalTypeSequential, EscalationHours: intPtr(12), EscalationTo: "boss-1"},
	})
	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)

	_, _, err = engine.Decide(ctx, request.ID, "u-1", DecisionApprove, "")
	require.NoError(t, err)
	approvedAt := time.Now().UTC()

	// 第 2 步的计时从上一步批准时间起算，而不是提交时间
	scheduler := NewEscalationScheduler(db, WithSchedulerClock(func() time.Time {
		return approvedAt.Add(11 * time.Hour)
	}))
	escalated, err := scheduler.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, escalated)

	scheduler = NewEscalationScheduler(db, WithSchedulerClock(func() time.Time {
		return approvedAt.Add(13 * time.Hour)
	}))
	escalated, err = scheduler.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, escalated)
}

func TestSweepSkipsStepsWithoutEscalation(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(db, &stubRoles{})
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential},
	})
	request, err := engine.Submit(ctx, def.ID, EntityTypeBudget, "budget-1", "alice", nil)
	require.NoError(t, err)

	scheduler := NewEscalationScheduler(db, WithSchedulerClock(func() time.Time {
		return request.SubmittedAt.Add(1000 * time.Hour)
	}))
	escalated, err := scheduler.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, escalated)
}
