package approval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedRequest(t *testing.T, db *gorm.DB, entityType, status string, submittedAt time.Time, completedAt *time.Time, steps StepSnapshot) *ApprovalRequest {
	t.Helper()
	request := &ApprovalRequest{
		ID:          uuid.New().String(),
		WorkflowID:  uuid.New().String(),
		EntityType:  entityType,
		EntityID:    uuid.New().String(),
		CurrentStep: 1,
		Status:      status,
		Steps:       steps,
		SubmittedBy: "alice",
		SubmittedAt: submittedAt,
		CompletedAt: completedAt,
	}
	require.NoError(t, db.Create(request).Error)
	return request
}

func seedAction(t *testing.T, db *gorm.DB, requestID string, stepOrder int, action string, at time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&ApprovalAction{
		ID:         uuid.New().String(),
		RequestID:  requestID,
		StepOrder:  stepOrder,
		ApproverID: "u-1",
		Action:     action,
		CreatedAt:  at,
	}).Error)
}

func TestSummarize(t *testing.T) {
	db := openTestDB(t)
	svc := NewAnalyticsService(db)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	steps := StepSnapshot{{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential}}

	tenHours := t0.Add(10 * time.Hour)
	thirtyHours := t0.Add(30 * time.Hour)
	seedRequest(t, db, EntityTypeBudget, StatusApproved, t0, &tenHours, steps)
	seedRequest(t, db, EntityTypeBudget, StatusRejected, t0, &thirtyHours, steps)
	seedRequest(t, db, EntityTypeBudget, StatusPending, t0, nil, steps)
	// 撤销的请求计入数量但不计入平均周期
	seedRequest(t, db, EntityTypeContract, StatusCancelled, t0, &tenHours, steps)
	// 窗口之外的请求不统计
	seedRequest(t, db, EntityTypeBudget, StatusApproved, t0.Add(-31*24*time.Hour), &tenHours, steps)

	summary, err := svc.Summarize(ctx, t0.Add(-time.Hour), t0.Add(48*time.Hour), "")
	require.NoError(t, err)
	require.Equal(t, 4, summary.TotalRequests)
	require.Equal(t, 1, summary.ApprovedCount)
	require.Equal(t, 1, summary.RejectedCount)
	require.Equal(t, 1, summary.CancelledCount)
	require.Equal(t, 1, summary.PendingCount)
	require.NotNil(t, summary.AvgHoursToComplete)
	require.InDelta(t, 20.0, *summary.AvgHoursToComplete, 0.001)

	// 按实体类型过滤
	summary, err = svc.Summarize(ctx, t0.Add(-time.Hour), t0.Add(48*time.Hour), EntityTypeContract)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalRequests)
	require.Nil(t, summary.AvgHoursToComplete)
}

func TestBottlenecks(t *testing.T) {
	db := openTestDB(t)
	svc := NewAnalyticsService(db)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	steps := StepSnapshot{
		{StepOrder: 1, StepName: "初审", ApproverType: ApproverTypeUser, ApproverRef: "u-1", ApprovalType: ApprovalTypeSequential},
		{StepOrder: 2, StepName: "终审", ApproverType: ApproverTypeUser, ApproverRef: "u-2", ApprovalType: ApprovalTypeSequential},
	}

	done := t0.Add(10 * time.Hour)
	reqA := seedRequest(t, db, EntityTypeBudget, StatusApproved, t0, &done, steps)
	seedAction(t, db, reqA.ID, 1, ActionApproved, t0.Add(4*time.Hour))
	seedAction(t, db, reqA.ID, 2, ActionApproved, t0.Add(10*time.Hour))

	rejectedAt := t0.Add(30 * time.Hour)
	reqB := seedRequest(t, db, EntityTypeBudget, StatusRejected, t0, &rejectedAt, steps)
	seedAction(t, db, reqB.ID, 1, ActionApproved, t0.Add(6*time.Hour))
	seedAction(t, db, reqB.ID, 2, ActionRejected, t0.Add(30*time.Hour))

	// 还停在第 1 步的请求不产生任何步骤耗时
	seedRequest(t, db, EntityTypeBudget, StatusPending, t0, nil, steps)

	stats, err := svc.Bottlenecks(ctx, t0.Add(-time.Hour), t0.Add(48*time.Hour), EntityTypeBudget)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	// 最慢步骤排最前：终审 (6+24)/2=15h，初审 (4+6)/2=5h
	require.Equal(t, 2, stats[0].StepOrder)
	require.Equal(t, "终审", stats[0].StepName)
	require.Equal(t, 2, stats[0].RequestCount)
	require.InDelta(t, 15.0, stats[0].AvgHours, 0.001)

	require.Equal(t, 1, stats[1].StepOrder)
	require.Equal(t, 2, stats[1].RequestCount)
	require.InDelta(t, 5.0, stats[1].AvgHours, 0.001)
}

func TestBottlenecksEmptyWindow(t *testing.T) {
	db := openTestDB(t)
	svc := NewAnalyticsService(db)
	ctx := context.Background()

	stats, err := svc.Bottlenecks(ctx, time.Now().Add(-time.Hour), time.Now(), "")
	require.NoError(t, err)
	require.Empty(t, stats)
}
