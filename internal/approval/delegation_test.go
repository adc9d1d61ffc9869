package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateDelegationValidation(t *testing.T) {
	db := openTestDB(t)
	svc := NewDelegationService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := svc.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "dana",
		DelegateID:  "dana",
		StartDate:   now,
		EndDate:     now.Add(-time.Hour),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 2)

	_, err = svc.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "dana",
		DelegateID:  "erin",
		StartDate:   now,
		EndDate:     now, // 闭区间，单日委托合法
	})
	require.NoError(t, err)
}

func TestResolveEffectiveApprover(t *testing.T) {
	db := openTestDB(t)
	svc := NewDelegationService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	// 无委托时原样返回
	effective, err := svc.ResolveEffectiveApprover(ctx, "dana", now)
	require.NoError(t, err)
	require.Equal(t, "dana", effective)

	_, err = svc.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "dana",
		DelegateID:  "erin",
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(time.Hour),
	})
	require.NoError(t, err)

	effective, err = svc.ResolveEffectiveApprover(ctx, "dana", now)
	require.NoError(t, err)
	require.Equal(t, "erin", effective)

	// 窗口之外不生效
	effective, err = svc.ResolveEffectiveApprover(ctx, "dana", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "dana", effective)
}

func TestOverlappingDelegationsDeterministic(t *testing.T) {
	db := openTestDB(t)
	svc := NewDelegationService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	// 宽窗口委托给 erin，窄窗口（start_date 更晚）委托给 frank
	_, err := svc.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "dana",
		DelegateID:  "erin",
		StartDate:   now.Add(-48 * time.Hour),
		EndDate:     now.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	_, err = svc.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "dana",
		DelegateID:  "frank",
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(time.Hour),
	})
	require.NoError(t, err)

	// 重叠时取 start_date 最晚的委托
	effective, err := svc.ResolveEffectiveApprover(ctx, "dana", now)
	require.NoError(t, err)
	require.Equal(t, "frank", effective)

	// 窄窗口结束后回落到宽窗口
	effective, err = svc.ResolveEffectiveApprover(ctx, "dana", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "erin", effective)
}

func TestActiveDelegatorsFor(t *testing.T) {
	db := openTestDB(t)
	svc := NewDelegationService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := svc.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "dana",
		DelegateID:  "erin",
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = svc.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "gina",
		DelegateID:  "erin",
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(time.Hour),
	})
	require.NoError(t, err)
	// 已过期的委托不计入
	_, err = svc.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "hugo",
		DelegateID:  "erin",
		StartDate:   now.Add(-48 * time.Hour),
		EndDate:     now.Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	delegators, err := svc.ActiveDelegatorsFor(ctx, "erin", now)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"dana", "gina"}, delegators)
}

func TestDeleteDelegation(t *testing.T) {
	db := openTestDB(t)
	svc := NewDelegationService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := svc.CreateDelegation(ctx, &CreateDelegationInput{
		DelegatorID: "dana",
		DelegateID:  "erin",
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteDelegation(ctx, created.ID))
	require.True(t, IsNotFound(svc.DeleteDelegation(ctx, created.ID)))

	effective, err := svc.ResolveEffectiveApprover(ctx, "dana", now)
	require.NoError(t, err)
	require.Equal(t, "dana", effective)
}
