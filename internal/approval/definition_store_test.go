package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateDefinitionDeactivatesPreviousActive(t *testing.T) {
	db := openTestDB(t)
	store := NewDefinitionStore(db)
	ctx := context.Background()

	first := createDefinition(t, db, EntityTypeBudget, []StepInput{validStep(1)})
	// 其他实体类型的激活定义不受影响
	contract := createDefinition(t, db, EntityTypeContract, []StepInput{validStep(1)})
	second := createDefinition(t, db, EntityTypeBudget, []StepInput{validStep(1)})

	active, err := store.GetActiveDefinition(ctx, EntityTypeBudget)
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)

	reloaded, err := store.GetDefinition(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, reloaded.IsActive)

	reloaded, err = store.GetDefinition(ctx, contract.ID)
	require.NoError(t, err)
	require.True(t, reloaded.IsActive)
}

func TestCreateDefinitionRejectsInvalidSteps(t *testing.T) {
	db := openTestDB(t)
	store := NewDefinitionStore(db)
	ctx := context.Background()

	_, err := store.CreateDefinition(ctx, &CreateDefinitionInput{
		Name:       "预算审批",
		EntityType: EntityTypeBudget,
		Steps:      []StepInput{validStep(1), validStep(3)},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestUpdateDefinitionReplacesSteps(t *testing.T) {
	db := openTestDB(t)
	store := NewDefinitionStore(db)
	ctx := context.Background()

	def := createDefinition(t, db, EntityTypeBudget, []StepInput{validStep(1), validStep(2)})

	name := "新名称"
	updated, err := store.UpdateDefinition(ctx, def.ID, &UpdateDefinitionInput{
		Name: &name,
		Steps: []StepInput{
			{StepOrder: 1, StepName: "合并后的单步", ApproverType: ApproverTypeRole, ApproverRef: "finance", ApprovalType: ApprovalTypeAnyOne},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "新名称", updated.Name)
	require.Len(t, updated.Steps, 1)
	require.Equal(t, "合并后的单步", updated.Steps[0].StepName)

	// 旧步骤已整体删除
	var count int64
	require.NoError(t, db.Model(&ApprovalStep{}).Where("workflow_id = ?", def.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestUpdateDefinitionActivationSwap(t *testing.T) {
	db := openTestDB(t)
	store := NewDefinitionStore(db)
	ctx := context.Background()

	first := createDefinition(t, db, EntityTypeBudget, []StepInput{validStep(1)})
	second := createDefinition(t, db, EntityTypeBudget, []StepInput{validStep(1)})

	// 重新激活旧定义会停用当前激活的
	active := true
	_, err := store.UpdateDefinition(ctx, first.ID, &UpdateDefinitionInput{IsActive: &active})
	require.NoError(t, err)

	current, err := store.GetActiveDefinition(ctx, EntityTypeBudget)
	require.NoError(t, err)
	require.Equal(t, first.ID, current.ID)

	reloaded, err := store.GetDefinition(ctx, second.ID)
	require.NoError(t, err)
	require.False(t, reloaded.IsActive)
}

func TestListDefinitions(t *testing.T) {
	db := openTestDB(t)
	store := NewDefinitionStore(db)
	ctx := context.Background()

	createDefinition(t, db, EntityTypeBudget, []StepInput{validStep(1)})
	createDefinition(t, db, EntityTypeBudget, []StepInput{validStep(1)})
	createDefinition(t, db, EntityTypeContract, []StepInput{validStep(1)})

	defs, err := store.ListDefinitions(ctx, nil)
	require.NoError(t, err)
	require.Len(t, defs, 3)

	isActive := true
	defs, err = store.ListDefinitions(ctx, &DefinitionFilter{EntityType: EntityTypeBudget, IsActive: &isActive})
	require.NoError(t, err)
	require.Len(t, defs, 1)
}

func TestDeactivateMissingDefinition(t *testing.T) {
	db := openTestDB(t)
	store := NewDefinitionStore(db)

	err := store.Deactivate(context.Background(), "missing-id")
	require.True(t, IsNotFound(err))
}
