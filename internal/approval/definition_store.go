package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"backend/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefinitionStore 流程定义存储
type DefinitionStore struct {
	db        *gorm.DB
	validator *Validator
	logger    *zap.Logger
}

// NewDefinitionStore 创建定义存储
func NewDefinitionStore(db *gorm.DB) *DefinitionStore {
	return &DefinitionStore{
		db:        db,
		validator: NewValidator(),
		logger:    logger.Get(),
	}
}

// CreateDefinitionInput 创建定义的输入
type CreateDefinitionInput struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	EntityType  string      `json:"entity_type"`
	IsActive    *bool       `json:"is_active"` // 缺省为 true
	Steps       []StepInput `json:"steps"`
	CreatedBy   string      `json:"created_by"`
}

// UpdateDefinitionInput 更新定义的输入
// Steps 非空时整体替换步骤列表并重新校验
type UpdateDefinitionInput struct {
	Name        *string     `json:"name"`
	Description *string     `json:"description"`
	IsActive    *bool       `json:"is_active"`
	Steps       []StepInput `json:"steps"`
}

// DefinitionFilter 定义列表过滤条件
type DefinitionFilter struct {
	EntityType string
	IsActive   *bool
}

// CreateDefinition 创建流程定义
// 激活新定义时自动停用同实体类型的旧激活定义，保证默认路由唯一
func (s *DefinitionStore) CreateDefinition(ctx context.Context, input *CreateDefinitionInput) (*WorkflowDefinition, error) {
	if errs := s.validator.ValidateDefinition(input.Name, input.EntityType, input.Steps); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	active := true
	if input.IsActive != nil {
		active = *input.IsActive
	}

	def := &WorkflowDefinition{
		ID:          uuid.New().String(),
		Name:        input.Name,
		Description: input.Description,
		EntityType:  input.EntityType,
		IsActive:    active,
		CreatedBy:   input.CreatedBy,
		Steps:       buildSteps(input.Steps),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if active {
			if err := s.deactivateOthers(tx, input.EntityType, ""); err != nil {
				return err
			}
		}
		return tx.Create(def).Error
	})
	if err != nil {
		return nil, fmt.Errorf("创建流程定义失败: %w", err)
	}

	s.logger.Info("流程定义已创建",
		zap.String("definitionId", def.ID),
		zap.String("entityType", def.EntityType),
		zap.Int("steps", len(def.Steps)),
	)
	return def, nil
}

// GetDefinition 获取流程定义（含有序步骤）
func (s *DefinitionStore) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		Where("id = ?", id).
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "流程定义", ID: id}
		}
		return nil, fmt.Errorf("查询流程定义失败: %w", err)
	}
	return &def, nil
}

// GetActiveDefinition 获取指定实体类型当前激活的定义
func (s *DefinitionStore) GetActiveDefinition(ctx context.Context, entityType string) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		Where("entity_type = ? AND is_active = ?", entityType, true).
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "激活的流程定义", ID: entityType}
		}
		return nil, fmt.Errorf("查询激活流程定义失败: %w", err)
	}
	return &def, nil
}

// ListDefinitions 查询流程定义列表
func (s *DefinitionStore) ListDefinitions(ctx context.Context, filter *DefinitionFilter) ([]*WorkflowDefinition, error) {
	query := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		Model(&WorkflowDefinition{})

	if filter != nil {
		if filter.EntityType != "" {
			query = query.Where("entity_type = ?", filter.EntityType)
		}
		if filter.IsActive != nil {
			query = query.Where("is_active = ?", *filter.IsActive)
		}
	}

	var defs []*WorkflowDefinition
	if err := query.Order("created_at DESC").Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("查询流程定义列表失败: %w", err)
	}
	return defs, nil
}

// UpdateDefinition 更新流程定义
// 传入 Steps 时整体替换步骤列表；在途请求持有快照，不受影响
func (s *DefinitionStore) UpdateDefinition(ctx context.Context, id string, input *UpdateDefinitionInput) (*WorkflowDefinition, error) {
	def, err := s.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Steps != nil {
		if errs := s.validator.ValidateSteps(input.Steps); len(errs) > 0 {
			return nil, &ValidationError{Fields: errs}
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"updated_at": time.Now().UTC()}
		if input.Name != nil {
			updates["name"] = *input.Name
		}
		if input.Description != nil {
			updates["description"] = *input.Description
		}
		if input.IsActive != nil {
			updates["is_active"] = *input.IsActive
			if *input.IsActive {
				if err := s.deactivateOthers(tx, def.EntityType, def.ID); err != nil {
					return err
				}
			}
		}
		if err := tx.Model(&WorkflowDefinition{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		if input.Steps != nil {
			if err := tx.Where("workflow_id = ?", id).Delete(&ApprovalStep{}).Error; err != nil {
				return err
			}
			steps := buildSteps(input.Steps)
			for i := range steps {
				steps[i].WorkflowID = id
			}
			if err := tx.Create(&steps).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("更新流程定义失败: %w", err)
	}

	return s.GetDefinition(ctx, id)
}

// Deactivate 停用流程定义
func (s *DefinitionStore) Deactivate(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&WorkflowDefinition{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("停用流程定义失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return &NotFoundError{Resource: "流程定义", ID: id}
	}
	return nil
}

// deactivateOthers 停用同实体类型的其他激活定义
func (s *DefinitionStore) deactivateOthers(tx *gorm.DB, entityType, exceptID string) error {
	query := tx.Model(&WorkflowDefinition{}).
		Where("entity_type = ? AND is_active = ?", entityType, true)
	if exceptID != "" {
		query = query.Where("id <> ?", exceptID)
	}
	return query.Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()}).Error
}

// buildSteps 将输入转换为有序的步骤模型
func buildSteps(inputs []StepInput) []ApprovalStep {
	sorted := make([]StepInput, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StepOrder < sorted[j].StepOrder
	})

	steps := make([]ApprovalStep, 0, len(sorted))
	for _, in := range sorted {
		steps = append(steps, ApprovalStep{
			ID:                uuid.New().String(),
			StepOrder:         in.StepOrder,
			StepName:          in.StepName,
			ApproverType:      in.ApproverType,
			ApproverRef:       in.ApproverRef,
			ApprovalType:      in.ApprovalType,
			RequiredApprovers: in.RequiredApprovers,
			EscalationHours:   in.EscalationHours,
			EscalationTo:      in.EscalationTo,
		})
	}
	return steps
}

// Snapshot 从定义构建步骤快照
func Snapshot(def *WorkflowDefinition) StepSnapshot {
	snapshot := make(StepSnapshot, 0, len(def.Steps))
	for _, step := range def.Steps {
		snapshot = append(snapshot, StepConfig{
			StepOrder:         step.StepOrder,
			StepName:          step.StepName,
			ApproverType:      step.ApproverType,
			ApproverRef:       step.ApproverRef,
			ApprovalType:      step.ApprovalType,
			RequiredApprovers: step.RequiredApprovers,
			EscalationHours:   step.EscalationHours,
			EscalationTo:      step.EscalationTo,
		})
	}
	return snapshot
}
