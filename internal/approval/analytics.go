package approval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"backend/internal/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AnalyticsService 审批效率统计
// 查询都是只读聚合，供报表与管理端看板使用
type AnalyticsService struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAnalyticsService 创建统计服务
func NewAnalyticsService(db *gorm.DB) *AnalyticsService {
	return &AnalyticsService{
		db:     db,
		logger: logger.Get(),
	}
}

// Summary 时间段内的审批汇总
type Summary struct {
	TotalRequests      int      `json:"total_requests"`
	ApprovedCount      int      `json:"approved_count"`
	RejectedCount      int      `json:"rejected_count"`
	CancelledCount     int      `json:"cancelled_count"`
	PendingCount       int      `json:"pending_count"`
	AvgHoursToComplete *float64 `json:"avg_hours_to_complete"` // 无已完成请求时为空
}

// StepStat 单个步骤的耗时统计
type StepStat struct {
	StepOrder    int     `json:"step_order"`
	StepName     string  `json:"step_name"`
	RequestCount int     `json:"request_count"`
	AvgHours     float64 `json:"avg_hours"`
}

// Summarize 按提交时间窗口统计请求数量与平均完成时长
// entityType 为空时统计全部实体类型
func (s *AnalyticsService) Summarize(ctx context.Context, start, end time.Time, entityType string) (*Summary, error) {
	query := s.db.WithContext(ctx).
		Model(&ApprovalRequest{}).
		Where("submitted_at >= ? AND submitted_at <= ?", start, end)
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}

	var requests []*ApprovalRequest
	if err := query.Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("查询审批请求失败: %w", err)
	}

	summary := &Summary{TotalRequests: len(requests)}
	var completedHours float64
	var completedCount int
	for _, request := range requests {
		switch request.Status {
		case StatusApproved:
			summary.ApprovedCount++
		case StatusRejected:
			summary.RejectedCount++
		case StatusCancelled:
			summary.CancelledCount++
		default:
			summary.PendingCount++
		}
		// 平均完成时长只看批准/驳回，撤销不算审批周期
		if request.CompletedAt != nil && (request.Status == StatusApproved || request.Status == StatusRejected) {
			completedHours += request.CompletedAt.Sub(request.SubmittedAt).Hours()
			completedCount++
		}
	}
	if completedCount > 0 {
		avg := completedHours / float64(completedCount)
		summary.AvgHoursToComplete = &avg
	}
	return summary, nil
}

// Bottlenecks 按步骤统计平均停留时长，定位审批链路瓶颈
// 步骤耗时 = 该步完成时间 - 进入该步时间（第 1 步从提交时间起算）；
// 时间窗口内没有完成过的步骤不会出现在结果里
func (s *AnalyticsService) Bottlenecks(ctx context.Context, start, end time.Time, entityType string) ([]*StepStat, error) {
	query := s.db.WithContext(ctx).
		Model(&ApprovalRequest{}).
		Where("submitted_at >= ? AND submitted_at <= ?", start, end)
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}

	var requests []*ApprovalRequest
	if err := query.Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("查询审批请求失败: %w", err)
	}
	if len(requests) == 0 {
		return []*StepStat{}, nil
	}

	ids := make([]string, 0, len(requests))
	for _, r := range requests {
		ids = append(ids, r.ID)
	}
	var actions []*ApprovalAction
	err := s.db.WithContext(ctx).
		Where("request_id IN ? AND action IN ?", ids, []string{ActionApproved, ActionRejected}).
		Order("created_at ASC").
		Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("查询审批动作失败: %w", err)
	}

	byRequest := make(map[string][]*ApprovalAction, len(requests))
	for _, action := range actions {
		byRequest[action.RequestID] = append(byRequest[action.RequestID], action)
	}

	type bucket struct {
		name  string
		hours float64
		count int
	}
	buckets := map[int]*bucket{}

	for _, request := range requests {
		// 步骤完成时间取该步最后一条决策动作
		lastAt := map[int]time.Time{}
		for _, action := range byRequest[request.ID] {
			if action.CreatedAt.After(lastAt[action.StepOrder]) {
				lastAt[action.StepOrder] = action.CreatedAt
			}
		}

		enteredAt := request.SubmittedAt
		for _, step := range request.Steps {
			completedAt, ok := lastAt[step.StepOrder]
			if !ok {
				break
			}
			b := buckets[step.StepOrder]
			if b == nil {
				b = &bucket{name: step.StepName}
				buckets[step.StepOrder] = b
			}
			b.hours += completedAt.Sub(enteredAt).Hours()
			b.count++
			enteredAt = completedAt
		}
	}

	stats := make([]*StepStat, 0, len(buckets))
	for order, b := range buckets {
		stats = append(stats, &StepStat{
			StepOrder:    order,
			StepName:     b.name,
			RequestCount: b.count,
			AvgHours:     b.hours / float64(b.count),
		})
	}
	// 平均耗时降序，最慢的步骤排最前
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].AvgHours == stats[j].AvgHours {
			return stats[i].StepOrder < stats[j].StepOrder
		}
		return stats[i].AvgHours > stats[j].AvgHours
	})
	return stats, nil
}
