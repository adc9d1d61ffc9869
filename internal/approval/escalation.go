package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 升级扫描的分布式锁参数
const (
	escalationLockKey = "grantflow:escalation:sweep:lock"
	escalationLockTTL = 2 * time.Minute
)

// EscalationScheduler 超时升级调度器
// 周期扫描待审批请求，当前步骤停留时长超过 escalation_hours 的记一条
// escalated 动作并通知 escalation_to；升级不改变请求状态，
// 同一 (请求, 步骤) 最多升级一次
type EscalationScheduler struct {
	db       *gorm.DB
	redis    redis.UniversalClient
	bus      *RequestEventBus
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

// SchedulerOption 自定义调度器配置
type SchedulerOption func(*EscalationScheduler)

// WithSweepInterval 设置扫描间隔
func WithSweepInterval(interval time.Duration) SchedulerOption {
	return func(s *EscalationScheduler) { s.interval = interval }
}

// WithSchedulerRedis 注入 Redis 客户端，用于多实例部署的扫描互斥
func WithSchedulerRedis(client redis.UniversalClient) SchedulerOption {
	return func(s *EscalationScheduler) { s.redis = client }
}

// WithSchedulerEventBus 注入事件总线
func WithSchedulerEventBus(bus *RequestEventBus) SchedulerOption {
	return func(s *EscalationScheduler) { s.bus = bus }
}

// WithSchedulerClock 注入时钟，供测试使用
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *EscalationScheduler) { s.now = now }
}

// NewEscalationScheduler 创建升级调度器
func NewEscalationScheduler(db *gorm.DB, opts ...SchedulerOption) *EscalationScheduler {
	s := &EscalationScheduler{
		db:       db,
		logger:   logger.Get(),
		interval: 5 * time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 周期执行扫描，直到 ctx 取消
func (s *EscalationScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("升级调度器已启动", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("升级调度器已停止")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("升级扫描失败", zap.Error(err))
			}
		}
	}
}

// Sweep 执行一次升级扫描，返回本轮升级的请求数
// 多实例下通过 Redis SetNX 互斥；扫描整体幂等，重复执行无副作用
func (s *EscalationScheduler) Sweep(ctx context.Context) (int, error) {
	if s.redis != nil {
		acquired, err := s.redis.SetNX(ctx, escalationLockKey, s.now().Format(time.RFC3339), escalationLockTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("获取升级扫描锁失败: %w", err)
		}
		if !acquired {
			s.logger.Debug("其他实例正在执行升级扫描，跳过本轮")
			return 0, nil
		}
		defer s.redis.Del(ctx, escalationLockKey)
	}

	started := s.now()
	defer func() {
		metrics.EscalationSweepDuration.Observe(time.Since(started).Seconds())
	}()

	var pending []*ApprovalRequest
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("submitted_at ASC").
		Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("查询待审批请求失败: %w", err)
	}

	escalated := 0
	for _, request := range pending {
		ok, err := s.escalateIfOverdue(ctx, request, started)
		if err != nil {
			// 单个请求出错不阻断整轮扫描
			s.logger.Error("处理升级请求失败",
				zap.String("requestId", request.ID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			escalated++
		}
	}

	if escalated > 0 {
		s.logger.Info("升级扫描完成",
			zap.Int("scanned", len(pending)),
			zap.Int("escalated", escalated),
		)
	}
	return escalated, nil
}

// escalateIfOverdue 判断单个请求是否超时并执行升级
func (s *EscalationScheduler) escalateIfOverdue(ctx context.Context, request *ApprovalRequest, now time.Time) (bool, error) {
	step := request.CurrentStepConfig()
	if step == nil || step.EscalationHours == nil {
		return false, nil
	}

	enteredAt, err := s.stepEnteredAt(ctx, request)
	if err != nil {
		return false, err
	}
	deadline := enteredAt.Add(time.Duration(*step.EscalationHours) * time.Hour)
	if now.Before(deadline) {
		return false, nil
	}

	// 幂等保护：同一 (请求, 步骤) 只升级一次
	var count int64
	err = s.db.WithContext(ctx).
		Model(&ApprovalAction{}).
		Where("request_id = ? AND step_order = ? AND action = ?", request.ID, request.CurrentStep, ActionEscalated).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询升级记录失败: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 请求可能在扫描期间被推进或终结，这里以 CAS 复核
		result := tx.Model(&ApprovalRequest{}).
			Where("id = ? AND status = ? AND current_step = ?", request.ID, StatusPending, request.CurrentStep).
			Update("updated_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errRetryDecide
		}

		return tx.Create(&ApprovalAction{
			ID:         uuid.New().String(),
			RequestID:  request.ID,
			StepOrder:  request.CurrentStep,
			ApproverID: "system",
			Action:     ActionEscalated,
			Comments:   fmt.Sprintf("第 %d 步超过 %d 小时未处理，已升级至 %s", request.CurrentStep, *step.EscalationHours, step.EscalationTo),
			CreatedAt:  now,
		}).Error
	})
	if err != nil {
		if errors.Is(err, errRetryDecide) {
			return false, nil
		}
		return false, fmt.Errorf("记录升级动作失败: %w", err)
	}

	metrics.ApprovalEscalationsTotal.WithLabelValues(request.EntityType).Inc()
	if s.bus != nil {
		s.bus.Publish(RequestEvent{
			RequestID:   request.ID,
			EntityType:  request.EntityType,
			EntityID:    request.EntityID,
			Status:      request.Status,
			CurrentStep: request.CurrentStep,
			ActorID:     step.EscalationTo,
			Action:      ActionEscalated,
			OccurredAt:  now,
		})
	}
	s.logger.Warn("审批请求已超时升级",
		zap.String("requestId", request.ID),
		zap.Int("step", request.CurrentStep),
		zap.String("escalationTo", step.EscalationTo),
	)
	return true, nil
}

// stepEnteredAt 请求进入当前步骤的时刻
// 第 1 步取提交时间，其余取上一步最后一次批准的时间
func (s *EscalationScheduler) stepEnteredAt(ctx context.Context, request *ApprovalRequest) (time.Time, error) {
	if request.CurrentStep <= 1 {
		return request.SubmittedAt, nil
	}

	var action ApprovalAction
	err := s.db.WithContext(ctx).
		Where("request_id = ? AND step_order = ? AND action = ?", request.ID, request.CurrentStep-1, ActionApproved).
		Order("created_at DESC").
		First(&action).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return request.SubmittedAt, nil
		}
		return time.Time{}, fmt.Errorf("查询步骤进入时间失败: %w", err)
	}
	return action.CreatedAt, nil
}
