package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Notifier 通知发送抽象（邮件、站内信等由外围应用实现）
type Notifier interface {
	NotifyDecision(ctx context.Context, payload tasks.NotifyDecisionPayload) error
}

// LogNotifier 默认实现，只落日志
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) NotifyDecision(_ context.Context, payload tasks.NotifyDecisionPayload) error {
	n.Logger.Info("审批结果通知",
		zap.String("request_id", payload.RequestID),
		zap.String("entity_type", payload.EntityType),
		zap.String("entity_id", payload.EntityID),
		zap.String("status", payload.Status),
		zap.String("action", payload.Action),
	)
	return nil
}

type NotifyHandler struct {
	notifier Notifier
	logger   *zap.Logger
}

func NewNotifyHandler(notifier Notifier, logger *zap.Logger) *NotifyHandler {
	return &NotifyHandler{
		notifier: notifier,
		logger:   logger,
	}
}

func (h *NotifyHandler) HandleNotifyDecision(ctx context.Context, t *asynq.Task) error {
	var p tasks.NotifyDecisionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	if err := h.notifier.NotifyDecision(ctx, p); err != nil {
		h.logger.Error("发送审批通知失败",
			zap.String("request_id", p.RequestID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
