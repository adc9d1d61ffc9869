package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Sweeper 升级扫描器抽象，便于注入 mock
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type EscalationHandler struct {
	sweeper Sweeper
	logger  *zap.Logger
}

func NewEscalationHandler(sweeper Sweeper, logger *zap.Logger) *EscalationHandler {
	return &EscalationHandler{
		sweeper: sweeper,
		logger:  logger,
	}
}

func (h *EscalationHandler) HandleEscalationSweep(ctx context.Context, t *asynq.Task) error {
	var p tasks.EscalationSweepPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	escalated, err := h.sweeper.Sweep(ctx)
	if err != nil {
		h.logger.Error("升级扫描任务失败",
			zap.String("triggered_by", p.TriggeredBy),
			zap.Error(err),
		)
		return err
	}

	h.logger.Info("升级扫描任务完成",
		zap.String("triggered_by", p.TriggeredBy),
		zap.Int("escalated", escalated),
	)
	return nil
}
