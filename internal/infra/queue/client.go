package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueEscalationSweep(triggeredBy string) error
	EnqueueDecisionNotification(payload tasks.NotifyDecisionPayload) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &asynqClient{client: client}
}

func (c *asynqClient) EnqueueEscalationSweep(triggeredBy string) error {
	payload, err := json.Marshal(tasks.EscalationSweepPayload{TriggeredBy: triggeredBy})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeEscalationSweep, payload)

	// 扫描本身幂等，重复入队无害；超时覆盖最大批次
	info, err := c.client.Enqueue(task,
		asynq.MaxRetry(2),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("escalation"),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}

	_ = info
	return nil
}

func (c *asynqClient) EnqueueDecisionNotification(payload tasks.NotifyDecisionPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeNotifyDecision, data)

	info, err := c.client.Enqueue(task,
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Queue("notify"),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}

	_ = info
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
