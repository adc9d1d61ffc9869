package handlers

import (
	"context"
	"fmt"
	"time"

	"backend/internal/worker/tasks"
	"backend/pkg/httputil"

	"go.uber.org/zap"
)

// WebhookNotifier 将审批结果 POST 到外部 Webhook
// 外围应用（站内信、邮件网关）订阅该回调完成实际触达
type WebhookNotifier struct {
	client *httputil.Client
	url    string
	logger *zap.Logger
}

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(url string, timeout time.Duration, retries int, logger *zap.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &WebhookNotifier{
		client: httputil.NewClient(
			httputil.WithTimeout(timeout),
			httputil.WithRetries(retries),
		),
		url:    url,
		logger: logger,
	}
}

func (n *WebhookNotifier) NotifyDecision(ctx context.Context, payload tasks.NotifyDecisionPayload) error {
	if err := n.client.PostJSON(ctx, n.url, payload, nil); err != nil {
		return fmt.Errorf("推送审批通知到 Webhook 失败: %w", err)
	}

	n.logger.Debug("审批通知已推送",
		zap.String("request_id", payload.RequestID),
		zap.String("action", payload.Action),
	)
	return nil
}
