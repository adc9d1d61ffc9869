package tasks

// Task Types
const (
	TypeEscalationSweep = "approval:escalation_sweep"
	TypeNotifyDecision  = "approval:notify_decision"
)

// EscalationSweepPayload 升级扫描任务载荷
type EscalationSweepPayload struct {
	TriggeredBy string `json:"triggered_by"` // scheduler / manual
}

// NotifyDecisionPayload 审批结果通知任务载荷
type NotifyDecisionPayload struct {
	RequestID  string `json:"request_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Status     string `json:"status"`
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	Comments   string `json:"comments,omitempty"`
}
