package approval

import (
	"sync"
	"time"
)

// RequestEvent 描述审批请求的状态变化
// 外围应用（预算、合同等模块）订阅它来消费审批结果
type RequestEvent struct {
	RequestID   string
	EntityType  string
	EntityID    string
	Status      string
	CurrentStep int
	ActorID     string
	Action      string
	Comments    string
	OccurredAt  time.Time
}

// EventBusConfig 控制事件总线行为
type EventBusConfig struct {
	BufferSize int
}

// RequestEventBus 简单本地事件总线
type RequestEventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan RequestEvent
	seq    uint64
	buffer int
}

// NewRequestEventBus 创建事件总线
func NewRequestEventBus(cfg *EventBusConfig) *RequestEventBus {
	buffer := 1
	if cfg != nil && cfg.BufferSize > 0 {
		buffer = cfg.BufferSize
	}
	return &RequestEventBus{
		subs:   make(map[string]map[uint64]chan RequestEvent),
		buffer: buffer,
	}
}

// Publish 发布事件
func (b *RequestEventBus) Publish(evt RequestEvent) {
	if b == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	listeners := b.subs[evt.RequestID]
	b.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
			// 如果接收方处理慢则丢弃，保持非阻塞
		}
	}
}

// Subscribe 订阅指定请求的事件
func (b *RequestEventBus) Subscribe(requestID string) (<-chan RequestEvent, func()) {
	if b == nil {
		return nil, nil
	}
	ch := make(chan RequestEvent, b.buffer)
	b.mu.Lock()
	b.seq++
	id := b.seq
	if _, ok := b.subs[requestID]; !ok {
		b.subs[requestID] = make(map[uint64]chan RequestEvent)
	}
	b.subs[requestID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.removeListener(requestID, id)
	}
	return ch, cancel
}

func (b *RequestEventBus) removeListener(requestID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if listeners, ok := b.subs[requestID]; ok {
		if ch, exists := listeners[id]; exists {
			delete(listeners, id)
			close(ch)
		}
		if len(listeners) == 0 {
			delete(b.subs, requestID)
		}
	}
}
