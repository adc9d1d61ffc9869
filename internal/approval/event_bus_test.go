package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewRequestEventBus(nil)

	ch, cancel := bus.Subscribe("req-1")
	require.NotNil(t, ch)
	defer cancel()

	bus.Publish(RequestEvent{RequestID: "req-1", Status: StatusApproved, Action: ActionApproved})

	select {
	case evt := <-ch:
		require.Equal(t, StatusApproved, evt.Status)
		require.False(t, evt.OccurredAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("未收到事件")
	}

	// 其他请求的事件不会串台
	bus.Publish(RequestEvent{RequestID: "req-2", Status: StatusRejected})
	select {
	case evt := <-ch:
		t.Fatalf("收到了不相关的事件: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewRequestEventBus(&EventBusConfig{BufferSize: 1})

	ch, cancel := bus.Subscribe("req-1")
	defer cancel()

	// 缓冲满后继续发布不会阻塞，多余事件被丢弃
	bus.Publish(RequestEvent{RequestID: "req-1", CurrentStep: 1})
	bus.Publish(RequestEvent{RequestID: "req-1", CurrentStep: 2})
	bus.Publish(RequestEvent{RequestID: "req-1", CurrentStep: 3})

	evt := <-ch
	require.Equal(t, 1, evt.CurrentStep)
	select {
	case <-ch:
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBusCancelClosesChannel(t *testing.T) {
	bus := NewRequestEventBus(nil)

	ch, cancel := bus.Subscribe("req-1")
	cancel()

	_, open := <-ch
	require.False(t, open)

	// 取消后发布不会 panic
	bus.Publish(RequestEvent{RequestID: "req-1"})
}
