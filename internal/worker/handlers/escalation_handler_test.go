package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap/zaptest"
)

type fakeSweeper struct {
	called    bool
	escalated int
	retErr    error
}

func (f *fakeSweeper) Sweep(ctx context.Context) (int, error) {
	f.called = true
	return f.escalated, f.retErr
}

func TestEscalationHandlerHandleEscalationSweep_Success(t *testing.T) {
	sweeper := &fakeSweeper{escalated: 3}
	h := NewEscalationHandler(sweeper, zaptest.NewLogger(t))
	ctx := context.Background()
	payload, _ := json.Marshal(tasks.EscalationSweepPayload{TriggeredBy: "scheduler"})
	task := asynq.NewTask(tasks.TypeEscalationSweep, payload)
	if err := h.HandleEscalationSweep(ctx, task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !sweeper.called {
		t.Fatalf("sweeper not invoked")
	}
}

func TestEscalationHandlerHandleEscalationSweep_SweepError(t *testing.T) {
	expectedErr := errors.New("boom")
	sweeper := &fakeSweeper{retErr: expectedErr}
	h := NewEscalationHandler(sweeper, zaptest.NewLogger(t))
	ctx := context.Background()
	payload, _ := json.Marshal(tasks.EscalationSweepPayload{TriggeredBy: "manual"})
	task := asynq.NewTask(tasks.TypeEscalationSweep, payload)
	if err := h.HandleEscalationSweep(ctx, task); !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}

func TestEscalationHandlerHandleEscalationSweep_InvalidPayload(t *testing.T) {
	sweeper := &fakeSweeper{}
	h := NewEscalationHandler(sweeper, zaptest.NewLogger(t))
	ctx := context.Background()
	task := asynq.NewTask(tasks.TypeEscalationSweep, []byte("not-json"))
	if err := h.HandleEscalationSweep(ctx, task); err == nil {
		t.Fatalf("expected error for invalid payload")
	}
	if sweeper.called {
		t.Fatalf("sweeper should not be called when payload invalid")
	}
}

type fakeNotifier struct {
	called  bool
	payload tasks.NotifyDecisionPayload
	retErr  error
}

func (f *fakeNotifier) NotifyDecision(ctx context.Context, payload tasks.NotifyDecisionPayload) error {
	f.called = true
	f.payload = payload
	return f.retErr
}

func TestNotifyHandlerHandleNotifyDecision_Success(t *testing.T) {
	notifier := &fakeNotifier{}
	h := NewNotifyHandler(notifier, zaptest.NewLogger(t))
	ctx := context.Background()
	payload, _ := json.Marshal(tasks.NotifyDecisionPayload{
		RequestID:  "req-1",
		EntityType: "grant_application",
		EntityID:   "grant-9",
		Status:     "approved",
		ActorID:    "alice",
		Action:     "approved",
	})
	task := asynq.NewTask(tasks.TypeNotifyDecision, payload)
	if err := h.HandleNotifyDecision(ctx, task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !notifier.called || notifier.payload.RequestID != "req-1" {
		t.Fatalf("notifier not invoked correctly: called=%v id=%s", notifier.called, notifier.payload.RequestID)
	}
}

func TestNotifyHandlerHandleNotifyDecision_NotifyError(t *testing.T) {
	expectedErr := errors.New("smtp down")
	notifier := &fakeNotifier{retErr: expectedErr}
	h := NewNotifyHandler(notifier, zaptest.NewLogger(t))
	ctx := context.Background()
	payload, _ := json.Marshal(tasks.NotifyDecisionPayload{RequestID: "req-2"})
	task := asynq.NewTask(tasks.TypeNotifyDecision, payload)
	if err := h.HandleNotifyDecision(ctx, task); !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}
