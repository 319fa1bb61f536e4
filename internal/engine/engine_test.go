// ABOUTME: End-to-end tests for the state engine against the in-memory store
// ABOUTME: Covers the linear happy path, retry, compensate, parallel, and decision scenarios

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/devit-tel/sagapm/internal/failure"
	"github.com/devit-tel/sagapm/internal/store/memory"
	"github.com/devit-tel/sagapm/pkg/types"
)

type fakeBus struct {
	dispatches []types.Dispatch
	events     []types.DomainEvent
	timers     []types.Timer
}

func (b *fakeBus) Dispatch(_ context.Context, d types.Dispatch) error {
	b.dispatches = append(b.dispatches, d)
	return nil
}
func (b *fakeBus) SendEvent(_ context.Context, e types.DomainEvent) error {
	b.events = append(b.events, e)
	return nil
}
func (b *fakeBus) SendTimer(_ context.Context, t types.Timer) error {
	b.timers = append(b.timers, t)
	return nil
}

func (b *fakeBus) last() types.Dispatch { return b.dispatches[len(b.dispatches)-1] }

func sequentialIDs(prefix string) IDGen {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func fixedClock(t time.Time) Clock { return func() time.Time { return t } }

func newHarness(t *testing.T) (*Engine, *memory.Store, *fakeBus) {
	t.Helper()
	s := memory.New()
	bus := &fakeBus{}
	fh := failure.New(s, fixedClock(time.Now()), sequentialIDs("f"))
	eng := New(s, bus, fh, fixedClock(time.Now()), sequentialIDs("w"))
	return eng, s, bus
}

func update(transactionID, taskID string, status types.TaskStatus, output map[string]any) types.TaskStatusUpdate {
	return types.TaskStatusUpdate{TransactionID: transactionID, TaskID: taskID, Status: status, Output: output}
}

func TestLinearHappyPath(t *testing.T) {
	eng, s, bus := newHarness(t)
	ctx := context.Background()

	s.TaskDefinitions().Create(ctx, &types.TaskDefinition{Name: "reserve-stock", Retry: types.Retry{Limit: 1}})
	s.TaskDefinitions().Create(ctx, &types.TaskDefinition{Name: "charge-card", Retry: types.Retry{Limit: 1}})

	def := &types.WorkflowDefinition{
		Name: "order", Rev: "1.0.0", FailureStrategy: types.StrategyFailed,
		Tasks: []types.TaskNode{
			{Kind: types.TaskTypeTask, TaskReferenceName: "reserve", Name: "reserve-stock"},
			{Kind: types.TaskTypeTask, TaskReferenceName: "charge", Name: "charge-card"},
		},
	}

	if _, err := eng.StartTransaction(ctx, "tx1", def, map[string]any{"orderId": "o1"}); err != nil {
		t.Fatalf("start transaction: %v", err)
	}
	if len(bus.dispatches) != 1 || bus.last().TaskReferenceName != "reserve" {
		t.Fatalf("expected reserve dispatched first, got %+v", bus.dispatches)
	}

	firstTask := bus.last().TaskID
	eng.Apply(ctx, []types.TaskStatusUpdate{update("tx1", firstTask, types.TaskCompleted, map[string]any{"count": 3})})
	if len(bus.dispatches) != 2 || bus.last().TaskReferenceName != "charge" {
		t.Fatalf("expected charge dispatched second, got %+v", bus.dispatches)
	}

	secondTask := bus.last().TaskID
	eng.Apply(ctx, []types.TaskStatusUpdate{update("tx1", secondTask, types.TaskCompleted, map[string]any{"chargeId": "c1"})})

	tx, err := s.Transactions().Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if tx.Status != types.TransactionCompleted {
		t.Fatalf("expected transaction completed, got %s", tx.Status)
	}
}

func TestRetryExhaustedFailsTransaction(t *testing.T) {
	eng, s, bus := newHarness(t)
	ctx := context.Background()

	s.TaskDefinitions().Create(ctx, &types.TaskDefinition{Name: "reserve-stock", Retry: types.Retry{Limit: 1}})

	def := &types.WorkflowDefinition{
		Name: "order", Rev: "1.0.0", FailureStrategy: types.StrategyFailed,
		Tasks: []types.TaskNode{{Kind: types.TaskTypeTask, TaskReferenceName: "reserve", Name: "reserve-stock"}},
	}

	if _, err := eng.StartTransaction(ctx, "tx1", def, map[string]any{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := bus.last().TaskID
	eng.Apply(ctx, []types.TaskStatusUpdate{update("tx1", first, types.TaskFailed, nil)})
	if len(bus.dispatches) != 2 {
		t.Fatalf("expected one retry dispatch, got %+v", bus.dispatches)
	}

	second := bus.last().TaskID
	eng.Apply(ctx, []types.TaskStatusUpdate{update("tx1", second, types.TaskFailed, nil)})

	tx, err := s.Transactions().Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if tx.Status != types.TransactionFailed {
		t.Fatalf("expected transaction failed after exhausting retries, got %s", tx.Status)
	}
}

func TestCompensateStrategyUndoesCompletedTasks(t *testing.T) {
	eng, s, bus := newHarness(t)
	ctx := context.Background()

	s.TaskDefinitions().Create(ctx, &types.TaskDefinition{Name: "reserve-stock", Retry: types.Retry{Limit: 0}})
	s.TaskDefinitions().Create(ctx, &types.TaskDefinition{Name: "charge-card", Retry: types.Retry{Limit: 0}})

	def := &types.WorkflowDefinition{
		Name: "order", Rev: "1.0.0", FailureStrategy: types.StrategyCompensate,
		Tasks: []types.TaskNode{
			{Kind: types.TaskTypeTask, TaskReferenceName: "reserve", Name: "reserve-stock"},
			{Kind: types.TaskTypeTask, TaskReferenceName: "charge", Name: "charge-card"},
		},
	}

	if _, err := eng.StartTransaction(ctx, "tx1", def, map[string]any{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	reserveID := bus.last().TaskID
	eng.Apply(ctx, []types.TaskStatusUpdate{update("tx1", reserveID, types.TaskCompleted, map[string]any{"count": 3})})

	chargeID := bus.last().TaskID
	eng.Apply(ctx, []types.TaskStatusUpdate{update("tx1", chargeID, types.TaskFailed, nil)})

	if len(bus.dispatches) != 3 {
		t.Fatalf("expected one compensate dispatch after charge failed, got %+v", bus.dispatches)
	}
	compDispatch := bus.last()
	if compDispatch.TaskReferenceName != "compensate-reserve" {
		t.Fatalf("expected compensate-reserve dispatched (charge never completed), got %s", compDispatch.TaskReferenceName)
	}

	tx, err := s.Transactions().Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if tx.Status != types.TransactionRunning {
		t.Fatalf("expected transaction still running during compensation, got %s", tx.Status)
	}

	eng.Apply(ctx, []types.TaskStatusUpdate{update("tx1", compDispatch.TaskID, types.TaskCompleted, nil)})

	tx, err = s.Transactions().Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if tx.Status != types.TransactionCompensated {
		t.Fatalf("expected transaction compensated, got %s", tx.Status)
	}
}

func TestParallelZeroLaneCompletesImmediately(t *testing.T) {
	eng, s, bus := newHarness(t)
	ctx := context.Background()

	s.TaskDefinitions().Create(ctx, &types.TaskDefinition{Name: "notify", Retry: types.Retry{Limit: 0}})

	def := &types.WorkflowDefinition{
		Name: "order", Rev: "1.0.0", FailureStrategy: types.StrategyFailed,
		Tasks: []types.TaskNode{
			{Kind: types.TaskTypeParallel, TaskReferenceName: "noop-fanout", Lanes: [][]types.TaskNode{}},
			{Kind: types.TaskTypeTask, TaskReferenceName: "notify", Name: "notify"},
		},
	}

	if _, err := eng.StartTransaction(ctx, "tx1", def, map[string]any{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(bus.dispatches) != 1 || bus.last().TaskReferenceName != "notify" {
		t.Fatalf("expected zero-lane parallel to fall through straight to notify, got %+v", bus.dispatches)
	}
}

func TestDecisionFallsBackToDefault(t *testing.T) {
	eng, s, bus := newHarness(t)
	ctx := context.Background()

	s.TaskDefinitions().Create(ctx, &types.TaskDefinition{Name: "ship-standard", Retry: types.Retry{Limit: 0}})

	def := &types.WorkflowDefinition{
		Name: "order", Rev: "1.0.0", FailureStrategy: types.StrategyFailed,
		Tasks: []types.TaskNode{
			{
				Kind: types.TaskTypeDecision, TaskReferenceName: "ship-method",
				DecisionExpr:    "${workflow.input.method}",
				Decisions:       map[string][]types.TaskNode{"express": {{Kind: types.TaskTypeTask, TaskReferenceName: "ship-express", Name: "ship-express"}}},
				DefaultDecision: []types.TaskNode{{Kind: types.TaskTypeTask, TaskReferenceName: "ship-standard", Name: "ship-standard"}},
			},
		},
	}

	if _, err := eng.StartTransaction(ctx, "tx1", def, map[string]any{"method": "ground"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(bus.dispatches) != 1 || bus.last().TaskReferenceName != "ship-standard" {
		t.Fatalf("expected default decision branch dispatched, got %+v", bus.dispatches)
	}
}
