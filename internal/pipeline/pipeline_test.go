// ABOUTME: Integration test driving the linear happy-path scenario through the partitioned pipeline
// ABOUTME: Also covers grouping of several transactions in one batch and bounded outbound-publish retry

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devit-tel/sagapm/internal/engine"
	"github.com/devit-tel/sagapm/internal/failure"
	"github.com/devit-tel/sagapm/internal/store/memory"
	"github.com/devit-tel/sagapm/pkg/types"
)

type fakeBus struct {
	mu         sync.Mutex
	dispatches []types.Dispatch
	events     []types.DomainEvent
	failUntil  int // SendEvent fails this many times before succeeding
}

func (b *fakeBus) Dispatch(_ context.Context, d types.Dispatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatches = append(b.dispatches, d)
	return nil
}

func (b *fakeBus) SendEvent(_ context.Context, e types.DomainEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failUntil > 0 {
		b.failUntil--
		return errors.New("simulated bus outage")
	}
	b.events = append(b.events, e)
	return nil
}

func (b *fakeBus) SendTimer(_ context.Context, _ types.Timer) error { return nil }

func (b *fakeBus) lastDispatch() types.Dispatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatches[len(b.dispatches)-1]
}

func sequentialIDs(prefix string) engine.IDGen {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func fixedClock(t time.Time) engine.Clock { return func() time.Time { return t } }

func TestProcessBatch_LinearHappyPathThroughPipeline(t *testing.T) {
	s := memory.New()
	bus := &fakeBus{}
	fh := failure.New(s, fixedClock(time.Now()), sequentialIDs("f"))
	eng := engine.New(s, bus, fh, fixedClock(time.Now()), sequentialIDs("w"))
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

	p := New(eng, bus, nil, &Config{MaxConcurrency: 4})

	reserveID := bus.lastDispatch().TaskID
	if err := p.ProcessBatch(ctx, []types.TaskStatusUpdate{
		{TransactionID: "tx1", TaskID: reserveID, Status: types.TaskCompleted, Output: map[string]any{"count": 3}},
	}); err != nil {
		t.Fatalf("process reserve completion: %v", err)
	}
	if bus.lastDispatch().TaskReferenceName != "charge" {
		t.Fatalf("expected charge dispatched next, got %+v", bus.dispatches)
	}

	chargeID := bus.lastDispatch().TaskID
	if err := p.ProcessBatch(ctx, []types.TaskStatusUpdate{
		{TransactionID: "tx1", TaskID: chargeID, Status: types.TaskCompleted, Output: map[string]any{"chargeId": "c1"}},
	}); err != nil {
		t.Fatalf("process charge completion: %v", err)
	}

	tx, err := s.Transactions().Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if tx.Status != types.TransactionCompleted {
		t.Fatalf("expected transaction completed, got %s", tx.Status)
	}
	if len(bus.events) == 0 {
		t.Fatal("expected outbound events to have been published")
	}
}

func TestProcessBatch_GroupsMultipleTransactionsIndependently(t *testing.T) {
	s := memory.New()
	bus := &fakeBus{}
	fh := failure.New(s, fixedClock(time.Now()), sequentialIDs("f"))
	eng := engine.New(s, bus, fh, fixedClock(time.Now()), sequentialIDs("w"))
	ctx := context.Background()

	s.TaskDefinitions().Create(ctx, &types.TaskDefinition{Name: "noop", Retry: types.Retry{Limit: 0}})
	def := &types.WorkflowDefinition{
		Name: "single", Rev: "1.0.0", FailureStrategy: types.StrategyFailed,
		Tasks: []types.TaskNode{{Kind: types.TaskTypeTask, TaskReferenceName: "only", Name: "noop"}},
	}

	for _, txID := range []string{"tx-a", "tx-b", "tx-c"} {
		if _, err := eng.StartTransaction(ctx, txID, def, map[string]any{}); err != nil {
			t.Fatalf("start %s: %v", txID, err)
		}
	}

	var updates []types.TaskStatusUpdate
	for _, d := range bus.dispatches {
		updates = append(updates, types.TaskStatusUpdate{TransactionID: d.TransactionID, TaskID: d.TaskID, Status: types.TaskCompleted})
	}

	p := New(eng, bus, nil, &Config{MaxConcurrency: 8})
	if err := p.ProcessBatch(ctx, updates); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	for _, txID := range []string{"tx-a", "tx-b", "tx-c"} {
		tx, err := s.Transactions().Get(ctx, txID)
		if err != nil {
			t.Fatalf("get %s: %v", txID, err)
		}
		if tx.Status != types.TransactionCompleted {
			t.Fatalf("expected %s completed, got %s", txID, tx.Status)
		}
	}
}

func TestProcessBatch_RetriesOutboundPublishThenSucceeds(t *testing.T) {
	s := memory.New()
	bus := &fakeBus{failUntil: 2}
	fh := failure.New(s, fixedClock(time.Now()), sequentialIDs("f"))
	eng := engine.New(s, bus, fh, fixedClock(time.Now()), sequentialIDs("w"))
	ctx := context.Background()

	s.TaskDefinitions().Create(ctx, &types.TaskDefinition{Name: "noop", Retry: types.Retry{Limit: 0}})
	def := &types.WorkflowDefinition{
		Name: "single", Rev: "1.0.0", FailureStrategy: types.StrategyFailed,
		Tasks: []types.TaskNode{{Kind: types.TaskTypeTask, TaskReferenceName: "only", Name: "noop"}},
	}
	if _, err := eng.StartTransaction(ctx, "tx1", def, map[string]any{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	p := New(eng, bus, nil, &Config{MaxConcurrency: 1, PublishRetries: 5, PublishBackoff: time.Millisecond})
	taskID := bus.lastDispatch().TaskID
	if err := p.ProcessBatch(ctx, []types.TaskStatusUpdate{
		{TransactionID: "tx1", TaskID: taskID, Status: types.TaskCompleted},
	}); err != nil {
		t.Fatalf("expected eventual publish success, got: %v", err)
	}
}

func TestProcessBatch_ExhaustsRetriesAndReturnsError(t *testing.T) {
	s := memory.New()
	bus := &fakeBus{failUntil: 100}
	fh := failure.New(s, fixedClock(time.Now()), sequentialIDs("f"))
	eng := engine.New(s, bus, fh, fixedClock(time.Now()), sequentialIDs("w"))
	ctx := context.Background()

	s.TaskDefinitions().Create(ctx, &types.TaskDefinition{Name: "noop", Retry: types.Retry{Limit: 0}})
	def := &types.WorkflowDefinition{
		Name: "single", Rev: "1.0.0", FailureStrategy: types.StrategyFailed,
		Tasks: []types.TaskNode{{Kind: types.TaskTypeTask, TaskReferenceName: "only", Name: "noop"}},
	}
	if _, err := eng.StartTransaction(ctx, "tx1", def, map[string]any{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	p := New(eng, bus, nil, &Config{MaxConcurrency: 1, PublishRetries: 2, PublishBackoff: time.Millisecond})
	taskID := bus.lastDispatch().TaskID
	err := p.ProcessBatch(ctx, []types.TaskStatusUpdate{
		{TransactionID: "tx1", TaskID: taskID, Status: types.TaskCompleted},
	})
	if err == nil {
		t.Fatal("expected error after exhausting publish retries")
	}
	if !errors.Is(err, types.ErrBusUnavailable) {
		t.Fatalf("expected ErrBusUnavailable, got %v", err)
	}
}
