// ABOUTME: Tests for the Redis-backed store against an in-process miniredis instance
// ABOUTME: Exercises the same Create/Get/Update/Reload contract the memory store's tests cover

package rdb

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/devit-tel/sagapm/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestTransactionStore_CreateGetUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := &types.Transaction{ID: "tx1", Status: types.TransactionRunning, Input: map[string]any{"orderId": "o1"}}
	if err := s.Transactions().Create(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Transactions().Create(ctx, tx); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	got, err := s.Transactions().Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.TransactionRunning {
		t.Fatalf("expected Running, got %s", got.Status)
	}

	got.Status = types.TransactionCompleted
	if err := s.Transactions().Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	reloaded, err := s.Transactions().Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if reloaded.Status != types.TransactionCompleted {
		t.Fatalf("expected Completed after update, got %s", reloaded.Status)
	}
}

func TestTransactionStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Transactions().Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestTaskInstanceStore_Reload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := &types.TaskInstance{ID: "t1", WorkflowID: "w1", TransactionID: "tx1", TaskReferenceName: "reserve", Status: types.TaskScheduled}
	if err := s.TaskInstances().Create(ctx, t1); err != nil {
		t.Fatalf("create t1: %v", err)
	}

	next := &types.TaskInstance{ID: "t3", WorkflowID: "w1", TransactionID: "tx1", TaskReferenceName: "reserve", Status: types.TaskScheduled, Retries: 1}
	if err := s.TaskInstances().Reload(ctx, t1, next); err != nil {
		t.Fatalf("reload: %v", err)
	}

	instances, err := s.TaskInstances().ListByWorkflow(ctx, "w1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(instances) != 1 || instances[0].ID != "t3" {
		t.Fatalf("expected exactly t3 live after reload, got %+v", instances)
	}
}

func TestWorkflowDefinitionStore_CreateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &types.WorkflowDefinition{Name: "order", Rev: "1.0.0", FailureStrategy: types.StrategyFailed}
	if err := s.WorkflowDefinitions().Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.WorkflowDefinitions().Get(ctx, "order", "1.0.0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FailureStrategy != types.StrategyFailed {
		t.Fatalf("unexpected definition: %+v", got)
	}
}
