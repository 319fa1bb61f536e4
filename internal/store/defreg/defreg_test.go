// ABOUTME: Tests for the filesystem-backed definition registry against an in-memory afero.Fs

package defreg

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"github.com/devit-tel/sagapm/pkg/types"
)

func TestWorkflowDefinitionStore_CreateGetRoundTrip(t *testing.T) {
	s := New(afero.NewMemMapFs())
	ctx := context.Background()

	def := &types.WorkflowDefinition{Name: "order", Rev: "1.0.0", FailureStrategy: types.StrategyCompensate}
	if err := s.WorkflowDefinitions().Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.WorkflowDefinitions().Get(ctx, "order", "1.0.0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FailureStrategy != types.StrategyCompensate {
		t.Fatalf("unexpected definition: %+v", got)
	}
}

func TestWorkflowDefinitionStore_CreateRejectsDuplicate(t *testing.T) {
	s := New(afero.NewMemMapFs())
	ctx := context.Background()

	def := &types.WorkflowDefinition{Name: "order", Rev: "1.0.0"}
	if err := s.WorkflowDefinitions().Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.WorkflowDefinitions().Create(ctx, def); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}

func TestWorkflowDefinitionStore_GetMissing(t *testing.T) {
	s := New(afero.NewMemMapFs())
	if _, err := s.WorkflowDefinitions().Get(context.Background(), "order", "9.9.9"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestWorkflowDefinitionStore_GetServesFromCacheAfterCreate(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs)
	ctx := context.Background()

	def := &types.WorkflowDefinition{Name: "order", Rev: "1.0.0", FailureStrategy: types.StrategyRetry}
	if err := s.WorkflowDefinitions().Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Remove the backing file; Get must still succeed from the sync.Map cache.
	if err := fs.Remove(workflowPath("order", "1.0.0")); err != nil {
		t.Fatalf("remove backing file: %v", err)
	}

	got, err := s.WorkflowDefinitions().Get(ctx, "order", "1.0.0")
	if err != nil {
		t.Fatalf("get after file removal: %v", err)
	}
	if got.FailureStrategy != types.StrategyRetry {
		t.Fatalf("unexpected cached definition: %+v", got)
	}
}

func TestTaskDefinitionStore_CreateGetRoundTrip(t *testing.T) {
	s := New(afero.NewMemMapFs())
	ctx := context.Background()

	def := &types.TaskDefinition{Name: "charge-card", Retry: types.Retry{Limit: 3}}
	if err := s.TaskDefinitions().Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.TaskDefinitions().Get(ctx, "charge-card")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Retry.Limit != 3 {
		t.Fatalf("unexpected definition: %+v", got)
	}
}

func TestTaskDefinitionStore_GetMissing(t *testing.T) {
	s := New(afero.NewMemMapFs())
	if _, err := s.TaskDefinitions().Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}
