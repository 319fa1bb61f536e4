// ABOUTME: Failure-strategy handling for exhausted task retries (§4.3)
// ABOUTME: Decides task-level retry, and workflow-level retry/compensate/recovery/fail

package failure

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/devit-tel/sagapm/pkg/types"
)

// Clock and IDGen are injected so tests can control time and identity
// generation; production wiring uses time.Now and uuid.NewString.
type Clock func() time.Time
type IDGen func() string

// Handler implements C5: retry/compensate/compensate-then-retry/recovery/fail.
type Handler struct {
	store types.Store
	clock Clock
	newID IDGen
}

// New creates a failure-strategy handler.
func New(store types.Store, clock Clock, newID IDGen) *Handler {
	return &Handler{store: store, clock: clock, newID: newID}
}

// RetryTask attempts task-level retry for a task that just terminated with
// Failed/AckTimeOut/Timeout. If def.Retry.Limit has not been reached it
// returns a fresh Scheduled TaskInstance (same taskReferenceName, replacing
// the prior one via reload) plus the Failed-then-Scheduled event pair
// (§4.3 first paragraph). ok is false once retries are exhausted — the
// caller must then fail the enclosing workflow.
func (h *Handler) RetryTask(ctx context.Context, def *types.TaskDefinition, failed *types.TaskInstance) (next *types.TaskInstance, events []types.DomainEvent, ok bool, err error) {
	if failed.Retries >= def.Retry.Limit {
		return nil, nil, false, nil
	}

	now := h.clock()
	next = &types.TaskInstance{
		ID:                h.newID(),
		WorkflowID:        failed.WorkflowID,
		TransactionID:     failed.TransactionID,
		Type:              failed.Type,
		TaskReferenceName: failed.TaskReferenceName,
		TaskName:          failed.TaskName,
		Status:            types.TaskScheduled,
		Input:             failed.Input,
		Retries:           failed.Retries + 1,
		IsRetried:         true,
		RetryDelay:        def.Retry.Delay(),
		StartTime:         now,
		ParentTaskID:       failed.ParentTaskID,
		SequenceIndex:      failed.SequenceIndex,
		LaneIndex:          failed.LaneIndex,
	}

	if err := h.store.TaskInstances().Reload(ctx, failed, next); err != nil {
		return nil, nil, false, fmt.Errorf("reload retried task: %w", err)
	}

	events = []types.DomainEvent{
		{Kind: types.EventTask, TransactionID: failed.TransactionID, WorkflowID: failed.WorkflowID, TaskID: failed.ID, TaskReference: failed.TaskReferenceName, ToStatus: string(failed.Status), Timestamp: now},
		{Kind: types.EventTask, TransactionID: next.TransactionID, WorkflowID: next.WorkflowID, TaskID: next.ID, TaskReference: next.TaskReferenceName, ToStatus: string(types.TaskScheduled), Timestamp: now},
	}
	return next, events, true, nil
}

// Outcome is what the caller (the engine) must do once a workflow-level
// failure strategy has been applied.
type Outcome struct {
	TransactionStatus types.TransactionStatus
	NewInstance       *types.WorkflowInstance // non-nil when a new instance was synthesized
	Events            []types.DomainEvent
}

// ApplyStrategy is invoked once a workflow instance has gone terminally
// Failed and its task-level retries are exhausted (§4.3 second paragraph
// onward).
func (h *Handler) ApplyStrategy(ctx context.Context, def *types.WorkflowDefinition, failedWI *types.WorkflowInstance, tx *types.Transaction) (*Outcome, error) {
	now := h.clock()

	switch def.FailureStrategy {
	case types.StrategyFailed:
		return &Outcome{TransactionStatus: types.TransactionFailed, Events: []types.DomainEvent{terminalEvent(tx.ID, failedWI.ID, types.WorkflowFailed, now)}}, nil

	case types.StrategyRetry:
		if failedWI.Retries < valueOrZero(def.Retry) {
			wi := h.synthesize(failedWI, *def, types.InstanceRetryWorkflow, failedWI.Input, failedWI.ParentTaskID)
			wi.Retries = failedWI.Retries + 1
			if err := h.store.WorkflowInstances().Create(ctx, wi); err != nil {
				return nil, err
			}
			return &Outcome{TransactionStatus: types.TransactionRunning, NewInstance: wi}, nil
		}
		return &Outcome{TransactionStatus: types.TransactionFailed, Events: []types.DomainEvent{terminalEvent(tx.ID, failedWI.ID, types.WorkflowFailed, now)}}, nil

	case types.StrategyCompensate:
		compDef, err := h.compensationDefinition(ctx, *def, failedWI)
		if err != nil {
			return nil, err
		}
		wi := h.synthesize(failedWI, compDef, types.InstanceCompensateWorkflow, failedWI.Input, failedWI.ParentTaskID)
		wi.OriginalDefinition = def
		if err := h.store.WorkflowInstances().Create(ctx, wi); err != nil {
			return nil, err
		}
		return &Outcome{TransactionStatus: types.TransactionRunning, NewInstance: wi}, nil

	case types.StrategyCompensateThenRetry:
		compDef, err := h.compensationDefinition(ctx, *def, failedWI)
		if err != nil {
			return nil, err
		}
		wi := h.synthesize(failedWI, compDef, types.InstanceCompensateThenRetryWorkflow, failedWI.Input, failedWI.ParentTaskID)
		wi.OriginalDefinition = def
		if err := h.store.WorkflowInstances().Create(ctx, wi); err != nil {
			return nil, err
		}
		return &Outcome{TransactionStatus: types.TransactionRunning, NewInstance: wi}, nil

	case types.StrategyRecoveryWorkflow:
		recDef, err := h.store.WorkflowDefinitions().Get(ctx, def.RecoveryWorkflow.Name, def.RecoveryWorkflow.Rev)
		if err != nil {
			return nil, fmt.Errorf("load recovery workflow: %w", err)
		}
		wi := h.synthesize(failedWI, *recDef, types.InstanceRecoveryWorkflow, failedWI.Input, failedWI.ParentTaskID)
		if err := h.store.WorkflowInstances().Create(ctx, wi); err != nil {
			return nil, err
		}
		return &Outcome{TransactionStatus: types.TransactionRunning, NewInstance: wi}, nil

	default:
		return nil, fmt.Errorf("unknown failure strategy %q", def.FailureStrategy)
	}
}

// CompensateThenRetryCompleted is called once a CompensateThenRetryWorkflow
// instance reaches Completed: the original definition is resubmitted fresh
// and the transaction returns to Running (§4.3 "CompensateThenRetry").
func (h *Handler) CompensateThenRetryCompleted(ctx context.Context, originalDef *types.WorkflowDefinition, compWI *types.WorkflowInstance) (*types.WorkflowInstance, error) {
	wi := h.synthesize(compWI, *originalDef, types.InstanceWorkflow, compWI.Input, compWI.ParentTaskID)
	if err := h.store.WorkflowInstances().Create(ctx, wi); err != nil {
		return nil, err
	}
	return wi, nil
}

func (h *Handler) synthesize(parent *types.WorkflowInstance, def types.WorkflowDefinition, kind types.WorkflowInstanceType, input map[string]any, parentTaskID string) *types.WorkflowInstance {
	return &types.WorkflowInstance{
		ID:            h.newID(),
		TransactionID: parent.TransactionID,
		Type:          kind,
		Status:        types.WorkflowRunning,
		Definition:    def,
		Input:         input,
		CreateTime:    h.clock(),
		ParentTaskID:  parentTaskID,
	}
}

// compensationDefinition walks the failed workflow instance's task
// instances in reverse start order (latest StartTime first), skipping Decision/Parallel
// container nodes but descending into their completed children (§4.3), and
// builds a definition whose tasks are Compensate nodes carrying the
// original task's output as input.
func (h *Handler) compensationDefinition(ctx context.Context, original types.WorkflowDefinition, wi *types.WorkflowInstance) (types.WorkflowDefinition, error) {
	instances, err := h.store.TaskInstances().ListByWorkflow(ctx, wi.ID)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}

	var completed []*types.TaskInstance
	for _, ti := range instances {
		if ti.Status == types.TaskCompleted && !ti.Type.IsSystemTask() {
			completed = append(completed, ti)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].StartTime.After(completed[j].StartTime)
	})

	tasks := make([]types.TaskNode, 0, len(completed))
	for _, ti := range completed {
		tasks = append(tasks, types.TaskNode{
			Kind:              types.TaskTypeCompensate,
			TaskReferenceName: "compensate-" + ti.TaskReferenceName,
			Name:              ti.TaskName,
			CompensateInput:   ti.Output,
		})
	}

	return types.WorkflowDefinition{
		Name:            "compensate-" + original.Name,
		Rev:             original.Rev,
		Tasks:           tasks,
		FailureStrategy: types.StrategyFailed,
	}, nil
}

func terminalEvent(transactionID, workflowID string, status types.WorkflowInstanceStatus, now time.Time) types.DomainEvent {
	return types.DomainEvent{Kind: types.EventWorkflow, TransactionID: transactionID, WorkflowID: workflowID, ToStatus: string(status), Timestamp: now}
}

func valueOrZero(r *types.Retry) int {
	if r == nil {
		return 0
	}
	return r.Limit
}
