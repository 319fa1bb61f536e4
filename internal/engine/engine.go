// ABOUTME: State engine: applies task status updates and advances workflow instances (§4.2)
// ABOUTME: The single synchronous choke point per transaction; callers guarantee one goroutine per transactionId

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/devit-tel/sagapm/internal/failure"
	"github.com/devit-tel/sagapm/internal/refs"
	"github.com/devit-tel/sagapm/internal/traversal"
	"github.com/devit-tel/sagapm/pkg/types"
)

// Clock and IDGen mirror the injection points used by internal/failure, so
// engine and failure-handler tests share one notion of "now" and identity.
type Clock func() time.Time
type IDGen func() string

// Recorder receives instrumentation events as the engine runs. It is
// satisfied by *metrics.Metrics; kept as a small local interface so this
// package doesn't need a hard dependency on the Prometheus client.
type Recorder interface {
	ObserveDispatch(taskName string)
	ObserveTaskFailure(reason string)
	ObserveWorkflowDuration(seconds float64)
}

// Engine is C4. It is constructed once per worker process and is safe to
// call concurrently across distinct transactionIds; callers (C6) must not
// call Apply concurrently for the same transactionId.
type Engine struct {
	store    types.Store
	bus      types.Bus
	failure  *failure.Handler
	clock    Clock
	newID    IDGen
	recorder Recorder
}

// New wires a state engine against a store, bus, and failure handler.
func New(store types.Store, bus types.Bus, fh *failure.Handler, clock Clock, newID IDGen) *Engine {
	return &Engine{store: store, bus: bus, failure: fh, clock: clock, newID: newID}
}

// SetRecorder attaches metrics instrumentation. Safe to leave unset; every
// call site checks for nil before recording.
func (e *Engine) SetRecorder(r Recorder) { e.recorder = r }

// Apply processes a batch of updates for one transaction, in order, and
// returns every domain event produced (§4.2). A failure on one update never
// aborts the rest of the batch — each update either advances state or
// produces an error event, per §7's "drop and continue" propagation rule.
func (e *Engine) Apply(ctx context.Context, updates []types.TaskStatusUpdate) []types.DomainEvent {
	var events []types.DomainEvent
	for _, u := range updates {
		events = append(events, e.applyOne(ctx, u)...)
	}
	return events
}

// ResumeTimer handles a fired Bus.SendTimer timer (§4.6, §4.7): a retry
// delay's deferred redispatch, a Schedule node's completion, or an
// AckTimeOut/Timeout watchdog. Every branch first reloads the task instance
// and checks it is still in the state the timer is watching, since the real
// outcome may already have landed before the delay elapsed; a stale timer
// is then dropped rather than applied (no additional grace period, per §9).
func (e *Engine) ResumeTimer(ctx context.Context, t types.Timer) ([]types.DomainEvent, error) {
	switch t.Kind {
	case types.TimerRetryDelay:
		return e.resumeRetryDelay(ctx, t)
	case types.TimerSchedule:
		return e.resumeSchedule(ctx, t)
	case types.TimerAckTimeout:
		return e.resumeWatchdog(ctx, t, types.TaskScheduled, types.TaskAckTimeOut)
	case types.TimerTimeout:
		return e.resumeWatchdog(ctx, t, types.TaskInprogress, types.TaskTimeout)
	default:
		return nil, fmt.Errorf("cannot resume timer kind %q", t.Kind)
	}
}

func (e *Engine) resumeRetryDelay(ctx context.Context, t types.Timer) ([]types.DomainEvent, error) {
	ti, err := e.store.TaskInstances().Get(ctx, t.TaskID)
	if err != nil {
		return nil, err
	}
	if ti.Status != types.TaskScheduled {
		return nil, nil
	}
	def, err := e.store.TaskDefinitions().Get(ctx, ti.TaskName)
	if err != nil {
		return nil, err
	}
	if err := e.bus.Dispatch(ctx, types.Dispatch{
		TransactionID: ti.TransactionID, WorkflowID: ti.WorkflowID, TaskID: ti.ID,
		TaskName: ti.TaskName, TaskReferenceName: ti.TaskReferenceName, Input: ti.Input,
		AckTimeout: def.AckTimeout(), Timeout: def.Timeout(),
	}); err != nil {
		return nil, err
	}
	if d := def.AckTimeout(); d > 0 {
		if err := e.bus.SendTimer(ctx, types.Timer{Kind: types.TimerAckTimeout, TransactionID: ti.TransactionID, TaskID: ti.ID, Delay: d}); err != nil {
			return nil, err
		}
	}
	if e.recorder != nil {
		e.recorder.ObserveDispatch(ti.TaskName)
	}
	return nil, nil
}

func (e *Engine) resumeSchedule(ctx context.Context, t types.Timer) ([]types.DomainEvent, error) {
	ti, err := e.store.TaskInstances().Get(ctx, t.TaskID)
	if err != nil {
		return nil, err
	}
	if ti.Status != types.TaskScheduled {
		return nil, nil
	}
	now := e.clock()
	ti.Status = types.TaskCompleted
	ti.EndTime = &now
	if err := e.store.TaskInstances().Update(ctx, ti); err != nil {
		return nil, err
	}
	events := []types.DomainEvent{taskEvent(ti, now)}

	wi, err := e.store.WorkflowInstances().Get(ctx, ti.WorkflowID)
	if err != nil {
		return events, err
	}
	tx, err := e.store.Transactions().Get(ctx, ti.TransactionID)
	if err != nil {
		return events, err
	}
	more, err := e.advance(ctx, wi, tx, ti)
	return append(events, more...), err
}

// resumeWatchdog applies an AckTimeOut/Timeout transition if, and only if,
// the task is still in the status the timer was watching (from). A task
// that already left that status before the timer fired has already
// resolved some other way, and the timer is simply dropped.
func (e *Engine) resumeWatchdog(ctx context.Context, t types.Timer, from types.TaskStatus, to types.TaskStatus) ([]types.DomainEvent, error) {
	ti, err := e.store.TaskInstances().Get(ctx, t.TaskID)
	if err != nil {
		return nil, err
	}
	if ti.Status != from {
		return nil, nil
	}
	return e.applyOne(ctx, types.TaskStatusUpdate{
		TransactionID: ti.TransactionID, TaskID: ti.ID, Status: to, IsSystem: true,
	}), nil
}

// StartTransaction creates a Transaction and its root WorkflowInstance and
// schedules the first runnable task (§3 Lifecycle, §4.2).
func (e *Engine) StartTransaction(ctx context.Context, transactionID string, def *types.WorkflowDefinition, input map[string]any) ([]types.DomainEvent, error) {
	now := e.clock()
	wi := &types.WorkflowInstance{
		ID:         e.newID(),
		Type:       types.InstanceWorkflow,
		Status:     types.WorkflowRunning,
		Definition: *def,
		Input:      input,
		CreateTime: now,
	}
	wi.TransactionID = transactionID

	tx := &types.Transaction{
		ID:         transactionID,
		Status:     types.TransactionRunning,
		Input:      input,
		CreateTime: now,
		WorkflowID: wi.ID,
	}
	if err := e.store.Transactions().Create(ctx, tx); err != nil {
		return nil, err
	}
	if err := e.store.WorkflowInstances().Create(ctx, wi); err != nil {
		return nil, err
	}

	events := []types.DomainEvent{transactionEvent(tx, now), workflowEvent(wi, now)}
	more, err := e.enterWorkflow(ctx, wi, tx)
	return append(events, more...), err
}

func (e *Engine) applyOne(ctx context.Context, u types.TaskStatusUpdate) []types.DomainEvent {
	now := e.clock()

	ti, err := e.store.TaskInstances().Get(ctx, u.TaskID)
	if err != nil {
		return []types.DomainEvent{errorEvent(types.EventTask, u.TransactionID, "", u.TaskID, err, now)}
	}
	if ti.TransactionID != u.TransactionID {
		return []types.DomainEvent{errorEvent(types.EventTask, u.TransactionID, ti.WorkflowID, ti.ID, types.ErrTransactionNotFound, now)}
	}

	// Idempotent resubmission: a well-formed repeat of the current status
	// is dropped silently (Open Question (a), SPEC_FULL.md §9).
	if ti.Status == u.Status {
		return nil
	}

	if !legalTransition(ti.Status, u.Status) {
		return []types.DomainEvent{errorEvent(types.EventTask, u.TransactionID, ti.WorkflowID, ti.ID, types.NewTransitionError("task", ti.ID, string(ti.Status), string(u.Status)), now)}
	}

	events := implicitEvents(ti, u.Status, now)
	armTimeout := u.Status == types.TaskInprogress && ti.Status == types.TaskScheduled && ti.Type == types.TaskTypeTask

	ti.Status = u.Status
	ti.Output = u.Output
	ti.Logs = u.Logs
	if u.Status.IsTerminal() {
		ti.EndTime = &now
	}
	if err := e.store.TaskInstances().Update(ctx, ti); err != nil {
		return append(events, errorEvent(types.EventTask, u.TransactionID, ti.WorkflowID, ti.ID, err, now))
	}

	// Timeout is armed from the Inprogress event, not from dispatch (§9
	// "Timeout fires when a task has not left Inprogress by timeoutSecond
	// after the Inprogress event").
	if armTimeout {
		if def, derr := e.store.TaskDefinitions().Get(ctx, ti.TaskName); derr == nil {
			if d := def.Timeout(); d > 0 {
				if err := e.bus.SendTimer(ctx, types.Timer{Kind: types.TimerTimeout, TransactionID: u.TransactionID, TaskID: ti.ID, Delay: d}); err != nil {
					return append(events, errorEvent(types.EventTask, u.TransactionID, ti.WorkflowID, ti.ID, err, now))
				}
			}
		}
	}

	if !u.Status.IsTerminal() {
		return events
	}

	wi, err := e.store.WorkflowInstances().Get(ctx, ti.WorkflowID)
	if err != nil {
		return append(events, errorEvent(types.EventWorkflow, u.TransactionID, ti.WorkflowID, ti.ID, err, now))
	}
	tx, err := e.store.Transactions().Get(ctx, u.TransactionID)
	if err != nil {
		return append(events, errorEvent(types.EventTransaction, u.TransactionID, ti.WorkflowID, ti.ID, err, now))
	}

	var more []types.DomainEvent
	if ti.Status == types.TaskCompleted {
		more, err = e.advance(ctx, wi, tx, ti)
	} else {
		more, err = e.onTaskFailed(ctx, wi, tx, ti)
	}
	events = append(events, more...)
	if err != nil {
		events = append(events, errorEvent(types.EventWorkflow, u.TransactionID, wi.ID, ti.ID, err, now))
	}
	return events
}

// legalTransition implements the §4.2 allowed-transition table. Ties are
// handled by the caller before this is reached. A worker may post a
// terminal status directly from Scheduled without an intervening
// Inprogress ack; implicitEvents backfills the missing event so observers
// still see a monotone trail.
func legalTransition(from, to types.TaskStatus) bool {
	switch from {
	case types.TaskScheduled:
		switch to {
		case types.TaskInprogress, types.TaskCompleted, types.TaskFailed, types.TaskAckTimeOut, types.TaskTimeout:
			return true
		}
		return false
	case types.TaskInprogress:
		switch to {
		case types.TaskCompleted, types.TaskFailed, types.TaskTimeout:
			return true
		}
		return false
	default:
		return false // terminal states accept no further transitions
	}
}

// implicitEvents synthesizes the implicit Inprogress event when a worker
// posts a terminal status directly from Scheduled, so observers still see
// a monotone Scheduled -> Inprogress -> terminal trail (§4.2 point 5, §9).
func implicitEvents(ti *types.TaskInstance, to types.TaskStatus, now time.Time) []types.DomainEvent {
	if ti.Status == types.TaskScheduled && to != types.TaskInprogress {
		return []types.DomainEvent{
			taskTransitionEvent(ti, types.TaskInprogress, now),
			taskTransitionEvent(ti, to, now),
		}
	}
	return []types.DomainEvent{taskTransitionEvent(ti, to, now)}
}

func (e *Engine) onTaskFailed(ctx context.Context, wi *types.WorkflowInstance, tx *types.Transaction, ti *types.TaskInstance) ([]types.DomainEvent, error) {
	if ti.Type == types.TaskTypeTask {
		if def, err := e.store.TaskDefinitions().Get(ctx, ti.TaskName); err == nil {
			next, evs, ok, err := e.failure.RetryTask(ctx, def, ti)
			if err != nil {
				return nil, err
			}
			if ok {
				// §4.3: the retried instance is only actually redispatched
				// after retryDelay. A zero delay redispatches immediately;
				// otherwise SendTimer defers the redispatch to ResumeTimer
				// (TimerRetryDelay), rather than dispatching synchronously.
				if next.RetryDelay <= 0 {
					if derr := e.bus.Dispatch(ctx, types.Dispatch{
						TransactionID: next.TransactionID, WorkflowID: next.WorkflowID, TaskID: next.ID,
						TaskName: next.TaskName, TaskReferenceName: next.TaskReferenceName, Input: next.Input,
						AckTimeout: def.AckTimeout(), Timeout: def.Timeout(),
					}); derr != nil {
						return evs, derr
					}
					if d := def.AckTimeout(); d > 0 {
						if derr := e.bus.SendTimer(ctx, types.Timer{
							Kind: types.TimerAckTimeout, TransactionID: next.TransactionID, TaskID: next.ID, Delay: d,
						}); derr != nil {
							return evs, derr
						}
					}
					if e.recorder != nil {
						e.recorder.ObserveDispatch(next.TaskName)
					}
					return evs, nil
				}
				if derr := e.bus.SendTimer(ctx, types.Timer{
					Kind: types.TimerRetryDelay, TransactionID: next.TransactionID, TaskID: next.ID, Delay: next.RetryDelay,
				}); derr != nil {
					return evs, derr
				}
				return evs, nil
			}
		}
	}
	if e.recorder != nil {
		e.recorder.ObserveTaskFailure(string(ti.Status))
	}
	return e.failWorkflow(ctx, wi, tx)
}

func (e *Engine) failWorkflow(ctx context.Context, wi *types.WorkflowInstance, tx *types.Transaction) ([]types.DomainEvent, error) {
	now := e.clock()
	wi.Status = types.WorkflowFailed
	wi.EndTime = &now
	if err := e.store.WorkflowInstances().Update(ctx, wi); err != nil {
		return nil, err
	}
	events := []types.DomainEvent{workflowEvent(wi, now)}

	// A compensate(-then-retry) workflow failing terminally fails the
	// transaction directly — no further recovery is attempted (§4.3
	// "Compensate failure").
	if wi.Type == types.InstanceCompensateWorkflow || wi.Type == types.InstanceCompensateThenRetryWorkflow {
		tx.Status = types.TransactionFailed
		tx.EndTime = &now
		if err := e.store.Transactions().Update(ctx, tx); err != nil {
			return events, err
		}
		return append(events, transactionEvent(tx, now)), nil
	}

	outcome, err := e.failure.ApplyStrategy(ctx, &wi.Definition, wi, tx)
	if err != nil {
		return events, err
	}
	events = append(events, outcome.Events...)

	tx.Status = outcome.TransactionStatus
	if tx.Status.IsTerminal() {
		tx.EndTime = &now
	}
	if err := e.store.Transactions().Update(ctx, tx); err != nil {
		return events, err
	}
	events = append(events, transactionEvent(tx, now))

	if outcome.NewInstance != nil {
		more, err := e.enterWorkflow(ctx, outcome.NewInstance, tx)
		events = append(events, more...)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

// enterWorkflow schedules a freshly created WorkflowInstance's first
// runnable node, or completes it immediately if its task list is empty
// (§8 boundary behaviour: "a compensate workflow over zero completed tasks
// finishes immediately as Completed").
func (e *Engine) enterWorkflow(ctx context.Context, wi *types.WorkflowInstance, tx *types.Transaction) ([]types.DomainEvent, error) {
	node, ok := traversal.FirstNode(wi.Definition.Tasks)
	if !ok {
		return e.completeWorkflow(ctx, wi, tx)
	}
	scopeCtx, err := e.buildScope(ctx, wi)
	if err != nil {
		return nil, err
	}
	return e.scheduleNode(ctx, wi, tx, node, "", 0, 0, scopeCtx)
}

// scheduleNode materializes the TaskInstance for one definition node and,
// for system-task container kinds, immediately performs their in-process
// effects (§4.2 "Advancing a workflow", §4.7).
func (e *Engine) scheduleNode(ctx context.Context, wi *types.WorkflowInstance, tx *types.Transaction, node types.TaskNode, parentTaskID string, seqIndex, laneIndex int, scopeCtx *refs.Context) ([]types.DomainEvent, error) {
	now := e.clock()

	switch node.Kind {
	case types.TaskTypeTask:
		def, err := e.store.TaskDefinitions().Get(ctx, node.Name)
		if err != nil {
			return nil, err
		}
		input, err := refs.ResolveMap(node.InputParameters, scopeCtx)
		if err != nil {
			return nil, err
		}
		ti := &types.TaskInstance{
			ID: e.newID(), WorkflowID: wi.ID, TransactionID: wi.TransactionID,
			Type: types.TaskTypeTask, TaskReferenceName: node.TaskReferenceName, TaskName: node.Name,
			Status: types.TaskScheduled, Input: input, StartTime: now,
			ParentTaskID: parentTaskID, SequenceIndex: seqIndex, LaneIndex: laneIndex,
		}
		if err := e.store.TaskInstances().Create(ctx, ti); err != nil {
			return nil, err
		}
		if err := e.bus.Dispatch(ctx, types.Dispatch{
			TransactionID: wi.TransactionID, WorkflowID: wi.ID, TaskID: ti.ID, TaskName: ti.TaskName,
			TaskReferenceName: ti.TaskReferenceName, Input: input, AckTimeout: def.AckTimeout(), Timeout: def.Timeout(),
		}); err != nil {
			return nil, err
		}
		// AckTimeOut watches the Scheduled->Inprogress ack (§4.6); Timeout
		// is armed separately once the task actually reaches Inprogress
		// (applyOne), since it runs from that event, not from dispatch.
		if d := def.AckTimeout(); d > 0 {
			if err := e.bus.SendTimer(ctx, types.Timer{Kind: types.TimerAckTimeout, TransactionID: wi.TransactionID, TaskID: ti.ID, Delay: d}); err != nil {
				return nil, err
			}
		}
		if e.recorder != nil {
			e.recorder.ObserveDispatch(ti.TaskName)
		}
		return []types.DomainEvent{taskEvent(ti, now)}, nil

	case types.TaskTypeCompensate:
		ti := &types.TaskInstance{
			ID: e.newID(), WorkflowID: wi.ID, TransactionID: wi.TransactionID,
			Type: types.TaskTypeCompensate, TaskReferenceName: node.TaskReferenceName, TaskName: node.Name,
			Status: types.TaskScheduled, Input: node.CompensateInput, StartTime: now,
			ParentTaskID: parentTaskID, SequenceIndex: seqIndex, LaneIndex: laneIndex,
		}
		if err := e.store.TaskInstances().Create(ctx, ti); err != nil {
			return nil, err
		}
		if err := e.bus.Dispatch(ctx, types.Dispatch{
			TransactionID: wi.TransactionID, WorkflowID: wi.ID, TaskID: ti.ID, TaskName: ti.TaskName,
			TaskReferenceName: ti.TaskReferenceName, Input: ti.Input,
		}); err != nil {
			return nil, err
		}
		if e.recorder != nil {
			e.recorder.ObserveDispatch(ti.TaskName)
		}
		return []types.DomainEvent{taskEvent(ti, now)}, nil

	case types.TaskTypeParallel:
		container := &types.TaskInstance{
			ID: e.newID(), WorkflowID: wi.ID, TransactionID: wi.TransactionID,
			Type: types.TaskTypeParallel, TaskReferenceName: node.TaskReferenceName, Status: types.TaskScheduled,
			StartTime: now, Lanes: node.Lanes, ParentTaskID: parentTaskID, SequenceIndex: seqIndex, LaneIndex: laneIndex,
		}
		if err := e.store.TaskInstances().Create(ctx, container); err != nil {
			return nil, err
		}
		events := []types.DomainEvent{taskEvent(container, now)}

		if len(node.Lanes) == 0 {
			complete, err := e.completeContainer(ctx, wi, tx, container)
			return append(events, complete...), err
		}

		for lane, laneTasks := range node.Lanes {
			first, ok := traversal.FirstNode(laneTasks)
			if !ok {
				continue
			}
			evs, err := e.scheduleNode(ctx, wi, tx, first, container.ID, 0, lane, scopeCtx)
			events = append(events, evs...)
			if err != nil {
				return events, err
			}
		}
		return events, nil

	case types.TaskTypeDecision:
		container := &types.TaskInstance{
			ID: e.newID(), WorkflowID: wi.ID, TransactionID: wi.TransactionID,
			Type: types.TaskTypeDecision, TaskReferenceName: node.TaskReferenceName, Status: types.TaskScheduled,
			StartTime: now, ParentTaskID: parentTaskID, SequenceIndex: seqIndex, LaneIndex: laneIndex,
		}
		if err := e.store.TaskInstances().Create(ctx, container); err != nil {
			return nil, err
		}
		events := []types.DomainEvent{taskEvent(container, now)}

		value, err := refs.Resolve(node.DecisionExpr, scopeCtx)
		if err != nil {
			return events, err
		}
		key := fmt.Sprint(value)
		branch := traversal.ResolveDecision(node, key)

		container.Lanes = [][]types.TaskNode{branch}
		container.Output = map[string]any{"decision": key}
		container.Status = types.TaskCompleted
		container.EndTime = &now
		if err := e.store.TaskInstances().Update(ctx, container); err != nil {
			return events, err
		}
		events = append(events, taskEvent(container, now))

		first, ok := traversal.FirstNode(branch)
		if !ok {
			more, err := e.advance(ctx, wi, tx, container)
			return append(events, more...), err
		}
		evs, err := e.scheduleNode(ctx, wi, tx, first, container.ID, 0, 0, scopeCtx)
		return append(events, evs...), err

	case types.TaskTypeSubWorkflow:
		def, err := e.store.WorkflowDefinitions().Get(ctx, node.Workflow.Name, node.Workflow.Rev)
		if err != nil {
			return nil, err
		}
		input, err := refs.ResolveMap(node.InputParameters, scopeCtx)
		if err != nil {
			return nil, err
		}
		container := &types.TaskInstance{
			ID: e.newID(), WorkflowID: wi.ID, TransactionID: wi.TransactionID,
			Type: types.TaskTypeSubWorkflow, TaskReferenceName: node.TaskReferenceName, Status: types.TaskScheduled,
			Input: input, StartTime: now, ParentTaskID: parentTaskID, SequenceIndex: seqIndex, LaneIndex: laneIndex,
		}
		if err := e.store.TaskInstances().Create(ctx, container); err != nil {
			return nil, err
		}
		events := []types.DomainEvent{taskEvent(container, now)}

		sub := &types.WorkflowInstance{
			ID: e.newID(), TransactionID: wi.TransactionID, Type: types.InstanceSubWorkflow,
			Status: types.WorkflowRunning, Definition: *def, Input: input, CreateTime: now, ParentTaskID: container.ID,
		}
		if err := e.store.WorkflowInstances().Create(ctx, sub); err != nil {
			return events, err
		}
		events = append(events, workflowEvent(sub, now))

		container.SubWorkflowID = sub.ID
		if err := e.store.TaskInstances().Update(ctx, container); err != nil {
			return events, err
		}

		evs, err := e.enterWorkflow(ctx, sub, tx)
		return append(events, evs...), err

	case types.TaskTypeSchedule:
		// A Schedule node's entire purpose is producing a timer rather than
		// a terminal status directly (§4.7): it sits Scheduled until its
		// timer fires, at which point ResumeTimer completes it and resumes
		// traversal from here.
		ti := &types.TaskInstance{
			ID: e.newID(), WorkflowID: wi.ID, TransactionID: wi.TransactionID,
			Type: types.TaskTypeSchedule, TaskReferenceName: node.TaskReferenceName,
			Status: types.TaskScheduled, StartTime: now,
			ParentTaskID: parentTaskID, SequenceIndex: seqIndex, LaneIndex: laneIndex,
		}
		if err := e.store.TaskInstances().Create(ctx, ti); err != nil {
			return nil, err
		}
		if err := e.bus.SendTimer(ctx, types.Timer{
			Kind: types.TimerSchedule, TransactionID: wi.TransactionID, TaskID: ti.ID, Delay: node.ScheduleDelay,
		}); err != nil {
			return nil, err
		}
		return []types.DomainEvent{taskEvent(ti, now)}, nil

	default:
		return nil, fmt.Errorf("cannot schedule node kind %q", node.Kind)
	}
}

// advance locates and schedules the next runnable node after completed, or
// propagates completion up through an enclosing Parallel/Decision
// container, or completes the workflow instance when nothing remains
// (§4.2 "Advancing a workflow").
func (e *Engine) advance(ctx context.Context, wi *types.WorkflowInstance, tx *types.Transaction, completed *types.TaskInstance) ([]types.DomainEvent, error) {
	var parent *types.TaskInstance
	if completed.ParentTaskID != "" {
		var err error
		parent, err = e.store.TaskInstances().Get(ctx, completed.ParentTaskID)
		if err != nil {
			return nil, err
		}
	}

	siblings := traversal.Siblings(&wi.Definition, parent, completed)
	if node, nextIndex, ok := traversal.NextNode(siblings, completed); ok {
		scopeCtx, err := e.buildScope(ctx, wi)
		if err != nil {
			return nil, err
		}
		return e.scheduleNode(ctx, wi, tx, node, completed.ParentTaskID, nextIndex, completed.LaneIndex, scopeCtx)
	}

	if completed.ParentTaskID == "" {
		return e.completeWorkflow(ctx, wi, tx)
	}

	switch parent.Type {
	case types.TaskTypeDecision:
		return e.completeContainer(ctx, wi, tx, parent)

	case types.TaskTypeParallel:
		children, err := e.store.TaskInstances().ListByWorkflow(ctx, wi.ID)
		if err != nil {
			return nil, err
		}
		complete, failed := traversal.ParallelStatus(parent, children)
		if failed {
			now := e.clock()
			parent.Status = types.TaskFailed
			parent.EndTime = &now
			if err := e.store.TaskInstances().Update(ctx, parent); err != nil {
				return nil, err
			}
			events := []types.DomainEvent{taskEvent(parent, now)}
			more, err := e.onTaskFailed(ctx, wi, tx, parent)
			return append(events, more...), err
		}
		if complete {
			return e.completeContainer(ctx, wi, tx, parent)
		}
		return nil, nil // other lanes still running

	default:
		return nil, fmt.Errorf("unexpected container type %q for taskId %q", parent.Type, parent.ID)
	}
}

func (e *Engine) completeContainer(ctx context.Context, wi *types.WorkflowInstance, tx *types.Transaction, container *types.TaskInstance) ([]types.DomainEvent, error) {
	now := e.clock()
	container.Status = types.TaskCompleted
	container.EndTime = &now
	if err := e.store.TaskInstances().Update(ctx, container); err != nil {
		return nil, err
	}
	events := []types.DomainEvent{taskEvent(container, now)}
	more, err := e.advance(ctx, wi, tx, container)
	return append(events, more...), err
}

// completeWorkflow marks a WorkflowInstance Completed, resolves its
// outputParameters, and propagates completion to whatever synthesized this
// instance: a plain transaction completion, a CompensateWorkflow
// completion (-> Compensated), a CompensateThenRetryWorkflow completion
// (-> resubmit the original definition), or a SubWorkflow completion
// feeding back into its parent TaskInstance.
func (e *Engine) completeWorkflow(ctx context.Context, wi *types.WorkflowInstance, tx *types.Transaction) ([]types.DomainEvent, error) {
	now := e.clock()
	scopeCtx, err := e.buildScope(ctx, wi)
	if err != nil {
		return nil, err
	}
	output, err := refs.ResolveMap(wi.Definition.OutputParameters, scopeCtx)
	if err != nil {
		return nil, err
	}

	wi.Status = types.WorkflowCompleted
	wi.EndTime = &now
	wi.Output = output
	if err := e.store.WorkflowInstances().Update(ctx, wi); err != nil {
		return nil, err
	}
	events := []types.DomainEvent{workflowEvent(wi, now)}
	if e.recorder != nil {
		e.recorder.ObserveWorkflowDuration(now.Sub(wi.CreateTime).Seconds())
	}

	switch wi.Type {
	case types.InstanceCompensateWorkflow:
		tx.Status = types.TransactionCompensated
		tx.EndTime = &now
		if err := e.store.Transactions().Update(ctx, tx); err != nil {
			return events, err
		}
		return append(events, transactionEvent(tx, now)), nil

	case types.InstanceCompensateThenRetryWorkflow:
		fresh, err := e.failure.CompensateThenRetryCompleted(ctx, wi.OriginalDefinition, wi)
		if err != nil {
			return events, err
		}
		more, err := e.enterWorkflow(ctx, fresh, tx)
		return append(events, more...), err

	case types.InstanceSubWorkflow:
		parent, err := e.store.TaskInstances().Get(ctx, wi.ParentTaskID)
		if err != nil {
			return events, err
		}
		parent.Status = types.TaskCompleted
		parent.Output = output
		parent.EndTime = &now
		if err := e.store.TaskInstances().Update(ctx, parent); err != nil {
			return events, err
		}
		events = append(events, taskEvent(parent, now))
		parentWI, err := e.store.WorkflowInstances().Get(ctx, parent.WorkflowID)
		if err != nil {
			return events, err
		}
		more, err := e.advance(ctx, parentWI, tx, parent)
		return append(events, more...), err

	default: // Workflow, RetryWorkflow, RecoveryWorkflow — the transaction's primary line of execution
		tx.Status = types.TransactionCompleted
		tx.EndTime = &now
		tx.Output = output
		if err := e.store.Transactions().Update(ctx, tx); err != nil {
			return events, err
		}
		return append(events, transactionEvent(tx, now)), nil
	}
}

// buildScope assembles the reference-resolution context from the
// workflow's input/output and every completed task instance's
// input/output, then snapshots it so later mutation of the live state
// cannot retroactively change an in-flight resolution (§4.4 last bullet).
func (e *Engine) buildScope(ctx context.Context, wi *types.WorkflowInstance) (*refs.Context, error) {
	rc := refs.NewContext()
	rc.SetWorkflow(wi.Input, wi.Output)

	instances, err := e.store.TaskInstances().ListByWorkflow(ctx, wi.ID)
	if err != nil {
		return nil, err
	}
	for _, ti := range instances {
		if ti.Status == types.TaskCompleted {
			rc.SetTask(ti.TaskReferenceName, ti.Input, ti.Output)
		}
	}
	return rc.Snapshot()
}

func taskTransitionEvent(ti *types.TaskInstance, to types.TaskStatus, now time.Time) types.DomainEvent {
	return types.DomainEvent{
		Kind: types.EventTask, TransactionID: ti.TransactionID, WorkflowID: ti.WorkflowID, TaskID: ti.ID,
		TaskReference: ti.TaskReferenceName, FromStatus: string(ti.Status), ToStatus: string(to), Timestamp: now,
	}
}

func taskEvent(ti *types.TaskInstance, now time.Time) types.DomainEvent {
	return types.DomainEvent{
		Kind: types.EventTask, TransactionID: ti.TransactionID, WorkflowID: ti.WorkflowID, TaskID: ti.ID,
		TaskReference: ti.TaskReferenceName, ToStatus: string(ti.Status), Timestamp: now,
	}
}

func workflowEvent(wi *types.WorkflowInstance, now time.Time) types.DomainEvent {
	return types.DomainEvent{
		Kind: types.EventWorkflow, TransactionID: wi.TransactionID, WorkflowID: wi.ID,
		ToStatus: string(wi.Status), Message: string(wi.Type), Timestamp: now,
	}
}

func transactionEvent(tx *types.Transaction, now time.Time) types.DomainEvent {
	return types.DomainEvent{
		Kind: types.EventTransaction, TransactionID: tx.ID, ToStatus: string(tx.Status), Timestamp: now,
	}
}

// errorEvent reports a dropped or malformed update (§7). kind identifies
// which entity the error relates to; workflowID/taskID are whichever of
// those are already known at the call site (both may be empty when the
// update's taskId itself failed to resolve).
func errorEvent(kind types.DomainEventKind, transactionID, workflowID, taskID string, err error, now time.Time) types.DomainEvent {
	return types.DomainEvent{
		Kind: kind, TransactionID: transactionID, WorkflowID: workflowID, TaskID: taskID,
		IsError: true, Message: err.Error(), Error: err.Error(), Timestamp: now,
	}
}
