// ABOUTME: Core data model for the saga process manager
// ABOUTME: Defines definitions, instances, and the task-node sum type

package types

import "time"

// Retry describes a bounded retry policy shared by workflow-level and
// task-level failure handling (§3, §4.3).
type Retry struct {
	Limit        int           `json:"limit"`
	DelaySecond  int           `json:"delaySecond"`
}

// Delay returns the retry delay as a time.Duration.
func (r Retry) Delay() time.Duration {
	return time.Duration(r.DelaySecond) * time.Second
}

// WorkflowRef names a WorkflowDefinition by its compound identity.
type WorkflowRef struct {
	Name string `json:"name"`
	Rev  string `json:"rev"`
}

// WorkflowDefinition is identified by (name, rev); it is immutable once
// published (§9 "read-only definitions" design note).
type WorkflowDefinition struct {
	Name             string            `json:"name"`
	Rev              string            `json:"rev"`
	Tasks            []TaskNode        `json:"tasks"`
	FailureStrategy  FailureStrategy   `json:"failureStrategy"`
	Retry            *Retry            `json:"retry,omitempty"`
	RecoveryWorkflow *WorkflowRef      `json:"recoveryWorkflow,omitempty"`
	OutputParameters map[string]string `json:"outputParameters,omitempty"`
}

// TaskDefinition is identified by name; it holds the default dispatch policy
// for every Task node that references it (§3).
type TaskDefinition struct {
	Name             string `json:"name"`
	Retry            Retry  `json:"retry"`
	TimeoutSecond    int    `json:"timeoutSecond"`
	AckTimeoutSecond int    `json:"ackTimeoutSecond"`
}

func (d TaskDefinition) Timeout() time.Duration {
	return time.Duration(d.TimeoutSecond) * time.Second
}

func (d TaskDefinition) AckTimeout() time.Duration {
	return time.Duration(d.AckTimeoutSecond) * time.Second
}

// TaskNode is the sum type of definition-time task nodes (§3), kept as one
// flat struct: Kind selects the variant, and only the fields grouped under
// that variant below are meaningful, so (de)serialization stays
// straightforward.
type TaskNode struct {
	Kind              TaskInstanceType `json:"kind"`
	TaskReferenceName string           `json:"taskReferenceName"`

	// Task
	Name string `json:"name,omitempty"`

	// InputParameters are ${scope.path} templates resolved once at
	// task-instance creation time against the accumulated workflow
	// context (§4.2, §4.4). Present on Task and SubWorkflow nodes; unused
	// on pure container nodes (Parallel, Decision) and on synthesized
	// Compensate nodes, which carry CompensateInput instead.
	InputParameters map[string]string `json:"inputParameters,omitempty"`

	// Parallel: each inner slice is one independent lane.
	Lanes [][]TaskNode `json:"lanes,omitempty"`

	// Decision
	Decisions       map[string][]TaskNode `json:"decisions,omitempty"`
	DefaultDecision []TaskNode            `json:"defaultDecision,omitempty"`
	DecisionExpr    string                `json:"decisionExpr,omitempty"`

	// SubWorkflow
	Workflow *WorkflowRef `json:"workflow,omitempty"`

	// Compensate: synthesized internally (§4.3). CompensateInput carries
	// the original task's output forward so the worker knows what to
	// undo; it bypasses reference resolution since it is assembled by the
	// engine, not authored in a definition.
	CompensateInput map[string]any `json:"compensateInput,omitempty"`

	// Schedule: synthesized internally (§3, §4.7). A Schedule node's sole
	// purpose is to emit a timer and wait; ScheduleDelay parameterizes it.
	ScheduleDelay time.Duration `json:"scheduleDelay,omitempty"`
}

// Transaction is the top-level unit of work, identified by a client-supplied
// transactionId (§3).
type Transaction struct {
	ID              string            `json:"transactionId"`
	Status          TransactionStatus `json:"status"`
	Input           map[string]any    `json:"input"`
	Output          map[string]any    `json:"output,omitempty"`
	CreateTime      time.Time         `json:"createTime"`
	EndTime         *time.Time        `json:"endTime,omitempty"`
	WorkflowID      string            `json:"workflowId"`
}

// IsTerminal reports whether the transaction admits no further updates.
func (t *Transaction) IsTerminal() bool { return t.Status.IsTerminal() }

// WorkflowInstance is one run of a WorkflowDefinition within a transaction
// (§3). The definition is snapshotted at creation time so traversal never
// re-reads a possibly-changed definition.
type WorkflowInstance struct {
	ID            string                 `json:"workflowId"`
	TransactionID string                 `json:"transactionId"`
	Type          WorkflowInstanceType   `json:"type"`
	Status        WorkflowInstanceStatus `json:"status"`
	Definition    WorkflowDefinition     `json:"workflowDefinition"`
	Input         map[string]any         `json:"input"`
	Output        map[string]any         `json:"output,omitempty"`
	Retries       int                    `json:"retries"`
	CreateTime    time.Time              `json:"createTime"`
	EndTime       *time.Time             `json:"endTime,omitempty"`

	// ParentTaskID is set for SubWorkflow instances: the TaskInstance in
	// the parent WorkflowInstance whose completion this instance's
	// terminal status feeds back into.
	ParentTaskID string `json:"parentTaskId,omitempty"`

	// OriginalDefinition is set on CompensateWorkflow/
	// CompensateThenRetryWorkflow instances: the definition that was
	// actually failing, distinct from Definition (the synthesized
	// Compensate-task list) — needed to resubmit the original workflow
	// once a CompensateThenRetryWorkflow completes (§4.3).
	OriginalDefinition *WorkflowDefinition `json:"originalDefinition,omitempty"`
}

func (w *WorkflowInstance) IsTerminal() bool { return w.Status.IsTerminal() }

// TaskInstance is one scheduled/executed occurrence of a task-node within a
// WorkflowInstance (§3). Parallel/Decision/SubWorkflow carry enough of the
// originating node forward that traversal never needs to re-read the
// definition.
type TaskInstance struct {
	ID                string           `json:"taskId"`
	WorkflowID        string           `json:"workflowId"`
	TransactionID     string           `json:"transactionId"`
	Type              TaskInstanceType `json:"type"`
	TaskReferenceName string           `json:"taskReferenceName"`
	TaskName          string           `json:"name,omitempty"`
	Status            TaskStatus       `json:"status"`

	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output,omitempty"`

	Retries    int           `json:"retries"`
	IsRetried  bool          `json:"isRetried"`
	RetryDelay time.Duration `json:"retryDelay,omitempty"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Logs      string     `json:"logs,omitempty"`

	// Carried from the definition for container node types, so C3 can
	// resume traversal without consulting the WorkflowDefinition again.
	// For Parallel this is every lane; for a resolved Decision it is a
	// single-element slice holding the chosen branch.
	Lanes         [][]TaskNode `json:"parallelTasks,omitempty"`
	SubWorkflowID string       `json:"subWorkflowId,omitempty"`

	// Tree position, so C3 can find the next sibling and the enclosing
	// container without re-reading the WorkflowDefinition (§4.2 "next
	// runnable node"). ParentTaskID is empty for a node in the workflow's
	// top-level sequence. SequenceIndex is this instance's position within
	// its own enclosing list (the top-level list, a Parallel lane, or a
	// Decision's chosen branch). LaneIndex is meaningful only when the
	// parent is a Parallel container.
	ParentTaskID  string `json:"parentTaskId,omitempty"`
	SequenceIndex int    `json:"sequenceIndex"`
	LaneIndex     int    `json:"laneIndex,omitempty"`
}

func (t *TaskInstance) IsTerminal() bool { return t.Status.IsTerminal() }
func (t *TaskInstance) IsLive() bool     { return t.Status.IsLive() }

// TaskStatusUpdate is the unit of work C4's apply() consumes (§4.2).
type TaskStatusUpdate struct {
	TransactionID string         `json:"transactionId"`
	TaskID        string         `json:"taskId"`
	Status        TaskStatus     `json:"status"`
	Output        map[string]any `json:"output,omitempty"`
	Logs          string         `json:"logs,omitempty"`
	IsSystem      bool           `json:"isSystem"`
}

// DomainEventKind distinguishes which entity a DomainEvent describes on the
// wire (§6): TRANSACTION, WORKFLOW, and TASK events report that entity's
// status transitions; SYSTEM events report engine-level conditions not tied
// to one entity. Whether the event reports an error is orthogonal to Kind
// and carried separately in IsError (§7).
type DomainEventKind string

const (
	EventTransaction DomainEventKind = "TRANSACTION"
	EventWorkflow    DomainEventKind = "WORKFLOW"
	EventTask        DomainEventKind = "TASK"
	EventSystem      DomainEventKind = "SYSTEM"
)

// DomainEvent is an outbound record emitted by the engine (§4.2 point 5,
// §6). Every event for a given transactionId carries a non-decreasing
// Timestamp (§3 invariant 5). IsError marks a record as reporting a failure
// condition (InvalidTransition, TransactionNotFound, ...) rather than a
// normal status transition (§7); Kind still identifies which entity the
// error relates to, so a malformed update against a task is an EventTask
// with IsError set, not a separate undifferentiated error kind.
type DomainEvent struct {
	Kind          DomainEventKind `json:"kind"`
	TransactionID string          `json:"transactionId"`
	WorkflowID    string          `json:"workflowId,omitempty"`
	TaskID        string          `json:"taskId,omitempty"`
	TaskReference string          `json:"taskReferenceName,omitempty"`
	FromStatus    string          `json:"fromStatus,omitempty"`
	ToStatus      string          `json:"toStatus,omitempty"`
	Message       string          `json:"message,omitempty"`
	IsError       bool            `json:"isError"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Dispatch is the payload handed to Bus.Dispatch when the engine schedules a
// new TaskInstance for external execution (§4.2, §6).
type Dispatch struct {
	TransactionID     string         `json:"transactionId"`
	WorkflowID        string         `json:"workflowId"`
	TaskID            string         `json:"taskId"`
	TaskName          string         `json:"name"`
	TaskReferenceName string         `json:"taskReferenceName"`
	Input             map[string]any `json:"input"`
	AckTimeout        time.Duration  `json:"ackTimeout"`
	Timeout           time.Duration  `json:"timeout"`
}

// TimerKind distinguishes what a scheduled timer will do when it fires.
type TimerKind string

const (
	TimerRetryDelay TimerKind = "retry_delay"
	TimerAckTimeout TimerKind = "ack_timeout"
	TimerTimeout    TimerKind = "timeout"
	TimerSchedule   TimerKind = "schedule"
)

// Timer is the payload handed to Bus.SendTimer (§4.7 Schedule task, §4.3
// retry delay, AckTimeOut/Timeout enforcement).
type Timer struct {
	Kind          TimerKind     `json:"kind"`
	TransactionID string        `json:"transactionId"`
	TaskID        string        `json:"taskId,omitempty"`
	Delay         time.Duration `json:"delay"`
}
