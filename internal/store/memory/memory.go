// ABOUTME: In-memory reference implementation of the store interfaces
// ABOUTME: Sharded by transactionId so distinct transactions rarely contend

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/devit-tel/sagapm/pkg/types"
)

const shardCount = 64

func shardFor(key string) int {
	h := 0
	for i := 0; i < len(key); i++ {
		h = h*31 + int(key[i])
	}
	if h < 0 {
		h = -h
	}
	return h % shardCount
}

// Store is the required in-memory reference backend (§4.5). Each
// transactionId is confined to one of 64 shard mutexes, so concurrent work
// on distinct transactions contends only when their ids hash to the same
// shard.
type Store struct {
	shards [shardCount]*shard

	defMu        sync.RWMutex
	workflowDefs map[string]*types.WorkflowDefinition // "name@rev"
	taskDefs     map[string]*types.TaskDefinition
}

type shard struct {
	mu            sync.RWMutex
	transactions  map[string]*types.Transaction
	workflows     map[string]*types.WorkflowInstance
	tasks         map[string]*types.TaskInstance
	tasksByWf     map[string][]string // workflowId -> []taskId, insertion order
}

// New creates an empty in-memory store.
func New() *Store {
	s := &Store{
		workflowDefs: make(map[string]*types.WorkflowDefinition),
		taskDefs:     make(map[string]*types.TaskDefinition),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			transactions: make(map[string]*types.Transaction),
			workflows:    make(map[string]*types.WorkflowInstance),
			tasks:        make(map[string]*types.TaskInstance),
			tasksByWf:    make(map[string][]string),
		}
	}
	return s
}

func (s *Store) shardForTx(transactionID string) *shard {
	return s.shards[shardFor(transactionID)]
}

func (s *Store) Transactions() types.TransactionStore       { return (*transactionStore)(s) }
func (s *Store) WorkflowInstances() types.WorkflowInstanceStore { return (*workflowInstanceStore)(s) }
func (s *Store) TaskInstances() types.TaskInstanceStore      { return (*taskInstanceStore)(s) }
func (s *Store) WorkflowDefinitions() types.WorkflowDefinitionStore { return (*workflowDefinitionStore)(s) }
func (s *Store) TaskDefinitions() types.TaskDefinitionStore  { return (*taskDefinitionStore)(s) }

type transactionStore Store

func (t *transactionStore) Create(_ context.Context, tx *types.Transaction) error {
	s := (*Store)(t)
	sh := s.shardForTx(tx.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.transactions[tx.ID]; exists {
		return fmt.Errorf("transaction %q: %w", tx.ID, types.ErrTransactionExists)
	}
	cp := *tx
	sh.transactions[tx.ID] = &cp
	return nil
}

func (t *transactionStore) Get(_ context.Context, transactionID string) (*types.Transaction, error) {
	s := (*Store)(t)
	sh := s.shardForTx(transactionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	tx, ok := sh.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("transaction %q: %w", transactionID, types.ErrTransactionNotFound)
	}
	cp := *tx
	return &cp, nil
}

func (t *transactionStore) Update(_ context.Context, tx *types.Transaction) error {
	s := (*Store)(t)
	sh := s.shardForTx(tx.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.transactions[tx.ID]; !ok {
		return fmt.Errorf("transaction %q: %w", tx.ID, types.ErrTransactionNotFound)
	}
	cp := *tx
	sh.transactions[tx.ID] = &cp
	return nil
}

type workflowInstanceStore Store

func (w *workflowInstanceStore) Create(_ context.Context, wi *types.WorkflowInstance) error {
	s := (*Store)(w)
	sh := s.shardForTx(wi.TransactionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cp := *wi
	sh.workflows[wi.ID] = &cp
	return nil
}

func (w *workflowInstanceStore) Get(_ context.Context, workflowID string) (*types.WorkflowInstance, error) {
	s := (*Store)(w)
	for _, sh := range s.shards {
		sh.mu.RLock()
		wi, ok := sh.workflows[workflowID]
		sh.mu.RUnlock()
		if ok {
			cp := *wi
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("workflow instance %q: %w", workflowID, types.ErrWorkflowNotFound)
}

func (w *workflowInstanceStore) Update(_ context.Context, wi *types.WorkflowInstance) error {
	s := (*Store)(w)
	sh := s.shardForTx(wi.TransactionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.workflows[wi.ID]; !ok {
		return fmt.Errorf("workflow instance %q: %w", wi.ID, types.ErrWorkflowNotFound)
	}
	cp := *wi
	sh.workflows[wi.ID] = &cp
	return nil
}

type taskInstanceStore Store

func (t *taskInstanceStore) Create(_ context.Context, ti *types.TaskInstance) error {
	s := (*Store)(t)
	sh := s.shardForTx(ti.TransactionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cp := *ti
	sh.tasks[ti.ID] = &cp
	sh.tasksByWf[ti.WorkflowID] = append(sh.tasksByWf[ti.WorkflowID], ti.ID)
	return nil
}

func (t *taskInstanceStore) Get(_ context.Context, taskID string) (*types.TaskInstance, error) {
	s := (*Store)(t)
	for _, sh := range s.shards {
		sh.mu.RLock()
		ti, ok := sh.tasks[taskID]
		sh.mu.RUnlock()
		if ok {
			cp := *ti
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("task instance %q: %w", taskID, types.ErrTaskNotFound)
}

func (t *taskInstanceStore) Update(_ context.Context, ti *types.TaskInstance) error {
	s := (*Store)(t)
	sh := s.shardForTx(ti.TransactionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.tasks[ti.ID]; !ok {
		return fmt.Errorf("task instance %q: %w", ti.ID, types.ErrTaskNotFound)
	}
	cp := *ti
	sh.tasks[ti.ID] = &cp
	return nil
}

// Reload replaces the live instance for a taskReferenceName with a freshly
// scheduled one, satisfying §3 invariant 3 ("retries replace, not
// duplicate, the prior instance").
func (t *taskInstanceStore) Reload(_ context.Context, old *types.TaskInstance, next *types.TaskInstance) error {
	s := (*Store)(t)
	sh := s.shardForTx(old.TransactionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.tasks[old.ID]; !ok {
		return fmt.Errorf("task instance %q: %w", old.ID, types.ErrTaskNotFound)
	}
	cp := *next
	sh.tasks[next.ID] = &cp

	ids := sh.tasksByWf[next.WorkflowID]
	for i, id := range ids {
		if id == old.ID {
			ids[i] = next.ID
			break
		}
	}
	sh.tasksByWf[next.WorkflowID] = ids
	return nil
}

func (t *taskInstanceStore) ListByWorkflow(_ context.Context, workflowID string) ([]*types.TaskInstance, error) {
	s := (*Store)(t)
	for _, sh := range s.shards {
		sh.mu.RLock()
		ids, ok := sh.tasksByWf[workflowID]
		if !ok {
			sh.mu.RUnlock()
			continue
		}
		result := make([]*types.TaskInstance, 0, len(ids))
		for _, id := range ids {
			if ti, ok := sh.tasks[id]; ok {
				cp := *ti
				result = append(result, &cp)
			}
		}
		sh.mu.RUnlock()
		return result, nil
	}
	return nil, nil
}

type workflowDefinitionStore Store

func defKey(name, rev string) string { return name + "@" + rev }

func (w *workflowDefinitionStore) Create(_ context.Context, def *types.WorkflowDefinition) error {
	s := (*Store)(w)
	s.defMu.Lock()
	defer s.defMu.Unlock()
	key := defKey(def.Name, def.Rev)
	if _, exists := s.workflowDefs[key]; exists {
		return fmt.Errorf("workflow definition %s rev %s already exists", def.Name, def.Rev)
	}
	cp := *def
	s.workflowDefs[key] = &cp
	return nil
}

func (w *workflowDefinitionStore) Get(_ context.Context, name, rev string) (*types.WorkflowDefinition, error) {
	s := (*Store)(w)
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	def, ok := s.workflowDefs[defKey(name, rev)]
	if !ok {
		return nil, fmt.Errorf("workflow definition %s rev %s: %w", name, rev, types.ErrDefinitionNotFound)
	}
	cp := *def
	return &cp, nil
}

type taskDefinitionStore Store

func (t *taskDefinitionStore) Create(_ context.Context, def *types.TaskDefinition) error {
	s := (*Store)(t)
	s.defMu.Lock()
	defer s.defMu.Unlock()
	cp := *def
	s.taskDefs[def.Name] = &cp
	return nil
}

func (t *taskDefinitionStore) Get(_ context.Context, name string) (*types.TaskDefinition, error) {
	s := (*Store)(t)
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	def, ok := s.taskDefs[name]
	if !ok {
		return nil, fmt.Errorf("task definition %s: %w", name, types.ErrDefinitionNotFound)
	}
	cp := *def
	return &cp, nil
}
