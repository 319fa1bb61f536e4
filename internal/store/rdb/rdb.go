// ABOUTME: Redis-backed implementation of the store interfaces
// ABOUTME: JSON-per-key storage, keyed the way internal/history/store.go keys its JSON records

package rdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/devit-tel/sagapm/pkg/types"
)

const (
	txKeyPrefix       = "sagapm:tx:"
	workflowKeyPrefix = "sagapm:wf:"
	taskKeyPrefix     = "sagapm:task:"
	wfTasksKeyPrefix  = "sagapm:wf-tasks:" // list of taskIds, insertion order
	workflowDefPrefix = "sagapm:def:wf:"
	taskDefPrefix     = "sagapm:def:task:"
)

// Store is the Redis-backed implementation of types.Store (§4.5, C9). Every
// entity is one JSON value under its own key; a workflow's task order is
// tracked separately as a Redis list so ListByWorkflow and Reload don't need
// a secondary index server-side.
type Store struct {
	rdb *redis.Client
}

// New wraps an already-configured Redis client.
func New(client *redis.Client) *Store {
	return &Store{rdb: client}
}

func (s *Store) Transactions() types.TransactionStore             { return (*transactionStore)(s) }
func (s *Store) WorkflowInstances() types.WorkflowInstanceStore    { return (*workflowInstanceStore)(s) }
func (s *Store) TaskInstances() types.TaskInstanceStore            { return (*taskInstanceStore)(s) }
func (s *Store) WorkflowDefinitions() types.WorkflowDefinitionStore { return (*workflowDefinitionStore)(s) }
func (s *Store) TaskDefinitions() types.TaskDefinitionStore        { return (*taskDefinitionStore)(s) }

func wrapRedisErr(err error) error {
	return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
}

func marshalOrSerializationErr(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	return data, nil
}

type transactionStore Store

func (t *transactionStore) Create(ctx context.Context, tx *types.Transaction) error {
	data, err := marshalOrSerializationErr(tx)
	if err != nil {
		return err
	}
	ok, err := t.rdb.SetNX(ctx, txKeyPrefix+tx.ID, data, 0).Result()
	if err != nil {
		return wrapRedisErr(err)
	}
	if !ok {
		return fmt.Errorf("transaction %q: %w", tx.ID, types.ErrTransactionExists)
	}
	return nil
}

func (t *transactionStore) Get(ctx context.Context, transactionID string) (*types.Transaction, error) {
	data, err := t.rdb.Get(ctx, txKeyPrefix+transactionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("transaction %q: %w", transactionID, types.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	var tx types.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	return &tx, nil
}

func (t *transactionStore) Update(ctx context.Context, tx *types.Transaction) error {
	key := txKeyPrefix + tx.ID
	exists, err := t.rdb.Exists(ctx, key).Result()
	if err != nil {
		return wrapRedisErr(err)
	}
	if exists == 0 {
		return fmt.Errorf("transaction %q: %w", tx.ID, types.ErrTransactionNotFound)
	}
	data, err := marshalOrSerializationErr(tx)
	if err != nil {
		return err
	}
	if err := t.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

type workflowInstanceStore Store

func (w *workflowInstanceStore) Create(ctx context.Context, wi *types.WorkflowInstance) error {
	data, err := marshalOrSerializationErr(wi)
	if err != nil {
		return err
	}
	if err := w.rdb.Set(ctx, workflowKeyPrefix+wi.ID, data, 0).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (w *workflowInstanceStore) Get(ctx context.Context, workflowID string) (*types.WorkflowInstance, error) {
	data, err := w.rdb.Get(ctx, workflowKeyPrefix+workflowID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("workflow instance %q: %w", workflowID, types.ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	var wi types.WorkflowInstance
	if err := json.Unmarshal(data, &wi); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	return &wi, nil
}

func (w *workflowInstanceStore) Update(ctx context.Context, wi *types.WorkflowInstance) error {
	key := workflowKeyPrefix + wi.ID
	exists, err := w.rdb.Exists(ctx, key).Result()
	if err != nil {
		return wrapRedisErr(err)
	}
	if exists == 0 {
		return fmt.Errorf("workflow instance %q: %w", wi.ID, types.ErrWorkflowNotFound)
	}
	data, err := marshalOrSerializationErr(wi)
	if err != nil {
		return err
	}
	if err := w.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

type taskInstanceStore Store

func (ti *taskInstanceStore) Create(ctx context.Context, t *types.TaskInstance) error {
	data, err := marshalOrSerializationErr(t)
	if err != nil {
		return err
	}
	pipe := ti.rdb.TxPipeline()
	pipe.Set(ctx, taskKeyPrefix+t.ID, data, 0)
	pipe.RPush(ctx, wfTasksKeyPrefix+t.WorkflowID, t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (ti *taskInstanceStore) Get(ctx context.Context, taskID string) (*types.TaskInstance, error) {
	data, err := ti.rdb.Get(ctx, taskKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task instance %q: %w", taskID, types.ErrTaskNotFound)
	}
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	var t types.TaskInstance
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	return &t, nil
}

func (ti *taskInstanceStore) Update(ctx context.Context, t *types.TaskInstance) error {
	key := taskKeyPrefix + t.ID
	exists, err := ti.rdb.Exists(ctx, key).Result()
	if err != nil {
		return wrapRedisErr(err)
	}
	if exists == 0 {
		return fmt.Errorf("task instance %q: %w", t.ID, types.ErrTaskNotFound)
	}
	data, err := marshalOrSerializationErr(t)
	if err != nil {
		return err
	}
	if err := ti.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

// Reload replaces old's slot in the workflow's task-order list with next,
// satisfying §3 invariant 3 ("retries replace, not duplicate, the prior
// instance") the same way memory.Store.Reload does for its ordered slice.
func (ti *taskInstanceStore) Reload(ctx context.Context, old *types.TaskInstance, next *types.TaskInstance) error {
	oldKey := taskKeyPrefix + old.ID
	exists, err := ti.rdb.Exists(ctx, oldKey).Result()
	if err != nil {
		return wrapRedisErr(err)
	}
	if exists == 0 {
		return fmt.Errorf("task instance %q: %w", old.ID, types.ErrTaskNotFound)
	}

	data, err := marshalOrSerializationErr(next)
	if err != nil {
		return err
	}

	listKey := wfTasksKeyPrefix + next.WorkflowID
	pos, err := ti.rdb.LPos(ctx, listKey, old.ID, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("task instance %q: %w", old.ID, types.ErrTaskNotFound)
	}
	if err != nil {
		return wrapRedisErr(err)
	}

	pipe := ti.rdb.TxPipeline()
	pipe.Set(ctx, taskKeyPrefix+next.ID, data, 0)
	pipe.LSet(ctx, listKey, pos, next.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (ti *taskInstanceStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*types.TaskInstance, error) {
	ids, err := ti.rdb.LRange(ctx, wfTasksKeyPrefix+workflowID, 0, -1).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKeyPrefix + id
	}
	values, err := ti.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}

	result := make([]*types.TaskInstance, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue // listed id whose value key does not exist
		}
		var t types.TaskInstance
		if err := json.Unmarshal([]byte(v.(string)), &t); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
		}
		result = append(result, &t)
	}
	return result, nil
}

type workflowDefinitionStore Store

func workflowDefKey(name, rev string) string { return workflowDefPrefix + name + "@" + rev }

func (w *workflowDefinitionStore) Create(ctx context.Context, def *types.WorkflowDefinition) error {
	data, err := marshalOrSerializationErr(def)
	if err != nil {
		return err
	}
	ok, err := w.rdb.SetNX(ctx, workflowDefKey(def.Name, def.Rev), data, 0).Result()
	if err != nil {
		return wrapRedisErr(err)
	}
	if !ok {
		return fmt.Errorf("workflow definition %s rev %s already exists", def.Name, def.Rev)
	}
	return nil
}

func (w *workflowDefinitionStore) Get(ctx context.Context, name, rev string) (*types.WorkflowDefinition, error) {
	data, err := w.rdb.Get(ctx, workflowDefKey(name, rev)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("workflow definition %s rev %s: %w", name, rev, types.ErrDefinitionNotFound)
	}
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	var def types.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	return &def, nil
}

type taskDefinitionStore Store

func (t *taskDefinitionStore) Create(ctx context.Context, def *types.TaskDefinition) error {
	data, err := marshalOrSerializationErr(def)
	if err != nil {
		return err
	}
	if err := t.rdb.Set(ctx, taskDefPrefix+def.Name, data, 0).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (t *taskDefinitionStore) Get(ctx context.Context, name string) (*types.TaskDefinition, error) {
	data, err := t.rdb.Get(ctx, taskDefPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task definition %s: %w", name, types.ErrDefinitionNotFound)
	}
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	var def types.TaskDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	return &def, nil
}
