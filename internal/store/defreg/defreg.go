// ABOUTME: Filesystem-backed workflow/task definition registry
// ABOUTME: Reads/writes JSON definitions through an afero.Fs, cached in sync.Maps (C9)

package defreg

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"github.com/spf13/afero"

	"github.com/devit-tel/sagapm/pkg/types"
)

const (
	workflowDir = "workflows"
	taskDir     = "tasks"
)

// Store is a filesystem-backed types.WorkflowDefinitionStore and
// types.TaskDefinitionStore, meant to be composed alongside
// internal/store/memory or internal/store/rdb (which cover the other
// three Store sub-interfaces) rather than used standalone — definitions
// are published artifacts, not per-transaction state, so they belong on
// whatever medium the deployment already uses for configuration (local
// disk, S3, SFTP, via Open in source.go) rather than per-transaction
// storage (§9 "read-only definitions" design note, SPEC_FULL.md §5
// "Definition caches").
type Store struct {
	fs afero.Fs

	workflowDefs sync.Map // "name@rev" -> *types.WorkflowDefinition
	taskDefs     sync.Map // name -> *types.TaskDefinition
}

// New wraps an already-constructed afero.Fs as a definition registry.
// Most callers should use Open instead, which also resolves the
// source's URI scheme.
func New(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

func workflowPath(name, rev string) string {
	return path.Join(workflowDir, name, rev+".json")
}

func taskPath(name string) string {
	return path.Join(taskDir, name+".json")
}

func workflowCacheKey(name, rev string) string { return name + "@" + rev }

// WorkflowDefinitions returns the types.WorkflowDefinitionStore view.
func (s *Store) WorkflowDefinitions() types.WorkflowDefinitionStore { return (*workflowDefinitionStore)(s) }

// TaskDefinitions returns the types.TaskDefinitionStore view.
func (s *Store) TaskDefinitions() types.TaskDefinitionStore { return (*taskDefinitionStore)(s) }

type workflowDefinitionStore Store

func (w *workflowDefinitionStore) Create(_ context.Context, def *types.WorkflowDefinition) error {
	s := (*Store)(w)
	p := workflowPath(def.Name, def.Rev)

	if exists, err := afero.Exists(s.fs, p); err != nil {
		return fmt.Errorf("%w: stat %s: %v", types.ErrStoreUnavailable, p, err)
	} else if exists {
		return fmt.Errorf("workflow definition %s rev %s already exists", def.Name, def.Rev)
	}

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	if err := s.fs.MkdirAll(path.Join(workflowDir, def.Name), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir for %s: %v", types.ErrStoreUnavailable, def.Name, err)
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrStoreUnavailable, p, err)
	}

	cp := *def
	s.workflowDefs.Store(workflowCacheKey(def.Name, def.Rev), &cp)
	return nil
}

func (w *workflowDefinitionStore) Get(_ context.Context, name, rev string) (*types.WorkflowDefinition, error) {
	s := (*Store)(w)
	key := workflowCacheKey(name, rev)

	if cached, ok := s.workflowDefs.Load(key); ok {
		cp := *cached.(*types.WorkflowDefinition)
		return &cp, nil
	}

	data, err := afero.ReadFile(s.fs, workflowPath(name, rev))
	if err != nil {
		return nil, fmt.Errorf("workflow definition %s rev %s: %w", name, rev, types.ErrDefinitionNotFound)
	}

	var def types.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}

	cp := def
	s.workflowDefs.Store(key, &cp)
	return &def, nil
}

type taskDefinitionStore Store

func (t *taskDefinitionStore) Create(_ context.Context, def *types.TaskDefinition) error {
	s := (*Store)(t)
	p := taskPath(def.Name)

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	if err := s.fs.MkdirAll(taskDir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", types.ErrStoreUnavailable, taskDir, err)
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", types.ErrStoreUnavailable, p, err)
	}

	cp := *def
	s.taskDefs.Store(def.Name, &cp)
	return nil
}

func (t *taskDefinitionStore) Get(_ context.Context, name string) (*types.TaskDefinition, error) {
	s := (*Store)(t)

	if cached, ok := s.taskDefs.Load(name); ok {
		cp := *cached.(*types.TaskDefinition)
		return &cp, nil
	}

	data, err := afero.ReadFile(s.fs, taskPath(name))
	if err != nil {
		return nil, fmt.Errorf("task definition %s: %w", name, types.ErrDefinitionNotFound)
	}

	var def types.TaskDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}

	cp := def
	s.taskDefs.Store(name, &cp)
	return &def, nil
}
