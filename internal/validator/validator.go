// ABOUTME: Structural and semantic validation of workflow definitions
// ABOUTME: Pure and total: accumulates every violation, never stops at the first

package validator

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/devit-tel/sagapm/pkg/types"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,127}$`)

// Validator is the default, pure implementation of types.Validator (C1).
type Validator struct{}

// New creates a definition validator. It holds no state and does no I/O.
func New() *Validator {
	return &Validator{}
}

// Validate checks a WorkflowDefinition against the rules of §4.1 and returns
// every violation found, path-qualified, or nil if the definition is valid.
func (v *Validator) Validate(def *types.WorkflowDefinition) types.ValidationErrors {
	var errs types.ValidationErrors

	if !nameRe.MatchString(def.Name) {
		errs = append(errs, types.NewValidationError("workflowDefinition.name", "invalid name"))
	}
	if _, err := semver.NewVersion(def.Rev); err != nil {
		errs = append(errs, types.NewValidationError("workflowDefinition.rev", "invalid revision: "+err.Error()))
	}

	switch def.FailureStrategy {
	case types.StrategyRecoveryWorkflow:
		if def.RecoveryWorkflow == nil {
			errs = append(errs, types.NewValidationError("workflowDefinition.recoveryWorkflow", "required for RecoveryWorkflow strategy"))
		} else {
			if !nameRe.MatchString(def.RecoveryWorkflow.Name) {
				errs = append(errs, types.NewValidationError("workflowDefinition.recoveryWorkflow.name", "invalid name"))
			}
			if _, err := semver.NewVersion(def.RecoveryWorkflow.Rev); err != nil {
				errs = append(errs, types.NewValidationError("workflowDefinition.recoveryWorkflow.rev", "invalid revision: "+err.Error()))
			}
		}
	case types.StrategyRetry, types.StrategyCompensateThenRetry:
		if def.Retry == nil {
			errs = append(errs, types.NewValidationError("workflowDefinition.retry", "required for Retry/CompensateThenRetry strategy"))
		} else {
			if def.Retry.Limit < 0 {
				errs = append(errs, types.NewValidationError("workflowDefinition.retry.limit", "must be non-negative"))
			}
			if def.Retry.DelaySecond < 0 {
				errs = append(errs, types.NewValidationError("workflowDefinition.retry.delaySecond", "must be non-negative"))
			}
		}
	case types.StrategyFailed, types.StrategyCompensate:
		// no additional fields required
	default:
		errs = append(errs, types.NewValidationError("workflowDefinition.failureStrategy", fmt.Sprintf("unknown strategy %q", def.FailureStrategy)))
	}

	if len(def.Tasks) == 0 {
		errs = append(errs, types.NewValidationError("workflowDefinition.tasks", "must be non-empty"))
	}

	refNames := make(map[string]bool)
	for i, task := range def.Tasks {
		path := fmt.Sprintf("workflowDefinition.tasks[%d]", i)
		errs = append(errs, v.validateNode(task, path, refNames)...)
	}

	return errs
}

func (v *Validator) validateNode(node types.TaskNode, path string, refNames map[string]bool) types.ValidationErrors {
	var errs types.ValidationErrors

	if node.TaskReferenceName == "" {
		errs = append(errs, types.NewValidationError(path+".taskReferenceName", "required"))
	} else if !nameRe.MatchString(node.TaskReferenceName) {
		errs = append(errs, types.NewValidationError(path+".taskReferenceName", "invalid taskReferenceName"))
	} else if refNames[node.TaskReferenceName] {
		errs = append(errs, types.NewValidationError(path+".taskReferenceName", fmt.Sprintf("duplicate taskReferenceName %q", node.TaskReferenceName)))
	} else {
		refNames[node.TaskReferenceName] = true
	}

	switch node.Kind {
	case types.TaskTypeTask:
		if !nameRe.MatchString(node.Name) {
			errs = append(errs, types.NewValidationError(path+".name", "invalid name"))
		}
	case types.TaskTypeParallel:
		// A zero-lane Parallel is valid: it completes immediately on entry
		// (§8 boundary behaviour), so no minimum lane count is enforced here.
		for li, lane := range node.Lanes {
			for ti, child := range lane {
				childPath := fmt.Sprintf("%s.lanes[%d].tasks[%d]", path, li, ti)
				errs = append(errs, v.validateNode(child, childPath, refNames)...)
			}
		}
	case types.TaskTypeDecision:
		if len(node.DefaultDecision) == 0 {
			errs = append(errs, types.NewValidationError(path+".defaultDecision", "must be non-empty"))
		}
		for i, child := range node.DefaultDecision {
			childPath := fmt.Sprintf("%s.defaultDecision[%d]", path, i)
			errs = append(errs, v.validateNode(child, childPath, refNames)...)
		}
		for key, branch := range node.Decisions {
			for i, child := range branch {
				childPath := fmt.Sprintf("%s.decisions[%q].tasks[%d]", path, key, i)
				errs = append(errs, v.validateNode(child, childPath, refNames)...)
			}
		}
	case types.TaskTypeSubWorkflow:
		if node.Workflow == nil {
			errs = append(errs, types.NewValidationError(path+".workflow", "required for SubWorkflow"))
		} else {
			if !nameRe.MatchString(node.Workflow.Name) {
				errs = append(errs, types.NewValidationError(path+".workflow.name", "invalid name"))
			}
			if _, err := semver.NewVersion(node.Workflow.Rev); err != nil {
				errs = append(errs, types.NewValidationError(path+".workflow.rev", "invalid revision: "+err.Error()))
			}
		}
	default:
		errs = append(errs, types.NewValidationError(path+".kind", fmt.Sprintf("unknown task node kind %q", node.Kind)))
	}

	return errs
}
