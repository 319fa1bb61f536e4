// ABOUTME: Computes the next runnable task node within a workflow instance's tree
// ABOUTME: Covers sequence, parallel-lane, and decision-branch traversal (§4.2 "Advancing a workflow")

package traversal

import (
	"sort"

	"github.com/devit-tel/sagapm/pkg/types"
)

// Siblings returns the node list enclosing ti: the workflow's top-level
// task list for a root node, or the relevant Parallel lane / resolved
// Decision branch otherwise. parent must be the container TaskInstance
// named by ti.ParentTaskID, or nil when ti is a root node.
func Siblings(def *types.WorkflowDefinition, parent *types.TaskInstance, ti *types.TaskInstance) []types.TaskNode {
	if ti.ParentTaskID == "" {
		return def.Tasks
	}
	if parent == nil || ti.LaneIndex >= len(parent.Lanes) {
		return nil
	}
	return parent.Lanes[ti.LaneIndex]
}

// FirstNode returns the first node of a list, used both for a workflow's
// top-level sequence and for entering a Parallel lane / Decision branch.
func FirstNode(list []types.TaskNode) (types.TaskNode, bool) {
	if len(list) == 0 {
		return types.TaskNode{}, false
	}
	return list[0], true
}

// NextNode returns the node immediately following ti within siblings, or
// ok=false if ti was the last node in the list (§4.2 "Sequence").
func NextNode(siblings []types.TaskNode, ti *types.TaskInstance) (node types.TaskNode, nextIndex int, ok bool) {
	nextIndex = ti.SequenceIndex + 1
	if nextIndex >= len(siblings) {
		return types.TaskNode{}, nextIndex, false
	}
	return siblings[nextIndex], nextIndex, true
}

// ResolveDecision selects a Decision node's branch given its resolved
// decision value — decisions[value] if present, defaultDecision otherwise
// (§4.2 "Decision").
func ResolveDecision(node types.TaskNode, value string) []types.TaskNode {
	if branch, ok := node.Decisions[value]; ok {
		return branch
	}
	return node.DefaultDecision
}

// LaneInstances filters a Parallel container's children to one lane and
// orders them by position within that lane. children is scoped to direct
// children of containerID: a sibling container elsewhere in the same
// workflow instance that happens to reuse the same lane index must not be
// mistaken for this container's lane.
func LaneInstances(children []*types.TaskInstance, containerID string, lane int) []*types.TaskInstance {
	var out []*types.TaskInstance
	for _, c := range children {
		if c.ParentTaskID == containerID && c.LaneIndex == lane {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out
}

// ParallelStatus inspects every lane's latest instance against the
// container's lane definitions. A lane is complete when its last instance
// is Completed at the lane's final index; the Parallel node is complete
// only when every lane is. Any lane ending in a terminal non-Completed
// status fails the whole node, per §4.2 "partial failure of any lane fails
// the Parallel node". A lane whose last instance failed is never complete,
// so complete and failed are never both true.
func ParallelStatus(container *types.TaskInstance, children []*types.TaskInstance) (complete, failed bool) {
	complete = true
	for lane, laneDef := range container.Lanes {
		insts := LaneInstances(children, container.ID, lane)
		if len(insts) == 0 {
			complete = false
			continue
		}
		last := insts[len(insts)-1]
		switch last.Status {
		case types.TaskFailed, types.TaskAckTimeOut, types.TaskTimeout:
			failed = true
		}
		if !(last.Status == types.TaskCompleted && last.SequenceIndex == len(laneDef)-1) {
			complete = false
		}
	}
	return complete, failed
}
