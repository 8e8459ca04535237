package workflow

import (
	"context"
	"sort"

	"github.com/dop251/goja"

	"github.com/r3e-network/flowengine/apperror"
	wfcontext "github.com/r3e-network/flowengine/workflow/context"
)

// Resolver computes the set of ready-to-run nodes for an instance (C4).
type Resolver struct {
	nodes TaskNodeRepo
}

// NewResolver builds a dependency resolver bound to a node repository.
func NewResolver(nodes TaskNodeRepo) *Resolver {
	return &Resolver{nodes: nodes}
}

// Ready returns every pending node in instanceID whose dependencies are all
// completed, ordered by (created_at asc, node_id asc); TaskNode carries no
// priority of its own.
// Branch nodes are evaluated here: a false guard transitions the node
// straight to skipped and it is not included in the result.
func (r *Resolver) Ready(ctx context.Context, inst *Instance, sm *StateMachine, builder *wfcontext.Builder) ([]*TaskNode, error) {
	all, err := r.nodes.ListByInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*TaskNode, len(all))
	// statusBefore snapshots each node's status as of the start of this
	// sweep, so a control node that auto-completes below does not unlock
	// its dependents until the next sweep — dependent readiness must not
	// depend on map iteration order over nodes mutated mid-loop.
	statusBefore := make(map[string]NodeStatus, len(all))
	for _, n := range all {
		byID[n.NodeID] = n
		statusBefore[n.NodeID] = n.Status
	}

	if err := r.advanceLoops(ctx, all); err != nil {
		return nil, err
	}

	var ready []*TaskNode
	for _, n := range all {
		if n.Status != NodePending {
			continue
		}
		if !dependenciesCompletedAsOf(n, statusBefore) {
			continue
		}

		if n.NodeType == NodeBranch {
			pass, guardErr := evaluateGuard(n, inst, byID, builder)
			if guardErr != nil {
				return nil, guardErr
			}
			if !pass {
				if err := sm.TransitionToSkipped(ctx, n); err != nil {
					return nil, err
				}
				continue
			}
		}

		// Parallel and loop nodes are control nodes, not executor work:
		// their children (sharing parallel_group_id or parent_node_id) run
		// as ordinary dependents once the control node itself completes.
		if n.NodeType == NodeParallel || n.NodeType == NodeLoop {
			if err := sm.TransitionToCompleted(ctx, n, nil); err != nil {
				return nil, err
			}
			continue
		}

		ready = append(ready, n)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.NodeID < b.NodeID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	return ready, nil
}

func dependenciesCompletedAsOf(n *TaskNode, statusBefore map[string]NodeStatus) bool {
	for _, dep := range n.Dependencies {
		status, ok := statusBefore[dep]
		if !ok || status != NodeCompleted {
			return false
		}
	}
	return true
}

// evaluateGuard runs a branch node's JavaScript guard expression against
// the node's variable context view, returning the boolean result.
func evaluateGuard(n *TaskNode, inst *Instance, byID map[string]*TaskNode, builder *wfcontext.Builder) (bool, error) {
	guardExpr, _ := n.ExecutorConfig["guard"].(string)
	if guardExpr == "" {
		return true, nil
	}

	upstream := make([]wfcontext.UpstreamNode, 0, len(n.Dependencies))
	for _, dep := range n.Dependencies {
		depNode, ok := byID[dep]
		if !ok {
			continue
		}
		u := wfcontext.UpstreamNode{
			NodeID:      dep,
			IsDirectDep: true,
			Snapshot: wfcontext.NodeSnapshot{
				Output: depNode.OutputData,
				Status: string(depNode.Status),
			},
		}
		if depNode.CompletedAt != nil {
			u.CompletedAt = *depNode.CompletedAt
			u.Snapshot.CompletedAt = depNode.CompletedAt
		}
		upstream = append(upstream, u)
	}

	view := builder.Build(inst.InputData, inst.ContextData, n.InputData, upstream, wfcontext.DirectPredecessors)

	vm := goja.New()
	if err := vm.Set("input", view.Input); err != nil {
		return false, apperror.Wrap(apperror.KindFatal, "bind guard input", err)
	}
	if err := vm.Set("context", view.Context); err != nil {
		return false, apperror.Wrap(apperror.KindFatal, "bind guard context", err)
	}
	if err := vm.Set("nodes", view.Nodes); err != nil {
		return false, apperror.Wrap(apperror.KindFatal, "bind guard nodes", err)
	}

	result, err := vm.RunString(guardExpr)
	if err != nil {
		return false, apperror.Wrap(apperror.KindValidation, "evaluate branch guard", err).
			WithDetails(map[string]string{"node_id": n.NodeID})
	}

	return result.ToBoolean(), nil
}

// DetectCycle reports whether the given definition's DAG contains a cycle
// or a dependency on a node id the definition does not declare. Only each
// NodeSpec's Dependencies are examined, not def.Edges. DefinitionStore.Create
// calls it before storing a definition (Update does not); the resolver never
// re-validates topology at runtime.
func DetectCycle(def *Definition) error {
	adjacency := make(map[string][]string, len(def.Nodes))
	known := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		known[n.NodeID] = true
	}
	for _, n := range def.Nodes {
		for _, dep := range n.Dependencies {
			if !known[dep] {
				return apperror.Validation("dependencies",
					"node "+n.NodeID+" depends on unknown node "+dep)
			}
			adjacency[dep] = append(adjacency[dep], n.NodeID)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adjacency[id] {
			switch color[next] {
			case gray:
				return apperror.Validation("dependencies", "cyclic dependency detected at node "+next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range def.Nodes {
		if color[n.NodeID] == white {
			if err := visit(n.NodeID); err != nil {
				return err
			}
		}
	}
	return nil
}
