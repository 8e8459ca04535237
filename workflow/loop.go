package workflow

import (
	"context"
	"strconv"
)

const loopIterSep = "::"

// loopBodyNodeID builds the instantiated node id for a loop body template's
// base id at a given iteration, e.g. loopBodyNodeID("fetch", 2) -> "fetch::2".
func loopBodyNodeID(baseID string, iteration int) string {
	return baseID + loopIterSep + strconv.Itoa(iteration)
}

// loopNodeBase splits an instantiated loop body node id back into its
// template base id and iteration index. ok is false for node ids that were
// never instantiated by a loop (no "::<n>" suffix).
func loopNodeBase(nodeID string) (base string, iteration int, ok bool) {
	for i := len(nodeID) - 1; i >= 0; i-- {
		if nodeID[i] == ':' && i > 0 && nodeID[i-1] == ':' {
			n, err := strconv.Atoi(nodeID[i+1:])
			if err != nil {
				return "", 0, false
			}
			return nodeID[:i-1], n, true
		}
	}
	return "", 0, false
}

// loopMaxIterations reads a loop node's configured iteration bound,
// defaulting to 1 (run the body once, no re-instantiation).
func loopMaxIterations(n *TaskNode) int {
	v, ok := n.ExecutorConfig["max_iterations"]
	if !ok {
		return 1
	}
	switch t := v.(type) {
	case float64:
		if t > 0 {
			return int(t)
		}
	case int:
		if t > 0 {
			return t
		}
	}
	return 1
}

// loopIterationLeaves returns the node ids in nodes that nothing else in
// nodes depends on — the exit points of one loop iteration's body.
func loopIterationLeaves(nodes []*TaskNode) []string {
	depended := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			depended[dep] = true
		}
	}
	leaves := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if !depended[n.NodeID] {
			leaves = append(leaves, n.NodeID)
		}
	}
	return leaves
}

// advanceLoops scans every completed NodeLoop node's instantiated body
// iterations and, once the latest iteration's body has entirely reached a
// terminal state, clones it into the next iteration — up to the loop's
// configured max_iterations bound. Body templates are expected to be
// instantiated at iteration 0 with node ids of the form "<base>::0" and
// parent_node_id set to the owning loop node's id; internal dependencies
// reference sibling "<base>::0" ids, and the body's entry node(s) depend on
// the loop node itself.
func (r *Resolver) advanceLoops(ctx context.Context, all []*TaskNode) error {
	for _, n := range all {
		if n.NodeType != NodeLoop || n.Status != NodeCompleted {
			continue
		}

		bound := loopMaxIterations(n)
		byIteration := map[int][]*TaskNode{}
		maxIter := -1
		for _, c := range all {
			if c.ParentNodeID != n.NodeID {
				continue
			}
			base, iter, ok := loopNodeBase(c.NodeID)
			if !ok || base == "" {
				continue
			}
			byIteration[iter] = append(byIteration[iter], c)
			if iter > maxIter {
				maxIter = iter
			}
		}
		if maxIter < 0 || maxIter+1 >= bound {
			continue
		}

		latest := byIteration[maxIter]
		allDone := true
		for _, c := range latest {
			if !c.Status.IsTerminal() {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}

		nextIter := maxIter + 1
		leaves := loopIterationLeaves(latest)
		latestIDs := make(map[string]bool, len(latest))
		for _, c := range latest {
			latestIDs[c.NodeID] = true
		}

		for _, tmpl := range latest {
			base, _, _ := loopNodeBase(tmpl.NodeID)
			clone := &TaskNode{
				InstanceID:      tmpl.InstanceID,
				NodeID:          loopBodyNodeID(base, nextIter),
				NodeName:        tmpl.NodeName,
				NodeType:        tmpl.NodeType,
				ExecutorName:    tmpl.ExecutorName,
				ExecutorConfig:  tmpl.ExecutorConfig,
				Status:          NodePending,
				InputData:       tmpl.InputData,
				ParallelGroupID: tmpl.ParallelGroupID,
				ParentNodeID:    tmpl.ParentNodeID,
				MaxRetries:      tmpl.MaxRetries,
				Timeout:         tmpl.Timeout,
			}

			deps := make([]string, 0, len(tmpl.Dependencies))
			for _, dep := range tmpl.Dependencies {
				if latestIDs[dep] {
					depBase, _, _ := loopNodeBase(dep)
					deps = append(deps, loopBodyNodeID(depBase, nextIter))
					continue
				}
				// dep pointed outside this iteration's body (typically the
				// loop node itself, satisfied already) — serialize against
				// the previous iteration's exit nodes instead.
				deps = append(deps, leaves...)
			}
			clone.Dependencies = dedupeStrings(deps)

			if err := r.nodes.Create(ctx, clone); err != nil {
				return err
			}
		}
	}
	return nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
