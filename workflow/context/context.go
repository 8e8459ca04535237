// Package context builds the per-node variable view the dispatcher hands
// to an executor: workflow input, the instance's mutable context bag, the
// node's own input, and a map of upstream node outputs.
package context

import (
	"encoding/json"
	"time"
)

// NodeSnapshot is the upstream-node data exposed to a dependent node.
type NodeSnapshot struct {
	Output      map[string]interface{} `json:"output"`
	Status      string                  `json:"status"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
	DurationMs  int64                   `json:"durationMs"`
}

// View is the nested variable view produced for a single node. Every
// Build call returns a fresh value; the caller may mutate the result
// freely without affecting the builder's inputs or any other node's view.
type View struct {
	Input               map[string]interface{} `json:"input"`
	Context             map[string]interface{} `json:"context"`
	NodeInput           map[string]interface{} `json:"nodeInput"`
	Nodes               map[string]NodeSnapshot `json:"nodes"`
	PreviousNodeOutput  map[string]interface{} `json:"previousNodeOutput,omitempty"`
}

// Mode selects which upstream nodes populate View.Nodes.
type Mode int

const (
	// DirectPredecessors includes only the node's immediate dependencies.
	DirectPredecessors Mode = iota
	// AllCompleted includes every completed node in the instance.
	AllCompleted
)

// UpstreamNode is the builder's input shape for one upstream node: its id,
// whether it is a direct dependency of the node being built for, and its
// snapshot.
type UpstreamNode struct {
	NodeID      string
	IsDirectDep bool
	Snapshot    NodeSnapshot
	CompletedAt time.Time
}

// Builder assembles View values from instance/node/upstream data.
type Builder struct{}

// NewBuilder creates a context Builder. It holds no state — variable
// resolution depends only on its Build arguments.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build assembles the nested view for a node, given the instance's input
// and context data, the node's own input, and its upstream nodes.
func (b *Builder) Build(
	instanceInput map[string]interface{},
	instanceContext map[string]interface{},
	nodeInput map[string]interface{},
	upstream []UpstreamNode,
	mode Mode,
) View {
	v := View{
		Input:     deepCopyMap(instanceInput),
		Context:   deepCopyMap(instanceContext),
		NodeInput: deepCopyMap(nodeInput),
		Nodes:     make(map[string]NodeSnapshot, len(upstream)),
	}

	var mostRecent *UpstreamNode
	for i := range upstream {
		u := upstream[i]
		if mode == DirectPredecessors && !u.IsDirectDep {
			continue
		}
		if mode == AllCompleted && u.Snapshot.Status != "completed" {
			continue
		}
		v.Nodes[u.NodeID] = NodeSnapshot{
			Output:      deepCopyMap(u.Snapshot.Output),
			Status:      u.Snapshot.Status,
			CompletedAt: u.Snapshot.CompletedAt,
			DurationMs:  u.Snapshot.DurationMs,
		}
		if u.Snapshot.Status != "completed" {
			continue
		}
		if mostRecent == nil || u.CompletedAt.After(mostRecent.CompletedAt) {
			cp := u
			mostRecent = &cp
		}
	}
	if mostRecent != nil {
		v.PreviousNodeOutput = deepCopyMap(mostRecent.Snapshot.Output)
	}

	return v
}

// Flatten serializes the view to canonical JSON so callers can query a
// dotted-path keyspace (e.g. "nodes.fetch_user.output.email") with
// Lookup, without hand-rolling a recursive flattener.
func (v View) Flatten() ([]byte, error) {
	return json.Marshal(v)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		out[k] = deepCopyValue(val)
	}
	return out
}

func deepCopyValue(val interface{}) interface{} {
	switch t := val.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return t
	}
}
