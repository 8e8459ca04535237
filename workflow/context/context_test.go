package context

import (
	"testing"
	"time"
)

func TestBuildDirectPredecessorsOnly(t *testing.T) {
	builder := NewBuilder()

	now := time.Now()
	upstream := []UpstreamNode{
		{
			NodeID:      "fetch_user",
			IsDirectDep: true,
			CompletedAt: now,
			Snapshot: NodeSnapshot{
				Output: map[string]interface{}{"email": "a@example.com"},
				Status: "completed",
			},
		},
		{
			NodeID:      "unrelated",
			IsDirectDep: false,
			Snapshot:    NodeSnapshot{Status: "completed"},
		},
	}

	view := builder.Build(
		map[string]interface{}{"orderId": "123"},
		map[string]interface{}{"attempt": 1},
		map[string]interface{}{"template": "welcome"},
		upstream,
		DirectPredecessors,
	)

	if len(view.Nodes) != 1 {
		t.Fatalf("expected only the direct predecessor, got %d nodes", len(view.Nodes))
	}
	if _, ok := view.Nodes["fetch_user"]; !ok {
		t.Error("expected fetch_user in nodes map")
	}
	if view.PreviousNodeOutput["email"] != "a@example.com" {
		t.Error("expected previousNodeOutput to reflect the most recently completed upstream node")
	}
}

func TestBuildResultDoesNotAliasInputs(t *testing.T) {
	builder := NewBuilder()
	input := map[string]interface{}{"orderId": "123"}

	view := builder.Build(input, nil, nil, nil, AllCompleted)
	view.Input["orderId"] = "mutated"

	if input["orderId"] != "123" {
		t.Error("mutating the returned view must not affect the caller's input map")
	}
}

func TestLookupFlattenedPath(t *testing.T) {
	builder := NewBuilder()
	view := builder.Build(
		map[string]interface{}{"orderId": "123"},
		nil, nil,
		[]UpstreamNode{{
			NodeID: "fetch_user", IsDirectDep: true,
			Snapshot: NodeSnapshot{Status: "completed", Output: map[string]interface{}{"email": "a@example.com"}},
		}},
		AllCompleted,
	)

	got, err := view.LookupString("nodes.fetch_user.output.email")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != "a@example.com" {
		t.Errorf("expected a@example.com, got %q", got)
	}
}

func TestLookupMissingPathIsNotFound(t *testing.T) {
	builder := NewBuilder()
	view := builder.Build(nil, nil, nil, nil, AllCompleted)

	_, err := view.Lookup("nodes.missing.output")
	if err == nil {
		t.Fatal("expected an error for a missing path")
	}
}

func TestResolveTemplate(t *testing.T) {
	builder := NewBuilder()
	view := builder.Build(
		map[string]interface{}{"orderId": "123"},
		nil, nil, nil, AllCompleted,
	)

	got, err := view.ResolveTemplate("$.input.orderId")
	if err != nil {
		t.Fatalf("resolve template: %v", err)
	}
	if got != "123" {
		t.Errorf("expected 123, got %v", got)
	}
}
