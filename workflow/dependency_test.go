package workflow

import (
	"context"
	"testing"
	"time"

	wfcontext "github.com/r3e-network/flowengine/workflow/context"
)

func TestBranchGuardFalseSkipsNode(t *testing.T) {
	now := time.Now()
	branch := &TaskNode{
		InstanceID: "i1", NodeID: "gate", Status: NodePending, NodeType: NodeBranch,
		ExecutorConfig: map[string]interface{}{"guard": "input.amount > 100"},
		CreatedAt:      now,
	}
	repo := newMemNodeRepo(branch)
	resolver := NewResolver(repo)
	sm := NewStateMachine(repo)
	builder := wfcontext.NewBuilder()

	inst := &Instance{ID: "i1", Status: InstanceRunning, InputData: map[string]interface{}{"amount": 10}}
	ready, err := resolver.Ready(context.Background(), inst, sm, builder)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no ready nodes, got %v", ready)
	}
	if branch.Status != NodeSkipped {
		t.Errorf("expected guard failure to skip the branch node, got %s", branch.Status)
	}
}

func TestParallelNodeCompletesAndUnlocksChildren(t *testing.T) {
	now := time.Now()
	fanout := &TaskNode{InstanceID: "i1", NodeID: "fanout", Status: NodePending, NodeType: NodeParallel, CreatedAt: now}
	childA := &TaskNode{
		InstanceID: "i1", NodeID: "child-a", Status: NodePending, NodeType: NodeSimple,
		Dependencies: []string{"fanout"}, ParallelGroupID: "fanout", CreatedAt: now,
	}
	childB := &TaskNode{
		InstanceID: "i1", NodeID: "child-b", Status: NodePending, NodeType: NodeSimple,
		Dependencies: []string{"fanout"}, ParallelGroupID: "fanout", CreatedAt: now,
	}
	repo := newMemNodeRepo(fanout, childA, childB)
	resolver := NewResolver(repo)
	sm := NewStateMachine(repo)

	inst := &Instance{ID: "i1", Status: InstanceRunning}
	ready, err := resolver.Ready(context.Background(), inst, sm, nil)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected the parallel node itself never to be dispatched, got %v", ready)
	}
	if fanout.Status != NodeCompleted {
		t.Fatalf("expected parallel node to auto-complete, got %s", fanout.Status)
	}

	ready, err = resolver.Ready(context.Background(), inst, sm, nil)
	if err != nil {
		t.Fatalf("ready (second sweep): %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected both fan-out children ready once the parent completed, got %v", ready)
	}
}

func TestLoopAdvancesIterationAfterBodyCompletes(t *testing.T) {
	now := time.Now()
	loop := &TaskNode{
		InstanceID: "i1", NodeID: "loop", Status: NodeCompleted, NodeType: NodeLoop,
		ExecutorConfig: map[string]interface{}{"max_iterations": float64(3)}, CreatedAt: now,
	}
	body0 := &TaskNode{
		InstanceID: "i1", NodeID: "step::0", Status: NodeCompleted, NodeType: NodeSimple,
		Dependencies: []string{"loop"}, ParentNodeID: "loop", CreatedAt: now,
	}
	repo := newMemNodeRepo(loop, body0)
	resolver := NewResolver(repo)
	sm := NewStateMachine(repo)

	inst := &Instance{ID: "i1", Status: InstanceRunning}
	if _, err := resolver.Ready(context.Background(), inst, sm, nil); err != nil {
		t.Fatalf("ready: %v", err)
	}

	next, err := repo.FindByNode(context.Background(), "i1", "step::1")
	if err != nil {
		t.Fatalf("expected iteration 1 to be instantiated: %v", err)
	}
	if next.Status != NodePending {
		t.Errorf("expected new iteration to start pending, got %s", next.Status)
	}
	if len(next.Dependencies) != 1 || next.Dependencies[0] != "step::0" {
		t.Errorf("expected iteration 1 to depend on iteration 0's leaf, got %v", next.Dependencies)
	}
}

func TestLoopStopsAtMaxIterations(t *testing.T) {
	now := time.Now()
	loop := &TaskNode{
		InstanceID: "i1", NodeID: "loop", Status: NodeCompleted, NodeType: NodeLoop,
		ExecutorConfig: map[string]interface{}{"max_iterations": float64(1)}, CreatedAt: now,
	}
	body0 := &TaskNode{
		InstanceID: "i1", NodeID: "step::0", Status: NodeCompleted, NodeType: NodeSimple,
		Dependencies: []string{"loop"}, ParentNodeID: "loop", CreatedAt: now,
	}
	repo := newMemNodeRepo(loop, body0)
	resolver := NewResolver(repo)
	sm := NewStateMachine(repo)

	inst := &Instance{ID: "i1", Status: InstanceRunning}
	if _, err := resolver.Ready(context.Background(), inst, sm, nil); err != nil {
		t.Fatalf("ready: %v", err)
	}

	if _, err := repo.FindByNode(context.Background(), "i1", "step::1"); err == nil {
		t.Fatal("expected no further iteration once max_iterations is reached")
	}
}
