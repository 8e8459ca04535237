package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/flowengine/apperror"
)

type memNodeRepo struct {
	byKey map[string]*TaskNode
	// owners holds each node's lock_owner as last stored. byKey keeps the
	// callers' own pointers, which they mutate before UpdateStatus, so the
	// CAS check compares against this copy instead.
	owners map[string]string
}

func newMemNodeRepo(nodes ...*TaskNode) *memNodeRepo {
	r := &memNodeRepo{byKey: make(map[string]*TaskNode), owners: make(map[string]string)}
	for _, n := range nodes {
		r.byKey[n.InstanceID+"/"+n.NodeID] = n
		r.owners[n.InstanceID+"/"+n.NodeID] = n.LockOwner
	}
	return r
}

func (r *memNodeRepo) Create(ctx context.Context, node *TaskNode) error {
	r.byKey[node.InstanceID+"/"+node.NodeID] = node
	r.owners[node.InstanceID+"/"+node.NodeID] = node.LockOwner
	return nil
}

func (r *memNodeRepo) FindByNode(ctx context.Context, instanceID, nodeID string) (*TaskNode, error) {
	n, ok := r.byKey[instanceID+"/"+nodeID]
	if !ok {
		return nil, apperror.NotFound("task_node", nodeID)
	}
	return n, nil
}

func (r *memNodeRepo) FindExecutable(ctx context.Context, instanceID string, limit int) ([]*TaskNode, error) {
	return nil, nil
}

func (r *memNodeRepo) UpdateStatus(ctx context.Context, node *TaskNode, expectedLockOwner string) error {
	stored, ok := r.owners[node.InstanceID+"/"+node.NodeID]
	if ok && stored != expectedLockOwner {
		return apperror.Wrap(apperror.KindLeaseLost, "lock_owner mismatch", nil)
	}
	r.byKey[node.InstanceID+"/"+node.NodeID] = node
	r.owners[node.InstanceID+"/"+node.NodeID] = node.LockOwner
	return nil
}

func (r *memNodeRepo) FindDependencies(ctx context.Context, instanceID string, nodeIDs []string) ([]*TaskNode, error) {
	out := make([]*TaskNode, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if n, ok := r.byKey[instanceID+"/"+id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memNodeRepo) BatchUpdateStatus(ctx context.Context, nodes []*TaskNode) error {
	for _, n := range nodes {
		r.byKey[n.InstanceID+"/"+n.NodeID] = n
		r.owners[n.InstanceID+"/"+n.NodeID] = n.LockOwner
	}
	return nil
}

func (r *memNodeRepo) ListByInstance(ctx context.Context, instanceID string) ([]*TaskNode, error) {
	var out []*TaskNode
	for _, n := range r.byKey {
		if n.InstanceID == instanceID {
			out = append(out, n)
		}
	}
	return out, nil
}

func TestTransitionToRunningAcquiresLock(t *testing.T) {
	node := &TaskNode{InstanceID: "i1", NodeID: "n1", Status: NodePending}
	repo := newMemNodeRepo(node)
	sm := NewStateMachine(repo)

	if err := sm.TransitionToRunning(context.Background(), node, "engine-a"); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if node.Status != NodeRunning || node.LockOwner != "engine-a" {
		t.Errorf("expected running/locked by engine-a, got status=%s owner=%s", node.Status, node.LockOwner)
	}
}

func TestTransitionToRunningRejectsAlreadyLocked(t *testing.T) {
	node := &TaskNode{InstanceID: "i1", NodeID: "n1", Status: NodePending, LockOwner: "engine-a"}
	repo := newMemNodeRepo(node)
	sm := NewStateMachine(repo)

	err := sm.TransitionToRunning(context.Background(), node, "engine-b")
	if !apperror.IsLeaseLost(err) {
		t.Errorf("expected lease-lost error, got %v", err)
	}
}

func TestTerminalTransitionsAreWriteOnce(t *testing.T) {
	node := &TaskNode{InstanceID: "i1", NodeID: "n1", Status: NodeCompleted}
	repo := newMemNodeRepo(node)
	sm := NewStateMachine(repo)

	err := sm.TransitionToCompleted(context.Background(), node, nil)
	if apperror.KindOf(err) != apperror.KindFatal {
		t.Errorf("expected fatal error re-completing a terminal node, got %v", err)
	}
}

func TestTransitionToFailedRetriesWithinBudget(t *testing.T) {
	node := &TaskNode{InstanceID: "i1", NodeID: "n1", Status: NodeRunning, LockOwner: "engine-a", RetryCount: 0, MaxRetries: 3}
	repo := newMemNodeRepo(node)
	sm := NewStateMachine(repo)

	stillRetryable, delay, err := sm.TransitionToFailed(context.Background(), node, &ErrorDetail{Kind: "transient"}, true)
	if err != nil {
		t.Fatalf("transition to failed: %v", err)
	}
	if !stillRetryable {
		t.Error("expected node to still have retry budget")
	}
	if delay <= 0 {
		t.Error("expected a positive retry delay")
	}
	if node.Status != NodePending || node.RetryCount != 1 {
		t.Errorf("expected pending with retry_count=1, got status=%s retry_count=%d", node.Status, node.RetryCount)
	}
}

func TestTransitionToFailedTerminalWhenBudgetExhausted(t *testing.T) {
	node := &TaskNode{InstanceID: "i1", NodeID: "n1", Status: NodeRunning, LockOwner: "engine-a", RetryCount: 3, MaxRetries: 3}
	repo := newMemNodeRepo(node)
	sm := NewStateMachine(repo)

	stillRetryable, _, err := sm.TransitionToFailed(context.Background(), node, &ErrorDetail{Kind: "transient"}, true)
	if err != nil {
		t.Fatalf("transition to failed: %v", err)
	}
	if stillRetryable {
		t.Error("expected no remaining retry budget")
	}
	if node.Status != NodeFailed {
		t.Errorf("expected terminal failed status, got %s", node.Status)
	}
}

func TestDependencyCompletionRequiredBeforeReady(t *testing.T) {
	now := time.Now()
	upstream := &TaskNode{InstanceID: "i1", NodeID: "fetch", Status: NodeCompleted, CompletedAt: &now, CreatedAt: now}
	downstream := &TaskNode{InstanceID: "i1", NodeID: "notify", Status: NodePending, Dependencies: []string{"fetch"}, CreatedAt: now}
	repo := newMemNodeRepo(upstream, downstream)
	resolver := NewResolver(repo)
	sm := NewStateMachine(repo)

	inst := &Instance{ID: "i1", Status: InstanceRunning}
	ready, err := resolver.Ready(context.Background(), inst, sm, nil)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].NodeID != "notify" {
		t.Fatalf("expected only notify to be ready, got %v", ready)
	}
}

func TestDetectCycleRejectsCyclicGraph(t *testing.T) {
	def := &Definition{
		Nodes: []NodeSpec{
			{NodeID: "a", Dependencies: []string{"b"}},
			{NodeID: "b", Dependencies: []string{"a"}},
		},
	}
	if err := DetectCycle(def); err == nil {
		t.Fatal("expected cyclic dependency to be rejected")
	}
}

func TestDetectCycleRejectsUnknownDependency(t *testing.T) {
	def := &Definition{
		Nodes: []NodeSpec{{NodeID: "a", Dependencies: []string{"missing"}}},
	}
	if err := DetectCycle(def); err == nil {
		t.Fatal("expected unknown dependency to be rejected")
	}
}

func TestDetectCycleAcceptsValidDag(t *testing.T) {
	def := &Definition{
		Nodes: []NodeSpec{
			{NodeID: "a"},
			{NodeID: "b", Dependencies: []string{"a"}},
			{NodeID: "c", Dependencies: []string{"a", "b"}},
		},
	}
	if err := DetectCycle(def); err != nil {
		t.Fatalf("expected valid DAG to pass, got %v", err)
	}
}
