package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/r3e-network/flowengine/corelog"
	"github.com/r3e-network/flowengine/executor"
	"github.com/r3e-network/flowengine/telemetry"
)

type fakeExecutor struct{}

func (fakeExecutor) Name() string { return "noop" }
func (fakeExecutor) Version() *semver.Version {
	v, _ := semver.NewVersion("1.0.0")
	return v
}
func (fakeExecutor) Validate(map[string]interface{}) (executor.ValidationResult, error) {
	return executor.ValidationResult{Valid: true}, nil
}
func (fakeExecutor) Execute(ectx executor.ExecContext) (executor.Result, error) {
	return executor.Result{Success: true}, nil
}

func newTestDispatcher(instances InstanceRepo, nodes TaskNodeRepo) *Dispatcher {
	registry := executor.NewRegistry()
	_ = registry.Register(fakeExecutor{})
	return NewDispatcher(instances, nodes, registry, DispatcherConfig{
		EngineID: "engine-a", LeaseTTL: time.Minute,
	}, corelog.NewDefault("test"), telemetry.NewWithRegistry(nil))
}

// TestSweepClaimsPendingInstanceAndDispatchesReadyNode exercises the
// pending -> running -> node dispatch path end to end through a single
// sweepOnce call, the path the reviewed dead AcquireLease gap blocked.
func TestSweepClaimsPendingInstanceAndDispatchesReadyNode(t *testing.T) {
	now := time.Now()
	inst := &Instance{ID: "i1", Status: InstancePending, CreatedAt: now}
	node := &TaskNode{InstanceID: "i1", NodeID: "n1", Status: NodePending, ExecutorName: "noop", CreatedAt: now}

	instances := newMemInstanceRepo(inst)
	nodes := newMemNodeRepo(node)
	d := newTestDispatcher(instances, nodes)

	if _, err := d.sweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if inst.Status != InstanceRunning || inst.AssignedEngineID != "engine-a" {
		t.Fatalf("expected instance claimed by engine-a, got status=%s assigned=%s", inst.Status, inst.AssignedEngineID)
	}

	deadline := time.After(2 * time.Second)
	for node.Status != NodeCompleted {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for node to complete, status=%s", node.Status)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// TestSweepDoesNotClaimMutexContendedInstance confirms two pending instances
// sharing a mutex_key are never both claimed by the same sweep.
func TestSweepDoesNotClaimMutexContendedInstance(t *testing.T) {
	older := &Instance{ID: "older", Status: InstancePending, MutexKey: "tenant-1", CreatedAt: time.Now().Add(-time.Minute)}
	newer := &Instance{ID: "newer", Status: InstancePending, MutexKey: "tenant-1", CreatedAt: time.Now()}

	instances := newMemInstanceRepo(older, newer)
	nodes := newMemNodeRepo()
	d := newTestDispatcher(instances, nodes)

	claimed, err := d.claimOnce(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one instance claimed for a contended mutex key, got %d", claimed)
	}
	if older.Status != InstanceRunning {
		t.Errorf("expected the oldest pending instance to be claimed, got older.Status=%s newer.Status=%s", older.Status, newer.Status)
	}
	if newer.Status != InstancePending {
		t.Errorf("expected the newer same-key instance to remain pending, got %s", newer.Status)
	}
}
