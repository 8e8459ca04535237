package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/flowengine/apperror"
)

type memInstanceRepo struct {
	byID map[string]*Instance
	// owners holds each instance's lock_owner as last stored; byID keeps the
	// callers' own pointers, which they mutate before UpdateStatus.
	owners map[string]string
}

func newMemInstanceRepo(instances ...*Instance) *memInstanceRepo {
	r := &memInstanceRepo{byID: make(map[string]*Instance), owners: make(map[string]string)}
	for _, inst := range instances {
		r.byID[inst.ID] = inst
		r.owners[inst.ID] = inst.LockOwner
	}
	return r
}

func (r *memInstanceRepo) Create(ctx context.Context, inst *Instance) error {
	r.byID[inst.ID] = inst
	r.owners[inst.ID] = inst.LockOwner
	return nil
}

func (r *memInstanceRepo) FindByID(ctx context.Context, id string) (*Instance, error) {
	inst, ok := r.byID[id]
	if !ok {
		return nil, apperror.NotFound("workflow_instance", id)
	}
	return inst, nil
}

func (r *memInstanceRepo) FindByExternalID(ctx context.Context, externalID string) (*Instance, error) {
	for _, inst := range r.byID {
		if inst.ExternalID == externalID {
			return inst, nil
		}
	}
	return nil, apperror.NotFound("workflow_instance", externalID)
}

func (r *memInstanceRepo) UpdateStatus(ctx context.Context, inst *Instance, expectedLockOwner string) error {
	stored, ok := r.owners[inst.ID]
	if ok && stored != expectedLockOwner {
		return apperror.Wrap(apperror.KindLeaseLost, "lock_owner mismatch", nil)
	}
	r.byID[inst.ID] = inst
	r.owners[inst.ID] = inst.LockOwner
	return nil
}

func (r *memInstanceRepo) Heartbeat(ctx context.Context, id, lockOwner string) error {
	inst, ok := r.byID[id]
	if !ok {
		return apperror.NotFound("workflow_instance", id)
	}
	if inst.LockOwner != lockOwner {
		return apperror.Wrap(apperror.KindLeaseLost, "lock_owner mismatch", nil)
	}
	now := time.Now().UTC()
	inst.LastHeartbeat = &now
	return nil
}

func (r *memInstanceRepo) ListForEngine(ctx context.Context, engineID string) ([]*Instance, error) {
	var out []*Instance
	for _, inst := range r.byID {
		if inst.AssignedEngineID == engineID && inst.Status == InstanceRunning {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *memInstanceRepo) ListRunnableForMutexKey(ctx context.Context, mutexKey string) (*Instance, error) {
	var oldest *Instance
	for _, inst := range r.byID {
		if inst.MutexKey != mutexKey || inst.Status != InstancePending {
			continue
		}
		if oldest == nil || inst.CreatedAt.Before(oldest.CreatedAt) {
			oldest = inst
		}
	}
	if oldest == nil {
		return nil, apperror.NotFound("runnable instance for mutex key", mutexKey)
	}
	return oldest, nil
}

func (r *memInstanceRepo) FindRunningByMutexKey(ctx context.Context, mutexKey string) (*Instance, error) {
	for _, inst := range r.byID {
		if inst.MutexKey == mutexKey && inst.Status == InstanceRunning {
			return inst, nil
		}
	}
	return nil, apperror.NotFound("running instance for mutex key", mutexKey)
}

func (r *memInstanceRepo) ListClaimable(ctx context.Context, leaseTTL time.Duration, limit int) ([]*Instance, error) {
	now := time.Now().UTC()
	var out []*Instance
	for _, inst := range r.byID {
		switch {
		case inst.Status == InstancePending:
		case inst.Status == InstanceRunning && (inst.LastHeartbeat == nil || now.Sub(*inst.LastHeartbeat) > leaseTTL):
		default:
			continue
		}
		if inst.MutexKey != "" {
			if holder, err := r.FindRunningByMutexKey(ctx, inst.MutexKey); err == nil && holder.ID != inst.ID {
				continue
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

func TestAcquireLeaseClaimsPendingInstance(t *testing.T) {
	inst := &Instance{ID: "i1", Status: InstancePending}
	repo := newMemInstanceRepo(inst)
	mgr := NewInstanceManager(repo, nil, time.Minute)

	if err := mgr.AcquireLease(context.Background(), inst, "engine-a"); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if inst.Status != InstanceRunning || inst.LockOwner != "engine-a" {
		t.Errorf("expected running/locked by engine-a, got status=%s owner=%s", inst.Status, inst.LockOwner)
	}
	if inst.StartedAt == nil {
		t.Error("expected started_at to be set on first transition to running")
	}
}

func TestAcquireLeaseReclaimsExpiredLease(t *testing.T) {
	expired := time.Now().UTC().Add(-time.Hour)
	inst := &Instance{ID: "i1", Status: InstanceRunning, LockOwner: "engine-a", LastHeartbeat: &expired}
	repo := newMemInstanceRepo(inst)
	mgr := NewInstanceManager(repo, nil, time.Minute)

	if err := mgr.AcquireLease(context.Background(), inst, "engine-b"); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if inst.LockOwner != "engine-b" {
		t.Errorf("expected engine-b to reclaim the expired lease, got owner=%s", inst.LockOwner)
	}
}

func TestAcquireLeaseRejectsWhenLeaseStillFresh(t *testing.T) {
	now := time.Now().UTC()
	inst := &Instance{ID: "i1", Status: InstanceRunning, LockOwner: "engine-a", LastHeartbeat: &now}
	repo := newMemInstanceRepo(inst)
	mgr := NewInstanceManager(repo, nil, time.Minute)

	err := mgr.AcquireLease(context.Background(), inst, "engine-b")
	if !apperror.IsLeaseLost(err) {
		t.Errorf("expected lease-lost error, got %v", err)
	}
}

func TestAcquireLeaseRejectsMutexKeyHeldByAnotherRunningInstance(t *testing.T) {
	holder := &Instance{ID: "holder", Status: InstanceRunning, LockOwner: "engine-a", MutexKey: "tenant-42"}
	candidate := &Instance{ID: "candidate", Status: InstancePending, MutexKey: "tenant-42"}
	repo := newMemInstanceRepo(holder, candidate)
	mgr := NewInstanceManager(repo, nil, time.Minute)

	err := mgr.AcquireLease(context.Background(), candidate, "engine-b")
	if !apperror.IsLeaseLost(err) {
		t.Errorf("expected lease-lost error for contended mutex key, got %v", err)
	}
	if candidate.Status != InstancePending {
		t.Errorf("expected candidate to remain pending, got %s", candidate.Status)
	}
}

func TestAcquireLeaseAllowsMutexKeyOnceHolderTerminal(t *testing.T) {
	holder := &Instance{ID: "holder", Status: InstanceCompleted, MutexKey: "tenant-42"}
	candidate := &Instance{ID: "candidate", Status: InstancePending, MutexKey: "tenant-42"}
	repo := newMemInstanceRepo(holder, candidate)
	mgr := NewInstanceManager(repo, nil, time.Minute)

	if err := mgr.AcquireLease(context.Background(), candidate, "engine-b"); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if candidate.Status != InstanceRunning {
		t.Errorf("expected candidate to become running once no holder remains, got %s", candidate.Status)
	}
}
