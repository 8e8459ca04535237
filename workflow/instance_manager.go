package workflow

import (
	"context"
	"time"

	"github.com/r3e-network/flowengine/apperror"
)

// InstanceManager owns instance lifecycle, lease acquisition, and
// heartbeating (C5).
type InstanceManager struct {
	instances InstanceRepo
	nodes     TaskNodeRepo
	leaseTTL  time.Duration
}

// NewInstanceManager builds an instance manager bound to its repositories.
func NewInstanceManager(instances InstanceRepo, nodes TaskNodeRepo, leaseTTL time.Duration) *InstanceManager {
	return &InstanceManager{instances: instances, nodes: nodes, leaseTTL: leaseTTL}
}

// AcquireLease attempts to transition inst to running under engineID. It
// succeeds when lock_owner is unset or the existing lease has expired
// (last_heartbeat older than leaseTTL), and when the instance's mutex_key
// (if any) has no other currently-running holder.
func (m *InstanceManager) AcquireLease(ctx context.Context, inst *Instance, engineID string) error {
	if inst.Status.IsTerminal() {
		return apperror.Wrap(apperror.KindFatal, "cannot acquire lease on a terminal instance", nil)
	}
	if inst.Status == InstanceRunning && inst.LockOwner == engineID {
		return nil
	}

	now := time.Now().UTC()
	leaseExpired := inst.LastHeartbeat == nil || now.Sub(*inst.LastHeartbeat) > m.leaseTTL
	if inst.LockOwner != "" && !leaseExpired {
		return apperror.Wrap(apperror.KindLeaseLost, "instance lease held by another engine", nil)
	}

	if inst.MutexKey != "" {
		holder, err := m.instances.FindRunningByMutexKey(ctx, inst.MutexKey)
		if err != nil && !apperror.IsNotFound(err) {
			return err
		}
		if holder != nil && holder.ID != inst.ID {
			return apperror.Wrap(apperror.KindLeaseLost, "mutex key already held by a running instance", nil).
				WithDetails(map[string]string{"mutex_key": inst.MutexKey, "holder_id": holder.ID})
		}
	}

	expectedOwner := inst.LockOwner

	wasPending := inst.Status == InstancePending
	inst.Status = InstanceRunning
	inst.LockOwner = engineID
	inst.AssignedEngineID = engineID
	inst.LockAcquiredAt = &now
	inst.LastHeartbeat = &now
	if wasPending {
		inst.StartedAt = &now
	}

	return m.instances.UpdateStatus(ctx, inst, expectedOwner)
}

// Heartbeat extends an instance's lease; callers must heartbeat at an
// interval <= leaseTTL/3 to keep the lease from being reclaimed.
func (m *InstanceManager) Heartbeat(ctx context.Context, inst *Instance) error {
	if inst.LockOwner == "" {
		return apperror.Wrap(apperror.KindLeaseLost, "instance has no active lease to heartbeat", nil)
	}
	return m.instances.Heartbeat(ctx, inst.ID, inst.LockOwner)
}

// RecordNodeCompletion appends a node id to the instance's completed_nodes
// set and evaluates whether the instance has reached a terminal state.
func (m *InstanceManager) RecordNodeCompletion(ctx context.Context, inst *Instance, nodeID string, allNodes []*TaskNode) error {
	inst.CompletedNodes = appendUnique(inst.CompletedNodes, nodeID)
	return m.evaluateCompletion(ctx, inst, allNodes)
}

// RecordNodeFailure appends a node id to the instance's failed_nodes set
// and, since the node exhausted its retry budget, fails the instance with
// that node's error as the first terminal failure.
func (m *InstanceManager) RecordNodeFailure(ctx context.Context, inst *Instance, nodeID string, nodeErr *ErrorDetail) error {
	inst.FailedNodes = appendUnique(inst.FailedNodes, nodeID)
	if inst.Error == nil {
		inst.Error = nodeErr
	}

	expectedOwner := inst.LockOwner
	now := time.Now().UTC()
	inst.Status = InstanceFailed
	inst.CompletedAt = &now
	inst.LockOwner = ""
	return m.instances.UpdateStatus(ctx, inst, expectedOwner)
}

// evaluateCompletion transitions the instance to completed once every
// terminal node (excluding skipped/cancelled, which do not block
// completion) has reached completed, with no failed_nodes outstanding.
func (m *InstanceManager) evaluateCompletion(ctx context.Context, inst *Instance, allNodes []*TaskNode) error {
	if len(inst.FailedNodes) > 0 {
		return nil // a prior RecordNodeFailure call already handles this
	}

	for _, n := range allNodes {
		if n.Status == NodeSkipped || n.Status == NodeCancelled {
			continue
		}
		if n.Status != NodeCompleted {
			return nil
		}
	}

	expectedOwner := inst.LockOwner
	now := time.Now().UTC()
	inst.Status = InstanceCompleted
	inst.CompletedAt = &now
	inst.LockOwner = ""
	return m.instances.UpdateStatus(ctx, inst, expectedOwner)
}

// Cancel marks every non-terminal node in runningNodes cancelled and marks
// the instance cancelled. Terminal nodes are left untouched. It does not
// signal executors that are already running: neither this method nor the
// dispatcher cancels their context.
func (m *InstanceManager) Cancel(ctx context.Context, inst *Instance, sm *StateMachine, runningNodes []*TaskNode) error {
	if inst.Status.IsTerminal() {
		return nil
	}

	for _, n := range runningNodes {
		if n.Status.IsTerminal() {
			continue
		}
		if err := sm.TransitionToCancelled(ctx, n); err != nil {
			return err
		}
	}

	expectedOwner := inst.LockOwner
	now := time.Now().UTC()
	inst.Status = InstanceCancelled
	inst.CompletedAt = &now
	inst.LockOwner = ""
	return m.instances.UpdateStatus(ctx, inst, expectedOwner)
}

func appendUnique(set []string, v string) []string {
	for _, existing := range set {
		if existing == v {
			return set
		}
	}
	return append(set, v)
}
