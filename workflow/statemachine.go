package workflow

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/r3e-network/flowengine/apperror"
)

// StateMachine applies task-node lifecycle transitions (C3). Every
// transition that changes persisted state goes through the node's
// repository, which enforces the lock_owner CAS described in §4.3.
type StateMachine struct {
	nodes TaskNodeRepo
}

// NewStateMachine builds a state machine bound to a node repository.
func NewStateMachine(nodes TaskNodeRepo) *StateMachine {
	return &StateMachine{nodes: nodes}
}

// TransitionToRunning acquires the node's lock (CAS: status=pending AND
// lock_owner IS NULL -> lock_owner=engineID) and sets started_at. It is
// idempotent: calling it again with the same engineID on an already-owned
// node is a no-op success, matching "idempotent via lock_owner check".
func (sm *StateMachine) TransitionToRunning(ctx context.Context, node *TaskNode, engineID string) error {
	if node.Status == NodeRunning && node.LockOwner == engineID {
		return nil
	}
	if node.Status.IsTerminal() {
		return apperror.Wrap(apperror.KindFatal, "terminal transitions are write-once", nil).
			WithDetails(map[string]string{"node_id": node.NodeID, "status": string(node.Status)})
	}
	if node.Status != NodePending || node.LockOwner != "" {
		return apperror.Wrap(apperror.KindLeaseLost, "node is not pending or already locked", nil)
	}

	now := time.Now().UTC()
	node.Status = NodeRunning
	node.LockOwner = engineID
	node.AssignedEngineID = engineID
	node.StartedAt = &now
	node.LastHeartbeat = &now

	if err := sm.nodes.UpdateStatus(ctx, node, ""); err != nil {
		return err
	}
	return nil
}

// TransitionToCompleted records a node's successful output and releases
// its lock. The caller is responsible for appending node.NodeID to the
// owning instance's completed_nodes set in the same logical transaction.
func (sm *StateMachine) TransitionToCompleted(ctx context.Context, node *TaskNode, output map[string]interface{}) error {
	if node.Status.IsTerminal() {
		return apperror.Wrap(apperror.KindFatal, "terminal transitions are write-once", nil)
	}

	now := time.Now().UTC()
	var duration int64
	if node.StartedAt != nil {
		duration = now.Sub(*node.StartedAt).Milliseconds()
	}

	expectedOwner := node.LockOwner
	node.Status = NodeCompleted
	node.OutputData = output
	node.CompletedAt = &now
	node.DurationMs = duration
	node.LockOwner = ""

	return sm.nodes.UpdateStatus(ctx, node, expectedOwner)
}

// TransitionToFailed applies the failed/retry rules: a retryable error
// with retry budget remaining reverts the node to pending and returns a
// computed backoff as retryAfter; otherwise the node fails terminally. The
// delay is not stored on the node, so a node reverted to pending is
// eligible for dispatch on the next sweep.
func (sm *StateMachine) TransitionToFailed(ctx context.Context, node *TaskNode, nodeErr *ErrorDetail, retryable bool) (stillRetryable bool, retryAfter time.Duration, err error) {
	if node.Status.IsTerminal() {
		return false, 0, apperror.Wrap(apperror.KindFatal, "terminal transitions are write-once", nil)
	}

	expectedOwner := node.LockOwner

	if retryable && node.RetryCount < node.MaxRetries {
		retryAfter = backoff(node.RetryCount, 2*time.Second, 2.0, 2*time.Minute)
		node.RetryCount++
		node.Status = NodePending
		node.StartedAt = nil
		node.LockOwner = ""
		node.Error = nodeErr
		if updateErr := sm.nodes.UpdateStatus(ctx, node, expectedOwner); updateErr != nil {
			return false, 0, updateErr
		}
		return true, retryAfter, nil
	}

	now := time.Now().UTC()
	node.Status = NodeFailed
	node.Error = nodeErr
	node.CompletedAt = &now
	node.LockOwner = ""
	if updateErr := sm.nodes.UpdateStatus(ctx, node, expectedOwner); updateErr != nil {
		return false, 0, updateErr
	}
	return false, 0, nil
}

// TransitionToSkipped marks a branch node whose guard evaluated false.
func (sm *StateMachine) TransitionToSkipped(ctx context.Context, node *TaskNode) error {
	if node.Status.IsTerminal() {
		return apperror.Wrap(apperror.KindFatal, "terminal transitions are write-once", nil)
	}
	now := time.Now().UTC()
	expectedOwner := node.LockOwner
	node.Status = NodeSkipped
	node.CompletedAt = &now
	return sm.nodes.UpdateStatus(ctx, node, expectedOwner)
}

// TransitionToCancelled marks a node cancelled as part of instance cancellation.
func (sm *StateMachine) TransitionToCancelled(ctx context.Context, node *TaskNode) error {
	if node.Status.IsTerminal() {
		return nil // terminal nodes are untouched by cancellation
	}
	now := time.Now().UTC()
	expectedOwner := node.LockOwner
	node.Status = NodeCancelled
	node.CompletedAt = &now
	node.LockOwner = ""
	return sm.nodes.UpdateStatus(ctx, node, expectedOwner)
}

// backoff computes base * multiplier^retryCount, capped at max, with +/-10%
// jitter to avoid synchronized retry storms across engine processes. The
// jittered result never exceeds max.
func backoff(retryCount int, base time.Duration, multiplier float64, max time.Duration) time.Duration {
	d := float64(base) * math.Pow(multiplier, float64(retryCount))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := d * 0.1 * (rand.Float64()*2 - 1)
	d += jitter
	if d > float64(max) {
		d = float64(max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
