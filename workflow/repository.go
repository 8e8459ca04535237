package workflow

import (
	"context"
	"time"
)

// ListFilter constrains a Definition listing query.
type ListFilter struct {
	Category string
	Tags     []string
	Status   DefinitionStatus
	Limit    int
	Offset   int
}

// DefinitionRepo persists WorkflowDefinition rows.
type DefinitionRepo interface {
	FindByNameAndVersion(ctx context.Context, name, version string) (*Definition, error)
	FindActiveByName(ctx context.Context, name string) (*Definition, error)
	Create(ctx context.Context, def *Definition) error
	// Update persists def and, when def.IsActive, atomically deactivates
	// any other active version of the same name in the same transaction.
	Update(ctx context.Context, def *Definition) error
	List(ctx context.Context, filter ListFilter) ([]*Definition, error)
}

// InstanceRepo persists WorkflowInstance rows.
type InstanceRepo interface {
	Create(ctx context.Context, inst *Instance) error
	FindByID(ctx context.Context, id string) (*Instance, error)
	FindByExternalID(ctx context.Context, externalID string) (*Instance, error)
	// UpdateStatus applies a CAS write guarded by the instance's current
	// lock_owner; it returns apperror.ErrLeaseLost if the
	// stored row no longer matches expectedLockOwner.
	UpdateStatus(ctx context.Context, inst *Instance, expectedLockOwner string) error
	Heartbeat(ctx context.Context, id, lockOwner string) error
	ListForEngine(ctx context.Context, engineID string) ([]*Instance, error)
	// ListRunnableForMutexKey returns the oldest pending instance for a
	// mutex key, used to admit the next instance once a holder releases.
	ListRunnableForMutexKey(ctx context.Context, mutexKey string) (*Instance, error)
	// FindRunningByMutexKey returns the currently-running instance holding
	// mutexKey, if any, used to enforce "at most one running instance per
	// mutex_key" at lease-acquisition time.
	FindRunningByMutexKey(ctx context.Context, mutexKey string) (*Instance, error)
	// ListClaimable returns pending instances, and running instances whose
	// lease has expired (last_heartbeat older than leaseTTL), that are free
	// to claim: instances whose mutex_key is already held by another
	// running instance are excluded. Ordered by priority desc, then oldest
	// first, limited to limit rows.
	ListClaimable(ctx context.Context, leaseTTL time.Duration, limit int) ([]*Instance, error)
}

// TaskNodeRepo persists TaskNode rows.
type TaskNodeRepo interface {
	Create(ctx context.Context, node *TaskNode) error
	FindByNode(ctx context.Context, instanceID, nodeID string) (*TaskNode, error)
	FindExecutable(ctx context.Context, instanceID string, limit int) ([]*TaskNode, error)
	// UpdateStatus applies a CAS write guarded by the node's current
	// lock_owner; it returns apperror.ErrLeaseLost on mismatch.
	UpdateStatus(ctx context.Context, node *TaskNode, expectedLockOwner string) error
	FindDependencies(ctx context.Context, instanceID string, nodeIDs []string) ([]*TaskNode, error)
	BatchUpdateStatus(ctx context.Context, nodes []*TaskNode) error
	ListByInstance(ctx context.Context, instanceID string) ([]*TaskNode, error)
}
