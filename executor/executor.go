// Package executor implements the executor registry: the name/version
// lookup, validation, and invocation contract that the dispatcher calls
// into for every task node.
package executor

import (
	"context"

	"github.com/Masterminds/semver/v3"
)

// ValidationResult reports whether an executor's config is well-formed.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Result is the outcome of a single execute() call.
type Result struct {
	Success bool
	Data    map[string]interface{}
	Error   string
}

// HealthStatus is the optional self-reported health of an executor.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ProgressFunc reports incremental progress from a running executor.
type ProgressFunc func(percent int, message string)

// ExecContext is the read-only view and side-channel handles passed into
// Execute. It carries no mutation access to the underlying instance/node —
// all state transitions happen through the task-node state machine after
// Execute returns.
type ExecContext struct {
	Context context.Context

	WorkflowInstance InstanceView
	NodeInstance     NodeView
	Config           map[string]interface{}

	Progress ProgressFunc
}

// InstanceView is the read-only workflow-instance data an executor may
// inspect. It mirrors the fields workflow.Instance exposes without handing
// out the mutable entity itself.
type InstanceView struct {
	ID          string
	DefinitionRef string
	BusinessKey string
	InputData   map[string]interface{}
	ContextData map[string]interface{}
}

// NodeView is the read-only task-node data an executor may inspect.
type NodeView struct {
	InstanceID string
	NodeID     string
	NodeName   string
	RetryCount int
	MaxRetries int
	InputData  map[string]interface{}
}

// Executor is the contract implemented by callers and invoked by the
// dispatcher (C6) through the registry (C1).
type Executor interface {
	Name() string
	Version() *semver.Version
	Validate(config map[string]interface{}) (ValidationResult, error)
	Execute(ectx ExecContext) (Result, error)
}

// HealthChecker is an optional capability an Executor may implement.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (HealthStatus, error)
}
