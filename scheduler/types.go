// Package scheduler implements the cron-driven schedule firing loop (C7):
// one single-shot timer per enabled schedule, a periodic recovery tick,
// and dispatch into either the queue or a new workflow instance.
package scheduler

import (
	"context"
	"time"
)

// Schedule is a cron-triggered executor or workflow launcher.
type Schedule struct {
	Name                  string
	ExecutorName          string
	WorkflowDefinitionRef string
	CronExpression        string
	Timezone              string
	Enabled               bool
	InputData             map[string]interface{}
	ContextData           map[string]interface{}
	BusinessKey           string
	MutexKey              string
	NextRunAt             *time.Time
	LastRunAt             *time.Time
}

// ExecutionStatus is the outcome of a single schedule firing.
type ExecutionStatus string

const (
	ExecutionDispatched ExecutionStatus = "dispatched"
	ExecutionDeferred   ExecutionStatus = "deferred" // maxConcurrency exceeded, rescheduled
	ExecutionFailed     ExecutionStatus = "failed"
)

// Execution is one recorded firing of a Schedule.
type Execution struct {
	ID           string
	ScheduleName string
	FiredAt      time.Time
	Status       ExecutionStatus
	ErrorMessage string
}

// Repo persists ScheduleDefinition rows.
type Repo interface {
	List(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
	FindByName(ctx context.Context, name string) (*Schedule, error)
	Create(ctx context.Context, s *Schedule) error
	Update(ctx context.Context, s *Schedule) error
}

// ExecutionRepo persists ScheduleExecution rows.
type ExecutionRepo interface {
	Create(ctx context.Context, e *Execution) error
}

// Dispatcher fires a schedule: either enqueuing a job or starting a
// workflow instance, depending on the schedule's shape.
type Dispatcher interface {
	DispatchSchedule(ctx context.Context, s *Schedule) error
}

// DispatcherFunc adapts a plain function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, s *Schedule) error

func (f DispatcherFunc) DispatchSchedule(ctx context.Context, s *Schedule) error {
	return f(ctx, s)
}
