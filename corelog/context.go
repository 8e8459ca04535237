package corelog

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type used for correlation values stashed on a context.
type ContextKey string

const (
	// InstanceIDKey correlates log lines to a workflow instance.
	InstanceIDKey ContextKey = "workflow_instance_id"
	// NodeIDKey correlates log lines to a task node within an instance.
	NodeIDKey ContextKey = "task_node_id"
	// EngineIDKey correlates log lines to the owning engine process.
	EngineIDKey ContextKey = "engine_id"
)

// WithInstanceID attaches a workflow instance id to the context.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, id)
}

// WithNodeID attaches a task node id to the context.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, NodeIDKey, id)
}

// WithEngineID attaches the owning engine id to the context.
func WithEngineID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, EngineIDKey, id)
}

// FromContext builds a log entry carrying whichever correlation values are
// present on ctx, so dispatcher/scheduler/processor code does not need to
// thread instance/node ids through every log call by hand.
func (l *Logger) FromContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(l.Logger)

	if v, ok := ctx.Value(InstanceIDKey).(string); ok && v != "" {
		entry = entry.WithField(string(InstanceIDKey), v)
	}
	if v, ok := ctx.Value(NodeIDKey).(string); ok && v != "" {
		entry = entry.WithField(string(NodeIDKey), v)
	}
	if v, ok := ctx.Value(EngineIDKey).(string); ok && v != "" {
		entry = entry.WithField(string(EngineIDKey), v)
	}
	return entry
}
