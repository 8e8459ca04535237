package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/scheduler"
)

// ScheduleStore is the Postgres-backed scheduler.Repo and holds a nested
// executionStore implementing scheduler.ExecutionRepo over the same pool.
type ScheduleStore struct {
	db         *sqlx.DB
	executions *executionStore
}

// NewScheduleStore builds a ScheduleStore over db.
func NewScheduleStore(db *sqlx.DB) *ScheduleStore {
	return &ScheduleStore{db: db, executions: &executionStore{db: db}}
}

// Executions returns the nested scheduler.ExecutionRepo sharing this
// store's pool.
func (s *ScheduleStore) Executions() scheduler.ExecutionRepo { return s.executions }

type scheduleRow struct {
	Name                  string         `db:"name"`
	ExecutorName          sql.NullString `db:"executor_name"`
	WorkflowDefinitionRef sql.NullString `db:"workflow_definition_ref"`
	CronExpression        string         `db:"cron_expression"`
	Timezone              string         `db:"timezone"`
	Enabled               bool           `db:"enabled"`
	InputData             jsonMap        `db:"input_data"`
	ContextData           jsonMap        `db:"context_data"`
	BusinessKey           string         `db:"business_key"`
	MutexKey              sql.NullString `db:"mutex_key"`
	NextRunAt             sql.NullTime   `db:"next_run_at"`
	LastRunAt             sql.NullTime   `db:"last_run_at"`
}

const scheduleColumns = `name, executor_name, workflow_definition_ref, cron_expression, timezone,
	enabled, input_data, context_data, business_key, mutex_key, next_run_at, last_run_at`

// List returns every schedule, optionally restricted to enabled ones, for
// the scheduler's reload pass.
func (s *ScheduleStore) List(ctx context.Context, enabledOnly bool) ([]*scheduler.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedule_definitions`
	if enabledOnly {
		query += ` WHERE enabled=true`
	}
	query += ` ORDER BY name ASC`

	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperror.Transient("list schedules", err)
	}
	out := make([]*scheduler.Schedule, len(rows))
	for i, r := range rows {
		out[i] = rowToSchedule(r)
	}
	return out, nil
}

// FindByName looks up one schedule by its unique name.
func (s *ScheduleStore) FindByName(ctx context.Context, name string) (*scheduler.Schedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+scheduleColumns+` FROM schedule_definitions WHERE name=$1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("schedule", name)
	}
	if err != nil {
		return nil, apperror.Transient("find schedule", err)
	}
	return rowToSchedule(row), nil
}

// Create inserts a new schedule definition.
func (s *ScheduleStore) Create(ctx context.Context, sched *scheduler.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_definitions (name, executor_name, workflow_definition_ref, cron_expression,
			timezone, enabled, input_data, context_data, business_key, mutex_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sched.Name, nullableString(sched.ExecutorName), nullableString(sched.WorkflowDefinitionRef),
		sched.CronExpression, sched.Timezone, sched.Enabled, jsonMap(sched.InputData), jsonMap(sched.ContextData),
		sched.BusinessKey, nullableString(sched.MutexKey))
	if err != nil {
		return apperror.Transient("create schedule", err)
	}
	return nil
}

// Update persists changes to an existing schedule, including the
// last_run_at stamp the scheduler writes after every firing.
func (s *ScheduleStore) Update(ctx context.Context, sched *scheduler.Schedule) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedule_definitions SET executor_name=$2, workflow_definition_ref=$3, cron_expression=$4,
			timezone=$5, enabled=$6, input_data=$7, context_data=$8, business_key=$9, mutex_key=$10,
			next_run_at=$11, last_run_at=$12
		WHERE name=$1`,
		sched.Name, nullableString(sched.ExecutorName), nullableString(sched.WorkflowDefinitionRef),
		sched.CronExpression, sched.Timezone, sched.Enabled, jsonMap(sched.InputData), jsonMap(sched.ContextData),
		sched.BusinessKey, nullableString(sched.MutexKey), sched.NextRunAt, sched.LastRunAt)
	if err != nil {
		return apperror.Transient("update schedule", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperror.Transient("read rows affected on schedule update", err)
	}
	if affected == 0 {
		return apperror.NotFound("schedule", sched.Name)
	}
	return nil
}

func rowToSchedule(row scheduleRow) *scheduler.Schedule {
	sched := &scheduler.Schedule{
		Name: row.Name, ExecutorName: row.ExecutorName.String, WorkflowDefinitionRef: row.WorkflowDefinitionRef.String,
		CronExpression: row.CronExpression, Timezone: row.Timezone, Enabled: row.Enabled,
		InputData: row.InputData, ContextData: row.ContextData, BusinessKey: row.BusinessKey,
		MutexKey: row.MutexKey.String,
	}
	if row.NextRunAt.Valid {
		sched.NextRunAt = &row.NextRunAt.Time
	}
	if row.LastRunAt.Valid {
		sched.LastRunAt = &row.LastRunAt.Time
	}
	return sched
}

func nullableString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// executionStore persists scheduler.Execution rows, one per schedule
// firing, for audit and the recovery-tick lag metric.
type executionStore struct {
	db *sqlx.DB
}

// Create inserts a new schedule execution record.
func (s *executionStore) Create(ctx context.Context, e *scheduler.Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_executions (id, schedule_name, fired_at, status, error_message)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.ScheduleName, e.FiredAt, string(e.Status), e.ErrorMessage)
	if err != nil {
		return apperror.Transient("create schedule execution", err)
	}
	return nil
}
