package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/workflow"
)

// InstanceStore is the Postgres-backed workflow.InstanceRepo.
type InstanceStore struct {
	db *sqlx.DB
}

// NewInstanceStore builds an InstanceStore over db.
func NewInstanceStore(db *sqlx.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

type instanceRow struct {
	ID                string         `db:"id"`
	DefinitionName    string         `db:"definition_name"`
	DefinitionVersion string         `db:"definition_version"`
	ExternalID        sql.NullString `db:"external_id"`
	Status            string         `db:"status"`
	InputData         jsonMap        `db:"input_data"`
	ContextData       jsonMap        `db:"context_data"`
	OutputData        jsonMap        `db:"output_data"`
	BusinessKey       string         `db:"business_key"`
	MutexKey          sql.NullString `db:"mutex_key"`
	RetryCount        int            `db:"retry_count"`
	MaxRetries        int            `db:"max_retries"`
	Priority          int            `db:"priority"`
	ScheduledAt       sql.NullTime   `db:"scheduled_at"`
	StartedAt         sql.NullTime   `db:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	PausedAt          sql.NullTime   `db:"paused_at"`
	ErrorKind         sql.NullString `db:"error_kind"`
	ErrorMessage      sql.NullString `db:"error_message"`
	ErrorDetails      jsonMap        `db:"error_details"`
	CurrentNodeID     sql.NullString `db:"current_node_id"`
	CompletedNodes    jsonStrings    `db:"completed_nodes"`
	FailedNodes       jsonStrings    `db:"failed_nodes"`
	LockOwner         sql.NullString `db:"lock_owner"`
	LockAcquiredAt    sql.NullTime   `db:"lock_acquired_at"`
	LastHeartbeat     sql.NullTime   `db:"last_heartbeat"`
	AssignedEngineID  sql.NullString `db:"assigned_engine_id"`
	CreatedAt         time.Time      `db:"created_at"`
}

const instanceColumns = `id, definition_name, definition_version, external_id, status, input_data,
	context_data, output_data, business_key, mutex_key, retry_count, max_retries, priority,
	scheduled_at, started_at, completed_at, paused_at, error_kind, error_message, error_details,
	current_node_id, completed_nodes, failed_nodes, lock_owner, lock_acquired_at, last_heartbeat,
	assigned_engine_id, created_at`

func (s *InstanceStore) Create(ctx context.Context, inst *workflow.Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances
		(id, definition_name, definition_version, external_id, status, input_data, context_data,
		 output_data, business_key, mutex_key, retry_count, max_retries, priority, scheduled_at,
		 current_node_id, completed_nodes, failed_nodes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		inst.ID, inst.DefinitionName, inst.DefinitionVersion, nullString(inst.ExternalID), string(inst.Status),
		jsonMap(inst.InputData), jsonMap(inst.ContextData), jsonMap(inst.OutputData), inst.BusinessKey,
		nullString(inst.MutexKey), inst.RetryCount, inst.MaxRetries, inst.Priority, inst.ScheduledAt,
		nullString(inst.CurrentNodeID), jsonStrings(inst.CompletedNodes), jsonStrings(inst.FailedNodes), inst.CreatedAt)
	if err != nil {
		return apperror.Transient("create workflow instance", err)
	}
	return nil
}

func (s *InstanceStore) FindByID(ctx context.Context, id string) (*workflow.Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("workflow_instance", id)
	}
	if err != nil {
		return nil, apperror.Transient("find instance by id", err)
	}
	return rowToInstance(row), nil
}

func (s *InstanceStore) FindByExternalID(ctx context.Context, externalID string) (*workflow.Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `SELECT `+instanceColumns+` FROM workflow_instances WHERE external_id=$1`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("workflow_instance", externalID)
	}
	if err != nil {
		return nil, apperror.Transient("find instance by external id", err)
	}
	return rowToInstance(row), nil
}

// UpdateStatus writes every mutable instance field, guarded by a CAS on
// lock_owner: the write only applies when the stored row's lock_owner
// still equals expectedLockOwner. A zero-row update is reported as
// apperror.KindLeaseLost, per §5's "writes by non-holders fail".
func (s *InstanceStore) UpdateStatus(ctx context.Context, inst *workflow.Instance, expectedLockOwner string) error {
	var errKind, errMessage sql.NullString
	var errDetails jsonMap
	if inst.Error != nil {
		errKind = sql.NullString{String: inst.Error.Kind, Valid: true}
		errMessage = sql.NullString{String: inst.Error.Message, Valid: true}
		errDetails = toJSONMap(inst.Error.Details)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET
			status=$3, input_data=$4, context_data=$5, output_data=$6, retry_count=$7,
			started_at=$8, completed_at=$9, paused_at=$10, error_kind=$11, error_message=$12,
			error_details=$13, current_node_id=$14, completed_nodes=$15, failed_nodes=$16,
			lock_owner=$17, lock_acquired_at=$18, last_heartbeat=$19, assigned_engine_id=$20
		WHERE id=$1 AND (lock_owner = $2 OR ($2 = '' AND lock_owner IS NULL))`,
		inst.ID, expectedLockOwner,
		string(inst.Status), jsonMap(inst.InputData), jsonMap(inst.ContextData), jsonMap(inst.OutputData),
		inst.RetryCount, inst.StartedAt, inst.CompletedAt, inst.PausedAt, errKind, errMessage, errDetails,
		nullString(inst.CurrentNodeID), jsonStrings(inst.CompletedNodes), jsonStrings(inst.FailedNodes),
		nullString(inst.LockOwner), inst.LockAcquiredAt, inst.LastHeartbeat, nullString(inst.AssignedEngineID))
	if err != nil {
		return apperror.Transient("update workflow instance status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperror.Transient("read rows affected updating instance", err)
	}
	if affected == 0 {
		return apperror.Wrap(apperror.KindLeaseLost, "lock_owner mismatch on instance update", nil).
			WithDetails(map[string]string{"instance_id": inst.ID})
	}
	return nil
}

func (s *InstanceStore) Heartbeat(ctx context.Context, id, lockOwner string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET last_heartbeat=now() WHERE id=$1 AND lock_owner=$2`, id, lockOwner)
	if err != nil {
		return apperror.Transient("heartbeat workflow instance", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperror.Transient("read rows affected on heartbeat", err)
	}
	if affected == 0 {
		return apperror.Wrap(apperror.KindLeaseLost, "lock_owner mismatch on heartbeat", nil)
	}
	return nil
}

func (s *InstanceStore) ListForEngine(ctx context.Context, engineID string) ([]*workflow.Instance, error) {
	var rows []instanceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE assigned_engine_id=$1 AND status='running'
		ORDER BY priority DESC, created_at ASC`, engineID)
	if err != nil {
		return nil, apperror.Transient("list instances for engine", err)
	}
	out := make([]*workflow.Instance, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToInstance(row))
	}
	return out, nil
}

func (s *InstanceStore) ListRunnableForMutexKey(ctx context.Context, mutexKey string) (*workflow.Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE mutex_key=$1 AND status='pending'
		ORDER BY priority DESC, created_at ASC LIMIT 1`, mutexKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("runnable instance for mutex key", mutexKey)
	}
	if err != nil {
		return nil, apperror.Transient("list runnable instance for mutex key", err)
	}
	return rowToInstance(row), nil
}

func (s *InstanceStore) FindRunningByMutexKey(ctx context.Context, mutexKey string) (*workflow.Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE mutex_key=$1 AND status='running' LIMIT 1`, mutexKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("running instance for mutex key", mutexKey)
	}
	if err != nil {
		return nil, apperror.Transient("find running instance for mutex key", err)
	}
	return rowToInstance(row), nil
}

// ListClaimable selects candidates for InstanceManager.AcquireLease: rows
// that are pending, or running past their lease TTL, whose mutex_key (if
// set) has no other running holder.
func (s *InstanceStore) ListClaimable(ctx context.Context, leaseTTL time.Duration, limit int) ([]*workflow.Instance, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []instanceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+instanceColumns+` FROM workflow_instances i
		WHERE (
			i.status='pending'
			OR (i.status='running' AND (i.last_heartbeat IS NULL OR i.last_heartbeat < now() - ($1 * interval '1 second')))
		)
		AND (
			i.mutex_key IS NULL OR i.mutex_key = '' OR NOT EXISTS (
				SELECT 1 FROM workflow_instances h
				WHERE h.mutex_key = i.mutex_key AND h.status = 'running' AND h.id <> i.id
			)
		)
		ORDER BY i.priority DESC, i.created_at ASC
		LIMIT $2`, leaseTTL.Seconds(), limit)
	if err != nil {
		return nil, apperror.Transient("list claimable instances", err)
	}
	out := make([]*workflow.Instance, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToInstance(row))
	}
	return out, nil
}

func rowToInstance(row instanceRow) *workflow.Instance {
	inst := &workflow.Instance{
		ID:                row.ID,
		DefinitionName:    row.DefinitionName,
		DefinitionVersion: row.DefinitionVersion,
		ExternalID:        row.ExternalID.String,
		Status:            workflow.InstanceStatus(row.Status),
		InputData:         row.InputData,
		ContextData:       row.ContextData,
		OutputData:        row.OutputData,
		BusinessKey:       row.BusinessKey,
		MutexKey:          row.MutexKey.String,
		RetryCount:        row.RetryCount,
		MaxRetries:        row.MaxRetries,
		Priority:          row.Priority,
		CurrentNodeID:     row.CurrentNodeID.String,
		CompletedNodes:    row.CompletedNodes,
		FailedNodes:       row.FailedNodes,
		LockOwner:         row.LockOwner.String,
		AssignedEngineID:  row.AssignedEngineID.String,
		CreatedAt:         row.CreatedAt,
	}
	if row.ScheduledAt.Valid {
		inst.ScheduledAt = &row.ScheduledAt.Time
	}
	if row.StartedAt.Valid {
		inst.StartedAt = &row.StartedAt.Time
	}
	if row.CompletedAt.Valid {
		inst.CompletedAt = &row.CompletedAt.Time
	}
	if row.PausedAt.Valid {
		inst.PausedAt = &row.PausedAt.Time
	}
	if row.LockAcquiredAt.Valid {
		inst.LockAcquiredAt = &row.LockAcquiredAt.Time
	}
	if row.LastHeartbeat.Valid {
		inst.LastHeartbeat = &row.LastHeartbeat.Time
	}
	if row.ErrorKind.Valid || row.ErrorMessage.Valid {
		inst.Error = &workflow.ErrorDetail{
			Kind:    row.ErrorKind.String,
			Message: row.ErrorMessage.String,
			Details: toStringMap(row.ErrorDetails),
		}
	}
	return inst
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toJSONMap(details map[string]string) jsonMap {
	if details == nil {
		return nil
	}
	out := make(jsonMap, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}

func toStringMap(details jsonMap) map[string]string {
	if details == nil {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
