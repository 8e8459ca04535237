package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/workflow"
)

// TaskNodeStore is the Postgres-backed workflow.TaskNodeRepo.
type TaskNodeStore struct {
	db *sqlx.DB
}

// NewTaskNodeStore builds a TaskNodeStore over db.
func NewTaskNodeStore(db *sqlx.DB) *TaskNodeStore {
	return &TaskNodeStore{db: db}
}

type taskNodeRow struct {
	InstanceID       string         `db:"instance_id"`
	NodeID           string         `db:"node_id"`
	NodeName         string         `db:"node_name"`
	NodeType         string         `db:"node_type"`
	ExecutorName     string         `db:"executor_name"`
	ExecutorConfig   jsonMap        `db:"executor_config"`
	Status           string         `db:"status"`
	InputData        jsonMap        `db:"input_data"`
	OutputData       jsonMap        `db:"output_data"`
	Dependencies     jsonStrings    `db:"dependencies"`
	ParallelGroupID  sql.NullString `db:"parallel_group_id"`
	ParentNodeID     sql.NullString `db:"parent_node_id"`
	StartedAt        sql.NullTime   `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	DurationMs       int64          `db:"duration_ms"`
	RetryCount       int            `db:"retry_count"`
	MaxRetries       int            `db:"max_retries"`
	TimeoutMs        int64          `db:"timeout_ms"`
	ErrorKind        sql.NullString `db:"error_kind"`
	ErrorMessage     sql.NullString `db:"error_message"`
	ErrorDetails     jsonMap        `db:"error_details"`
	AssignedEngineID sql.NullString `db:"assigned_engine_id"`
	LockOwner        sql.NullString `db:"lock_owner"`
	LastHeartbeat    sql.NullTime   `db:"last_heartbeat"`
	CreatedAt        time.Time      `db:"created_at"`
}

const taskNodeColumns = `instance_id, node_id, node_name, node_type, executor_name, executor_config,
	status, input_data, output_data, dependencies, parallel_group_id, parent_node_id, started_at,
	completed_at, duration_ms, retry_count, max_retries, timeout_ms, error_kind, error_message,
	error_details, assigned_engine_id, lock_owner, last_heartbeat, created_at`

func (s *TaskNodeStore) Create(ctx context.Context, node *workflow.TaskNode) error {
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_nodes
		(instance_id, node_id, node_name, node_type, executor_name, executor_config, status,
		 input_data, output_data, dependencies, parallel_group_id, parent_node_id, max_retries,
		 timeout_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		node.InstanceID, node.NodeID, node.NodeName, string(node.NodeType), node.ExecutorName,
		jsonMap(node.ExecutorConfig), string(node.Status), jsonMap(node.InputData), jsonMap(node.OutputData),
		jsonStrings(node.Dependencies), nullString(node.ParallelGroupID), nullString(node.ParentNodeID),
		node.MaxRetries, node.Timeout.Milliseconds(), node.CreatedAt)
	if err != nil {
		return apperror.Transient("create task node", err)
	}
	return nil
}

func (s *TaskNodeStore) FindByNode(ctx context.Context, instanceID, nodeID string) (*workflow.TaskNode, error) {
	var row taskNodeRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+taskNodeColumns+` FROM task_nodes WHERE instance_id=$1 AND node_id=$2`, instanceID, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("task_node", nodeID)
	}
	if err != nil {
		return nil, apperror.Transient("find task node", err)
	}
	return rowToTaskNode(row), nil
}

func (s *TaskNodeStore) FindExecutable(ctx context.Context, instanceID string, limit int) ([]*workflow.TaskNode, error) {
	var rows []taskNodeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskNodeColumns+` FROM task_nodes
		WHERE instance_id=$1 AND status='pending'
		ORDER BY created_at ASC LIMIT $2`, instanceID, limit)
	if err != nil {
		return nil, apperror.Transient("find executable task nodes", err)
	}
	return rowsToTaskNodes(rows), nil
}

// UpdateStatus applies a CAS write guarded by lock_owner, mirroring
// InstanceStore.UpdateStatus.
func (s *TaskNodeStore) UpdateStatus(ctx context.Context, node *workflow.TaskNode, expectedLockOwner string) error {
	var errKind, errMessage sql.NullString
	var errDetails jsonMap
	if node.Error != nil {
		errKind = sql.NullString{String: node.Error.Kind, Valid: true}
		errMessage = sql.NullString{String: node.Error.Message, Valid: true}
		errDetails = toJSONMap(node.Error.Details)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE task_nodes SET
			status=$4, output_data=$5, started_at=$6, completed_at=$7, duration_ms=$8,
			retry_count=$9, error_kind=$10, error_message=$11, error_details=$12,
			assigned_engine_id=$13, lock_owner=$14, last_heartbeat=$15
		WHERE instance_id=$1 AND node_id=$2 AND (lock_owner = $3 OR ($3 = '' AND lock_owner IS NULL))`,
		node.InstanceID, node.NodeID, expectedLockOwner,
		string(node.Status), jsonMap(node.OutputData), node.StartedAt, node.CompletedAt, node.DurationMs,
		node.RetryCount, errKind, errMessage, errDetails, nullString(node.AssignedEngineID),
		nullString(node.LockOwner), node.LastHeartbeat)
	if err != nil {
		return apperror.Transient("update task node status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperror.Transient("read rows affected updating task node", err)
	}
	if affected == 0 {
		return apperror.Wrap(apperror.KindLeaseLost, "lock_owner mismatch on task node update", nil).
			WithDetails(map[string]string{"instance_id": node.InstanceID, "node_id": node.NodeID})
	}
	return nil
}

func (s *TaskNodeStore) FindDependencies(ctx context.Context, instanceID string, nodeIDs []string) ([]*workflow.TaskNode, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	var rows []taskNodeRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+taskNodeColumns+` FROM task_nodes WHERE instance_id=$1 AND node_id = ANY($2)`,
		instanceID, pq.Array(nodeIDs))
	if err != nil {
		return nil, apperror.Transient("find task node dependencies", err)
	}
	return rowsToTaskNodes(rows), nil
}

func (s *TaskNodeStore) BatchUpdateStatus(ctx context.Context, nodes []*workflow.TaskNode) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Transient("begin batch update transaction", err)
	}
	defer tx.Rollback()

	for _, node := range nodes {
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_nodes SET status=$3 WHERE instance_id=$1 AND node_id=$2`,
			node.InstanceID, node.NodeID, string(node.Status)); err != nil {
			return apperror.Transient("batch update task node status", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperror.Transient("commit batch update transaction", err)
	}
	return nil
}

func (s *TaskNodeStore) ListByInstance(ctx context.Context, instanceID string) ([]*workflow.TaskNode, error) {
	var rows []taskNodeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+taskNodeColumns+` FROM task_nodes WHERE instance_id=$1`, instanceID)
	if err != nil {
		return nil, apperror.Transient("list task nodes by instance", err)
	}
	return rowsToTaskNodes(rows), nil
}

func rowsToTaskNodes(rows []taskNodeRow) []*workflow.TaskNode {
	out := make([]*workflow.TaskNode, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToTaskNode(row))
	}
	return out
}

func rowToTaskNode(row taskNodeRow) *workflow.TaskNode {
	node := &workflow.TaskNode{
		InstanceID:       row.InstanceID,
		NodeID:           row.NodeID,
		NodeName:         row.NodeName,
		NodeType:         workflow.NodeType(row.NodeType),
		ExecutorName:     row.ExecutorName,
		ExecutorConfig:   row.ExecutorConfig,
		Status:           workflow.NodeStatus(row.Status),
		InputData:        row.InputData,
		OutputData:       row.OutputData,
		Dependencies:     row.Dependencies,
		ParallelGroupID:  row.ParallelGroupID.String,
		ParentNodeID:     row.ParentNodeID.String,
		DurationMs:       row.DurationMs,
		RetryCount:       row.RetryCount,
		MaxRetries:       row.MaxRetries,
		Timeout:          time.Duration(row.TimeoutMs) * time.Millisecond,
		AssignedEngineID: row.AssignedEngineID.String,
		LockOwner:        row.LockOwner.String,
		CreatedAt:        row.CreatedAt,
	}
	if row.StartedAt.Valid {
		node.StartedAt = &row.StartedAt.Time
	}
	if row.CompletedAt.Valid {
		node.CompletedAt = &row.CompletedAt.Time
	}
	if row.LastHeartbeat.Valid {
		node.LastHeartbeat = &row.LastHeartbeat.Time
	}
	if row.ErrorKind.Valid || row.ErrorMessage.Valid {
		node.Error = &workflow.ErrorDetail{
			Kind:    row.ErrorKind.String,
			Message: row.ErrorMessage.String,
			Details: toStringMap(row.ErrorDetails),
		}
	}
	return node
}
