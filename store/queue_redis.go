package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/queue"
)

// RedisMirror is the in-memory (Redis-backed) queue.MemoryMirror: a
// per-group sorted set of waiting job IDs scored by priority, backed by a
// hash holding each job's serialized snapshot.
type RedisMirror struct {
	client redis.UniversalClient
}

// NewRedisMirror wraps an existing go-redis client.
func NewRedisMirror(client redis.UniversalClient) *RedisMirror {
	return &RedisMirror{client: client}
}

func (m *RedisMirror) setKey(group string) string  { return fmt.Sprintf("queue:%s:waiting", group) }
func (m *RedisMirror) hashKey(group string) string { return fmt.Sprintf("queue:%s:jobs", group) }

// Push adds job to the group's sorted set, scored by priority so the
// highest-priority jobs sort last (ZREVRANGE order on Pop).
func (m *RedisMirror) Push(ctx context.Context, job *queue.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return apperror.Wrap(apperror.KindFatal, "marshal job for mirror", err)
	}

	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, m.setKey(job.GroupName), &redis.Z{Score: float64(job.Priority), Member: job.ID})
	pipe.HSet(ctx, m.hashKey(job.GroupName), job.ID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperror.Transient("push job to mirror", err)
	}
	return nil
}

// Pop removes and returns up to n highest-priority job snapshots.
func (m *RedisMirror) Pop(ctx context.Context, group string, n int) ([]*queue.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := m.client.ZRevRange(ctx, m.setKey(group), 0, int64(n-1)).Result()
	if err != nil {
		return nil, apperror.Transient("pop job ids from mirror", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := m.client.HMGet(ctx, m.hashKey(group), ids...).Result()
	if err != nil {
		return nil, apperror.Transient("read job snapshots from mirror", err)
	}

	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, m.setKey(group), toInterfaceSlice(ids)...)
	pipe.HDel(ctx, m.hashKey(group), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperror.Transient("remove popped jobs from mirror", err)
	}

	jobs := make([]*queue.Job, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job queue.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Len returns the number of waiting jobs currently mirrored for group.
func (m *RedisMirror) Len(ctx context.Context, group string) (int, error) {
	n, err := m.client.ZCard(ctx, m.setKey(group)).Result()
	if err != nil {
		return 0, apperror.Transient("read mirror length", err)
	}
	return int(n), nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// StreamFromStore implements queue.StreamController: it hydrates a
// RedisMirror from a durable queue.Store by paging through waiting jobs.
// The backpressure manager calls Start/Stop, which only toggle whether
// PollOnce does anything; the polling goroutine belongs to the caller
// (cmd/engine), not to this type, which only does the page-and-push work.
type StreamFromStore struct {
	store     queueStoreLister
	mirror    *RedisMirror
	group     string
	pageSize  int
	streaming bool
}

// queueStoreLister is the narrow slice of QueueStore this stream needs:
// just enough to page waiting jobs for hydration.
type queueStoreLister interface {
	Depth(ctx context.Context, group string) (int, error)
	ListWaiting(ctx context.Context, group string, limit, offset int) ([]*queue.Job, error)
}

// NewStreamFromStore builds a StreamController over a durable store and
// its Redis mirror for one queue group.
func NewStreamFromStore(store queueStoreLister, mirror *RedisMirror, group string, pageSize int) *StreamFromStore {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &StreamFromStore{store: store, mirror: mirror, group: group, pageSize: pageSize}
}

// StartStream marks the stream active. The actual hydration happens via
// PollOnce, invoked by the caller's own ticking loop (e.g. cmd/engine's
// process wiring) so this type stays free of its own goroutine lifecycle.
func (s *StreamFromStore) StartStream(ctx context.Context) error {
	s.streaming = true
	return nil
}

// StopStream marks the stream inactive; PollOnce becomes a no-op.
func (s *StreamFromStore) StopStream(ctx context.Context) error {
	s.streaming = false
	return nil
}

// Active reports whether the stream is currently marked to hydrate.
func (s *StreamFromStore) Active() bool { return s.streaming }

// PollOnce hydrates the mirror with one page of waiting jobs from the
// durable store, skipping jobs already mirrored. It is a no-op unless the
// stream has been started. Callers drive this from their own ticker
// (cmd/engine wires it on a short interval while the stream is active).
func (s *StreamFromStore) PollOnce(ctx context.Context) error {
	if !s.streaming {
		return nil
	}

	mirrored, err := s.mirror.Len(ctx, s.group)
	if err != nil {
		return err
	}
	jobs, err := s.store.ListWaiting(ctx, s.group, s.pageSize, mirrored)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.mirror.Push(ctx, job); err != nil {
			return err
		}
	}
	return nil
}
