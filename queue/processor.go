package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/corelog"
	"github.com/r3e-network/flowengine/telemetry"
)

// JobHandler executes one claimed job and reports its result. A returned
// error that apperror.Retryable accepts is nacked as retryable; any other
// error is nacked terminally.
type JobHandler func(ctx context.Context, job *Job) (Result, error)

// ProcessorConfig tunes the worker pool and claim/heartbeat cadence.
type ProcessorConfig struct {
	Group        string
	WorkerID     string
	ClaimBatch   int
	ClaimLock    time.Duration
	IdleTick     time.Duration
	BusyTick     time.Duration
	HeartbeatTTL time.Duration
	HardGrace    time.Duration
}

// Processor runs a claim -> execute -> ack/nack loop with a worker pool
// sized from the backpressure manager's effective concurrency (C11).
type Processor struct {
	store        Store
	mirror       MemoryMirror
	backpressure *Manager
	handler      JobHandler
	cfg          ProcessorConfig
	log          *corelog.Logger
	metrics      *telemetry.Metrics
	tracer       telemetry.Tracer

	sem *semaphore.Weighted

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProcessor builds a Processor over a durable Store, its MemoryMirror,
// and the backpressure manager that sizes its pool.
func NewProcessor(store Store, mirror MemoryMirror, backpressure *Manager, handler JobHandler, cfg ProcessorConfig, log *corelog.Logger, metrics *telemetry.Metrics) *Processor {
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	if cfg.ClaimLock <= 0 {
		cfg.ClaimLock = 60 * time.Second
	}
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = 500 * time.Millisecond
	}
	if cfg.BusyTick <= 0 {
		cfg.BusyTick = 50 * time.Millisecond
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 15 * time.Second
	}
	if cfg.HardGrace <= 0 {
		cfg.HardGrace = 30 * time.Second
	}
	concurrency := int64(backpressure.Concurrency())
	if concurrency < 1 {
		concurrency = 1
	}
	return &Processor{
		store: store, mirror: mirror, backpressure: backpressure, handler: handler,
		cfg: cfg, log: log, metrics: metrics, tracer: telemetry.NoopTracer,
		sem: semaphore.NewWeighted(concurrency),
	}
}

// SetTracer installs a tracer, satisfying telemetry.WithTracer.
func (p *Processor) SetTracer(t telemetry.Tracer) { p.tracer = t }

// Start begins the claim loop.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(runCtx)
	return nil
}

// Stop cancels the claim loop and waits up to HardGrace for in-flight
// jobs to finish before returning, per spec.md §4.11.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.HardGrace):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()
	tick := p.cfg.IdleTick

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}

		claimed := p.claimAndDispatch(ctx)
		if claimed {
			tick = p.cfg.BusyTick
		} else {
			tick = p.cfg.IdleTick
		}
	}
}

func (p *Processor) claimAndDispatch(ctx context.Context) bool {
	n := p.cfg.ClaimBatch
	if limit := p.backpressure.Concurrency(); limit > 0 && limit < n {
		n = limit
	}

	jobs, err := p.store.Claim(ctx, p.cfg.Group, p.cfg.WorkerID, n, p.cfg.ClaimLock)
	if err != nil {
		p.log.FromContext(ctx).WithError(err).Error("queue claim failed")
		return false
	}
	if len(jobs) == 0 {
		return false
	}

	if p.mirror != nil {
		if _, popErr := p.mirror.Pop(ctx, p.cfg.Group, len(jobs)); popErr != nil {
			p.log.FromContext(ctx).WithError(popErr).Warn("mirror pop after claim failed, length may drift until next stream sync")
		}
	}

	dispatched := 0
	for _, job := range jobs {
		if !p.sem.TryAcquire(1) {
			if nackErr := p.store.Nack(ctx, job.ID, apperror.Transient("no worker slot available", nil), true, 0); nackErr != nil {
				p.log.FromContext(ctx).WithError(nackErr).WithField("job_id", job.ID).Error("requeue after pool-full failed")
			}
			continue
		}
		dispatched++
		p.wg.Add(1)
		go p.execute(ctx, job)
	}
	return dispatched > 0
}

func (p *Processor) execute(ctx context.Context, job *Job) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	spanCtx, finishSpan := p.tracer.StartSpan(ctx, "queue.execute", map[string]string{"group": job.GroupName, "job_id": job.ID})

	heartbeatCtx, stopHeartbeat := context.WithCancel(spanCtx)
	defer stopHeartbeat()
	go p.heartbeatLoop(heartbeatCtx, job)

	start := time.Now()
	result, err := p.handler(spanCtx, job)
	latency := time.Since(start)

	if err == nil {
		if ackErr := p.store.Ack(spanCtx, job.ID, result); ackErr != nil {
			p.log.FromContext(spanCtx).WithError(ackErr).WithField("job_id", job.ID).Error("ack failed")
		}
		if p.metrics != nil {
			p.metrics.RecordDequeued(job.GroupName, "ack", latency)
		}
		finishSpan(nil)
		return
	}

	retryable := apperror.Retryable(err)
	backoff := retryBackoff(job.Attempts)
	if nackErr := p.store.Nack(spanCtx, job.ID, err, retryable, backoff); nackErr != nil {
		p.log.FromContext(spanCtx).WithError(nackErr).WithField("job_id", job.ID).Error("nack failed")
	}
	if p.metrics != nil {
		status := "nack_retry"
		if !retryable {
			status = "nack_terminal"
		}
		p.metrics.RecordDequeued(job.GroupName, status, latency)
		p.metrics.RecordError("queue_processor", string(apperror.KindOf(err)))
	}
	finishSpan(err)
}

func (p *Processor) heartbeatLoop(ctx context.Context, job *Job) {
	ticker := time.NewTicker(p.cfg.HeartbeatTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, job.ID, p.cfg.WorkerID, p.cfg.ClaimLock); err != nil {
				p.log.FromContext(ctx).WithError(err).WithField("job_id", job.ID).Warn("job heartbeat failed, lease may expire")
				return
			}
		}
	}
}

func retryBackoff(attempts int) time.Duration {
	d := time.Duration(1<<uint(attempts)) * time.Second
	const cap = 5 * time.Minute
	if d > cap {
		d = cap
	}
	return d
}
