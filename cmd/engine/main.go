// Command engine runs one horizontally-distributable workflow engine
// process: the dispatcher, the scheduler, and the queue's watermark
// monitor, backpressure manager, and job processor, all sharing one
// Postgres pool and one Redis client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/corelog"
	"github.com/r3e-network/flowengine/executor"
	"github.com/r3e-network/flowengine/queue"
	"github.com/r3e-network/flowengine/scheduler"
	"github.com/r3e-network/flowengine/store"
	"github.com/r3e-network/flowengine/storeconfig"
	"github.com/r3e-network/flowengine/telemetry"
	"github.com/r3e-network/flowengine/workflow"
)

func main() {
	cfg, err := storeconfig.Load()
	if err != nil {
		panic(err)
	}

	log := corelog.New(corelog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	entry := log.WithField("engine_id", cfg.Engine.EngineID)
	metrics := telemetry.New()

	db, err := store.Open(cfg.Database)
	if err != nil {
		entry.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	instances := store.NewInstanceStore(db)
	nodes := store.NewTaskNodeStore(db)
	definitions := store.NewDefinitionStore(db)
	_ = definitions

	registry := executor.NewRegistry()
	registerExecutors(registry)

	dispatcher := workflow.NewDispatcher(instances, nodes, registry, workflow.DispatcherConfig{
		EngineID:    cfg.Engine.EngineID,
		Concurrency: cfg.Engine.Concurrency,
		IdleTick:    cfg.Engine.IdleTick,
		BusyTick:    cfg.Engine.BusyTick,
		HardGrace:   cfg.Engine.NodeTimeoutGrace,
		LeaseTTL:    cfg.Engine.LeaseTTL,
	}, corelogFor(log, "dispatcher"), metrics)

	schedStore := store.NewScheduleStore(db)
	sched := scheduler.New(schedStore, schedStore.Executions(), scheduleDispatcher(instances), scheduler.Config{
		RecoveryInterval: cfg.Scheduler.RecoveryInterval,
		MaxConcurrency:   cfg.Scheduler.MaxConcurrency,
		BusyRetryDelay:   cfg.Scheduler.RetryDelay,
	}, corelogFor(log, "scheduler"), metrics)

	queueStore := store.NewQueueStore(db)
	mirror := store.NewRedisMirror(redisClient)
	watermarkThresholds := queue.Thresholds{
		Low: cfg.Queue.LowThreshold, Normal: cfg.Queue.NormalThreshold,
		High: cfg.Queue.HighThreshold, Critical: cfg.Queue.CriticalThreshold,
	}

	const defaultGroup = "default"
	monitor := queue.NewWatermarkMonitor(mirror, defaultGroup, watermarkThresholds, cfg.Queue.WatermarkScanInterval,
		func(from, to queue.Band, length int) {
			metrics.SetWatermarkBand(defaultGroup, int(to))
			entry.WithField("from", from.String()).WithField("to", to.String()).WithField("length", length).Info("watermark band changed")
		})

	stream := store.NewStreamFromStore(queueStore, mirror, defaultGroup, 200)
	backpressureMgr := queue.NewManager(defaultGroup, stream, monitor, queue.BackpressureConfig{
		MinStreamDuration:  cfg.Queue.MinStreamDuration,
		StopStreamDelay:    cfg.Queue.StopStreamDelay,
		StartCooldown:      cfg.Queue.StartCooldown,
		AdjustInterval:     cfg.Queue.BackpressureAdjust,
		BaseConcurrency:    cfg.Queue.BaseConcurrency,
		HighMultiplier:     cfg.Queue.HighMultiplier,
		CriticalMultiplier: cfg.Queue.CriticalMultiplier,
	}, corelogFor(log, "backpressure"), metrics)

	processor := queue.NewProcessor(queueStore, mirror, backpressureMgr, jobHandler(registry), queue.ProcessorConfig{
		Group:        defaultGroup,
		WorkerID:     cfg.Engine.EngineID,
		HeartbeatTTL: cfg.Engine.HeartbeatInterval,
		HardGrace:    cfg.Engine.NodeTimeoutGrace,
	}, corelogFor(log, "processor"), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Start(ctx)
	backpressureMgr.Start(ctx)
	go streamPollLoop(ctx, stream, cfg.Queue.WatermarkScanInterval)
	go sweepLoop(ctx, queueStore, defaultGroup, cfg.Queue.SweepInterval, log)

	if err := dispatcher.Start(ctx); err != nil {
		entry.WithError(err).Fatal("failed to start dispatcher")
	}
	if err := sched.Start(ctx); err != nil {
		entry.WithError(err).Fatal("failed to start scheduler")
	}
	if err := processor.Start(ctx); err != nil {
		entry.WithError(err).Fatal("failed to start queue processor")
	}

	entry.Info("engine started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	entry.Info("shutdown signal received, draining in-flight work")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	_ = dispatcher.Stop(shutdownCtx)
	_ = sched.Stop(shutdownCtx)
	_ = processor.Stop(shutdownCtx)
	monitor.Stop()
	backpressureMgr.Stop()
	cancel()

	entry.Info("engine stopped")
}

func corelogFor(base *corelog.Logger, component string) *corelog.Logger {
	return &corelog.Logger{Logger: base.WithField("component", component).Logger}
}

func registerExecutors(registry *executor.Registry) {
	// Concrete executors are provided by deployment-specific plugins and
	// registered here at process startup; none ship in this module.
}

func scheduleDispatcher(instances workflow.InstanceRepo) scheduler.DispatcherFunc {
	return func(ctx context.Context, s *scheduler.Schedule) error {
		inst := &workflow.Instance{
			DefinitionName: s.WorkflowDefinitionRef,
			Status:         workflow.InstancePending,
			InputData:      s.InputData,
			ContextData:    s.ContextData,
			BusinessKey:    s.BusinessKey,
			MutexKey:       s.MutexKey,
		}
		return instances.Create(ctx, inst)
	}
}

func jobHandler(registry *executor.Registry) queue.JobHandler {
	return func(ctx context.Context, job *queue.Job) (queue.Result, error) {
		name, _ := job.Payload["executor"].(string)
		exec, err := registry.Lookup(name, "")
		if err != nil {
			return queue.Result{}, err
		}
		execCtx := executor.ExecContext{
			Context: ctx,
			Config:  job.Payload,
		}
		result, err := exec.Execute(execCtx)
		if err != nil {
			return queue.Result{}, err
		}
		if !result.Success {
			return queue.Result{}, apperror.Wrap(apperror.KindExecutorFailure, result.Error, nil)
		}
		return queue.Result{Output: result.Data}, nil
	}
}

func streamPollLoop(ctx context.Context, stream *store.StreamFromStore, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = stream.PollOnce(ctx)
		}
	}
}

func sweepLoop(ctx context.Context, queueStore *store.QueueStore, group string, interval time.Duration, log *corelog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := queueStore.Sweep(ctx, group); err != nil {
				log.WithError(err).Warn("queue sweep failed")
			}
		}
	}
}
