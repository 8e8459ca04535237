package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/corelog"
	"github.com/r3e-network/flowengine/telemetry"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// armedSchedule is one entry in the scheduler's in-memory timer map.
type armedSchedule struct {
	schedule  *Schedule
	cronSched cron.Schedule
	location  *time.Location
	nextRunAt time.Time
	timer     *time.Timer
}

// Scheduler maintains exactly one pending timer per enabled schedule,
// firing each at its cron-computed next run time (C7).
type Scheduler struct {
	repo       Repo
	executions ExecutionRepo
	dispatcher Dispatcher
	log        *corelog.Logger
	metrics    *telemetry.Metrics
	tracer     telemetry.Tracer

	recoveryInterval time.Duration
	maxConcurrency   int
	busyRetryDelay   time.Duration

	mu        sync.Mutex
	armed     map[string]*armedSchedule
	running   int
	runningMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config carries the scheduler's tuning knobs from storeconfig.SchedulerConfig.
type Config struct {
	RecoveryInterval time.Duration
	MaxConcurrency   int
	BusyRetryDelay   time.Duration
}

// New builds a Scheduler bound to its repositories and dispatcher.
func New(repo Repo, executions ExecutionRepo, dispatcher Dispatcher, cfg Config, log *corelog.Logger, metrics *telemetry.Metrics) *Scheduler {
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 10 * time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 50
	}
	if cfg.BusyRetryDelay <= 0 {
		cfg.BusyRetryDelay = 60 * time.Second
	}
	return &Scheduler{
		repo: repo, executions: executions, dispatcher: dispatcher,
		log: log, metrics: metrics, tracer: telemetry.NoopTracer,
		recoveryInterval: cfg.RecoveryInterval,
		maxConcurrency:   cfg.MaxConcurrency,
		busyRetryDelay:   cfg.BusyRetryDelay,
		armed:            make(map[string]*armedSchedule),
	}
}

// SetTracer installs a tracer, satisfying telemetry.WithTracer.
func (s *Scheduler) SetTracer(t telemetry.Tracer) { s.tracer = t }

// Start loads every enabled schedule, arms its timer, and begins the
// periodic recovery tick.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.reload(runCtx); err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go s.recoveryLoop(runCtx)
	return nil
}

// Stop clears every armed timer and waits for the recovery loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for name, a := range s.armed {
		a.timer.Stop()
		delete(s.armed, name)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

func (s *Scheduler) recoveryLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reload(ctx); err != nil {
				s.log.FromContext(ctx).WithError(err).Error("schedule recovery reload failed")
			}
		}
	}
}

// reload re-reads enabled schedules and arms a timer for any not already
// tracked, per §4.7's "recovery tick ... adds any missing entries".
func (s *Scheduler) reload(ctx context.Context) error {
	schedules, err := s.repo.List(ctx, true)
	if err != nil {
		return apperror.Wrap(apperror.KindTransient, "list enabled schedules", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(schedules))
	for _, sched := range schedules {
		seen[sched.Name] = true
		if _, ok := s.armed[sched.Name]; ok {
			continue
		}
		if err := s.armLocked(sched); err != nil {
			s.log.FromContext(ctx).WithError(err).WithField("schedule", sched.Name).
				Error("failed to arm schedule, skipping")
		}
	}

	for name, a := range s.armed {
		if !seen[name] {
			a.timer.Stop()
			delete(s.armed, name)
		}
	}
	return nil
}

// armLocked computes a schedule's next run time and arms its single-shot
// timer. Callers must hold s.mu.
func (s *Scheduler) armLocked(sched *Schedule) error {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return apperror.Validation("timezone", "invalid IANA timezone: "+sched.Timezone)
	}

	cronSched, err := cronParser.Parse(sched.CronExpression)
	if err != nil {
		return apperror.Validation("cron_expression", "unparseable cron expression: "+err.Error())
	}

	now := time.Now().In(loc)
	next := cronSched.Next(now)

	a := &armedSchedule{schedule: sched, cronSched: cronSched, location: loc, nextRunAt: next}
	a.timer = time.AfterFunc(time.Until(next), func() { s.fire(context.Background(), a) })
	s.armed[sched.Name] = a
	return nil
}

// fire runs one schedule firing per §4.7 step "On fire": enforce
// maxConcurrency, dispatch, record an Execution, then arm the next timer.
func (s *Scheduler) fire(ctx context.Context, a *armedSchedule) {
	spanCtx, finishSpan := s.tracer.StartSpan(ctx, "scheduler.fire", map[string]string{"schedule": a.schedule.Name})

	rearmed := false
	defer func() {
		if rearmed {
			return
		}
		s.mu.Lock()
		next := a.cronSched.Next(time.Now().In(a.location))
		a.nextRunAt = next
		a.timer = time.AfterFunc(time.Until(next), func() { s.fire(context.Background(), a) })
		s.armed[a.schedule.Name] = a
		s.mu.Unlock()
	}()

	if !s.tryEnterRunning() {
		s.mu.Lock()
		a.timer = time.AfterFunc(s.busyRetryDelay, func() { s.fire(context.Background(), a) })
		s.armed[a.schedule.Name] = a
		s.mu.Unlock()
		rearmed = true
		finishSpan(nil)
		return
	}
	defer s.exitRunning()

	firedAt := time.Now().UTC()
	lag := firedAt.Sub(a.nextRunAt)
	err := s.dispatcher.DispatchSchedule(spanCtx, a.schedule)

	status := ExecutionDispatched
	errMsg := ""
	if err != nil {
		status = ExecutionFailed
		errMsg = err.Error()
		s.log.FromContext(spanCtx).WithError(err).WithField("schedule", a.schedule.Name).Error("schedule dispatch failed")
	}

	if s.executions != nil {
		execErr := s.executions.Create(spanCtx, &Execution{
			ID: uuid.NewString(), ScheduleName: a.schedule.Name, FiredAt: firedAt, Status: status, ErrorMessage: errMsg,
		})
		if execErr != nil {
			s.log.FromContext(spanCtx).WithError(execErr).Error("failed to record schedule execution")
		}
	}

	a.schedule.LastRunAt = &firedAt
	if s.repo != nil {
		if updateErr := s.repo.Update(spanCtx, a.schedule); updateErr != nil {
			s.log.FromContext(spanCtx).WithError(updateErr).Error("failed to persist schedule last_run_at")
		}
	}

	if s.metrics != nil {
		metricStatus := "dispatched"
		if err != nil {
			metricStatus = "failed"
		}
		s.metrics.RecordScheduleFire(a.schedule.Name, metricStatus, lag)
	}
	finishSpan(err)
}

func (s *Scheduler) tryEnterRunning() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running >= s.maxConcurrency {
		return false
	}
	s.running++
	return true
}

func (s *Scheduler) exitRunning() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	s.running--
}
