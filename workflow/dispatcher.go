package workflow

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/corelog"
	"github.com/r3e-network/flowengine/executor"
	"github.com/r3e-network/flowengine/telemetry"
	wfcontext "github.com/r3e-network/flowengine/workflow/context"
)

// Dispatcher is the per-process engine loop (C6): it refreshes instance
// leases, asks the resolver for ready nodes, and submits them to a bounded
// worker pool that invokes the executor registry.
type Dispatcher struct {
	engineID string

	instances   InstanceRepo
	nodes       TaskNodeRepo
	registry    *executor.Registry
	resolver    *Resolver
	sm          *StateMachine
	instanceMgr *InstanceManager
	builder     *wfcontext.Builder

	concurrency int
	idleTick    time.Duration
	busyTick    time.Duration
	nodeScanN   int
	hardGrace   time.Duration
	leaseTTL    time.Duration
	claimBatch  int

	log     *corelog.Logger
	metrics *telemetry.Metrics
	tracer  telemetry.Tracer

	sem *semaphore.Weighted

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// DispatcherConfig carries the tuning knobs from storeconfig.EngineConfig.
type DispatcherConfig struct {
	EngineID    string
	Concurrency int
	IdleTick    time.Duration
	BusyTick    time.Duration
	NodeScanN   int
	HardGrace   time.Duration
	// LeaseTTL is how long a running instance's lease survives without a
	// heartbeat before it becomes reclaimable by any engine.
	LeaseTTL time.Duration
	// ClaimBatch bounds how many pending/expired-lease instances a single
	// sweep attempts to claim.
	ClaimBatch int
}

// NewDispatcher builds a Dispatcher from its collaborators and config.
func NewDispatcher(
	instances InstanceRepo,
	nodes TaskNodeRepo,
	registry *executor.Registry,
	cfg DispatcherConfig,
	log *corelog.Logger,
	metrics *telemetry.Metrics,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.NodeScanN <= 0 {
		cfg.NodeScanN = 50
	}
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = 500 * time.Millisecond
	}
	if cfg.BusyTick <= 0 {
		cfg.BusyTick = 50 * time.Millisecond
	}
	if cfg.HardGrace <= 0 {
		cfg.HardGrace = 30 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 50
	}

	resolver := NewResolver(nodes)
	sm := NewStateMachine(nodes)

	return &Dispatcher{
		engineID:    cfg.EngineID,
		instances:   instances,
		nodes:       nodes,
		registry:    registry,
		resolver:    resolver,
		sm:          sm,
		instanceMgr: NewInstanceManager(instances, nodes, cfg.LeaseTTL),
		builder:     wfcontext.NewBuilder(),
		concurrency: cfg.Concurrency,
		idleTick:    cfg.IdleTick,
		busyTick:    cfg.BusyTick,
		nodeScanN:   cfg.NodeScanN,
		hardGrace:   cfg.HardGrace,
		leaseTTL:    cfg.LeaseTTL,
		claimBatch:  cfg.ClaimBatch,
		log:         log,
		metrics:     metrics,
		tracer:      telemetry.NoopTracer,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// SetTracer installs a tracer, satisfying telemetry.WithTracer.
func (d *Dispatcher) SetTracer(t telemetry.Tracer) {
	d.tracer = t
}

// Start runs the dispatcher loop until the context is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return apperror.Wrap(apperror.KindFatal, "dispatcher already started", nil)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(loopCtx)
	return nil
}

// Stop cancels the dispatcher loop and waits for in-flight node executions
// to drain, up to hardGrace, before returning.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.hardGrace):
	case <-ctx.Done():
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	tick := d.idleTick
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}

		found, err := d.sweepOnce(ctx)
		if err != nil {
			d.log.FromContext(ctx).WithError(err).Error("dispatcher sweep failed")
		}

		if found {
			tick = d.busyTick
		} else {
			tick = d.idleTick
		}
	}
}

// sweepOnce performs one iteration of the loop in spec.md §4.6 and reports
// whether it claimed an instance or found a ready node (used to drive the
// adaptive poll interval).
func (d *Dispatcher) sweepOnce(ctx context.Context) (bool, error) {
	claimed, err := d.claimOnce(ctx)
	if err != nil {
		d.log.FromContext(ctx).WithError(err).Error("instance claim pass failed")
	}

	instances, err := d.instances.ListForEngine(ctx, d.engineID)
	if err != nil {
		return claimed > 0, err
	}

	foundWork := claimed > 0
	for _, inst := range instances {
		if inst.Status != InstanceRunning {
			continue
		}
		if err := d.instanceMgr.Heartbeat(ctx, inst); err != nil {
			d.log.FromContext(ctx).WithError(err).Warn("heartbeat failed, lease may be reclaimed")
			continue
		}

		ready, err := d.resolver.Ready(ctx, inst, d.sm, d.builder)
		if err != nil {
			d.log.FromContext(ctx).WithError(err).Error("dependency resolution failed")
			continue
		}
		if len(ready) == 0 {
			continue
		}
		foundWork = true

		if d.nodeScanN > 0 && len(ready) > d.nodeScanN {
			ready = ready[:d.nodeScanN]
		}
		for _, node := range ready {
			d.dispatchNode(ctx, inst, node)
		}
	}

	return foundWork, nil
}

// claimOnce lists instances eligible for this engine to claim — pending
// instances, and running instances whose lease has expired — and attempts
// AcquireLease on each, enforcing the mutex_key invariant from spec.md §4.5:
// at most one running instance per mutex_key. For a mutex-keyed candidate it
// first confirms, via ListRunnableForMutexKey, that the candidate is the
// oldest pending instance for that key, so two same-key siblings are never
// raced in the same sweep. It returns how many instances were claimed.
func (d *Dispatcher) claimOnce(ctx context.Context) (int, error) {
	candidates, err := d.instances.ListClaimable(ctx, d.leaseTTL, d.claimBatch)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, inst := range candidates {
		if inst.MutexKey != "" && inst.Status == InstancePending {
			oldest, err := d.instances.ListRunnableForMutexKey(ctx, inst.MutexKey)
			if err != nil && !apperror.IsNotFound(err) {
				d.log.FromContext(ctx).WithError(err).Warn("mutex tie-break lookup failed")
				continue
			}
			if oldest != nil && oldest.ID != inst.ID {
				continue
			}
		}

		if err := d.instanceMgr.AcquireLease(ctx, inst, d.engineID); err != nil {
			if !apperror.IsLeaseLost(err) {
				d.log.FromContext(ctx).WithError(err).Warn("lease acquisition failed")
			}
			continue
		}
		claimed++
	}
	return claimed, nil
}

// dispatchNode attempts to acquire a worker slot and run node; if the pool
// is full the node is left pending for the next sweep, per §4.6 step 3.
func (d *Dispatcher) dispatchNode(ctx context.Context, inst *Instance, node *TaskNode) {
	if !d.sem.TryAcquire(1) {
		return
	}

	if err := d.sm.TransitionToRunning(ctx, node, d.engineID); err != nil {
		d.sem.Release(1)
		return
	}

	d.wg.Add(1)
	if d.metrics != nil {
		d.metrics.NodesInFlight.Inc()
	}
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		if d.metrics != nil {
			defer d.metrics.NodesInFlight.Dec()
		}
		d.executeNode(ctx, inst, node)
	}()
}

func (d *Dispatcher) executeNode(ctx context.Context, inst *Instance, node *TaskNode) {
	nodeCtx := corelog.WithInstanceID(ctx, inst.ID)
	nodeCtx = corelog.WithNodeID(nodeCtx, node.NodeID)
	nodeCtx = corelog.WithEngineID(nodeCtx, d.engineID)

	spanCtx, finishSpan := d.tracer.StartSpan(nodeCtx, "dispatch.executeNode", map[string]string{
		"instance_id": inst.ID, "node_id": node.NodeID, "executor": node.ExecutorName,
	})

	exec, err := d.registry.Lookup(node.ExecutorName, "")
	if err != nil {
		finishSpan(err)
		d.failNode(spanCtx, inst, node, err)
		return
	}

	upstream, err := d.upstreamOf(spanCtx, inst.ID, node)
	if err != nil {
		finishSpan(err)
		d.failNode(spanCtx, inst, node, err)
		return
	}
	view := d.builder.Build(inst.InputData, inst.ContextData, node.InputData, upstream, wfcontext.DirectPredecessors)

	execCtx := spanCtx
	execCancel := func() {}
	if node.Timeout > 0 {
		execCtx, execCancel = context.WithTimeout(spanCtx, node.Timeout)
	}
	defer execCancel()

	type execOutcome struct {
		result executor.Result
		err    error
	}
	outcome := make(chan execOutcome, 1)
	start := time.Now()
	go func() {
		result, err := exec.Execute(executor.ExecContext{
			Context: execCtx,
			WorkflowInstance: executor.InstanceView{
				ID: inst.ID, DefinitionRef: inst.DefinitionName, BusinessKey: inst.BusinessKey,
				InputData: view.Input, ContextData: view.Context,
			},
			NodeInstance: executor.NodeView{
				InstanceID: inst.ID, NodeID: node.NodeID, NodeName: node.NodeName,
				RetryCount: node.RetryCount, MaxRetries: node.MaxRetries, InputData: view.NodeInput,
			},
			Config: node.ExecutorConfig,
		})
		outcome <- execOutcome{result: result, err: err}
	}()

	var result executor.Result
	var execErr error
	select {
	case o := <-outcome:
		result, execErr = o.result, o.err
	case <-execCtx.Done():
		// The node timed out; trigger the executor's cancel signal and
		// give it hardGrace to honor it before declaring it orphaned.
		select {
		case o := <-outcome:
			result, execErr = o.result, o.err
		case <-time.After(d.hardGrace):
			orphanErr := apperror.Wrap(apperror.KindExecutorTimeout, "executor ignored cancel past grace period, lease force-released", nil)
			finishSpan(orphanErr)
			d.failNode(spanCtx, inst, node, orphanErr)
			return
		}
	}
	duration := time.Since(start)

	status := "success"
	if execErr != nil || !result.Success {
		status = "failure"
	}
	if d.metrics != nil {
		d.metrics.RecordNodeExecution(node.ExecutorName, status, duration)
	}

	if execErr != nil {
		finishSpan(execErr)
		d.failNode(spanCtx, inst, node, apperror.Wrap(apperror.KindExecutorFailure, "executor returned an error", execErr))
		return
	}
	if !result.Success {
		finishSpan(nil)
		d.failNode(spanCtx, inst, node, apperror.Wrap(apperror.KindExecutorFailure, result.Error, nil))
		return
	}

	finishSpan(nil)
	if err := d.sm.TransitionToCompleted(spanCtx, node, result.Data); err != nil {
		d.log.FromContext(spanCtx).WithError(err).Error("failed to record node completion")
		return
	}

	allNodes, err := d.nodes.ListByInstance(spanCtx, inst.ID)
	if err != nil {
		d.log.FromContext(spanCtx).WithError(err).Error("failed to list instance nodes after completion")
		return
	}
	if err := d.instanceMgr.RecordNodeCompletion(spanCtx, inst, node.NodeID, allNodes); err != nil {
		d.log.FromContext(spanCtx).WithError(err).Error("failed to evaluate instance completion")
	}
}

func (d *Dispatcher) failNode(ctx context.Context, inst *Instance, node *TaskNode, err error) {
	detail := &ErrorDetail{Kind: string(apperror.KindOf(err)), Message: err.Error()}
	retryable := apperror.Retryable(err)

	stillRetryable, _, transErr := d.sm.TransitionToFailed(ctx, node, detail, retryable)
	if transErr != nil {
		d.log.FromContext(ctx).WithError(transErr).Error("failed to record node failure")
		return
	}
	if stillRetryable {
		return
	}
	if err := d.instanceMgr.RecordNodeFailure(ctx, inst, node.NodeID, detail); err != nil {
		d.log.FromContext(ctx).WithError(err).Error("failed to propagate node failure to instance")
	}
}

func (d *Dispatcher) upstreamOf(ctx context.Context, instanceID string, node *TaskNode) ([]wfcontext.UpstreamNode, error) {
	if len(node.Dependencies) == 0 {
		return nil, nil
	}
	deps, err := d.nodes.FindDependencies(ctx, instanceID, node.Dependencies)
	if err != nil {
		return nil, err
	}

	out := make([]wfcontext.UpstreamNode, 0, len(deps))
	for _, dep := range deps {
		u := wfcontext.UpstreamNode{
			NodeID:      dep.NodeID,
			IsDirectDep: true,
			Snapshot: wfcontext.NodeSnapshot{
				Output:     dep.OutputData,
				Status:     string(dep.Status),
				DurationMs: dep.DurationMs,
			},
		}
		if dep.CompletedAt != nil {
			u.CompletedAt = *dep.CompletedAt
			u.Snapshot.CompletedAt = dep.CompletedAt
		}
		out = append(out, u)
	}
	return out, nil
}
