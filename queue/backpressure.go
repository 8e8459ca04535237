package queue

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/flowengine/corelog"
	"github.com/r3e-network/flowengine/telemetry"
)

// StreamController hydrates a MemoryMirror from a Store. The backpressure
// manager is its sole writer (spec.md §5: "Memory queue mirror: single-
// writer (the stream + the processor)").
type StreamController interface {
	StartStream(ctx context.Context) error
	StopStream(ctx context.Context) error
}

// BackpressureConfig carries the hysteresis and concurrency-scaling knobs
// from storeconfig.QueueConfig.
type BackpressureConfig struct {
	MinStreamDuration  time.Duration
	StopStreamDelay    time.Duration
	StartCooldown      time.Duration
	AdjustInterval     time.Duration
	BaseConcurrency    int
	HighMultiplier     float64
	CriticalMultiplier float64
}

// Manager owns the durable-store-to-memory-mirror stream and the
// processor's effective concurrency (C10). It re-evaluates on a fixed
// tick rather than only on band-change events, because the hysteresis
// conditions (stream age, delay-since-condition) are time-based and must
// be rechecked even while the band stays put.
type Manager struct {
	group  string
	stream StreamController
	cfg    BackpressureConfig

	watermark *WatermarkMonitor
	metrics   *telemetry.Metrics
	log       *corelog.Logger

	mu              sync.Mutex
	streamActive    bool
	streamStartedAt time.Time
	lastStreamStop  time.Time
	highSince       time.Time
	activated       bool
	concurrency     int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager bound to one queue group's watermark monitor
// and stream controller.
func NewManager(group string, stream StreamController, watermark *WatermarkMonitor, cfg BackpressureConfig, log *corelog.Logger, metrics *telemetry.Metrics) *Manager {
	if cfg.AdjustInterval <= 0 {
		cfg.AdjustInterval = 5 * time.Second
	}
	if cfg.BaseConcurrency <= 0 {
		cfg.BaseConcurrency = 10
	}
	if cfg.HighMultiplier <= 0 {
		cfg.HighMultiplier = 0.5
	}
	if cfg.CriticalMultiplier <= 0 {
		cfg.CriticalMultiplier = 0.1
	}
	return &Manager{
		group: group, stream: stream, watermark: watermark, cfg: cfg,
		log: log, metrics: metrics, concurrency: cfg.BaseConcurrency,
	}
}

// Start begins the periodic evaluation loop.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(runCtx)
}

// Stop halts the evaluation loop. It does not stop an active stream.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.AdjustInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluate(ctx)
		}
	}
}

func (m *Manager) evaluate(ctx context.Context) {
	band := m.watermark.Band()
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch band {
	case BandEmpty, BandLow:
		m.highSince = time.Time{}
		if !m.streamActive && now.Sub(m.lastStreamStop) >= m.cfg.StartCooldown {
			if err := m.stream.StartStream(ctx); err != nil {
				m.log.FromContext(ctx).WithError(err).WithField("group", m.group).Error("failed to start queue stream")
			} else {
				m.streamActive = true
				m.streamStartedAt = now
				if m.metrics != nil {
					m.metrics.RecordBackpressureTransition(m.group, "stream_start")
				}
			}
		}
	case BandNormal:
		m.highSince = time.Time{}
	case BandHigh, BandCritical:
		if m.highSince.IsZero() {
			m.highSince = now
		}
		if m.streamActive &&
			now.Sub(m.streamStartedAt) >= m.cfg.MinStreamDuration &&
			now.Sub(m.highSince) >= m.cfg.StopStreamDelay {
			if err := m.stream.StopStream(ctx); err != nil {
				m.log.FromContext(ctx).WithError(err).WithField("group", m.group).Error("failed to stop queue stream")
			} else {
				m.streamActive = false
				m.lastStreamStop = now
				if m.metrics != nil {
					m.metrics.RecordBackpressureTransition(m.group, "stream_stop")
				}
			}
		}
	}

	m.activated = band == BandHigh || band == BandCritical

	multiplier := 1.0
	switch band {
	case BandHigh:
		multiplier = m.cfg.HighMultiplier
	case BandCritical:
		multiplier = m.cfg.CriticalMultiplier
	}
	effective := int(float64(m.cfg.BaseConcurrency) * multiplier)
	if effective < 1 {
		effective = 1
	}
	m.concurrency = effective
	if m.metrics != nil {
		m.metrics.SetDispatchConcurrency(effective)
	}
}

// Active reports whether backpressure is currently asserted (band high or
// critical). Producers may use this as a soft, non-fatal signal.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activated
}

// Concurrency returns the current effective worker-pool size.
func (m *Manager) Concurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.concurrency
}
