package coord

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// BackpressureState classifies queue utilization.
type BackpressureState string

const (
	Normal   BackpressureState = "normal"
	Warning  BackpressureState = "warning"
	Paused   BackpressureState = "paused"
	Critical BackpressureState = "critical"
)

// QueueSource exposes a queue's depth for watermark sampling. The
// router satisfies this.
type QueueSource interface {
	QueueDepth() (size, capacity int)
}

// BackpressureConfig holds the watermark thresholds as fractions of
// capacity.
type BackpressureConfig struct {
	WarningThreshold  float64 // default 0.70
	PauseThreshold    float64 // default 0.90
	CriticalThreshold float64 // default 0.95
	ResumeThreshold   float64 // default 0.50
	CheckInterval     time.Duration
	Clock             clock.Clock
	Logger            *zap.Logger
}

// BackpressureStatistics is a snapshot of the monitor's counters.
type BackpressureStatistics struct {
	State        BackpressureState
	IsPaused     bool
	StateChanges int
	PauseEvents  int
	ResumeEvents int
	Utilization  float64
}

// BackpressureMonitor watches registered queues and raises pause and
// resume events as utilization crosses the watermarks. Once paused it
// stays paused until utilization falls to the resume threshold.
type BackpressureMonitor struct {
	cfg   BackpressureConfig
	clock clock.Clock
	log   *zap.Logger

	mu          sync.Mutex
	sources     map[string]QueueSource
	state       BackpressureState
	paused      bool
	utilization float64

	onPause  []func()
	onResume []func()

	stateChanges int
	pauseEvents  int
	resumeEvents int

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBackpressureMonitor creates a monitor with defaulted thresholds.
func NewBackpressureMonitor(cfg BackpressureConfig) *BackpressureMonitor {
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 0.70
	}
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = 0.90
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 0.95
	}
	if cfg.ResumeThreshold <= 0 {
		cfg.ResumeThreshold = 0.50
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &BackpressureMonitor{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Logger.Named("backpressure"),
		sources: make(map[string]QueueSource),
		state:   Normal,
	}
}

// RegisterQueue adds a queue under the given name.
func (b *BackpressureMonitor) RegisterQueue(name string, src QueueSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources[name] = src
}

// UnregisterQueue removes a monitored queue.
func (b *BackpressureMonitor) UnregisterQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sources, name)
}

// OnPause registers a callback fired when the monitor pauses intake.
func (b *BackpressureMonitor) OnPause(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPause = append(b.onPause, fn)
}

// OnResume registers a callback fired when intake resumes.
func (b *BackpressureMonitor) OnResume(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onResume = append(b.onResume, fn)
}

// Start launches the periodic check loop. Idempotent.
func (b *BackpressureMonitor) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.loop(ctx)
}

// Stop halts the check loop.
func (b *BackpressureMonitor) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	cancel()
	<-done
}

func (b *BackpressureMonitor) loop(ctx context.Context) {
	defer close(b.done)
	ticker := b.clock.Ticker(b.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Check()
		}
	}
}

// Check samples every registered queue and applies the watermark
// rules. The loop calls this each interval; tests call it directly.
func (b *BackpressureMonitor) Check() {
	b.mu.Lock()
	max := 0.0
	for _, src := range b.sources {
		size, capacity := src.QueueDepth()
		if capacity <= 0 {
			continue
		}
		if u := float64(size) / float64(capacity); u > max {
			max = u
		}
	}
	b.utilization = max

	newState := b.classify(max)
	var firePause, fireResume []func()

	if newState != b.state {
		b.log.Info("backpressure state change",
			zap.String("from", string(b.state)), zap.String("to", string(newState)),
			zap.Float64("utilization", max))
		b.state = newState
		b.stateChanges++
	}

	shouldPause := newState == Paused || newState == Critical
	if shouldPause && !b.paused {
		b.paused = true
		b.pauseEvents++
		firePause = append(firePause, b.onPause...)
	} else if b.paused && max <= b.cfg.ResumeThreshold {
		b.paused = false
		b.resumeEvents++
		fireResume = append(fireResume, b.onResume...)
	}
	b.mu.Unlock()

	for _, fn := range firePause {
		fn()
	}
	for _, fn := range fireResume {
		fn()
	}
}

func (b *BackpressureMonitor) classify(utilization float64) BackpressureState {
	switch {
	case utilization >= b.cfg.CriticalThreshold:
		return Critical
	case utilization >= b.cfg.PauseThreshold:
		return Paused
	case utilization >= b.cfg.WarningThreshold:
		return Warning
	default:
		return Normal
	}
}

// IsPaused reports whether intake is currently paused.
func (b *BackpressureMonitor) IsPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// State returns the current backpressure state.
func (b *BackpressureMonitor) State() BackpressureState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Statistics returns a snapshot of the monitor.
func (b *BackpressureMonitor) Statistics() BackpressureStatistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackpressureStatistics{
		State:        b.state,
		IsPaused:     b.paused,
		StateChanges: b.stateChanges,
		PauseEvents:  b.pauseEvents,
		ResumeEvents: b.resumeEvents,
		Utilization:  b.utilization,
	}
}
