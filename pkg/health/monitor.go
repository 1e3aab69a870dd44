// Package health monitors node liveness through periodic heartbeats
// and timeout detection.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fractree/fractree/pkg/message"
	"github.com/fractree/fractree/pkg/tree"
)

// Status is a node's observed health.
type Status string

const (
	Unknown   Status = "unknown"
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	// timeout defaults to three missed heartbeats
	defaultTimeoutMultiple = 3

	unhealthyErrorCount = 3
)

// Messenger is the sending half of the router heartbeats go through.
type Messenger interface {
	Send(msg *message.Message) bool
}

// Snapshot is an immutable view of health at one instant.
type Snapshot struct {
	NodeID        string
	Status        Status
	Timestamp     time.Time
	LastHeartbeat time.Time // zero when none received yet
	ErrorCount    int
}

// Config configures a Monitor.
type Config struct {
	HeartbeatInterval time.Duration // default 30s
	TimeoutThreshold  time.Duration // default 3x interval
	Clock             clock.Clock
	Logger            *zap.Logger
}

// Statistics is a snapshot of monitor counters.
type Statistics struct {
	HeartbeatsSent     int
	HeartbeatsReceived int
	HealthChecks       int
	StatusChanges      int
	CurrentStatus      Status
	ErrorCount         int
}

// Monitor tracks the health of one node: it emits heartbeats to the
// node's neighbors, records heartbeats received from peers, and
// derives status from heartbeat recency and error count.
type Monitor struct {
	node      *tree.Node
	messenger Messenger
	interval  time.Duration
	threshold time.Duration
	clock     clock.Clock
	log       *zap.Logger

	mu            sync.Mutex
	status        Status
	lastHeartbeat time.Time
	errorCount    int
	peers         map[string]time.Time

	heartbeatsSent     int
	heartbeatsReceived int
	healthChecks       int
	statusChanges      int

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a health monitor for the node. A nil messenger
// disables heartbeat emission; receipt tracking still works.
func NewMonitor(node *tree.Node, messenger Messenger, cfg Config) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.TimeoutThreshold <= 0 {
		cfg.TimeoutThreshold = cfg.HeartbeatInterval * defaultTimeoutMultiple
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Monitor{
		node:      node,
		messenger: messenger,
		interval:  cfg.HeartbeatInterval,
		threshold: cfg.TimeoutThreshold,
		clock:     cfg.Clock,
		log:       cfg.Logger.Named("health").With(zap.String("node", node.ID())),
		status:    Unknown,
		peers:     make(map[string]time.Time),
	}
}

// Start marks the node healthy and launches the heartbeat loop.
// Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.setStatusLocked(Healthy)
	m.mu.Unlock()

	go m.loop(ctx)
	m.log.Info("health monitor started")
}

// Stop halts the heartbeat loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	cancel()
	<-done
	m.log.Info("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EmitHeartbeats()
			m.CheckHealth()
		}
	}
}

// EmitHeartbeats sends a ping to the parent and every child. The loop
// calls this each interval; tests call it directly.
func (m *Monitor) EmitHeartbeats() {
	if m.messenger == nil {
		return
	}
	var targets []string
	if p := m.node.Parent(); p != nil {
		targets = append(targets, p.ID())
	}
	for _, child := range m.node.Children() {
		targets = append(targets, child.ID())
	}
	for _, id := range targets {
		msg, err := message.New(message.Ping, nil, m.node.ID(),
			message.WithRecipient(id))
		if err != nil {
			continue
		}
		if m.messenger.Send(msg) {
			m.mu.Lock()
			m.heartbeatsSent++
			m.mu.Unlock()
		}
	}
}

// RecordHeartbeat notes a heartbeat from a peer: the error count
// resets and the node recovers to Healthy.
func (m *Monitor) RecordHeartbeat(from string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.lastHeartbeat = now
	m.peers[from] = now
	m.heartbeatsReceived++
	m.errorCount = 0
	m.setStatusLocked(Healthy)
}

// HandleHeartbeat records the sender's heartbeat. Signature matches
// the router handler type so it can be registered for ping messages.
func (m *Monitor) HandleHeartbeat(msg *message.Message) error {
	m.RecordHeartbeat(msg.SenderID)
	return nil
}

// RecordError escalates status with the error count: one error
// degrades the node, three mark it unhealthy.
func (m *Monitor) RecordError(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount++
	m.log.Warn("health error recorded",
		zap.String("reason", reason), zap.Int("count", m.errorCount))
	if m.errorCount >= unhealthyErrorCount {
		m.setStatusLocked(Unhealthy)
	} else {
		m.setStatusLocked(Degraded)
	}
}

// CheckHealth derives status from heartbeat recency: within one
// interval Healthy, within the timeout threshold Degraded, beyond it
// Unhealthy. Nodes that never received a heartbeat keep their current
// status.
func (m *Monitor) CheckHealth() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthChecks++
	if m.lastHeartbeat.IsZero() {
		return
	}
	since := m.clock.Now().Sub(m.lastHeartbeat)
	switch {
	case since > m.threshold:
		m.setStatusLocked(Unhealthy)
	case since > m.interval:
		m.setStatusLocked(Degraded)
	default:
		if m.errorCount == 0 {
			m.setStatusLocked(Healthy)
		}
	}
}

func (m *Monitor) setStatusLocked(s Status) {
	if s == m.status {
		return
	}
	m.log.Info("health status changed",
		zap.String("from", string(m.status)), zap.String("to", string(s)))
	m.status = s
	m.statusChanges++
}

// Status returns the current health status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// PeerLastHeartbeat returns when the peer was last heard from.
func (m *Monitor) PeerLastHeartbeat(peerID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.peers[peerID]
	return t, ok
}

// Snapshot returns an immutable view of the node's health.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		NodeID:        m.node.ID(),
		Status:        m.status,
		Timestamp:     m.clock.Now(),
		LastHeartbeat: m.lastHeartbeat,
		ErrorCount:    m.errorCount,
	}
}

// Statistics returns a snapshot of monitor counters.
func (m *Monitor) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Statistics{
		HeartbeatsSent:     m.heartbeatsSent,
		HeartbeatsReceived: m.heartbeatsReceived,
		HealthChecks:       m.healthChecks,
		StatusChanges:      m.statusChanges,
		CurrentStatus:      m.status,
		ErrorCount:         m.errorCount,
	}
}
