// Package coord implements the parent/child coordination protocol:
// sessions with validated state transitions, command fan-out, session
// heartbeats, and queue backpressure monitoring.
package coord

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fractree/fractree/pkg/message"
	"github.com/fractree/fractree/pkg/tree"
)

// Coordination message metadata keys and type values.
const (
	metaCoordType = "coordination_type"
	metaSessionID = "session_id"

	coordSync      = "coord_sync"
	coordReady     = "coord_ready"
	coordCommand   = "coord_command"
	coordComplete  = "coord_complete"
	coordError     = "coord_error"
	coordHeartbeat = "coord_heartbeat"
)

// CommandHandler executes a command delivered by the parent side of a
// session. A non-nil error is reported back as a session failure.
type CommandHandler func(command string, params map[string]any) error

const defaultHeartbeatInterval = 30 * time.Second

// Messenger is the sending half of the router the coordinator talks
// through.
type Messenger interface {
	Send(msg *message.Message) bool
}

// Session is an immutable view of one coordination session.
type Session struct {
	ID        string
	ParentID  string
	ChildIDs  []string
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

type session struct {
	id        string
	parentID  string
	childIDs  map[string]struct{}
	sm        *stateMachine
	createdAt time.Time
	updatedAt time.Time
}

// Config configures a Coordinator.
type Config struct {
	HeartbeatInterval time.Duration // default 30s
	Clock             clock.Clock
	Logger            *zap.Logger
}

// Statistics is a snapshot of coordinator counters.
type Statistics struct {
	SessionsCreated    int
	SessionsCompleted  int
	SessionsFailed     int
	CommandsExecuted   int
	HeartbeatsSent     int
	HeartbeatsReceived int
	ActiveSessions     int
	CurrentState       State
	HeartbeatInterval  time.Duration
}

// Coordinator manages coordination sessions between a node and its
// children.
type Coordinator struct {
	node      *tree.Node
	messenger Messenger
	interval  time.Duration
	clock     clock.Clock
	log       *zap.Logger
	sm        *stateMachine

	mu        sync.Mutex
	sessions  map[string]*session
	onCommand CommandHandler

	sessionsCreated    int
	sessionsCompleted  int
	sessionsFailed     int
	commandsExecuted   int
	heartbeatsSent     int
	heartbeatsReceived int

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a coordinator for the node, sending through the given
// messenger.
func New(node *tree.Node, messenger Messenger, cfg Config) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		node:      node,
		messenger: messenger,
		interval:  cfg.HeartbeatInterval,
		clock:     cfg.Clock,
		log:       cfg.Logger.Named("coord").With(zap.String("node", node.ID())),
		sm:        newStateMachine(cfg.Clock),
		sessions:  make(map[string]*session),
	}
}

// OnCommand registers the handler invoked for commands received from a
// parent. A nil handler (the default) accepts every command.
func (c *Coordinator) OnCommand(fn CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommand = fn
}

// Start launches the heartbeat loop. Idempotent.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.heartbeatLoop(ctx)
	c.log.Info("coordinator started")
}

// Stop halts the heartbeat loop and finalizes active sessions:
// synchronized sessions complete, others fail.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	for id, s := range c.sessions {
		switch s.sm.Current() {
		case Synchronized:
			s.sm.TransitionTo(Completed, "coordinator stop")
			c.sessionsCompleted++
		case Completed:
			c.sessionsCompleted++
		case Failed:
			c.sessionsFailed++
		default:
			if err := s.sm.TransitionTo(Failed, "coordinator stop"); err == nil {
				c.sessionsFailed++
			}
		}
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	c.log.Info("coordinator stopped")
}

// InitiateCoordination opens a session with the given children, or
// with all current children when childIDs is nil, and sends each one a
// sync request. Returns the session id.
func (c *Coordinator) InitiateCoordination(childIDs []string) (string, error) {
	if childIDs == nil {
		for _, child := range c.node.Children() {
			childIDs = append(childIDs, child.ID())
		}
	}
	targets := make(map[string]struct{}, len(childIDs))
	for _, id := range childIDs {
		targets[id] = struct{}{}
	}

	now := c.clock.Now()
	s := &session{
		id:        "coord-" + uuid.NewString(),
		parentID:  c.node.ID(),
		childIDs:  targets,
		sm:        newStateMachine(c.clock),
		createdAt: now,
		updatedAt: now,
	}
	if err := s.sm.TransitionTo(Connecting, "initiate"); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sessions[s.id] = s
	c.sessionsCreated++
	if c.sm.CanTransition(Connecting) {
		c.sm.TransitionTo(Connecting, "initiate")
	}
	c.mu.Unlock()

	for id := range targets {
		msg, err := message.New(message.Request,
			map[string]any{"action": "sync"},
			c.node.ID(),
			message.WithRecipient(id),
			message.WithPriority(message.High),
			message.WithMetadata(map[string]any{
				metaCoordType: coordSync,
				metaSessionID: s.id,
			}))
		if err != nil {
			continue
		}
		c.messenger.Send(msg)
	}

	c.log.Info("coordination initiated",
		zap.String("session", s.id), zap.Int("children", len(targets)))
	return s.id, nil
}

// ExecuteCommand fans a command out to the session's children. Returns
// false, without touching counters, when the session is unknown or not
// synchronized.
func (c *Coordinator) ExecuteCommand(sessionID, command string, params map[string]any) bool {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("command for unknown session", zap.String("session", sessionID))
		return false
	}
	if s.sm.Current() != Synchronized {
		c.log.Warn("command on unsynchronized session",
			zap.String("session", sessionID), zap.String("state", string(s.sm.Current())))
		return false
	}

	for id := range s.childIDs {
		msg, err := message.New(message.Command,
			map[string]any{"command": command, "params": params},
			c.node.ID(),
			message.WithRecipient(id),
			message.WithPriority(message.High),
			message.WithMetadata(map[string]any{
				metaCoordType: coordCommand,
				metaSessionID: sessionID,
			}))
		if err != nil {
			continue
		}
		c.messenger.Send(msg)
	}

	c.mu.Lock()
	c.commandsExecuted++
	c.mu.Unlock()
	c.log.Info("command executed",
		zap.String("session", sessionID), zap.String("command", command))
	return true
}

// HandleCoordinationMessage processes an incoming coordination
// message, both sides of the protocol: sync requests and commands
// arriving from a parent, and ready/complete/error reports arriving
// from children. Signature matches the router handler type so it can
// be registered directly.
func (c *Coordinator) HandleCoordinationMessage(msg *message.Message) error {
	coordType, _ := msg.Metadata[metaCoordType].(string)
	sessionID, _ := msg.Metadata[metaSessionID].(string)
	if coordType == "" || sessionID == "" {
		c.log.Warn("malformed coordination message", zap.Stringer("msg", msg))
		return nil
	}

	// Child side: a sync request opens the session, so it is handled
	// before the known-session check.
	switch coordType {
	case coordSync:
		c.handleSyncRequest(msg, sessionID)
		return nil
	case coordCommand:
		c.handleCommand(msg, sessionID)
		return nil
	}

	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("message for unknown session", zap.String("session", sessionID))
		return nil
	}

	switch coordType {
	case coordReady:
		if s.sm.Current() == Connecting {
			if err := s.sm.TransitionTo(Synchronized, "child ready"); err == nil {
				c.mu.Lock()
				if c.sm.CanTransition(Synchronized) {
					c.sm.TransitionTo(Synchronized, "session synchronized")
				}
				c.mu.Unlock()
			}
		}
	case coordComplete:
		if err := s.sm.TransitionTo(Completed, "child complete"); err == nil {
			c.mu.Lock()
			delete(c.sessions, sessionID)
			c.sessionsCompleted++
			c.mu.Unlock()
		}
	case coordError:
		if err := s.sm.TransitionTo(Failed, "child error"); err == nil {
			c.mu.Lock()
			delete(c.sessions, sessionID)
			c.sessionsFailed++
			c.mu.Unlock()
			c.log.Warn("session failed",
				zap.String("session", sessionID), zap.String("child", msg.SenderID))
		}
	case coordHeartbeat:
		c.mu.Lock()
		c.heartbeatsReceived++
		c.mu.Unlock()
	default:
		c.log.Warn("unknown coordination message type", zap.String("type", coordType))
	}

	c.mu.Lock()
	s.updatedAt = c.clock.Now()
	c.mu.Unlock()
	return nil
}

// handleSyncRequest joins the session a parent is opening: the child
// registers it, reports ready, and considers itself synchronized. A
// repeated sync for a known session resends ready, so a lost reply
// does not strand the parent in Connecting.
func (c *Coordinator) handleSyncRequest(msg *message.Message, sessionID string) {
	c.mu.Lock()
	if s, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		if c.sendReport(msg.SenderID, sessionID, coordReady, map[string]any{"action": "ready"}) &&
			s.sm.Current() == Connecting {
			s.sm.TransitionTo(Synchronized, "ready resent")
		}
		return
	}
	now := c.clock.Now()
	s := &session{
		id:        sessionID,
		parentID:  msg.SenderID,
		childIDs:  make(map[string]struct{}),
		sm:        newStateMachine(c.clock),
		createdAt: now,
		updatedAt: now,
	}
	c.sessions[sessionID] = s
	c.sessionsCreated++
	if c.sm.CanTransition(Connecting) {
		c.sm.TransitionTo(Connecting, "sync request")
	}
	c.mu.Unlock()

	s.sm.TransitionTo(Connecting, "sync request")
	if !c.sendReport(msg.SenderID, sessionID, coordReady, map[string]any{"action": "ready"}) {
		c.log.Warn("ready report failed",
			zap.String("session", sessionID), zap.String("parent", msg.SenderID))
		return
	}
	s.sm.TransitionTo(Synchronized, "ready sent")
	c.mu.Lock()
	if c.sm.CanTransition(Synchronized) {
		c.sm.TransitionTo(Synchronized, "session joined")
	}
	c.mu.Unlock()
	c.log.Info("joined coordination session",
		zap.String("session", sessionID), zap.String("parent", msg.SenderID))
}

// handleCommand executes a command from the parent and reports the
// outcome, concluding the child's side of the session.
func (c *Coordinator) handleCommand(msg *message.Message, sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	handler := c.onCommand
	c.mu.Unlock()
	if !ok {
		c.log.Debug("command for unknown session", zap.String("session", sessionID))
		return
	}

	var command string
	var params map[string]any
	if payload, ok := msg.Payload.(map[string]any); ok {
		command, _ = payload["command"].(string)
		params, _ = payload["params"].(map[string]any)
	}

	var err error
	if handler != nil {
		err = handler(command, params)
	}
	if err != nil {
		c.log.Warn("command failed",
			zap.String("session", sessionID), zap.String("command", command), zap.Error(err))
		c.sendReport(s.parentID, sessionID, coordError, map[string]any{"error": err.Error()})
		if s.sm.TransitionTo(Failed, "command failed") == nil {
			c.mu.Lock()
			delete(c.sessions, sessionID)
			c.sessionsFailed++
			c.mu.Unlock()
		}
		return
	}

	c.sendReport(s.parentID, sessionID, coordComplete, map[string]any{"command": command})
	if s.sm.TransitionTo(Completed, "command complete") == nil {
		c.mu.Lock()
		delete(c.sessions, sessionID)
		c.sessionsCompleted++
		c.mu.Unlock()
	}
	c.log.Info("command completed",
		zap.String("session", sessionID), zap.String("command", command))
}

// sendReport sends a coordination report to the session's other side.
func (c *Coordinator) sendReport(recipient, sessionID, coordType string, payload map[string]any) bool {
	msg, err := message.New(message.Request, payload, c.node.ID(),
		message.WithRecipient(recipient),
		message.WithPriority(message.High),
		message.WithMetadata(map[string]any{
			metaCoordType: coordType,
			metaSessionID: sessionID,
		}))
	if err != nil {
		return false
	}
	return c.messenger.Send(msg)
}

// SendHeartbeats emits one heartbeat to every child of every
// synchronized session. The background loop calls this each interval;
// tests call it directly.
func (c *Coordinator) SendHeartbeats() {
	c.mu.Lock()
	type target struct{ sessionID, childID string }
	var targets []target
	for _, s := range c.sessions {
		if s.sm.Current() != Synchronized {
			continue
		}
		for id := range s.childIDs {
			targets = append(targets, target{s.id, id})
		}
	}
	c.mu.Unlock()

	for _, t := range targets {
		msg, err := message.New(message.Ping, nil, c.node.ID(),
			message.WithRecipient(t.childID),
			message.WithMetadata(map[string]any{
				metaCoordType: coordHeartbeat,
				metaSessionID: t.sessionID,
			}))
		if err != nil {
			continue
		}
		if c.messenger.Send(msg) {
			c.mu.Lock()
			c.heartbeatsSent++
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer close(c.done)
	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SendHeartbeats()
		}
	}
}

// Session returns a copy of the session's current view.
func (c *Coordinator) Session(sessionID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	ids := make([]string, 0, len(s.childIDs))
	for id := range s.childIDs {
		ids = append(ids, id)
	}
	return Session{
		ID:        s.id,
		ParentID:  s.parentID,
		ChildIDs:  ids,
		State:     s.sm.Current(),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}, true
}

// SessionHistory returns the session's transition history.
func (c *Coordinator) SessionHistory(sessionID string) []Transition {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return s.sm.History()
}

// State returns the coordinator's own state.
func (c *Coordinator) State() State { return c.sm.Current() }

// Statistics returns a snapshot of coordinator counters.
func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Statistics{
		SessionsCreated:    c.sessionsCreated,
		SessionsCompleted:  c.sessionsCompleted,
		SessionsFailed:     c.sessionsFailed,
		CommandsExecuted:   c.commandsExecuted,
		HeartbeatsSent:     c.heartbeatsSent,
		HeartbeatsReceived: c.heartbeatsReceived,
		ActiveSessions:     len(c.sessions),
		CurrentState:       c.sm.Current(),
		HeartbeatInterval:  c.interval,
	}
}
