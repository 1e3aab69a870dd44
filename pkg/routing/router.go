// Package routing implements message transport over tree edges: a
// base router with per-priority queues, handler dispatch and
// structural routing, and a reliable router layering retries,
// acknowledgment correlation and delivery tracking on top of it.
package routing

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ef-ds/deque"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fractree/fractree/pkg/chaos"
	"github.com/fractree/fractree/pkg/message"
	"github.com/fractree/fractree/pkg/tree"
)

// Handler processes a message delivered to the local node. Handler
// errors are absorbed into statistics; they never stop the router.
type Handler func(*message.Message) error

type handlerReg struct {
	id int
	fn Handler
}

// Metrics receives router activity. Implemented by
// internal/telemetry; nil-safe via the noop default.
type Metrics interface {
	MessageSent(node string)
	MessageReceived(node string)
	MessageRouted(node string)
	MessageDropped(node string)
	QueueDepth(node string, priority string, depth int)
}

// Config carries router construction parameters. The zero value gets
// usable defaults.
type Config struct {
	MaxQueueSize int // per-priority queue bound, default 1000
	HistorySize  int // dedup window, default 10000
	Transport    Transport
	Injector     *chaos.Injector // optional chaos layer
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      Metrics
}

const (
	defaultMaxQueueSize = 1000
	defaultHistorySize  = 10000
)

// Statistics is a point-in-time copy of router counters.
type Statistics struct {
	MessagesSent       int
	MessagesReceived   int
	MessagesRouted     int
	MessagesDropped    int
	AcksSent           int
	AcksReceived       int
	QueueDepths        map[message.Priority]int
	PendingAcks        int
	HistorySize        int
	HandlersRegistered int
}

// Router is the base transport for a single tree node. Outbound
// messages are queued per priority and drained strictly
// highest-priority-first, FIFO within a level. Sustained high-priority
// load can starve lower levels; there is no anti-starvation policy.
type Router struct {
	node      *tree.Node
	cfg       Config
	log       *zap.Logger
	clock     clock.Clock
	transport Transport
	injector  *chaos.Injector
	metrics   Metrics

	mu          sync.Mutex
	queues      map[message.Priority]*deque.Deque
	handlers    map[message.Type][]handlerReg
	nextHandler int
	pending     map[string]*message.Message // message id -> awaiting ack
	seen        *lru.Cache[string, struct{}]

	sent, received, routed, dropped int
	acksSent, acksReceived          int

	// onResponse lets the reliable layer observe correlated responses
	// without re-implementing local dispatch.
	onResponse func(*message.Message)

	running bool
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRouter creates a router for the given node.
func NewRouter(node *tree.Node, cfg Config) (*Router, error) {
	if node == nil {
		return nil, tree.ErrInvalidNode
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	seen, err := lru.New[string, struct{}](cfg.HistorySize)
	if err != nil {
		return nil, err
	}
	queues := make(map[message.Priority]*deque.Deque, len(message.Priorities))
	for _, p := range message.Priorities {
		queues[p] = deque.New()
	}
	return &Router{
		node:      node,
		cfg:       cfg,
		log:       cfg.Logger.Named("router").With(zap.String("node", node.ID())),
		clock:     cfg.Clock,
		transport: cfg.Transport,
		injector:  cfg.Injector,
		metrics:   cfg.Metrics,
		queues:    queues,
		handlers:  make(map[message.Type][]handlerReg),
		pending:   make(map[string]*message.Message),
		seen:      seen,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Node returns the tree node this router serves.
func (r *Router) Node() *tree.Node { return r.node }

// Start launches the queue-processing goroutine. Starting a running
// router is a no-op.
func (r *Router) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
	r.log.Info("message router started")
}

// Stop cancels the processing goroutine. Queued messages are abandoned
// in place, not flushed.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.log.Info("message router stopped")
}

func (r *Router) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
			r.ProcessPending()
		}
	}
}

// RegisterHandler appends a handler for the given message type and
// returns a function that unregisters it again.
func (r *Router) RegisterHandler(t message.Type, h Handler) (unregister func()) {
	r.mu.Lock()
	id := r.nextHandler
	r.nextHandler++
	r.handlers[t] = append(r.handlers[t], handlerReg{id: id, fn: h})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		hs := r.handlers[t]
		for i, reg := range hs {
			if reg.id == id {
				r.handlers[t] = append(hs[:i], hs[i+1:]...)
				return
			}
		}
	}
}

// ClearHandlers drops all handlers for a type.
func (r *Router) ClearHandlers(t message.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, t)
}

// Send queues a message for transmission. Returns false and counts a
// drop when the priority queue is full.
func (r *Router) Send(msg *message.Message) bool {
	r.mu.Lock()
	q := r.queues[msg.Priority]
	if q == nil {
		q = r.queues[message.Normal]
	}
	if q.Len() >= r.cfg.MaxQueueSize {
		r.dropped++
		r.mu.Unlock()
		r.log.Warn("queue full, dropping message", zap.Stringer("msg", msg))
		if r.metrics != nil {
			r.metrics.MessageDropped(r.node.ID())
		}
		return false
	}
	q.PushBack(msg)
	r.sent++
	depth := q.Len()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.MessageSent(r.node.ID())
		r.metrics.QueueDepth(r.node.ID(), msg.Priority.String(), depth)
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// SendToParent addresses the message to the parent node and queues it.
func (r *Router) SendToParent(msg *message.Message) bool {
	parent := r.node.Parent()
	if parent == nil {
		r.log.Warn("cannot send to parent: node is root")
		return false
	}
	msg.RecipientID = parent.ID()
	return r.Send(msg)
}

// SendToChildren fans the message out to every direct child, returning
// how many copies were queued.
func (r *Router) SendToChildren(msg *message.Message) int {
	sent := 0
	for _, child := range r.node.Children() {
		if r.Send(msg.Fanout(child.ID())) {
			sent++
		}
	}
	return sent
}

// Broadcast fans the message out to every descendant (depth-first),
// returning how many copies were queued.
func (r *Router) Broadcast(msg *message.Message) int {
	sent := 0
	for _, desc := range r.node.Descendants() {
		if r.Send(msg.Fanout(desc.ID())) {
			sent++
		}
	}
	return sent
}

// ProcessPending synchronously drains the outbound queues in strict
// priority order and returns the number of messages transmitted. The
// background loop calls this on every wake; tests call it directly
// for deterministic stepping.
func (r *Router) ProcessPending() int {
	processed := 0
	for {
		msg := r.pop()
		if msg == nil {
			break
		}
		r.transmit(msg)
		processed++
	}
	return processed
}

// pop removes the next message: highest priority first, FIFO within a
// level.
func (r *Router) pop() *message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range message.Priorities {
		if v, ok := r.queues[p].PopFront(); ok {
			if r.metrics != nil {
				r.metrics.QueueDepth(r.node.ID(), p.String(), r.queues[p].Len())
			}
			return v.(*message.Message)
		}
	}
	return nil
}

// transmit moves one message toward its recipient: chaos interception,
// ack bookkeeping, then local delivery or a forwarding hop.
func (r *Router) transmit(msg *message.Message) {
	if r.injector != nil {
		if failure, ok := r.injector.ShouldInject(msg); ok {
			if r.injector.Inject(msg, failure) {
				r.countDrop()
				r.log.Debug("chaos dropped message",
					zap.String("failure", string(failure)), zap.Stringer("msg", msg))
				return
			}
		}
	}

	if msg.RequiresAck {
		r.mu.Lock()
		r.pending[msg.ID] = msg
		r.mu.Unlock()
	}

	if msg.RecipientID == "" || msg.RecipientID == r.node.ID() {
		r.Receive(msg)
		return
	}
	r.forward(msg)
}

// forward spends one hop of the TTL budget and hands the message to
// the next node toward its recipient: down into the child subtree that
// contains it, otherwise up to the parent.
func (r *Router) forward(msg *message.Message) {
	if !msg.DecrementTTL() {
		r.countDrop()
		r.log.Warn("message expired in transit", zap.Stringer("msg", msg))
		return
	}

	r.mu.Lock()
	r.routed++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.MessageRouted(r.node.ID())
	}

	for _, child := range r.node.Children() {
		if _, ok := child.Find(msg.RecipientID); ok {
			if r.transport == nil || !r.transport.Deliver(child.ID(), msg) {
				r.countDrop()
			}
			return
		}
	}
	if parent := r.node.Parent(); parent != nil {
		if r.transport == nil || !r.transport.Deliver(parent.ID(), msg) {
			r.countDrop()
		}
		return
	}
	r.countDrop()
	r.log.Warn("recipient unreachable from root", zap.Stringer("msg", msg))
}

// Receive processes a message arriving at this node. Messages for
// other nodes are forwarded; messages for this node (or unaddressed
// ones) are deduplicated against the seen window and dispatched to
// handlers.
func (r *Router) Receive(msg *message.Message) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.MessageReceived(r.node.ID())
	}

	if msg.RecipientID != "" && msg.RecipientID != r.node.ID() {
		r.forward(msg)
		return
	}

	if dup, _ := r.seen.ContainsOrAdd(msg.ID, struct{}{}); dup {
		r.log.Debug("dropping duplicate message", zap.Stringer("msg", msg))
		return
	}
	r.handleLocal(msg)
}

// Seen reports whether the message id is in the dedup window without
// touching it. Used by the reliable layer's duplicate accounting.
func (r *Router) Seen(id string) bool {
	return r.seen.Contains(id)
}

func (r *Router) handleLocal(msg *message.Message) {
	if msg.RequiresAck {
		ack := msg.Ack(r.node.ID())
		if r.Send(ack) {
			r.mu.Lock()
			r.acksSent++
			r.mu.Unlock()
		}
	}

	if msg.Type == message.Response && msg.CorrelationID != "" {
		r.mu.Lock()
		_, awaiting := r.pending[msg.CorrelationID]
		if awaiting {
			delete(r.pending, msg.CorrelationID)
			r.acksReceived++
		}
		hook := r.onResponse
		r.mu.Unlock()
		if hook != nil {
			hook(msg)
		}
	}

	r.mu.Lock()
	handlers := append([]handlerReg(nil), r.handlers[msg.Type]...)
	r.mu.Unlock()

	var errs error
	for _, h := range handlers {
		if err := h.fn(msg); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		r.log.Error("message handler failed", zap.Stringer("msg", msg), zap.Error(errs))
		if msg.RequiresAck {
			r.Send(msg.ErrorResponse(r.node.ID(), errs.Error()))
		}
	}
}

// setResponseHook installs the reliable layer's response observer.
func (r *Router) setResponseHook(fn func(*message.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResponse = fn
}

func (r *Router) countDrop() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.MessageDropped(r.node.ID())
	}
}

// QueueDepth reports the current total queued message count and the
// per-priority capacity. Backpressure monitoring samples this.
func (r *Router) QueueDepth() (size, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		size += q.Len()
	}
	return size, r.cfg.MaxQueueSize * len(r.queues)
}

// Statistics returns a snapshot of the router counters.
func (r *Router) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	depths := make(map[message.Priority]int, len(r.queues))
	for p, q := range r.queues {
		depths[p] = q.Len()
	}
	handlerCount := 0
	for _, hs := range r.handlers {
		handlerCount += len(hs)
	}
	return Statistics{
		MessagesSent:       r.sent,
		MessagesReceived:   r.received,
		MessagesRouted:     r.routed,
		MessagesDropped:    r.dropped,
		AcksSent:           r.acksSent,
		AcksReceived:       r.acksReceived,
		QueueDepths:        depths,
		PendingAcks:        len(r.pending),
		HistorySize:        r.seen.Len(),
		HandlersRegistered: handlerCount,
	}
}

// ClearStatistics zeroes the counters. Queues, handlers and the dedup
// window are untouched.
func (r *Router) ClearStatistics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent, r.received, r.routed, r.dropped = 0, 0, 0, 0
	r.acksSent, r.acksReceived = 0, 0
}
