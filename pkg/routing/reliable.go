package routing

import (
	"context"
	"sync"
	"time"

	"github.com/ef-ds/deque"
	"go.uber.org/zap"

	"github.com/fractree/fractree/pkg/message"
	"github.com/fractree/fractree/pkg/retry"
	"github.com/fractree/fractree/pkg/tracking"
	"github.com/fractree/fractree/pkg/tree"
)

// ReliabilityLevel is the delivery guarantee class for a send.
type ReliabilityLevel string

const (
	// BestEffort sends once; no retries, no ack tracking.
	BestEffort ReliabilityLevel = "best_effort"
	// AtLeastOnce retries with backoff until acknowledged or the
	// policy gives up.
	AtLeastOnce ReliabilityLevel = "at_least_once"
	// ExactlyOnce is AtLeastOnce plus deduplication on receipt.
	ExactlyOnce ReliabilityLevel = "exactly_once"
)

// TrackingPrefix distinguishes delivery tracking ids from raw message
// ids.
const TrackingPrefix = "reliable-"

// ReliableConfig configures a ReliableRouter.
type ReliableConfig struct {
	Router        Config
	DefaultPolicy retry.Policy
	MaxInflight   int           // default 100
	RetryInterval time.Duration // pending-scan period, default 100ms
	MaxRecords    int           // delivery ledger cap

	// OnOutcome, when set, is invoked with "delivered", "failed",
	// "retried", or "duplicate" as deliveries progress.
	OnOutcome func(outcome string)
}

const (
	defaultMaxInflight   = 100
	defaultRetryInterval = 100 * time.Millisecond
)

// ReliabilityStatistics is a snapshot of the reliable layer's
// counters, alongside the base router and ledger views.
type ReliabilityStatistics struct {
	MessagesDelivered  int
	MessagesFailed     int
	RetriesAttempted   int
	DuplicatesDetected int
	InflightLimitHits  int
	PendingMessages    int
	InflightMessages   int
	RetryQueueSize     int
	Tracker            tracking.Statistics
}

type pendingMessage struct {
	msg         *message.Message
	level       ReliabilityLevel
	policy      retry.Policy
	attempts    int
	lastAttempt time.Time
	nextRetry   time.Time
}

// ReliableRouter layers delivery guarantees over the base Router:
// reliability levels, an inflight cap, a background retry loop,
// acknowledgment correlation, and a delivery ledger.
type ReliableRouter struct {
	*Router
	rlog          *zap.Logger
	defaultPolicy retry.Policy
	maxInflight   int
	retryInterval time.Duration
	tracker       *tracking.Tracker
	onOutcome     func(string)

	rmu      sync.Mutex
	pending  map[string]*pendingMessage
	inflight map[string]struct{}
	backlog  *deque.Deque // sends deferred by the inflight cap

	delivered  int
	failed     int
	retried    int
	duplicates int
	limitHits  int

	rrunning bool
	rcancel  context.CancelFunc
	rdone    chan struct{}
}

// NewReliableRouter creates a reliable router for the given node.
func NewReliableRouter(node *tree.Node, cfg ReliableConfig) (*ReliableRouter, error) {
	base, err := NewRouter(node, cfg.Router)
	if err != nil {
		return nil, err
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = defaultMaxInflight
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.DefaultPolicy.MaxAttempts == 0 {
		cfg.DefaultPolicy = retry.Default()
	}

	rr := &ReliableRouter{
		Router:        base,
		rlog:          base.log.Named("reliable"),
		defaultPolicy: cfg.DefaultPolicy,
		maxInflight:   cfg.MaxInflight,
		retryInterval: cfg.RetryInterval,
		tracker:       tracking.New(cfg.MaxRecords, base.clock),
		onOutcome:     cfg.OnOutcome,
		pending:       make(map[string]*pendingMessage),
		inflight:      make(map[string]struct{}),
		backlog:       deque.New(),
	}
	base.setResponseHook(rr.HandleAck)
	return rr, nil
}

func (rr *ReliableRouter) observe(outcome string) {
	if rr.onOutcome != nil {
		rr.onOutcome(outcome)
	}
}

// Tracker exposes the delivery ledger.
func (rr *ReliableRouter) Tracker() *tracking.Tracker { return rr.tracker }

// Start launches the base router and the retry loop.
func (rr *ReliableRouter) Start() {
	rr.Router.Start()

	rr.rmu.Lock()
	if rr.rrunning {
		rr.rmu.Unlock()
		return
	}
	rr.rrunning = true
	ctx, cancel := context.WithCancel(context.Background())
	rr.rcancel = cancel
	rr.rdone = make(chan struct{})
	rr.rmu.Unlock()

	go rr.retryLoop(ctx)
	rr.rlog.Info("reliable router started")
}

// Stop halts the retry loop and the base router. Pending and inflight
// messages are abandoned in place.
func (rr *ReliableRouter) Stop() {
	rr.rmu.Lock()
	if rr.rrunning {
		rr.rrunning = false
		cancel, done := rr.rcancel, rr.rdone
		rr.rmu.Unlock()
		cancel()
		<-done
	} else {
		rr.rmu.Unlock()
	}
	rr.Router.Stop()
	rr.rlog.Info("reliable router stopped")
}

// SendReliable submits a message under the given reliability level and
// returns its delivery tracking id. A nil policy uses the router
// default.
func (rr *ReliableRouter) SendReliable(msg *message.Message, level ReliabilityLevel, policy *retry.Policy) string {
	trackingID := TrackingPrefix + msg.ID
	pol := rr.defaultPolicy
	if policy != nil {
		pol = *policy
	}

	rr.tracker.StartDelivery(trackingID, msg)

	if level == BestEffort {
		rr.tracker.UpdateAttempt(trackingID)
		if rr.Send(msg) {
			rr.tracker.MarkDelivered(trackingID)
			rr.rmu.Lock()
			rr.delivered++
			rr.rmu.Unlock()
			rr.observe("delivered")
		} else {
			rr.tracker.MarkFailed(trackingID, "send failed")
			rr.rmu.Lock()
			rr.failed++
			rr.rmu.Unlock()
			rr.observe("failed")
		}
		return trackingID
	}

	// Ack correlation requires the receiving node to answer.
	msg.RequiresAck = true

	pm := &pendingMessage{msg: msg, level: level, policy: pol}
	rr.rmu.Lock()
	if len(rr.inflight) >= rr.maxInflight {
		rr.limitHits++
		rr.backlog.PushBack(pendingEntry{trackingID, pm})
		rr.rmu.Unlock()
		rr.rlog.Warn("inflight limit reached, queuing message", zap.String("tracking_id", trackingID))
		return trackingID
	}
	rr.pending[trackingID] = pm
	rr.inflight[trackingID] = struct{}{}
	rr.rmu.Unlock()

	rr.attempt(trackingID, pm)
	return trackingID
}

type pendingEntry struct {
	trackingID string
	pm         *pendingMessage
}

// attempt performs one send and schedules the follow-up retry window.
func (rr *ReliableRouter) attempt(trackingID string, pm *pendingMessage) {
	rr.rmu.Lock()
	pm.attempts++
	attempts := pm.attempts
	now := rr.clock.Now()
	pm.lastAttempt = now
	pm.nextRetry = now.Add(pm.policy.Backoff(attempts))
	if attempts > 1 {
		rr.retried++
	}
	rr.rmu.Unlock()
	if attempts > 1 {
		rr.observe("retried")
	}

	rr.tracker.UpdateAttempt(trackingID)
	if !rr.Send(pm.msg) {
		rr.rlog.Warn("send attempt failed",
			zap.String("tracking_id", trackingID), zap.Int("attempt", attempts))
	}
}

// retryLoop periodically re-examines pending messages: acked entries
// have already been finalized, due entries are resent while the policy
// allows, exhausted entries are failed permanently.
func (rr *ReliableRouter) retryLoop(ctx context.Context) {
	defer close(rr.rdone)
	ticker := rr.clock.Ticker(rr.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rr.processRetries()
		}
	}
}

// processRetries runs one scan of the backlog and the pending set.
// Exported indirectly through the retry loop; tests drive it via the
// mock clock.
func (rr *ReliableRouter) processRetries() {
	now := rr.clock.Now()

	// Admit deferred sends while capacity allows.
	var admitted []pendingEntry
	rr.rmu.Lock()
	for len(rr.inflight) < rr.maxInflight {
		v, ok := rr.backlog.PopFront()
		if !ok {
			break
		}
		e := v.(pendingEntry)
		rr.pending[e.trackingID] = e.pm
		rr.inflight[e.trackingID] = struct{}{}
		admitted = append(admitted, e)
	}

	var due []pendingEntry
	var exhausted []pendingEntry
	for id, pm := range rr.pending {
		if pm.attempts == 0 || now.Before(pm.nextRetry) {
			continue
		}
		if pm.policy.ShouldRetry(pm.attempts) {
			due = append(due, pendingEntry{id, pm})
		} else {
			exhausted = append(exhausted, pendingEntry{id, pm})
		}
	}
	for _, e := range exhausted {
		delete(rr.pending, e.trackingID)
		delete(rr.inflight, e.trackingID)
		rr.failed++
	}
	rr.rmu.Unlock()

	for _, e := range admitted {
		rr.attempt(e.trackingID, e.pm)
	}
	for _, e := range due {
		rr.attempt(e.trackingID, e.pm)
	}
	for _, e := range exhausted {
		rr.tracker.MarkFailed(e.trackingID, "retry attempts exhausted")
		rr.observe("failed")
		rr.rlog.Warn("delivery failed permanently",
			zap.String("tracking_id", e.trackingID), zap.Int("attempts", e.pm.attempts))
	}
}

// HandleAck correlates an incoming response with its pending send and
// finalizes the delivery. Unknown correlations are ignored.
func (rr *ReliableRouter) HandleAck(ack *message.Message) {
	if ack.CorrelationID == "" {
		return
	}
	trackingID := TrackingPrefix + ack.CorrelationID

	rr.rmu.Lock()
	pm, ok := rr.pending[trackingID]
	if ok {
		delete(rr.pending, trackingID)
		delete(rr.inflight, trackingID)
		rr.delivered++
	}
	rr.rmu.Unlock()
	if !ok {
		rr.rlog.Debug("ack for unknown delivery", zap.String("tracking_id", trackingID))
		return
	}

	rr.tracker.MarkDelivered(trackingID)
	rr.observe("delivered")
	rr.rlog.Debug("delivery acknowledged",
		zap.String("tracking_id", trackingID), zap.Int("attempts", pm.attempts))
}

// Receive processes an incoming message with duplicate accounting: a
// message already in the seen window is acknowledged again (the first
// ack may have been lost) but not re-dispatched, and bumps a counter
// distinct from the base router's dedup.
func (rr *ReliableRouter) Receive(msg *message.Message) {
	local := msg.RecipientID == "" || msg.RecipientID == rr.node.ID()
	if local && rr.Seen(msg.ID) {
		rr.rmu.Lock()
		rr.duplicates++
		rr.rmu.Unlock()
		rr.observe("duplicate")
		if msg.RequiresAck {
			rr.Send(msg.Ack(rr.node.ID()))
		}
		rr.rlog.Debug("duplicate delivery detected", zap.Stringer("msg", msg))
		return
	}
	rr.Router.Receive(msg)
}

// DeliveryStatus returns the ledger status for a tracking id.
func (rr *ReliableRouter) DeliveryStatus(trackingID string) (tracking.Status, bool) {
	return rr.tracker.Status(trackingID)
}

// ReliabilityStatistics returns a snapshot of the reliable layer.
func (rr *ReliableRouter) ReliabilityStatistics() ReliabilityStatistics {
	rr.rmu.Lock()
	defer rr.rmu.Unlock()
	return ReliabilityStatistics{
		MessagesDelivered:  rr.delivered,
		MessagesFailed:     rr.failed,
		RetriesAttempted:   rr.retried,
		DuplicatesDetected: rr.duplicates,
		InflightLimitHits:  rr.limitHits,
		PendingMessages:    len(rr.pending),
		InflightMessages:   len(rr.inflight),
		RetryQueueSize:     rr.backlog.Len(),
		Tracker:            rr.tracker.Statistics(),
	}
}
