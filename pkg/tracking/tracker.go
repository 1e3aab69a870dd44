// Package tracking records the lifecycle of reliable delivery
// attempts: a bounded in-memory ledger of per-delivery records plus
// aggregate statistics.
package tracking

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fractree/fractree/pkg/message"
)

// Status is the delivery lifecycle state. Pending transitions exactly
// once to one of the terminal states.
type Status string

const (
	Pending   Status = "pending"
	Delivered Status = "delivered"
	Failed    Status = "failed"
	Expired   Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == Delivered || s == Failed || s == Expired
}

// Record is one tracked delivery.
type Record struct {
	TrackingID    string
	MessageID     string
	RecipientID   string
	Status        Status
	CreatedAt     time.Time
	DeliveredAt   time.Time
	FailedAt      time.Time
	FailureReason string
	AttemptCount  int
	LastAttempt   time.Time
}

// Statistics is a point-in-time snapshot of tracker aggregates.
type Statistics struct {
	TotalDeliveries      int
	SuccessfulDeliveries int
	FailedDeliveries     int
	ExpiredDeliveries    int
	ActiveRecords        int
	PendingDeliveries    int
	SuccessRate          float64       // successful/total x 100
	AverageDeliveryTime  time.Duration // mean over delivered records
}

// Tracker is the delivery ledger. Records are kept in a bounded map;
// when the cap is exceeded the oldest terminal records are evicted
// first, pending records only under remaining count pressure.
type Tracker struct {
	mu         sync.RWMutex
	clock      clock.Clock
	maxRecords int
	records    map[string]*Record
	order      []string // tracking ids in creation order

	total      int
	successful int
	failed     int
	expired    int
	totalTime  time.Duration // sum of delivery times over delivered records
}

const defaultMaxRecords = 10000

// evictionSlack is how far below the cap an eviction pass trims, so
// the ledger is not re-trimmed on every insert at the boundary.
const evictionSlack = 100

// New creates a tracker holding at most maxRecords records. A
// maxRecords of zero or less uses the default cap of 10000.
func New(maxRecords int, clk clock.Clock) *Tracker {
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		clock:      clk,
		maxRecords: maxRecords,
		records:    make(map[string]*Record),
	}
}

// StartDelivery creates a Pending record for the message under the
// given tracking id and counts it toward the delivery total.
func (t *Tracker) StartDelivery(trackingID string, msg *message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records[trackingID] = &Record{
		TrackingID:  trackingID,
		MessageID:   msg.ID,
		RecipientID: msg.RecipientID,
		Status:      Pending,
		CreatedAt:   t.clock.Now(),
	}
	t.order = append(t.order, trackingID)
	t.total++
	t.evictLocked()
}

// MarkDelivered moves a pending record to Delivered. Returns false if
// the record is unknown or already terminal; terminal records are
// never re-marked and aggregates are untouched.
func (t *Tracker) MarkDelivered(trackingID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[trackingID]
	if !ok || rec.Status.Terminal() {
		return false
	}
	now := t.clock.Now()
	rec.Status = Delivered
	rec.DeliveredAt = now
	t.successful++
	t.totalTime += now.Sub(rec.CreatedAt)
	return true
}

// MarkFailed moves a pending record to Failed with the given reason.
func (t *Tracker) MarkFailed(trackingID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[trackingID]
	if !ok || rec.Status.Terminal() {
		return false
	}
	rec.Status = Failed
	rec.FailedAt = t.clock.Now()
	rec.FailureReason = reason
	t.failed++
	return true
}

// MarkExpired moves a pending record to Expired.
func (t *Tracker) MarkExpired(trackingID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[trackingID]
	if !ok || rec.Status.Terminal() {
		return false
	}
	rec.Status = Expired
	rec.FailedAt = t.clock.Now()
	rec.FailureReason = "delivery deadline expired"
	t.expired++
	return true
}

// UpdateAttempt bumps the attempt count and last-attempt timestamp
// without changing the record status.
func (t *Tracker) UpdateAttempt(trackingID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[trackingID]; ok {
		rec.AttemptCount++
		rec.LastAttempt = t.clock.Now()
	}
}

// Status returns the delivery status for a tracking id.
func (t *Tracker) Status(trackingID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[trackingID]
	if !ok {
		return "", false
	}
	return rec.Status, true
}

// Record returns a copy of the full record for a tracking id.
func (t *Tracker) Record(trackingID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[trackingID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// PendingDeliveries returns copies of all records still pending.
func (t *Tracker) PendingDeliveries() []Record {
	return t.filter(Pending)
}

// FailedDeliveries returns copies of all permanently failed records.
func (t *Tracker) FailedDeliveries() []Record {
	return t.filter(Failed)
}

func (t *Tracker) filter(status Status) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for _, id := range t.order {
		if rec, ok := t.records[id]; ok && rec.Status == status {
			out = append(out, *rec)
		}
	}
	return out
}

// CleanupExpired removes terminal records older than maxAge and
// returns how many were removed. Pending records are never removed by
// age.
func (t *Tracker) CleanupExpired(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock.Now().Add(-maxAge)
	removed := 0
	kept := t.order[:0]
	for _, id := range t.order {
		rec := t.records[id]
		if rec.Status.Terminal() && rec.CreatedAt.Before(cutoff) {
			delete(t.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return removed
}

// evictLocked trims the ledger back under the cap, oldest terminal
// records first, then oldest pending records if the cap is still
// exceeded.
func (t *Tracker) evictLocked() {
	if len(t.records) <= t.maxRecords {
		return
	}
	slack := evictionSlack
	if slack > t.maxRecords/10 {
		slack = t.maxRecords / 10
	}
	if slack < 1 {
		slack = 1
	}
	target := t.maxRecords - slack

	for pass := 0; pass < 2 && len(t.records) > target; pass++ {
		terminalOnly := pass == 0
		kept := t.order[:0]
		for _, id := range t.order {
			rec := t.records[id]
			if len(t.records) > target && (!terminalOnly || rec.Status.Terminal()) {
				delete(t.records, id)
				continue
			}
			kept = append(kept, id)
		}
		t.order = append([]string(nil), kept...)
	}
}

// Statistics returns a snapshot of the aggregate counters.
func (t *Tracker) Statistics() Statistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pending := 0
	for _, rec := range t.records {
		if rec.Status == Pending {
			pending++
		}
	}
	stats := Statistics{
		TotalDeliveries:      t.total,
		SuccessfulDeliveries: t.successful,
		FailedDeliveries:     t.failed,
		ExpiredDeliveries:    t.expired,
		ActiveRecords:        len(t.records),
		PendingDeliveries:    pending,
	}
	if t.total > 0 {
		stats.SuccessRate = float64(t.successful) / float64(t.total) * 100
	}
	if t.successful > 0 {
		stats.AverageDeliveryTime = t.totalTime / time.Duration(t.successful)
	}
	return stats
}
