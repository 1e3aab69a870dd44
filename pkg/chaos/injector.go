// Package chaos provides rule-driven failure injection for exercising
// the messaging layer's retry and error handling under simulated
// network pathology: drops, delays, corruption, duplication and
// reordering.
package chaos

import (
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fractree/fractree/pkg/message"
)

// FailureType identifies a simulated fault.
type FailureType string

const (
	NetworkTimeout    FailureType = "network_timeout"
	ConnectionLost    FailureType = "connection_lost"
	MessageCorruption FailureType = "message_corruption"
	SlowResponse      FailureType = "slow_response"
	DuplicateDelivery FailureType = "duplicate_delivery"
	OutOfOrder        FailureType = "out_of_order"
)

// CorruptionMarker is the metadata key set on payloads mangled by a
// MessageCorruption fault.
const CorruptionMarker = "__corrupted__"

// Rule decides when a fault fires. Rules are independent; the first
// matching enabled rule, in insertion order, fires per delivery
// attempt.
type Rule struct {
	Type        FailureType
	Probability float64 // 0.0 to 1.0
	// TargetPattern, when set, is a regexp matched against the message
	// rendering and payload; the rule only applies on a match.
	TargetPattern string
	DelayMin      time.Duration // slow-response draw range
	DelayMax      time.Duration
	Enabled       bool
}

type namedRule struct {
	name    string
	rule    Rule
	pattern *regexp.Regexp
}

// Statistics is a snapshot of injector activity.
type Statistics struct {
	FailuresInjected    int
	TimeoutsInjected    int
	CorruptionsInjected int
	DuplicatesInjected  int
	DelaysInjected      int
	Enabled             bool
	ActiveRules         int
	DelayedMessages     int
	DuplicateCandidates int
}

// Injector perturbs message delivery according to its rules. Disabled
// by default; all activity is counted, never raised.
type Injector struct {
	mu       sync.Mutex
	log      *zap.Logger
	clock    clock.Clock
	rng      *rand.Rand
	enabled  bool
	rules    []*namedRule
	observer func(FailureType)

	duplicates []*message.Message
	delayed    []delayedMessage

	failures    int
	timeouts    int
	corruptions int
	dupCount    int
	delays      int
}

type delayedMessage struct {
	msg       *message.Message
	releaseAt time.Time
}

// New creates a disabled injector. A nil rng seeds from the clock so
// chaos runs are reproducible only when a seeded source is supplied.
func New(log *zap.Logger, clk clock.Clock, rng *rand.Rand) *Injector {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(clk.Now().UnixNano()))
	}
	return &Injector{
		log:   log.Named("chaos"),
		clock: clk,
		rng:   rng,
	}
}

// Enable turns failure injection on.
func (in *Injector) Enable() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.enabled = true
}

// SetObserver registers a callback invoked once per injected fault,
// with the failure type that fired.
func (in *Injector) SetObserver(fn func(FailureType)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.observer = fn
}

// Disable turns failure injection off; ShouldInject never fires while
// disabled.
func (in *Injector) Disable() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.enabled = false
}

// AddRule registers a named rule. Re-adding a name replaces the rule
// in place, keeping its position in the iteration order.
func (in *Injector) AddRule(name string, rule Rule) error {
	var pattern *regexp.Regexp
	if rule.TargetPattern != "" {
		var err error
		pattern, err = regexp.Compile(rule.TargetPattern)
		if err != nil {
			return fmt.Errorf("chaos rule %s: %w", name, err)
		}
	}
	if rule.DelayMin <= 0 && rule.DelayMax <= 0 {
		rule.DelayMin, rule.DelayMax = time.Second, 5*time.Second
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	for _, nr := range in.rules {
		if nr.name == name {
			nr.rule, nr.pattern = rule, pattern
			return nil
		}
	}
	in.rules = append(in.rules, &namedRule{name: name, rule: rule, pattern: pattern})
	return nil
}

// RuleByName returns a copy of the named rule.
func (in *Injector) RuleByName(name string) (Rule, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, nr := range in.rules {
		if nr.name == name {
			return nr.rule, true
		}
	}
	return Rule{}, false
}

// RemoveRule drops a rule by name.
func (in *Injector) RemoveRule(name string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i, nr := range in.rules {
		if nr.name == name {
			in.rules = append(in.rules[:i], in.rules[i+1:]...)
			return
		}
	}
}

// ClearRules removes every rule.
func (in *Injector) ClearRules() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.rules = nil
}

// ShouldInject decides whether a fault fires for this delivery
// attempt. The first enabled rule (in insertion order) that matches
// the message and wins its probability draw is returned.
func (in *Injector) ShouldInject(msg *message.Message) (FailureType, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.enabled {
		return "", false
	}
	for _, nr := range in.rules {
		if !nr.rule.Enabled {
			continue
		}
		if nr.pattern != nil {
			text := fmt.Sprintf("%s %v", msg, msg.Payload)
			if !nr.pattern.MatchString(text) {
				continue
			}
		}
		if in.rng.Float64() < nr.rule.Probability {
			in.failures++
			if in.observer != nil {
				in.observer(nr.rule.Type)
			}
			return nr.rule.Type, true
		}
	}
	return "", false
}

// Inject applies the fault to the message and reports whether the
// message should be dropped by the caller.
func (in *Injector) Inject(msg *message.Message, failure FailureType) bool {
	switch failure {
	case NetworkTimeout:
		in.mu.Lock()
		in.timeouts++
		in.mu.Unlock()
		return true

	case ConnectionLost:
		return true

	case MessageCorruption:
		in.mu.Lock()
		in.corruptions++
		in.mu.Unlock()
		if payload, ok := msg.Payload.(map[string]any); ok {
			payload[CorruptionMarker] = true
		} else {
			msg.Metadata[CorruptionMarker] = true
		}
		return false

	case SlowResponse:
		in.mu.Lock()
		in.delays++
		min, max := in.ruleDelayRange(SlowResponse)
		delay := min + time.Duration(in.rng.Float64()*float64(max-min))
		in.mu.Unlock()
		in.log.Debug("injecting delay", zap.Duration("delay", delay), zap.Stringer("msg", msg))
		in.clock.Sleep(delay)
		return false

	case DuplicateDelivery:
		in.mu.Lock()
		in.dupCount++
		in.duplicates = append(in.duplicates, msg.Clone(""))
		in.mu.Unlock()
		return false

	case OutOfOrder:
		in.mu.Lock()
		hold := 500*time.Millisecond + time.Duration(in.rng.Float64()*float64(1500*time.Millisecond))
		in.delayed = append(in.delayed, delayedMessage{
			msg:       msg,
			releaseAt: in.clock.Now().Add(hold),
		})
		in.mu.Unlock()
		return true
	}
	return false
}

// ruleDelayRange returns the delay range of the first enabled rule of
// the given type, defaulting to 1-5s. Callers hold the mutex.
func (in *Injector) ruleDelayRange(t FailureType) (time.Duration, time.Duration) {
	for _, nr := range in.rules {
		if nr.rule.Enabled && nr.rule.Type == t {
			return nr.rule.DelayMin, nr.rule.DelayMax
		}
	}
	return time.Second, 5 * time.Second
}

// ProcessDelayed removes and returns all held-back messages whose
// release time has passed.
func (in *Injector) ProcessDelayed() []*message.Message {
	in.mu.Lock()
	defer in.mu.Unlock()

	now := in.clock.Now()
	var ready []*message.Message
	remaining := in.delayed[:0]
	for _, dm := range in.delayed {
		if !dm.releaseAt.After(now) {
			ready = append(ready, dm.msg)
		} else {
			remaining = append(remaining, dm)
		}
	}
	in.delayed = remaining
	return ready
}

// DuplicateMessages drains and returns the queued duplicate copies.
func (in *Injector) DuplicateMessages() []*message.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	dups := in.duplicates
	in.duplicates = nil
	return dups
}

// ChaosMode installs the standard four-rule chaos profile: 10%
// timeouts, 5% corruption, 15% slow responses, 8% duplicates.
func (in *Injector) ChaosMode() {
	in.AddRule("chaos_timeout", Rule{Type: NetworkTimeout, Probability: 0.10, Enabled: true})
	in.AddRule("chaos_corruption", Rule{Type: MessageCorruption, Probability: 0.05, Enabled: true})
	in.AddRule("chaos_slow", Rule{Type: SlowResponse, Probability: 0.15, Enabled: true})
	in.AddRule("chaos_duplicate", Rule{Type: DuplicateDelivery, Probability: 0.08, Enabled: true})
}

// NetworkPartitionMode installs a high-loss profile simulating a
// split: 80% timeouts, 30% connection loss.
func (in *Injector) NetworkPartitionMode() {
	in.AddRule("partition_timeout", Rule{Type: NetworkTimeout, Probability: 0.80, Enabled: true})
	in.AddRule("partition_connection", Rule{Type: ConnectionLost, Probability: 0.30, Enabled: true})
}

// RuleCount returns how many rules are installed, enabled or not.
func (in *Injector) RuleCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.rules)
}

// Statistics returns a snapshot of injector activity.
func (in *Injector) Statistics() Statistics {
	in.mu.Lock()
	defer in.mu.Unlock()

	active := 0
	for _, nr := range in.rules {
		if nr.rule.Enabled {
			active++
		}
	}
	return Statistics{
		FailuresInjected:    in.failures,
		TimeoutsInjected:    in.timeouts,
		CorruptionsInjected: in.corruptions,
		DuplicatesInjected:  in.dupCount,
		DelaysInjected:      in.delays,
		Enabled:             in.enabled,
		ActiveRules:         active,
		DelayedMessages:     len(in.delayed),
		DuplicateCandidates: len(in.duplicates),
	}
}

// ResetStatistics zeroes the activity counters; rules and queues are
// untouched.
func (in *Injector) ResetStatistics() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.failures, in.timeouts, in.corruptions, in.dupCount, in.delays = 0, 0, 0, 0, 0
}
