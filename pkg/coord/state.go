package coord

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State is the lifecycle phase of a coordination session (and of the
// coordinator itself).
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Synchronized State = "synchronized"
	Completed    State = "completed"
	Failed       State = "failed"
)

// Terminal reports whether the state absorbs all further transitions.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// ErrInvalidTransition is returned when a transition is not in the
// rule table.
var ErrInvalidTransition = errors.New("coord: invalid state transition")

// validNext is the transition rule table. Terminal states have no
// entries.
var validNext = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Synchronized, Failed, Disconnected},
	Synchronized: {Completed, Failed, Disconnected},
}

// ValidTransition reports whether from→to is allowed.
func ValidTransition(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition records one applied state change.
type Transition struct {
	From    State
	To      State
	Trigger string
	At      time.Time
}

const maxTransitionHistory = 100

// stateMachine validates and records transitions for one session or
// for the coordinator. Starts at Disconnected.
type stateMachine struct {
	mu      sync.Mutex
	clock   clock.Clock
	current State
	history []Transition
}

func newStateMachine(clk clock.Clock) *stateMachine {
	return &stateMachine{clock: clk, current: Disconnected}
}

func (sm *stateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

func (sm *stateMachine) CanTransition(to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return ValidTransition(sm.current, to)
}

// TransitionTo applies a transition, recording it in the bounded
// history ring. Invalid transitions leave the state untouched.
func (sm *stateMachine) TransitionTo(to State, trigger string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !ValidTransition(sm.current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sm.current, to)
	}
	sm.history = append(sm.history, Transition{
		From: sm.current, To: to, Trigger: trigger, At: sm.clock.Now(),
	})
	if len(sm.history) > maxTransitionHistory {
		sm.history = sm.history[len(sm.history)-maxTransitionHistory:]
	}
	sm.current = to
	return nil
}

// History returns a copy of the recorded transitions, oldest first.
func (sm *stateMachine) History() []Transition {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]Transition(nil), sm.history...)
}
