package workflow

import (
	"fmt"
	"strings"
	"sync"
)

const (
	ConsumerUnbound   = "unbound"
	ConsumerBound     = "bound"
	ConsumerConsuming = "consuming"
	ConsumerStopped   = "stopped"
)

const (
	ConsumerEventBound   = "consumer_bound"
	ConsumerEventStarted = "consumer_started"
	ConsumerEventStopped = "consumer_stopped"
)

var consumerTransitions = map[string]map[string]string{
	ConsumerUnbound: {
		ConsumerBound:   ConsumerEventBound,
		ConsumerStopped: ConsumerEventStopped,
	},
	ConsumerBound: {
		ConsumerConsuming: ConsumerEventStarted,
		ConsumerStopped:   ConsumerEventStopped,
	},
	ConsumerConsuming: {
		ConsumerStopped: ConsumerEventStopped,
	},
}

func NormalizeState(state string) string {
	return strings.ToLower(strings.TrimSpace(state))
}

func CanTransition(fromState string, toState string) bool {
	fromState = NormalizeState(fromState)
	toState = NormalizeState(toState)
	if fromState == toState {
		return true
	}
	next := consumerTransitions[fromState]
	if next == nil {
		return false
	}
	_, ok := next[toState]
	return ok
}

func EventTypeForTransition(fromState string, toState string) string {
	fromState = NormalizeState(fromState)
	toState = NormalizeState(toState)
	if fromState == toState {
		return ""
	}
	next := consumerTransitions[fromState]
	if next == nil {
		return ""
	}
	return next[toState]
}

func AllConsumerStates() []string {
	return []string{
		ConsumerUnbound,
		ConsumerBound,
		ConsumerConsuming,
		ConsumerStopped,
	}
}

// Lifecycle holds the current state of one consumer.
type Lifecycle struct {
	mu    sync.Mutex
	state string
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: ConsumerUnbound}
}

func (l *Lifecycle) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Advance moves to state and returns the event name of the transition, or ""
// when already there.
func (l *Lifecycle) Advance(state string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state = NormalizeState(state)
	if !CanTransition(l.state, state) {
		return "", fmt.Errorf("invalid consumer transition %s -> %s", l.state, state)
	}
	ev := EventTypeForTransition(l.state, state)
	l.state = state
	return ev, nil
}
