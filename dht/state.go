package dht

import (
	"sync"
	"time"

	"github.com/yznetwork/overlay/internal/log"
)

// State is one node in the bootstrap/membership state machine of
// spec.md §4.I: "NEW → CONNECTING_BOOTSTRAP → (GENESIS_ASSIGNED |
// AWAITING_ONBOARDING) → BOOTSTRAPPED → RUNNING".
type State int

const (
	StateNew State = iota
	StateConnectingBootstrap
	StateGenesisAssigned
	StateAwaitingOnboarding
	StateBootstrapped
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnectingBootstrap:
		return "CONNECTING_BOOTSTRAP"
	case StateGenesisAssigned:
		return "GENESIS_ASSIGNED"
	case StateAwaitingOnboarding:
		return "AWAITING_ONBOARDING"
	case StateBootstrapped:
		return "BOOTSTRAPPED"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// stateMachine tracks the node's bootstrap phase and the exponential
// backoff applied when a pre-RUNNING stage fails.
type stateMachine struct {
	mu      sync.Mutex
	current State
	backoff time.Duration
	log     log.Logger
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateNew, backoff: initialBackoff, log: log.NewModuleLogger(log.DHT)}
}

func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *stateMachine) transition(to State) {
	m.mu.Lock()
	from := m.current
	m.current = to
	if to == StateBootstrapped {
		m.backoff = initialBackoff
	}
	m.mu.Unlock()
	m.log.Info("dht state transition", "from", from, "to", to)
}

// fail returns the node to CONNECTING_BOOTSTRAP and the backoff duration
// to wait before retrying, doubling it (capped) for next time.
func (m *stateMachine) fail() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = StateConnectingBootstrap
	wait := m.backoff
	m.backoff *= 2
	if m.backoff > maxBackoff {
		m.backoff = maxBackoff
	}
	return wait
}

// isRunning reports whether state has reached RUNNING, used
// by the pub/sub health gate (spec.md §4.J "Health gate").
func (m *stateMachine) isRunning() bool {
	return m.Current() == StateRunning
}
