package abseil

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle of a single run.
type State int32

const (
	StateInit State = iota
	StateStarting
	StateRunning
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// stateMachine holds the current state. All transitions go through
// transition, which only succeeds when the current state is from.
//
// Every state is left at most once, so the transitions form a chain.
// onTransition sees them in chain order even when they are won by
// different goroutines: a transition leaving a state which has not been
// reported yet is queued and reported by whoever reports the entry.
type stateMachine struct {
	state        atomic.Int32
	onTransition func(from, to State)

	mx         sync.Mutex
	pending    [StateShutdown + 1]State // to, indexed by from; StateInit is none
	next       State                    // next from to report
	delivering bool
}

func (m *stateMachine) load() State {
	return State(m.state.Load())
}

func (m *stateMachine) is(s State) bool {
	return m.load() == s
}

func (m *stateMachine) transition(from, to State) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	m.deliver(from, to)
	return true
}

func (m *stateMachine) deliver(from, to State) {
	m.mx.Lock()
	m.pending[from] = to
	if m.delivering {
		m.mx.Unlock()
		return
	}
	m.delivering = true
	for {
		from := m.next
		to := m.pending[from]
		if to == StateInit {
			break
		}
		m.next = to
		m.mx.Unlock()
		if m.onTransition != nil {
			m.onTransition(from, to)
		}
		m.mx.Lock()
	}
	m.delivering = false
	m.mx.Unlock()
}
