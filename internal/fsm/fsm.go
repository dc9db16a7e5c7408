// Package fsm implements the per-service finite state machine (C3):
// NEW -> INSTALLED -> STARTING -> RUNNING <-> STOPPING -> FINISHED, plus
// BROKEN, ERRORED and a transient PAUSED, with exponential backoff and a
// restart budget governing the ERRORED -> STARTING / BROKEN decision.
//
// Grounded on internal/services/instance.go's GenericServiceInstance
// (mutex-guarded state, updateStateInternal firing a callback outside the
// lock) and internal/reconciler/manager.go's calculateBackoff.
package fsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/giantswarm/nucleus/pkg/logging"
)

const subsystem = "ServiceFSM"

// State is one of the service lifecycle states from the data model.
type State int

const (
	StateNew State = iota
	StateInstalled
	StateStarting
	StateRunning
	StateStopping
	StateFinished
	StateBroken
	StateErrored
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateInstalled:
		return "INSTALLED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateFinished:
		return "FINISHED"
	case StateBroken:
		return "BROKEN"
	case StateErrored:
		return "ERRORED"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// Default restart policy values (§4.3).
const (
	DefaultBackoffInitial  = time.Second
	DefaultBackoffCap      = 60 * time.Second
	DefaultResetWindow     = 10 * time.Minute
	DefaultRestartBudget   = 3
	DefaultStableWindow    = 10 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Event is emitted on every transition and delivered to the Machine's
// subscribed listeners (the Supervisor subscribes and re-fans it to its own
// global listeners).
type Event struct {
	Service   string
	OldState  State
	NewState  State
	Timestamp time.Time
	Cause     string
}

// Listener receives every transition of a Machine it is subscribed to.
type Listener func(Event)

// Machine is one service's finite state machine. Transitions on a single
// Machine are strictly serialized by its own mutex; cross-service ordering
// is the Supervisor's job, which must never hold one Machine's lock while
// waiting on another.
type Machine struct {
	mu sync.Mutex

	name  string
	state State

	runningSince time.Time
	failures     []time.Time // restart failures, pruned to resetWindow on read

	backoffInitial  time.Duration
	backoffCap      time.Duration
	resetWindow     time.Duration
	restartBudget   int
	stableWindow    time.Duration
	shutdownTimeout time.Duration

	listeners []Listener
	now       func() time.Time
}

// Option configures a Machine at construction.
type Option func(*Machine)

// WithClock overrides the time source, for deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(m *Machine) { m.now = fn }
}

// WithRestartPolicy overrides the backoff/reset-window/budget/stable-window
// defaults, e.g. from a service's recipe.
func WithRestartPolicy(initial, cap, resetWindow, stableWindow time.Duration, budget int) Option {
	return func(m *Machine) {
		m.backoffInitial = initial
		m.backoffCap = cap
		m.resetWindow = resetWindow
		m.stableWindow = stableWindow
		m.restartBudget = budget
	}
}

// New constructs a Machine in state NEW.
func New(name string, opts ...Option) *Machine {
	m := &Machine{
		name:            name,
		state:           StateNew,
		backoffInitial:  DefaultBackoffInitial,
		backoffCap:      DefaultBackoffCap,
		resetWindow:     DefaultResetWindow,
		restartBudget:   DefaultRestartBudget,
		stableWindow:    DefaultStableWindow,
		shutdownTimeout: DefaultShutdownTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the service name this machine governs.
func (m *Machine) Name() string { return m.name }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe attaches l to every subsequent transition. Returns a function
// to detach it.
func (m *Machine) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.listeners)
	m.listeners = append(m.listeners, l)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.listeners) {
			m.listeners[idx] = nil
		}
	}
}

func (m *Machine) notify(ev Event) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, l := range listeners {
		if l == nil {
			continue
		}
		l(ev)
	}
}

func invalidTransition(from State, trigger string) error {
	return errs.New(errs.ScriptFailure, fmt.Sprintf("invalid transition: %s does not apply in state %s", trigger, from))
}

// transition moves the machine to to under lock, returning the event to
// notify with outside the lock. Caller must hold m.mu.
func (m *Machine) transition(to State, cause string) Event {
	old := m.state
	m.state = to
	if to == StateRunning {
		m.runningSince = m.now()
	}
	ev := Event{Service: m.name, OldState: old, NewState: to, Timestamp: m.now(), Cause: cause}
	logging.Debug(subsystem, "%s: %s -> %s (%s)", m.name, old, to, cause)
	return ev
}

// InstallSucceeded: NEW -> INSTALLED.
func (m *Machine) InstallSucceeded() (Event, error) {
	m.mu.Lock()
	if m.state != StateNew {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "install succeeded")
	}
	ev := m.transition(StateInstalled, "")
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// InstallFailed: NEW -> BROKEN. Caller is responsible for any install
// retries before calling this — reaching here means retries, if any, are
// exhausted.
func (m *Machine) InstallFailed(cause string) (Event, error) {
	m.mu.Lock()
	if m.state != StateNew {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "install failed")
	}
	ev := m.transition(StateBroken, cause)
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// RequestStart: INSTALLED -> STARTING, gated on the Supervisor having
// already confirmed every HARD dependency is RUNNING or FINISHED.
func (m *Machine) RequestStart(hardDepsSatisfied bool) (Event, error) {
	m.mu.Lock()
	if m.state != StateInstalled {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "start requested")
	}
	if !hardDepsSatisfied {
		m.mu.Unlock()
		return Event{}, errs.New(errs.Unsatisfiable, fmt.Sprintf("%s: HARD dependencies not yet satisfied", m.name))
	}
	ev := m.transition(StateStarting, "")
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// StartupReady: STARTING -> RUNNING. Starts the stable-window clock; see
// IsStable.
func (m *Machine) StartupReady() (Event, error) {
	m.mu.Lock()
	if m.state != StateStarting {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "startup ready")
	}
	ev := m.transition(StateRunning, "")
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// StartupFailed: STARTING -> ERRORED, recorded as a restart failure.
func (m *Machine) StartupFailed(cause string) (Event, error) {
	return m.fail(StateStarting, cause)
}

// UnexpectedExit: RUNNING -> ERRORED, recorded as a restart failure. A
// premature exit still inside the stable window counts as a startup
// failure rather than a runtime one for diagnostic purposes, but the
// transition and restart bookkeeping are identical either way — callers
// that care about the distinction should consult IsStable before calling.
func (m *Machine) UnexpectedExit(cause string) (Event, error) {
	return m.fail(StateRunning, cause)
}

func (m *Machine) fail(from State, cause string) (Event, error) {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "failure")
	}
	m.failures = append(m.prunedFailures(), m.now())
	ev := m.transition(StateErrored, cause)
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// RequestStop: RUNNING -> STOPPING.
func (m *Machine) RequestStop() (Event, error) {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "stop requested")
	}
	ev := m.transition(StateStopping, "")
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// ShutdownComplete: STOPPING -> FINISHED.
func (m *Machine) ShutdownComplete() (Event, error) {
	m.mu.Lock()
	if m.state != StateStopping {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "shutdown complete")
	}
	ev := m.transition(StateFinished, "")
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// ShutdownTimeout: STOPPING -> FINISHED, forced after ShutdownTimeout
// elapses without the shutdown step returning.
func (m *Machine) ShutdownTimeout() (Event, error) {
	m.mu.Lock()
	if m.state != StateStopping {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "shutdown timeout")
	}
	ev := m.transition(StateFinished, "forced: shutdown timeout elapsed")
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// Demote: FINISHED -> INSTALLED. Used by the Supervisor when a HARD
// dependent has been forced down by a failed dependency (§4.4's
// "STOPPING -> INSTALLED" contract) and needs to become restartable again
// once the dependency recovers, rather than sitting in FINISHED's terminal
// one-shot-completion state.
func (m *Machine) Demote() (Event, error) {
	m.mu.Lock()
	if m.state != StateFinished {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "demote")
	}
	ev := m.transition(StateInstalled, "demoted after forced stop")
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// Pause and Resume model the transient PAUSED state: RUNNING -> PAUSED and
// back, without tearing the service down. The Supervisor does not call
// them.
func (m *Machine) Pause() (Event, error) {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "pause")
	}
	ev := m.transition(StatePaused, "")
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

func (m *Machine) Resume() (Event, error) {
	m.mu.Lock()
	if m.state != StatePaused {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "resume")
	}
	ev := m.transition(StateRunning, "")
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// prunedFailures returns m.failures with entries older than resetWindow
// dropped. Caller must hold m.mu.
func (m *Machine) prunedFailures() []time.Time {
	cutoff := m.now().Add(-m.resetWindow)
	out := m.failures[:0:0]
	for _, f := range m.failures {
		if f.After(cutoff) {
			out = append(out, f)
		}
	}
	return out
}

// RestartDue reports whether enough backoff time has elapsed since the
// most recent failure to attempt a restart, and the remaining wait if not.
func (m *Machine) RestartDue() (due bool, wait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	failures := m.prunedFailures()
	if len(failures) == 0 {
		return true, 0
	}
	last := failures[len(failures)-1]
	backoff := m.backoffInitial << uint(len(failures)-1)
	if backoff > m.backoffCap || backoff <= 0 {
		backoff = m.backoffCap
	}
	elapsed := m.now().Sub(last)
	if elapsed >= backoff {
		return true, 0
	}
	return false, backoff - elapsed
}

// RestartExhausted reports whether the restart budget (N consecutive
// failures within the reset window) has been used up.
func (m *Machine) RestartExhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prunedFailures()) >= m.restartBudget
}

// AttemptRestart: ERRORED -> STARTING if backoff has elapsed and the
// restart budget is not exhausted, otherwise ERRORED -> BROKEN.
func (m *Machine) AttemptRestart() (Event, error) {
	m.mu.Lock()
	if m.state != StateErrored {
		m.mu.Unlock()
		return Event{}, invalidTransition(m.state, "restart attempt")
	}
	m.failures = m.prunedFailures()
	if len(m.failures) >= m.restartBudget {
		ev := m.transition(StateBroken, "restart budget exhausted")
		m.mu.Unlock()
		m.notify(ev)
		return ev, nil
	}
	due, wait := m.restartDueLocked()
	if !due {
		m.mu.Unlock()
		return Event{}, errs.New(errs.Timeout, fmt.Sprintf("%s: backoff not yet elapsed, %s remaining", m.name, wait))
	}
	ev := m.transition(StateStarting, "")
	m.mu.Unlock()
	m.notify(ev)
	return ev, nil
}

// restartDueLocked is RestartDue's body for callers already holding m.mu.
func (m *Machine) restartDueLocked() (bool, time.Duration) {
	failures := m.failures
	if len(failures) == 0 {
		return true, 0
	}
	last := failures[len(failures)-1]
	backoff := m.backoffInitial << uint(len(failures)-1)
	if backoff > m.backoffCap || backoff <= 0 {
		backoff = m.backoffCap
	}
	elapsed := m.now().Sub(last)
	if elapsed >= backoff {
		return true, 0
	}
	return false, backoff - elapsed
}

// IsStable reports whether the service has been continuously RUNNING for
// at least the stable window, i.e. it now counts as satisfying dependents.
func (m *Machine) IsStable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return false
	}
	return m.now().Sub(m.runningSince) >= m.stableWindow
}
