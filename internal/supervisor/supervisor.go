// Package supervisor implements the Supervisor (C4): the component that
// drives every service's finite state machine toward a desired state while
// honoring HARD/SOFT dependency ordering.
//
// Grounded on internal/orchestrator/orchestrator.go's registry-of-services
// shape (a name-keyed map guarded by sync.RWMutex, per-service state-change
// callbacks fanned out to global subscribers) and internal/dependency/graph.go's
// Node/DependsOn/Dependents model, generalized from an informational-only
// graph into one that actually drives start/stop ordering.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/giantswarm/nucleus/internal/fsm"
	"github.com/giantswarm/nucleus/pkg/logging"
)

const subsystem = "Supervisor"

// Desired is the caller's intent for a service: present (should be running)
// or absent (should be stopped).
type Desired int

const (
	Present Desired = iota
	Absent
)

// Executor runs a service's lifecycle scripts. Supervisor never execs a
// process itself; it delegates to an Executor so lifecycle script
// invocation can run on its own worker pool, separate from the Supervisor's
// own scheduling loop (per the concurrency model).
type Executor interface {
	// Install runs the component's install step, if any. Idempotent.
	Install(ctx context.Context, service string) error
	// Start launches the component's startup/run step. It returns once the
	// step itself has launched (not once the service has stabilized); the
	// returned channel receives the step's terminal error (nil on a clean
	// exit) when the process exits, and is never sent to more than once.
	Start(ctx context.Context, service string) (exited <-chan error, err error)
	// Stop asks the component to shut down; how the process is ended is up
	// to the implementation (lifecycle.Executor runs the shutdown step and
	// then kills the process). The Supervisor then waits up to
	// fsm.DefaultShutdownTimeout for the exit before recording a shutdown
	// timeout on the Machine; it sends no kill of its own.
	Stop(ctx context.Context, service string) error
}

// Listener receives every service's state-change events, fanned out
// globally in addition to per-service fsm.Listener subscribers.
type Listener func(fsm.Event)

type registration struct {
	name     string
	hard     []string
	soft     []string
	machine  *fsm.Machine
	detach   func()
	stopping bool // true once Stop has been requested; never reset
}

// Future completes once a start request's dependency closure has all
// reached RUNNING/FINISHED, or one member reaches BROKEN.
type Future struct {
	done chan struct{}
	err  error
}

// Done returns a channel closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the future's result; valid only after Done is closed.
func (f *Future) Err() error { return f.err }

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Supervisor drives the set of registered services toward desired states.
type Supervisor struct {
	mu        sync.RWMutex
	services  map[string]*registration
	listeners []Listener

	executor Executor
	sem      chan struct{} // bounds concurrent lifecycle-driving goroutines
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

// WithExecutor overrides the lifecycle Executor. Defaults to a no-op
// executor useful only for tests that drive the FSM by hand.
func WithExecutor(e Executor) Option {
	return func(s *Supervisor) { s.executor = e }
}

// WithWorkerPoolSize bounds how many services this Supervisor drives
// through their start sequence concurrently.
func WithWorkerPoolSize(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// New constructs an empty Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		services: make(map[string]*registration),
		executor: noopExecutor{},
		sem:      make(chan struct{}, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterService adds a service with its HARD and SOFT dependency names
// (which need not already be registered) and returns its fsm.Machine.
// Registration fails with errs.CircularDependency if adding this service
// would close a cycle in the HARD+SOFT dependency graph.
func (s *Supervisor) RegisterService(name string, hard, soft []string, opts ...fsm.Option) (*fsm.Machine, error) {
	s.mu.Lock()
	if _, exists := s.services[name]; exists {
		s.mu.Unlock()
		return nil, errs.New(errs.AlreadyBound, fmt.Sprintf("service %s already registered", name))
	}
	reg := &registration{name: name, hard: append([]string(nil), hard...), soft: append([]string(nil), soft...)}
	s.services[name] = reg
	if cyc := s.findCycleLocked(); cyc != nil {
		delete(s.services, name)
		s.mu.Unlock()
		return nil, errs.New(errs.CircularDependency, fmt.Sprintf("registering %s would create a cycle: %v", name, cyc))
	}
	m := fsm.New(name, opts...)
	reg.machine = m
	reg.detach = m.Subscribe(s.onTransition(name))
	s.mu.Unlock()
	return m, nil
}

// findCycleLocked runs a DFS over every registered service's HARD+SOFT
// edges, including edges to not-yet-registered names (treated as leaves),
// and returns the first cycle found as a path of service names, or nil.
// Caller must hold s.mu.
func (s *Supervisor) findCycleLocked() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(s.services))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		switch color[name] {
		case black:
			return false
		case gray:
			// found a back-edge; extract the cycle from path
			start := 0
			for i, p := range path {
				if p == name {
					start = i
					break
				}
			}
			cycle = append(append([]string(nil), path[start:]...), name)
			return true
		}
		color[name] = gray
		path = append(path, name)
		if reg, ok := s.services[name]; ok {
			for _, dep := range append(append([]string(nil), reg.hard...), reg.soft...) {
				if visit(dep) {
					return true
				}
			}
		}
		color[name] = black
		path = path[:len(path)-1]
		return false
	}

	for name := range s.services {
		if color[name] == white {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}

// Machine returns the registered service's fsm.Machine, or nil.
func (s *Supervisor) Machine(name string) *fsm.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if reg, ok := s.services[name]; ok {
		return reg.machine
	}
	return nil
}

// ServiceNames returns every currently registered service name, in no
// particular order. Used by callers that list the full component set (the
// IPC CLI destination's list-components operation).
func (s *Supervisor) ServiceNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	return names
}

// Dependencies returns the registered HARD and SOFT dependency names for
// name, or (nil, nil, false) if name is not registered.
func (s *Supervisor) Dependencies(name string) (hard, soft []string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, exists := s.services[name]
	if !exists {
		return nil, nil, false
	}
	return append([]string(nil), reg.hard...), append([]string(nil), reg.soft...), true
}

// OnServiceStateChange registers a global listener called for every
// transition of every registered service.
func (s *Supervisor) OnServiceStateChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Supervisor) fanOut(ev fsm.Event) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// hardDependencyClosureLocked returns every service transitively reachable from
// name via HARD edges, including name itself, in topological order (deps
// before dependents). Caller must hold s.mu for reading.
func (s *Supervisor) hardDependencyClosureLocked(name string) ([]string, error) {
	visited := make(map[string]bool)
	var order []string
	var visit func(n string) error
	visit = func(n string) error {
		if visited[n] {
			return nil
		}
		visited[n] = true
		reg, ok := s.services[n]
		if !ok {
			return errs.New(errs.NotFound, fmt.Sprintf("service %s not registered", n))
		}
		for _, dep := range reg.hard {
			if err := visit(dep); err != nil {
				return err
			}
		}
		order = append(order, n)
		return nil
	}
	if err := visit(name); err != nil {
		return nil, err
	}
	return order, nil
}

// Start puts name and its HARD-dependency closure into START intent,
// returning a Future that resolves once every member reaches
// RUNNING/FINISHED or one reaches BROKEN.
func (s *Supervisor) Start(ctx context.Context, name string) (*Future, error) {
	s.mu.RLock()
	order, err := s.hardDependencyClosureLocked(name)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	future := newFuture()
	go s.driveStart(ctx, order, future)
	return future, nil
}

func (s *Supervisor) driveStart(ctx context.Context, order []string, future *Future) {
	for _, name := range order {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			future.resolve(ctx.Err())
			return
		}
		err := s.startOne(ctx, name)
		<-s.sem
		if err != nil {
			future.resolve(err)
			return
		}
	}
	future.resolve(nil)
}

// startOne brings a single service from whatever state it is in up through
// RUNNING, assuming its HARD deps (earlier in topological order) are
// already satisfied. It blocks until the service becomes RUNNING, FINISHED
// or BROKEN.
func (s *Supervisor) startOne(ctx context.Context, name string) error {
	m := s.Machine(name)
	if m == nil {
		return errs.New(errs.NotFound, fmt.Sprintf("service %s not registered", name))
	}

	if m.State() == fsm.StateNew {
		if err := s.executor.Install(ctx, name); err != nil {
			_, _ = m.InstallFailed(err.Error())
			return errs.Wrap(errs.ScriptFailure, fmt.Sprintf("install %s", name), err)
		}
		if _, err := m.InstallSucceeded(); err != nil {
			return err
		}
	}

	switch m.State() {
	case fsm.StateRunning, fsm.StateFinished:
		return nil
	case fsm.StateBroken:
		return errs.New(errs.BrokenExhausted, fmt.Sprintf("service %s is BROKEN", name))
	}

	if !s.hardDepsSatisfied(name) {
		return errs.New(errs.Unsatisfiable, fmt.Sprintf("service %s: HARD dependencies not satisfied", name))
	}

	if _, err := m.RequestStart(true); err != nil {
		return err
	}
	return s.launch(ctx, name, m)
}

// launch runs a service's start step once its Machine has already entered
// STARTING (by RequestStart or AttemptRestart) and drives it on to RUNNING,
// attaching watchExit for the remainder of the process's life.
func (s *Supervisor) launch(ctx context.Context, name string, m *fsm.Machine) error {
	exited, err := s.executor.Start(ctx, name)
	if err != nil {
		_, _ = m.StartupFailed(err.Error())
		return errs.Wrap(errs.ScriptFailure, fmt.Sprintf("start %s", name), err)
	}

	if _, err := m.StartupReady(); err != nil {
		return err
	}

	go s.watchExit(name, m, exited)
	return nil
}

// watchExit observes a running service's process and drives the FSM
// accordingly once it exits. Runs for the lifetime of the process, off the
// worker-pool semaphore (it does not consume CPU while waiting).
func (s *Supervisor) watchExit(name string, m *fsm.Machine, exited <-chan error) {
	exitErr := <-exited
	switch m.State() {
	case fsm.StateStopping:
		if exitErr != nil {
			logging.Warn(subsystem, "%s: shutdown step returned error: %v", name, exitErr)
		}
		_, _ = m.ShutdownComplete()
	case fsm.StateRunning:
		cause := "clean exit"
		if exitErr != nil {
			cause = exitErr.Error()
		}
		if !m.IsStable() {
			// Within the stable window this is a startup failure for
			// diagnostic purposes, but the FSM already entered RUNNING on
			// launch, so the transition and restart bookkeeping are the
			// same UnexpectedExit path either way (see fsm.Machine.UnexpectedExit).
			cause = "premature exit within stable window: " + cause
		}
		_, _ = m.UnexpectedExit(cause)
	}
}

func (s *Supervisor) hardDepsSatisfied(name string) bool {
	s.mu.RLock()
	reg, ok := s.services[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	for _, dep := range reg.hard {
		dm := s.Machine(dep)
		if dm == nil {
			return false
		}
		switch dm.State() {
		case fsm.StateRunning, fsm.StateFinished:
		default:
			return false
		}
	}
	return true
}

// Stop requests STOP on name and on any HARD-dependent that would become
// unsatisfied by name stopping, in reverse dependency order, with a
// bounded wait before forcing dependents down.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.RLock()
	dependents := s.hardDependentsLocked(name)
	s.mu.RUnlock()

	for _, dep := range dependents {
		if err := s.Stop(ctx, dep); err != nil {
			return err
		}
	}
	return s.stopOne(ctx, name)
}

func (s *Supervisor) stopOne(ctx context.Context, name string) error {
	m := s.Machine(name)
	if m == nil {
		return errs.New(errs.NotFound, fmt.Sprintf("service %s not registered", name))
	}
	if m.State() != fsm.StateRunning {
		return nil
	}
	s.mu.Lock()
	if reg, ok := s.services[name]; ok {
		reg.stopping = true
	}
	s.mu.Unlock()

	if _, err := m.RequestStop(); err != nil {
		return err
	}
	if err := s.executor.Stop(ctx, name); err != nil {
		logging.Warn(subsystem, "%s: stop step reported error: %v", name, err)
	}

	select {
	case <-waitForState(m, fsm.StateFinished):
	case <-time.After(shutdownWaitFor(m)):
		_, _ = m.ShutdownTimeout()
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func shutdownWaitFor(m *fsm.Machine) time.Duration {
	// The Machine owns its configured shutdown timeout; Stop only needs a
	// generous upper bound here since ShutdownComplete (driven by
	// watchExit) normally wins the race well before it.
	return fsm.DefaultShutdownTimeout
}

func waitForState(m *fsm.Machine, want fsm.State) <-chan struct{} {
	ch := make(chan struct{})
	if m.State() == want {
		close(ch)
		return ch
	}
	detach := m.Subscribe(func(ev fsm.Event) {
		if ev.NewState == want {
			select {
			case <-ch:
			default:
				close(ch)
			}
		}
	})
	go func() {
		<-ch
		detach()
	}()
	return ch
}

// hardDependentsLocked returns every registered service that lists name as
// a HARD dependency. Caller must hold s.mu.
func (s *Supervisor) hardDependentsLocked(name string) []string {
	var out []string
	for svcName, reg := range s.services {
		for _, dep := range reg.hard {
			if dep == name {
				out = append(out, svcName)
				break
			}
		}
	}
	return out
}

func (s *Supervisor) softDependentsLocked(name string) []string {
	var out []string
	for svcName, reg := range s.services {
		for _, dep := range reg.soft {
			if dep == name {
				out = append(out, svcName)
				break
			}
		}
	}
	return out
}

// Notify reacts to a dependency leaving RUNNING: per §4.4, HARD dependents
// transition STOPPING -> INSTALLED and re-queue for start; SOFT dependents
// only receive the transition event via the normal global listener fan-out
// (already done by onTransition), so Notify's job here is solely the
// HARD-dependent demotion. The dependent does not re-enter STARTING here —
// its HARD dependency is still down, so immediately retrying would just
// fail hardDepsSatisfied. Instead it sits in INSTALLED until the
// dependency reaches RUNNING again, at which point requeueHardDependents
// (invoked from onTransition) starts it.
func (s *Supervisor) Notify(ctx context.Context, dependencyChanged string) {
	s.mu.RLock()
	hardDependents := s.hardDependentsLocked(dependencyChanged)
	s.mu.RUnlock()

	for _, dep := range hardDependents {
		dm := s.Machine(dep)
		if dm == nil {
			continue
		}
		if dm.State() == fsm.StateRunning {
			_ = s.stopOne(ctx, dep)
		}
		if dm.State() == fsm.StateFinished {
			if _, err := dm.Demote(); err != nil {
				logging.Warn(subsystem, "demoting %s after %s changed failed: %v", dep, dependencyChanged, err)
			}
		}
	}
}

// requeueHardDependents restarts any HARD dependent of name currently
// sitting in INSTALLED — i.e. one Notify demoted earlier because name went
// down — now that name has reached RUNNING again. This is the other half
// of the HARD-dependency-flap contract: Notify demotes on the way down,
// requeueHardDependents restarts on the way back up.
func (s *Supervisor) requeueHardDependents(ctx context.Context, name string) {
	s.mu.RLock()
	hardDependents := s.hardDependentsLocked(name)
	s.mu.RUnlock()

	for _, dep := range hardDependents {
		dm := s.Machine(dep)
		if dm == nil || dm.State() != fsm.StateInstalled {
			continue
		}
		if _, err := s.Start(ctx, dep); err != nil {
			logging.Warn(subsystem, "requeue of %s after %s recovered failed: %v", dep, name, err)
		}
	}
}

// onTransition is installed on every registered service's Machine; it fans
// the event out to global listeners, demotes HARD dependents when a
// service leaves RUNNING unexpectedly, and requeues any HARD dependents
// left sitting in INSTALLED once it comes back RUNNING.
func (s *Supervisor) onTransition(name string) fsm.Listener {
	return func(ev fsm.Event) {
		s.fanOut(ev)
		switch {
		case ev.OldState == fsm.StateRunning && ev.NewState == fsm.StateErrored:
			go s.Notify(context.Background(), name)
		case ev.NewState == fsm.StateRunning:
			go s.requeueHardDependents(context.Background(), name)
		}
	}
}

// ReconcileRestarts periodically scans every registered service in ERRORED
// and drives fsm.Machine's backoff-governed restart decision: due services
// whose HARD dependencies are satisfied are restarted, exhausted ones are
// moved to BROKEN. Without this loop a crashed service that nothing else
// depends on would stay ERRORED forever, since AttemptRestart's timing
// depends on wall-clock backoff rather than any event the rest of the
// system would otherwise fire. Runs until ctx is canceled.
func (s *Supervisor) ReconcileRestarts(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileErrored(ctx)
		}
	}
}

func (s *Supervisor) reconcileErrored(ctx context.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	s.mu.RUnlock()

	for _, name := range names {
		m := s.Machine(name)
		if m == nil || m.State() != fsm.StateErrored {
			continue
		}

		if m.RestartExhausted() {
			if _, err := m.AttemptRestart(); err != nil {
				logging.Warn(subsystem, "%s: restart budget exhausted but could not move to BROKEN: %v", name, err)
			}
			continue
		}

		due, _ := m.RestartDue()
		if !due || !s.hardDepsSatisfied(name) {
			continue
		}

		ev, err := m.AttemptRestart()
		if err != nil || ev.NewState != fsm.StateStarting {
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func(name string, m *fsm.Machine) {
			defer func() { <-s.sem }()
			if err := s.launch(ctx, name, m); err != nil {
				logging.Warn(subsystem, "%s: restart attempt failed: %v", name, err)
			}
		}(name, m)
	}
}

// Submit reconciles current state against desired: Present services are
// started (if not already), Absent services are stopped (if running).
// Unknown service names are reported via the returned error but do not
// stop processing of the rest of the map.
func (s *Supervisor) Submit(ctx context.Context, desired map[string]Desired) error {
	var firstErr error
	for name, want := range desired {
		var err error
		switch want {
		case Present:
			_, err = s.Start(ctx, name)
		case Absent:
			err = s.Stop(ctx, name)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type noopExecutor struct{}

func (noopExecutor) Install(ctx context.Context, service string) error { return nil }
func (noopExecutor) Start(ctx context.Context, service string) (<-chan error, error) {
	ch := make(chan error)
	return ch, nil
}
func (noopExecutor) Stop(ctx context.Context, service string) error { return nil }
