// Package deployment implements the Deployment Engine (C6): it applies a
// deployment document's desired component set and configuration updates in
// seven phases (validate, closure, stage, announce, activate, rollback,
// persist), queueing additional deployments FIFO behind whichever one is
// currently in progress.
//
// Grounded on internal/reconciler/manager.go's worker/queue/status-tracker
// shape (a single background loop draining a queue, a status map guarded by
// its own mutex, backoff-free here since a deployment either proceeds or
// rolls back rather than retrying), generalized from per-resource
// reconciliation to the single-active-deployment model the spec requires.
package deployment

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/nucleus/internal/configstore"
	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/giantswarm/nucleus/internal/fsm"
	"github.com/giantswarm/nucleus/internal/lifecycle"
	"github.com/giantswarm/nucleus/internal/mutation"
	"github.com/giantswarm/nucleus/internal/recipe"
	"github.com/giantswarm/nucleus/internal/supervisor"
	"github.com/giantswarm/nucleus/pkg/logging"
)

const subsystem = "Deployment"

// Status is a deployment record's terminal or in-flight state.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
	StatusCanceled   Status = "CANCELED"
)

// Phase numbers the seven-step pipeline; a crash-recovered deployment's
// last-persisted Phase decides whether it restarts from scratch (<=3) or
// rolls back (>=4).
type Phase int

const (
	PhaseValidate Phase = iota + 1
	PhaseClosure
	PhaseStage
	PhaseAnnounce
	PhaseActivate
	PhaseRollback
	PhasePersist
)

// ComponentUpdate is one entry of a deployment document's "components" map.
type ComponentUpdate struct {
	Version             string          `json:"version" yaml:"version"`
	ConfigurationUpdate mutation.Update `json:"configurationUpdate" yaml:"configurationUpdate"`
}

// Policies mirrors the deployment document's "policies" object.
type Policies struct {
	ComponentUpdate          string `json:"componentUpdate" yaml:"componentUpdate"`
	FailureHandling          string `json:"failureHandling" yaml:"failureHandling"`
	ValidationTimeoutSeconds int    `json:"validationTimeoutSeconds" yaml:"validationTimeoutSeconds"`
}

// Document is the parsed deployment document (§6).
type Document struct {
	Components map[string]ComponentUpdate `json:"components" yaml:"components"`
	Policies   Policies                   `json:"policies" yaml:"policies"`
}

func (d Document) validationTimeout() time.Duration {
	secs := d.Policies.ValidationTimeoutSeconds
	if secs <= 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}

// Verdict is one service's answer to an announced configuration change.
type Verdict struct {
	OK     bool
	Reason string
}

// Announcer pushes the validate-configuration event to affected services
// and collects their verdicts. The IPC Router implements this in the
// running daemon; absence of a reply by the deadline must be treated as OK
// by the implementation, per the spec's validation timeout policy.
type Announcer interface {
	Announce(ctx context.Context, affected []string, shadow map[string]any, timeout time.Duration) (map[string]Verdict, error)
}

// acceptAllAnnouncer is the default Announcer: every affected service is
// assumed to accept the change. Used when New is given no WithAnnouncer
// option, the same way supervisor.noopExecutor stands in when no Executor
// is supplied; the daemon bootstrap supplies ipc.ServiceAnnouncer.
type acceptAllAnnouncer struct{}

func (acceptAllAnnouncer) Announce(_ context.Context, affected []string, _ map[string]any, _ time.Duration) (map[string]Verdict, error) {
	out := make(map[string]Verdict, len(affected))
	for _, name := range affected {
		out[name] = Verdict{OK: true}
	}
	return out, nil
}

// Record is the persisted account of one deployment, and the source of
// truth for listLocalDeployments.
type Record struct {
	ID               string              `yaml:"id" json:"id"`
	Document         Document            `yaml:"document" json:"document"`
	Status           Status              `yaml:"status" json:"status"`
	Phase            Phase               `yaml:"phase" json:"phase"`
	FailureReason    string              `yaml:"failureReason,omitempty" json:"failureReason,omitempty"`
	AffectedServices []string            `yaml:"affectedServices,omitempty" json:"affectedServices,omitempty"`
	ForwardBatch     []configstore.Update `yaml:"forwardBatch,omitempty" json:"forwardBatch,omitempty"`
	InverseBatch     []configstore.Update `yaml:"inverseBatch,omitempty" json:"inverseBatch,omitempty"`
	PreviousPicks    map[string]string   `yaml:"previousPicks,omitempty" json:"previousPicks,omitempty"`
	CreatedAt        int64               `yaml:"createdAt" json:"createdAt"`
	UpdatedAt        int64               `yaml:"updatedAt" json:"updatedAt"`
}

// RecipeRunner is the mutable lifecycle.Runner the engine updates at
// activation time, so an already-registered lifecycle.Executor resolves
// each service name to whichever recipe pick is currently active. Kept
// here rather than in internal/lifecycle because only the Deployment
// Engine ever mutates it.
type RecipeRunner struct {
	mu      sync.RWMutex
	recipes map[string]lifecycle.Recipe
}

// NewRecipeRunner constructs an empty RecipeRunner.
func NewRecipeRunner() *RecipeRunner {
	return &RecipeRunner{recipes: make(map[string]lifecycle.Recipe)}
}

// Recipe implements lifecycle.Runner.
func (r *RecipeRunner) Recipe(service string) (lifecycle.Recipe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recipes[service]
	if !ok {
		return lifecycle.Recipe{}, errs.New(errs.NotFound, fmt.Sprintf("no active recipe for service %s", service))
	}
	return rec, nil
}

// Set installs or replaces the active recipe for service.
func (r *RecipeRunner) Set(service string, rec lifecycle.Recipe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipes[service] = rec
}

// Remove drops service's active recipe, e.g. once it is no longer in any
// deployment's closure.
func (r *RecipeRunner) Remove(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recipes, service)
}

// Engine is the Deployment Engine. It owns the single-active-deployment
// queue and the current closure's view of which recipe pick backs each
// running service.
type Engine struct {
	store     *configstore.Store
	cache     *recipe.Cache
	super     *supervisor.Supervisor
	runner    *RecipeRunner
	announcer Announcer
	workRoot  string
	dir       string // deployments directory
	clock     func() time.Time
	settle    time.Duration

	mu            sync.Mutex
	records       map[string]*Record
	order         []string // queued ids, FIFO
	active        string
	activeCancel  context.CancelFunc
	currentPicks  map[string]recipe.Pick // name -> pick currently activated
	wakeCh        chan struct{}
	stopCh        chan struct{}
	wg            sync.WaitGroup
	running       bool
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithAnnouncer overrides the validate-configuration announcer. Defaults to
// one that treats every affected service as accepting the change.
func WithAnnouncer(a Announcer) Option {
	return func(e *Engine) { e.announcer = a }
}

// WithClock overrides the engine's time source, for deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.clock = fn }
}

// WithSettleWindow overrides how long the engine watches newly activated
// services for a BROKEN transition before declaring success.
func WithSettleWindow(d time.Duration) Option {
	return func(e *Engine) { e.settle = d }
}

// New constructs an Engine. dir is the deployment-record persistence
// directory (on-disk layout's /deployments/); workRoot is the per-service
// working-directory root (/work/<name>/).
func New(store *configstore.Store, cache *recipe.Cache, super *supervisor.Supervisor, runner *RecipeRunner, dir, workRoot string, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		cache:        cache,
		super:        super,
		runner:       runner,
		announcer:    acceptAllAnnouncer{},
		workRoot:     workRoot,
		dir:          dir,
		clock:        time.Now,
		settle:       10 * time.Second,
		records:      make(map[string]*Record),
		currentPicks: make(map[string]recipe.Pick),
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	return e
}

func (e *Engine) now() int64 { return e.clock().UnixMilli() }

// Start scans dir for persisted records, recovers any left IN_PROGRESS by
// a prior crash (phase <=3 restarts from scratch, phase >=4 rolls back),
// then starts the background queue worker.
func (e *Engine) Start(ctx context.Context) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return errs.Wrap(errs.IOError, fmt.Sprintf("creating deployments dir %s", e.dir), err)
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return errs.Wrap(errs.IOError, fmt.Sprintf("reading deployments dir %s", e.dir), err)
	}

	var toRedo []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.dir, entry.Name()))
		if err != nil {
			logging.Warn(subsystem, "skipping unreadable deployment record %s: %v", entry.Name(), err)
			continue
		}
		var rec Record
		if err := yaml.Unmarshal(data, &rec); err != nil {
			logging.Warn(subsystem, "skipping malformed deployment record %s: %v", entry.Name(), err)
			continue
		}
		e.records[rec.ID] = &rec
		for name, version := range rec.PreviousPicks {
			if _, ok := e.currentPicks[name]; !ok {
				e.currentPicks[name] = recipe.Pick{Name: name, Version: version}
			}
		}
		if rec.Status == StatusInProgress {
			toRedo = append(toRedo, &rec)
		}
	}

	for _, rec := range toRedo {
		if rec.Phase <= PhaseStage {
			logging.Info(subsystem, "deployment %s crashed in phase %d, restarting from scratch", rec.ID, rec.Phase)
			rec.Phase = PhaseValidate
			rec.Status = StatusQueued
			e.order = append(e.order, rec.ID)
		} else {
			logging.Info(subsystem, "deployment %s crashed in phase %d, rolling back", rec.ID, rec.Phase)
			e.rollbackCrashed(rec)
		}
	}

	e.running = true
	e.wg.Add(1)
	go e.loop(ctx)
	if len(e.order) > 0 {
		e.wake()
	}
	return nil
}

// Stop signals the background worker to exit after its current deployment
// (if any) reaches a terminal phase, and waits for it to do so.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Submit validates and enqueues doc, returning the new deployment's id.
func (e *Engine) Submit(doc Document) (string, error) {
	if err := validateDocument(doc); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := e.now()
	rec := &Record{
		ID:        id,
		Document:  doc,
		Status:    StatusQueued,
		Phase:     PhaseValidate,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.mu.Lock()
	e.records[id] = rec
	e.order = append(e.order, id)
	e.mu.Unlock()

	if err := e.persist(rec); err != nil {
		return "", err
	}
	e.wake()
	return id, nil
}

// Cancel removes a queued deployment, or triggers rollback on the active
// one if it is still IN_PROGRESS.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return errs.New(errs.NotFound, fmt.Sprintf("deployment %s not found", id))
	}
	if rec.Status != StatusInProgress && rec.Status != StatusQueued {
		e.mu.Unlock()
		return errs.New(errs.ValidationRejected, fmt.Sprintf("deployment %s already terminal (%s)", id, rec.Status))
	}
	if id == e.active {
		cancel := e.activeCancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	for i, qid := range e.order {
		if qid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	rec.Status = StatusCanceled
	rec.UpdatedAt = e.now()
	e.mu.Unlock()
	return e.persist(rec)
}

// GetStatus returns the current record for id.
func (e *Engine) GetStatus(id string) (*Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	return rec, ok
}

// ListDeployments returns every known record, most recently created first.
func (e *Engine) ListDeployments() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Record, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.wakeCh:
		}

		for {
			e.mu.Lock()
			if len(e.order) == 0 {
				e.mu.Unlock()
				break
			}
			id := e.order[0]
			e.order = e.order[1:]
			rec := e.records[id]
			dctx, cancel := context.WithCancel(ctx)
			e.active = id
			e.activeCancel = cancel
			e.mu.Unlock()

			e.process(dctx, rec)

			cancel()
			e.mu.Lock()
			e.active = ""
			e.activeCancel = nil
			e.mu.Unlock()

			select {
			case <-e.stopCh:
				return
			default:
			}
		}
	}
}

func validateDocument(doc Document) error {
	for name, cu := range doc.Components {
		if _, err := semver.NewVersion(cu.Version); err != nil {
			return errs.Wrap(errs.MalformedConfig, fmt.Sprintf("component %s: invalid version %q", name, cu.Version), err)
		}
		for _, ptr := range cu.ConfigurationUpdate.Reset {
			if err := mutation.ValidatePointer(ptr); err != nil {
				return errs.Wrap(errs.MalformedConfig, fmt.Sprintf("component %s: invalid RESET pointer %q", name, ptr), err)
			}
		}
		// Exactly one of MERGE or RESET may address a given top-level key:
		// a key reset via "/<key>" and also present in MERGE is ambiguous
		// about ordering, so it is rejected rather than silently picking
		// RESET-then-MERGE's natural precedence.
		resetKeys := make(map[string]bool)
		for _, ptr := range cu.ConfigurationUpdate.Reset {
			if ptr == "" {
				continue
			}
			segs := strings.SplitN(strings.TrimPrefix(ptr, "/"), "/", 2)
			resetKeys[segs[0]] = true
		}
		for key := range cu.ConfigurationUpdate.Merge {
			if resetKeys[key] {
				return errs.New(errs.MalformedConfig, fmt.Sprintf("component %s: key %q present in both RESET and MERGE", name, key))
			}
		}
	}
	return nil
}

func (e *Engine) persist(rec *Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.IOError, fmt.Sprintf("marshaling deployment record %s", rec.ID), err)
	}
	path := filepath.Join(e.dir, rec.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.IOError, fmt.Sprintf("writing deployment record %s", path), err)
	}
	return nil
}

func (e *Engine) fail(rec *Record, phase Phase, cause error) {
	rec.Phase = phase
	rec.Status = StatusFailed
	rec.FailureReason = cause.Error()
	rec.UpdatedAt = e.now()
	if err := e.persist(rec); err != nil {
		logging.Error(subsystem, "deployment %s: failed to persist failure record: %v", rec.ID, err)
	}
}

// process drives rec through phases 1-7.
func (e *Engine) process(ctx context.Context, rec *Record) {
	rec.Status = StatusInProgress
	rec.Phase = PhaseValidate
	rec.UpdatedAt = e.now()
	_ = e.persist(rec)

	// Phase 1 already ran in Submit; re-validate because a crash-resumed
	// record is read back from disk rather than coming through Submit.
	if err := validateDocument(rec.Document); err != nil {
		e.fail(rec, PhaseValidate, err)
		return
	}

	// Phase 2: closure.
	rec.Phase = PhaseClosure
	closure, err := e.resolveClosure(rec.Document)
	if err != nil {
		e.fail(rec, PhaseClosure, err)
		return
	}

	// Phase 3: stage config changes into forward/inverse batches, recorded
	// now so a crash after this point can roll back without recomputation.
	rec.Phase = PhaseStage
	forward, inverse, affected, err := e.stage(closure, rec.Document)
	if err != nil {
		e.fail(rec, PhaseStage, err)
		return
	}
	rec.ForwardBatch = forward
	rec.InverseBatch = inverse
	rec.AffectedServices = affected
	rec.PreviousPicks = e.previousPicksSnapshot()
	rec.UpdatedAt = e.now()
	_ = e.persist(rec)

	// Phase 4: announce to affected services via a shadow view.
	rec.Phase = PhaseAnnounce
	shadow, err := e.shadowView(forward, affected)
	if err != nil {
		e.rollback(ctx, rec, closure, fmt.Sprintf("building shadow configuration: %v", err))
		return
	}
	verdicts, err := e.announcer.Announce(ctx, affected, shadow, rec.Document.validationTimeout())
	if err != nil {
		e.rollback(ctx, rec, closure, fmt.Sprintf("announce failed: %v", err))
		return
	}
	for name, v := range verdicts {
		if !v.OK {
			e.rollback(ctx, rec, closure, fmt.Sprintf("%s rejected configuration: %s", name, v.Reason))
			return
		}
	}

	select {
	case <-ctx.Done():
		e.rollback(ctx, rec, closure, "canceled before activation")
		return
	default:
	}

	// Phase 5: activate.
	rec.Phase = PhaseActivate
	rec.UpdatedAt = e.now()
	_ = e.persist(rec)
	if err := e.activate(ctx, closure, forward); err != nil {
		e.rollback(ctx, rec, closure, fmt.Sprintf("activation failed: %v", err))
		return
	}

	// Settle window: watch for a newly-activated service going BROKEN, or
	// an explicit cancel, before declaring success.
	if broken, reason := e.awaitSettle(ctx, closure); broken {
		e.rollback(ctx, rec, closure, reason)
		return
	}

	e.mu.Lock()
	e.currentPicks = closure.Picks
	e.mu.Unlock()

	// Phase 7: persist success.
	rec.Phase = PhasePersist
	rec.Status = StatusSucceeded
	rec.UpdatedAt = e.now()
	if err := e.persist(rec); err != nil {
		logging.Error(subsystem, "deployment %s: failed to persist success record: %v", rec.ID, err)
	}
}

func (e *Engine) resolveClosure(doc Document) (*recipe.Closure, error) {
	names := make([]string, 0, len(doc.Components))
	for name := range doc.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	reqs := make([]recipe.Requirement, 0, len(names))
	for _, name := range names {
		cu := doc.Components[name]
		reqs = append(reqs, recipe.Requirement{
			Name:              name,
			VersionConstraint: "=" + cu.Version,
			DependencyType:    recipe.Hard,
		})
	}
	return recipe.Resolve(e.cache, reqs)
}

// stage computes the forward/inverse batches for every component with a
// ConfigurationUpdate, against that component's recipe default
// configuration, rooted at /components/<name>/configuration.
func (e *Engine) stage(closure *recipe.Closure, doc Document) (forward, inverse []configstore.Update, affected []string, err error) {
	names := make([]string, 0, len(doc.Components))
	for name := range doc.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	ts := e.now()
	for _, name := range names {
		cu := doc.Components[name]
		if cu.ConfigurationUpdate.Reset == nil && cu.ConfigurationUpdate.Merge == nil {
			continue
		}
		pick, ok := closure.Picks[name]
		if !ok {
			continue
		}
		var defaults map[string]any
		if pick.Recipe != nil {
			defaults = pick.Recipe.ComponentConfiguration.DefaultConfiguration
		}
		path := componentConfigPath(name)
		batch, serr := mutation.Apply(e.store, path, defaults, cu.ConfigurationUpdate, ts)
		if serr != nil {
			return nil, nil, nil, serr
		}
		forward = append(forward, batch.Forward...)
		inverse = append(batch.Inverse, inverse...) // undo in reverse application order
		affected = append(affected, name)
	}
	return forward, inverse, affected, nil
}

// shadowView clones the live store (via its own yaml codec, so no new
// cloning machinery is needed), applies forward to the clone, and reads
// back each affected component's configuration subtree.
func (e *Engine) shadowView(forward []configstore.Update, affected []string) (map[string]any, error) {
	var buf bytes.Buffer
	if err := e.store.Dump(&buf, "yaml"); err != nil {
		return nil, err
	}
	shadow := configstore.New()
	defer shadow.Close()
	if err := shadow.Load(&buf, "yaml"); err != nil {
		return nil, err
	}
	if len(forward) > 0 {
		if err := shadow.Batch(forward); err != nil {
			return nil, err
		}
	}

	out := make(map[string]any, len(affected))
	for _, name := range affected {
		if v, ok := shadow.Subtree(componentConfigPath(name)); ok {
			out[name] = v
		}
	}
	return out, nil
}

func (e *Engine) activate(ctx context.Context, closure *recipe.Closure, forward []configstore.Update) error {
	if len(forward) > 0 {
		if err := e.store.Batch(forward); err != nil {
			return err
		}
	}

	for _, name := range closure.StartOrder {
		pick := closure.Picks[name]
		rec := pick.Recipe
		if rec == nil {
			continue
		}
		e.runner.Set(name, recipeToLifecycle(rec, filepath.Join(e.workRoot, name)))

		var hard, soft []string
		for depName, dep := range rec.ComponentDependencies {
			if dep.DependencyType == recipe.Soft {
				soft = append(soft, depName)
			} else {
				hard = append(hard, depName)
			}
		}
		sort.Strings(hard)
		sort.Strings(soft)

		if e.super.Machine(name) == nil {
			if _, err := e.super.RegisterService(name, hard, soft); err != nil {
				return err
			}
		}
	}

	desired := make(map[string]supervisor.Desired, len(closure.Picks))
	for name := range closure.Picks {
		desired[name] = supervisor.Present
	}
	e.mu.Lock()
	for name := range e.currentPicks {
		if _, stillWanted := closure.Picks[name]; !stillWanted {
			desired[name] = supervisor.Absent
		}
	}
	e.mu.Unlock()

	return e.super.Submit(ctx, desired)
}

// awaitSettle watches every service in closure for a BROKEN transition
// during the settle window. Returns true and a reason the instant one is
// observed, or on ctx cancellation; otherwise false once the window
// elapses cleanly.
func (e *Engine) awaitSettle(ctx context.Context, closure *recipe.Closure) (bool, string) {
	deadline := time.After(e.settle)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, "canceled during settle window"
		case <-deadline:
			return false, ""
		case <-ticker.C:
			for name := range closure.Picks {
				m := e.super.Machine(name)
				if m != nil && m.State() == fsm.StateBroken {
					return true, fmt.Sprintf("%s reached BROKEN during settle window", name)
				}
			}
		}
	}
}

// restamped copies batch with every entry's Timestamp set to at least ts,
// never lower than the highest timestamp already present in batch. The
// forward and inverse batches are staged together and so start out sharing
// one timestamp (the staging-time `ts` in stage); replaying the inverse
// batch with that same value would be rejected by the config store's
// last-writer-wins rule as no newer than what the forward batch already
// committed, so a rollback triggered after activation must stamp its
// inverse batch with a value newer than anything on record.
func restamped(batch []configstore.Update, ts int64) []configstore.Update {
	for _, u := range batch {
		if u.Timestamp >= ts {
			ts = u.Timestamp + 1
		}
	}
	out := make([]configstore.Update, len(batch))
	for i, u := range batch {
		u.Timestamp = ts
		out[i] = u
	}
	return out
}

func (e *Engine) rollback(ctx context.Context, rec *Record, closure *recipe.Closure, reason string) {
	rec.Phase = PhaseRollback
	rec.UpdatedAt = e.now()
	_ = e.persist(rec)

	if len(rec.InverseBatch) > 0 {
		if err := e.store.Batch(restamped(rec.InverseBatch, e.now())); err != nil {
			logging.Error(subsystem, "deployment %s: rollback batch failed: %v", rec.ID, err)
		}
	}

	e.mu.Lock()
	previous := e.currentPicks
	e.mu.Unlock()

	desired := make(map[string]supervisor.Desired)
	for name, pick := range previous {
		desired[name] = supervisor.Present
		if pick.Recipe != nil {
			e.runner.Set(name, recipeToLifecycle(pick.Recipe, filepath.Join(e.workRoot, name)))
		}
	}
	for name := range closure.Picks {
		if _, wasActive := previous[name]; !wasActive {
			desired[name] = supervisor.Absent
			e.runner.Remove(name)
		}
	}
	rollbackCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if len(desired) > 0 {
		if err := e.super.Submit(rollbackCtx, desired); err != nil {
			logging.Error(subsystem, "deployment %s: rollback restart failed: %v", rec.ID, err)
		}
	}

	rec.Phase = PhasePersist
	rec.Status = StatusRolledBack
	rec.FailureReason = reason
	rec.UpdatedAt = e.now()
	if err := e.persist(rec); err != nil {
		logging.Error(subsystem, "deployment %s: failed to persist rollback record: %v", rec.ID, err)
	}
}

// rollbackCrashed replays a persisted record's inverse batch at startup,
// for a deployment that crashed at phase >=4 (activation already in
// flight or committed). It changes configuration only; it does not
// register, start or stop any service.
func (e *Engine) rollbackCrashed(rec *Record) {
	if len(rec.InverseBatch) > 0 {
		if err := e.store.Batch(restamped(rec.InverseBatch, e.now())); err != nil {
			logging.Error(subsystem, "crash-recovery rollback of %s failed: %v", rec.ID, err)
		}
	}
	rec.Phase = PhasePersist
	rec.Status = StatusRolledBack
	rec.FailureReason = "rolled back after process restart (crashed mid-activation)"
	rec.UpdatedAt = e.now()
	if err := e.persist(rec); err != nil {
		logging.Error(subsystem, "failed to persist crash-recovery rollback of %s: %v", rec.ID, err)
	}
}

func (e *Engine) previousPicksSnapshot() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.currentPicks))
	for name, pick := range e.currentPicks {
		out[name] = pick.Version
	}
	return out
}

// componentConfigPath is the configuration store location of a component's
// live configuration subtree.
func componentConfigPath(name string) configstore.Path {
	return configstore.Path{"components", name, "configuration"}
}

func recipeToLifecycle(rec *recipe.Recipe, workDir string) lifecycle.Recipe {
	var manifest recipe.Manifest
	if len(rec.Manifests) > 0 {
		manifest = rec.Manifests[0]
	}
	return lifecycle.Recipe{
		WorkDir:  workDir,
		Install:  toStep(manifest.Lifecycle.Install),
		Run:      toStep(manifest.Lifecycle.Run),
		Startup:  toStep(manifest.Lifecycle.Startup),
		Shutdown: toStep(manifest.Lifecycle.Shutdown),
	}
}

func toStep(s *recipe.LifecycleStep) *lifecycle.Step {
	if s == nil {
		return nil
	}
	return &lifecycle.Step{
		Script:  s.Script,
		Timeout: time.Duration(s.Timeout) * time.Second,
		Setenv:  s.Setenv,
		Skipif:  s.Skipif,
	}
}
