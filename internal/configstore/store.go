// Package configstore implements the hierarchical, timestamped configuration
// tree (C1): lookup/findOrCreate/setLeaf/remove, subscriptions, validators,
// transactional batch commits, and an append-only transaction log supporting
// replay and live tail.
//
// Grounded on the teacher's internal/context/storage.go load/save-under-lock
// shape, generalized from a flat YAML file to an in-memory tree, and on the
// non-blocking select{default:} fan-out idiom from
// internal/orchestrator/orchestrator.go for the transaction-log tail sinks.
package configstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/giantswarm/nucleus/pkg/logging"
)

const subsystem = "ConfigStore"

// NodeView is an immutable snapshot of a node returned by Lookup.
type NodeView struct {
	Path       Path
	Container  bool
	Value      any
	Timestamp  int64
	ChildNames []string
}

type subscriber struct {
	id      uint64
	kind    SubscriptionKind
	handler func(Event)
}

// Store is the concurrency-safe configuration tree. The zero value is not
// usable; construct with New.
type Store struct {
	mu sync.RWMutex

	root *node

	validators map[string]Validator
	subs       map[string][]subscriber
	nextSubID  uint64

	log *txLog

	notifyCh   chan func()
	notifyStop chan struct{}
	notifyWG   sync.WaitGroup
}

// New constructs an empty store (a single root container) and starts its
// notification executor goroutine.
func New() *Store {
	s := &Store{
		root:       newContainer(""),
		validators: make(map[string]Validator),
		subs:       make(map[string][]subscriber),
		log:        newTxLog(),
		notifyCh:   make(chan func(), 4096),
		notifyStop: make(chan struct{}),
	}
	s.notifyWG.Add(1)
	go s.runNotifier()
	return s
}

// Close stops the notification executor. Pending notifications are drained
// before return.
func (s *Store) Close() error {
	close(s.notifyStop)
	s.notifyWG.Wait()
	return nil
}

func (s *Store) runNotifier() {
	defer s.notifyWG.Done()
	for {
		select {
		case fn := <-s.notifyCh:
			s.invokeSafely(fn)
		case <-s.notifyStop:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case fn := <-s.notifyCh:
					s.invokeSafely(fn)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) invokeSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(subsystem, "subscriber callback panicked: %v", r)
		}
	}()
	fn()
}

// Lookup resolves path to a node snapshot. Constant-time per segment.
func (s *Store) Lookup(path Path) (NodeView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.walk(path)
	if n == nil {
		return NodeView{}, false
	}
	return s.view(path, n), true
}

func (s *Store) view(path Path, n *node) NodeView {
	if n.isLeaf() {
		return NodeView{Path: path, Container: false, Value: n.value, Timestamp: n.timestamp}
	}
	return NodeView{Path: path, Container: true, Timestamp: n.timestamp, ChildNames: n.childNames()}
}

// Subtree materializes path and everything beneath it into a plain Go
// value: containers become map[string]any, leaves become their stored
// value. Used by the mutation operator to compare a live subtree against a
// recipe's default configuration subtree. Returns ok=false if path does
// not exist.
func (s *Store) Subtree(path Path) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.walk(path)
	if n == nil {
		return nil, false
	}
	return materialize(n), true
}

func materialize(n *node) any {
	if n.isLeaf() {
		return n.value
	}
	out := make(map[string]any, len(n.order))
	for _, name := range n.order {
		out[name] = materialize(n.child(name))
	}
	return out
}

func (s *Store) walk(path Path) *node {
	cur := s.root
	for _, seg := range path {
		if !cur.isContainer() {
			return nil
		}
		cur = cur.child(seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// FindOrCreate creates any missing intermediate containers and, if the leaf
// at path is absent, creates it initialized to def. Idempotent: if the leaf
// already exists its value is left untouched.
func (s *Store) FindOrCreate(path Path, def any) (NodeView, error) {
	if len(path) == 0 {
		return NodeView{}, errs.New(errs.MalformedConfig, "cannot findOrCreate the root")
	}
	s.mu.RLock()
	existing := s.walk(path)
	if existing != nil {
		v := s.view(path, existing)
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	now := time.Now().UnixMilli()
	if err := s.Batch([]Update{{Path: path, Op: OpSetLeaf, Value: def, Timestamp: now}}); err != nil {
		return NodeView{}, err
	}
	v, _ := s.Lookup(path)
	return v, nil
}

// SetLeaf writes value at path iff timestamp > the node's current
// timestamp; otherwise it is a silent no-op (last-writer-wins by timestamp).
func (s *Store) SetLeaf(path Path, value any, timestamp int64) error {
	if len(path) == 0 {
		return errs.New(errs.MalformedConfig, "cannot setLeaf at the root")
	}
	return s.Batch([]Update{{Path: path, Op: OpSetLeaf, Value: value, Timestamp: timestamp}})
}

// Remove deletes the node at path under the same timestamp rule as SetLeaf.
func (s *Store) Remove(path Path, timestamp int64) error {
	if len(path) == 0 {
		return errs.New(errs.MalformedConfig, "cannot remove the root")
	}
	return s.Batch([]Update{{Path: path, Op: OpRemove, Timestamp: timestamp}})
}

// Subscribe attaches handler to path for the given event kind. Initialized
// fires synchronously, before Subscribe returns, delivering the current
// value (or absence). Subscriptions survive leaf<->container swaps because
// they are keyed by path string.
func (s *Store) Subscribe(path Path, kind SubscriptionKind, handler func(Event)) Subscription {
	key := path.String()

	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if kind != Initialized {
		s.subs[key] = append(s.subs[key], subscriber{id: id, kind: kind, handler: handler})
	}
	var initEvent *Event
	if kind == Initialized {
		n := s.walk(path)
		ev := Event{Path: path.Clone(), Kind: Initialized, Timestamp: time.Now().UnixMilli()}
		if n != nil {
			ev.Value = n.snapshotValue()
			ev.Timestamp = n.timestamp
		}
		initEvent = &ev
	}
	s.mu.Unlock()

	if initEvent != nil {
		handler(*initEvent)
	}

	return Subscription{id: id, path: key, kind: kind, store: s}
}

func (s *Store) unsubscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[sub.path]
	for i, sc := range list {
		if sc.id == sub.id {
			s.subs[sub.path] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// AddValidator attaches v to path, replacing any previously attached
// validator there. See DESIGN.md for why replace (not chain) was chosen.
func (s *Store) AddValidator(path Path, v Validator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == nil {
		delete(s.validators, path.String())
		return nil
	}
	s.validators[path.String()] = v
	return nil
}

// validatorPaths returns a best-effort listing of validator paths, used by
// diagnostics; not part of the formal contract.
func (s *Store) validatorPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.validators))
	for p := range s.validators {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Batch stages updates and applies them all-or-nothing under the write
// lock. Subscriber callbacks fire after the batch fully commits, outside
// the lock, in depth-first deterministic order over the affected subtree.
func (s *Store) Batch(updates []Update) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()

	// Phase 1: validate every leaf write before mutating anything, so a
	// rejection leaves the tree untouched (batch is all-or-nothing). The
	// updates are copied so a validator's coerced value can be stored
	// without modifying the caller's slice.
	updates = append([]Update(nil), updates...)
	for i := range updates {
		u := &updates[i]
		if u.Op != OpSetLeaf {
			continue
		}
		if v, ok := s.validators[u.Path.String()]; ok {
			accepted, err := v(u.Path, u.Value)
			if err != nil {
				s.mu.Unlock()
				return errs.Wrap(errs.ValidationRejected, fmt.Sprintf("validator rejected %s", u.Path), err)
			}
			u.Value = accepted
		}
	}

	// Phase 2: apply, collecting events in commit order for depth-first
	// delivery, and skipping stale writes (timestamp <= current).
	var events []Event
	var records []LogRecord
	for _, u := range updates {
		ev, rec, applied := s.applyOne(u)
		if !applied {
			continue
		}
		if rec != nil {
			records = append(records, *rec)
		}
		events = append(events, ev...)
	}

	s.log.append(records...)

	s.mu.Unlock()

	sortEventsDepthFirst(events)
	for _, ev := range events {
		ev := ev
		subsToFire := s.subscribersFor(ev)
		for _, sub := range subsToFire {
			h := sub.handler
			e := ev
			s.notifyCh <- func() { h(e) }
		}
	}
	s.log.notifyTail(records)
	return nil
}

func (s *Store) subscribersFor(ev Event) []subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.subs[ev.Path.String()]
	out := make([]subscriber, 0, len(list))
	for _, sc := range list {
		if sc.kind == ev.Kind {
			out = append(out, sc)
		}
	}
	return out
}

// applyOne applies a single update to the tree (caller holds the write
// lock) and returns the events it produced plus whether it was applied at
// all (false for a stale timestamp).
func (s *Store) applyOne(u Update) (events []Event, rec *LogRecord, applied bool) {
	parentPath, ok := u.Path.Parent()
	if !ok {
		return nil, nil, false
	}

	// Check staleness against whatever already exists before creating any
	// intermediate containers, so a dropped stale write never has
	// side effects (including spurious container-creation events).
	if existingTarget := s.walk(u.Path); existingTarget != nil && u.Timestamp <= existingTarget.timestamp {
		return nil, nil, false // last-writer-wins: stale write is a no-op
	}

	name := u.Path[len(u.Path)-1]

	if u.Op == OpRemove {
		// Remove never creates intermediate containers: a path that does
		// not exist has nothing to remove.
		parent := s.walk(parentPath)
		if parent == nil || !parent.isContainer() {
			return nil, nil, false
		}
		existing := parent.child(name)
		if existing == nil {
			return nil, nil, false
		}
		parent.removeChild(name)
		events = append(events,
			Event{Path: parentPath.Clone(), Kind: ChildRemoved, Timestamp: u.Timestamp},
			Event{Path: u.Path.Clone(), Kind: ValueChanged, Timestamp: u.Timestamp},
		)
		return events, &LogRecord{Timestamp: u.Timestamp, Path: u.Path.Clone(), Op: OpRemove}, true
	}

	parent, implicitEvents := s.ensureContainer(parentPath, u.Timestamp)
	events = append(events, implicitEvents...)
	existing := parent.child(name)

	switch u.Op {
	case OpSetContainer:
		if existing != nil && existing.isContainer() {
			existing.timestamp = u.Timestamp
			return events, &LogRecord{Timestamp: u.Timestamp, Path: u.Path.Clone(), Op: OpSetContainer}, true
		}
		wasLeaf := existing != nil
		n := newContainer(name)
		n.timestamp = u.Timestamp
		parent.setChild(name, n)
		if !wasLeaf {
			events = append(events, Event{Path: parentPath.Clone(), Kind: ChildAdded, Timestamp: u.Timestamp})
		}
		events = append(events, Event{Path: u.Path.Clone(), Kind: ValueChanged, Timestamp: u.Timestamp})
		return events, &LogRecord{Timestamp: u.Timestamp, Path: u.Path.Clone(), Op: OpSetContainer}, true

	default: // OpSetLeaf
		var changed bool
		if existing == nil {
			changed = true
		} else if existing.isContainer() {
			changed = true
		} else {
			changed = existing.value != u.Value
		}
		wasAbsent := existing == nil
		n := newLeaf(name, u.Value, u.Timestamp)
		parent.setChild(name, n)
		if changed {
			if wasAbsent {
				events = append(events, Event{Path: parentPath.Clone(), Kind: ChildAdded, Value: u.Value, Timestamp: u.Timestamp})
			}
			events = append(events, Event{Path: u.Path.Clone(), Kind: ValueChanged, Value: u.Value, Timestamp: u.Timestamp})
		}
		return events, &LogRecord{Timestamp: u.Timestamp, Path: u.Path.Clone(), Op: OpSetLeaf, Value: u.Value}, true
	}
}

// ensureContainer creates any missing intermediate containers along path,
// with timestamp ts, and returns the (possibly newly created) container
// node plus the events implicit creation produced: a child-added event on
// the parent of each newly created level, plus a value-changed event on the
// level itself. A leaf found along the way is replaced by a container,
// consistent with invariant (ii): type swap destroys and recreates, firing
// only value-changed (the parent's child set did not gain a new name).
func (s *Store) ensureContainer(path Path, ts int64) (*node, []Event) {
	var events []Event
	cur := s.root
	for i, seg := range path {
		child := cur.child(seg)
		if child == nil || !child.isContainer() {
			wasLeaf := child != nil
			child = newContainer(seg)
			child.timestamp = ts
			cur.setChild(seg, child)
			if !wasLeaf {
				events = append(events, Event{Path: path[:i].Clone(), Kind: ChildAdded, Timestamp: ts})
			}
			events = append(events, Event{Path: path[:i+1].Clone(), Kind: ValueChanged, Timestamp: ts})
		}
		cur = child
	}
	return cur, events
}

// sortEventsDepthFirst orders events so a subtree's descendants are
// delivered before ancestors within the same batch commit — "depth-first on
// the affected subtree" per the store's batch contract. Ties keep their
// relative (commit) order via a stable sort.
func sortEventsDepthFirst(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return len(events[i].Path) > len(events[j].Path)
	})
}
