package configstore

import "strings"

// Path is an ordered sequence of name segments from the root. The root
// itself is the empty Path.
type Path []string

// ParsePath splits a "/"-separated path string into segments. A leading "/"
// and empty segments are ignored so "/a/b", "a/b" and "a//b" all parse the
// same way.
func ParsePath(s string) Path {
	parts := strings.Split(s, "/")
	out := make(Path, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// String renders the path back into "/"-separated form, always rooted.
func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	return "/" + strings.Join(p, "/")
}

// Child returns a new path with name appended.
func (p Path) Child(name string) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = name
	return out
}

// Parent returns the path with its last segment removed, and ok=false for
// the root.
func (p Path) Parent() (Path, bool) {
	if len(p) == 0 {
		return nil, false
	}
	return p[:len(p)-1], true
}

// Equal reports whether two paths name the same node.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether p is o or a descendant of o.
func (p Path) HasPrefix(o Path) bool {
	if len(o) > len(p) {
		return false
	}
	for i := range o {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of p.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Op is a transaction log operation kind.
type Op int

const (
	OpSetLeaf Op = iota
	OpSetContainer
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpSetLeaf:
		return "setLeaf"
	case OpSetContainer:
		return "setContainer"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Update is one staged mutation within a Batch call.
type Update struct {
	Path      Path
	Op        Op
	Value     any // only meaningful for OpSetLeaf
	Timestamp int64
}

// SubscriptionKind selects which class of events a subscriber observes.
type SubscriptionKind int

const (
	ValueChanged SubscriptionKind = iota
	ChildAdded
	ChildRemoved
	Initialized
)

// Event is delivered to subscription handlers.
type Event struct {
	Path      Path
	Kind      SubscriptionKind
	Value     any
	Timestamp int64
}

// Validator inspects a proposed leaf value and either accepts it (possibly
// coerced) or rejects it with a reason.
type Validator func(path Path, proposed any) (accepted any, err error)

// Subscription is the handle returned by Subscribe; call Unsubscribe to
// detach. Subscriptions survive leaf<->container type swaps at their path
// because they are keyed by path string, not by *node.
type Subscription struct {
	id    uint64
	path  string
	kind  SubscriptionKind
	store *Store
}

// Unsubscribe detaches the subscription. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	s.store.unsubscribe(s)
}
