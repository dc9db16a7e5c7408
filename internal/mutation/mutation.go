// Package mutation implements the Config Mutation Operator (C7): it
// interprets a deployment document's MERGE/RESET configuration update
// against a component's default configuration and the Configuration
// Store's live state, producing a forward batch of store Updates plus the
// inverse batch needed to roll the change back.
//
// Grounded on internal/config/loader.go's recursive map-merge shape
// (ApplyEnvOverride-style "recurse into nested maps, otherwise replace")
// generalized to the RESET-then-MERGE two-phase contract. RFC 6901 JSON
// Pointer unescaping (~1 -> '/', ~0 -> '~') is hand-rolled rather than
// reused from evanphx/json-patch/v5: see DESIGN.md for why that library's
// pointer and RFC 7396 merge-patch machinery don't fit a tree addressed by
// configstore.Path instead of raw JSON bytes.
package mutation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/giantswarm/nucleus/internal/configstore"
	"github.com/giantswarm/nucleus/internal/errs"
)

// Update mirrors the spec's deployment document ConfigurationUpdate:
// RESET is a list of JSON Pointers applied first, in order; MERGE is an
// object applied second. Field tags match the deployment document's wire
// schema (uppercase MERGE/RESET keys) so a component's ConfigurationUpdate
// decodes straight off the wire without an intermediate type.
type Update struct {
	Reset []string       `json:"RESET,omitempty" yaml:"RESET,omitempty"`
	Merge map[string]any `json:"MERGE,omitempty" yaml:"MERGE,omitempty"`
}

// ValidatePointer reports whether ptr is a well-formed RFC 6901 JSON
// Pointer (or the empty string, meaning root). Exposed so callers that
// validate a document before staging it (the Deployment Engine's phase 1)
// can reject malformed RESET entries without reaching into parsePointer.
func ValidatePointer(ptr string) error {
	if ptr == "" {
		return nil
	}
	_, err := parsePointer(ptr)
	return err
}

// Batch is the operator's output: a forward batch of store updates to
// commit, and the inverse batch that undoes them if replayed in order.
type Batch struct {
	Forward []configstore.Update
	Inverse []configstore.Update
}

// Apply computes the batch that applies update to the component rooted at
// componentPath, given its recipe default configuration subtree
// defaultConfig. ts is the timestamp stamped on every emitted Update.
func Apply(store *configstore.Store, componentPath configstore.Path, defaultConfig map[string]any, update Update, ts int64) (Batch, error) {
	var b Batch

	if err := applyReset(store, componentPath, defaultConfig, update.Reset, ts, &b); err != nil {
		return Batch{}, err
	}
	if update.Merge != nil {
		mergeObject(store, componentPath, update.Merge, ts, &b)
	}
	return b, nil
}

func applyReset(store *configstore.Store, componentPath configstore.Path, defaultConfig map[string]any, resets []string, ts int64, b *Batch) error {
	for _, ptr := range resets {
		if ptr == "" {
			// Reset everything to the component's default configuration,
			// then stop processing further RESET entries.
			inv := captureSnapshot(store, componentPath, ts)
			b.Inverse = append(b.Inverse, inv...)
			b.Forward = append(b.Forward, setWholeSubtree(componentPath, defaultConfig, ts)...)
			return nil
		}

		rel, err := parsePointer(ptr)
		if err != nil {
			return err
		}
		target := componentPath.Clone()
		target = append(target, rel...)

		inv := captureSnapshot(store, target, ts)
		b.Inverse = append(b.Inverse, inv...)

		if defaultSubtree, ok := lookupPointer(defaultConfig, rel); ok {
			b.Forward = append(b.Forward, setWholeSubtree(target, defaultSubtree, ts)...)
		} else {
			b.Forward = append(b.Forward, configstore.Update{Path: target, Op: configstore.OpRemove, Timestamp: ts})
		}
	}
	return nil
}

// mergeObject recursively applies a MERGE object at path: for each key, if
// the key exists live as a container and the new value is also a map,
// recurse; otherwise the key's whole value (leaf, list, or nested map) is
// written wholesale via setWholeSubtree.
func mergeObject(store *configstore.Store, path configstore.Path, obj map[string]any, ts int64, b *Batch) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic emission order

	for _, key := range keys {
		newVal := obj[key]
		childPath := path.Child(key)
		view, exists := store.Lookup(childPath)
		newObj, newIsObject := newVal.(map[string]any)

		if exists && view.Container && newIsObject {
			mergeObject(store, childPath, newObj, ts, b)
			continue
		}

		inv := captureSnapshot(store, childPath, ts)
		b.Inverse = append(b.Inverse, inv...)
		b.Forward = append(b.Forward, setWholeSubtree(childPath, newVal, ts)...)
	}
}

// setWholeSubtree emits the ops that write value (and, if it is a
// map[string]any, every descendant) at path, replacing whatever was there.
// A nil value is written as an explicit null leaf.
func setWholeSubtree(path configstore.Path, value any, ts int64) []configstore.Update {
	if obj, ok := value.(map[string]any); ok {
		ops := []configstore.Update{{Path: path.Clone(), Op: configstore.OpSetContainer, Timestamp: ts}}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ops = append(ops, setWholeSubtree(path.Child(k), obj[k], ts)...)
		}
		return ops
	}
	return []configstore.Update{{Path: path.Clone(), Op: configstore.OpSetLeaf, Value: value, Timestamp: ts}}
}

// captureSnapshot returns the ops that would recreate path's current live
// state exactly, for use as the inverse of an upcoming wholesale replace or
// removal at path. A path that does not currently exist captures as a
// single remove (its own absence is what "restoring" it means).
func captureSnapshot(store *configstore.Store, path configstore.Path, ts int64) []configstore.Update {
	view, ok := store.Lookup(path)
	if !ok {
		return []configstore.Update{{Path: path.Clone(), Op: configstore.OpRemove, Timestamp: ts}}
	}
	if !view.Container {
		return []configstore.Update{{Path: path.Clone(), Op: configstore.OpSetLeaf, Value: view.Value, Timestamp: ts}}
	}
	ops := []configstore.Update{{Path: path.Clone(), Op: configstore.OpSetContainer, Timestamp: ts}}
	names := append([]string(nil), view.ChildNames...)
	sort.Strings(names)
	for _, name := range names {
		ops = append(ops, captureSnapshot(store, path.Child(name), ts)...)
	}
	return ops
}

// parsePointer parses an RFC 6901 JSON Pointer into configstore.Path
// segments, unescaping ~1 -> '/' and ~0 -> '~'. The empty string must be
// handled by the caller (it means "the root", not a one-segment path).
func parsePointer(ptr string) (configstore.Path, error) {
	if !strings.HasPrefix(ptr, "/") {
		return nil, errs.New(errs.MalformedConfig, fmt.Sprintf("invalid JSON pointer %q: must start with '/'", ptr))
	}
	rawSegments := strings.Split(ptr[1:], "/")
	out := make(configstore.Path, len(rawSegments))
	for i, seg := range rawSegments {
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")
		out[i] = seg
	}
	return out, nil
}

// lookupPointer resolves rel against root, which may be a nested
// map[string]any/[]any structure as decoded from YAML/JSON. Array index
// segments are accepted per RFC 6901 but recipes rarely nest them.
func lookupPointer(root map[string]any, rel configstore.Path) (any, bool) {
	var cur any = root
	for _, seg := range rel {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	if m, ok := cur.(map[string]any); ok {
		return m, true
	}
	return cur, true
}
