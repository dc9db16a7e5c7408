// Package configstore is the device's hierarchical, timestamped
// configuration tree: lookup/findOrCreate/setLeaf/remove, subscriptions
// (valueChanged, childAdded, childRemoved, initialized), validators,
// transactional batch commits, and an append-only transaction log
// supporting replay and live tail.
//
// A node is either a leaf (scalar or explicit null) or a container
// (insertion-ordered mapping); switching type destroys the old node and
// installs a fresh one at the same path, while subscriptions at that path
// survive the swap because they are keyed by path string rather than by
// node identity.
//
// Writes are last-writer-wins by a caller-supplied wall-clock timestamp,
// not by arrival order, so replicated or replayed writers converge on the
// same state regardless of delivery order.
package configstore
