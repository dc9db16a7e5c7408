// Package depcontext is the process-wide Dependency Context (C2): a
// generic, lazily-constructing singleton registry keyed by capability, with
// cycle detection on first resolution and reverse-construction-order
// teardown via io.Closer.
package depcontext
