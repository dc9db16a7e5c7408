// Package events renders human-readable messages for the runtime's
// lifecycle reason codes: service FSM transitions (C3/C4) and deployment
// phase/status changes (C6). It owns the reason vocabulary and message
// templates only; delivery is the caller's job (structured logging, an IPC
// EVENT frame push, or both) via the Sink interface.
//
// Grounded on the teacher's internal/events package: the EventReason +
// EventType + MessageTemplateEngine shape (a reason code maps to a
// {{.Field}}-style template rendered by hand-rolled string substitution,
// not text/template) is kept, generalized from Kubernetes CRD event reasons
// (MCPServerCreated, WorkflowExecutionFailed, ...) to this runtime's own
// reason vocabulary, and decoupled from the teacher's client.MusterClient
// Kubernetes/filesystem event sink in favor of the generic Sink interface
// below.
package events
