// Package app wires the eight core components (Configuration Store,
// Dependency Context, Service FSM, Supervisor, Recipe & Graph Resolver,
// Deployment Engine, Config Mutation Operator, IPC Router) into a single
// running daemon, and owns the process-lifecycle concerns none of those
// components know about: on-disk layout, startup config/log replay,
// per-service credential issuance, and signal-driven shutdown.
//
// Grounded on the two-phase Config -> NewApplication -> Run shape of
// bootstrap.go/modes.go's runOrchestrator (construct everything, then block
// on an interrupt signal and shut down in reverse order), generalized from
// an MCP aggregator + service registry to this runtime's component set.
// Every long-lived component is registered with internal/depcontext so
// construction order and teardown order are explicit and reversed, the way
// internal/api's RegisterX/GetX singletons used to be threaded through by
// hand.
package app
