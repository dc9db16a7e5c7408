package events

import (
	"github.com/giantswarm/nucleus/pkg/logging"
)

// Sink receives a rendered event. The running daemon wires a Sink that both
// logs the message and broadcasts every event as an IPC EVENT frame to all
// connected principals (internal/ipc.Router.Broadcast); tests can use a
// simple slice-collecting Sink instead.
type Sink interface {
	Emit(reason EventReason, eventType EventType, message string)
}

// LogSink emits every event through the shared logging package, Warning
// severity for EventTypeWarning and Debug otherwise. It is the default Sink
// a Generator uses if none is supplied, matching the teacher's filesystem
// fallback mode when no CRD/event backend is configured.
type LogSink struct{ Subsystem string }

func (s LogSink) Emit(reason EventReason, eventType EventType, message string) {
	subsystem := s.Subsystem
	if subsystem == "" {
		subsystem = "events"
	}
	if eventType == EventTypeWarning {
		logging.Warn(subsystem, "%s: %s", reason, message)
		return
	}
	logging.Debug(subsystem, "%s: %s", reason, message)
}

// Generator renders a reason+data pair into a message and delivers it to a
// Sink. It owns no state about which services or deployments exist; every
// call site supplies the EventData it already has.
type Generator struct {
	sink      Sink
	templates *MessageTemplateEngine
}

// NewGenerator builds a Generator delivering to sink. A nil sink defaults
// to LogSink{}.
func NewGenerator(sink Sink) *Generator {
	if sink == nil {
		sink = LogSink{}
	}
	return &Generator{sink: sink, templates: NewMessageTemplateEngine()}
}

// Emit renders reason against data and delivers it to the Sink, inferring
// Normal/Warning severity from the reason's category.
func (g *Generator) Emit(reason EventReason, data EventData) {
	message := g.templates.Render(reason, data)
	g.sink.Emit(reason, severityOf(reason), message)
}

// SetTemplate allows a caller to customize the message template for one
// reason code (used in tests and to localize operator-facing text).
func (g *Generator) SetTemplate(reason EventReason, tmpl string) {
	g.templates.SetTemplate(reason, tmpl)
}

func severityOf(reason EventReason) EventType {
	switch reason {
	case ReasonServiceErrored, ReasonServiceBroken, ReasonDeploymentFailed,
		ReasonDeploymentRolledBack, ReasonConfigValidationReject,
		ReasonAuthFailed, ReasonAuthzDenied:
		return EventTypeWarning
	default:
		return EventTypeNormal
	}
}
