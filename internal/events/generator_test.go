package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	reason  EventReason
	typ     EventType
	message string
}

func (s *recordingSink) Emit(reason EventReason, eventType EventType, message string) {
	s.reason = reason
	s.typ = eventType
	s.message = message
}

func TestEmitRendersPlainFields(t *testing.T) {
	sink := &recordingSink{}
	g := NewGenerator(sink)
	g.Emit(ReasonServiceRunning, EventData{ServiceName: "app"})
	assert.Equal(t, "service app running", sink.message)
	assert.Equal(t, EventTypeNormal, sink.typ)
}

func TestEmitDropsEmptyConditionalClause(t *testing.T) {
	sink := &recordingSink{}
	g := NewGenerator(sink)
	g.Emit(ReasonServiceErrored, EventData{ServiceName: "app"})
	assert.Equal(t, "service app errored", sink.message)
	assert.Equal(t, EventTypeWarning, sink.typ)
}

func TestEmitKeepsConditionalClauseWhenFieldSet(t *testing.T) {
	sink := &recordingSink{}
	g := NewGenerator(sink)
	g.Emit(ReasonServiceErrored, EventData{ServiceName: "app", Error: "exit status 1"})
	assert.Equal(t, "service app errored: exit status 1", sink.message)
}

func TestEmitRendersDurationClause(t *testing.T) {
	sink := &recordingSink{}
	g := NewGenerator(sink)
	g.Emit(ReasonServiceRestarting, EventData{ServiceName: "app", AttemptCount: 2, Duration: 4 * time.Second})
	assert.Equal(t, "service app restarting (attempt 2) after 4s backoff", sink.message)
}

func TestEmitOmitsDurationClauseWhenZero(t *testing.T) {
	sink := &recordingSink{}
	g := NewGenerator(sink)
	g.Emit(ReasonServiceRestarting, EventData{ServiceName: "app", AttemptCount: 1})
	assert.Equal(t, "service app restarting (attempt 1)", sink.message)
}

func TestEmitUnknownReasonFallsBack(t *testing.T) {
	sink := &recordingSink{}
	g := NewGenerator(sink)
	g.Emit(EventReason("SomethingElse"), EventData{ServiceName: "app", DeploymentID: "d1"})
	assert.Contains(t, sink.message, "SomethingElse")
	assert.Contains(t, sink.message, "app")
	assert.Contains(t, sink.message, "d1")
}

func TestSetTemplateOverridesDefault(t *testing.T) {
	sink := &recordingSink{}
	g := NewGenerator(sink)
	g.SetTemplate(ReasonServiceRunning, "custom: {{.ServiceName}}")
	g.Emit(ReasonServiceRunning, EventData{ServiceName: "app"})
	assert.Equal(t, "custom: app", sink.message)
}

func TestNilSinkDefaultsToLogSink(t *testing.T) {
	g := NewGenerator(nil)
	assert.NotPanics(t, func() {
		g.Emit(ReasonServiceRunning, EventData{ServiceName: "app"})
	})
}
