package events

import (
	"fmt"
	"strings"
)

// MessageTemplateEngine renders a reason code plus EventData into a
// human-readable message. Templates use {{.Field}} placeholders and
// {{if .Field}}...{{end}} conditional blocks resolved by direct string
// substitution, the same simplified template system as the teacher's
// engine (no text/template dependency — every template here is flat
// substitution plus "omit this clause if the field is empty").
type MessageTemplateEngine struct {
	templates map[EventReason]string
}

func NewMessageTemplateEngine() *MessageTemplateEngine {
	e := &MessageTemplateEngine{templates: make(map[EventReason]string)}
	e.loadDefaultTemplates()
	return e
}

func (e *MessageTemplateEngine) loadDefaultTemplates() {
	e.templates[ReasonServiceInstalled] = "service {{.ServiceName}} installed"
	e.templates[ReasonServiceStarting] = "service {{.ServiceName}} starting"
	e.templates[ReasonServiceRunning] = "service {{.ServiceName}} running"
	e.templates[ReasonServiceStopping] = "service {{.ServiceName}} stopping{{if .Cause}} ({{.Cause}}){{end}}"
	e.templates[ReasonServiceFinished] = "service {{.ServiceName}} finished"
	e.templates[ReasonServiceErrored] = "service {{.ServiceName}} errored{{if .Error}}: {{.Error}}{{end}}"
	e.templates[ReasonServiceBroken] = "service {{.ServiceName}} broken after {{.AttemptCount}} restart attempts{{if .Error}}: {{.Error}}{{end}}"
	e.templates[ReasonServiceRestarting] = "service {{.ServiceName}} restarting (attempt {{.AttemptCount}}){{if .Duration}} after {{.Duration}} backoff{{end}}"
	e.templates[ReasonServicePaused] = "service {{.ServiceName}} paused"

	e.templates[ReasonDeploymentQueued] = "deployment {{.DeploymentID}} queued"
	e.templates[ReasonDeploymentActivated] = "deployment {{.DeploymentID}} activated"
	e.templates[ReasonDeploymentSucceeded] = "deployment {{.DeploymentID}} succeeded"
	e.templates[ReasonDeploymentFailed] = "deployment {{.DeploymentID}} failed{{if .Error}}: {{.Error}}{{end}}"
	e.templates[ReasonDeploymentRolledBack] = "deployment {{.DeploymentID}} rolled back{{if .Error}}: {{.Error}}{{end}}"
	e.templates[ReasonDeploymentCanceled] = "deployment {{.DeploymentID}} canceled"
	e.templates[ReasonConfigValidationReject] = "service {{.ServiceName}} rejected configuration for deployment {{.DeploymentID}}{{if .Error}}: {{.Error}}{{end}}"

	e.templates[ReasonAuthFailed] = "IPC authentication failed{{if .Cause}}: {{.Cause}}{{end}}"
	e.templates[ReasonAuthzDenied] = "principal {{.ServiceName}} denied access{{if .Cause}}: {{.Cause}}{{end}}"
}

// Render produces the message for reason given data. An unknown reason
// falls back to a generic rendering rather than panicking, since a new
// reason added without a matching template should still produce something
// usable.
func (e *MessageTemplateEngine) Render(reason EventReason, data EventData) string {
	tmpl, ok := e.templates[reason]
	if !ok {
		return fmt.Sprintf("event %s: service=%s deployment=%s", reason, data.ServiceName, data.DeploymentID)
	}
	return e.renderTemplate(tmpl, data)
}

// SetTemplate overrides (or adds) the template for reason.
func (e *MessageTemplateEngine) SetTemplate(reason EventReason, tmpl string) {
	e.templates[reason] = tmpl
}

// GetTemplate returns the template currently registered for reason.
func (e *MessageTemplateEngine) GetTemplate(reason EventReason) (string, bool) {
	tmpl, ok := e.templates[reason]
	return tmpl, ok
}

func (e *MessageTemplateEngine) renderTemplate(tmpl string, data EventData) string {
	result := tmpl
	result = strings.ReplaceAll(result, "{{.ServiceName}}", data.ServiceName)
	result = strings.ReplaceAll(result, "{{.DeploymentID}}", data.DeploymentID)
	result = strings.ReplaceAll(result, "{{.OldState}}", data.OldState)
	result = strings.ReplaceAll(result, "{{.NewState}}", data.NewState)
	result = strings.ReplaceAll(result, "{{.Cause}}", data.Cause)
	result = strings.ReplaceAll(result, "{{.Error}}", data.Error)
	result = strings.ReplaceAll(result, "{{.AttemptCount}}", fmt.Sprintf("%d", data.AttemptCount))
	if data.Duration > 0 {
		result = strings.ReplaceAll(result, "{{.Duration}}", data.Duration.String())
	}

	return e.renderConditionals(result, data)
}

// renderConditionals handles {{if .Field}}content{{end}} blocks: the
// clause's content is kept (markers stripped) when the field was non-empty,
// dropped entirely otherwise.
func (e *MessageTemplateEngine) renderConditionals(tmpl string, data EventData) string {
	result := tmpl
	result = e.renderConditional(result, "{{if .Cause}}", "{{end}}", data.Cause != "")
	result = e.renderConditional(result, "{{if .Error}}", "{{end}}", data.Error != "")
	result = e.renderConditional(result, "{{if .Duration}}", "{{end}}", data.Duration > 0)
	return result
}

func (e *MessageTemplateEngine) renderConditional(tmpl, startMarker, endMarker string, condition bool) string {
	startIndex := strings.Index(tmpl, startMarker)
	if startIndex == -1 {
		return tmpl
	}
	endIndex := strings.Index(tmpl[startIndex:], endMarker)
	if endIndex == -1 {
		return tmpl
	}
	endIndex += startIndex

	before := tmpl[:startIndex]
	after := tmpl[endIndex+len(endMarker):]
	if condition {
		content := tmpl[startIndex+len(startMarker) : endIndex]
		return before + content + after
	}
	return before + after
}
