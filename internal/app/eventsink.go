package app

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/giantswarm/nucleus/internal/events"
	"github.com/giantswarm/nucleus/internal/fsm"
	"github.com/giantswarm/nucleus/internal/ipc"
)

// lifecycleEventPayload is the CBOR body of every DestLifecycle EVENT frame
// broadcast to connected clients.
type lifecycleEventPayload struct {
	Reason  string `cbor:"reason"`
	Type    string `cbor:"type"`
	Message string `cbor:"message"`
}

// ipcEventSink delivers every rendered event through the shared logging
// package (like events.LogSink) and, in addition, broadcasts it as an IPC
// EVENT frame on DestLifecycle so any connected client watching dependency
// or restart activity sees it live.
type ipcEventSink struct {
	log    events.LogSink
	router *ipc.Router
}

func newIPCEventSink(router *ipc.Router) ipcEventSink {
	return ipcEventSink{log: events.LogSink{Subsystem: "events"}, router: router}
}

func (s ipcEventSink) Emit(reason events.EventReason, eventType events.EventType, message string) {
	s.log.Emit(reason, eventType, message)
	payload, err := cbor.Marshal(lifecycleEventPayload{
		Reason:  string(reason),
		Type:    string(eventType),
		Message: message,
	})
	if err != nil {
		return
	}
	s.router.Broadcast(ipc.DestLifecycle, payload)
}

// reasonForTransition maps a service FSM transition onto the event reason
// describing it, distinguishing a restart (ERRORED -> STARTING) from a
// first start.
func reasonForTransition(ev fsm.Event) events.EventReason {
	switch ev.NewState {
	case fsm.StateInstalled:
		return events.ReasonServiceInstalled
	case fsm.StateStarting:
		if ev.OldState == fsm.StateErrored {
			return events.ReasonServiceRestarting
		}
		return events.ReasonServiceStarting
	case fsm.StateRunning:
		return events.ReasonServiceRunning
	case fsm.StateStopping:
		return events.ReasonServiceStopping
	case fsm.StateFinished:
		return events.ReasonServiceFinished
	case fsm.StateBroken:
		return events.ReasonServiceBroken
	case fsm.StateErrored:
		return events.ReasonServiceErrored
	case fsm.StatePaused:
		return events.ReasonServicePaused
	default:
		return events.ReasonServiceStarting
	}
}

// eventDataForTransition builds the EventData a transition's reason
// template expects.
func eventDataForTransition(ev fsm.Event) events.EventData {
	data := events.EventData{
		ServiceName: ev.Service,
		OldState:    ev.OldState.String(),
		NewState:    ev.NewState.String(),
		Cause:       ev.Cause,
	}
	switch ev.NewState {
	case fsm.StateErrored, fsm.StateBroken:
		data.Error = ev.Cause
	}
	return data
}
