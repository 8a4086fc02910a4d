package push

import (
	"errors"
	"strings"

	"github.com/franksops/autorec/ui"
)

// EventKind classifies an Event.
type EventKind int

const (
	EventQueued EventKind = iota
	EventStarted
	EventRetry
	EventDone
	EventFailed
	EventAbandoned
)

// Event reports progress of one fan-out unit.
type Event struct {
	Kind    EventKind
	Label   string
	Dest    Destination
	Attempt int
	Pushed  int
	Err     error
}

// Observer receives fan-out events. It is called from unit goroutines and
// must not block.
type Observer interface {
	PushEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) PushEvent(e Event) { f(e) }

// ViewObserver forwards events to a fan-out status view.
func ViewObserver(v *ui.FanoutView) Observer {
	return ObserverFunc(func(e Event) {
		msg := ui.UnitMsg{Label: e.Label, Attempts: e.Attempt, Files: e.Pushed}
		switch e.Kind {
		case EventQueued:
			msg.State = ui.UnitQueued
		case EventStarted:
			msg.State = ui.UnitRunning
		case EventRetry:
			msg.State = ui.UnitRetrying
		case EventDone:
			msg.State = ui.UnitDone
		case EventFailed:
			msg.State = ui.UnitFailed
		case EventAbandoned:
			msg.State = ui.UnitAbandoned
		}
		if e.Err != nil {
			msg.Detail = detail(e.Err)
		}
		v.Send(msg)
	})
}

// detail returns a one-line summary of err.
func detail(err error) string {
	var pe *PushError
	if errors.As(err, &pe) {
		return pe.Msg
	}
	line, _, _ := strings.Cut(err.Error(), "\n")
	return line
}
