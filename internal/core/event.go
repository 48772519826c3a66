package core

import (
	"fmt"
	"time"
)

// Origin describes where an event came from.
type Origin string

const (
	OriginLocal  Origin = "LOCAL"
	OriginRemote Origin = "REMOTE"
)

// Event is a single occurrence on the bus. Events are immutable once
// fired; listeners must never mutate Data.
type Event struct {
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    Origin         `json:"origin"`
	TimeFired time.Time      `json:"time_fired"`
	Context   Context        `json:"context"`
}

// newEvent starts an event; fillDefaults completes it once fire
// options have been applied.
func newEvent(eventType string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: eventType, Data: data}
}

// fillDefaults populates the fields no fire option supplied.
func (e *Event) fillDefaults() {
	if e.Origin == "" {
		e.Origin = OriginLocal
	}
	if e.TimeFired.IsZero() {
		e.TimeFired = time.Now().UTC()
	}
	if e.Context.IsZero() {
		e.Context = NewContextAt(e.TimeFired)
	}
}

func (e *Event) String() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("<Event %s[%c]: %d keys>", e.Type, e.Origin[0], len(e.Data))
	}
	return fmt.Sprintf("<Event %s[%c]>", e.Type, e.Origin[0])
}
