package telemetry

import "time"

// EventType tags the kind of an event.
type EventType string

const (
	EventStartSession EventType = "StartSession"
	EventEndSession   EventType = "EndSession"
)

// Event is a single telemetry record. The identity fields stay empty until
// the event is tracked by a Recorder.
type Event struct {
	Type      EventType      `json:"event_type" yaml:"event_type"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	SessionID string         `json:"id_session" yaml:"id_session"`
	UserID    string         `json:"id_user" yaml:"id_user"`
	GameID    string         `json:"id_game" yaml:"id_game"`
	Fields    map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// NewEvent creates a custom event. fields must not be mutated once the event
// has been tracked.
func NewEvent(typ EventType, fields map[string]any) Event {
	return Event{Type: typ, Fields: fields}
}

// StartSession creates a session-start event. Tracking one starts a new game.
func StartSession() Event {
	return Event{Type: EventStartSession}
}

// EndSession creates a session-end event.
func EndSession() Event {
	return Event{Type: EventEndSession}
}
