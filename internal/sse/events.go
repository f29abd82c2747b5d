// Package sse implements Server-Sent Events for streaming watch events to HTTP clients.
package sse

import (
	"time"

	"github.com/listenupapp/watchbridge/internal/fsmeta"
	"github.com/listenupapp/watchbridge/internal/watch"
)

// EventType represents the type of SSE Event.
type EventType string

const (
	// EventFileAdded represents a file that appeared under the watched root.
	EventFileAdded EventType = "file.added"
	// EventFileChanged represents a modified file.
	EventFileChanged EventType = "file.changed"
	// EventFileDeleted represents a file that is gone.
	EventFileDeleted EventType = "file.deleted"

	// EventWatchReady is sent once the subscription is live.
	EventWatchReady EventType = "watch.ready"
	// EventWatchEnd is sent after a clean shutdown of the subscription.
	EventWatchEnd EventType = "watch.end"
	// EventWatchError carries an error message from the orchestrator.
	EventWatchError EventType = "watch.error"

	// EventHeartbeat represents a connection keepalive event.
	EventHeartbeat EventType = "heartbeat"
)

// Event represents an SSE event to be sent to clients.
// The Data field contains the event payload as a JSON object for direct deserialization.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"` // Event-specific data as JSON object
	Type      EventType `json:"type"`
}

// FileEventData is the payload for file events.
type FileEventData struct {
	Metadata *fsmeta.Metadata `json:"metadata,omitempty"`
	Path     string           `json:"path"`
}

// ErrorEventData is the payload for watch.error.
type ErrorEventData struct {
	Message string `json:"message"`
}

// HeartbeatEventData is the payload for heartbeat events.
type HeartbeatEventData struct {
	ServerTime time.Time `json:"server_time"`
}

// typeForKind maps stream kinds to wire event types. KindAll has no entry:
// the All twin of a file event is never forwarded.
var typeForKind = map[watch.Kind]EventType{
	watch.KindAdd:    EventFileAdded,
	watch.KindChange: EventFileChanged,
	watch.KindDelete: EventFileDeleted,
	watch.KindReady:  EventWatchReady,
	watch.KindEnd:    EventWatchEnd,
	watch.KindError:  EventWatchError,
}

// NewWatchEvent converts a stream event into an SSE event.
func NewWatchEvent(e watch.Event) (Event, bool) {
	typ, ok := typeForKind[e.Kind]
	if !ok {
		return Event{}, false
	}

	var data any
	switch {
	case e.Kind.IsFile():
		data = FileEventData{Path: e.Path, Metadata: e.Metadata}
	case e.Kind == watch.KindError:
		data = ErrorEventData{Message: e.Message}
	default:
		data = struct{}{}
	}

	return Event{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	}, true
}

// NewHeartbeatEvent creates a heartbeat event.
func NewHeartbeatEvent() Event {
	now := time.Now()
	return Event{
		Type:      EventHeartbeat,
		Timestamp: now,
		Data:      HeartbeatEventData{ServerTime: now},
	}
}
