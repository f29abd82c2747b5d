package watch

import "github.com/listenupapp/watchbridge/internal/fsmeta"

// Kind identifies an event on the Stream.
type Kind int

const (
	// KindAdd is a file that appeared.
	KindAdd Kind = iota
	// KindChange is a file that was modified.
	KindChange
	// KindDelete is a file that is gone.
	KindDelete
	// KindReady is emitted once the first subscription is active.
	KindReady
	// KindEnd is emitted after a clean Close.
	KindEnd
	// KindError carries a failure message.
	KindError
	// KindAll receives every Add, Change and Delete event after its own handlers.
	KindAll
)

// String returns the event name used on the wire.
func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindChange:
		return "change"
	case KindDelete:
		return "delete"
	case KindReady:
		return "ready"
	case KindEnd:
		return "end"
	case KindError:
		return "error"
	case KindAll:
		return "all"
	default:
		return "unknown"
	}
}

// IsFile reports whether the kind describes a file change.
func (k Kind) IsFile() bool {
	return k == KindAdd || k == KindChange || k == KindDelete
}

// Event is a single item on the Stream. Path is absolute for file events.
// Metadata is set for Add and Change, Message for Error.
type Event struct {
	Metadata *fsmeta.Metadata `json:"metadata,omitempty"`
	Path     string           `json:"path,omitempty"`
	Message  string           `json:"message,omitempty"`
	Kind     Kind             `json:"-"`
}

func fileEvent(kind Kind, path string, m *fsmeta.Metadata) Event {
	return Event{Kind: kind, Path: path, Metadata: m}
}

func errorEvent(msg string) Event {
	return Event{Kind: KindError, Message: msg}
}
