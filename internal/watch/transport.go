// Package watch turns raw change notifications from a watch service into a
// single ordered stream of add, change and delete events.
//
// The Orchestrator owns one Handle and Subscription pair at a time. It drives
// the connect, verify, register and activate sequence, re-runs it when the
// service drops the connection, and classifies every notification record
// through a fsmeta.Lookup before publishing it on the Stream.
package watch

import "context"

// Query is an opaque filter expression passed verbatim to the watch service.
type Query map[string]any

// Options tunes a single watch.
type Options struct {
	// BinaryPath overrides the watch service executable used to locate its socket.
	BinaryPath string
	// ReportExistingFiles replays the current tree as Add events before Ready.
	ReportExistingFiles bool
}

// Target is what an Orchestrator watches. It does not change after Start.
type Target struct {
	Query   Query
	Path    string
	Options Options
}

// FileRecord is one entry of a raw notification. Name is relative to the
// subscription's root joined with its relative path.
type FileRecord struct {
	Name   string `json:"name"`
	Exists bool   `json:"exists"`
	New    bool   `json:"new"`
}

// Notification is a batch of file records addressed to a subscription name.
type Notification struct {
	Subscription string       `json:"subscription"`
	Files        []FileRecord `json:"files"`
}

// Listener receives lifecycle signals from a Handle. Implementations of Handle
// invoke the methods serially, in the order the signals arrive.
type Listener interface {
	// OnTermination reports that the connection to the service is gone.
	OnTermination()
	// OnTransportError reports a failure that did not end the connection.
	OnTransportError(err error)
	// OnNotification delivers a batch of changes.
	OnNotification(n Notification)
}

// Handle is a connection to the watch service. A Handle may be shared by
// several Orchestrators.
type Handle interface {
	// Listen attaches l until it is removed with Unlisten.
	Listen(l Listener)
	// Unlisten detaches l. Signals already being delivered may still reach it.
	Unlisten(l Listener)
	// Subscribe builds a subscription for target without talking to the service.
	Subscribe(target Target) (Subscription, error)
	// Close drops the handle's connection.
	Close() error
}

// Subscription is one watch and query registration bound to a Handle. It is
// only valid while the connection it was created on is alive.
type Subscription interface {
	Verify(ctx context.Context) error
	RegisterWatch(ctx context.Context) error
	Activate(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
	// RunQuery evaluates the query once against the current tree.
	RunQuery(ctx context.Context) ([]FileRecord, error)

	// Root is the absolute root as resolved by the service.
	Root() string
	// RelativePath locates the requested directory below Root.
	RelativePath() string
	// Name identifies notifications addressed to this subscription.
	Name() string
}

// Connector acquires Handles, typically from a registry keyed by binary path.
type Connector interface {
	Connect(ctx context.Context, binaryPath string) (Handle, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, binaryPath string) (Handle, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, binaryPath string) (Handle, error) {
	return f(ctx, binaryPath)
}
