package sse

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	domainerrors "github.com/listenupapp/watchbridge/internal/errors"
	"github.com/listenupapp/watchbridge/internal/id"
	"github.com/listenupapp/watchbridge/internal/watch"
)

// Client represents a connected SSE client.
type Client struct {
	ConnectedAt time.Time
	EventChan   chan Event
	Done        chan struct{}
	ID          string

	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Done) })
}

// Recorder receives client and drop counts, typically the metrics package.
type Recorder interface {
	SSEClientConnected()
	SSEClientDisconnected()
	SSEEventDropped()
}

type nopRecorder struct{}

func (nopRecorder) SSEClientConnected()    {}
func (nopRecorder) SSEClientDisconnected() {}
func (nopRecorder) SSEEventDropped()       {}

// Options configures a Manager.
type Options struct {
	Recorder          Recorder
	HeartbeatInterval time.Duration
	ClientBuffer      int
	QueueSize         int
}

func (o *Options) setDefaults() {
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ClientBuffer <= 0 {
		o.ClientBuffer = 100
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
}

// Manager manages SSE connections and broadcasts events.
type Manager struct {
	clients  *xsync.MapOf[string, *Client]
	events   chan Event
	logger   *slog.Logger
	recorder Recorder
	opts     Options
	wg       sync.WaitGroup

	// Shutdown state - protected by shutdownMu
	shutdownMu sync.RWMutex
	shutdown   bool
}

// NewManager creates a new SSE Manager.
func NewManager(logger *slog.Logger, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		clients:  xsync.NewMapOf[string, *Client](),
		events:   make(chan Event, opts.QueueSize),
		logger:   logger,
		recorder: opts.Recorder,
		opts:     opts,
	}
}

// Attach forwards every event of a watch stream to connected clients.
// File events are taken from their own kinds so that All twins are skipped.
func (m *Manager) Attach(s *watch.Stream) {
	for kind := range typeForKind {
		s.On(kind, func(e watch.Event) {
			if evt, ok := NewWatchEvent(e); ok {
				m.Emit(evt)
			}
		})
	}
}

// Start begins the event broadcasting loop.
// This should be called once at server startup in a goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	m.logger.Info("SSE manager starting")

	heartbeatTicker := time.NewTicker(m.opts.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case event, ok := <-m.events:
			if !ok {
				m.closeAllClients()
				return
			}
			m.broadcast(event)

		case <-heartbeatTicker.C:
			m.broadcast(NewHeartbeatEvent())

		case <-ctx.Done():
			m.logger.Info("SSE manager stopping")
			m.closeAllClients()
			return
		}
	}
}

// Shutdown stops accepting new events, lets the broadcast loop drain what is
// queued, and closes all clients.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("SSE manager shutdown initiated")

	// Mark as shutdown AND close channel atomically while holding lock.
	// This prevents race with Emit() which holds read lock during send.
	m.shutdownMu.Lock()
	if m.shutdown {
		m.shutdownMu.Unlock()
		return nil
	}
	m.shutdown = true
	close(m.events)
	m.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("SSE manager shutdown complete")
	case <-ctx.Done():
		m.logger.Warn("SSE event drain timeout, some events may be lost")
		m.closeAllClients()
		return ctx.Err()
	}
	return nil
}

// broadcast sends an event to every connected client.
func (m *Manager) broadcast(event Event) {
	var delivered, dropped int

	m.clients.Range(func(_ string, client *Client) bool {
		// Non-blocking send (drop if client is slow/stuck).
		select {
		case client.EventChan <- event:
			delivered++
		default:
			dropped++
			m.recorder.SSEEventDropped()
			m.logger.Warn("dropped event for slow client",
				slog.String("client_id", client.ID),
				slog.String("event_type", string(event.Type)))
		}
		return true
	})

	if event.Type != EventHeartbeat {
		m.logger.Debug("event broadcast",
			slog.String("event_type", string(event.Type)),
			slog.Group("stats",
				slog.Int("delivered", delivered),
				slog.Int("dropped", dropped)))
	}
}

// Connect registers a new SSE client and returns the client object.
// It fails with a Closed error once Shutdown has begun.
func (m *Manager) Connect() (*Client, error) {
	m.shutdownMu.RLock()
	closed := m.shutdown
	m.shutdownMu.RUnlock()
	if closed {
		return nil, domainerrors.Closed("event stream is shutting down")
	}

	clientID, err := id.Short("sse")
	if err != nil {
		return nil, err
	}

	client := &Client{
		ID:          clientID,
		EventChan:   make(chan Event, m.opts.ClientBuffer),
		Done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}

	m.clients.Store(client.ID, client)
	m.recorder.SSEClientConnected()

	m.logger.Info("SSE client connected",
		slog.String("client_id", clientID),
		slog.Int("total_clients", m.clients.Size()))
	return client, nil
}

// Disconnect removes a client and closes its Done channel. EventChan stays
// open so a concurrent broadcast never sends on a closed channel.
func (m *Manager) Disconnect(clientID string) {
	client, ok := m.clients.LoadAndDelete(clientID)
	if !ok {
		return
	}
	client.close()
	m.recorder.SSEClientDisconnected()

	m.logger.Info("SSE client disconnected",
		slog.String("client_id", clientID),
		slog.Duration("duration", time.Since(client.ConnectedAt)),
		slog.Int("total_clients", m.clients.Size()))
}

// Emit queues an event for broadcasting to clients. It never blocks; a full
// queue drops the event.
func (m *Manager) Emit(event Event) {
	// Hold read lock through the entire send operation.
	// This prevents race with Shutdown() which holds write lock when closing channel.
	m.shutdownMu.RLock()
	defer m.shutdownMu.RUnlock()

	if m.shutdown {
		return
	}

	select {
	case m.events <- event:
	default:
		m.recorder.SSEEventDropped()
		m.logger.Error("SSE event channel full, dropping event",
			slog.String("event_type", string(event.Type)))
	}
}

// Clients returns an iterator over all connected clients.
func (m *Manager) Clients() iter.Seq[*Client] {
	return func(yield func(*Client) bool) {
		m.clients.Range(func(_ string, client *Client) bool {
			return yield(client)
		})
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	return m.clients.Size()
}

// closeAllClients closes all client connections (used during shutdown).
func (m *Manager) closeAllClients() {
	m.clients.Range(func(clientID string, client *Client) bool {
		if _, ok := m.clients.LoadAndDelete(clientID); ok {
			client.close()
			m.recorder.SSEClientDisconnected()
		}
		return true
	})

	m.logger.Info("all SSE clients disconnected")
}
