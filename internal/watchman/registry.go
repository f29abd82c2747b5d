package watchman

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	domainerrors "github.com/listenupapp/watchbridge/internal/errors"
	"github.com/listenupapp/watchbridge/internal/watch"
)

// Registry shares one Client per binary path across the process. Clients are
// created on first request and live until Shutdown. It implements
// watch.Connector.
type Registry struct {
	clients *xsync.MapOf[string, *Client]
	logger  *slog.Logger
	opts    []ClientOption
	closed  atomic.Bool
}

// NewRegistry creates an empty registry. opts are applied to every client it
// creates.
func NewRegistry(logger *slog.Logger, opts ...ClientOption) *Registry {
	return &Registry{
		clients: xsync.NewMapOf[string, *Client](),
		logger:  logger,
		opts:    append([]ClientOption{WithLogger(logger)}, opts...),
	}
}

// Connect implements watch.Connector. It never dials; the client connects on
// its first command.
func (r *Registry) Connect(_ context.Context, binaryPath string) (watch.Handle, error) {
	c, err := r.Client(binaryPath)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Client returns the shared client for binaryPath, creating it if needed.
func (r *Registry) Client(binaryPath string) (*Client, error) {
	if r.closed.Load() {
		return nil, domainerrors.Closed("watchman registry is shut down")
	}
	if binaryPath == "" {
		binaryPath = DefaultBinary
	}

	c, loaded := r.clients.LoadOrCompute(binaryPath, func() *Client {
		return NewClient(binaryPath, r.opts...)
	})
	if !loaded {
		r.logger.Debug("created watchman client", "binary", binaryPath)
	}
	return c, nil
}

// Len returns the number of clients.
func (r *Registry) Len() int {
	return r.clients.Size()
}

// Shutdown closes every client. Later Connect calls fail.
func (r *Registry) Shutdown() error {
	r.closed.Store(true)

	var errs []error
	r.clients.Range(func(key string, c *Client) bool {
		if err := c.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		r.clients.Delete(key)
		return true
	})
	return domainerrors.Join(errs...)
}
