// Package watchman talks to a watchman service over its JSON socket protocol.
//
// A Client owns at most one socket at a time. Commands are written in order
// and answered in order; PDUs the service pushes on its own (subscription
// results, logs) are routed to the attached watch.Listeners from the client's
// reader goroutine. The socket is dialed lazily by the first command, so a
// Client outlives any single connection.
package watchman

import (
	"context"
	"encoding/json/jsontext"
	"encoding/json/v2"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"slices"
	"sync"

	domainerrors "github.com/listenupapp/watchbridge/internal/errors"
	"github.com/listenupapp/watchbridge/internal/watch"
)

// DefaultBinary is the executable used when no binary path is configured.
const DefaultBinary = "watchman"

// SockEnv overrides socket discovery when set.
const SockEnv = "WATCHMAN_SOCK"

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSocketPath skips discovery and dials path directly.
func WithSocketPath(path string) ClientOption {
	return func(c *Client) {
		c.sockPath = path
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

type result struct {
	resp *Response
	err  error
}

// Client is a shareable connection to one watchman binary. It implements
// watch.Handle.
type Client struct {
	logger     *slog.Logger
	binaryPath string
	sockPath   string

	mu        sync.Mutex
	conn      net.Conn
	pending   []chan result
	listeners []watch.Listener
	shutdown  bool
	dials     int
}

// NewClient creates a client for binaryPath without connecting.
func NewClient(binaryPath string, opts ...ClientOption) *Client {
	if binaryPath == "" {
		binaryPath = DefaultBinary
	}
	c := &Client{
		binaryPath: binaryPath,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BinaryPath returns the binary this client resolves its socket with.
func (c *Client) BinaryPath() string {
	return c.binaryPath
}

// Listen implements watch.Handle.
func (c *Client) Listen(l watch.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Unlisten implements watch.Handle.
func (c *Client) Unlisten(l watch.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = slices.DeleteFunc(c.listeners, func(x watch.Listener) bool { return x == l })
}

// Subscribe implements watch.Handle. No command is sent until the
// subscription is verified.
func (c *Client) Subscribe(target watch.Target) (watch.Subscription, error) {
	if target.Path == "" {
		return nil, domainerrors.Validation("watch path is required")
	}
	return newSubscription(c, target), nil
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Dials returns how many sockets the client has opened.
func (c *Client) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Command sends one command and waits for its answer. An error PDU is
// returned as a protocol error.
func (c *Client) Command(ctx context.Context, args ...any) (*Response, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "encode command")
	}
	payload = append(payload, '\n')

	ch := make(chan result, 1)

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, domainerrors.Closed("watchman client is shut down")
	}
	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	conn := c.conn
	c.pending = append(c.pending, ch)
	_, werr := conn.Write(payload)
	c.mu.Unlock()

	if werr != nil {
		c.connLost(conn, werr)
		return nil, domainerrors.Wrap(werr, domainerrors.CodeTransport, "write command")
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dialLocked(ctx context.Context) error {
	path, err := c.socketPath(ctx)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return domainerrors.Wrapf(err, domainerrors.CodeTransport, "dial watchman socket %s", path)
	}

	c.conn = conn
	c.dials++
	c.logger.Debug("connected", "socket", path, "dials", c.dials)
	go c.readLoop(conn)
	return nil
}

// socketPath resolves the socket: explicit option, then $WATCHMAN_SOCK, then
// asking the binary.
func (c *Client) socketPath(ctx context.Context) (string, error) {
	if c.sockPath != "" {
		return c.sockPath, nil
	}
	if path := os.Getenv(SockEnv); path != "" {
		return path, nil
	}

	cmd := exec.CommandContext(ctx, c.binaryPath, "--output-encoding=json", "--no-pretty", "get-sockname")
	out, err := cmd.Output()
	if err != nil {
		return "", domainerrors.Wrapf(err, domainerrors.CodeTransport, "run %s get-sockname", c.binaryPath)
	}

	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", domainerrors.Wrap(err, domainerrors.CodeProtocol, "decode get-sockname output")
	}
	if resp.Error != "" {
		return "", domainerrors.Protocolf("get-sockname: %s", resp.Error)
	}
	if resp.Sockname == "" {
		return "", domainerrors.Protocol("get-sockname returned no socket")
	}
	return resp.Sockname, nil
}

func (c *Client) readLoop(conn net.Conn) {
	dec := jsontext.NewDecoder(conn)
	for {
		val, err := dec.ReadValue()
		if err != nil {
			if !isClosedErr(err) {
				var syntaxErr *jsontext.SyntaxError
				if errors.As(err, &syntaxErr) {
					c.transportError(domainerrors.Wrap(err, domainerrors.CodeProtocol, "decode pdu"))
				}
			}
			c.connLost(conn, err)
			return
		}

		var resp Response
		if err := json.Unmarshal(val, &resp); err != nil {
			c.transportError(domainerrors.Wrap(err, domainerrors.CodeProtocol, "decode pdu"))
			continue
		}
		c.dispatch(&resp)
	}
}

func (c *Client) dispatch(resp *Response) {
	if !resp.isUnilateral() {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			c.logger.Warn("response without pending command", "error", resp.Error)
			return
		}
		ch := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if resp.Error != "" {
			ch <- result{err: domainerrors.Protocol(resp.Error)}
			return
		}
		if resp.Warning != "" {
			c.logger.Warn("watchman warning", "warning", resp.Warning)
		}
		ch <- result{resp: resp}
		return
	}

	switch {
	case resp.Log != "":
		c.logger.Debug("watchman log", "log", resp.Log)
	case resp.Canceled:
		c.transportError(domainerrors.Protocolf("subscription %s canceled by watchman", resp.Subscription))
	case resp.StateEnter != "" || resp.StateLeave != "":
		c.logger.Debug("watchman state", "subscription", resp.Subscription,
			"enter", resp.StateEnter, "leave", resp.StateLeave)
	case resp.Subscription != "" && resp.FreshInstance:
		c.logger.Debug("skipping fresh instance listing", "subscription", resp.Subscription, "files", len(resp.Files))
	case resp.Subscription != "":
		n := watch.Notification{Subscription: resp.Subscription, Files: resp.Files}
		for _, l := range c.snapshotListeners() {
			l.OnNotification(n)
		}
	}
}

func (c *Client) transportError(err error) {
	c.logger.Warn("transport error", "error", err)
	for _, l := range c.snapshotListeners() {
		l.OnTransportError(err)
	}
}

// connLost tears down conn if it is still current, fails its pending
// commands and reports termination.
func (c *Client) connLost(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = nil
	listeners := append([]watch.Listener(nil), c.listeners...)
	c.mu.Unlock()

	_ = conn.Close()
	failPending(pending, domainerrors.Wrap(cause, domainerrors.CodeTransport, "watchman connection lost"))

	c.logger.Info("watchman connection terminated", "error", cause)
	for _, l := range listeners {
		l.OnTermination()
	}
}

// Close implements watch.Handle. It drops the current socket and reports
// termination to every listener, so other subscriptions sharing the client
// re-establish themselves. The next command dials again.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.connLost(conn, net.ErrClosed)
	return nil
}

// Shutdown closes the socket for good without reporting termination.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	failPending(pending, domainerrors.Closed("watchman client is shut down"))
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) snapshotListeners() []watch.Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]watch.Listener(nil), c.listeners...)
}

func failPending(pending []chan result, err error) {
	for _, ch := range pending {
		ch <- result{err: err}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
