package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/listenupapp/watchbridge/internal/fsmeta"
)

// fakeHandle is an in-memory Handle. Subscriptions it creates share its
// listeners, so tests can push signals the way a real connection would.
type fakeHandle struct {
	mu        sync.Mutex
	listeners []Listener
	subs      []*fakeSub
	closes    int

	subscribeErr error
	configure    func(s *fakeSub)
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{}
}

func (h *fakeHandle) Listen(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *fakeHandle) Unlisten(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = slices.DeleteFunc(h.listeners, func(x Listener) bool { return x == l })
}

func (h *fakeHandle) Subscribe(target Target) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribeErr != nil {
		return nil, h.subscribeErr
	}
	s := &fakeSub{
		handle: h,
		root:   target.Path,
		name:   fmt.Sprintf("sub-%d", len(h.subs)+1),
	}
	if h.configure != nil {
		h.configure(s)
	}
	h.subs = append(h.subs, s)
	return s, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *fakeHandle) setConfigure(fn func(s *fakeSub)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configure = fn
}

func (h *fakeHandle) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *fakeHandle) lastSub() *fakeSub {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return nil
	}
	return h.subs[len(h.subs)-1]
}

func (h *fakeHandle) snapshot() []Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Listener(nil), h.listeners...)
}

func (h *fakeHandle) terminate() {
	for _, l := range h.snapshot() {
		l.OnTermination()
	}
}

func (h *fakeHandle) transportError(err error) {
	for _, l := range h.snapshot() {
		l.OnTransportError(err)
	}
}

func (h *fakeHandle) notify(n Notification) {
	for _, l := range h.snapshot() {
		l.OnNotification(n)
	}
}

// fakeSub records the protocol calls made against it.
type fakeSub struct {
	handle *fakeHandle
	root   string
	rel    string
	name   string

	verifyErr      error
	registerErr    error
	activateErr    error
	unsubscribeErr error
	queryErr       error
	queryFiles     []FileRecord
	onVerify       func(s *fakeSub)
	onActivate     func(s *fakeSub)

	mu    sync.Mutex
	calls []string
}

func (s *fakeSub) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeSub) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSub) Verify(ctx context.Context) error {
	s.record("verify")
	if s.onVerify != nil {
		s.onVerify(s)
	}
	return s.verifyErr
}

func (s *fakeSub) RegisterWatch(ctx context.Context) error {
	s.record("register")
	return s.registerErr
}

func (s *fakeSub) Activate(ctx context.Context) error {
	s.record("activate")
	if s.activateErr != nil {
		return s.activateErr
	}
	if s.onActivate != nil {
		s.onActivate(s)
	}
	return nil
}

func (s *fakeSub) Unsubscribe(ctx context.Context) error {
	s.record("unsubscribe")
	return s.unsubscribeErr
}

func (s *fakeSub) RunQuery(ctx context.Context) ([]FileRecord, error) {
	s.record("query")
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return append([]FileRecord(nil), s.queryFiles...), nil
}

func (s *fakeSub) Root() string         { return s.root }
func (s *fakeSub) RelativePath() string { return s.rel }
func (s *fakeSub) Name() string         { return s.name }

// fakeConnector hands out the same handle on every call, like the registry.
type fakeConnector struct {
	mu     sync.Mutex
	handle *fakeHandle
	err    error
	calls  int
	paths  []string
}

func (c *fakeConnector) Connect(ctx context.Context, binaryPath string) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.paths = append(c.paths, binaryPath)
	if c.err != nil {
		return nil, c.err
	}
	return c.handle, nil
}

func (c *fakeConnector) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeLookup answers Lstat from a fixed table; unknown paths are found with
// an empty snapshot.
type fakeLookup struct {
	mu      sync.Mutex
	results map[string]fsmeta.Result
	calls   []string
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{results: make(map[string]fsmeta.Result)}
}

func (l *fakeLookup) set(path string, res fsmeta.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[filepath.Clean(path)] = res
}

func (l *fakeLookup) Lstat(_ context.Context, path string) fsmeta.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, path)
	if res, ok := l.results[path]; ok {
		return res
	}
	return fsmeta.Found(&fsmeta.Metadata{Size: int64(len(path))})
}

func (l *fakeLookup) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// recorder captures every event delivered by a stream as "kind path" or
// "error: message" lines.
type recorder struct {
	mu     sync.Mutex
	lines  []string
	events []Event
}

func record(s *Stream) *recorder {
	r := &recorder{}
	for _, kind := range []Kind{KindAdd, KindChange, KindDelete, KindReady, KindEnd, KindError, KindAll} {
		s.On(kind, func(e Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, e)
			switch {
			case kind == KindError:
				r.lines = append(r.lines, "error: "+e.Message)
			case e.Path != "":
				r.lines = append(r.lines, kind.String()+" "+e.Path)
			default:
				r.lines = append(r.lines, kind.String())
			}
		})
	}
	return r
}

func (r *recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count(line string) int {
	n := 0
	for _, l := range r.Lines() {
		if l == line {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, line string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.count(line) > 0
	}, time.Second, 5*time.Millisecond, "never saw %q, got %v", line, r.Lines())
}

func (r *recorder) waitForPrefix(t *testing.T, prefix string) string {
	t.Helper()
	var found string
	require.Eventually(t, func() bool {
		for _, l := range r.Lines() {
			if len(l) >= len(prefix) && l[:len(prefix)] == prefix {
				found = l
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "never saw prefix %q, got %v", prefix, r.Lines())
	return found
}
