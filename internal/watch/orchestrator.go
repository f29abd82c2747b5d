package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	domainerrors "github.com/listenupapp/watchbridge/internal/errors"
	"github.com/listenupapp/watchbridge/internal/fsmeta"
)

// State is the connection state of an Orchestrator.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateReconnecting
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Pacer delays reconnect attempts for a key. ratelimit.KeyedRateLimiter
// satisfies it.
type Pacer interface {
	Wait(ctx context.Context, key string) error
}

// Observer is told about state transitions and reconnect outcomes.
type Observer interface {
	StateChanged(from, to State)
	Reconnected(err error)
}

// Stats is a snapshot of an Orchestrator's counters.
type Stats struct {
	State      State
	Events     int64
	Errors     int64
	Reconnects int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithLookup replaces the host filesystem lookup used by the classifier.
func WithLookup(lookup fsmeta.Lookup) Option {
	return func(o *Orchestrator) {
		o.classifier = NewClassifier(lookup)
	}
}

// WithPacer paces reconnect attempts, keyed by the watched path.
func WithPacer(p Pacer) Option {
	return func(o *Orchestrator) {
		o.pacer = p
	}
}

// WithObserver registers an observer for state changes and reconnects.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// Orchestrator keeps one subscription alive against a watch service and
// republishes its notifications on a Stream.
//
// The listener is attached once per Handle. It reads the current handle and
// subscription from fields guarded by mu, so a reconnect only swaps those
// fields and never registers a second listener on a handle it already holds.
// The listener is detached when its handle is closed or replaced.
type Orchestrator struct {
	connector  Connector
	classifier *Classifier
	pacer      Pacer
	observer   Observer
	logger     *slog.Logger
	stream     *Stream
	listener   *listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                        sync.Mutex
	target                    Target
	handle                    Handle
	sub                       Subscription
	bound                     Handle // handle the listener is attached to
	state                     State
	reconnecting              bool
	terminatedEarly           bool
	terminatedDuringReconnect bool

	events     atomic.Int64
	errors     atomic.Int64
	reconnects atomic.Int64
}

// New creates an Orchestrator that acquires handles from connector.
func New(connector Connector, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		connector:  connector,
		classifier: NewClassifier(fsmeta.OS{}),
		logger:     slog.New(slog.DiscardHandler),
		stream:     newStream(),
	}
	o.listener = &listener{o: o}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins the setup sequence in the background and returns the stream
// immediately. Setup failures are reported as Error events and return the
// orchestrator to Idle; setup is not retried unless Start is called again.
// Calling Start on a running orchestrator returns the same stream.
func (o *Orchestrator) Start(ctx context.Context, target Target) *Stream {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return o.stream
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.target = target
	o.ctx, o.cancel = context.WithCancel(ctx)
	runCtx := o.ctx
	from := o.transitionLocked(StateConnecting)
	o.wg.Add(1)
	o.mu.Unlock()

	o.notifyState(from, StateConnecting)
	go o.setup(runCtx)

	return o.stream
}

// Stream returns the event stream.
func (o *Orchestrator) Stream() *Stream {
	return o.stream
}

// State returns the current connection state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Target returns the watched target.
func (o *Orchestrator) Target() Target {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.target
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		State:      o.State(),
		Events:     o.events.Load(),
		Errors:     o.errors.Load(),
		Reconnects: o.reconnects.Load(),
	}
}

// Close unsubscribes the active subscription and stops the stream. It
// returns nil when there is nothing to unsubscribe. An End event is emitted
// only when the unsubscribe succeeds; either way no events follow Close.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return nil
	}
	from := o.transitionLocked(StateClosed)
	cancel := o.cancel
	o.mu.Unlock()

	o.notifyState(from, StateClosed)
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	sub := o.sub
	o.sub = nil
	o.handle = nil
	o.mu.Unlock()
	o.unbind()

	if sub != nil {
		if err := sub.Unsubscribe(ctx); err != nil {
			o.logger.Warn("unsubscribe failed", "subscription", sub.Name(), "error", err)
			o.stream.shut()
			return domainerrors.Wrapf(err, domainerrors.CodeTransport, "unsubscribe %s", sub.Name())
		}
		o.logger.Info("unsubscribed", "subscription", sub.Name())
	}

	o.stream.emit(Event{Kind: KindEnd})
	o.stream.shut()
	return nil
}

func (o *Orchestrator) setup(ctx context.Context) {
	defer o.wg.Done()

	target := o.Target()
	log := o.logger.With("path", target.Path)
	log.Debug("starting watch")

	sub, err := o.establish(ctx)
	if err != nil {
		o.setupFailed(err)
		return
	}

	if target.Options.ReportExistingFiles {
		if err := o.replay(ctx, sub); err != nil {
			o.teardown(sub)
			o.setupFailed(domainerrors.Wrap(err, domainerrors.CodeTransport, "initial query"))
			return
		}
	}

	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	from := o.transitionLocked(StateActive)
	terminated := o.terminatedEarly
	o.terminatedEarly = false
	o.mu.Unlock()

	o.notifyState(from, StateActive)
	log.Info("watch ready", "root", sub.Root(), "relative_path", sub.RelativePath(), "subscription", sub.Name())
	o.emit(Event{Kind: KindReady})

	if terminated {
		o.handleTermination()
	}
}

func (o *Orchestrator) setupFailed(err error) {
	o.fail("watch setup failed", err)
	o.unbind()

	o.mu.Lock()
	o.terminatedEarly = false
	from := o.transitionLocked(StateIdle)
	o.mu.Unlock()
	o.notifyState(from, StateIdle)
}

// establish runs connect, subscribe, listen, verify, register and activate.
// On failure the acquired handle is closed and the current fields are cleared.
func (o *Orchestrator) establish(ctx context.Context) (Subscription, error) {
	target := o.Target()

	h, err := o.connector.Connect(ctx, target.Options.BinaryPath)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeTransport, "connect")
	}

	sub, err := h.Subscribe(target)
	if err != nil {
		o.closeHandle(h)
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	o.mu.Lock()
	o.handle = h
	o.sub = sub
	prev := o.bound
	attached := prev == h
	o.bound = h
	o.mu.Unlock()

	// The listener goes on before the first protocol call so nothing sent
	// during activation is missed.
	if !attached {
		if prev != nil {
			prev.Unlisten(o.listener)
		}
		h.Listen(o.listener)
	}

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"verify", sub.Verify},
		{"register watch", sub.RegisterWatch},
		{"activate", sub.Activate},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			o.teardown(sub)
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	return sub, nil
}

// teardown forgets sub if it is still current and closes its handle. The
// listener stays attached so a later termination still starts a reconnect.
func (o *Orchestrator) teardown(sub Subscription) {
	o.mu.Lock()
	h := o.handle
	if o.sub == sub {
		o.sub = nil
		o.handle = nil
	}
	o.mu.Unlock()

	if h != nil {
		o.closeHandle(h)
	}
}

// unbind detaches the listener from the handle it is attached to.
func (o *Orchestrator) unbind() {
	o.mu.Lock()
	h := o.bound
	o.bound = nil
	o.mu.Unlock()

	if h != nil {
		h.Unlisten(o.listener)
	}
}

func (o *Orchestrator) closeHandle(h Handle) {
	if err := h.Close(); err != nil {
		o.logger.Warn("failed to close handle", "error", err)
	}
}

// replay reports the current tree through the classifier as new files.
func (o *Orchestrator) replay(ctx context.Context, sub Subscription) error {
	files, err := sub.RunQuery(ctx)
	if err != nil {
		return err
	}
	for i := range files {
		files[i].New = true
	}
	o.classify(ctx, sub, files)
	return nil
}

func (o *Orchestrator) classify(ctx context.Context, sub Subscription, files []FileRecord) {
	root, rel := sub.Root(), sub.RelativePath()
	for _, rec := range files {
		ev, ok := o.classifier.Classify(ctx, root, rel, rec)
		if ctx.Err() != nil {
			// Close cut the lookup short.
			return
		}
		if !ok {
			o.logger.Debug("file vanished before lookup", "name", rec.Name)
			continue
		}
		o.emit(ev)
	}
}

func (o *Orchestrator) handleNotification(n Notification) {
	o.mu.Lock()
	sub := o.sub
	ctx := o.ctx
	o.mu.Unlock()

	if sub == nil || n.Subscription != sub.Name() {
		return
	}
	o.classify(ctx, sub, n.Files)
}

func (o *Orchestrator) handleTransportError(err error) {
	o.logger.Warn("transport error", "error", err)
	o.emit(errorEvent(err.Error()))
}

// handleTermination moves an established watch to Reconnecting and starts a
// new attempt. A termination seen while the first setup or a reconnect is
// still running is replayed once that attempt finishes.
func (o *Orchestrator) handleTermination() {
	o.mu.Lock()
	if o.state == StateConnecting {
		o.terminatedEarly = true
		o.mu.Unlock()
		return
	}
	if o.reconnecting {
		o.terminatedDuringReconnect = true
		o.mu.Unlock()
		return
	}
	if o.state != StateActive && o.state != StateReconnecting {
		o.mu.Unlock()
		return
	}
	o.reconnecting = true
	o.sub = nil
	o.handle = nil
	from := o.transitionLocked(StateReconnecting)
	o.wg.Add(1)
	o.mu.Unlock()

	o.notifyState(from, StateReconnecting)
	o.logger.Warn("watch service connection terminated, reconnecting")
	go o.reconnect(o.ctx)
}

func (o *Orchestrator) reconnect(ctx context.Context) {
	defer o.wg.Done()

	target := o.Target()
	if o.pacer != nil {
		if err := o.pacer.Wait(ctx, target.Path); err != nil {
			o.mu.Lock()
			o.finishReconnectLocked()
			o.mu.Unlock()
			return
		}
	}

	sub, err := o.establish(ctx)
	if o.observer != nil {
		o.observer.Reconnected(err)
	}
	if err != nil {
		o.fail("reconnect failed", err)
		o.mu.Lock()
		again := o.finishReconnectLocked()
		o.mu.Unlock()
		if again {
			o.handleTermination()
		}
		return
	}

	o.reconnects.Add(1)
	o.mu.Lock()
	again := o.finishReconnectLocked()
	if o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	from := o.transitionLocked(StateActive)
	o.mu.Unlock()

	o.notifyState(from, StateActive)
	o.logger.Info("watch reconnected", "root", sub.Root(), "subscription", sub.Name())
	if again {
		o.handleTermination()
	}
}

// finishReconnectLocked ends the running attempt and reports whether a
// termination arrived during it. The caller holds mu.
func (o *Orchestrator) finishReconnectLocked() bool {
	o.reconnecting = false
	again := o.terminatedDuringReconnect
	o.terminatedDuringReconnect = false
	return again
}

// fail reports err as an Error event unless the orchestrator is closing.
func (o *Orchestrator) fail(msg string, err error) {
	if o.State() == StateClosed {
		return
	}
	o.logger.Error(msg, "error", err)
	o.emit(errorEvent(fmt.Sprintf("%s: %v", msg, err)))
}

func (o *Orchestrator) emit(e Event) {
	if e.Kind == KindError {
		o.errors.Add(1)
	} else if e.Kind.IsFile() {
		o.events.Add(1)
	}
	o.stream.emit(e)
}

// transitionLocked moves to s and returns the previous state. Closed is
// terminal. The caller holds mu.
func (o *Orchestrator) transitionLocked(s State) State {
	from := o.state
	if from != StateClosed {
		o.state = s
	}
	return from
}

func (o *Orchestrator) notifyState(from, to State) {
	if o.observer == nil || from == to || from == StateClosed {
		return
	}
	o.observer.StateChanged(from, to)
}

// listener forwards Handle signals to its Orchestrator.
type listener struct {
	o *Orchestrator
}

func (l *listener) OnTermination()             { l.o.handleTermination() }
func (l *listener) OnTransportError(err error) { l.o.handleTransportError(err) }
func (l *listener) OnNotification(n Notification) {
	l.o.handleNotification(n)
}
