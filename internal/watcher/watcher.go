// Package watcher is the native watch backend. It implements watch.Handle on
// top of fsnotify for hosts without a watchman service, translating
// filesystem events into the same notification records watchman sends.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/listenupapp/watchbridge/internal/watch"
)

// Connector creates a fresh Handle per Connect call. The binary path is
// ignored.
type Connector struct {
	Logger  *slog.Logger
	Options Options
}

// Connect implements watch.Connector.
func (c Connector) Connect(_ context.Context, _ string) (watch.Handle, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h, err := New(logger, c.Options)
	if err != nil {
		return nil, err
	}
	h.closeWhenIdle = true
	return h, nil
}

// pendingEvent tracks a file that may still be changing.
type pendingEvent struct {
	timer *time.Timer
	sub   *Subscription
	rel   string
	isNew bool
}

// Handle monitors file system changes for its active subscriptions.
// Listener callbacks are invoked from a single goroutine.
type Handle struct {
	logger  *slog.Logger
	opts    Options
	ignore  *ignoreRules
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	listeners []watch.Listener
	subs      map[string]*Subscription // root -> active subscription
	pending   map[string]*pendingEvent // absolute path -> settling event

	settled chan string
	done    chan struct{}
	closed  bool
	wg      sync.WaitGroup

	// closeWhenIdle releases the fsnotify watcher once the last subscription
	// is unsubscribed. Set for handles created by Connector.
	closeWhenIdle bool
}

// New creates a handle and starts its event loop.
func New(logger *slog.Logger, opts Options) (*Handle, error) {
	opts.setDefaults()

	ignore, err := compileIgnore(opts)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	h := &Handle{
		logger:  logger,
		opts:    opts,
		ignore:  ignore,
		watcher: fsw,
		subs:    make(map[string]*Subscription),
		pending: make(map[string]*pendingEvent),
		settled: make(chan string, 64),
		done:    make(chan struct{}),
	}

	h.wg.Add(1)
	go h.processEvents()
	return h, nil
}

// Listen implements watch.Handle.
func (h *Handle) Listen(l watch.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// Unlisten implements watch.Handle.
func (h *Handle) Unlisten(l watch.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = slices.DeleteFunc(h.listeners, func(x watch.Listener) bool { return x == l })
}

// Subscribe implements watch.Handle.
func (h *Handle) Subscribe(target watch.Target) (watch.Subscription, error) {
	if target.Path == "" {
		return nil, fmt.Errorf("watch path is required")
	}
	return newSubscription(h, target), nil
}

// Close stops the event loop and releases the fsnotify watcher. Listeners are
// not told about termination.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	for _, p := range h.pending {
		p.timer.Stop()
	}
	clear(h.pending)
	clear(h.subs)
	h.mu.Unlock()

	err := h.watcher.Close()
	h.wg.Wait()
	return err
}

// watchDir recursively adds watches below root, skipping ignored directories.
func (h *Handle) watchDir(root, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			h.logger.Warn("failed to access path", "path", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && h.ignore.match(relPath(root, p)) {
			return filepath.SkipDir
		}
		if err := h.watcher.Add(p); err != nil {
			if p == dir {
				return fmt.Errorf("add watch %s: %w", p, err)
			}
			h.logger.Error("failed to add watch", "path", p, "error", err)
			return nil
		}
		h.logger.Debug("added watch", "path", p)
		return nil
	})
}

// unwatchDir removes every watch at or below root.
func (h *Handle) unwatchDir(root string) {
	for _, p := range h.watcher.WatchList() {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			_ = h.watcher.Remove(p)
		}
	}
}

// walk lists the files and directories below dir as existing records named
// relative to root.
func (h *Handle) walk(ctx context.Context, root, dir string) ([]watch.FileRecord, error) {
	var files []watch.FileRecord
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			h.logger.Warn("failed to access path", "path", p, "error", err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel := relPath(root, p)
		if h.ignore.match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, watch.FileRecord{Name: rel, Exists: true})
		return nil
	})
	return files, err
}

func (h *Handle) activate(sub *Subscription) error {
	root := sub.Root()
	if err := h.watchDir(root, root); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("watcher is closed")
	}
	h.subs[root] = sub
	return nil
}

// deactivate removes sub and reports whether the handle should now be closed.
func (h *Handle) deactivate(sub *Subscription) bool {
	root := sub.Root()

	h.mu.Lock()
	current, ok := h.subs[root]
	if !ok || current != sub {
		h.mu.Unlock()
		return false
	}
	delete(h.subs, root)
	for path, p := range h.pending {
		if p.sub == sub {
			p.timer.Stop()
			delete(h.pending, path)
		}
	}
	idle := h.closeWhenIdle && len(h.subs) == 0
	h.mu.Unlock()

	h.unwatchDir(root)
	return idle
}

// processEvents is the single goroutine that delivers listener callbacks.
func (h *Handle) processEvents() {
	defer h.wg.Done()

	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				h.terminate()
				return
			}
			h.handleFsnotifyEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				h.terminate()
				return
			}
			for _, l := range h.snapshotListeners() {
				l.OnTransportError(err)
			}
		case path := <-h.settled:
			h.checkSettled(path)
		}
	}
}

// terminate reports a watcher that died without Close.
func (h *Handle) terminate() {
	select {
	case <-h.done:
		return
	default:
	}
	h.logger.Warn("fsnotify watcher stopped unexpectedly")
	for _, l := range h.snapshotListeners() {
		l.OnTermination()
	}
}

// handleFsnotifyEvent turns one fsnotify event into a record, settling
// creates and writes first.
func (h *Handle) handleFsnotifyEvent(event fsnotify.Event) {
	sub, rel, ok := h.route(event.Name)
	if !ok || h.ignore.match(rel) {
		return
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		h.cancelPending(event.Name)
		h.deliver(sub, watch.FileRecord{Name: rel, Exists: false})

	case event.Op&fsnotify.Create != 0:
		h.startSettling(sub, event.Name, rel, true)
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			h.watchNewDir(sub, event.Name)
		}

	case event.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		h.startSettling(sub, event.Name, rel, false)
	}
}

// watchNewDir watches a directory that appeared after activation and reports
// whatever was written into it before the watch was in place.
func (h *Handle) watchNewDir(sub *Subscription, dir string) {
	root := sub.Root()
	if err := h.watchDir(root, dir); err != nil {
		h.logger.Warn("failed to watch new directory", "path", dir, "error", err)
		return
	}
	files, err := h.walk(context.Background(), root, dir)
	if err != nil {
		h.logger.Warn("failed to scan new directory", "path", dir, "error", err)
		return
	}
	for _, rec := range files {
		h.startSettling(sub, filepath.Join(root, rec.Name), rec.Name, true)
	}
}

// route finds the active subscription whose root contains path.
func (h *Handle) route(path string) (*Subscription, string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var best *Subscription
	for root, sub := range h.subs {
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(root) > len(best.Root()) {
			best = sub
		}
	}
	if best == nil {
		return nil, "", false
	}
	return best, relPath(best.Root(), path), true
}

// startSettling (re)arms the settle timer for path. A file created during
// the window stays new until it is reported.
func (h *Handle) startSettling(sub *Subscription, path, rel string, isNew bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	if p, exists := h.pending[path]; exists {
		p.timer.Stop()
		isNew = isNew || p.isNew
	}

	p := &pendingEvent{sub: sub, rel: rel, isNew: isNew}
	p.timer = time.AfterFunc(h.opts.SettleDelay, func() {
		select {
		case h.settled <- path:
		case <-h.done:
		}
	})
	h.pending[path] = p
}

// checkSettled reports a settled path. The classifier downstream confirms
// that it still exists.
func (h *Handle) checkSettled(path string) {
	h.mu.Lock()
	p, exists := h.pending[path]
	if exists {
		delete(h.pending, path)
	}
	h.mu.Unlock()

	if !exists {
		return
	}
	h.deliver(p.sub, watch.FileRecord{Name: p.rel, Exists: true, New: p.isNew})
}

// cancelPending cancels a pending event.
func (h *Handle) cancelPending(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p, exists := h.pending[path]; exists {
		p.timer.Stop()
		delete(h.pending, path)
	}
}

func (h *Handle) deliver(sub *Subscription, rec watch.FileRecord) {
	n := watch.Notification{Subscription: sub.Name(), Files: []watch.FileRecord{rec}}
	for _, l := range h.snapshotListeners() {
		l.OnNotification(n)
	}
}

func (h *Handle) snapshotListeners() []watch.Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]watch.Listener(nil), h.listeners...)
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}
