package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/listenupapp/watchbridge/internal/id"
	"github.com/listenupapp/watchbridge/internal/watch"
)

// Subscription watches one directory tree on a Handle. The query of the
// target is not evaluated by this backend.
type Subscription struct {
	handle *Handle
	target watch.Target
	name   string

	mu   sync.RWMutex
	root string
}

func newSubscription(h *Handle, target watch.Target) *Subscription {
	return &Subscription{
		handle: h,
		target: target,
		name:   id.MustGenerate("native"),
		root:   filepath.Clean(target.Path),
	}
}

// Verify checks that the target is an existing directory.
func (s *Subscription) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(s.target.Path)
	if err != nil {
		return fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.target.Path)
	}
	return nil
}

// RegisterWatch resolves symlinks so event paths line up with the root.
func (s *Subscription) RegisterWatch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	root, err := filepath.EvalSymlinks(s.target.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	s.mu.Lock()
	s.root = abs
	s.mu.Unlock()
	return nil
}

// Activate adds recursive watches and starts forwarding events.
func (s *Subscription) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.handle.activate(s)
}

// RunQuery walks the tree and reports every entry that is not ignored.
func (s *Subscription) RunQuery(ctx context.Context) ([]watch.FileRecord, error) {
	root := s.Root()
	return s.handle.walk(ctx, root, root)
}

// Unsubscribe stops forwarding and removes the watches. A handle made by
// Connector is closed along with its last subscription.
func (s *Subscription) Unsubscribe(_ context.Context) error {
	if s.handle.deactivate(s) {
		return s.handle.Close()
	}
	return nil
}

// Root implements watch.Subscription.
func (s *Subscription) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// RelativePath is always empty: the resolved directory is the root.
func (s *Subscription) RelativePath() string {
	return ""
}

// Name implements watch.Subscription.
func (s *Subscription) Name() string {
	return s.name
}
