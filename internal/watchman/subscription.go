package watchman

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	domainerrors "github.com/listenupapp/watchbridge/internal/errors"
	"github.com/listenupapp/watchbridge/internal/watch"
)

// NamePrefix starts every subscription name watchbridge registers.
const NamePrefix = "watchbridge-"

// requiredCapabilities are checked by Verify. relative_root scopes results to
// the watched directory and wildmatch backs glob match expressions.
var requiredCapabilities = []string{"relative_root", "wildmatch"}

// resultFields are the per-file fields requested in every query.
var resultFields = []string{"name", "exists", "new"}

// Subscription is a watch-project plus subscribe registration on a Client.
type Subscription struct {
	client *Client
	target watch.Target
	name   string

	mu    sync.RWMutex
	root  string
	rel   string
	clock string
}

func newSubscription(c *Client, target watch.Target) *Subscription {
	return &Subscription{
		client: c,
		target: target,
		name:   NamePrefix + uuid.NewString(),
		root:   target.Path,
	}
}

// Verify checks that the service supports the capabilities the subscription
// relies on.
func (s *Subscription) Verify(ctx context.Context) error {
	resp, err := s.client.Command(ctx, "version", map[string]any{
		"required": requiredCapabilities,
	})
	if err != nil {
		return err
	}
	for _, capability := range requiredCapabilities {
		if !resp.Capabilities[capability] {
			return domainerrors.Protocolf("watchman %s lacks capability %q", resp.Version, capability)
		}
	}
	return nil
}

// RegisterWatch runs watch-project, then records the root's clock so the
// subscription only reports changes made after registration. The service may
// pick an enclosing project root, in which case the requested directory
// becomes the relative path.
func (s *Subscription) RegisterWatch(ctx context.Context) error {
	resp, err := s.client.Command(ctx, "watch-project", s.target.Path)
	if err != nil {
		return err
	}
	if resp.Watch == "" {
		return domainerrors.Protocolf("watch-project %s returned no root", s.target.Path)
	}

	clock, err := s.client.Command(ctx, "clock", resp.Watch)
	if err != nil {
		return err
	}
	if clock.Clock == "" {
		return domainerrors.Protocolf("clock %s returned no clock", resp.Watch)
	}

	s.mu.Lock()
	s.root = resp.Watch
	s.rel = resp.RelativePath
	s.clock = clock.Clock
	s.mu.Unlock()
	return nil
}

// Activate registers the subscription so changes start flowing. Without a
// since clock watchman would open with a listing of every matching file, so
// existing files are left to RunQuery.
func (s *Subscription) Activate(ctx context.Context) error {
	resp, err := s.client.Command(ctx, "subscribe", s.Root(), s.name, s.subscribeQuery())
	if err != nil {
		return err
	}
	if resp.Subscribe != "" && resp.Subscribe != s.name {
		return domainerrors.Protocolf("subscribe answered for %q, want %q", resp.Subscribe, s.name)
	}
	return nil
}

// RunQuery evaluates the query once and returns the matching files.
func (s *Subscription) RunQuery(ctx context.Context) ([]watch.FileRecord, error) {
	resp, err := s.client.Command(ctx, "query", s.Root(), s.query())
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Unsubscribe removes the subscription from the service.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	_, err := s.client.Command(ctx, "unsubscribe", s.Root(), s.name)
	return err
}

// Clock returns the clock recorded by RegisterWatch.
func (s *Subscription) Clock() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock
}

// Root implements watch.Subscription.
func (s *Subscription) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// RelativePath implements watch.Subscription.
func (s *Subscription) RelativePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rel
}

// Name implements watch.Subscription.
func (s *Subscription) Name() string {
	return s.name
}

// query copies the caller's expression and adds the fields and scope the
// classifier depends on.
func (s *Subscription) query() map[string]any {
	q := make(map[string]any, len(s.target.Query)+2)
	maps.Copy(q, s.target.Query)
	q["fields"] = resultFields
	if rel := s.RelativePath(); rel != "" {
		q["relative_root"] = rel
	}
	return q
}

// subscribeQuery is query scoped to changes after the registration clock. A
// fresh instance (the service restarted and lost that clock) reports no files.
func (s *Subscription) subscribeQuery() map[string]any {
	q := s.query()
	if clock := s.Clock(); clock != "" {
		q["since"] = clock
	}
	q["empty_on_fresh_instance"] = true
	return q
}
