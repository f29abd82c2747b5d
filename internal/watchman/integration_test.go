package watchman

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/watchbridge/internal/watch"
)

type eventLog struct {
	mu     sync.Mutex
	events []watch.Event
}

func (l *eventLog) attach(s *watch.Stream) {
	for _, kind := range []watch.Kind{watch.KindAdd, watch.KindChange, watch.KindDelete, watch.KindReady, watch.KindEnd, watch.KindError} {
		s.On(kind, func(e watch.Event) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events = append(l.events, e)
		})
	}
}

func (l *eventLog) count(kind watch.Kind, path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind && e.Path == path {
			n++
		}
	}
	return n
}

func (l *eventLog) kinds() []watch.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]watch.Kind, 0, len(l.events))
	for _, e := range l.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (s *fakeServer) subscriptionNames() []string {
	var names []string
	for _, cmd := range s.Commands() {
		if cmd[0] == "subscribe" {
			names = append(names, cmd[2].(string))
		}
	}
	return names
}

func TestOrchestratorOverWatchman(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	srv := newFakeServer(t)
	srv.with(func(s *fakeServer) {
		s.root = dir
		s.files = []map[string]any{
			{"name": "a.txt", "exists": true, "new": false},
			{"name": "b.txt", "exists": true, "new": false},
		}
	})

	reg := NewRegistry(slog.New(slog.DiscardHandler), WithSocketPath(srv.path))
	t.Cleanup(func() { _ = reg.Shutdown() })

	orch := watch.New(reg)
	log := &eventLog{}
	log.attach(orch.Start(context.Background(), watch.Target{
		Path:    dir,
		Query:   watch.Query{},
		Options: watch.Options{ReportExistingFiles: true},
	}))

	require.Eventually(t, func() bool {
		return orch.State() == watch.StateActive
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []watch.Kind{watch.KindAdd, watch.KindAdd, watch.KindReady}, log.kinds())
	assert.Equal(t, 1, log.count(watch.KindAdd, filepath.Join(dir, "a.txt")))
	assert.Equal(t, 1, log.count(watch.KindAdd, filepath.Join(dir, "b.txt")))

	// Live change on the first subscription.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("c"), 0o644))
	first := srv.subscriptionNames()[0]
	srv.push(map[string]any{
		"subscription": first,
		"unilateral":   true,
		"files":        []map[string]any{{"name": "c.txt", "exists": true, "new": true}},
	})
	require.Eventually(t, func() bool {
		return log.count(watch.KindAdd, filepath.Join(dir, "c.txt")) == 1
	}, time.Second, 5*time.Millisecond)

	// The service restarts: the orchestrator subscribes again on a new socket.
	srv.dropConnections()
	require.Eventually(t, func() bool {
		return len(srv.subscriptionNames()) == 2 && orch.State() == watch.StateActive
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "d.txt"), []byte("d"), 0o644))
	second := srv.subscriptionNames()[1]
	assert.NotEqual(t, first, second)
	srv.push(map[string]any{
		"subscription": second,
		"unilateral":   true,
		"files":        []map[string]any{{"name": "d.txt", "exists": true, "new": true}},
	})
	require.Eventually(t, func() bool {
		return log.count(watch.KindAdd, filepath.Join(dir, "d.txt")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, orch.Close(context.Background()))
	assert.Equal(t, 1, log.count(watch.KindEnd, ""))
	assert.Equal(t, 1, log.count(watch.KindReady, ""))

	names := srv.commandNames()
	assert.Equal(t, "unsubscribe", names[len(names)-1])
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, log.count(watch.KindAdd, filepath.Join(dir, "d.txt")), "no duplicate delivery")
	assert.Equal(t, 1, log.count(watch.KindAdd, filepath.Join(dir, "a.txt")), "reconnect does not relist the tree")
	assert.Equal(t, 1, log.count(watch.KindAdd, filepath.Join(dir, "b.txt")))
}

func TestOrchestratorOverWatchman_ExistingFilesNotReportedByDefault(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	srv := newFakeServer(t)
	srv.with(func(s *fakeServer) {
		s.root = dir
		s.files = []map[string]any{
			{"name": "a.txt", "exists": true, "new": false},
			{"name": "b.txt", "exists": true, "new": false},
		}
	})

	reg := NewRegistry(slog.New(slog.DiscardHandler), WithSocketPath(srv.path))
	t.Cleanup(func() { _ = reg.Shutdown() })

	orch := watch.New(reg)
	t.Cleanup(func() { _ = orch.Close(context.Background()) })
	log := &eventLog{}
	log.attach(orch.Start(context.Background(), watch.Target{Path: dir, Query: watch.Query{}}))

	require.Eventually(t, func() bool {
		return orch.State() == watch.StateActive
	}, 2*time.Second, 5*time.Millisecond)

	// Give the initial subscription result time to arrive.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []watch.Kind{watch.KindReady}, log.kinds())

	var query map[string]any
	for _, cmd := range srv.Commands() {
		if cmd[0] == "subscribe" {
			query, _ = cmd[3].(map[string]any)
		}
	}
	require.NotNil(t, query)
	assert.Equal(t, "c:0:1", query["since"])
	assert.Equal(t, true, query["empty_on_fresh_instance"])

	// The service restarts between clock and subscribe, so the since clock
	// belongs to the old instance. The fresh instance still lists nothing.
	srv.setOverride(func(cmd []any) (map[string]any, bool) {
		if cmd[0] == "subscribe" {
			srv.with(func(s *fakeServer) { s.clock = "c:1:1" })
		}
		return nil, false
	})
	srv.dropConnections()
	require.Eventually(t, func() bool {
		return len(srv.subscriptionNames()) == 2 && orch.State() == watch.StateActive
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []watch.Kind{watch.KindReady}, log.kinds())
}
