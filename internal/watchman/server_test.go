package watchman

import (
	"bufio"
	"encoding/json/v2"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer speaks enough of the watchman JSON protocol for the client
// tests. Each connection is served on its own goroutine.
type fakeServer struct {
	t    *testing.T
	ln   net.Listener
	path string

	mu       sync.Mutex
	conns    []*serverConn
	commands [][]any
	root     string
	rel      string
	clock    string
	files    []map[string]any
	caps     map[string]bool
	override func(cmd []any) (map[string]any, bool)
}

type serverConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *serverConn) send(t *testing.T, pdu map[string]any) {
	data, err := json.Marshal(pdu)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.conn.Write(append(data, '\n'))
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	// Unix socket paths are length limited, so stay out of t.TempDir.
	dir, err := os.MkdirTemp("", "wm")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	path := filepath.Join(dir, "sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	s := &fakeServer{
		t:     t,
		ln:    ln,
		path:  path,
		root:  "/repo",
		clock: "c:0:1",
		caps:  map[string]bool{"relative_root": true, "wildmatch": true},
	}
	t.Cleanup(s.stop)
	go s.accept()
	return s
}

func (s *fakeServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn}
		s.mu.Lock()
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		go s.serve(sc)
	}
}

func (s *fakeServer) serve(sc *serverConn) {
	scanner := bufio.NewScanner(sc.conn)
	for scanner.Scan() {
		var cmd []any
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			sc.send(s.t, map[string]any{"error": "bad pdu"})
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		resp := s.respond(cmd)
		if resp == nil {
			continue
		}
		sc.send(s.t, resp)
		if _, failed := resp["error"]; failed {
			continue
		}
		if pdu := s.initialResult(cmd); pdu != nil {
			sc.send(s.t, pdu)
		}
	}
}

// initialResult is the unilateral PDU watchman pushes right after a
// subscribe. Without a since clock it is a fresh instance listing every
// matching file, unless empty_on_fresh_instance is set.
func (s *fakeServer) initialResult(cmd []any) map[string]any {
	if name, _ := cmd[0].(string); name != "subscribe" || len(cmd) < 4 {
		return nil
	}
	query, _ := cmd[3].(map[string]any)

	s.mu.Lock()
	defer s.mu.Unlock()

	pdu := map[string]any{
		"subscription": cmd[2],
		"unilateral":   true,
		"clock":        s.clock,
		"files":        []map[string]any{},
	}
	if since, _ := query["since"].(string); since == s.clock {
		return pdu
	}
	pdu["is_fresh_instance"] = true
	if empty, _ := query["empty_on_fresh_instance"].(bool); !empty {
		pdu["files"] = s.files
	}
	return pdu
}

func (s *fakeServer) respond(cmd []any) map[string]any {
	s.mu.Lock()
	override := s.override
	s.mu.Unlock()
	if override != nil {
		if resp, ok := override(cmd); ok {
			return resp
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name, _ := cmd[0].(string)
	switch name {
	case "version":
		return map[string]any{"version": "2024.03.11.00", "capabilities": s.caps}
	case "watch-project":
		resp := map[string]any{"version": "2024.03.11.00", "watch": s.root}
		if s.rel != "" {
			resp["relative_path"] = s.rel
		}
		return resp
	case "clock":
		return map[string]any{"clock": s.clock}
	case "subscribe":
		return map[string]any{"subscribe": cmd[2], "clock": s.clock}
	case "query":
		return map[string]any{"files": s.files, "clock": "c:0:2", "is_fresh_instance": true}
	case "unsubscribe":
		return map[string]any{"unsubscribe": cmd[2], "deleted": true}
	default:
		return map[string]any{"error": "unknown command " + name}
	}
}

// with mutates the server's canned answers.
func (s *fakeServer) with(fn func(s *fakeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeServer) setOverride(fn func(cmd []any) (map[string]any, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = fn
}

// push sends a unilateral PDU on the newest connection.
func (s *fakeServer) push(pdu map[string]any) {
	s.t.Helper()
	var sc *serverConn
	require.Eventually(s.t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.conns) == 0 {
			return false
		}
		sc = s.conns[len(s.conns)-1]
		return true
	}, time.Second, 5*time.Millisecond)
	sc.send(s.t, pdu)
}

// dropConnections closes every open connection from the server side.
func (s *fakeServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.conns {
		_ = sc.conn.Close()
	}
}

func (s *fakeServer) Commands() [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]any(nil), s.commands...)
}

func (s *fakeServer) commandNames() []string {
	var names []string
	for _, cmd := range s.Commands() {
		name, _ := cmd[0].(string)
		names = append(names, name)
	}
	return names
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) stop() {
	_ = s.ln.Close()
	s.dropConnections()
}
